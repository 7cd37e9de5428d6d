package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, closer, err := New(Options{Level: "info", Format: "console", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("governance started")
	logger.Debug("not written")
	_ = logger.Sync()
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"governance started"`)
	assert.NotContains(t, string(data), "not written")
}

func TestNew_InvalidOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
