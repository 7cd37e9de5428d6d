package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecretRef = "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.False(t, cfg.Server.TLSEnabled)
	assert.Equal(t, "X-Session-ID", cfg.Server.IdentityHeader)

	// Test security defaults
	assert.Equal(t, 5, cfg.Security.MaxFailedAttempts)
	assert.Equal(t, 30*time.Minute, cfg.LockoutDuration())

	// Test audit defaults
	assert.Equal(t, int64(100*1024*1024), cfg.AuditMaxSizeBytes())
	assert.Equal(t, 90*24*time.Hour, cfg.AuditRetention())
	assert.Equal(t, time.Hour, cfg.PruneInterval())
	assert.True(t, cfg.Audit.SyncOnWrite)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "bcrypt reference",
			modifyFn: func(cfg *Config) {
				cfg.Security.AdminSecretHash = "$2a$12$abcdefghijklmnopqrstuuABCDEFGHIJKLMNOPQRSTUVWXYZ01234"
			},
			wantError: false,
		},
		{
			name: "missing secret",
			modifyFn: func(cfg *Config) {
				cfg.Security.AdminSecretHash = ""
			},
			wantError: true,
			errorMsg:  "admin secret hash is required",
		},
		{
			name: "plain secret",
			modifyFn: func(cfg *Config) {
				cfg.Security.AdminSecretHash = "default_hash_change_me"
			},
			wantError: true,
			errorMsg:  "never a plain secret",
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "tls without cert",
			modifyFn: func(cfg *Config) {
				cfg.Server.TLSEnabled = true
			},
			wantError: true,
			errorMsg:  "tls_cert_path is required",
		},
		{
			name: "zero attempts",
			modifyFn: func(cfg *Config) {
				cfg.Security.MaxFailedAttempts = 0
			},
			wantError: true,
			errorMsg:  "security.max_failed_attempts",
		},
		{
			name: "negative origin attempts",
			modifyFn: func(cfg *Config) {
				cfg.Security.MaxFailedPerOrigin = -1
			},
			wantError: true,
			errorMsg:  "security.max_failed_per_origin",
		},
		{
			name: "rotation threshold",
			modifyFn: func(cfg *Config) {
				cfg.Audit.MaxSizeMB = 0
			},
			wantError: true,
			errorMsg:  "rotation threshold",
		},
		{
			name: "file name with separator",
			modifyFn: func(cfg *Config) {
				cfg.Audit.FileName = "../audit.log"
			},
			wantError: true,
			errorMsg:  "plain file name",
		},
		{
			name: "negative retention",
			modifyFn: func(cfg *Config) {
				cfg.Audit.RetentionDays = -1
			},
			wantError: true,
			errorMsg:  "retention cannot be negative",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "verbose"
			},
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "invalid log format",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Format = "xml"
			},
			wantError: true,
			errorMsg:  "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Security.AdminSecretHash = testSecretRef
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if !tt.wantError {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if assert.IsType(t, &ValidationError{}, err) && strings.Contains(err.Error(), tt.errorMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "governance.yaml")

	configContent := `
server:
  port: 9090
  allowed_origins: ["https://console.example.com"]

security:
  admin_secret_hash: "` + testSecretRef + `"
  max_failed_attempts: 3
  lockout_duration_minutes: 10
  max_failed_per_origin: 12

audit:
  dir: "` + filepath.ToSlash(filepath.Join(tmpDir, "audit")) + `"
  max_size_mb: 5
  retention_days: 30

logging:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3, cfg.Security.MaxFailedAttempts)
	assert.Equal(t, 10*time.Minute, cfg.LockoutDuration())
	assert.Equal(t, 12, cfg.Security.MaxFailedPerOrigin)
	assert.Equal(t, int64(5*1024*1024), cfg.AuditMaxSizeBytes())
	assert.Equal(t, 30*24*time.Hour, cfg.AuditRetention())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Unset values keep their defaults
	assert.Equal(t, "audit.log", cfg.Audit.FileName)
	assert.Equal(t, "X-Session-ID", cfg.Server.IdentityHeader)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBILITICS_GOV_PORT", "7070")
	t.Setenv("KUBILITICS_GOV_ADMIN_SECRET_HASH", testSecretRef)
	t.Setenv("KUBILITICS_GOV_AUDIT_RETENTION_DAYS", "7")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "governance.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8090\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))

	cfg := mgr.Get(context.Background())
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, testSecretRef, cfg.Security.AdminSecretHash)
	assert.Equal(t, 7, cfg.Audit.RetentionDays)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.NoError(t, mgr.Load(context.Background()))
	cfg := mgr.Get(context.Background())
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)

	// Defaults alone lack the admin secret
	err = mgr.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security.admin_secret_hash")
}

func TestConfigManagerReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "governance.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("audit:\n  max_size_mb: 10\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 10, mgr.Get(ctx).Audit.MaxSizeMB)

	require.NoError(t, os.WriteFile(configPath, []byte("audit:\n  max_size_mb: 20\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 20, mgr.Get(ctx).Audit.MaxSizeMB)
}

func TestConfigManagerInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "governance.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	assert.Error(t, mgr.Load(context.Background()))
}
