package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Format selects the export encoding
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat converts a user supplied format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSONL, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Export writes the entries matching f to w in chronological order and returns how many were written.
func (s *Store) Export(ctx context.Context, f Filter, w io.Writer, format Format) (int, error) {
	entries, err := s.Search(ctx, f)
	if err != nil {
		return 0, err
	}
	// Search is newest first; exports read naturally oldest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	switch format {
	case FormatJSONL, "":
		enc := json.NewEncoder(w)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return i, fmt.Errorf("encode entry %d: %w", entries[i].Seq, err)
			}
		}
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		if err := enc.Encode(entries); err != nil {
			return 0, fmt.Errorf("encode entries: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if entries == nil {
			entries = []Entry{}
		}
		if err := enc.Encode(entries); err != nil {
			return 0, fmt.Errorf("encode entries: %w", err)
		}
		if err := enc.Close(); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
	return len(entries), nil
}

// ExportFile exports into path, creating parent directories as needed.
func (s *Store) ExportFile(ctx context.Context, f Filter, path string, format Format) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open export file: %w", err)
	}
	n, err := s.Export(ctx, f, out, format)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	s.logger.Info("exported audit log", zap.String("path", path), zap.Int("entries", n))
	return n, nil
}
