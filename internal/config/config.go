package config

import (
	"context"
	"time"
)

// Package config provides configuration management for kubilitics-governance.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (KUBILITICS_GOV_* prefix, dots become underscores)
//   2. YAML config file (default: /etc/kubilitics/governance.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Listen port (default 8090)
//      - tls_enabled, tls_cert_path, tls_key_path
//      - allowed_origins: CORS / WebSocket origins
//      - identity_header: request header carrying the caller identity for lockout accounting
//      - rate_limit_per_minute: per-client request budget (0 disables)
//
//   2. Security
//      - admin_secret_hash: bcrypt hash or "sha256:<hex>" of the admin secret
//      - max_failed_attempts: failures before lockout (default 5)
//      - lockout_duration_minutes: lockout window (default 30)
//      - max_failed_per_origin: failures from one client address before it is locked out
//        across every identity (default 0, meaning 4x max_failed_attempts)
//
//   3. Audit
//      - dir, file_name: active log location
//      - max_size_mb: rotation threshold (default 100)
//      - retention_days: archive retention (default 90)
//      - prune_interval_minutes: retention sweep interval
//      - sync_on_write: fsync after every append
//      - console_mirror: echo entries to the application log
//
//   4. Database
//      - sqlite_path: request / lockout / rule persistence (empty disables)
//
//   5. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "console"
//      - file: optional log file rotated by lumberjack
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to call the API and open the audit stream.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		IdentityHeader string
		// RateLimitPerMinute caps requests per client address; 0 disables limiting.
		RateLimitPerMinute int
	}

	// Security configuration
	Security struct {
		AdminSecretHash        string
		MaxFailedAttempts      int
		LockoutDurationMinutes int
		MaxFailedPerOrigin     int
	}

	// Audit log configuration
	Audit struct {
		Dir                  string
		FileName             string
		MaxSizeMB            int
		RetentionDays        int
		PruneIntervalMinutes int
		SyncOnWrite          bool
		ConsoleMirror        bool
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}
}

// LockoutDuration returns the configured lockout window.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Security.LockoutDurationMinutes) * time.Minute
}

// AuditMaxSizeBytes returns the rotation threshold in bytes.
func (c *Config) AuditMaxSizeBytes() int64 {
	return int64(c.Audit.MaxSizeMB) * 1024 * 1024
}

// AuditRetention returns the archive retention window. Zero disables pruning.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// PruneInterval returns how often the retention sweep runs.
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.Audit.PruneIntervalMinutes) * time.Minute
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/governance.yaml")
}
