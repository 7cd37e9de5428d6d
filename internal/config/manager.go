package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "KUBILITICS_GOV"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	m.applyEnvOverrides()

	return nil
}

// readConfigFile reads the YAML file. A missing file is not an error: defaults and env vars apply.
func (m *viperConfigManager) readConfigFile() error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
// Only configurations that pass validation are published.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	// Start watching config file
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		cfg := m.Get(ctx)
		if errs := cfg.Validate(); len(errs) > 0 {
			return
		}
		// Send updated config to channel
		select {
		case m.watchChan <- *cfg:
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.identity_header", defaults.Server.IdentityHeader)
	m.viper.SetDefault("server.rate_limit_per_minute", defaults.Server.RateLimitPerMinute)

	// Security defaults
	m.viper.SetDefault("security.admin_secret_hash", defaults.Security.AdminSecretHash)
	m.viper.SetDefault("security.max_failed_attempts", defaults.Security.MaxFailedAttempts)
	m.viper.SetDefault("security.lockout_duration_minutes", defaults.Security.LockoutDurationMinutes)
	m.viper.SetDefault("security.max_failed_per_origin", defaults.Security.MaxFailedPerOrigin)

	// Audit defaults
	m.viper.SetDefault("audit.dir", defaults.Audit.Dir)
	m.viper.SetDefault("audit.file_name", defaults.Audit.FileName)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.retention_days", defaults.Audit.RetentionDays)
	m.viper.SetDefault("audit.prune_interval_minutes", defaults.Audit.PruneIntervalMinutes)
	m.viper.SetDefault("audit.sync_on_write", defaults.Audit.SyncOnWrite)
	m.viper.SetDefault("audit.console_mirror", defaults.Audit.ConsoleMirror)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.IdentityHeader = m.viper.GetString("server.identity_header")
	cfg.Server.RateLimitPerMinute = m.viper.GetInt("server.rate_limit_per_minute")

	// Security
	cfg.Security.AdminSecretHash = m.viper.GetString("security.admin_secret_hash")
	cfg.Security.MaxFailedAttempts = m.viper.GetInt("security.max_failed_attempts")
	cfg.Security.LockoutDurationMinutes = m.viper.GetInt("security.lockout_duration_minutes")
	cfg.Security.MaxFailedPerOrigin = m.viper.GetInt("security.max_failed_per_origin")

	// Audit
	cfg.Audit.Dir = m.viper.GetString("audit.dir")
	cfg.Audit.FileName = m.viper.GetString("audit.file_name")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.RetentionDays = m.viper.GetInt("audit.retention_days")
	cfg.Audit.PruneIntervalMinutes = m.viper.GetInt("audit.prune_interval_minutes")
	cfg.Audit.SyncOnWrite = m.viper.GetBool("audit.sync_on_write")
	cfg.Audit.ConsoleMirror = m.viper.GetBool("audit.console_mirror")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies short-form environment variable overrides.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Admin secret reference from environment, kept out of config files
	if ref := os.Getenv(EnvPrefix + "_ADMIN_SECRET_HASH"); ref != "" {
		m.config.Security.AdminSecretHash = ref
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv(EnvPrefix + "_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}

	if dir := os.Getenv(EnvPrefix + "_AUDIT_DIR"); dir != "" {
		m.config.Audit.Dir = dir
	}
}
