package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.IdentityHeader = "X-Session-ID"
	cfg.Server.RateLimitPerMinute = 120

	// Security defaults
	cfg.Security.AdminSecretHash = ""
	cfg.Security.MaxFailedAttempts = 5
	cfg.Security.LockoutDurationMinutes = 30
	cfg.Security.MaxFailedPerOrigin = 0

	// Audit defaults
	cfg.Audit.Dir = "./logs"
	cfg.Audit.FileName = "audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.RetentionDays = 90
	cfg.Audit.PruneIntervalMinutes = 60
	cfg.Audit.SyncOnWrite = true
	cfg.Audit.ConsoleMirror = true

	// Database defaults
	cfg.Database.SQLitePath = "./data/governance.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
