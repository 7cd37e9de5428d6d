package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit_per_minute",
			Message: fmt.Sprintf("must not be negative, got %d", c.Server.RateLimitPerMinute),
		})
	}

	// Validate security configuration
	if strings.TrimSpace(c.Security.AdminSecretHash) == "" {
		errs = append(errs, &ValidationError{
			Field:   "security.admin_secret_hash",
			Message: "admin secret hash is required (generate one with `govctl secret hash`)",
		})
	} else if !isSecretReference(c.Security.AdminSecretHash) {
		errs = append(errs, &ValidationError{
			Field:   "security.admin_secret_hash",
			Message: "must be a bcrypt hash or sha256:<hex> digest, never a plain secret",
		})
	}

	if c.Security.MaxFailedAttempts < 1 {
		errs = append(errs, &ValidationError{
			Field:   "security.max_failed_attempts",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Security.MaxFailedAttempts),
		})
	}

	if c.Security.MaxFailedPerOrigin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "security.max_failed_per_origin",
			Message: fmt.Sprintf("must not be negative, got %d", c.Security.MaxFailedPerOrigin),
		})
	}

	if c.Security.LockoutDurationMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "security.lockout_duration_minutes",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Security.LockoutDurationMinutes),
		})
	}

	// Validate audit configuration
	if c.Audit.Dir == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.dir",
			Message: "audit directory is required",
		})
	}

	if c.Audit.FileName == "" || strings.ContainsAny(c.Audit.FileName, `/\`) {
		errs = append(errs, &ValidationError{
			Field:   "audit.file_name",
			Message: fmt.Sprintf("must be a plain file name, got %q", c.Audit.FileName),
		})
	}

	if c.Audit.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "audit.max_size_mb",
			Message: fmt.Sprintf("rotation threshold must be at least 1 MB, got %d", c.Audit.MaxSizeMB),
		})
	}

	if c.Audit.RetentionDays < 0 {
		errs = append(errs, &ValidationError{
			Field:   "audit.retention_days",
			Message: fmt.Sprintf("retention cannot be negative, got %d", c.Audit.RetentionDays),
		})
	}

	if c.Audit.PruneIntervalMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "audit.prune_interval_minutes",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Audit.PruneIntervalMinutes),
		})
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	return errs
}

func isSecretReference(ref string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$", "sha256:"} {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}
