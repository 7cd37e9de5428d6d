// Command server runs the governance service: modification lifecycle, admin secret gate,
// risk classification and the tamper-evident audit log, exposed over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/config"
	"github.com/kubilitics/kubilitics-governance/internal/db"
	"github.com/kubilitics/kubilitics-governance/internal/governance"
	"github.com/kubilitics/kubilitics-governance/internal/logging"
	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
	"github.com/kubilitics/kubilitics-governance/internal/server"
)

const version = "0.1.0"

var (
	configPath = flag.String("config", "governance.yaml", "Path to configuration file")
	port       = flag.Int("port", 0, "Server port (overrides config)")
	debugMode  = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	mgr, err := loadConfiguration(ctx, *configPath)
	if err != nil {
		return err
	}
	snapshot := *mgr.Get(ctx)
	cfg := &snapshot
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debugMode {
		cfg.Logging.Level = "debug"
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
		_ = logCloser.Close()
	}()
	logger.Info("Starting governance service",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("port", cfg.Server.Port))

	// Audit log
	opts := []audit.Option{audit.WithLogger(logger.Named("audit"))}
	if cfg.Audit.ConsoleMirror {
		opts = append(opts, audit.WithObserver(audit.ConsoleMirror(logger.Named("audit.mirror"))))
	}
	store, err := audit.Open(audit.Config{
		Dir:          cfg.Audit.Dir,
		FileName:     cfg.Audit.FileName,
		MaxSizeBytes: cfg.AuditMaxSizeBytes(),
		Retention:    cfg.AuditRetention(),
		SyncOnWrite:  cfg.Audit.SyncOnWrite,
	}, opts...)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close audit log", zap.Error(err))
		}
	}()

	// Persistence
	var st db.Store
	if cfg.Database.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o750); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
		st, err = db.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()
	} else {
		logger.Warn("No database configured; requests, lockouts and custom rules will not survive restarts")
	}

	svc, gate, err := buildService(ctx, cfg, store, st, logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(server.ConfigFrom(cfg), svc, server.WithLogger(logger.Named("http")))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	store.Subscribe(srv.Hub().Publish)

	if err := store.Append(ctx, audit.NewEntry(audit.LevelInfo, audit.ActionSystemStarted).
		WithDescriptionf("governance service %s started", version).
		WithMetadata("port", cfg.Server.Port)); err != nil {
		return fmt.Errorf("record startup: %w", err)
	}

	bg, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	go store.RunRetention(bg, cfg.PruneInterval())
	go watchConfig(bg, mgr, store, gate, logger)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-srv.Done():
		logger.Error("HTTP server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Server stop", zap.Error(err))
	}
	if err := store.Append(shutdownCtx, audit.NewEntry(audit.LevelInfo, audit.ActionSystemShutdown).
		WithDescription("governance service stopped")); err != nil {
		logger.Error("Failed to record shutdown", zap.Error(err))
	}
	logger.Info("Governance service stopped")
	return nil
}

// loadConfiguration loads and validates configuration
func loadConfiguration(ctx context.Context, cfgPath string) (config.ConfigManager, error) {
	mgr, err := config.NewConfigManager(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// buildService wires classifier, gatekeeper and manager, restoring persisted state.
func buildService(ctx context.Context, cfg *config.Config, store *audit.Store, st db.Store, logger *zap.Logger) (*governance.Service, *security.Gatekeeper, error) {
	verifier, err := security.NewSecretVerifier(cfg.Security.AdminSecretHash)
	if err != nil {
		return nil, nil, fmt.Errorf("admin secret: %w", err)
	}
	guard := security.NewGuard(verifier, security.Policy{
		MaxFailedAttempts:  cfg.Security.MaxFailedAttempts,
		LockoutDuration:    cfg.LockoutDuration(),
		MaxFailedPerOrigin: cfg.Security.MaxFailedPerOrigin,
	})

	gateOpts := []security.GatekeeperOption{security.WithGatekeeperLogger(logger.Named("auth"))}
	mgrOpts := []modification.Option{modification.WithLogger(logger.Named("modification"))}
	svcOpts := []governance.Option{governance.WithLogger(logger.Named("governance"))}
	if st != nil {
		gateOpts = append(gateOpts, security.WithAttemptStore(st))
		mgrOpts = append(mgrOpts, modification.WithRepository(st))
		svcOpts = append(svcOpts, governance.WithRuleStore(st))
	}

	classifier := safety.NewDefaultClassifier()
	gate := security.NewGatekeeper(guard, store, gateOpts...)
	manager := modification.NewManager(classifier, gate, store, mgrOpts...)
	svc := governance.NewService(store, classifier, gate, manager, svcOpts...)

	if err := gate.Restore(ctx); err != nil {
		return nil, nil, err
	}
	if _, err := manager.Restore(ctx); err != nil {
		return nil, nil, err
	}
	if _, err := svc.LoadRules(ctx); err != nil {
		return nil, nil, err
	}
	return svc, gate, nil
}

// watchConfig applies hot-reloadable settings: audit rotation and retention limits and the
// lockout policy. Other changes need a restart.
func watchConfig(ctx context.Context, mgr config.ConfigManager, store *audit.Store, gate *security.Gatekeeper, logger *zap.Logger) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			store.SetLimits(cfg.AuditMaxSizeBytes(), cfg.AuditRetention())
			gate.Guard().SetPolicy(security.Policy{
				MaxFailedAttempts:  cfg.Security.MaxFailedAttempts,
				LockoutDuration:    cfg.LockoutDuration(),
				MaxFailedPerOrigin: cfg.Security.MaxFailedPerOrigin,
			})
			logger.Info("Configuration reloaded",
				zap.Int64("audit_max_size_bytes", cfg.AuditMaxSizeBytes()),
				zap.Duration("audit_retention", cfg.AuditRetention()),
				zap.Int("max_failed_attempts", cfg.Security.MaxFailedAttempts),
				zap.Duration("lockout", cfg.LockoutDuration()))
		}
	}
}
