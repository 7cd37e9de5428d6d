// Package cli implements govctl, the offline administration tool for the governance
// service: audit log inspection and maintenance, admin secret hashing and risk checks.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/config"
)

// Version is stamped at build time.
var Version = "dev"

type app struct {
	configPath string
	auditDir   string
	verbose    bool
	cfg        *config.Config
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:           "govctl",
		Short:         "Administer the Kubilitics governance service",
		Long:          "govctl inspects, exports and verifies the governance audit log, hashes admin secrets and previews risk classification.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "governance.yaml", "path to the service configuration file")
	cmd.PersistentFlags().StringVar(&a.auditDir, "audit-dir", "", "audit log directory (overrides config)")
	cmd.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "log store activity to stderr")

	cmd.AddCommand(
		newAuditCmd(a),
		newSecretCmd(a),
		newClassifyCmd(a),
	)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		mgr, err := config.NewConfigManager(a.configPath)
		if err != nil {
			return err
		}
		if err := mgr.Load(cmd.Context()); err != nil {
			return fmt.Errorf("invalid %s: %w", a.configPath, err)
		}
		snapshot := *mgr.Get(cmd.Context())
		a.cfg = &snapshot
		if dir := strings.TrimSpace(a.auditDir); dir != "" {
			a.cfg.Audit.Dir = dir
		}
		return nil
	}

	cmd.SetErrPrefix("govctl: ")
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	return cmd
}

// openStore opens the audit log named by the loaded configuration.
func (a *app) openStore() (*audit.Store, error) {
	logger := zap.NewNop()
	if a.verbose {
		logger = zap.New(zapConsoleCore(a.stderr))
	}
	return audit.Open(audit.Config{
		Dir:          a.cfg.Audit.Dir,
		FileName:     a.cfg.Audit.FileName,
		MaxSizeBytes: a.cfg.AuditMaxSizeBytes(),
		Retention:    a.cfg.AuditRetention(),
		SyncOnWrite:  a.cfg.Audit.SyncOnWrite,
	}, audit.WithLogger(logger))
}

func zapConsoleCore(w io.Writer) zapcore.Core {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
