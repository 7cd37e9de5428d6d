package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
)

func newSecretCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the admin secret reference",
	}
	cmd.AddCommand(newSecretHashCmd(a), newSecretCheckCmd(a))
	return cmd
}

// readSecret reads one line from stdin so secrets never appear in argv or shell history.
func (a *app) readSecret() (string, error) {
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newSecretHashCmd(a *app) *cobra.Command {
	var (
		cost   int
		sha256 bool
	)
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash a secret read from stdin for security.admin_secret_hash",
		Example: `  printf '%s\n' "$ADMIN_SECRET" | govctl secret hash
  govctl secret hash --sha256 < secret.txt`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := a.readSecret()
			if err != nil {
				return err
			}
			if sha256 {
				if len(secret) < security.MinSecretLength {
					return fmt.Errorf("%w: need at least %d characters", security.ErrWeakSecret, security.MinSecretLength)
				}
				fmt.Fprintln(a.stdout, security.SHA256Reference(secret))
				return nil
			}
			ref, err := security.HashSecret(secret, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, ref)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", security.DefaultBcryptCost, "bcrypt cost")
	cmd.Flags().BoolVar(&sha256, "sha256", false, "emit a sha256: reference instead of bcrypt")
	return cmd
}

func newSecretCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check a secret from stdin against the configured reference",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := security.NewSecretVerifier(a.cfg.Security.AdminSecretHash)
			if err != nil {
				return err
			}
			secret, err := a.readSecret()
			if err != nil {
				return err
			}
			if !v.Matches(secret) {
				fmt.Fprintln(a.stdout, "MISMATCH")
				return security.ErrUnauthorized
			}
			fmt.Fprintln(a.stdout, "OK")
			return nil
		},
	}
}

func newClassifyCmd(a *app) *cobra.Command {
	var proposed string
	cmd := &cobra.Command{
		Use:   "classify <description>",
		Short: "Preview the risk tier the built-in rules assign to a request",
		Args:  cobra.MinimumNArgs(1),
		Example: `  govctl classify "rotate the api key"
  govctl classify "tidy config" --proposed "rm -rf /var/lib/data"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := safety.NewDefaultClassifier().Explain(strings.Join(args, " "), proposed)
			rule := c.RuleName
			if rule == "" {
				rule = "-"
			}
			fmt.Fprintf(a.stdout, "Tier: %s\nRule: %s\n", c.Tier, rule)
			return nil
		},
	}
	cmd.Flags().StringVar(&proposed, "proposed", "", "proposed change text")
	return cmd
}
