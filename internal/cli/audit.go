package cli

// Commands:
//   govctl audit search [--level L] [--action A] [--actor X] [--since T] [--until T] [--limit N] [-o json]
//   govctl audit export [--format jsonl|json|yaml] [--out FILE]
//   govctl audit verify
//   govctl audit stats [-o json]
//   govctl audit prune [--retention 720h]

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and maintain the governance audit log",
	}
	cmd.AddCommand(
		newAuditSearchCmd(a),
		newAuditExportCmd(a),
		newAuditVerifyCmd(a),
		newAuditStatsCmd(a),
		newAuditPruneCmd(a),
	)
	return cmd
}

type filterFlags struct {
	level  string
	action string
	actor  string
	since  string
	until  string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.level, "level", "", "only entries at this level (info|warning|error|security|critical)")
	cmd.Flags().StringVar(&f.action, "action", "", "substring of the action tag")
	cmd.Flags().StringVar(&f.actor, "actor", "", "exact actor identity")
	cmd.Flags().StringVar(&f.since, "since", "", "RFC3339 time or duration ago (e.g. 24h)")
	cmd.Flags().StringVar(&f.until, "until", "", "RFC3339 time or duration ago")
}

func (f *filterFlags) build(now time.Time) (audit.Filter, error) {
	var out audit.Filter
	if f.level != "" {
		lvl, err := audit.ParseLevel(f.level)
		if err != nil {
			return out, err
		}
		out.Level = lvl
	}
	out.Action = strings.TrimSpace(f.action)
	out.Actor = strings.TrimSpace(f.actor)

	var err error
	if out.Since, err = parseWhen(f.since, now); err != nil {
		return out, fmt.Errorf("--since: %w", err)
	}
	if out.Until, err = parseWhen(f.until, now); err != nil {
		return out, fmt.Errorf("--until: %w", err)
	}
	if !out.Since.IsZero() && !out.Until.IsZero() && out.Until.Before(out.Since) {
		return out, fmt.Errorf("--until is before --since")
	}
	return out, nil
}

// parseWhen accepts an RFC3339 timestamp or a duration counted back from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return now.Add(-d), nil
}

func newAuditSearchCmd(a *app) *cobra.Command {
	var (
		ff     filterFlags
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Show matching audit entries, newest first",
		Example: `  govctl audit search --level security
  govctl audit search --action modification --since 24h
  govctl audit search --actor tab-9 --limit 20 -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ff.build(time.Now())
			if err != nil {
				return err
			}
			f.Limit = limit

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Search(cmd.Context(), f)
			if err != nil {
				return err
			}

			if output == "json" {
				b, _ := json.MarshalIndent(map[string]interface{}{
					"count":   len(entries),
					"entries": entries,
				}, "", "  ")
				fmt.Fprintln(a.stdout, string(b))
				return nil
			}

			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, "No audit entries found.")
				return nil
			}
			fmt.Fprintf(a.stdout, "%-6s  %-20s  %-8s  %-30s  %-14s  %s\n",
				"SEQ", "TIMESTAMP", "LEVEL", "ACTION", "ACTOR", "DESCRIPTION")
			fmt.Fprintf(a.stdout, "%s\n", strings.Repeat("─", 100))
			for _, e := range entries {
				actor := e.Actor
				if actor == "" {
					actor = "-"
				}
				fmt.Fprintf(a.stdout, "%-6d  %-20s  %-8s  %-30s  %-14s  %s\n",
					e.Seq,
					e.Timestamp.UTC().Format(time.RFC3339),
					e.Level,
					truncate(e.Action, 30),
					truncate(actor, 14),
					truncate(e.Description, 60),
				)
			}
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to show (0 = all)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format (json)")
	return cmd
}

func newAuditExportCmd(a *app) *cobra.Command {
	var (
		ff     filterFlags
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export matching audit entries in chronological order",
		Example: `  govctl audit export --format yaml > audit.yaml
  govctl audit export --since 720h --out /tmp/audit-month.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmtSel, err := audit.ParseFormat(format)
			if err != nil {
				return err
			}
			f, err := ff.build(time.Now())
			if err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if out == "" || out == "-" {
				_, err := store.Export(cmd.Context(), f, a.stdout, fmtSel)
				return err
			}
			n, err := store.ExportFile(cmd.Context(), f, out, fmtSel)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "Exported %d entries to %s\n", n, out)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&format, "format", "jsonl", "export format (jsonl|json|yaml)")
	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	return cmd
}

func newAuditVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the hash chain and report the first broken link",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rep, err := store.Verify(cmd.Context())
			if err != nil {
				return err
			}
			if !rep.Valid {
				fmt.Fprintf(a.stdout, "BROKEN at seq %d in %s: %s\n", rep.BrokenAt, rep.File, rep.Reason)
				return fmt.Errorf("audit chain verification failed")
			}
			fmt.Fprintf(a.stdout, "OK: %d entries across %d files\n", rep.Entries, rep.Files)
			return nil
		},
	}
}

func newAuditStatsCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the audit log by level and action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if output == "json" {
				b, _ := json.MarshalIndent(st, "", "  ")
				fmt.Fprintln(a.stdout, string(b))
				return nil
			}

			fmt.Fprintf(a.stdout, "Entries: %d\n", st.TotalEntries)
			fmt.Fprintf(a.stdout, "Files:   %d (%d bytes)\n", st.Files, st.Bytes)
			if st.Oldest != nil && st.Newest != nil {
				fmt.Fprintf(a.stdout, "Range:   %s .. %s\n",
					st.Oldest.UTC().Format(time.RFC3339), st.Newest.UTC().Format(time.RFC3339))
			}
			fmt.Fprintln(a.stdout, "By level:")
			for _, lvl := range []audit.Level{audit.LevelInfo, audit.LevelWarning, audit.LevelError, audit.LevelSecurity, audit.LevelCritical} {
				fmt.Fprintf(a.stdout, "  %-10s %d\n", lvl, st.ByLevel[lvl])
			}
			actions := make([]string, 0, len(st.ByAction))
			for k := range st.ByAction {
				actions = append(actions, k)
			}
			sort.Strings(actions)
			fmt.Fprintln(a.stdout, "By action:")
			for _, k := range actions {
				fmt.Fprintf(a.stdout, "  %-32s %d\n", k, st.ByAction[k])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format (json)")
	return cmd
}

func newAuditPruneCmd(a *app) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archives older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if retention > 0 {
				store.SetLimits(a.cfg.AuditMaxSizeBytes(), retention)
			}
			n, err := store.PruneExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Pruned %d archive(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override the configured retention window")
	return cmd
}
