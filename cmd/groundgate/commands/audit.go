package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/groundgate/internal/audit"
	"github.com/shizukutanaka/groundgate/internal/database"
	"github.com/shizukutanaka/groundgate/internal/model"
	"github.com/shizukutanaka/groundgate/internal/replay"
	"github.com/shizukutanaka/groundgate/internal/security"
)

// auditCmd groups audit trail commands
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count audit entries by kind and reason",
	RunE:  runAuditSummary,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the audit trail against a policy",
	Long: `Feed every logged decision, in order and at its logged instant, into a fresh
lockout manager and check that each logged lockout is reproduced.
Exits non-zero when the replay diverges.`,
	RunE: runAuditReplay,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditSummaryCmd, auditReplayCmd)

	auditSummaryCmd.Flags().String("audit", "", "audit log (default from config)")
	auditSummaryCmd.Flags().Bool("store", false, "summarize the SQL audit store instead of the file")
	auditSummaryCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	auditSummaryCmd.Flags().Int("recent", 0, "with --store, also list the newest N entries")

	auditReplayCmd.Flags().String("audit", "", "audit log (default from config)")
	auditReplayCmd.Flags().String("policy", "", "policy file (default from config)")
	auditReplayCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("audit")
	useStore, _ := cmd.Flags().GetBool("store")
	format, _ := cmd.Flags().GetString("format")
	recentN, _ := cmd.Flags().GetInt("recent")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		path = cfg.Paths.AuditLog
	}

	var (
		sum    audit.Summary
		recent []audit.Entry
	)
	if useStore {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		db, err := database.New(ctx, nil, database.Config{Driver: cfg.AuditStore.Driver, DSN: cfg.AuditStore.DSN})
		if err != nil {
			return err
		}
		defer db.Close()
		store := database.NewAuditStore(db)
		if sum, err = store.Summary(ctx); err != nil {
			return err
		}
		if recentN > 0 {
			if recent, err = store.Recent(ctx, recentN); err != nil {
				return err
			}
		}
	} else {
		entries, err := audit.ReadFile(path)
		if err != nil {
			return err
		}
		sum = audit.Summarize(entries)
	}

	out := cmd.OutOrStdout()
	report := struct {
		audit.Summary `yaml:",inline"`
		Recent        []audit.Entry `json:"recent,omitempty" yaml:"recent,omitempty"`
	}{sum, recent}
	if done, err := writeStructured(out, format, report); done {
		return err
	}
	printSummary(out, sum)
	printRecent(out, recent)
	return nil
}

func printRecent(out io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(out, "\nRecent:")
	for _, e := range entries {
		status := "ok"
		if !e.OK {
			status = "FAIL"
		}
		fmt.Fprintf(out, "  %s  %-16s %-4s %-18s %v\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.EventKind, status, e.Reason, e.Metadata[model.MetaRecordID])
	}
}

func printSummary(out io.Writer, sum audit.Summary) {
	fmt.Fprintf(out, "Entries   : %s\n", humanize.Comma(int64(sum.Total)))
	if sum.Total == 0 {
		return
	}
	fmt.Fprintf(out, "Span      : %s .. %s (%s)\n",
		sum.First.Format("2006-01-02 15:04:05"), sum.Last.Format("2006-01-02 15:04:05"),
		humanize.RelTime(sum.First, sum.Last, "", ""))
	fmt.Fprintf(out, "Lockouts  : %d\n", sum.Lockouts)
	if sum.LastLockout != nil {
		fmt.Fprintf(out, "Last lock : %s (%s, trigger %s)\n",
			sum.LastLockout.Timestamp.Format("2006-01-02 15:04:05"),
			humanize.Time(sum.LastLockout.Timestamp),
			sum.LastLockout.Reason)
	}

	fmt.Fprintln(out, "\nBy kind:")
	for kind, n := range sum.ByKind {
		fmt.Fprintf(out, "  %-18s %s\n", kind, humanize.Comma(int64(n)))
	}
	fmt.Fprintln(out, "\nBy reason:")
	for _, reason := range sum.Reasons() {
		fmt.Fprintf(out, "  %-18s %s\n", reason, humanize.Comma(int64(sum.ByReason[reason])))
	}
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("audit")
	policyPath, _ := cmd.Flags().GetString("policy")
	format, _ := cmd.Flags().GetString("format")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		path = cfg.Paths.AuditLog
	}
	if policyPath == "" {
		policyPath = cfg.PolicyPath
	}

	policy, err := security.LoadPolicy(policyPath)
	if err != nil {
		return err
	}
	entries, err := audit.ReadFile(path)
	if err != nil {
		return err
	}

	res, err := replay.Run(policy, entries)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if done, err := writeStructured(out, format, res); done {
		if err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Entries    : %s (%s replayed, %d session(s))\n",
			humanize.Comma(int64(res.Entries)), humanize.Comma(int64(res.Replayed)), res.Sessions)
		fmt.Fprintf(out, "Lockouts   : %d logged, %d reproduced\n", res.LoggedLockouts, res.ReproducedLockouts)
		for _, d := range res.Divergences {
			fmt.Fprintf(out, "  [DIFF] #%d %s %s %s: %s\n",
				d.Index, d.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), d.Kind, d.Reason, d.Detail)
		}
	}

	if !res.Match() {
		return fmt.Errorf("replay diverged in %d place(s)", len(res.Divergences))
	}
	fmt.Fprintln(out, "Replay matches the audit trail")
	return nil
}
