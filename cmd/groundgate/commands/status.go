package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/groundgate/internal/ingest"
	"github.com/shizukutanaka/groundgate/internal/monitoring"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lockout state of a running ingest",
	Long:  `Fetch /status from a running 'groundgate ingest --metrics' and display the gate state.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("addr", "", "status server address (default from config)")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "Watch status")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Watch interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Metrics.ListenAddr
	}

	out := cmd.OutOrStdout()
	if !watch {
		return displayStatus(cmd.Context(), out, addr, format)
	}

	for {
		// Clear screen (ANSI escape code)
		fmt.Fprint(out, "\033[H\033[2J")
		if err := displayStatus(cmd.Context(), out, addr, format); err != nil {
			return err
		}
		time.Sleep(interval)
	}
}

func displayStatus(ctx context.Context, out io.Writer, addr, format string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	status, err := monitoring.FetchStatus(ctx, nil, addr)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	if done, err := writeStructured(out, format, status); done {
		return err
	}
	displayTable(out, status)
	return nil
}

func displayTable(out io.Writer, status monitoring.Status) {
	fmt.Fprintf(out, "Groundgate Status - %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	fmt.Fprintln(out, "Overview:")
	fmt.Fprintf(out, "  Started          : %s\n", humanize.Time(status.StartedAt))
	fmt.Fprintf(out, "  Uptime           : %s\n", status.Uptime)

	if status.Gate == nil {
		fmt.Fprintln(out, "  Gate             : [N/A] adaptive security disabled")
	} else {
		g := status.Gate
		state := "[OPEN]"
		if g.Locked {
			state = "[LOCKED] until " + g.LockedUntil.Local().Format("15:04:05") + " (" + humanize.Time(g.LockedUntil) + ")"
		} else if g.InCooldown {
			state = "[COOLDOWN]"
		}
		fmt.Fprintf(out, "  Gate             : %s\n", state)
		fmt.Fprintf(out, "  Action on lock   : %s\n", g.Action)
		fmt.Fprintf(out, "  Window events    : %s\n", humanize.Comma(int64(g.WindowEvents)))
		if !g.WindowSince.IsZero() {
			fmt.Fprintf(out, "  Oldest event     : %s\n", humanize.Time(g.WindowSince))
		}
		fmt.Fprintf(out, "  Fail ratio       : %.1f%%\n", g.WeightedFailRatio*100)
		fmt.Fprintf(out, "  Consecutive fails: %d\n", g.ConsecutiveFailures)
		fmt.Fprintf(out, "  Lockouts         : %d\n", g.Lockouts)
		fmt.Fprintf(out, "  Refused records  : %s\n", humanize.Comma(int64(g.Drops)))
	}

	if len(status.Records) > 0 {
		fmt.Fprintln(out, "\nRecords:")
		routes := make([]string, 0, len(status.Records))
		for r := range status.Records {
			routes = append(routes, string(r))
		}
		sort.Strings(routes)
		for _, r := range routes {
			fmt.Fprintf(out, "  %-12s %s\n", r, humanize.Comma(int64(status.Records[ingest.Route(r)])))
		}
	}
}
