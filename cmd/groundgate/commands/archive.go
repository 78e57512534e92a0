package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/groundgate/internal/archive"
)

// archiveCmd represents the archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Write compressed snapshots of the record sinks",
	Long:  `Copy the processed, rejected and quarantine sinks into the archive directory as gzip files. Sinks are left untouched.`,
	RunE:  runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)

	archiveCmd.Flags().Bool("list", false, "list existing snapshots instead of creating new ones")
}

func runArchive(cmd *cobra.Command, args []string) error {
	list, _ := cmd.Flags().GetBool("list")
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if list {
		snaps, err := archive.List(cfg.Paths.ArchiveDir)
		if err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Fprintf(out, "%s  %8s  %s\n", s.CreatedAt.Local().Format("2006-01-02 15:04"), humanize.Bytes(uint64(s.Size)), s.Path)
		}
		fmt.Fprintf(out, "%d snapshot(s)\n", len(snaps))
		return nil
	}

	now := time.Now()
	created := 0
	for _, src := range []string{cfg.Paths.Processed, cfg.Paths.Rejected, cfg.Paths.Quarantine} {
		snap, err := archive.Create(src, cfg.Paths.ArchiveDir, now)
		if errors.Is(err, archive.ErrEmptySource) {
			fmt.Fprintf(out, "[SKIP] %s is empty\n", src)
			continue
		}
		if err != nil {
			return err
		}
		created++
		fmt.Fprintf(out, "[OK]   %s -> %s (%s -> %s)\n", src, snap.Path,
			humanize.Bytes(uint64(snap.Original)), humanize.Bytes(uint64(snap.Size)))
	}
	fmt.Fprintf(out, "%d snapshot(s) written\n", created)
	return nil
}
