package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/app"
	apperrors "github.com/shizukutanaka/groundgate/internal/errors"
	"github.com/shizukutanaka/groundgate/internal/ingest"
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Verify and route telemetry records",
	Long: `Read telemetry records, verify their HMAC signatures and route them into
the processed, rejected or quarantine sink.

Examples:
  # Process the configured raw file once
  groundgate ingest

  # Read records from stdin
  cat telemetry.csv | groundgate ingest --source -

  # Keep following the raw file with the status server enabled
  groundgate ingest --follow --metrics`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().String("source", "", "raw telemetry file, or - for stdin (default from config)")
	ingestCmd.Flags().Bool("follow", false, "keep reading lines appended to the source")
	ingestCmd.Flags().Bool("metrics", false, "serve /metrics and /status while ingesting")
	ingestCmd.Flags().String("listen", "", "status server address (default from config)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("source")
	follow, _ := cmd.Flags().GetBool("follow")
	metrics, _ := cmd.Flags().GetBool("metrics")
	listen, _ := cmd.Flags().GetString("listen")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if src == "" {
		src = cfg.Source
	}
	if metrics {
		cfg.Metrics.Enabled = true
	}
	if listen != "" {
		cfg.Metrics.ListenAddr = listen
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, logger, cfg, app.Options{Console: os.Stderr})
	if err != nil {
		apperrors.Log(logger, err)
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			logger.Error("Failed to close resources", zap.Error(cerr))
		}
	}()

	if err := application.Start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	logger.Info("Starting Groundgate",
		zap.String("version", Version),
		zap.String("config", cfgFile),
		zap.String("run", application.Describe()),
	)

	stats, err := application.Run(ctx, src, follow)
	if err != nil {
		apperrors.Log(logger, err)
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "records=%d accepted=%d rejected=%d quarantined=%d dropped=%d\n",
		stats.Total(),
		stats[ingest.RouteAccepted],
		stats[ingest.RouteRejected],
		stats[ingest.RouteQuarantined],
		stats[ingest.RouteDropped],
	)
	return nil
}
