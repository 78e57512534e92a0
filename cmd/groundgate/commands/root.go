package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/config"
	apperrors "github.com/shizukutanaka/groundgate/internal/errors"
	"github.com/shizukutanaka/groundgate/internal/logging"
)

const Version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "groundgate",
	Short: "Trust gate for signed telemetry",
	Long: `Groundgate verifies HMAC-signed telemetry records, routes them into
processed, rejected and quarantine sinks, and locks out a misbehaving link
when failures become too frequent. Every decision is written to an
append-only audit trail that can be replayed.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if apperrors.IsType(err, apperrors.ErrorTypeConfiguration) {
			fmt.Fprintln(os.Stderr, "hint: run 'groundgate check' or 'groundgate init' to fix the config")
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate("Groundgate {{.Version}}\n")
}

// loadConfig reads the config file. A missing file falls back to defaults
// plus environment overrides, so the pipeline can still run degraded.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err == nil {
		return cfg, nil
	}
	if !apperrors.IsCode(err, apperrors.CodeConfigurationMissing) {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "warning: %s not found, using defaults\n", cfgFile)
	return config.Defaults()
}

// newLogger builds the process logger from the config
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := cfg.Logging
	if verbose {
		lc.Level = "debug"
	}
	return logging.New(lc)
}
