package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set via -ldflags "-X .../commands.BuildDate=..."
var (
	BuildDate = ""
	GitCommit = ""
)

// VersionInfo is printed by the version command
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	BuildDate string `json:"build_date,omitempty" yaml:"build_date,omitempty"`
	GitCommit string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

func versionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		info := versionInfo()
		out := cmd.OutOrStdout()
		if done, err := writeStructured(out, format, info); done {
			return err
		}
		fmt.Fprintf(out, "groundgate %s (%s)\n", info.Version, info.Platform)
		if info.GitCommit != "" {
			fmt.Fprintf(out, "commit %s built %s\n", info.GitCommit, info.BuildDate)
		}
		fmt.Fprintf(out, "%s\n", info.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
}
