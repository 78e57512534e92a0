package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/groundgate/internal/config"
	"github.com/shizukutanaka/groundgate/internal/security"
)

// secretBytes is the length of a generated HMAC secret
const secretBytes = 32

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Groundgate configuration",
	Long: `Initialize a Groundgate working directory:
- config.yaml (main configuration with a fresh HMAC secret)
- security_policy.yaml (lockout policy with defaults)
- data/ and logs/ directories`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("dir", ".", "working directory to initialize")
	initCmd.Flags().Bool("force", false, "overwrite existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	force, _ := cmd.Flags().GetBool("force")
	out := cmd.OutOrStdout()

	cfg := config.DefaultConfig()
	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("failed to generate HMAC secret: %w", err)
	}
	cfg.HMACSecret = secret

	configPath := filepath.Join(dir, config.DefaultPath)
	if !force && fileExists(configPath) {
		return fmt.Errorf("%s already exists, use --force to overwrite", configPath)
	}
	if err := config.Save(configPath, &cfg); err != nil {
		return err
	}

	policyPath := filepath.Join(dir, cfg.PolicyPath)
	if err := generatePolicy(policyPath, force); err != nil {
		return fmt.Errorf("failed to generate %s: %w", cfg.PolicyPath, err)
	}

	dirs := cfg.Dirs()
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	fmt.Fprintf(out, "Groundgate initialized in %s\n", dir)
	fmt.Fprintln(out, "Files created:")
	fmt.Fprintf(out, "  - %s (main configuration, contains the HMAC secret)\n", configPath)
	fmt.Fprintf(out, "  - %s (lockout policy)\n", policyPath)
	fmt.Fprintln(out, "Directories:")
	for _, d := range dirs {
		fmt.Fprintf(out, "  - %s\n", filepath.Join(dir, d))
	}
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Share hmac_secret with the sender over a trusted channel")
	fmt.Fprintln(out, "  2. Run 'groundgate check' to verify the layout")
	fmt.Fprintln(out, "  3. Run 'groundgate ingest' to process data/raw/telemetry.csv")
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func generatePolicy(path string, force bool) error {
	if !force && fileExists(path) {
		return fmt.Errorf("already exists, use --force to overwrite")
	}

	data, err := yaml.Marshal(security.DefaultPolicy())
	if err != nil {
		return err
	}
	header := "# Adaptive lockout policy. Unlisted weights default to 1.0.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
