package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/groundgate/internal/config"
	"github.com/shizukutanaka/groundgate/internal/database"
	"github.com/shizukutanaka/groundgate/internal/security"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and directory layout",
	Long:  `Report [OK] or [ERR] for the config, policy, HMAC secret, directories, sinks and audit log.`,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().Bool("env", false, "list every environment variable that overrides the config")
}

type checker struct {
	out    io.Writer
	failed int
}

func (c *checker) ok(format string, args ...interface{}) {
	fmt.Fprintf(c.out, "[OK]  "+format+"\n", args...)
}

func (c *checker) fail(format string, args ...interface{}) {
	c.failed++
	fmt.Fprintf(c.out, "[ERR] "+format+"\n", args...)
}

func runCheck(cmd *cobra.Command, args []string) error {
	c := &checker{out: cmd.OutOrStdout()}
	listEnv, _ := cmd.Flags().GetBool("env")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		c.fail("config %s: %v", cfgFile, err)
		if cfg, err = config.Defaults(); err != nil {
			return err
		}
	} else {
		c.ok("config %s", cfgFile)
	}

	scratch := *cfg
	if names, err := config.NewEnvLoader(config.EnvPrefix).Overrides(&scratch); err != nil {
		c.fail("environment: %v", err)
	} else if len(names) > 0 {
		c.ok("environment overrides %s", strings.Join(names, ", "))
	}
	if listEnv {
		for _, name := range config.NewEnvLoader(config.EnvPrefix).Names() {
			fmt.Fprintf(c.out, "      %s\n", name)
		}
	}

	if policy, err := security.LoadPolicy(cfg.PolicyPath); err != nil {
		c.fail("policy %s: %v", cfg.PolicyPath, err)
	} else {
		c.ok("policy %s (window %gs, lockout %gs, action %s)",
			cfg.PolicyPath, policy.WindowSeconds, policy.LockoutSeconds, policy.ActionDuringLockout)
	}

	if key, err := cfg.ResolveKey(); err != nil {
		c.fail("hmac secret: %v", err)
	} else {
		c.ok("hmac secret (%d bytes)", len(key))
	}

	for _, dir := range cfg.Dirs() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			c.fail("directory %s missing", dir)
		} else {
			c.ok("directory %s", dir)
		}
	}

	files := []struct {
		name string
		path string
	}{
		{"processed sink", cfg.Paths.Processed},
		{"rejected sink", cfg.Paths.Rejected},
		{"quarantine sink", cfg.Paths.Quarantine},
		{"audit log", cfg.Paths.AuditLog},
		{"security log", cfg.Paths.SecurityLog},
	}
	for _, f := range files {
		size, err := checkWritable(f.path)
		if err != nil {
			c.fail("%s %s: %v", f.name, f.path, err)
			continue
		}
		c.ok("%s %s (%s)", f.name, f.path, humanize.Bytes(uint64(size)))
	}

	if cfg.AuditStore.Enabled {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		c.auditStore(ctx, cfg)
	}

	if c.failed > 0 {
		return fmt.Errorf("structure check failed: %d problem(s)", c.failed)
	}
	return nil
}

func (c *checker) auditStore(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := database.New(ctx, nil, database.Config{Driver: cfg.AuditStore.Driver, DSN: cfg.AuditStore.DSN})
	if err != nil {
		c.fail("audit store: %v", err)
		return
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		c.fail("audit store %s: %v", db.Driver(), err)
		return
	}
	n, err := database.NewAuditStore(db).Count(ctx)
	if err != nil {
		c.fail("audit store %s: %v", db.Driver(), err)
		return
	}
	c.ok("audit store %s (%s entries)", db.Driver(), humanize.Comma(int64(n)))
}

// checkWritable reports the size of path, or whether it could be created.
// Nothing is written.
func checkWritable(path string) (int64, error) {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return 0, errors.New("is a directory")
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return 0, err
		}
		f.Close()
		return info.Size(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return 0, fmt.Errorf("directory %s missing", dir)
	}
	return 0, nil
}
