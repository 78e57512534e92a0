package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	apperrors "github.com/shizukutanaka/groundgate/internal/errors"
	"github.com/shizukutanaka/groundgate/internal/logging"
	"github.com/shizukutanaka/groundgate/internal/monitoring"
	"github.com/shizukutanaka/groundgate/internal/publish"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "GROUNDGATE"

// DefaultPath is the config file used when none is given
const DefaultPath = "config.yaml"

// DefaultHeader is the CSV header of every record sink
const DefaultHeader = "ts,temperature_c,humidity_pct,pressure_hpa,mode,sig"

// Config is the application configuration
type Config struct {
	PolicyPath string `yaml:"policy_path"`
	HMACSecret string `yaml:"hmac_secret"`
	Source     string `yaml:"source"`
	SourceName string `yaml:"source_name"`
	SinkHeader string `yaml:"sink_header"`

	Paths      PathsConfig       `yaml:"paths"`
	Logging    logging.Config    `yaml:"logging"`
	Metrics    monitoring.Config `yaml:"metrics"`
	AuditStore AuditStoreConfig  `yaml:"audit_store"`
	Publish    publish.Config    `yaml:"publish"`
}

// PathsConfig locates the sinks, archive and logs
type PathsConfig struct {
	Processed   string `yaml:"processed"`
	Rejected    string `yaml:"rejected"`
	Quarantine  string `yaml:"quarantine"`
	ArchiveDir  string `yaml:"archive_dir"`
	AuditLog    string `yaml:"audit_log"`
	SecurityLog string `yaml:"security_log"`
}

// AuditStoreConfig configures the optional SQL mirror of the audit trail
type AuditStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
}

// DefaultConfig returns the configuration used for every unset field
func DefaultConfig() Config {
	return Config{
		PolicyPath: "security_policy.yaml",
		Source:     filepath.Join("data", "raw", "telemetry.csv"),
		SourceName: "ground",
		SinkHeader: DefaultHeader,
		Paths: PathsConfig{
			Processed:   filepath.Join("data", "processed", "telemetry.csv"),
			Rejected:    filepath.Join("data", "rejected", "telemetry_rejected.csv"),
			Quarantine:  filepath.Join("data", "quarantine", "telemetry_quarantine.csv"),
			ArchiveDir:  filepath.Join("data", "archive"),
			AuditLog:    filepath.Join("logs", "audit.jsonl"),
			SecurityLog: filepath.Join("logs", "security.log"),
		},
		Logging: logging.DefaultConfig(),
		Metrics: monitoring.Config{
			Enabled:    false,
			ListenAddr: monitoring.DefaultListenAddr,
		},
		AuditStore: AuditStoreConfig{
			Enabled: false,
			Driver:  "sqlite3",
			DSN:     filepath.Join("data", "audit.db"),
		},
		Publish: publish.Config{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: publish.DefaultSubject,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file is a configuration_missing error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.ConfigurationMissing(fmt.Sprintf("config file %s not found", path), err)
		}
		return nil, apperrors.ConfigurationInvalid(fmt.Sprintf("cannot read config file %s", path), err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperrors.ConfigurationInvalid("cannot parse config", err)
	}
	return finish(&cfg)
}

// Defaults returns the default configuration with environment overrides applied
func Defaults() (*Config, error) {
	cfg := DefaultConfig()
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := NewEnvLoader(EnvPrefix).Load(cfg); err != nil {
		return nil, apperrors.ConfigurationInvalid("invalid environment override", err)
	}
	if err := NewValidator().Validate(cfg); err != nil {
		return nil, apperrors.ConfigurationInvalid("invalid config", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file carries the HMAC secret
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Dirs lists every directory the configured paths live in
func (c *Config) Dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		dir = filepath.Clean(dir)
		if dir == "." || seen[dir] {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	add(filepath.Dir(c.Source))
	add(filepath.Dir(c.Paths.Processed))
	add(filepath.Dir(c.Paths.Rejected))
	add(filepath.Dir(c.Paths.Quarantine))
	add(c.Paths.ArchiveDir)
	add(filepath.Dir(c.Paths.AuditLog))
	add(filepath.Dir(c.Paths.SecurityLog))
	return dirs
}
