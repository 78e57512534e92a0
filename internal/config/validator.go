package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shizukutanaka/groundgate/internal/database"
)

// Validator checks a Config for missing or inconsistent values
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate performs a full validation of the provided Config struct.
func (v *Validator) Validate(cfg *Config) error {
	if cfg.PolicyPath == "" {
		return errors.New("policy_path is required")
	}
	if strings.ContainsAny(cfg.SinkHeader, "\r\n") {
		return errors.New("sink_header must be a single line")
	}
	if err := v.validatePaths(&cfg.Paths); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := cfg.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("metrics: invalid listen_addr %q: %w", cfg.Metrics.ListenAddr, err)
		}
	}
	if cfg.AuditStore.Enabled {
		if _, err := database.NormalizeDriver(cfg.AuditStore.Driver); err != nil {
			return fmt.Errorf("audit_store: %w", err)
		}
		if cfg.AuditStore.DSN == "" {
			return errors.New("audit_store: dsn is required")
		}
	}
	if cfg.Publish.Enabled && cfg.Publish.URL == "" {
		return errors.New("publish: url is required")
	}
	return nil
}

func (v *Validator) validatePaths(p *PathsConfig) error {
	required := []struct {
		name  string
		value string
	}{
		{"processed", p.Processed},
		{"rejected", p.Rejected},
		{"quarantine", p.Quarantine},
		{"archive_dir", p.ArchiveDir},
		{"audit_log", p.AuditLog},
		{"security_log", p.SecurityLog},
	}
	seen := make(map[string]string)
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
		if other, ok := seen[r.value]; ok {
			return fmt.Errorf("%s and %s point to the same file", other, r.name)
		}
		seen[r.value] = r.name
	}
	return nil
}
