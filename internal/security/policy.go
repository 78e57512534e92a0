package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// Action is applied to records while a lockout is active
type Action string

const (
	ActionDrop       Action = "drop"
	ActionQuarantine Action = "quarantine"
	ActionReject     Action = "reject"
)

// Valid reports whether a is a known lockout action
func (a Action) Valid() bool {
	switch a {
	case ActionDrop, ActionQuarantine, ActionReject:
		return true
	}
	return false
}

// Policy is the adaptive lockout configuration. It is read-only after load.
type Policy struct {
	// WindowSeconds is the trailing interval used for failure statistics
	WindowSeconds float64 `yaml:"window_seconds"`
	// MaxFailRatio is the base weighted failure ratio, in [0,1]
	MaxFailRatio float64 `yaml:"max_fail_ratio"`
	// MinEventsInWindow is required before the ratio rule can fire
	MinEventsInWindow int `yaml:"min_events_in_window"`
	// ConsecutiveFailThreshold locks immediately after this many failures in a row
	ConsecutiveFailThreshold int `yaml:"consecutive_fail_threshold"`
	// LockoutSeconds is how long a lockout lasts
	LockoutSeconds float64 `yaml:"lockout_seconds"`
	// CooldownSeconds is the period after expiry in which the multiplier is reduced
	CooldownSeconds float64 `yaml:"cooldown_seconds"`
	// ActionDuringLockout routes records while locked
	ActionDuringLockout Action `yaml:"action_during_lockout"`
	// Weights maps a failure reason to its weight; unlisted reasons weigh 1.0
	Weights map[model.Outcome]float64 `yaml:"weights"`
}

// DefaultPolicy returns the policy used for every field the file leaves out
func DefaultPolicy() Policy {
	return Policy{
		WindowSeconds:            120,
		MaxFailRatio:             0.4,
		MinEventsInWindow:        10,
		ConsecutiveFailThreshold: 5,
		LockoutSeconds:           60,
		CooldownSeconds:          90,
		ActionDuringLockout:      ActionQuarantine,
		Weights:                  map[model.Outcome]float64{},
	}
}

// ErrPolicyNotFound is returned by LoadPolicy when the file does not exist
var ErrPolicyNotFound = errors.New("policy file not found")

// LoadPolicy reads, defaults and validates the policy at path
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, path)
		}
		return Policy{}, fmt.Errorf("failed to read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML policy data. Unknown fields are rejected.
func ParsePolicy(data []byte) (Policy, error) {
	policy := DefaultPolicy()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Weights == nil {
		policy.Weights = map[model.Outcome]float64{}
	}

	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return policy, nil
}

// Validate checks ranges of every field
func (p Policy) Validate() error {
	if p.WindowSeconds <= 0 {
		return errors.New("window_seconds must be positive")
	}
	if p.MaxFailRatio < 0 || p.MaxFailRatio > 1 {
		return fmt.Errorf("max_fail_ratio must be between 0 and 1, got %v", p.MaxFailRatio)
	}
	if p.MinEventsInWindow < 0 {
		return errors.New("min_events_in_window cannot be negative")
	}
	if p.ConsecutiveFailThreshold < 1 {
		return errors.New("consecutive_fail_threshold must be at least 1")
	}
	if p.LockoutSeconds < 0 {
		return errors.New("lockout_seconds cannot be negative")
	}
	if p.CooldownSeconds < 0 {
		return errors.New("cooldown_seconds cannot be negative")
	}
	if !p.ActionDuringLockout.Valid() {
		return fmt.Errorf("invalid action_during_lockout: %q", p.ActionDuringLockout)
	}
	for reason, w := range p.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %q cannot be negative", reason)
		}
	}
	return nil
}

// Window returns WindowSeconds as a duration
func (p Policy) Window() time.Duration {
	return seconds(p.WindowSeconds)
}

// Lockout returns LockoutSeconds as a duration
func (p Policy) Lockout() time.Duration {
	return seconds(p.LockoutSeconds)
}

// Cooldown returns CooldownSeconds as a duration
func (p Policy) Cooldown() time.Duration {
	return seconds(p.CooldownSeconds)
}

// Weight returns the weight of an outcome. Successes always weigh 1.0.
func (p Policy) Weight(o model.Outcome) float64 {
	if o.OK() {
		return 1.0
	}
	if w, ok := p.Weights[o]; ok {
		return w
	}
	return 1.0
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
