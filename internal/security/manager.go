package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// Lock rules recorded with a lockout_enabled entry
const (
	RuleConsecutiveFailures = "consecutive_failures"
	RuleWeightedFailRatio   = "weighted_fail_ratio"
)

const (
	cooldownFactorRecent = 0.2
	cooldownFactorNormal = 1.0
)

// Auditor receives every decision the manager makes. at is the decision instant.
type Auditor interface {
	Append(at time.Time, kind model.EventKind, ok bool, reason model.Outcome, meta model.Metadata) error
}

// Manager is the adaptive lockout state machine. It observes verification
// outcomes, keeps the event window and decides when ingestion is locked.
//
// All methods are safe for concurrent use. The gate check and the result
// report each run as one critical section, audit append included, so the
// audit trail order equals decision order.
type Manager struct {
	policy  Policy
	auditor Auditor
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	window      *EventWindow
	lockedUntil time.Time
	lockouts    uint64
	drops       uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the wall clock used for all decisions
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Snapshot is a point-in-time view of the manager state
type Snapshot struct {
	Locked              bool      `json:"locked" yaml:"locked"`
	LockedUntil         time.Time `json:"locked_until" yaml:"locked_until"`
	InCooldown          bool      `json:"in_cooldown" yaml:"in_cooldown"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	WindowEvents        int       `json:"window_events" yaml:"window_events"`
	WindowSince         time.Time `json:"window_since" yaml:"window_since"`
	WeightedFailRatio   float64   `json:"weighted_fail_ratio" yaml:"weighted_fail_ratio"`
	Lockouts            uint64    `json:"lockouts_total" yaml:"lockouts_total"`
	Drops               uint64    `json:"drops_total" yaml:"drops_total"`
	Action              Action    `json:"action_during_lockout" yaml:"action_during_lockout"`
}

// NewManager creates a manager in the unlocked state
func NewManager(policy Policy, auditor Auditor, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		policy:  policy,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.window = NewEventWindow(policy.Window(), policy.Weight)

	return m, nil
}

// Policy returns the policy the manager was built with
func (m *Manager) Policy() Policy {
	return m.policy
}

// IsLocked reports whether now is before the lockout deadline.
// Expiry is observed lazily; there is no timer.
func (m *Manager) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedLocked(m.now())
}

// LockedUntil returns the current lockout deadline (zero if never locked)
func (m *Manager) LockedUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedUntil
}

// ActionWhenLocked returns the configured lockout action unchanged
func (m *Manager) ActionWhenLocked() Action {
	return m.policy.ActionDuringLockout
}

// OnPacketBeforeVerify is the gate check run before verification. It returns
// false and records a lockout_drop entry while locked. A non-nil error means
// the audit trail could not be written.
func (m *Manager) OnPacketBeforeVerify(meta model.Metadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lockedLocked(now) {
		return true, nil
	}

	m.drops++
	if err := m.auditor.Append(now, model.EventLockoutDrop, false, model.OutcomeLockoutActive, meta); err != nil {
		return false, fmt.Errorf("failed to audit lockout drop: %w", err)
	}
	return false, nil
}

// OnVerificationResult records an outcome, trims the window, updates the
// consecutive counter, evaluates the lock condition and audits the result.
func (m *Manager) OnVerificationResult(ok bool, reason model.Outcome, meta model.Metadata) error {
	outcome := reason
	if ok {
		outcome = model.OutcomeOK
	} else if outcome == "" || outcome.OK() {
		outcome = model.OutcomeInvalidSignature
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.window.Record(model.NewSecurityEvent(now, outcome, meta))
	m.window.Trim(now)

	if rule := m.shouldLock(now); rule != "" {
		if err := m.enableLockout(now, outcome, rule); err != nil {
			return err
		}
	}

	if err := m.auditor.Append(now, model.EventVerifyResult, ok, outcome, meta); err != nil {
		return fmt.Errorf("failed to audit verification result: %w", err)
	}
	return nil
}

// Snapshot returns the current state without modifying it
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	since, _ := m.window.Oldest()
	return Snapshot{
		Locked:              m.lockedLocked(now),
		LockedUntil:         m.lockedUntil,
		InCooldown:          m.cooldownFactor(now) == cooldownFactorRecent,
		ConsecutiveFailures: m.window.ConsecutiveFailCount(),
		WindowEvents:        m.window.Len(),
		WindowSince:         since,
		WeightedFailRatio:   m.window.WeightedFailRatio(),
		Lockouts:            m.lockouts,
		Drops:               m.drops,
		Action:              m.policy.ActionDuringLockout,
	}
}

func (m *Manager) lockedLocked(now time.Time) bool {
	return now.Before(m.lockedUntil)
}

// shouldLock returns the rule that fires, or "" if none does
func (m *Manager) shouldLock(now time.Time) string {
	if m.window.ConsecutiveFailCount() >= m.policy.ConsecutiveFailThreshold {
		return RuleConsecutiveFailures
	}

	if m.window.Len() < m.policy.MinEventsInWindow {
		return ""
	}

	threshold := m.policy.MaxFailRatio * (1.0 + m.cooldownFactor(now))
	ratio := m.window.WeightedFailRatio()

	m.logger.Debug("Window evaluated",
		zap.Int("events", m.window.Len()),
		zap.Float64("ratio", ratio),
		zap.Float64("threshold", threshold),
	)

	if ratio >= threshold {
		return RuleWeightedFailRatio
	}
	return ""
}

// cooldownFactor is 0.2 strictly inside the cooldown period after the
// previous lockout expired, 1.0 otherwise.
func (m *Manager) cooldownFactor(now time.Time) float64 {
	if m.lockedUntil.IsZero() {
		return cooldownFactorNormal
	}
	since := now.Sub(m.lockedUntil)
	if since > 0 && since < m.policy.Cooldown() {
		return cooldownFactorRecent
	}
	return cooldownFactorNormal
}

func (m *Manager) enableLockout(now time.Time, trigger model.Outcome, rule string) error {
	ratio := m.window.WeightedFailRatio()

	m.lockedUntil = now.Add(m.policy.Lockout())
	m.window.ResetConsecutive()
	m.lockouts++

	m.logger.Debug("Lockout armed",
		zap.String("rule", rule),
		zap.String("trigger", string(trigger)),
		zap.Time("until", m.lockedUntil),
	)

	meta := model.Metadata{
		model.MetaUntil: m.lockedUntil.UTC().Format(time.RFC3339Nano),
		model.MetaRule:  rule,
		model.MetaRatio: ratio,
	}
	if err := m.auditor.Append(now, model.EventLockoutEnabled, false, trigger, meta); err != nil {
		return fmt.Errorf("failed to audit lockout: %w", err)
	}
	return nil
}
