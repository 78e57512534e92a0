package security

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// Test fixtures and helpers

type auditEntry struct {
	at     time.Time
	kind   model.EventKind
	ok     bool
	reason model.Outcome
	meta   model.Metadata
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
	err     error
}

func (r *recordingAuditor) Append(at time.Time, kind model.EventKind, ok bool, reason model.Outcome, meta model.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, auditEntry{at: at, kind: kind, ok: ok, reason: reason, meta: meta})
	return nil
}

func (r *recordingAuditor) byKind(kind model.EventKind) []auditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []auditEntry
	for _, e := range r.entries {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestManager(t *testing.T, policy Policy) (*Manager, *recordingAuditor, *fakeClock) {
	t.Helper()
	auditor := &recordingAuditor{}
	clock := newFakeClock()
	m, err := NewManager(policy, auditor, zaptest.NewLogger(t), WithClock(clock.Now))
	require.NoError(t, err)
	return m, auditor, clock
}

func meta(id string) model.Metadata {
	return model.Metadata{model.MetaSource: "test", model.MetaRecordID: id, model.MetaLength: 10}
}

// Tests

func TestNewManagerValidation(t *testing.T) {
	bad := DefaultPolicy()
	bad.MaxFailRatio = 2

	_, err := NewManager(bad, &recordingAuditor{}, nil)
	assert.Error(t, err)

	_, err = NewManager(DefaultPolicy(), nil, nil)
	assert.Error(t, err)

	m, err := NewManager(DefaultPolicy(), &recordingAuditor{}, nil)
	require.NoError(t, err)
	assert.False(t, m.IsLocked())
	assert.True(t, m.LockedUntil().IsZero())
}

func TestConsecutiveFailuresLock(t *testing.T) {
	policy := DefaultPolicy()
	policy.ConsecutiveFailThreshold = 5
	m, auditor, clock := createTestManager(t, policy)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("x")))
		clock.Advance(time.Second)
	}
	assert.False(t, m.IsLocked())
	assert.Empty(t, auditor.byKind(model.EventLockoutEnabled))
	assert.Equal(t, 4, m.Snapshot().ConsecutiveFailures)

	require.NoError(t, m.OnVerificationResult(false, model.OutcomeMalformedPacket, meta("x")))
	assert.True(t, m.IsLocked())

	locks := auditor.byKind(model.EventLockoutEnabled)
	require.Len(t, locks, 1)
	assert.Equal(t, model.OutcomeMalformedPacket, locks[0].reason)
	assert.Equal(t, RuleConsecutiveFailures, locks[0].meta[model.MetaRule])
	assert.Equal(t, clock.Now().Add(60*time.Second), m.LockedUntil())

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, uint64(1), snap.Lockouts)
	assert.True(t, snap.WindowSince.Equal(clock.Now().Add(-4*time.Second)))
}

func TestSuccessResetsConsecutive(t *testing.T) {
	m, auditor, _ := createTestManager(t, DefaultPolicy())

	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("x")))
		}
		require.NoError(t, m.OnVerificationResult(true, model.OutcomeOK, meta("y")))
	}

	assert.False(t, m.IsLocked())
	assert.Empty(t, auditor.byKind(model.EventLockoutEnabled))
	assert.Len(t, auditor.byKind(model.EventVerifyResult), 15)
}

func TestLockExpiryBoundary(t *testing.T) {
	policy := DefaultPolicy()
	policy.ConsecutiveFailThreshold = 1
	m, _, clock := createTestManager(t, policy)

	start := clock.Now()
	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("x")))
	until := m.LockedUntil()
	assert.Equal(t, start.Add(policy.Lockout()), until)

	for _, at := range []time.Time{start, start.Add(30 * time.Second), until.Add(-time.Nanosecond)} {
		clock.Set(at)
		assert.True(t, m.IsLocked(), "at %v", at)
	}
	for _, at := range []time.Time{until, until.Add(time.Nanosecond), until.Add(time.Hour)} {
		clock.Set(at)
		assert.False(t, m.IsLocked(), "at %v", at)
	}
}

func TestGateWhileLocked(t *testing.T) {
	policy := DefaultPolicy()
	policy.ConsecutiveFailThreshold = 2
	m, auditor, clock := createTestManager(t, policy)

	allowed, err := m.OnPacketBeforeVerify(meta("a"))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, auditor.byKind(model.EventLockoutDrop))

	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("a")))
	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("b")))

	clock.Advance(10 * time.Second)
	allowed, err = m.OnPacketBeforeVerify(meta("c"))
	require.NoError(t, err)
	assert.False(t, allowed)

	drops := auditor.byKind(model.EventLockoutDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, model.OutcomeLockoutActive, drops[0].reason)
	assert.False(t, drops[0].ok)
	assert.Equal(t, "c", drops[0].meta[model.MetaRecordID])

	clock.Advance(policy.Lockout())
	allowed, err = m.OnPacketBeforeVerify(meta("d"))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, uint64(1), m.Snapshot().Drops)
}

func feedAlternating(t *testing.T, m *Manager, clock *fakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ok := i%2 == 0
		reason := model.OutcomeOK
		if !ok {
			reason = model.OutcomeInvalidSignature
		}
		require.NoError(t, m.OnVerificationResult(ok, reason, meta("r")))
		clock.Advance(time.Second)
	}
}

func ratioScenarioPolicy() Policy {
	p := DefaultPolicy()
	p.WindowSeconds = 120
	p.MinEventsInWindow = 10
	p.MaxFailRatio = 0.4
	p.ConsecutiveFailThreshold = 5
	p.LockoutSeconds = 60
	p.CooldownSeconds = 90
	return p
}

func TestRatioOutsideCooldownStaysUnlocked(t *testing.T) {
	m, auditor, clock := createTestManager(t, ratioScenarioPolicy())

	feedAlternating(t, m, clock, 10)

	snap := m.Snapshot()
	assert.Equal(t, 10, snap.WindowEvents)
	assert.InDelta(t, 0.5, snap.WeightedFailRatio, 1e-9)
	assert.False(t, snap.InCooldown)
	// 0.5 < 0.4 * (1 + 1.0)
	assert.False(t, m.IsLocked())
	assert.Empty(t, auditor.byKind(model.EventLockoutEnabled))
}

func TestRatioInsideCooldownBelowThreshold(t *testing.T) {
	m, auditor, clock := createTestManager(t, ratioScenarioPolicy())

	// a previous lock expired 10s ago
	m.lockedUntil = clock.Now().Add(-10 * time.Second)
	assert.True(t, m.Snapshot().InCooldown)

	feedAlternating(t, m, clock, 9)
	assert.False(t, m.IsLocked(), "below min_events_in_window")

	feedAlternating(t, m, clock, 1)
	// the 10th event is ok (index 0 of the second call); ratio = 4/10
	assert.False(t, m.IsLocked())

	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("z")))
	// window now holds 11 events, 5 failing: 5/11 = 0.4545 < 0.48
	assert.False(t, m.IsLocked())
	assert.Empty(t, auditor.byKind(model.EventLockoutEnabled))
}

func TestRatioScenarioTenEventsInsideCooldown(t *testing.T) {
	m, auditor, clock := createTestManager(t, ratioScenarioPolicy())
	m.lockedUntil = clock.Now().Add(-10 * time.Second)

	// ok, fail, ok, fail ... the 10th event is a failure: 5/10 = 0.5 >= 0.48
	feedAlternating(t, m, clock, 10)

	assert.True(t, m.IsLocked())
	locks := auditor.byKind(model.EventLockoutEnabled)
	require.Len(t, locks, 1)
	assert.Equal(t, RuleWeightedFailRatio, locks[0].meta[model.MetaRule])
	assert.Equal(t, model.OutcomeInvalidSignature, locks[0].reason)
	assert.InDelta(t, 0.5, locks[0].meta[model.MetaRatio], 1e-9)
}

func TestCooldownWindowEdges(t *testing.T) {
	m, _, clock := createTestManager(t, ratioScenarioPolicy())
	expiry := clock.Now()
	m.lockedUntil = expiry

	clock.Set(expiry)
	assert.False(t, m.Snapshot().InCooldown, "exactly at expiry")

	clock.Set(expiry.Add(time.Nanosecond))
	assert.True(t, m.Snapshot().InCooldown)

	clock.Set(expiry.Add(90*time.Second - time.Nanosecond))
	assert.True(t, m.Snapshot().InCooldown)

	clock.Set(expiry.Add(90 * time.Second))
	assert.False(t, m.Snapshot().InCooldown)
}

func TestWeightsAffectRatioRule(t *testing.T) {
	p := ratioScenarioPolicy()
	p.Weights = map[model.Outcome]float64{model.OutcomeInvalidSignature: 4.0}
	m, _, clock := createTestManager(t, p)

	// 5 ok + 5 weighted failures: 20 / 25 = 0.8 >= 0.8
	feedAlternating(t, m, clock, 10)
	assert.True(t, m.IsLocked())
}

func TestAgedOutFailuresDoNotCount(t *testing.T) {
	p := ratioScenarioPolicy()
	p.MinEventsInWindow = 1
	p.MaxFailRatio = 0.3
	m, _, clock := createTestManager(t, p)

	require.NoError(t, m.OnVerificationResult(true, model.OutcomeOK, meta("old-ok")))
	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("old")))
	// 1/2 = 0.5 < 0.6
	assert.False(t, m.IsLocked())

	clock.Advance(121 * time.Second)
	require.NoError(t, m.OnVerificationResult(true, model.OutcomeOK, meta("new")))

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.WindowEvents)
	assert.Equal(t, 0.0, snap.WeightedFailRatio)
}

func TestVerifyResultAlwaysAudited(t *testing.T) {
	m, auditor, _ := createTestManager(t, DefaultPolicy())

	require.NoError(t, m.OnVerificationResult(true, model.OutcomeOK, meta("1")))
	require.NoError(t, m.OnVerificationResult(false, model.OutcomeMalformedPacket, meta("2")))
	require.NoError(t, m.OnVerificationResult(false, "", meta("3")))

	results := auditor.byKind(model.EventVerifyResult)
	require.Len(t, results, 3)
	assert.True(t, results[0].ok)
	assert.Equal(t, model.OutcomeOK, results[0].reason)
	assert.Equal(t, model.OutcomeMalformedPacket, results[1].reason)
	assert.Equal(t, model.OutcomeInvalidSignature, results[2].reason)
}

func TestLockoutAuditedBeforeResult(t *testing.T) {
	p := DefaultPolicy()
	p.ConsecutiveFailThreshold = 1
	m, auditor, _ := createTestManager(t, p)

	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("1")))

	require.Len(t, auditor.entries, 2)
	assert.Equal(t, model.EventLockoutEnabled, auditor.entries[0].kind)
	assert.Equal(t, model.EventVerifyResult, auditor.entries[1].kind)
	assert.Equal(t, auditor.entries[0].at, auditor.entries[1].at)
}

func TestAuditErrorsPropagate(t *testing.T) {
	p := DefaultPolicy()
	p.ConsecutiveFailThreshold = 1
	m, auditor, _ := createTestManager(t, p)

	auditor.err = errors.New("disk full")
	err := m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("1"))
	assert.Error(t, err)

	// the lock itself was still armed
	assert.True(t, m.IsLocked())
	_, err = m.OnPacketBeforeVerify(meta("2"))
	assert.Error(t, err)
}

func TestRelockRearmsDeadline(t *testing.T) {
	p := DefaultPolicy()
	p.ConsecutiveFailThreshold = 1
	m, _, clock := createTestManager(t, p)

	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("1")))
	first := m.LockedUntil()

	clock.Advance(5 * time.Second)
	require.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("2")))
	assert.True(t, m.LockedUntil().After(first))
	assert.Equal(t, uint64(2), m.Snapshot().Lockouts)
}

func TestConcurrentProducersSingleLock(t *testing.T) {
	p := DefaultPolicy()
	p.ConsecutiveFailThreshold = 5
	p.LockoutSeconds = 3600
	m, auditor, _ := createTestManager(t, p)

	const producers = 16
	const perProducer = 50

	var wg sync.WaitGroup
	var passed sync.Map
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				allowed, err := m.OnPacketBeforeVerify(meta("c"))
				assert.NoError(t, err)
				if !allowed {
					continue
				}
				passed.Store([2]int{id, j}, true)
				assert.NoError(t, m.OnVerificationResult(false, model.OutcomeInvalidSignature, meta("c")))
			}
		}(i)
	}
	wg.Wait()

	// the clock never moves, so once locked every later gate check is refused
	// and the lock is armed at most a few times by results already past the gate
	locks := auditor.byKind(model.EventLockoutEnabled)
	require.NotEmpty(t, locks)
	assert.True(t, m.IsLocked())

	results := auditor.byKind(model.EventVerifyResult)
	drops := auditor.byKind(model.EventLockoutDrop)
	assert.Equal(t, producers*perProducer, len(results)+len(drops))

	count := 0
	passed.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	assert.Equal(t, len(results), count)

	// each lock consumes at least threshold failures since consecutive resets on lock
	assert.LessOrEqual(t, len(locks)*p.ConsecutiveFailThreshold, len(results))
	// the window and counters are consistent
	snap := m.Snapshot()
	assert.Equal(t, uint64(len(locks)), snap.Lockouts)
	assert.Equal(t, uint64(len(drops)), snap.Drops)
}
