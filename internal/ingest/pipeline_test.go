package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shizukutanaka/groundgate/internal/model"
	"github.com/shizukutanaka/groundgate/internal/security"
	"github.com/shizukutanaka/groundgate/internal/verify"
)

var testKey = []byte("groundgate-test-key-0123456789ab")

type memSink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *memSink) Append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *memSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type auditRecord struct {
	kind   model.EventKind
	ok     bool
	reason model.Outcome
}

type memAuditor struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *memAuditor) Append(_ time.Time, kind model.EventKind, ok bool, reason model.Outcome, _ model.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{kind, ok, reason})
	return nil
}

func (a *memAuditor) count(kind model.EventKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.records {
		if r.kind == kind {
			n++
		}
	}
	return n
}

type countingVerifier struct {
	mu    sync.Mutex
	calls int
	inner *verify.Verifier
}

func (v *countingVerifier) Verify(record string) model.Outcome {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.inner.Verify(record)
}

type countingRecorder struct {
	mu       sync.Mutex
	routes   map[Route]int
	outcomes map[model.Outcome]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{routes: map[Route]int{}, outcomes: map[model.Outcome]int{}}
}

func (r *countingRecorder) RecordRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route]++
}

func (r *countingRecorder) RecordOutcome(o model.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

type fixture struct {
	pipeline   *Pipeline
	manager    *security.Manager
	auditor    *memAuditor
	verifier   *countingVerifier
	recorder   *countingRecorder
	processed  *memSink
	rejected   *memSink
	quarantine *memSink
	logs       *observer.ObservedLogs
	now        time.Time
}

func newFixture(t *testing.T, policy security.Policy) *fixture {
	t.Helper()
	f := &fixture{
		auditor:    &memAuditor{},
		verifier:   &countingVerifier{inner: verify.NewVerifier(testKey)},
		recorder:   newCountingRecorder(),
		processed:  &memSink{},
		rejected:   &memSink{},
		quarantine: &memSink{},
		now:        time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	m, err := security.NewManager(policy, f.auditor, zap.NewNop(), security.WithClock(clock))
	require.NoError(t, err)
	f.manager = m

	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	f.pipeline = New(f.verifier, Sinks{
		Processed:  f.processed,
		Rejected:   f.rejected,
		Quarantine: f.quarantine,
	}, zap.New(core), WithGate(m), WithRecorder(f.recorder), WithClock(clock))
	return f
}

func signed(payload string) string {
	return payload + "," + verify.Sign(testKey, payload)
}

func TestValidRecordAccepted(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())
	rec := signed("1700000000,21.50,40.00,1013.25,nominal")

	route, err := f.pipeline.Process(rec+"\n", "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteAccepted, route)
	assert.Equal(t, []string{rec}, f.processed.Lines())
	assert.Empty(t, f.rejected.Lines())
	assert.Equal(t, 1, f.auditor.count(model.EventVerifyResult))
	assert.Equal(t, 1, f.recorder.routes[RouteAccepted])
	assert.Equal(t, 1, f.logs.FilterMessage("Record accepted").Len())
}

func TestRecordKeptVerbatimExceptLineEnding(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())
	rec := signed("  1700000000,21.50,40.00,1013.25,nominal")

	route, err := f.pipeline.Process(rec+"\r\n", "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteAccepted, route)
	assert.Equal(t, []string{rec}, f.processed.Lines())

	// leading whitespace is part of the line, so this is data, not a header
	route, err = f.pipeline.Process(" ts,1,2", "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteRejected, route)
	assert.Equal(t, []string{" ts,1,2,reason=invalid_signature"}, f.rejected.Lines())
}

func TestInvalidAndMalformedRejectedWithReason(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())

	tampered := signed("1700000000,21.50,40.00,1013.25,nominal")
	tampered = "1700000001" + tampered[10:]

	route, err := f.pipeline.Process(tampered, "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteRejected, route)

	route, err = f.pipeline.Process("no-delimiter-here", "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteRejected, route)

	assert.Equal(t, []string{
		tampered + ",reason=invalid_signature",
		"no-delimiter-here,reason=malformed_packet",
	}, f.rejected.Lines())

	snap := f.manager.Snapshot()
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, 2, snap.WindowEvents)
	assert.Equal(t, 1, f.recorder.outcomes[model.OutcomeMalformedPacket])
}

func TestBlankAndHeaderSkipped(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())

	for _, line := range []string{"", "   ", "\r\n", "ts,temperature_c,humidity_pct,pressure_hpa,mode,sig", "TS,X"} {
		route, err := f.pipeline.Process(line, "radio")
		require.NoError(t, err)
		assert.Equal(t, RouteSkipped, route)
	}
	assert.Zero(t, f.verifier.calls)
	assert.Empty(t, f.auditor.records)
	assert.Zero(t, f.manager.Snapshot().WindowEvents)
}

func lockFixture(t *testing.T, action security.Action) *fixture {
	t.Helper()
	policy := security.DefaultPolicy()
	policy.ActionDuringLockout = action
	f := newFixture(t, policy)

	for i := 0; i < policy.ConsecutiveFailThreshold; i++ {
		_, err := f.pipeline.Process(fmt.Sprintf("%d,1,2,deadbeef", i), "radio")
		require.NoError(t, err)
	}
	require.True(t, f.manager.IsLocked())
	return f
}

func TestQuarantineDuringLockoutNeverVerifies(t *testing.T) {
	f := lockFixture(t, security.ActionQuarantine)
	calls := f.verifier.calls
	rec := signed("1700000100,21.50,40.00,1013.25,nominal")

	route, err := f.pipeline.Process(rec, "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteQuarantined, route)
	assert.Equal(t, calls, f.verifier.calls)
	assert.Equal(t, []string{rec + ",reason=lockout_active"}, f.quarantine.Lines())
	assert.Empty(t, f.processed.Lines())
	assert.Equal(t, 1, f.auditor.count(model.EventLockoutDrop))
}

func TestRejectDuringLockout(t *testing.T) {
	f := lockFixture(t, security.ActionReject)
	before := len(f.rejected.Lines())

	route, err := f.pipeline.Process(signed("7,1,2"), "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteRejected, route)

	lines := f.rejected.Lines()
	require.Len(t, lines, before+1)
	assert.Contains(t, lines[before], ",reason=lockout_active")
	assert.Empty(t, f.quarantine.Lines())
}

func TestDropDuringLockout(t *testing.T) {
	f := lockFixture(t, security.ActionDrop)
	before := len(f.rejected.Lines())

	route, err := f.pipeline.Process(signed("7,1,2"), "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteDropped, route)
	assert.Len(t, f.rejected.Lines(), before)
	assert.Empty(t, f.quarantine.Lines())
	assert.Empty(t, f.processed.Lines())
	assert.Equal(t, 1, f.auditor.count(model.EventLockoutDrop))
}

func TestLockExpiresAndTrafficResumes(t *testing.T) {
	f := lockFixture(t, security.ActionQuarantine)
	f.now = f.manager.LockedUntil()

	rec := signed("1700000200,21.50,40.00,1013.25,nominal")
	route, err := f.pipeline.Process(rec, "radio")
	require.NoError(t, err)
	assert.Equal(t, RouteAccepted, route)
}

func TestSinkFailureIsFatal(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())
	f.processed.err = errors.New("disk full")

	_, err := f.pipeline.Process(signed("1,2"), "radio")
	assert.Error(t, err)
}

type failingAuditor struct{}

func (failingAuditor) Append(time.Time, model.EventKind, bool, model.Outcome, model.Metadata) error {
	return errors.New("audit unavailable")
}

func TestAuditFailureIsFatal(t *testing.T) {
	m, err := security.NewManager(security.DefaultPolicy(), failingAuditor{}, nil)
	require.NoError(t, err)
	p := New(verify.NewVerifier(testKey), Sinks{Processed: &memSink{}, Rejected: &memSink{}, Quarantine: &memSink{}}, nil, WithGate(m))

	_, err = p.Process(signed("1,2"), "radio")
	assert.Error(t, err)
}

func TestDegradedModeWithoutGate(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	processed := &memSink{}
	rejected := &memSink{}
	p := New(verify.NewVerifier(nil), Sinks{Processed: processed, Rejected: rejected, Quarantine: &memSink{}}, zap.New(core))

	assert.Equal(t, 1, logs.FilterMessageSnippet("Adaptive security disabled").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("No HMAC key").Len())

	// without a key every well-formed record fails closed
	for i := 0; i < 20; i++ {
		route, err := p.Process(signed("1,2"), "radio")
		require.NoError(t, err)
		assert.Equal(t, RouteRejected, route)
	}
	assert.Empty(t, processed.Lines())
	assert.Len(t, rejected.Lines(), 20)
	assert.Equal(t, 1, logs.FilterMessageSnippet("Adaptive security disabled").Len())
}

func TestSyntheticRecordID(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())

	_, err := f.pipeline.Process(signed(",21.5"), "radio")
	require.NoError(t, err)

	entries := f.logs.FilterField(zap.String("record_id", fmt.Sprintf("auto-%d", f.now.UnixNano()))).Len()
	assert.Equal(t, 1, entries)
}

func TestRun(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())
	lines := make(chan string, 4)
	lines <- "ts,temperature_c,sig"
	lines <- signed("1,2")
	lines <- "3,4,beef"
	lines <- signed("5,6")
	close(lines)

	stats, err := f.pipeline.Run(context.Background(), lines, "file")
	require.NoError(t, err)
	assert.Equal(t, 2, stats[RouteAccepted])
	assert.Equal(t, 1, stats[RouteRejected])
	assert.Equal(t, 1, stats[RouteSkipped])
	assert.Equal(t, 3, stats.Total())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := f.pipeline.Run(ctx, make(chan string), "file")
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestRunStopsOnFatalError(t *testing.T) {
	f := newFixture(t, security.DefaultPolicy())
	f.rejected.err = errors.New("read-only filesystem")
	lines := make(chan string, 2)
	lines <- "1,beef"
	lines <- signed("2,3")
	close(lines)

	_, err := f.pipeline.Run(context.Background(), lines, "file")
	assert.Error(t, err)
	assert.Empty(t, f.processed.Lines())
}

func TestConcurrentProducersShareOneGate(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.ActionDuringLockout = security.ActionQuarantine
	f := newFixture(t, policy)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := f.pipeline.Process(fmt.Sprintf("%d-%d,x,beef", w, i), fmt.Sprintf("producer-%d", w))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	// producers already past the gate finish verification, everyone else is quarantined
	calls := f.verifier.calls
	assert.GreaterOrEqual(t, calls, policy.ConsecutiveFailThreshold)
	assert.Len(t, f.rejected.Lines(), calls)
	assert.Len(t, f.quarantine.Lines(), 200-calls)
	assert.Equal(t, 200-calls, f.auditor.count(model.EventLockoutDrop))
	assert.Equal(t, calls, f.auditor.count(model.EventVerifyResult))
	assert.GreaterOrEqual(t, f.auditor.count(model.EventLockoutEnabled), 1)
}
