// Package ingest routes signed telemetry records through the lockout gate
// and the signature verifier into their terminal sinks.
package ingest

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/model"
	"github.com/shizukutanaka/groundgate/internal/security"
	"github.com/shizukutanaka/groundgate/internal/sink"
)

// Route is where a record ended up
type Route string

const (
	RouteAccepted    Route = "accepted"
	RouteRejected    Route = "rejected"
	RouteDropped     Route = "dropped"
	RouteQuarantined Route = "quarantined"
	RouteSkipped     Route = "skipped"
)

// Gate is the admission control consulted around verification
type Gate interface {
	OnPacketBeforeVerify(meta model.Metadata) (bool, error)
	OnVerificationResult(ok bool, reason model.Outcome, meta model.Metadata) error
	ActionWhenLocked() security.Action
}

// Verifier classifies a raw record
type Verifier interface {
	Verify(record string) model.Outcome
}

// Recorder observes pipeline decisions, typically for metrics
type Recorder interface {
	RecordRoute(route Route)
	RecordOutcome(outcome model.Outcome)
}

// Sinks are the terminal destinations
type Sinks struct {
	Processed  sink.Writer
	Rejected   sink.Writer
	Quarantine sink.Writer
}

// Pipeline processes one record at a time. It is safe for concurrent use
// when its gate, verifier and sinks are.
type Pipeline struct {
	gate     Gate
	verifier Verifier
	sinks    Sinks
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithGate enables adaptive security. Without a gate every record is verified.
func WithGate(g Gate) Option {
	return func(p *Pipeline) {
		p.gate = g
	}
}

// WithRecorder attaches a decision observer
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithClock overrides the clock used for synthetic record ids
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a pipeline
func New(verifier Verifier, sinks Sinks, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		verifier: verifier,
		sinks:    sinks,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.gate == nil {
		p.logger.Warn("Adaptive security disabled, every record will be verified",
			zap.String("code", "configuration_missing"))
	}
	if k, ok := verifier.(interface{ HasKey() bool }); ok && !k.HasKey() {
		p.logger.Warn("No HMAC key configured, every record will be rejected",
			zap.String("code", "configuration_missing"))
	}
	return p
}

// Process classifies and routes one raw record. The returned error is
// always fatal: a sink or the audit log could not be written.
func (p *Pipeline) Process(raw, source string) (Route, error) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return RouteSkipped, nil
	}
	if model.IsHeader(line) {
		p.logger.Debug("Skipping header line", zap.String("source", source))
		return RouteSkipped, nil
	}

	id := model.RecordID(line, p.now())
	meta := model.Metadata{
		model.MetaSource:   source,
		model.MetaRecordID: id,
		model.MetaLength:   len(line),
	}

	if p.gate != nil {
		admitted, err := p.gate.OnPacketBeforeVerify(meta)
		if err != nil {
			return "", err
		}
		if !admitted {
			return p.routeLocked(line, id)
		}
	}

	outcome := p.verifier.Verify(line)
	p.observeOutcome(outcome)

	if p.gate != nil {
		if err := p.gate.OnVerificationResult(outcome.OK(), outcome, meta); err != nil {
			return "", err
		}
	}

	if outcome.OK() {
		if err := p.sinks.Processed.Append(line); err != nil {
			return "", err
		}
		return p.done(RouteAccepted, id, outcome), nil
	}

	if err := p.sinks.Rejected.Append(model.Annotate(line, outcome)); err != nil {
		return "", err
	}
	return p.done(RouteRejected, id, outcome), nil
}

func (p *Pipeline) routeLocked(line, id string) (Route, error) {
	annotated := model.Annotate(line, model.OutcomeLockoutActive)
	p.observeOutcome(model.OutcomeLockoutActive)

	switch p.gate.ActionWhenLocked() {
	case security.ActionDrop:
		return p.done(RouteDropped, id, model.OutcomeLockoutActive), nil
	case security.ActionReject:
		if err := p.sinks.Rejected.Append(annotated); err != nil {
			return "", err
		}
		return p.done(RouteRejected, id, model.OutcomeLockoutActive), nil
	default:
		if err := p.sinks.Quarantine.Append(annotated); err != nil {
			return "", err
		}
		return p.done(RouteQuarantined, id, model.OutcomeLockoutActive), nil
	}
}

func (p *Pipeline) observeOutcome(outcome model.Outcome) {
	if p.recorder != nil {
		p.recorder.RecordOutcome(outcome)
	}
}

// done records the route and emits the per-record status line
func (p *Pipeline) done(route Route, id string, outcome model.Outcome) Route {
	if p.recorder != nil {
		p.recorder.RecordRoute(route)
	}

	fields := []zap.Field{
		zap.String("route", string(route)),
		zap.String("record_id", id),
		zap.String("reason", string(outcome)),
	}
	if route == RouteAccepted {
		p.logger.Info("Record accepted", fields...)
	} else {
		p.logger.Warn("Record "+string(route), fields...)
	}
	return route
}

// Stats counts records per route
type Stats map[Route]int

// Total returns the number of non-skipped records
func (s Stats) Total() int {
	n := 0
	for r, c := range s {
		if r != RouteSkipped {
			n += c
		}
	}
	return n
}

// Run processes lines until the channel closes or ctx is cancelled. It stops
// at the first fatal error.
func (p *Pipeline) Run(ctx context.Context, lines <-chan string, source string) (Stats, error) {
	stats := make(Stats)
	for {
		select {
		case <-ctx.Done():
			return stats, nil
		case line, ok := <-lines:
			if !ok {
				return stats, nil
			}
			route, err := p.Process(line, source)
			if err != nil {
				return stats, err
			}
			stats[route]++
		}
	}
}
