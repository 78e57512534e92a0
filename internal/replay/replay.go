// Package replay re-runs an audit trail through a fresh lockout manager and
// checks that every logged lockout decision is reproduced.
package replay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/audit"
	"github.com/shizukutanaka/groundgate/internal/model"
	"github.com/shizukutanaka/groundgate/internal/security"
)

// Divergence kinds
const (
	MissingLockout    = "missing_lockout"
	UnexpectedLockout = "unexpected_lockout"
	GateMismatch      = "gate_mismatch"
)

// Divergence is one decision the replay did not reproduce
type Divergence struct {
	Kind      string        `json:"kind" yaml:"kind"`
	Index     int           `json:"index" yaml:"index"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	Reason    model.Outcome `json:"reason" yaml:"reason"`
	Detail    string        `json:"detail" yaml:"detail"`
}

// Result summarizes a replay
type Result struct {
	Entries            int          `json:"entries" yaml:"entries"`
	Sessions           int          `json:"sessions" yaml:"sessions"`
	Replayed           int          `json:"replayed" yaml:"replayed"`
	LoggedLockouts     int          `json:"logged_lockouts" yaml:"logged_lockouts"`
	ReproducedLockouts int          `json:"reproduced_lockouts" yaml:"reproduced_lockouts"`
	Divergences        []Divergence `json:"divergences,omitempty" yaml:"divergences,omitempty"`
}

// Match reports whether the replay reproduced the trail exactly
func (r Result) Match() bool {
	return len(r.Divergences) == 0
}

type lockout struct {
	index  int
	at     time.Time
	reason model.Outcome
}

// collector captures the lockouts a replayed manager decides
type collector struct {
	index    int
	lockouts []lockout
}

func (c *collector) Append(at time.Time, kind model.EventKind, _ bool, reason model.Outcome, _ model.Metadata) error {
	if kind == model.EventLockoutEnabled {
		c.lockouts = append(c.lockouts, lockout{index: c.index, at: at, reason: reason})
	}
	return nil
}

// Run feeds entries, in order, to a manager built from policy whose clock is
// pinned to each entry's timestamp. A change of session id means the process
// restarted, so replay continues with a fresh manager.
func Run(policy security.Policy, entries []audit.Entry) (Result, error) {
	var (
		res  = Result{Entries: len(entries)}
		now  time.Time
		sink = &collector{}
	)

	fresh := func() (*security.Manager, error) {
		return security.NewManager(policy, sink, zap.NewNop(), security.WithClock(func() time.Time { return now }))
	}
	m, err := fresh()
	if err != nil {
		return res, fmt.Errorf("invalid policy: %w", err)
	}
	if len(entries) > 0 {
		res.Sessions = 1
	}

	var logged []lockout
	for i, e := range entries {
		now = e.Timestamp
		sink.index = i

		if i > 0 && e.SessionID != entries[i-1].SessionID {
			if m, err = fresh(); err != nil {
				return res, err
			}
			res.Sessions++
		}

		switch e.EventKind {
		case model.EventLockoutEnabled:
			logged = append(logged, lockout{index: i, at: e.Timestamp, reason: e.Reason})
			continue

		case model.EventLockoutDrop:
			admitted, _ := m.OnPacketBeforeVerify(e.Metadata)
			if admitted {
				res.Divergences = append(res.Divergences, Divergence{
					Kind: GateMismatch, Index: i, Timestamp: e.Timestamp, Reason: e.Reason,
					Detail: "logged as refused, replay admitted it",
				})
			}

		case model.EventVerifyResult:
			admitted, _ := m.OnPacketBeforeVerify(e.Metadata)
			if !admitted {
				res.Divergences = append(res.Divergences, Divergence{
					Kind: GateMismatch, Index: i, Timestamp: e.Timestamp, Reason: e.Reason,
					Detail: "logged as verified, replay refused it",
				})
			}
			_ = m.OnVerificationResult(e.OK, e.Reason, e.Metadata)

		default:
			continue
		}
		res.Replayed++
	}

	res.LoggedLockouts = len(logged)
	res.ReproducedLockouts = len(sink.lockouts)
	res.Divergences = append(res.Divergences, compare(logged, sink.lockouts)...)
	return res, nil
}

// compare pairs lockouts by instant and trigger
func compare(logged, reproduced []lockout) []Divergence {
	type key struct {
		at     int64
		reason model.Outcome
	}
	pending := make(map[key][]lockout)
	for _, l := range reproduced {
		k := key{l.at.UnixNano(), l.reason}
		pending[k] = append(pending[k], l)
	}

	var out []Divergence
	for _, l := range logged {
		k := key{l.at.UnixNano(), l.reason}
		if len(pending[k]) > 0 {
			pending[k] = pending[k][1:]
			continue
		}
		out = append(out, Divergence{
			Kind: MissingLockout, Index: l.index, Timestamp: l.at, Reason: l.reason,
			Detail: "logged lockout was not reproduced",
		})
	}
	for _, l := range reproduced {
		k := key{l.at.UnixNano(), l.reason}
		if len(pending[k]) > 0 {
			pending[k] = pending[k][1:]
			out = append(out, Divergence{
				Kind: UnexpectedLockout, Index: l.index, Timestamp: l.at, Reason: l.reason,
				Detail: "replay locked where the trail did not",
			})
		}
	}
	return out
}
