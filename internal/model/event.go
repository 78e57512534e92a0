package model

import (
	"time"
)

// Outcome is the classification of a single record
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeInvalidSignature Outcome = "invalid_signature"
	OutcomeMalformedPacket  Outcome = "malformed_packet"
	OutcomeLockoutActive    Outcome = "lockout_active"
)

// OK reports whether the outcome is a successful verification
func (o Outcome) OK() bool {
	return o == OutcomeOK
}

// Valid reports whether o is one of the known outcomes
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeOK, OutcomeInvalidSignature, OutcomeMalformedPacket, OutcomeLockoutActive:
		return true
	}
	return false
}

// EventKind names an entry in the audit trail
type EventKind string

const (
	EventVerifyResult   EventKind = "verify_result"
	EventLockoutDrop    EventKind = "lockout_drop"
	EventLockoutEnabled EventKind = "lockout_enabled"
)

// Well-known metadata keys
const (
	MetaSource   = "source"
	MetaRecordID = "record_id"
	MetaLength   = "length"
	MetaUntil    = "until"
	MetaRule     = "rule"
	MetaRatio    = "ratio"
)

// Metadata carries per-record context (source tag, record id, byte length, extras)
type Metadata map[string]interface{}

// Clone returns a shallow copy so callers can't mutate a stored event
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SecurityEvent is one classified record as seen by the event window.
// It is immutable once created.
type SecurityEvent struct {
	Timestamp time.Time
	Outcome   Outcome
	Metadata  Metadata
}

// NewSecurityEvent creates an event with a private copy of meta
func NewSecurityEvent(ts time.Time, outcome Outcome, meta Metadata) SecurityEvent {
	return SecurityEvent{
		Timestamp: ts,
		Outcome:   outcome,
		Metadata:  meta.Clone(),
	}
}

// Failed reports whether the event counts as a failure in window statistics
func (e SecurityEvent) Failed() bool {
	return !e.Outcome.OK()
}
