package security

import (
	"time"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// EventWindow is a time-ordered buffer of recent verification outcomes.
// It is not safe for concurrent use; Manager serializes access.
type EventWindow struct {
	span        time.Duration
	weight      func(model.Outcome) float64
	events      []model.SecurityEvent
	consecutive int
}

// NewEventWindow creates a window covering span, weighting failures with weight
func NewEventWindow(span time.Duration, weight func(model.Outcome) float64) *EventWindow {
	if weight == nil {
		weight = func(model.Outcome) float64 { return 1.0 }
	}
	return &EventWindow{
		span:   span,
		weight: weight,
	}
}

// Record appends ev and updates the consecutive failure counter.
// Events must be recorded in chronological order.
func (w *EventWindow) Record(ev model.SecurityEvent) {
	w.events = append(w.events, ev)
	if ev.Failed() {
		w.consecutive++
	} else {
		w.consecutive = 0
	}
}

// Trim drops events older than now - span from the front
func (w *EventWindow) Trim(now time.Time) {
	border := now.Add(-w.span)
	i := 0
	for i < len(w.events) && w.events[i].Timestamp.Before(border) {
		i++
	}
	if i == 0 {
		return
	}
	// shift instead of reslicing so the backing array doesn't grow forever
	n := copy(w.events, w.events[i:])
	for j := n; j < len(w.events); j++ {
		w.events[j] = model.SecurityEvent{}
	}
	w.events = w.events[:n]
}

// WeightedFailRatio returns failure weight over total weight; 0 for an empty window
func (w *EventWindow) WeightedFailRatio() float64 {
	var total, failed float64
	for _, ev := range w.events {
		wt := 1.0
		if ev.Failed() {
			wt = w.weight(ev.Outcome)
			failed += wt
		}
		total += wt
	}
	if total <= 0 {
		return 0
	}
	return failed / total
}

// Len returns the number of retained events
func (w *EventWindow) Len() int {
	return len(w.events)
}

// ConsecutiveFailCount returns failures observed since the last success
func (w *EventWindow) ConsecutiveFailCount() int {
	return w.consecutive
}

// ResetConsecutive clears the consecutive failure counter
func (w *EventWindow) ResetConsecutive() {
	w.consecutive = 0
}

// Oldest returns the timestamp of the oldest retained event
func (w *EventWindow) Oldest() (time.Time, bool) {
	if len(w.events) == 0 {
		return time.Time{}, false
	}
	return w.events[0].Timestamp, true
}
