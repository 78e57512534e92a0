package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// maxLineSize bounds a single audit line
const maxLineSize = 1 << 20

// ReadFile loads every entry of the audit file at path
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes newline-delimited audit entries in file order
func Read(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("audit line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

// Summary aggregates an audit trail
type Summary struct {
	Total       int                     `json:"total" yaml:"total"`
	ByKind      map[model.EventKind]int `json:"by_kind" yaml:"by_kind"`
	ByReason    map[model.Outcome]int   `json:"by_reason" yaml:"by_reason"`
	Lockouts    int                     `json:"lockouts" yaml:"lockouts"`
	First       time.Time               `json:"first" yaml:"first"`
	Last        time.Time               `json:"last" yaml:"last"`
	LastLockout *Entry                  `json:"last_lockout,omitempty" yaml:"last_lockout,omitempty"`
}

// Summarize counts entries by kind and by reason
func Summarize(entries []Entry) Summary {
	s := Summary{
		ByKind:   make(map[model.EventKind]int),
		ByReason: make(map[model.Outcome]int),
	}
	for i := range entries {
		s.Add(entries[i])
	}
	return s
}

// Add folds one entry into the summary
func (s *Summary) Add(e Entry) {
	s.Total++
	s.ByKind[e.EventKind]++
	s.ByReason[e.Reason]++

	if s.First.IsZero() || e.Timestamp.Before(s.First) {
		s.First = e.Timestamp
	}
	if e.Timestamp.After(s.Last) {
		s.Last = e.Timestamp
	}
	if e.EventKind == model.EventLockoutEnabled {
		s.Lockouts++
		entry := e
		s.LastLockout = &entry
	}
}

// Reasons returns reason names sorted by descending count
func (s Summary) Reasons() []model.Outcome {
	out := make([]model.Outcome, 0, len(s.ByReason))
	for r := range s.ByReason {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if s.ByReason[out[i]] != s.ByReason[out[j]] {
			return s.ByReason[out[i]] > s.ByReason[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
