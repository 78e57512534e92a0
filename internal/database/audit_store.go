package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shizukutanaka/groundgate/internal/audit"
	"github.com/shizukutanaka/groundgate/internal/model"
)

// AuditStore mirrors audit entries into a SQL table for querying.
// It satisfies audit.Mirror.
type AuditStore struct {
	db *DB
}

// NewAuditStore wraps an open database
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Insert stores one entry. Duplicate event ids are an error.
func (s *AuditStore) Insert(ctx context.Context, e audit.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.Execute(ctx,
		"INSERT INTO audit_entries (event_id, ts, event_kind, ok, reason, metadata, session_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.EventID, e.Timestamp.UTC(), string(e.EventKind), e.OK, string(e.Reason), string(meta), e.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Count returns the number of stored entries
func (s *AuditStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Summary aggregates stored entries by kind and reason
func (s *AuditStore) Summary(ctx context.Context) (audit.Summary, error) {
	sum := audit.Summary{
		ByKind:   make(map[model.EventKind]int),
		ByReason: make(map[model.Outcome]int),
	}

	rows, err := s.db.Query(ctx, "SELECT event_kind, reason, COUNT(*) FROM audit_entries GROUP BY event_kind, reason")
	if err != nil {
		return sum, fmt.Errorf("failed to query audit summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, reason string
		var n int
		if err := rows.Scan(&kind, &reason, &n); err != nil {
			return sum, err
		}
		sum.Total += n
		sum.ByKind[model.EventKind(kind)] += n
		sum.ByReason[model.Outcome(reason)] += n
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}
	sum.Lockouts = sum.ByKind[model.EventLockoutEnabled]

	if sum.Total == 0 {
		return sum, nil
	}

	if sum.First, err = s.boundary(ctx, "ASC"); err != nil {
		return sum, err
	}
	if sum.Last, err = s.boundary(ctx, "DESC"); err != nil {
		return sum, err
	}

	recent, err := s.query(ctx,
		"SELECT event_id, ts, event_kind, ok, reason, metadata, session_id FROM audit_entries WHERE event_kind = ? ORDER BY ts DESC LIMIT 1",
		string(model.EventLockoutEnabled))
	if err != nil {
		return sum, err
	}
	if len(recent) > 0 {
		sum.LastLockout = &recent[0]
	}
	return sum, nil
}

// Recent returns up to limit entries, newest first
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	return s.query(ctx,
		"SELECT event_id, ts, event_kind, ok, reason, metadata, session_id FROM audit_entries ORDER BY ts DESC LIMIT ?",
		limit)
}

func (s *AuditStore) boundary(ctx context.Context, order string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRow(ctx, "SELECT ts FROM audit_entries ORDER BY ts "+order+" LIMIT 1").Scan(&ts)
	if err != nil && err != sql.ErrNoRows {
		return ts, fmt.Errorf("failed to query audit range: %w", err)
	}
	return ts.UTC(), nil
}

func (s *AuditStore) query(ctx context.Context, query string, args ...interface{}) ([]audit.Entry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			kind   string
			reason string
			meta   string
		)
		if err := rows.Scan(&e.EventID, &e.Timestamp, &kind, &e.OK, &reason, &meta, &e.SessionID); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		e.EventKind = model.EventKind(kind)
		e.Reason = model.Outcome(reason)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", e.EventID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
