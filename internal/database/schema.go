package database

import (
	"context"
	"fmt"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	event_id   TEXT PRIMARY KEY,
	ts         TIMESTAMP NOT NULL,
	event_kind TEXT NOT NULL,
	ok         INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries(ts);
CREATE INDEX IF NOT EXISTS idx_audit_entries_kind ON audit_entries(event_kind);
`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		event_id   TEXT PRIMARY KEY,
		ts         TIMESTAMPTZ NOT NULL,
		event_kind TEXT NOT NULL,
		ok         BOOLEAN NOT NULL,
		reason     TEXT NOT NULL,
		metadata   JSONB NOT NULL,
		session_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_kind ON audit_entries(event_kind)`,
}

// initializeSchema creates the database schema
func (d *DB) initializeSchema(ctx context.Context) error {
	switch d.driver {
	case "sqlite3":
		_, err := d.db.ExecContext(ctx, sqliteSchema)
		return err
	case "postgres":
		for _, stmt := range postgresSchema {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver for schema initialization: %s", d.driver)
	}
}

// tableExists reports whether the named table is present
func (d *DB) tableExists(ctx context.Context, tableName string) bool {
	var query string
	switch d.driver {
	case "sqlite3":
		query = "SELECT name FROM sqlite_master WHERE type='table' AND name=?"
	case "postgres":
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema='public' AND table_name=?"
	default:
		return false
	}

	var name string
	err := d.QueryRow(ctx, query, tableName).Scan(&name)
	return err == nil
}
