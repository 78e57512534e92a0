package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// slowQueryThreshold is the default duration above which queries are logged
const slowQueryThreshold = 100 * time.Millisecond

// DB wraps the audit store connection. Queries are written with '?'
// placeholders and rebound for PostgreSQL.
type DB struct {
	logger      *zap.Logger
	db          *sql.DB
	driver      string
	slowQuery   time.Duration
	isConnected bool
}

// Config selects the driver and tunes the pool
type Config struct {
	Driver             string        `yaml:"driver" json:"driver"`
	DSN                string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns       int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns       int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`
}

// NormalizeDriver maps accepted driver aliases onto registered driver names
func NormalizeDriver(driver string) (string, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "postgres", "postgresql":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// New creates a new database connection and initializes the schema
func New(ctx context.Context, logger *zap.Logger, config Config) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := NormalizeDriver(config.Driver)
	if err != nil {
		return nil, err
	}
	if config.DSN == "" {
		return nil, errors.New("database dsn is required")
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory SQLite databases are per connection
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else if driver != "sqlite3" {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slow := config.SlowQueryThreshold
	if slow <= 0 {
		slow = slowQueryThreshold
	}

	d := &DB{
		logger:      logger,
		db:          db,
		driver:      driver,
		slowQuery:   slow,
		isConnected: true,
	}

	if err := d.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database connected", zap.String("driver", driver))
	return d, nil
}

// Driver returns the normalized driver name
func (d *DB) Driver() string {
	return d.driver
}

// Close releases the pool
func (d *DB) Close() error {
	if d.db != nil {
		d.isConnected = false
		return d.db.Close()
	}
	return nil
}

// IsConnected is false before New succeeds and after Close
func (d *DB) IsConnected() bool {
	return d.isConnected
}

func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return errors.New("database not initialized")
	}
	return d.db.PingContext(ctx)
}

// Execute runs a statement
func (d *DB) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := d.db.ExecContext(ctx, d.rebind(query), args...)
	d.observe(query, time.Since(start))
	return result, err
}

// Query runs a query returning rows
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	d.observe(query, time.Since(start))
	return rows, err
}

// QueryRow runs a query returning at most one row
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) observe(query string, duration time.Duration) {
	if duration > d.slowQuery {
		d.logger.Warn("Slow audit store query", zap.String("query", query), zap.Duration("took", duration))
	}
}

// rebind rewrites '?' placeholders as $n for PostgreSQL
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, fmt.Sprint(n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
