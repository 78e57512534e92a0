package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// Entry is one line of the audit trail. SessionID is shared by every entry
// one process wrote; lockout state does not survive a restart.
type Entry struct {
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	EventKind model.EventKind `json:"event_kind"`
	OK        bool            `json:"ok"`
	Reason    model.Outcome   `json:"reason"`
	Metadata  model.Metadata  `json:"metadata"`
	SessionID string          `json:"session_id,omitempty"`
}

// Mirror receives a copy of every entry after it reached the audit file
type Mirror interface {
	Insert(ctx context.Context, entry Entry) error
}

// Sink is the append-only audit trail. Each Append writes one JSON line and
// one line to the human-readable security log. Entries are never edited or
// removed. Sink is safe for concurrent use.
type Sink struct {
	core     zapcore.Core
	file     *os.File
	security *zap.Logger
	mirrors  []Mirror
	session  string
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
}

// Option configures a Sink
type Option func(*Sink)

// DefaultMirrorTimeout bounds a single mirror insert
const DefaultMirrorTimeout = 2 * time.Second

// WithSession overrides the generated session id
func WithSession(id string) Option {
	return func(s *Sink) {
		s.session = id
	}
}

// WithMirrorTimeout bounds each mirror insert. Zero disables the bound.
func WithMirrorTimeout(d time.Duration) Option {
	return func(s *Sink) {
		s.timeout = d
	}
}

// WithMirror copies every entry to m. Mirrors run in the order they were added.
func WithMirror(m Mirror) Option {
	return func(s *Sink) {
		s.mirrors = append(s.mirrors, m)
	}
}

// Open opens (or creates) the audit file at path in append mode.
// The caller must Close the sink at shutdown.
func Open(path string, security *zap.Logger, opts ...Option) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	s := NewSink(f, security, opts...)
	s.file = f
	return s, nil
}

// NewSink writes audit entries to w
func NewSink(w zapcore.WriteSyncer, security *zap.Logger, opts ...Option) *Sink {
	if security == nil {
		security = zap.NewNop()
	}

	out := zapcore.Lock(w)
	s := &Sink{
		core:     zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), out, zapcore.DebugLevel),
		security: security,
		session:  uuid.NewString(),
		timeout:  DefaultMirrorTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:    "timestamp",
		MessageKey: "event_kind",
		LineEnding: zapcore.DefaultLineEnding,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.UTC().Format(time.RFC3339Nano))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// Append records one decision taken at at. Metadata is redacted before it
// reaches any output. Write failures are returned and must be treated as fatal.
func (s *Sink) Append(at time.Time, kind model.EventKind, ok bool, reason model.Outcome, meta model.Metadata) error {
	entry := Entry{
		EventID:   uuid.NewString(),
		Timestamp: at.UTC(),
		EventKind: kind,
		OK:        ok,
		Reason:    reason,
		Metadata:  Redact(meta),
		SessionID: s.session,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit sink closed")
	}

	fields := []zapcore.Field{
		zap.String("event_id", entry.EventID),
		zap.Bool("ok", entry.OK),
		zap.String("reason", string(entry.Reason)),
		zap.Any("metadata", entry.Metadata),
		zap.String("session_id", entry.SessionID),
	}
	if err := s.core.Write(zapcore.Entry{Time: entry.Timestamp, Message: string(kind)}, fields); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	s.logSecurity(entry)

	for _, m := range s.mirrors {
		if err := s.mirror(m, entry); err != nil {
			return fmt.Errorf("failed to mirror audit entry: %w", err)
		}
	}
	return nil
}

func (s *Sink) mirror(m Mirror, entry Entry) error {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return m.Insert(ctx, entry)
}

// Session returns the id stamped on every entry this sink writes
func (s *Sink) Session() string {
	return s.session
}

func (s *Sink) logSecurity(entry Entry) {
	switch {
	case entry.EventKind == model.EventLockoutEnabled:
		s.security.Error("SECURITY LOCKOUT enabled",
			zap.String("trigger", string(entry.Reason)),
			zap.Any("meta", entry.Metadata),
		)
	case entry.OK:
		s.security.Info(string(entry.EventKind),
			zap.Bool("ok", true),
			zap.String("reason", string(entry.Reason)),
			zap.Any("meta", entry.Metadata),
		)
	default:
		s.security.Warn(string(entry.EventKind),
			zap.Bool("ok", false),
			zap.String("reason", string(entry.Reason)),
			zap.Any("meta", entry.Metadata),
		)
	}
}

// Close flushes and releases the audit file. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.security.Sync()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	return s.file.Close()
}
