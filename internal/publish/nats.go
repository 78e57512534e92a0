// Package publish forwards audit entries to a NATS subject so that other
// services can follow lockouts without tailing the audit file.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/audit"
)

const (
	// DefaultSubject receives every audit entry
	DefaultSubject = "groundgate.audit"
	// ConnectTimeout bounds the initial connection
	ConnectTimeout = 10 * time.Second
	// ReconnectInterval is the wait between reconnect attempts
	ReconnectInterval = 5 * time.Second
	// MaxReconnectAttempts before the connection is given up
	MaxReconnectAttempts = 10
)

// ErrNotReady is returned when the connection has been closed
var ErrNotReady = errors.New("NATS publisher not ready")

// Config configures the optional audit publisher
type Config struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Publisher mirrors audit entries to NATS. Publishing is best effort: a
// failed publish is logged and never fails the audit append.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPublisher connects to url. The connection reconnects on its own after
// the first successful connect.
func NewPublisher(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("groundgate"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectInterval),
		nats.MaxReconnects(MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("NATS publisher initialized", zap.String("url", url), zap.String("subject", subject))
	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Subject returns the subject entries are published on
func (p *Publisher) Subject() string {
	return p.subject
}

// Insert publishes entry. It satisfies audit.Mirror.
func (p *Publisher) Insert(ctx context.Context, entry audit.Entry) error {
	if err := p.publish(ctx, entry); err != nil {
		p.logger.Warn("Failed to publish audit entry",
			zap.String("event_id", entry.EventID),
			zap.Error(err))
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, entry audit.Entry) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := NewMsg(p.subject, entry)
	if err != nil {
		return err
	}
	return p.conn.PublishMsg(msg)
}

// Close flushes buffered messages and closes the connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := p.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	p.logger.Info("NATS publisher closed")
	return err
}

// NewMsg encodes entry as a JSON message on subject with routing headers
func NewMsg(subject string, entry audit.Entry) (*nats.Msg, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("x-event-id", entry.EventID)
	msg.Header.Set("x-event-kind", string(entry.EventKind))
	msg.Header.Set("x-reason", string(entry.Reason))
	msg.Header.Set("x-ok", strconv.FormatBool(entry.OK))
	msg.Header.Set("x-timestamp", strconv.FormatInt(entry.Timestamp.UnixNano(), 10))
	return msg, nil
}
