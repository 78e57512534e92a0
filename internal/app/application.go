// Package app wires configuration, the lockout manager, the audit trail and
// the record sinks into a running ingest pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/audit"
	"github.com/shizukutanaka/groundgate/internal/config"
	"github.com/shizukutanaka/groundgate/internal/database"
	apperrors "github.com/shizukutanaka/groundgate/internal/errors"
	"github.com/shizukutanaka/groundgate/internal/ingest"
	"github.com/shizukutanaka/groundgate/internal/logging"
	"github.com/shizukutanaka/groundgate/internal/monitoring"
	"github.com/shizukutanaka/groundgate/internal/publish"
	"github.com/shizukutanaka/groundgate/internal/security"
	"github.com/shizukutanaka/groundgate/internal/sink"
	"github.com/shizukutanaka/groundgate/internal/source"
	"github.com/shizukutanaka/groundgate/internal/verify"
)

// ShutdownTimeout bounds the status server shutdown
const ShutdownTimeout = 5 * time.Second

// StdinSource reads records from standard input
const StdinSource = "-"

// Options tune construction
type Options struct {
	// Console receives the security log in addition to its file. Nil disables it.
	Console io.Writer
	// Stdin is read when the source is StdinSource
	Stdin io.Reader
	// Clock overrides the manager clock
	Clock func() time.Time
}

// Application owns every resource of one ingest run
type Application struct {
	logger   *zap.Logger
	security *zap.Logger
	config   *config.Config
	options  Options

	db       *database.DB
	pub      *publish.Publisher
	audit    *audit.Sink
	sinks    *sink.Set
	manager  *security.Manager
	metrics  *monitoring.Metrics
	server   *monitoring.Server
	pipeline *ingest.Pipeline
}

// New opens the audit trail and sinks and builds the pipeline. Missing
// policy or key degrade the pipeline; unwritable files are fatal.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts Options) (*Application, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}

	a := &Application{
		logger:  logger,
		config:  cfg,
		options: opts,
	}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) open(ctx context.Context) error {
	cfg := a.config

	secLog, err := logging.NewSecurityLogger(cfg.Paths.SecurityLog, cfg.Logging.Rotation, a.options.Console)
	if err != nil {
		return apperrors.IOFailure(apperrors.CodeAuditUnavailable, "cannot open security log", err)
	}
	a.security = secLog

	var auditOpts []audit.Option
	if cfg.AuditStore.Enabled {
		a.db, err = database.New(ctx, a.logger.Named("database"), database.Config{
			Driver: cfg.AuditStore.Driver,
			DSN:    cfg.AuditStore.DSN,
		})
		if err != nil {
			return apperrors.IOFailure(apperrors.CodeAuditUnavailable, "cannot open audit store", err)
		}
		auditOpts = append(auditOpts, audit.WithMirror(database.NewAuditStore(a.db)))
	}
	if cfg.Publish.Enabled {
		a.pub, err = publish.NewPublisher(cfg.Publish.URL, cfg.Publish.Subject, a.logger.Named("publish"))
		if err != nil {
			return apperrors.IOFailure(apperrors.CodeAuditUnavailable, "cannot connect audit publisher", err)
		}
		auditOpts = append(auditOpts, audit.WithMirror(a.pub))
	}

	a.audit, err = audit.Open(cfg.Paths.AuditLog, secLog, auditOpts...)
	if err != nil {
		return apperrors.IOFailure(apperrors.CodeAuditUnavailable, "cannot open audit log", err)
	}
	a.logger.Info("Audit session started",
		zap.String("path", cfg.Paths.AuditLog),
		zap.String("session_id", a.audit.Session()))

	a.sinks, err = sink.OpenSet(cfg.Paths.Processed, cfg.Paths.Rejected, cfg.Paths.Quarantine, cfg.SinkHeader)
	if err != nil {
		return err
	}

	policy, err := security.LoadPolicy(cfg.PolicyPath)
	switch {
	case errors.Is(err, security.ErrPolicyNotFound):
		apperrors.Log(a.logger, apperrors.ConfigurationMissing("security policy unavailable, adaptive security disabled", err))
	case err != nil:
		return apperrors.ConfigurationInvalid("invalid security policy", err).WithContext("path", cfg.PolicyPath)
	default:
		var mopts []security.Option
		if a.options.Clock != nil {
			mopts = append(mopts, security.WithClock(a.options.Clock))
		}
		a.manager, err = security.NewManager(policy, a.audit, a.logger.Named("security"), mopts...)
		if err != nil {
			return apperrors.ConfigurationInvalid("invalid security policy", err).WithContext("path", cfg.PolicyPath)
		}
	}

	key, err := cfg.ResolveKey()
	if err != nil {
		apperrors.Log(a.logger, err)
	}

	popts := []ingest.Option{}
	if a.manager != nil {
		a.metrics = monitoring.NewMetrics(a.manager)
		a.server = monitoring.NewServer(a.logger.Named("monitoring"), cfg.Metrics, a.metrics, a.manager)
		popts = append(popts, ingest.WithGate(a.manager))
	} else {
		a.metrics = monitoring.NewMetrics(nil)
		a.server = monitoring.NewServer(a.logger.Named("monitoring"), cfg.Metrics, a.metrics, nil)
	}
	popts = append(popts, ingest.WithRecorder(a.metrics))

	a.pipeline = ingest.New(verify.NewVerifier(key), ingest.Sinks{
		Processed:  a.sinks.Processed,
		Rejected:   a.sinks.Rejected,
		Quarantine: a.sinks.Quarantine,
	}, a.logger.Named("ingest"), popts...)
	return nil
}

// Start starts the status server when enabled
func (a *Application) Start() error {
	if !a.config.Metrics.Enabled {
		return nil
	}
	return a.server.Start()
}

// Pipeline returns the ingest pipeline
func (a *Application) Pipeline() *ingest.Pipeline { return a.pipeline }

// Manager returns the lockout manager, nil in degraded mode
func (a *Application) Manager() *security.Manager { return a.manager }

// Metrics returns the decision metrics
func (a *Application) Metrics() *monitoring.Metrics { return a.metrics }

// Server returns the status server
func (a *Application) Server() *monitoring.Server { return a.server }

// Run streams src through the pipeline until it is exhausted, ctx is
// cancelled, or a fatal error occurs. With follow set, src is tailed.
func (a *Application) Run(ctx context.Context, src string, follow bool) (ingest.Stats, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string, 256)
	produced := make(chan error, 1)

	go func() {
		defer close(lines)
		switch {
		case src == StdinSource:
			produced <- source.Lines(ctx, a.options.Stdin, lines)
		case follow:
			produced <- source.Follow(ctx, src, a.logger.Named("source"), lines)
		default:
			produced <- source.File(ctx, src, lines)
		}
	}()

	name := a.config.SourceName
	if name == "" {
		name = src
	}

	a.logger.Info("Ingest started",
		zap.String("source", src),
		zap.Bool("follow", follow),
		zap.Bool("adaptive_security", a.manager != nil),
	)

	stats, err := a.pipeline.Run(ctx, lines, name)
	cancel()

	// A reader blocked on stdin cannot be interrupted, so only wait for the
	// producer when it is known to return.
	if err == nil || src != StdinSource {
		select {
		case perr := <-produced:
			if err == nil {
				err = perr
			}
		case <-parent.Done():
		}
	}

	a.logger.Info("Ingest finished",
		zap.Int("accepted", stats[ingest.RouteAccepted]),
		zap.Int("rejected", stats[ingest.RouteRejected]),
		zap.Int("quarantined", stats[ingest.RouteQuarantined]),
		zap.Int("dropped", stats[ingest.RouteDropped]),
	)
	return stats, err
}

// Close flushes and releases every resource. It is safe to call more than once.
func (a *Application) Close() error {
	var errs []error

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		errs = append(errs, a.server.Stop(ctx))
		cancel()
	}
	if a.sinks != nil {
		errs = append(errs, a.sinks.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.pub != nil {
		errs = append(errs, a.pub.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	if a.security != nil {
		_ = a.security.Sync()
	}
	return errors.Join(errs...)
}

// Describe renders the resolved run mode
func (a *Application) Describe() string {
	mode := "adaptive"
	if a.manager == nil {
		mode = "degraded (no policy)"
	}
	return fmt.Sprintf("mode=%s audit=%s", mode, a.config.Paths.AuditLog)
}
