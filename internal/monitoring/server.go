package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/groundgate/internal/ingest"
	"github.com/shizukutanaka/groundgate/internal/security"
)

// DefaultListenAddr is used when no address is configured
const DefaultListenAddr = "127.0.0.1:9464"

// Config defines the status server configuration
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Status is the body served on /status
type Status struct {
	StartedAt time.Time               `json:"started_at" yaml:"started_at"`
	Uptime    string                  `json:"uptime" yaml:"uptime"`
	Degraded  bool                    `json:"degraded" yaml:"degraded"`
	Gate      *security.Snapshot      `json:"gate,omitempty" yaml:"gate,omitempty"`
	Records   map[ingest.Route]uint64 `json:"records" yaml:"records"`
}

// Server serves /metrics, /healthz and /status
type Server struct {
	logger    *zap.Logger
	config    Config
	metrics   *Metrics
	state     StateProvider
	startedAt time.Time

	server   *http.Server
	listener net.Listener
}

// NewServer creates a status server. state may be nil in degraded mode.
func NewServer(logger *zap.Logger, config Config, metrics *Metrics, state StateProvider) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}

	return &Server{
		logger:    logger,
		config:    config,
		metrics:   metrics,
		state:     state,
		startedAt: time.Now(),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return router
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status server error", zap.Error(err))
		}
	}()

	s.logger.Info("Status server started", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.ListenAddr
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}

// Status assembles the current status
func (s *Server) Status() Status {
	st := Status{
		StartedAt: s.startedAt.UTC(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Degraded:  s.state == nil,
		Records:   s.metrics.Routes(),
	}
	if s.state != nil {
		snap := s.state.Snapshot()
		st.Gate = &snap
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn("Failed to encode status", zap.Error(err))
	}
}

// FetchStatus reads /status from a running server
func FetchStatus(ctx context.Context, client *http.Client, addr string) (Status, error) {
	var st Status
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return st, fmt.Errorf("failed to reach status server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status server returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}
