// Package api exposes the engine's management surface: a JSON HTTP API for
// reads and actions plus a websocket stream for live observers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/agents"
	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/perf"
	"github.com/miradorstack/mirador-sentinel/internal/security"
	"github.com/miradorstack/mirador-sentinel/internal/state"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// HealthSource reports the monitor's latest rollup.
type HealthSource interface {
	Snapshot() models.HealthSummary
}

// AlertService is the mutable alert surface driven by operators.
type AlertService interface {
	ListActive(f alerting.Filter) []models.Alert
	Acknowledge(ctx context.Context, id, actor string) (models.Alert, error)
	Resolve(ctx context.Context, id string, opts alerting.ResolveOpts) (models.Alert, error)
}

// MetricSource reads the shared telemetry store.
type MetricSource interface {
	Names() []string
	Query(name string, opts telemetry.QueryOpts) []models.MetricSample
	Stats(name string, opts telemetry.QueryOpts) (*models.SeriesStats, bool)
	Trend(name string, window time.Duration) models.Trend
}

// Recorder feeds request telemetry back into the shared metric store so the
// performance agent can review the API's own latency and error rate.
type Recorder interface {
	Record(name string, value float64, opts telemetry.RecordOpts) models.MetricSample
}

// HistorySource reads persisted operational history.
type HistorySource interface {
	ListAlerts(ctx context.Context, q state.AlertQuery) ([]models.Alert, error)
	RecentDiagnoses(ctx context.Context, limit int) ([]models.Diagnosis, error)
	RecentRepairs(ctx context.Context, limit int) ([]models.RepairOutcome, error)
	RecentPredictions(ctx context.Context, limit int) ([]models.Prediction, error)
	RecentIncidents(ctx context.Context, limit int) ([]models.SecurityIncident, error)
}

// SecurityService is the security agent's management surface.
type SecurityService interface {
	Analyze(ctx context.Context, req security.Request) security.Verdict
	RecordFailedLogin(ctx context.Context, ip, user string) security.Verdict
	Blocked(ip string) bool
	BlockedIPs(ctx context.Context) []string
	Unblock(ctx context.Context, ip string) error
}

// AgentSupervisor exposes lifecycle status and restart for the agent fleet.
type AgentSupervisor interface {
	Statuses() []agents.Status
	Restart(ctx context.Context, name string) error
}

// PatternSource lists the learned fix patterns.
type PatternSource interface {
	Patterns() []models.Pattern
}

// ForecastSource lists active predictions.
type ForecastSource interface {
	Active() []models.Prediction
}

// ReviewSource exposes performance reviews.
type ReviewSource interface {
	Latest() (perf.Review, bool)
	History() []perf.Review
}

// EventSource reads the bus ring buffer.
type EventSource interface {
	Recent(limit int) []models.Event
}

// Broker lets the websocket hub follow bus channels.
type Broker interface {
	Subscribe(channel, name string, fn bus.Handler) string
	Unsubscribe(id string)
}

// Deps bundles everything the API surface reads from or acts on. Bus may be
// nil, which disables the websocket stream.
type Deps struct {
	Health    HealthSource
	Alerts    AlertService
	Metrics   MetricSource
	Recorder  Recorder
	History   HistorySource
	Security  SecurityService
	Agents    AgentSupervisor
	Patterns  PatternSource
	Forecasts ForecastSource
	Reviews   ReviewSource
	Events    EventSource
	Bus       Broker
}

// Server wraps the HTTP server and its lifecycle helpers.
type Server struct {
	cfg       config.ServerConfig
	deps      Deps
	logger    *slog.Logger
	hub       *Hub
	httpSrv   *http.Server
	listener  net.Listener
	latencies *utils.LatencyTracker
	ready     atomic.Bool
}

// NewServer constructs an HTTP server bound to the configured address.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    utils.ComponentLogger(logger, "api"),
		listener:  lis,
		latencies: utils.NewLatencyTracker(1024),
	}
	if deps.Bus != nil {
		s.hub = NewHub(deps.Bus, logger)
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves requests until Shutdown is invoked.
func (s *Server) Start() error {
	if s.httpSrv == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	if s.hub != nil {
		s.hub.Start()
	}
	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown attempts a graceful shutdown, falling back to a hard close when
// the context expires, then disconnects websocket observers.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.httpSrv.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
}

// SetReady flips the readiness probe once the agent fleet is running.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", s.handleLive)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.handleWS)
	}

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/agents", s.handleAgents)
	mux.HandleFunc("POST /api/v1/agents/{name}/restart", s.handleAgentRestart)
	mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", s.handleAlertAcknowledge)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleAlertResolve)
	mux.HandleFunc("GET /api/v1/metrics", s.handleMetricNames)
	mux.HandleFunc("GET /api/v1/metrics/{name}", s.handleMetricQuery)
	mux.HandleFunc("GET /api/v1/diagnoses", s.handleDiagnoses)
	mux.HandleFunc("GET /api/v1/repairs", s.handleRepairs)
	mux.HandleFunc("GET /api/v1/patterns", s.handlePatterns)
	mux.HandleFunc("GET /api/v1/predictions", s.handlePredictions)
	mux.HandleFunc("GET /api/v1/performance", s.handlePerformance)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/security/incidents", s.handleIncidents)
	mux.HandleFunc("GET /api/v1/security/blocked", s.handleBlocked)
	mux.HandleFunc("POST /api/v1/security/unblock", s.handleUnblock)
	mux.HandleFunc("POST /api/v1/security/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/v1/security/failed-login", s.handleFailedLogin)

	return s.instrument(mux)
}

// instrument rejects blocked source IPs, then wraps API requests to record
// latency and error telemetry. Probe endpoints stay unguarded so a blocked
// gateway cannot take down liveness checks; the websocket path skips the
// recording wrapper because upgrades need the raw response writer.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Security != nil && !isProbePath(r.URL.Path) {
			if ip := clientIP(r); ip != "" && s.deps.Security.Blocked(ip) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}
		}
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.observe(r, sw.status, time.Since(start))
	})
}

func (s *Server) observe(r *http.Request, status int, duration time.Duration) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	metrics.IncAPIRequest(route, status)
	s.latencies.Observe(duration)

	if s.deps.Recorder != nil {
		ms := float64(duration) / float64(time.Millisecond)
		s.deps.Recorder.Record("api_latency_ms", ms, telemetry.RecordOpts{Unit: "ms", Component: "api"})
		errVal := 0.0
		if status >= http.StatusInternalServerError {
			errVal = 1
		}
		s.deps.Recorder.Record("api_errors", errVal, telemetry.RecordOpts{Component: "api"})
	}

	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("api latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
}

func isProbePath(path string) bool {
	return path == "/livez" || path == "/readyz"
}

// clientIP prefers the first forwarded hop so verdicts hold behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
