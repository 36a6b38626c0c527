package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
)

// Recorder is the slice of the telemetry store the agent records into.
type Recorder interface {
	Record(name string, value float64, opts telemetry.RecordOpts) models.MetricSample
}

// Alerter raises alerts on threshold breaches.
type Alerter interface {
	Create(ctx context.Context, alertType string, opts alerting.CreateOpts) (models.Alert, error)
}

// Publisher is the slice of the event bus the agent publishes rollups on.
type Publisher interface {
	Publish(channel string, payload any) models.Event
}

// HealthSink persists health rollups.
type HealthSink interface {
	SaveHealth(ctx context.Context, h models.HealthSummary) error
}

// Agent drives the health-check and metrics-collection loops.
type Agent struct {
	healthProbes []Probe
	metricProbes []Probe

	healthInterval  time.Duration
	metricsInterval time.Duration
	probeTimeout    time.Duration

	recorder  Recorder
	alerter   Alerter
	publisher Publisher
	sink      HealthSink
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	status      map[string]models.TargetHealth
	lastOverall models.HealthState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent builds the monitor agent over the given probe sets.
func NewAgent(cfg config.MonitorConfig, healthProbes, metricProbes []Probe, recorder Recorder, alerter Alerter, publisher Publisher, sink HealthSink, logger *slog.Logger) *Agent {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		healthProbes:    healthProbes,
		metricProbes:    metricProbes,
		healthInterval:  cfg.HealthInterval,
		metricsInterval: cfg.MetricsInterval,
		probeTimeout:    cfg.ProbeTimeout,
		recorder:        recorder,
		alerter:         alerter,
		publisher:       publisher,
		sink:            sink,
		logger:          logger,
		now:             time.Now,
		status:          make(map[string]models.TargetHealth),
		lastOverall:     models.HealthUnknown,
	}
}

// Name identifies the agent to the runner.
func (a *Agent) Name() string { return "monitor" }

// Start launches both sampling loops.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(2)
	go a.loop(runCtx, a.healthInterval, a.runHealthCycle)
	go a.loop(runCtx, a.metricsInterval, a.runMetricsCycle)
	return nil
}

// Stop cancels the loops and waits for in-flight cycles.
func (a *Agent) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop runs one cycle immediately, then on every tick.
func (a *Agent) loop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	defer a.wg.Done()
	cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

func (a *Agent) runHealthCycle(ctx context.Context) {
	a.runProbes(ctx, a.healthProbes)
	a.rollup(ctx)
}

func (a *Agent) runMetricsCycle(ctx context.Context) {
	a.runProbes(ctx, a.metricProbes)
}

func (a *Agent) runProbes(ctx context.Context, probes []Probe) {
	for _, probe := range probes {
		if ctx.Err() != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
		start := time.Now()
		result := probe.Check(probeCtx)
		cancel()
		metrics.ObserveProbe(probe.Name(), time.Since(start))
		a.handleResult(ctx, probe, result)
	}
}

func (a *Agent) handleResult(ctx context.Context, probe Probe, result ProbeResult) {
	if result.Healthy && result.Metric != "" && a.recorder != nil {
		a.recorder.Record(result.Metric, result.Value, telemetry.RecordOpts{
			Unit:      result.Unit,
			Component: result.Target,
		})
	}

	a.mu.Lock()
	prev := a.status[result.Target]
	health := models.TargetHealth{
		Target:    result.Target,
		Kind:      probe.Kind(),
		LatencyMS: float64(result.Latency.Microseconds()) / 1000,
		Message:   result.Message,
		CheckedAt: a.now(),
	}
	switch {
	case !result.Healthy:
		health.State = models.HealthCritical
		health.ConsecutiveFails = prev.ConsecutiveFails + 1
	case result.AlertType != "":
		health.State = models.HealthDegraded
	default:
		health.State = models.HealthHealthy
	}
	a.status[result.Target] = health
	a.mu.Unlock()

	if result.AlertType == "" || a.alerter == nil {
		return
	}
	if _, err := a.alerter.Create(ctx, result.AlertType, alerting.CreateOpts{
		Component: result.Target,
		Message:   result.Message,
		Threshold: result.Threshold,
		Value:     result.Value,
	}); err != nil {
		a.logger.Warn("alert creation failed",
			slog.String("target", result.Target),
			slog.String("type", result.AlertType),
			slog.Any("error", err))
	}
}

// rollup recomputes the overall health state and publishes it on change.
func (a *Agent) rollup(ctx context.Context) {
	summary := a.Snapshot()

	a.mu.Lock()
	changed := summary.Overall != a.lastOverall
	a.lastOverall = summary.Overall
	a.mu.Unlock()
	if !changed {
		return
	}

	a.logger.Info("overall health changed", slog.String("state", string(summary.Overall)))
	if a.publisher != nil {
		a.publisher.Publish(models.ChannelHealth, summary)
	}
	if a.sink != nil {
		if err := a.sink.SaveHealth(ctx, summary); err != nil {
			a.logger.Warn("health rollup persist failed", slog.Any("error", err))
		}
	}
}

// Snapshot returns the current health rollup built from last-known statuses.
func (a *Agent) Snapshot() models.HealthSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	targets := make(map[string]models.TargetHealth, len(a.status))
	for name, health := range a.status {
		targets[name] = health
	}
	summary := models.HealthSummary{
		Targets:   targets,
		CheckedAt: a.now(),
	}
	summary.Overall = summary.WorstState()
	return summary
}

// BuildProbes assembles the health and metric probe sets from config. The
// cache probe is skipped when no provider is configured.
func BuildProbes(cfg config.MonitorConfig, store Pinger, provider cache.Provider) (health, metric []Probe) {
	if store != nil {
		health = append(health, &storeProbe{store: store, slow: cfg.Thresholds.DBSlow})
	}
	if provider != nil {
		health = append(health, &cacheProbe{provider: provider, slow: cfg.Thresholds.CacheSlow})
	}
	client := &http.Client{Timeout: cfg.ProbeTimeout}
	for _, ep := range cfg.Endpoints {
		slow := ep.Slow
		if slow <= 0 {
			slow = cfg.Thresholds.EndpointSlow
		}
		health = append(health, &endpointProbe{
			name:     ep.Name,
			url:      ep.URL,
			kind:     "endpoint",
			slow:     slow,
			downType: models.AlertTypeEndpointDown,
			slowType: models.AlertTypeEndpointSlow,
			metric:   "endpoint_latency_ms",
			client:   client,
		})
	}
	for _, dep := range cfg.Dependencies {
		health = append(health, &endpointProbe{
			name:     dep.Name,
			url:      dep.URL,
			kind:     "dependency",
			downType: models.AlertTypeDependencyDown,
			metric:   "dependency_latency_ms",
			client:   client,
		})
	}

	metric = append(metric,
		&cpuProbe{threshold: cfg.Thresholds.CPUPercent},
		&memoryProbe{threshold: cfg.Thresholds.MemoryPercent},
		&loadProbe{threshold: cfg.Thresholds.Load1},
		&diskProbe{threshold: cfg.Thresholds.DiskPercent},
		&heapProbe{limitMB: cfg.Thresholds.HeapLimitMB, threshold: cfg.Thresholds.HeapPercent},
	)
	return health, metric
}
