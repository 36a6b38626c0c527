package predict

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/stats"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// forecast is one entry in the fixed prediction battery.
type forecast struct {
	issueType string
	metric    string
	component string
	threshold float64
	issue     string
	action    string
	severity  models.Severity
}

// battery resolves the four stock forecasts against configured thresholds.
func battery(cfg config.PredictConfig) []forecast {
	return []forecast{
		{
			issueType: "MEMORY_LEAK",
			metric:    "heap_usage_percent",
			component: "memory",
			threshold: cfg.HeapPercent,
			issue:     "process heap usage is trending toward exhaustion",
			action:    "schedule a memory cleanup or rolling restart before the heap saturates",
			severity:  models.SeverityMedium,
		},
		{
			issueType: "DB_DEGRADATION",
			metric:    "db_query_time",
			component: "database",
			threshold: cfg.DBQueryMS,
			issue:     "datastore query time is trending toward the slow-query threshold",
			action:    "review index health and connection pool sizing before queries degrade",
			severity:  models.SeverityMedium,
		},
		{
			issueType: "DISK_FULL",
			metric:    "disk_usage_percent",
			component: "disk",
			threshold: cfg.DiskPercent,
			issue:     "disk usage is trending toward capacity",
			action:    "expand storage or prune old data before the disk fills",
			severity:  models.SeverityMedium,
		},
		{
			issueType: "CPU_SATURATION",
			metric:    "cpu_usage_percent",
			component: "cpu",
			threshold: cfg.CPUPercent,
			issue:     "cpu usage is trending toward saturation",
			action:    "tighten rate limits or scale out before the cpu saturates",
			severity:  models.SeverityLow,
		},
	}
}

// Telemetry is the slice of the metrics store forecasts read from.
type Telemetry interface {
	Query(name string, opts telemetry.QueryOpts) []models.MetricSample
}

// Persistence stores predictions and their eventual outcomes.
type Persistence interface {
	SavePrediction(ctx context.Context, p models.Prediction) error
}

// Publisher emits predictions on the event bus.
type Publisher interface {
	Publish(channel string, payload any) models.Event
}

// Alerter raises proactive alerts for high-confidence forecasts.
type Alerter interface {
	Create(ctx context.Context, alertType string, opts alerting.CreateOpts) (models.Alert, error)
}

// Agent extrapolates recent metric trends and forecasts threshold breaches.
// It never mutates running state; its only action is raising an alert.
type Agent struct {
	cfg       config.PredictConfig
	battery   []forecast
	telemetry Telemetry
	store     Persistence
	pub       Publisher
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	active map[string]models.Prediction

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent wires the predictive agent. store and alerter may be nil.
func NewAgent(cfg config.PredictConfig, tel Telemetry, store Persistence, pub Publisher, alerter Alerter, logger *slog.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 3 * time.Hour
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = 10
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * time.Hour
	}
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = 0.7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:       cfg,
		battery:   battery(cfg),
		telemetry: tel,
		store:     store,
		pub:       pub,
		alerter:   alerter,
		logger:    utils.ComponentLogger(logger, "predict"),
		now:       time.Now,
		active:    make(map[string]models.Prediction),
	}
}

// Name identifies the agent to the runner.
func (a *Agent) Name() string { return "predict" }

// Start begins the periodic forecast loop.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(runCtx)
	return nil
}

// Stop halts the forecast loop.
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

func (a *Agent) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunPass(ctx)
		}
	}
}

// RunPass evaluates the whole battery once.
func (a *Agent) RunPass(ctx context.Context) {
	end := a.now().UTC()
	a.expireStale(ctx, end)
	for _, f := range a.battery {
		p, ok := a.evaluate(f, end)
		if !ok {
			continue
		}
		a.issue(ctx, f, p)
	}
}

// evaluate fits a trend line over the lookback window and extrapolates the
// time to threshold.
func (a *Agent) evaluate(f forecast, end time.Time) (models.Prediction, bool) {
	samples := a.telemetry.Query(f.metric, telemetry.QueryOpts{
		Start: end.Add(-a.cfg.Lookback),
		End:   end,
	})
	if len(samples) < a.cfg.MinPoints {
		return models.Prediction{}, false
	}

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	base := samples[0].Timestamp
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(base).Seconds()
		ys[i] = s.Value
	}
	reg, ok := stats.FitLine(xs, ys)
	if !ok || reg.Slope <= 0 {
		return models.Prediction{}, false
	}

	current := ys[len(ys)-1]
	if current >= f.threshold {
		// already breached; that belongs to the monitor, not a forecast
		return models.Prediction{}, false
	}
	secondsTo := (f.threshold - current) / reg.Slope
	eta := time.Duration(secondsTo * float64(time.Second))
	if eta <= 0 || eta > a.cfg.Horizon {
		return models.Prediction{}, false
	}

	sufficiency := math.Min(1, float64(len(samples))/float64(a.cfg.MinPoints*2))
	return models.Prediction{
		ID:            uuid.NewString(),
		Type:          f.issueType,
		Issue:         f.issue,
		Metric:        f.metric,
		Current:       current,
		Threshold:     f.threshold,
		GrowthPerSec:  reg.Slope,
		PredictedTime: end.Add(eta),
		Confidence:    stats.Clamp(reg.R2*sufficiency, 0, 1),
		Severity:      f.severity,
		DataPoints:    len(samples),
		CreatedAt:     end,
	}, true
}

// issue supersedes the previous standing forecast of the same type, raises a
// proactive alert when confidence is high, then persists and publishes.
func (a *Agent) issue(ctx context.Context, f forecast, p models.Prediction) {
	a.mu.Lock()
	prev, had := a.active[p.Type]
	a.mu.Unlock()
	if had {
		prev.Outcome = models.PredictionSuperseded
		a.save(ctx, prev)
	}

	if p.Confidence >= a.cfg.HighConfidence {
		p.ActionTaken = true
		p.ProactiveAction = f.action
		a.raiseAlert(ctx, f, p)
	}

	a.mu.Lock()
	a.active[p.Type] = p
	a.mu.Unlock()

	a.save(ctx, p)
	a.pub.Publish(models.ChannelPredictions, p)
	metrics.IncPrediction(p.Type)
	a.logger.Info("prediction issued",
		slog.String("type", p.Type),
		slog.String("metric", p.Metric),
		slog.Float64("current", p.Current),
		slog.Float64("threshold", p.Threshold),
		slog.Time("predicted_time", p.PredictedTime),
		slog.Float64("confidence", p.Confidence))
}

func (a *Agent) raiseAlert(ctx context.Context, f forecast, p models.Prediction) {
	if a.alerter == nil {
		return
	}
	eta := utils.RoundDuration(p.PredictedTime.Sub(p.CreatedAt))
	_, err := a.alerter.Create(ctx, "PREDICTED_"+p.Type, alerting.CreateOpts{
		Component: f.component,
		Message: fmt.Sprintf("%s: %s expected to reach %.0f within %s (confidence %.2f)",
			p.Issue, p.Metric, p.Threshold, eta, p.Confidence),
		Severity:  p.Severity,
		Threshold: p.Threshold,
		Value:     p.Current,
		Metadata: map[string]any{
			"predictionId":    p.ID,
			"predictedTime":   p.PredictedTime,
			"growthPerSec":    p.GrowthPerSec,
			"proactiveAction": p.ProactiveAction,
		},
	})
	if err != nil {
		a.logger.Warn("proactive alert", slog.String("type", p.Type), slog.Any("error", err))
	}
}

// expireStale retires standing forecasts whose predicted time has passed.
func (a *Agent) expireStale(ctx context.Context, now time.Time) {
	a.mu.Lock()
	var expired []models.Prediction
	for typ, p := range a.active {
		if now.After(p.PredictedTime) {
			p.Outcome = models.PredictionExpired
			expired = append(expired, p)
			delete(a.active, typ)
		}
	}
	a.mu.Unlock()
	for _, p := range expired {
		a.save(ctx, p)
	}
}

func (a *Agent) save(ctx context.Context, p models.Prediction) {
	if a.store == nil {
		return
	}
	if err := a.store.SavePrediction(ctx, p); err != nil {
		a.logger.Warn("persist prediction", slog.String("type", p.Type), slog.Any("error", err))
	}
}

// Active returns standing forecasts ordered by soonest predicted breach.
func (a *Agent) Active() []models.Prediction {
	a.mu.RLock()
	out := make([]models.Prediction, 0, len(a.active))
	for _, p := range a.active {
		out = append(out, p)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].PredictedTime.Before(out[j].PredictedTime)
	})
	return out
}

// Detail reports forecast counts for the agent status endpoint.
func (a *Agent) Detail() map[string]any {
	a.mu.RLock()
	n := len(a.active)
	a.mu.RUnlock()
	return map[string]any{"active": n, "battery": len(a.battery)}
}
