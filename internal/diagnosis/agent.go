package diagnosis

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
	"github.com/miradorstack/mirador-sentinel/pkg/expiring"
)

// Subscriber is the slice of the event bus the agent consumes alerts from.
type Subscriber interface {
	Subscribe(channel, name string, fn bus.Handler) string
	Unsubscribe(id string)
}

// Publisher emits diagnoses and repair requests.
type Publisher interface {
	Publish(channel string, payload any) models.Event
}

// Alerter raises escalation alerts for low-confidence assessments.
type Alerter interface {
	Create(ctx context.Context, alertType string, opts alerting.CreateOpts) (models.Alert, error)
}

// Persistence stores diagnoses for audit.
type Persistence interface {
	SaveDiagnosis(ctx context.Context, d models.Diagnosis) error
}

// PatternSource asks the learning agent for a proven fix before reasoning.
type PatternSource interface {
	BestMatch(alertType, component string, severity models.Severity) (models.Pattern, bool)
}

// Agent consumes alerts and produces routed diagnoses.
type Agent struct {
	cfg      config.DiagnosisConfig
	floor    models.Severity
	skip     map[string]struct{}
	reasoner Reasoner
	gatherer *Gatherer
	patterns PatternSource
	store    Persistence
	bus      Subscriber
	pub      Publisher
	alerter  Alerter
	logger   *slog.Logger
	now      func() time.Time

	cache     *expiring.Map[string, models.Diagnosis]
	cacheHits atomic.Uint64
	cacheMiss atomic.Uint64

	runCtx context.Context
	cancel context.CancelFunc
	subID  string
}

// NewAgent wires the diagnostic agent. patterns may be nil (no learning
// short-circuit); gatherer sources may be nil.
func NewAgent(cfg config.DiagnosisConfig, reasoner Reasoner, gatherer *Gatherer, patterns PatternSource, store Persistence, subscriber Subscriber, pub Publisher, alerter Alerter, logger *slog.Logger) *Agent {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.AutoFixConfidence <= 0 {
		cfg.AutoFixConfidence = 0.8
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 0.5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		floor:    models.ParseSeverity(cfg.SeverityFloor),
		skip:     map[string]struct{}{models.AlertTypeDiagnosisEscalation: {}},
		reasoner: reasoner,
		gatherer: gatherer,
		patterns: patterns,
		store:    store,
		bus:      subscriber,
		pub:      pub,
		alerter:  alerter,
		logger:   utils.ComponentLogger(logger, "diagnosis"),
		now:      time.Now,
		cache:    expiring.New[string, models.Diagnosis](),
	}
}

// Name identifies the agent to the runner.
func (a *Agent) Name() string { return "diagnosis" }

// Start subscribes to the alert channel.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel
	a.subID = a.bus.Subscribe(models.ChannelAlerts, a.Name(), func(ev models.Event) {
		alert, err := bus.DecodePayload[models.Alert](ev)
		if err != nil {
			a.logger.Warn("decode alert event", slog.Any("error", err))
			return
		}
		a.handleAlert(runCtx, alert)
	})
	return nil
}

// Stop unsubscribes and cancels in-flight reasoning.
func (a *Agent) Stop(ctx context.Context) error {
	if a.subID != "" {
		a.bus.Unsubscribe(a.subID)
		a.subID = ""
	}
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// CacheStats reports symptom-cache hits and misses since start.
func (a *Agent) CacheStats() (hits, misses uint64) {
	return a.cacheHits.Load(), a.cacheMiss.Load()
}

// handleAlert runs the full diagnose-and-route flow for one alert.
func (a *Agent) handleAlert(ctx context.Context, alert models.Alert) {
	if ctx.Err() != nil {
		return
	}
	if !alert.Severity.AtLeast(a.floor) {
		return
	}
	if _, skip := a.skip[alert.Type]; skip {
		return
	}

	key := symptomKey(alert.Type, alert.Component)
	if cached, ok := a.cache.Get(key); ok {
		a.cacheHits.Add(1)
		a.logger.Debug("diagnosis served from cache",
			slog.String("alert_type", alert.Type),
			slog.String("component", alert.Component),
			slog.String("diagnosis_id", cached.ID))
		return
	}
	a.cacheMiss.Add(1)

	started := a.now()
	d, err := a.diagnose(ctx, alert)
	if err != nil {
		a.logger.Error("diagnose alert",
			slog.String("alert_id", alert.ID),
			slog.String("alert_type", alert.Type),
			slog.Any("error", err))
		return
	}
	metrics.ObserveDiagnosis(a.now().Sub(started), d.DiagnosedBy)

	if a.store != nil {
		if err := a.store.SaveDiagnosis(ctx, d); err != nil {
			a.logger.Warn("persist diagnosis", slog.String("diagnosis_id", d.ID), slog.Any("error", err))
		}
	}
	a.cache.Set(key, d, a.cfg.CacheTTL)
	a.pub.Publish(models.ChannelDiagnoses, d)

	a.logger.Info("alert diagnosed",
		slog.String("alert_type", alert.Type),
		slog.String("component", alert.Component),
		slog.String("fix_type", string(d.FixType)),
		slog.Float64("confidence", d.Confidence),
		slog.String("diagnosed_by", d.DiagnosedBy))

	a.route(ctx, alert, d)
}

// diagnose prefers a proven learned pattern and otherwise runs the reasoner
// chain over gathered evidence.
func (a *Agent) diagnose(ctx context.Context, alert models.Alert) (models.Diagnosis, error) {
	if a.patterns != nil {
		if p, ok := a.patterns.BestMatch(alert.Type, alert.Component, alert.Severity); ok {
			return a.diagnosisFromPattern(alert, p), nil
		}
	}
	var ev Evidence
	if a.gatherer != nil {
		ev = a.gatherer.Gather(ctx, alert)
	}
	return a.reasoner.Diagnose(ctx, alert, ev)
}

// diagnosisFromPattern converts an enabled learned pattern into a diagnosis.
func (a *Agent) diagnosisFromPattern(alert models.Alert, p models.Pattern) models.Diagnosis {
	rootCause := p.RootCause
	if rootCause == "" {
		rootCause = fmt.Sprintf("recurring %s on %s with a proven remediation", p.AlertType, p.Component)
	}
	solution := p.Solution
	if solution == "" {
		solution = fmt.Sprintf("apply %s as in %d previous successful repairs", p.FixType, p.Successes)
	}
	return models.Diagnosis{
		ID:           uuid.NewString(),
		AlertID:      alert.ID,
		AlertType:    alert.Type,
		Component:    alert.Component,
		Severity:     alert.Severity,
		RootCause:    rootCause,
		Confidence:   clampConfidence(p.SuccessRate),
		SuggestedFix: solution,
		FixType:      p.FixType,
		AutoFixable:  p.AutoFixEnabled,
		DiagnosedBy:  models.DiagnosedByPattern,
		Evidence: []string{fmt.Sprintf("pattern %s: %d/%d successful, avg fix %dms",
			p.Hash, p.Successes, p.Occurrences, p.AvgFixTimeMS)},
		CreatedAt: a.now().UTC(),
	}
}

// route forwards a diagnosis to repair when it clears the auto-fix bar and
// escalates to an operator when confidence is too low to act.
func (a *Agent) route(ctx context.Context, alert models.Alert, d models.Diagnosis) {
	switch {
	case d.Confidence >= a.cfg.AutoFixConfidence && d.AutoFixable && d.FixType != models.FixNone:
		req := models.RepairRequest{
			ID:          uuid.NewString(),
			AlertID:     alert.ID,
			Diagnosis:   d,
			RequestedBy: a.Name(),
			CreatedAt:   a.now().UTC(),
		}
		a.pub.Publish(models.ChannelRepairRequests, req)
		a.logger.Info("repair requested",
			slog.String("alert_id", alert.ID),
			slog.String("fix_type", string(d.FixType)),
			slog.Float64("confidence", d.Confidence))
	case d.Confidence < a.cfg.EscalationThreshold:
		if a.alerter == nil {
			return
		}
		msg := fmt.Sprintf("diagnosis for %s on %s needs operator review (confidence %.2f)",
			alert.Type, alert.Component, d.Confidence)
		_, err := a.alerter.Create(ctx, models.AlertTypeDiagnosisEscalation, alerting.CreateOpts{
			Component: alert.Component,
			Message:   msg,
			Severity:  models.SeverityHigh,
			Metadata: map[string]any{
				"alertId":     alert.ID,
				"diagnosisId": d.ID,
				"confidence":  d.Confidence,
			},
		})
		if err != nil {
			a.logger.Warn("escalation alert", slog.Any("error", err))
		}
	}
}

// symptomKey hashes (type, component) so storms of one condition share a
// cache entry.
func symptomKey(alertType, component string) string {
	h := fnv.New64a()
	h.Write([]byte(alertType))
	h.Write([]byte{'|'})
	h.Write([]byte(component))
	return strconv.FormatUint(h.Sum64(), 16)
}
