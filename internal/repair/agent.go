package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// repairLockPrefix namespaces distributed repair locks in the cache provider.
const repairLockPrefix = "sentinel:repair:"

// verifyPollInterval is how often verification re-reads the health rollup
// while waiting for a fresh probe of the repaired component.
const verifyPollInterval = 500 * time.Millisecond

// Subscriber is the slice of the event bus the agent consumes requests from.
type Subscriber interface {
	Subscribe(channel, name string, fn bus.Handler) string
	Unsubscribe(id string)
}

// Publisher emits repair outcomes.
type Publisher interface {
	Publish(channel string, payload any) models.Event
}

// HealthChecker exposes the monitor's latest health rollup for verification.
type HealthChecker interface {
	Snapshot() models.HealthSummary
}

// Resolver closes the originating alert after a verified repair.
type Resolver interface {
	Resolve(ctx context.Context, id string, opts alerting.ResolveOpts) (models.Alert, error)
}

// Persistence appends repair outcomes to the audit log.
type Persistence interface {
	AppendRepair(ctx context.Context, o models.RepairOutcome) error
}

// Agent executes allow-listed remediations with verification and rollback.
type Agent struct {
	cfg      config.RepairConfig
	allowed  map[models.FixType]bool
	handlers map[models.FixType]FixHandler
	checker  HealthChecker
	resolver Resolver
	store    Persistence
	provider cache.Provider
	bus      Subscriber
	pub      Publisher
	logger   *slog.Logger
	now      func() time.Time
	settle   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[string]struct{}

	runCtx context.Context
	cancel context.CancelFunc
	subID  string
	wg     sync.WaitGroup
}

// NewAgent wires the repair agent with the seven built-in handlers.
// maintainer, provider, checker, and resolver may each be nil; the
// corresponding behaviour degrades explicitly.
func NewAgent(cfg config.RepairConfig, maintainer Maintainer, provider cache.Provider, store Persistence, checker HealthChecker, resolver Resolver, subscriber Subscriber, pub Publisher, logger *slog.Logger) *Agent {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = utils.ComponentLogger(logger, "repair")

	allowed := make(map[models.FixType]bool, len(cfg.AllowedFixTypes))
	for _, s := range cfg.AllowedFixTypes {
		allowed[models.FixType(strings.ToUpper(strings.TrimSpace(s)))] = true
	}
	return &Agent{
		cfg:      cfg,
		allowed:  allowed,
		handlers: builtinHandlers(maintainer, provider, logger),
		checker:  checker,
		resolver: resolver,
		store:    store,
		provider: provider,
		bus:      subscriber,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		settle:   waitSettle,
		inFlight: make(map[string]struct{}),
	}
}

// Register swaps in a handler for a fix type. Call before Start.
func (a *Agent) Register(fixType models.FixType, h FixHandler) {
	a.handlers[fixType] = h
}

// Name identifies the agent to the runner.
func (a *Agent) Name() string { return "repair" }

// Start subscribes to the repair request channel.
func (a *Agent) Start(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Info("repair agent disabled")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel
	a.subID = a.bus.Subscribe(models.ChannelRepairRequests, a.Name(), func(ev models.Event) {
		req, err := bus.DecodePayload[models.RepairRequest](ev)
		if err != nil {
			a.logger.Warn("decode repair request", slog.Any("error", err))
			return
		}
		a.dispatch(runCtx, req)
	})
	return nil
}

// Stop drains in-flight repairs within the grace period, then cancels any
// that remain.
func (a *Agent) Stop(ctx context.Context) error {
	if a.subID != "" {
		a.bus.Unsubscribe(a.subID)
		a.subID = ""
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(a.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.logger.Warn("repair drain timed out, cancelling in-flight repairs")
	case <-ctx.Done():
	}
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// InFlight reports how many repairs are currently executing.
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

// dispatch validates a request and launches its repair. Disallowed or
// duplicate requests are logged and skipped without raising alerts.
func (a *Agent) dispatch(ctx context.Context, req models.RepairRequest) {
	fixType := req.Diagnosis.FixType
	if !a.allowed[fixType] {
		a.logger.Warn("repair skipped",
			slog.String("alert_id", req.AlertID),
			slog.String("fix_type", string(fixType)),
			slog.Any("error", utils.ErrRepairNotAllowed))
		return
	}
	handler, ok := a.handlers[fixType]
	if !ok {
		a.logger.Warn("no handler registered",
			slog.String("alert_id", req.AlertID),
			slog.String("fix_type", string(fixType)))
		return
	}

	a.mu.Lock()
	if _, busy := a.inFlight[req.AlertID]; busy {
		a.mu.Unlock()
		a.logger.Debug("repair already in flight", slog.String("alert_id", req.AlertID))
		return
	}
	a.inFlight[req.AlertID] = struct{}{}
	a.mu.Unlock()

	if !a.acquireLock(ctx, req) {
		a.release(req.AlertID)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(req.AlertID)
		a.execute(ctx, req, handler)
	}()
}

// acquireLock takes the best-effort distributed repair lock. Lock errors are
// tolerated; a held lock is not.
func (a *Agent) acquireLock(ctx context.Context, req models.RepairRequest) bool {
	if a.provider == nil {
		return true
	}
	ok, err := a.provider.SetNX(ctx, repairLockPrefix+req.AlertID, []byte(req.ID), a.cfg.LockTTL)
	if err != nil {
		a.logger.Warn("repair lock", slog.String("alert_id", req.AlertID), slog.Any("error", err))
		return true
	}
	if !ok {
		a.logger.Debug("repair locked elsewhere", slog.String("alert_id", req.AlertID))
	}
	return ok
}

func (a *Agent) release(alertID string) {
	a.mu.Lock()
	delete(a.inFlight, alertID)
	a.mu.Unlock()
}

// execute runs one repair end to end: fix, settle, verify, roll back on
// verification failure, persist, resolve, publish.
func (a *Agent) execute(ctx context.Context, req models.RepairRequest, handler FixHandler) {
	d := req.Diagnosis
	started := a.now()
	plan := rollbackFor(d.FixType, d, a.logger)
	outcome := models.RepairOutcome{
		ID:           uuid.NewString(),
		AlertID:      req.AlertID,
		AlertType:    d.AlertType,
		Component:    d.Component,
		FixType:      d.FixType,
		Severity:     d.Severity,
		RollbackPlan: plan.description,
		StartedAt:    started,
	}

	result, err := handler.Execute(ctx, d)
	if err != nil {
		outcome.Error = err.Error()
		outcome.Verification = models.VerificationSkipped
	} else {
		outcome.Action = result.Action
		outcome.Verification, err = a.settleAndVerify(ctx, d.Component, started)
		switch {
		case err == nil:
			outcome.Success = true
		case outcome.Verification == models.VerificationFailed:
			outcome.Error = err.Error()
			a.rollback(ctx, plan, &outcome)
		default:
			outcome.Error = err.Error()
		}
	}

	finished := a.now()
	outcome.FinishedAt = finished
	outcome.DurationMS = finished.Sub(started).Milliseconds()
	metrics.ObserveRepair(finished.Sub(started), string(d.FixType), outcome.Success)

	if a.store != nil {
		if err := a.store.AppendRepair(ctx, outcome); err != nil {
			a.logger.Warn("persist repair outcome", slog.String("alert_id", req.AlertID), slog.Any("error", err))
		}
	}
	if outcome.Success {
		a.resolveAlert(ctx, req.AlertID, outcome)
	}
	a.pub.Publish(models.ChannelRepairCompleted, outcome)

	a.logger.Info("repair finished",
		slog.String("alert_id", req.AlertID),
		slog.String("fix_type", string(d.FixType)),
		slog.Bool("success", outcome.Success),
		slog.String("verification", outcome.Verification),
		slog.Int64("duration_ms", outcome.DurationMS))
}

// settleAndVerify waits for the fix to take effect and then checks the
// component against the monitor rollup.
func (a *Agent) settleAndVerify(ctx context.Context, component string, since time.Time) (string, error) {
	if err := a.settle(ctx, a.cfg.SettleDelay); err != nil {
		return models.VerificationSkipped, err
	}
	return a.verify(ctx, component, since)
}

// verify checks the component's health state, preferring a probe taken after
// the fix ran. An unmonitored component skips verification.
func (a *Agent) verify(ctx context.Context, component string, since time.Time) (string, error) {
	if a.checker == nil {
		return models.VerificationSkipped, nil
	}
	deadline := a.now().Add(a.cfg.VerifyTimeout)
	for {
		snap := a.checker.Snapshot()
		target, ok := snap.Targets[component]
		if !ok {
			return models.VerificationSkipped, nil
		}
		if target.CheckedAt.After(since) || !a.now().Before(deadline) {
			if target.State == models.HealthCritical {
				return models.VerificationFailed,
					fmt.Errorf("%s still critical after repair: %w", component, utils.ErrRepairVerificationFailed)
			}
			return models.VerificationPassed, nil
		}
		timer := time.NewTimer(verifyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.VerificationSkipped, ctx.Err()
		case <-timer.C:
		}
	}
}

// rollback executes the undo plan after failed verification.
func (a *Agent) rollback(ctx context.Context, plan rollbackPlan, outcome *models.RepairOutcome) {
	if plan.execute == nil {
		return
	}
	if err := plan.execute(ctx); err != nil {
		a.logger.Error("rollback failed",
			slog.String("alert_id", outcome.AlertID),
			slog.String("fix_type", string(outcome.FixType)),
			slog.Any("error", err))
		return
	}
	outcome.RolledBack = true
}

// resolveAlert closes the originating alert as auto-resolved.
func (a *Agent) resolveAlert(ctx context.Context, alertID string, outcome models.RepairOutcome) {
	if a.resolver == nil {
		return
	}
	_, err := a.resolver.Resolve(ctx, alertID, alerting.ResolveOpts{
		AutoResolved: true,
		Resolution:   outcome.Action,
	})
	if err != nil && !errors.Is(err, utils.ErrNotFound) {
		a.logger.Warn("auto-resolve alert", slog.String("alert_id", alertID), slog.Any("error", err))
	}
}

// waitSettle blocks for the settle delay unless the context ends first.
func waitSettle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
