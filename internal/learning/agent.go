package learning

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
	"github.com/miradorstack/mirador-sentinel/pkg/expiring"
)

// pendingTTL bounds how long a diagnosis waits to be joined with its repair
// outcome before it is forgotten.
const pendingTTL = 30 * time.Minute

// SymptomHash derives the deterministic pattern key for a symptom signature.
func SymptomHash(alertType, component string, fixType models.FixType, severity models.Severity) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", alertType, component, fixType, severity)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Persistence is the slice of the state store patterns survive restarts in.
type Persistence interface {
	UpsertPattern(ctx context.Context, p models.Pattern) error
	ListPatterns(ctx context.Context) ([]models.Pattern, error)
	DeletePattern(ctx context.Context, hash string) error
}

// Subscriber is the slice of the event bus the agent consumes.
type Subscriber interface {
	Subscribe(channel, name string, fn bus.Handler) string
	Unsubscribe(id string)
}

// Agent accumulates repair outcomes into per-symptom patterns and promotes
// proven ones to auto-fix.
type Agent struct {
	cfg    config.LearningConfig
	store  Persistence
	bus    Subscriber
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	patterns map[string]*models.Pattern

	// pending joins a diagnosis onto the repair outcome that follows it,
	// keyed by alert id.
	pending *expiring.Map[string, models.Diagnosis]

	cancel context.CancelFunc
	subs   []string
	wg     sync.WaitGroup
}

// NewAgent wires the learning agent. store may be nil for purely in-memory
// operation.
func NewAgent(cfg config.LearningConfig, store Persistence, subscriber Subscriber, logger *slog.Logger) *Agent {
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = 0.7
	}
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = 3
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = 0.8
	}
	if cfg.PatternExpiry <= 0 {
		cfg.PatternExpiry = 30 * 24 * time.Hour
	}
	if cfg.ConsolidationInterval <= 0 {
		cfg.ConsolidationInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		store:    store,
		bus:      subscriber,
		logger:   utils.ComponentLogger(logger, "learning"),
		now:      time.Now,
		patterns: make(map[string]*models.Pattern),
		pending:  expiring.New[string, models.Diagnosis](),
	}
}

// Name identifies the agent to the runner.
func (a *Agent) Name() string { return "learning" }

// Restore loads persisted patterns into memory. Call before Start.
func (a *Agent) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	pats, err := a.store.ListPatterns(ctx)
	if err != nil {
		return fmt.Errorf("restore patterns: %w", err)
	}
	a.mu.Lock()
	for i := range pats {
		p := pats[i]
		a.patterns[p.Hash] = &p
	}
	n := len(a.patterns)
	a.mu.Unlock()
	metrics.SetPatternsTracked(n)
	if n > 0 {
		a.logger.Info("patterns restored", slog.Int("count", n))
	}
	return nil
}

// Start subscribes to diagnosis and repair outcome channels and begins the
// consolidation loop.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.subs = append(a.subs,
		a.bus.Subscribe(models.ChannelDiagnoses, a.Name(), func(ev models.Event) {
			d, err := bus.DecodePayload[models.Diagnosis](ev)
			if err != nil {
				a.logger.Warn("decode diagnosis", slog.Any("error", err))
				return
			}
			a.Observe(d)
		}),
		a.bus.Subscribe(models.ChannelRepairCompleted, a.Name(), func(ev models.Event) {
			o, err := bus.DecodePayload[models.RepairOutcome](ev)
			if err != nil {
				a.logger.Warn("decode repair outcome", slog.Any("error", err))
				return
			}
			a.Record(o)
		}),
	)
	a.wg.Add(1)
	go a.consolidationLoop(runCtx)
	return nil
}

// Stop unsubscribes, flushes patterns one last time, and waits for the loop.
func (a *Agent) Stop(ctx context.Context) error {
	for _, id := range a.subs {
		a.bus.Unsubscribe(id)
	}
	a.subs = nil
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

// Observe remembers a diagnosis so its root cause and suggested fix can be
// attached to the pattern once the repair outcome arrives.
func (a *Agent) Observe(d models.Diagnosis) {
	if d.AlertID == "" {
		return
	}
	a.pending.Set(d.AlertID, d, pendingTTL)
}

// Record folds one repair outcome into its pattern and reports the updated
// pattern. Promotion to auto-fix is one-way.
func (a *Agent) Record(o models.RepairOutcome) models.Pattern {
	hash := SymptomHash(o.AlertType, o.Component, o.FixType, o.Severity)
	d, hasDiagnosis := a.pending.Get(o.AlertID)
	now := a.now().UTC()

	a.mu.Lock()
	p, ok := a.patterns[hash]
	if !ok {
		p = &models.Pattern{
			Hash:      hash,
			AlertType: o.AlertType,
			Component: o.Component,
			FixType:   o.FixType,
			Severity:  o.Severity,
			CreatedAt: now,
		}
		a.patterns[hash] = p
	}
	p.Occurrences++
	if o.Success {
		p.Successes++
		p.AvgFixTimeMS += (o.DurationMS - p.AvgFixTimeMS) / int64(p.Successes)
	} else {
		p.Failures++
	}
	if total := p.Successes + p.Failures; total > 0 {
		p.SuccessRate = float64(p.Successes) / float64(total)
	}
	if hasDiagnosis {
		if d.RootCause != "" {
			p.RootCause = d.RootCause
		}
		if d.SuggestedFix != "" {
			p.Solution = d.SuggestedFix
		}
	}
	if p.Solution == "" && o.Action != "" {
		p.Solution = o.Action
	}
	p.LastAppliedAt = o.FinishedAt
	if p.LastAppliedAt.IsZero() {
		p.LastAppliedAt = now
	}
	p.UpdatedAt = now
	if !p.AutoFixEnabled && p.SuccessRate >= a.cfg.MinSuccessRate && p.Successes >= a.cfg.MinOccurrences {
		p.AutoFixEnabled = true
		a.logger.Info("pattern promoted to auto-fix",
			slog.String("hash", hash),
			slog.String("alert_type", p.AlertType),
			slog.String("component", p.Component),
			slog.Float64("success_rate", p.SuccessRate),
			slog.Int("successes", p.Successes))
	}
	out := *p
	n := len(a.patterns)
	a.mu.Unlock()

	metrics.SetPatternsTracked(n)
	return out
}

// Match looks up a pattern for a full symptom signature: exact hash first,
// then fuzzy over same alert and fix type with a proven success rate.
func (a *Agent) Match(alertType, component string, fixType models.FixType, severity models.Severity) (models.Pattern, bool) {
	hash := SymptomHash(alertType, component, fixType, severity)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.patterns[hash]; ok {
		return *p, true
	}
	var best *models.Pattern
	for _, p := range a.patterns {
		if p.AlertType != alertType || p.FixType != fixType {
			continue
		}
		if p.SuccessRate < a.cfg.FuzzyThreshold {
			continue
		}
		if best == nil || p.SuccessRate > best.SuccessRate {
			best = p
		}
	}
	if best != nil {
		return *best, true
	}
	return models.Pattern{}, false
}

// BestMatch finds an auto-fix-ready pattern for an alert before any reasoning
// has picked a fix type. Exact component matches win over fuzzy ones; a
// matching severity wins within each group.
func (a *Agent) BestMatch(alertType, component string, severity models.Severity) (models.Pattern, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	better := func(p, cur *models.Pattern) bool {
		if cur == nil {
			return true
		}
		pm, cm := p.Severity == severity, cur.Severity == severity
		if pm != cm {
			return pm
		}
		return p.SuccessRate > cur.SuccessRate
	}

	var exact, fuzzy *models.Pattern
	for _, p := range a.patterns {
		if !p.AutoFixEnabled || p.AlertType != alertType {
			continue
		}
		if p.Component == component {
			if better(p, exact) {
				exact = p
			}
		} else if p.SuccessRate >= a.cfg.FuzzyThreshold {
			if better(p, fuzzy) {
				fuzzy = p
			}
		}
	}
	if exact != nil {
		return *exact, true
	}
	if fuzzy != nil {
		return *fuzzy, true
	}
	return models.Pattern{}, false
}

// Patterns returns tracked patterns sorted by most recently updated.
func (a *Agent) Patterns() []models.Pattern {
	a.mu.RLock()
	out := make([]models.Pattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		out = append(out, *p)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Detail reports pattern counts for the agent status endpoint.
func (a *Agent) Detail() map[string]any {
	a.mu.RLock()
	n := len(a.patterns)
	auto := 0
	for _, p := range a.patterns {
		if p.AutoFixEnabled {
			auto++
		}
	}
	a.mu.RUnlock()
	return map[string]any{"patterns": n, "autoFixEnabled": auto}
}

func (a *Agent) consolidationLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.ConsolidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Consolidate(flushCtx); err != nil {
				a.logger.Warn("final consolidation", slog.Any("error", err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Consolidate(ctx); err != nil {
				a.logger.Warn("consolidation", slog.Any("error", err))
			}
		}
	}
}

// Consolidate persists every tracked pattern and prunes entries that are both
// stale and weak.
func (a *Agent) Consolidate(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.cfg.PatternExpiry)
	snapshot := a.Patterns()

	var firstErr error
	pruned := 0
	for _, p := range snapshot {
		if p.UpdatedAt.Before(cutoff) && p.SuccessRate < 0.5 {
			a.mu.Lock()
			delete(a.patterns, p.Hash)
			a.mu.Unlock()
			if a.store != nil {
				if err := a.store.DeletePattern(ctx, p.Hash); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("prune pattern %s: %w", p.Hash, err)
				}
			}
			pruned++
			continue
		}
		if a.store != nil {
			if err := a.store.UpsertPattern(ctx, p); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("persist pattern %s: %w", p.Hash, err)
			}
		}
	}

	a.mu.RLock()
	n := len(a.patterns)
	a.mu.RUnlock()
	metrics.SetPatternsTracked(n)
	purged := a.pending.Purge()
	a.logger.Debug("patterns consolidated",
		slog.Int("tracked", n),
		slog.Int("pruned", pruned),
		slog.Int("pending_purged", purged))
	return firstErr
}
