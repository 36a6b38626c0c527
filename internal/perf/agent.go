package perf

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/stats"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

const (
	analysisWindow       = 30 * time.Minute
	memoryBaselineWindow = 2 * time.Hour
	minSamples           = 5
)

// Suggestion is one ranked performance finding.
type Suggestion struct {
	Area           string          `json:"area"`
	Severity       models.Severity `json:"severity"`
	Finding        string          `json:"finding"`
	Recommendation string          `json:"recommendation"`
	Impact         float64         `json:"impact"`
}

// Review is the outcome of one analysis pass, findings ranked by impact.
type Review struct {
	At          time.Time    `json:"at"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Telemetry is the slice of the metrics store the review reads.
type Telemetry interface {
	Stats(name string, opts telemetry.QueryOpts) (*models.SeriesStats, bool)
	Trend(name string, window time.Duration) models.Trend
}

// CacheStats reports lookup cache hits and misses.
type CacheStats interface {
	CacheStats() (hits, misses uint64)
}

// Agent periodically reviews telemetry for tuning opportunities. Read-only:
// it suggests, it never acts.
type Agent struct {
	cfg    config.PerfConfig
	tel    Telemetry
	cache  CacheStats
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	history []Review

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent wires the performance agent. cache may be nil, which skips the
// hit-rate analysis.
func NewAgent(cfg config.PerfConfig, tel Telemetry, cache CacheStats, logger *slog.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.SlowQuery <= 0 {
		cfg.SlowQuery = 100 * time.Millisecond
	}
	if cfg.MinHitRate <= 0 {
		cfg.MinHitRate = 0.8
	}
	if cfg.APIp99 <= 0 {
		cfg.APIp99 = 500 * time.Millisecond
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = 0.05
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 24
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:    cfg,
		tel:    tel,
		cache:  cache,
		logger: utils.ComponentLogger(logger, "perf"),
		now:    time.Now,
	}
}

// Name identifies the agent to the runner.
func (a *Agent) Name() string { return "perf" }

// Start begins the periodic review loop.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(runCtx)
	return nil
}

// Stop halts the review loop.
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
			a.RunPass()
		}
	}
}

// RunPass analyses the current window and records the review.
func (a *Agent) RunPass() Review {
	now := a.now().UTC()
	window := telemetry.QueryOpts{Start: now.Add(-analysisWindow), End: now}

	var suggestions []Suggestion
	suggestions = append(suggestions, a.analyzeQueries(window)...)
	suggestions = append(suggestions, a.analyzeCache()...)
	suggestions = append(suggestions, a.analyzeAPI(window)...)
	suggestions = append(suggestions, a.analyzeMemory(now)...)

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Impact > suggestions[j].Impact
	})
	review := Review{At: now, Suggestions: suggestions}

	a.mu.Lock()
	a.history = append(a.history, review)
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}
	a.mu.Unlock()

	if len(suggestions) == 0 {
		a.logger.Debug("performance review clean")
	} else {
		top := suggestions[0]
		a.logger.Info("performance review",
			slog.Int("findings", len(suggestions)),
			slog.String("top_area", top.Area),
			slog.String("top_finding", top.Finding),
			slog.Float64("top_impact", top.Impact))
	}
	return review
}

func (a *Agent) analyzeQueries(window telemetry.QueryOpts) []Suggestion {
	st, ok := a.tel.Stats("db_query_time", window)
	if !ok || st.Count < minSamples {
		return nil
	}
	slowMS := float64(a.cfg.SlowQuery.Milliseconds())
	if st.P95 <= slowMS {
		return nil
	}
	ratio := st.P95 / slowMS
	return []Suggestion{{
		Area:           "database",
		Severity:       severityForRatio(ratio),
		Finding:        fmt.Sprintf("p95 query time %.0fms exceeds the %.0fms slow-query threshold", st.P95, slowMS),
		Recommendation: "add or rebuild indexes on the hottest query paths and review connection pool sizing",
		Impact:         impactForRatio(ratio),
	}}
}

func (a *Agent) analyzeCache() []Suggestion {
	if a.cache == nil {
		return nil
	}
	hits, misses := a.cache.CacheStats()
	total := hits + misses
	if total < minSamples {
		return nil
	}
	rate := float64(hits) / float64(total)
	if rate >= a.cfg.MinHitRate {
		return nil
	}
	gap := (a.cfg.MinHitRate - rate) / a.cfg.MinHitRate
	return []Suggestion{{
		Area:           "cache",
		Severity:       severityForRatio(1 + gap),
		Finding:        fmt.Sprintf("cache hit rate %.0f%% is below the %.0f%% target", rate*100, a.cfg.MinHitRate*100),
		Recommendation: "lengthen cache TTLs or pre-warm hot entries to cut repeated lookups",
		Impact:         stats.Clamp(gap, 0, 1),
	}}
}

func (a *Agent) analyzeAPI(window telemetry.QueryOpts) []Suggestion {
	var out []Suggestion
	if st, ok := a.tel.Stats("api_latency_ms", window); ok && st.Count >= minSamples {
		p99MS := float64(a.cfg.APIp99.Milliseconds())
		if st.P99 > p99MS {
			ratio := st.P99 / p99MS
			out = append(out, Suggestion{
				Area:           "api",
				Severity:       severityForRatio(ratio),
				Finding:        fmt.Sprintf("p99 request latency %.0fms exceeds the %.0fms budget", st.P99, p99MS),
				Recommendation: "profile the slowest handlers and move blocking work off the request path",
				Impact:         impactForRatio(ratio),
			})
		}
	}
	if st, ok := a.tel.Stats("api_errors", window); ok && st.Count >= minSamples {
		if st.Avg > a.cfg.MaxErrorRate {
			ratio := st.Avg / a.cfg.MaxErrorRate
			out = append(out, Suggestion{
				Area:           "api",
				Severity:       severityForRatio(ratio),
				Finding:        fmt.Sprintf("request error rate %.1f%% exceeds the %.1f%% budget", st.Avg*100, a.cfg.MaxErrorRate*100),
				Recommendation: "inspect recent 5xx responses and add retries or circuit breaking around failing dependencies",
				Impact:         impactForRatio(ratio),
			})
		}
	}
	return out
}

func (a *Agent) analyzeMemory(now time.Time) []Suggestion {
	if a.tel.Trend("heap_usage_percent", analysisWindow) != models.TrendIncreasing {
		return nil
	}
	baseline, ok := a.tel.Stats("heap_usage_percent", telemetry.QueryOpts{
		Start: now.Add(-memoryBaselineWindow),
		End:   now,
	})
	if !ok || baseline.Count < minSamples*2 || baseline.StdDev == 0 {
		return nil
	}
	recent, ok := a.tel.Stats("heap_usage_percent", telemetry.QueryOpts{
		Start: now.Add(-analysisWindow),
		End:   now,
	})
	if !ok || recent.Count < minSamples {
		return nil
	}
	z := stats.ZScore(recent.Avg, baseline.Avg, baseline.StdDev)
	if z < 2 {
		return nil
	}
	return []Suggestion{{
		Area:           "memory",
		Severity:       severityForRatio(z / 2),
		Finding:        fmt.Sprintf("heap usage is rising, recent mean %.1f%% sits %.1f standard deviations above baseline", recent.Avg, z),
		Recommendation: "capture a heap profile and look for growing caches or unbounded buffers",
		Impact:         stats.Clamp(z/4, 0, 1),
	}}
}

func severityForRatio(ratio float64) models.Severity {
	switch {
	case ratio >= 2:
		return models.SeverityHigh
	case ratio >= 1.25:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func impactForRatio(ratio float64) float64 {
	return stats.Clamp(ratio-1, 0, 1)
}

// Latest returns the most recent review.
func (a *Agent) Latest() (Review, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.history) == 0 {
		return Review{}, false
	}
	return a.history[len(a.history)-1], true
}

// History returns retained reviews, oldest first.
func (a *Agent) History() []Review {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Review, len(a.history))
	copy(out, a.history)
	return out
}

// Detail reports review counts for the agent status endpoint.
func (a *Agent) Detail() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	findings := 0
	if len(a.history) > 0 {
		findings = len(a.history[len(a.history)-1].Suggestions)
	}
	return map[string]any{"reviews": len(a.history), "lastFindings": findings}
}
