package perf

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
)

type statsKey struct {
	name   string
	window time.Duration
}

type fakeTelemetry struct {
	stats    map[string]*models.SeriesStats
	byWindow map[statsKey]*models.SeriesStats
	trends   map[string]models.Trend
}

func (f *fakeTelemetry) Stats(name string, opts telemetry.QueryOpts) (*models.SeriesStats, bool) {
	if st, ok := f.byWindow[statsKey{name, opts.End.Sub(opts.Start)}]; ok {
		return st, true
	}
	if st, ok := f.stats[name]; ok {
		return st, true
	}
	return nil, false
}

func (f *fakeTelemetry) Trend(name string, _ time.Duration) models.Trend {
	if t, ok := f.trends[name]; ok {
		return t
	}
	return models.TrendUnknown
}

type fakeCacheStats struct {
	hits, misses uint64
}

func (f *fakeCacheStats) CacheStats() (uint64, uint64) { return f.hits, f.misses }

func testPerfConfig() config.PerfConfig {
	return config.PerfConfig{
		Interval:     time.Hour,
		SlowQuery:    100 * time.Millisecond,
		MinHitRate:   0.8,
		APIp99:       500 * time.Millisecond,
		MaxErrorRate: 0.05,
		HistorySize:  3,
	}
}

func newPerfAgent(tel *fakeTelemetry, cache CacheStats) *Agent {
	a := NewAgent(testPerfConfig(), tel, cache, nil)
	a.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestRunPassRanksFindingsByImpact(t *testing.T) {
	tel := &fakeTelemetry{stats: map[string]*models.SeriesStats{
		"db_query_time":  {Count: 20, P95: 300},
		"api_latency_ms": {Count: 20, P99: 600},
	}}
	a := newPerfAgent(tel, nil)

	review := a.RunPass()
	if len(review.Suggestions) != 2 {
		t.Fatalf("expected 2 findings, got %+v", review.Suggestions)
	}
	if review.Suggestions[0].Area != "database" {
		t.Fatalf("expected the database finding ranked first, got %q", review.Suggestions[0].Area)
	}
	if review.Suggestions[0].Severity != models.SeverityHigh {
		t.Fatalf("3x over threshold should be high severity, got %s", review.Suggestions[0].Severity)
	}
	if review.Suggestions[1].Severity != models.SeverityLow {
		t.Fatalf("1.2x over budget should be low severity, got %s", review.Suggestions[1].Severity)
	}
	if review.Suggestions[0].Impact <= review.Suggestions[1].Impact {
		t.Fatalf("ranking broken: %v vs %v", review.Suggestions[0].Impact, review.Suggestions[1].Impact)
	}
}

func TestAnalyzeQueriesBelowThresholdClean(t *testing.T) {
	tel := &fakeTelemetry{stats: map[string]*models.SeriesStats{
		"db_query_time": {Count: 20, P95: 80},
	}}
	a := newPerfAgent(tel, nil)

	review := a.RunPass()
	if len(review.Suggestions) != 0 {
		t.Fatalf("expected a clean review, got %+v", review.Suggestions)
	}
}

func TestAnalyzeQueriesNeedsSamples(t *testing.T) {
	tel := &fakeTelemetry{stats: map[string]*models.SeriesStats{
		"db_query_time": {Count: 3, P95: 900},
	}}
	a := newPerfAgent(tel, nil)

	review := a.RunPass()
	if len(review.Suggestions) != 0 {
		t.Fatalf("expected too few samples to be skipped, got %+v", review.Suggestions)
	}
}

func TestAnalyzeCacheHitRate(t *testing.T) {
	a := newPerfAgent(&fakeTelemetry{}, &fakeCacheStats{hits: 6, misses: 14})

	review := a.RunPass()
	if len(review.Suggestions) != 1 {
		t.Fatalf("expected 1 cache finding, got %+v", review.Suggestions)
	}
	s := review.Suggestions[0]
	if s.Area != "cache" || s.Severity != models.SeverityMedium {
		t.Fatalf("unexpected cache finding: %+v", s)
	}
	if s.Impact < 0.6 || s.Impact > 0.65 {
		t.Fatalf("expected impact near 0.625, got %v", s.Impact)
	}
}

func TestAnalyzeCacheHealthyOrMissing(t *testing.T) {
	a := newPerfAgent(&fakeTelemetry{}, &fakeCacheStats{hits: 90, misses: 10})
	if review := a.RunPass(); len(review.Suggestions) != 0 {
		t.Fatalf("healthy hit rate must be clean, got %+v", review.Suggestions)
	}

	a = newPerfAgent(&fakeTelemetry{}, &fakeCacheStats{hits: 1, misses: 1})
	if review := a.RunPass(); len(review.Suggestions) != 0 {
		t.Fatalf("too few lookups must be skipped, got %+v", review.Suggestions)
	}

	a = newPerfAgent(&fakeTelemetry{}, nil)
	if review := a.RunPass(); len(review.Suggestions) != 0 {
		t.Fatalf("missing cache source must be skipped, got %+v", review.Suggestions)
	}
}

func TestAnalyzeAPIErrorRate(t *testing.T) {
	tel := &fakeTelemetry{stats: map[string]*models.SeriesStats{
		"api_errors": {Count: 50, Avg: 0.12},
	}}
	a := newPerfAgent(tel, nil)

	review := a.RunPass()
	if len(review.Suggestions) != 1 {
		t.Fatalf("expected 1 api finding, got %+v", review.Suggestions)
	}
	s := review.Suggestions[0]
	if s.Area != "api" || s.Severity != models.SeverityHigh {
		t.Fatalf("unexpected api finding: %+v", s)
	}
	if s.Impact != 1 {
		t.Fatalf("2.4x over budget should clamp impact to 1, got %v", s.Impact)
	}
}

func TestAnalyzeMemoryLeakSignal(t *testing.T) {
	tel := &fakeTelemetry{
		byWindow: map[statsKey]*models.SeriesStats{
			{"heap_usage_percent", memoryBaselineWindow}: {Count: 20, Avg: 50, StdDev: 5},
			{"heap_usage_percent", analysisWindow}:       {Count: 10, Avg: 65},
		},
		trends: map[string]models.Trend{"heap_usage_percent": models.TrendIncreasing},
	}
	a := newPerfAgent(tel, nil)

	review := a.RunPass()
	if len(review.Suggestions) != 1 {
		t.Fatalf("expected 1 memory finding, got %+v", review.Suggestions)
	}
	s := review.Suggestions[0]
	if s.Area != "memory" || s.Severity != models.SeverityMedium {
		t.Fatalf("unexpected memory finding: %+v", s)
	}
	if s.Impact != 0.75 {
		t.Fatalf("z-score 3 should score 0.75 impact, got %v", s.Impact)
	}
}

func TestAnalyzeMemoryRequiresRisingTrend(t *testing.T) {
	tel := &fakeTelemetry{
		byWindow: map[statsKey]*models.SeriesStats{
			{"heap_usage_percent", memoryBaselineWindow}: {Count: 20, Avg: 50, StdDev: 5},
			{"heap_usage_percent", analysisWindow}:       {Count: 10, Avg: 65},
		},
		trends: map[string]models.Trend{"heap_usage_percent": models.TrendStable},
	}
	a := newPerfAgent(tel, nil)

	if review := a.RunPass(); len(review.Suggestions) != 0 {
		t.Fatalf("stable trend must be clean, got %+v", review.Suggestions)
	}
}

func TestAnalyzeMemoryRequiresSignificantShift(t *testing.T) {
	tel := &fakeTelemetry{
		byWindow: map[statsKey]*models.SeriesStats{
			{"heap_usage_percent", memoryBaselineWindow}: {Count: 20, Avg: 50, StdDev: 5},
			{"heap_usage_percent", analysisWindow}:       {Count: 10, Avg: 55},
		},
		trends: map[string]models.Trend{"heap_usage_percent": models.TrendIncreasing},
	}
	a := newPerfAgent(tel, nil)

	if review := a.RunPass(); len(review.Suggestions) != 0 {
		t.Fatalf("one standard deviation is noise, got %+v", review.Suggestions)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	a := newPerfAgent(&fakeTelemetry{}, nil)
	for i := 0; i < 5; i++ {
		a.RunPass()
	}
	if got := len(a.History()); got != 3 {
		t.Fatalf("expected history capped at 3, got %d", got)
	}
	if _, ok := a.Latest(); !ok {
		t.Fatal("expected a latest review")
	}
}

func TestStartStop(t *testing.T) {
	a := newPerfAgent(&fakeTelemetry{}, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
