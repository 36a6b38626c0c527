// Package telemetry keeps bounded in-memory time series for every metric the
// agents record, computes derived statistics on demand, and periodically
// flushes recent samples to durable storage.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/stats"
)

// trendSlopeThreshold is the value-per-second slope beyond which a series
// counts as increasing or decreasing.
const trendSlopeThreshold = 0.1

// maxPendingSamples bounds the flush backlog; oldest samples are dropped
// beyond it so a stalled store cannot grow memory without limit.
const maxPendingSamples = 10000

// Publisher is the slice of the event bus the store needs for live
// sample broadcasts.
type Publisher interface {
	Publish(channel string, payload any) models.Event
}

// Persistence receives flushed samples.
type Persistence interface {
	AppendSamples(ctx context.Context, samples []models.MetricSample) error
}

// Options tunes retention and flush cadence.
type Options struct {
	MaxSamplesPerName int
	MaxAge            time.Duration
	FlushInterval     time.Duration
	BroadcastEvery    time.Duration
}

// RecordOpts carries the optional dimensions of a sample.
type RecordOpts struct {
	Unit      string
	Component string
	Tags      map[string]string
	Severity  models.Severity
}

// QueryOpts bounds a series query. Zero times mean unbounded; Limit keeps
// the newest samples when more match.
type QueryOpts struct {
	Start time.Time
	End   time.Time
	Limit int
}

// Store is the shared metrics store. Safe for concurrent use by all agents.
type Store struct {
	mu            sync.Mutex
	series        map[string][]models.MetricSample
	pending       []models.MetricSample
	lastBroadcast map[string]time.Time

	maxPerName     int
	maxAge         time.Duration
	broadcastEvery time.Duration

	publisher Publisher
	persist   Persistence
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore builds the store and, when persistence is configured, starts the
// background flusher.
func NewStore(opts Options, publisher Publisher, persist Persistence, logger *slog.Logger) *Store {
	if opts.MaxSamplesPerName <= 0 {
		opts.MaxSamplesPerName = 1000
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Minute
	}
	if opts.BroadcastEvery <= 0 {
		opts.BroadcastEvery = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		series:         make(map[string][]models.MetricSample),
		lastBroadcast:  make(map[string]time.Time),
		maxPerName:     opts.MaxSamplesPerName,
		maxAge:         opts.MaxAge,
		broadcastEvery: opts.BroadcastEvery,
		publisher:      publisher,
		persist:        persist,
		logger:         logger,
		now:            time.Now,
	}

	if persist != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.flushLoop(ctx, opts.FlushInterval)
	}
	return s
}

// Record appends a sample, enforces retention, and broadcasts it on the
// metrics channel at most once per name per broadcast interval.
func (s *Store) Record(name string, value float64, opts RecordOpts) models.MetricSample {
	sample := models.MetricSample{
		Name:      name,
		Value:     value,
		Unit:      opts.Unit,
		Component: opts.Component,
		Tags:      opts.Tags,
		Severity:  opts.Severity,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	kept := append(s.series[name], sample)
	if cut := s.ageCutoff(kept, sample.Timestamp); cut > 0 {
		kept = kept[cut:]
	}
	if len(kept) > s.maxPerName {
		copy(kept, kept[len(kept)-s.maxPerName:])
		kept = kept[:s.maxPerName]
	}
	s.series[name] = kept

	if s.persist != nil {
		s.pending = append(s.pending, sample)
		if len(s.pending) > maxPendingSamples {
			s.pending = s.pending[len(s.pending)-maxPendingSamples:]
		}
	}

	broadcast := false
	if s.publisher != nil && sample.Timestamp.Sub(s.lastBroadcast[name]) >= s.broadcastEvery {
		s.lastBroadcast[name] = sample.Timestamp
		broadcast = true
	}
	s.mu.Unlock()

	if broadcast {
		s.publisher.Publish(models.ChannelMetrics, sample)
	}
	return sample
}

// ageCutoff returns how many leading samples fall outside the retention age.
func (s *Store) ageCutoff(samples []models.MetricSample, now time.Time) int {
	oldest := now.Add(-s.maxAge)
	cut := 0
	for cut < len(samples) && samples[cut].Timestamp.Before(oldest) {
		cut++
	}
	return cut
}

// Query returns retained samples for a name in ascending time order. When
// Limit is set and more samples match, the newest Limit are kept.
func (s *Store) Query(name string, opts QueryOpts) []models.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.MetricSample
	for _, sample := range s.series[name] {
		if !opts.Start.IsZero() && sample.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && sample.Timestamp.After(opts.End) {
			continue
		}
		out = append(out, sample)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// Stats computes summary statistics over the queried window. The second
// return is false when no samples match.
func (s *Store) Stats(name string, opts QueryOpts) (*models.SeriesStats, bool) {
	samples := s.Query(name, opts)
	if len(samples) == 0 {
		return nil, false
	}

	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	mean, stdDev := stats.MeanStdDev(values)
	min, max := stats.MinMax(values)

	return &models.SeriesStats{
		Name:   name,
		Count:  len(values),
		Min:    min,
		Max:    max,
		Avg:    mean,
		StdDev: stdDev,
		P50:    stats.Percentile(values, 50),
		P90:    stats.Percentile(values, 90),
		P95:    stats.Percentile(values, 95),
		P99:    stats.Percentile(values, 99),
		Latest: values[len(values)-1],
	}, true
}

// Trend classifies the direction of a series over the trailing window from
// the per-second slope of a fitted line.
func (s *Store) Trend(name string, window time.Duration) models.Trend {
	end := s.now()
	samples := s.Query(name, QueryOpts{Start: end.Add(-window), End: end})
	if len(samples) < 2 {
		return models.TrendUnknown
	}

	base := samples[0].Timestamp
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, sample := range samples {
		xs[i] = sample.Timestamp.Sub(base).Seconds()
		ys[i] = sample.Value
	}
	line, ok := stats.FitLine(xs, ys)
	if !ok {
		return models.TrendUnknown
	}
	switch {
	case line.Slope > trendSlopeThreshold:
		return models.TrendIncreasing
	case line.Slope < -trendSlopeThreshold:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

// Names lists the series currently retained, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) flushLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// flush hands the pending batch to persistence. Failed batches are dropped:
// the in-memory series still serves queries and the next batch starts clean.
func (s *Store) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.persist.AppendSamples(flushCtx, batch); err != nil {
		s.logger.Warn("sample flush failed",
			slog.Int("samples", len(batch)),
			slog.Any("error", err))
		return
	}
	s.logger.Debug("samples flushed", slog.Int("samples", len(batch)))
}

// Close stops the flusher after a final flush.
func (s *Store) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.flush(context.Background())
	s.cancel = nil
}
