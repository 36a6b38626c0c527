package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// DispatcherOptions bounds per-sink delivery retries.
type DispatcherOptions struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Dispatcher fans an alert out to every sink. Failures are retried per sink
// and never leak across sinks or back into alert state.
type Dispatcher struct {
	sinks       []Sink
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewDispatcher builds a dispatcher over the given sinks.
func NewDispatcher(sinks []Sink, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:       sinks,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		logger:      logger,
	}
}

// Dispatch delivers the alert to every sink. A sink that still fails after
// the retry budget is logged and skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, alert models.Alert) {
	for _, sink := range d.sinks {
		if err := d.notifyWithRetry(ctx, sink, alert); err != nil {
			metrics.IncNotification(sink.Name(), metrics.OutcomeDropped)
			d.logger.Error("notification dropped",
				slog.String("sink", sink.Name()),
				slog.String("alert_id", alert.ID),
				slog.Any("error", err))
			continue
		}
		metrics.IncNotification(sink.Name(), metrics.OutcomeSuccess)
	}
}

func (d *Dispatcher) notifyWithRetry(ctx context.Context, sink Sink, alert models.Alert) error {
	var err error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff << (attempt - 1)):
			}
		}
		if err = sink.Notify(ctx, alert); err == nil {
			return nil
		}
		metrics.IncNotification(sink.Name(), metrics.OutcomeFailure)
		d.logger.Warn("notification attempt failed",
			slog.String("sink", sink.Name()),
			slog.String("alert_id", alert.ID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return err
}
