package diagnosis

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Reasoner produces a root-cause assessment for an alert from its evidence.
type Reasoner interface {
	Name() string
	Diagnose(ctx context.Context, alert models.Alert, ev Evidence) (models.Diagnosis, error)
}

// Fallback runs a primary reasoner and falls back to a secondary on any
// failure. The secondary must not fail.
type Fallback struct {
	primary   Reasoner
	secondary Reasoner
	logger    *slog.Logger
}

// NewFallback composes the two reasoning paths. primary may be nil, in which
// case the secondary answers directly.
func NewFallback(primary, secondary Reasoner, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// Name identifies the composed strategy.
func (f *Fallback) Name() string { return "fallback" }

// Diagnose tries the primary path and degrades to the secondary on error.
func (f *Fallback) Diagnose(ctx context.Context, alert models.Alert, ev Evidence) (models.Diagnosis, error) {
	if f.primary != nil {
		d, err := f.primary.Diagnose(ctx, alert, ev)
		if err == nil {
			return d, nil
		}
		f.logger.Warn("primary reasoner failed, using rules",
			slog.String("reasoner", f.primary.Name()),
			slog.String("alert_type", alert.Type),
			slog.Any("error", err))
	}
	return f.secondary.Diagnose(ctx, alert, ev)
}
