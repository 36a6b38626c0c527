// Package state persists alerts, telemetry, and learned knowledge so the
// engine survives restarts without losing its operational memory.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Store is the durable persistence surface shared by the agents.
type Store interface {
	SaveAlert(ctx context.Context, alert models.Alert) error
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error)

	AppendSamples(ctx context.Context, samples []models.MetricSample) error
	RecentSamples(ctx context.Context, name string, limit int) ([]models.MetricSample, error)

	SaveDiagnosis(ctx context.Context, d models.Diagnosis) error
	RecentDiagnoses(ctx context.Context, limit int) ([]models.Diagnosis, error)

	AppendRepair(ctx context.Context, outcome models.RepairOutcome) error
	RecentRepairs(ctx context.Context, limit int) ([]models.RepairOutcome, error)

	UpsertPattern(ctx context.Context, p models.Pattern) error
	ListPatterns(ctx context.Context) ([]models.Pattern, error)
	DeletePattern(ctx context.Context, hash string) error

	SavePrediction(ctx context.Context, p models.Prediction) error
	RecentPredictions(ctx context.Context, limit int) ([]models.Prediction, error)

	AppendIncident(ctx context.Context, inc models.SecurityIncident) error
	RecentIncidents(ctx context.Context, limit int) ([]models.SecurityIncident, error)

	SaveHealth(ctx context.Context, h models.HealthSummary) error
	LatestHealth(ctx context.Context) (models.HealthSummary, error)

	Ping(ctx context.Context) error
	Maintain(ctx context.Context) error
	Close() error
}

// AlertQuery filters ListAlerts. Zero fields match everything.
type AlertQuery struct {
	Type      string
	Component string
	Severity  models.Severity
	Resolved  *bool
	Since     time.Time
	Limit     int
}

func (q AlertQuery) matches(a models.Alert) bool {
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.Component != "" && a.Component != q.Component {
		return false
	}
	if q.Severity != "" && a.Severity != q.Severity {
		return false
	}
	if q.Resolved != nil && a.Resolved != *q.Resolved {
		return false
	}
	if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
		return false
	}
	return true
}

// Options selects and bounds a store backend.
type Options struct {
	Type         string
	Path         string
	MaxPerFamily int
	SampleTTL    time.Duration
}

// New builds a Store for the configured backend type.
func New(opts Options, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(opts.Type) {
	case "", "memory":
		return NewMemoryStore(opts), nil
	case "badger":
		return NewBadgerStore(opts, logger)
	default:
		return nil, fmt.Errorf("unknown state store type %q", opts.Type)
	}
}
