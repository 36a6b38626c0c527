// Package alerting owns the alert lifecycle: dedup and severity
// classification on create, acknowledge/resolve transitions, and decoupled
// notification dispatch.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/state"
)

// notifyTimeout bounds one queued notification job across all sinks and
// their retries.
const notifyTimeout = 30 * time.Second

// Publisher is the slice of the event bus the manager publishes alerts on.
type Publisher interface {
	Publish(channel string, payload any) models.Event
}

// Persistence is the slice of the state store the manager needs.
type Persistence interface {
	SaveAlert(ctx context.Context, alert models.Alert) error
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	ListAlerts(ctx context.Context, q state.AlertQuery) ([]models.Alert, error)
}

// Notifier delivers an alert to the configured sinks.
type Notifier interface {
	Dispatch(ctx context.Context, alert models.Alert)
}

// Options tunes the notification queue.
type Options struct {
	QueueSize int
}

// CreateOpts carries the optional fields of a new alert.
type CreateOpts struct {
	Component string
	Message   string
	Severity  models.Severity
	Threshold float64
	Value     float64
	Metadata  map[string]any
}

// ResolveOpts describes how an alert was closed.
type ResolveOpts struct {
	AutoResolved bool
	Resolution   string
}

// Filter narrows ListActive results. Zero fields match everything.
type Filter struct {
	Severity  models.Severity
	Component string
	Limit     int
}

// Manager tracks unresolved alerts in memory, persists every transition, and
// drains notifications on a background goroutine.
type Manager struct {
	mu     sync.Mutex
	active map[string]*models.Alert
	byID   map[string]*models.Alert
	closed bool

	store     Persistence
	publisher Publisher
	notifier  Notifier
	queue     chan models.Alert
	logger    *slog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewManager builds the manager and starts the notification drain.
func NewManager(opts Options, store Persistence, publisher Publisher, notifier Notifier, logger *slog.Logger) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		active:    make(map[string]*models.Alert),
		byID:      make(map[string]*models.Alert),
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		queue:     make(chan models.Alert, opts.QueueSize),
		logger:    logger,
		now:       time.Now,
	}
	m.wg.Add(1)
	go m.drainNotifications()
	return m
}

// Restore loads unresolved alerts from the store so dedup survives restarts.
func (m *Manager) Restore(ctx context.Context) error {
	unresolved := false
	alerts, err := m.store.ListAlerts(ctx, state.AlertQuery{Resolved: &unresolved})
	if err != nil {
		return fmt.Errorf("restore active alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range alerts {
		copied := alert
		m.active[dedupKey(alert.Type, alert.Component)] = &copied
		m.byID[alert.ID] = &copied
	}
	metrics.SetActiveAlerts(len(m.active))
	return nil
}

func dedupKey(alertType, component string) string {
	return alertType + "|" + component
}

// Create records a threshold violation. A matching unresolved alert absorbs
// the occurrence instead of creating a duplicate; only first occurrences are
// published and notified.
func (m *Manager) Create(ctx context.Context, alertType string, opts CreateOpts) (models.Alert, error) {
	if alertType == "" {
		return models.Alert{}, fmt.Errorf("alert type is required")
	}

	now := m.now()
	m.mu.Lock()
	if existing, ok := m.active[dedupKey(alertType, opts.Component)]; ok {
		existing.OccurrenceCount++
		existing.ActualValue = opts.Value
		existing.UpdatedAt = now
		snapshot := *existing
		m.mu.Unlock()

		m.persist(ctx, snapshot)
		return snapshot, nil
	}

	alert := &models.Alert{
		ID:              uuid.NewString(),
		Type:            alertType,
		Severity:        classifySeverity(alertType, opts),
		Component:       opts.Component,
		Message:         opts.Message,
		Metadata:        opts.Metadata,
		Threshold:       opts.Threshold,
		ActualValue:     opts.Value,
		OccurrenceCount: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.active[dedupKey(alertType, opts.Component)] = alert
	m.byID[alert.ID] = alert
	metrics.SetActiveAlerts(len(m.active))
	metrics.IncAlertCreated(string(alert.Severity))

	snapshot := *alert
	if !m.closed {
		select {
		case m.queue <- snapshot:
		default:
			m.logger.Warn("notification queue full, dropping job",
				slog.String("alert_id", snapshot.ID),
				slog.String("type", snapshot.Type))
		}
	}
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	if m.publisher != nil {
		m.publisher.Publish(models.ChannelAlerts, snapshot)
	}
	return snapshot, nil
}

// persist writes best-effort: alert state lives in memory first and a store
// hiccup must not fail the caller that detected the condition.
func (m *Manager) persist(ctx context.Context, alert models.Alert) {
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		m.logger.Warn("alert persist failed",
			slog.String("alert_id", alert.ID),
			slog.Any("error", err))
	}
}

// Acknowledge marks an alert as seen by an operator.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (models.Alert, error) {
	m.mu.Lock()
	if alert, ok := m.byID[id]; ok {
		if !alert.Acknowledged {
			alert.Acknowledged = true
			alert.AcknowledgedBy = actor
			alert.UpdatedAt = m.now()
		}
		snapshot := *alert
		m.mu.Unlock()
		m.persist(ctx, snapshot)
		return snapshot, nil
	}
	m.mu.Unlock()

	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return models.Alert{}, fmt.Errorf("acknowledge alert: %w", err)
	}
	if !alert.Acknowledged {
		alert.Acknowledged = true
		alert.AcknowledgedBy = actor
		alert.UpdatedAt = m.now()
		if err := m.store.SaveAlert(ctx, alert); err != nil {
			return models.Alert{}, fmt.Errorf("acknowledge alert: %w", err)
		}
	}
	return alert, nil
}

// Resolve closes an alert. Resolving an already-resolved alert is a no-op.
func (m *Manager) Resolve(ctx context.Context, id string, opts ResolveOpts) (models.Alert, error) {
	now := m.now()

	m.mu.Lock()
	if alert, ok := m.byID[id]; ok {
		if !alert.Resolved {
			alert.Resolved = true
			alert.AutoResolved = opts.AutoResolved
			alert.Resolution = opts.Resolution
			alert.ResolvedAt = &now
			alert.UpdatedAt = now
			delete(m.active, dedupKey(alert.Type, alert.Component))
			delete(m.byID, id)
			metrics.SetActiveAlerts(len(m.active))
		}
		snapshot := *alert
		m.mu.Unlock()
		m.persist(ctx, snapshot)
		return snapshot, nil
	}
	m.mu.Unlock()

	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return models.Alert{}, fmt.Errorf("resolve alert: %w", err)
	}
	if alert.Resolved {
		return alert, nil
	}
	alert.Resolved = true
	alert.AutoResolved = opts.AutoResolved
	alert.Resolution = opts.Resolution
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return models.Alert{}, fmt.Errorf("resolve alert: %w", err)
	}
	return alert, nil
}

// Get returns one alert by id, reading through to the store for alerts that
// are no longer in memory.
func (m *Manager) Get(ctx context.Context, id string) (models.Alert, error) {
	m.mu.Lock()
	if alert, ok := m.byID[id]; ok {
		snapshot := *alert
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()

	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return models.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return alert, nil
}

// ListActive returns unresolved alerts sorted severity-first, newest first
// within a severity.
func (m *Manager) ListActive(f Filter) []models.Alert {
	m.mu.Lock()
	out := make([]models.Alert, 0, len(m.active))
	for _, alert := range m.active {
		if f.Severity != "" && alert.Severity != f.Severity {
			continue
		}
		if f.Component != "" && alert.Component != f.Component {
			continue
		}
		out = append(out, *alert)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ActiveCount reports how many alerts are currently unresolved.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) drainNotifications() {
	defer m.wg.Done()
	for alert := range m.queue {
		if m.notifier == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		m.notifier.Dispatch(ctx, alert)
		cancel()
	}
}

// Close stops the notification drain after the queue empties.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	m.wg.Wait()
}

// Hard-coded severities for conditions whose numeric ratio understates the
// impact. A down datastore or cache is always critical.
var severityByType = map[string]models.Severity{
	models.AlertTypeDBDown:         models.SeverityCritical,
	models.AlertTypeCacheDown:      models.SeverityCritical,
	models.AlertTypeEndpointDown:   models.SeverityHigh,
	models.AlertTypeDependencyDown: models.SeverityHigh,
	models.AlertTypeMemoryPressure: models.SeverityHigh,
	models.AlertTypeSecurityThreat: models.SeverityHigh,
}

func classifySeverity(alertType string, opts CreateOpts) models.Severity {
	if opts.Severity != "" {
		return models.ParseSeverity(string(opts.Severity))
	}
	if severity, ok := severityByType[alertType]; ok {
		return severity
	}
	if opts.Threshold > 0 {
		ratio := opts.Value / opts.Threshold
		switch {
		case ratio > 2:
			return models.SeverityCritical
		case ratio > 1.5:
			return models.SeverityHigh
		case ratio > 1:
			return models.SeverityMedium
		}
	}
	return models.SeverityLow
}
