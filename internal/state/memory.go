package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// MemoryStore keeps all state in process memory. It is the default backend
// for local development and the fallback when no durable path is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	maxPerKind  int
	alerts      map[string]models.Alert
	samples     map[string][]models.MetricSample
	diagnoses   []models.Diagnosis
	repairs     []models.RepairOutcome
	patterns    map[string]models.Pattern
	predictions []models.Prediction
	incidents   []models.SecurityIncident
	health      models.HealthSummary
	hasHealth   bool
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	max := opts.MaxPerFamily
	if max <= 0 {
		max = 5000
	}
	return &MemoryStore{
		maxPerKind: max,
		alerts:     make(map[string]models.Alert),
		samples:    make(map[string][]models.MetricSample),
		patterns:   make(map[string]models.Pattern),
	}
}

// SaveAlert inserts or replaces an alert by id.
func (s *MemoryStore) SaveAlert(_ context.Context, alert models.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return nil
}

// GetAlert fetches one alert by id.
func (s *MemoryStore) GetAlert(_ context.Context, id string) (models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, utils.ErrNotFound)
	}
	return alert, nil
}

// ListAlerts returns alerts matching the query, newest first.
func (s *MemoryStore) ListAlerts(_ context.Context, q AlertQuery) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if q.matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// AppendSamples stores metric samples grouped by series name.
func (s *MemoryStore) AppendSamples(_ context.Context, samples []models.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		series := append(s.samples[sample.Name], sample)
		if len(series) > s.maxPerKind {
			series = series[len(series)-s.maxPerKind:]
		}
		s.samples[sample.Name] = series
	}
	return nil
}

// RecentSamples returns up to limit samples for a series, oldest first.
func (s *MemoryStore) RecentSamples(_ context.Context, name string, limit int) ([]models.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.samples[name]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]models.MetricSample(nil), series...), nil
}

// SaveDiagnosis appends a diagnosis record.
func (s *MemoryStore) SaveDiagnosis(_ context.Context, d models.Diagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnoses = append(s.diagnoses, d)
	if len(s.diagnoses) > s.maxPerKind {
		s.diagnoses = s.diagnoses[len(s.diagnoses)-s.maxPerKind:]
	}
	return nil
}

// RecentDiagnoses returns up to limit diagnoses, newest first.
func (s *MemoryStore) RecentDiagnoses(_ context.Context, limit int) ([]models.Diagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentReversed(s.diagnoses, limit), nil
}

// AppendRepair appends a repair outcome.
func (s *MemoryStore) AppendRepair(_ context.Context, outcome models.RepairOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repairs = append(s.repairs, outcome)
	if len(s.repairs) > s.maxPerKind {
		s.repairs = s.repairs[len(s.repairs)-s.maxPerKind:]
	}
	return nil
}

// RecentRepairs returns up to limit repair outcomes, newest first.
func (s *MemoryStore) RecentRepairs(_ context.Context, limit int) ([]models.RepairOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentReversed(s.repairs, limit), nil
}

// UpsertPattern inserts or replaces a learned pattern by hash.
func (s *MemoryStore) UpsertPattern(_ context.Context, p models.Pattern) error {
	if p.Hash == "" {
		return fmt.Errorf("pattern hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.Hash] = p
	return nil
}

// ListPatterns returns all stored patterns.
func (s *MemoryStore) ListPatterns(_ context.Context) ([]models.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeletePattern removes a pattern by hash.
func (s *MemoryStore) DeletePattern(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patterns, hash)
	return nil
}

// SavePrediction appends a prediction record.
func (s *MemoryStore) SavePrediction(_ context.Context, p models.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions = append(s.predictions, p)
	if len(s.predictions) > s.maxPerKind {
		s.predictions = s.predictions[len(s.predictions)-s.maxPerKind:]
	}
	return nil
}

// RecentPredictions returns up to limit predictions, newest first.
func (s *MemoryStore) RecentPredictions(_ context.Context, limit int) ([]models.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentReversed(s.predictions, limit), nil
}

// AppendIncident appends a security incident.
func (s *MemoryStore) AppendIncident(_ context.Context, inc models.SecurityIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, inc)
	if len(s.incidents) > s.maxPerKind {
		s.incidents = s.incidents[len(s.incidents)-s.maxPerKind:]
	}
	return nil
}

// RecentIncidents returns up to limit incidents, newest first.
func (s *MemoryStore) RecentIncidents(_ context.Context, limit int) ([]models.SecurityIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentReversed(s.incidents, limit), nil
}

// SaveHealth stores the latest health summary.
func (s *MemoryStore) SaveHealth(_ context.Context, h models.HealthSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
	s.hasHealth = true
	return nil
}

// LatestHealth returns the last stored health summary.
func (s *MemoryStore) LatestHealth(_ context.Context) (models.HealthSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasHealth {
		return models.HealthSummary{}, fmt.Errorf("health snapshot: %w", utils.ErrNotFound)
	}
	return s.health, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Maintain is a no-op for the in-memory store.
func (s *MemoryStore) Maintain(context.Context) error { return nil }

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func recentReversed[T any](items []T, limit int) []T {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]T, 0, limit)
	for i := len(items) - 1; i >= len(items)-limit; i-- {
		out = append(out, items[i])
	}
	return out
}
