package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/state"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

type fakeStore struct {
	mu     sync.Mutex
	alerts map[string]models.Alert
	saves  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[string]models.Alert)}
}

func (s *fakeStore) SaveAlert(_ context.Context, alert models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	s.saves++
	return nil
}

func (s *fakeStore) GetAlert(_ context.Context, id string) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, utils.ErrNotFound)
	}
	return alert, nil
}

func (s *fakeStore) ListAlerts(_ context.Context, q state.AlertQuery) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, alert := range s.alerts {
		if q.Resolved != nil && alert.Resolved != *q.Resolved {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *fakePublisher) Publish(channel string, payload any) models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := models.Event{Channel: channel, Payload: payload}
	p.events = append(p.events, ev)
	return ev
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (n *fakeNotifier) Dispatch(_ context.Context, alert models.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakePublisher, *fakeNotifier) {
	t.Helper()
	store := newFakeStore()
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	m := NewManager(Options{QueueSize: 16}, store, pub, notifier, nil)
	t.Cleanup(m.Close)
	return m, store, pub, notifier
}

func TestCreateClassifiesSeverity(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		alertType string
		opts      CreateOpts
		want      models.Severity
	}{
		{"explicit override", models.AlertTypeHighCPU, CreateOpts{Component: "a", Severity: models.SeverityInfo}, models.SeverityInfo},
		{"hard-coded critical", models.AlertTypeDBDown, CreateOpts{Component: "b"}, models.SeverityCritical},
		{"hard-coded high", models.AlertTypeDependencyDown, CreateOpts{Component: "c"}, models.SeverityHigh},
		{"ratio critical", models.AlertTypeHighCPU, CreateOpts{Component: "d", Threshold: 100, Value: 210}, models.SeverityCritical},
		{"ratio high", models.AlertTypeHighCPU, CreateOpts{Component: "e", Threshold: 100, Value: 160}, models.SeverityHigh},
		{"ratio medium", models.AlertTypeHighCPU, CreateOpts{Component: "f", Threshold: 100, Value: 110}, models.SeverityMedium},
		{"ratio low", models.AlertTypeHighCPU, CreateOpts{Component: "g", Threshold: 100, Value: 90}, models.SeverityLow},
		{"no threshold", models.AlertTypeHighDisk, CreateOpts{Component: "h"}, models.SeverityLow},
	}
	for _, tc := range cases {
		alert, err := m.Create(ctx, tc.alertType, tc.opts)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if alert.Severity != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, alert.Severity)
		}
	}
}

func TestCreateRequiresType(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if _, err := m.Create(context.Background(), "", CreateOpts{}); err == nil {
		t.Fatal("expected error for empty alert type")
	}
}

func TestCreateDedupsUnresolved(t *testing.T) {
	m, _, pub, notifier := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, models.AlertTypeHighCPU, CreateOpts{Component: "host", Threshold: 85, Value: 92})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Create(ctx, models.AlertTypeHighCPU, CreateOpts{Component: "host", Threshold: 85, Value: 97})
	if err != nil {
		t.Fatal(err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected dedup onto %s, got new alert %s", first.ID, second.ID)
	}
	if second.OccurrenceCount != 2 || second.ActualValue != 97 {
		t.Fatalf("expected occurrence bump with refreshed value, got %+v", second)
	}
	if pub.count() != 1 {
		t.Fatalf("expected one published alert, got %d", pub.count())
	}

	waitFor(t, func() bool { return notifier.count() == 1 }, "notification")
	time.Sleep(20 * time.Millisecond)
	if notifier.count() != 1 {
		t.Fatalf("expected no notification for repeat occurrence, got %d", notifier.count())
	}
}

func TestResolveThenCreateStartsFresh(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Create(ctx, models.AlertTypeCacheSlow, CreateOpts{Component: "cache"})
	if _, err := m.Resolve(ctx, first.ID, ResolveOpts{Resolution: "cleared"}); err != nil {
		t.Fatal(err)
	}

	fresh, _ := m.Create(ctx, models.AlertTypeCacheSlow, CreateOpts{Component: "cache"})
	if fresh.ID == first.ID || fresh.OccurrenceCount != 1 {
		t.Fatalf("expected a fresh alert after resolve, got %+v", fresh)
	}
}

func TestAcknowledge(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	alert, _ := m.Create(ctx, models.AlertTypeEndpointSlow, CreateOpts{Component: "api"})
	acked, err := m.Acknowledge(ctx, alert.ID, "oncall")
	if err != nil {
		t.Fatal(err)
	}
	if !acked.Acknowledged || acked.AcknowledgedBy != "oncall" {
		t.Fatalf("expected acknowledgment recorded, got %+v", acked)
	}

	if _, err := m.Acknowledge(ctx, "missing", "oncall"); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestResolveIdempotent(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	alert, _ := m.Create(ctx, models.AlertTypeHighMemory, CreateOpts{Component: "host"})
	resolved, err := m.Resolve(ctx, alert.ID, ResolveOpts{AutoResolved: true, Resolution: "memory cleanup applied"})
	if err != nil {
		t.Fatal(err)
	}
	if !resolved.Resolved || !resolved.AutoResolved || resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved alert, got %+v", resolved)
	}

	again, err := m.Resolve(ctx, alert.ID, ResolveOpts{Resolution: "different text"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Resolution != "memory cleanup applied" {
		t.Fatalf("expected second resolve to be a no-op, got %+v", again)
	}

	stored, _ := store.GetAlert(ctx, alert.ID)
	if !stored.Resolved {
		t.Fatal("expected resolved state persisted")
	}

	if _, err := m.Resolve(ctx, "missing", ResolveOpts{}); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestListActiveSortsAndFilters(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.Create(ctx, models.AlertTypeHighDisk, CreateOpts{Component: "host"})
	clock = clock.Add(time.Minute)
	m.Create(ctx, models.AlertTypeDBDown, CreateOpts{Component: "database"})
	clock = clock.Add(time.Minute)
	m.Create(ctx, models.AlertTypeEndpointDown, CreateOpts{Component: "api"})
	clock = clock.Add(time.Minute)
	m.Create(ctx, models.AlertTypeDependencyDown, CreateOpts{Component: "upstream"})

	got := m.ListActive(Filter{})
	if len(got) != 4 {
		t.Fatalf("expected 4 active alerts, got %d", len(got))
	}
	if got[0].Type != models.AlertTypeDBDown {
		t.Fatalf("expected critical first, got %s", got[0].Type)
	}
	if got[1].Type != models.AlertTypeDependencyDown || got[2].Type != models.AlertTypeEndpointDown {
		t.Fatalf("expected newest high first, got [%s %s]", got[1].Type, got[2].Type)
	}
	if got[3].Type != models.AlertTypeHighDisk {
		t.Fatalf("expected low severity last, got %s", got[3].Type)
	}

	bySeverity := m.ListActive(Filter{Severity: models.SeverityHigh})
	if len(bySeverity) != 2 {
		t.Fatalf("expected 2 high alerts, got %d", len(bySeverity))
	}
	byComponent := m.ListActive(Filter{Component: "api"})
	if len(byComponent) != 1 || byComponent[0].Component != "api" {
		t.Fatalf("expected api alert, got %+v", byComponent)
	}
	limited := m.ListActive(Filter{Limit: 1})
	if len(limited) != 1 || limited[0].Type != models.AlertTypeDBDown {
		t.Fatalf("expected top severity with limit, got %+v", limited)
	}
}

func TestRestoreRehydratesDedup(t *testing.T) {
	store := newFakeStore()
	seeded := models.Alert{
		ID:              "seeded",
		Type:            models.AlertTypeHighLoad,
		Component:       "host",
		Severity:        models.SeverityMedium,
		OccurrenceCount: 4,
		CreatedAt:       time.Now().Add(-time.Hour),
	}
	store.alerts[seeded.ID] = seeded

	m := NewManager(Options{}, store, &fakePublisher{}, &fakeNotifier{}, nil)
	t.Cleanup(m.Close)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	bumped, err := m.Create(context.Background(), models.AlertTypeHighLoad, CreateOpts{Component: "host"})
	if err != nil {
		t.Fatal(err)
	}
	if bumped.ID != "seeded" || bumped.OccurrenceCount != 5 {
		t.Fatalf("expected dedup onto restored alert, got %+v", bumped)
	}
}
