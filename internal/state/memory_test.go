package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

func TestMemoryStoreAlertRoundTrip(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()

	alert := models.Alert{
		ID:        "a-1",
		Type:      models.AlertTypeDBSlow,
		Severity:  models.SeverityHigh,
		Component: "database",
		CreatedAt: time.Now(),
	}
	if err := store.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("save alert: %v", err)
	}

	got, err := store.GetAlert(ctx, "a-1")
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if got.Type != models.AlertTypeDBSlow || got.Component != "database" {
		t.Fatalf("unexpected alert %+v", got)
	}

	if _, err := store.GetAlert(ctx, "missing"); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListAlertsFilters(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()
	base := time.Now()

	resolved := true
	alerts := []models.Alert{
		{ID: "1", Type: "DB_SLOW", Severity: models.SeverityHigh, Component: "database", CreatedAt: base},
		{ID: "2", Type: "HIGH_CPU", Severity: models.SeverityMedium, Component: "host", CreatedAt: base.Add(time.Minute)},
		{ID: "3", Type: "DB_SLOW", Severity: models.SeverityHigh, Component: "database", Resolved: true, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, a := range alerts {
		if err := store.SaveAlert(ctx, a); err != nil {
			t.Fatalf("save alert %s: %v", a.ID, err)
		}
	}

	got, err := store.ListAlerts(ctx, AlertQuery{Type: "DB_SLOW"})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 DB_SLOW alerts, got %d", len(got))
	}
	if got[0].ID != "3" {
		t.Fatalf("expected newest first, got %s", got[0].ID)
	}

	got, err = store.ListAlerts(ctx, AlertQuery{Resolved: &resolved})
	if err != nil {
		t.Fatalf("list resolved: %v", err)
	}
	if len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("expected only resolved alert 3, got %+v", got)
	}

	got, err = store.ListAlerts(ctx, AlertQuery{Limit: 1})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected limit 1, got %d", len(got))
	}
}

func TestMemoryStoreSampleBounds(t *testing.T) {
	store := NewMemoryStore(Options{MaxPerFamily: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sample := models.MetricSample{
			Name:      "db_query_time",
			Value:     float64(i),
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendSamples(ctx, []models.MetricSample{sample}); err != nil {
			t.Fatalf("append sample: %v", err)
		}
	}

	got, err := store.RecentSamples(ctx, "db_query_time", 0)
	if err != nil {
		t.Fatalf("recent samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected series capped at 3, got %d", len(got))
	}
	if got[0].Value != 2 || got[2].Value != 4 {
		t.Fatalf("expected oldest-first window [2..4], got %+v", got)
	}
}

func TestMemoryStorePatterns(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()

	p := models.Pattern{Hash: "abc", AlertType: "DB_SLOW", FixType: models.FixDatabaseIndex, UpdatedAt: time.Now()}
	if err := store.UpsertPattern(ctx, p); err != nil {
		t.Fatalf("upsert pattern: %v", err)
	}

	p.Successes = 3
	if err := store.UpsertPattern(ctx, p); err != nil {
		t.Fatalf("upsert pattern again: %v", err)
	}

	list, err := store.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("list patterns: %v", err)
	}
	if len(list) != 1 || list[0].Successes != 3 {
		t.Fatalf("expected single updated pattern, got %+v", list)
	}

	if err := store.DeletePattern(ctx, "abc"); err != nil {
		t.Fatalf("delete pattern: %v", err)
	}
	list, err = store.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty pattern list, got %d", len(list))
	}
}

func TestMemoryStoreRecentOrder(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		outcome := models.RepairOutcome{
			ID:         string(rune('a' + i)),
			FixType:    models.FixCacheClear,
			FinishedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendRepair(ctx, outcome); err != nil {
			t.Fatalf("append repair: %v", err)
		}
	}

	got, err := store.RecentRepairs(ctx, 2)
	if err != nil {
		t.Fatalf("recent repairs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d" || got[1].ID != "c" {
		t.Fatalf("expected newest-first [d c], got %+v", got)
	}
}

func TestMemoryStoreHealthSnapshot(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()

	if _, err := store.LatestHealth(ctx); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}

	summary := models.HealthSummary{Overall: models.HealthDegraded, CheckedAt: time.Now()}
	if err := store.SaveHealth(ctx, summary); err != nil {
		t.Fatalf("save health: %v", err)
	}

	got, err := store.LatestHealth(ctx)
	if err != nil {
		t.Fatalf("latest health: %v", err)
	}
	if got.Overall != models.HealthDegraded {
		t.Fatalf("expected degraded overall, got %s", got.Overall)
	}
}
