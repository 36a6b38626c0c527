package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

func newTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(Options{Path: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close badger store: %v", err)
		}
	})
	return store
}

func TestBadgerStoreAlertRoundTrip(t *testing.T) {
	store := newTestBadger(t)
	ctx := context.Background()

	alert := models.Alert{
		ID:        "a-1",
		Type:      models.AlertTypeCacheDown,
		Severity:  models.SeverityCritical,
		Component: "cache",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("save alert: %v", err)
	}

	got, err := store.GetAlert(ctx, "a-1")
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if got.Type != models.AlertTypeCacheDown || got.Severity != models.SeverityCritical {
		t.Fatalf("unexpected alert %+v", got)
	}

	if _, err := store.GetAlert(ctx, "nope"); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBadgerStoreRecentSamplesOrder(t *testing.T) {
	store := newTestBadger(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	var samples []models.MetricSample
	for i := 0; i < 5; i++ {
		samples = append(samples, models.MetricSample{
			Name:      "cpu_usage_percent",
			Value:     float64(10 * i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := store.AppendSamples(ctx, samples); err != nil {
		t.Fatalf("append samples: %v", err)
	}

	got, err := store.RecentSamples(ctx, "cpu_usage_percent", 3)
	if err != nil {
		t.Fatalf("recent samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0].Value != 20 || got[2].Value != 40 {
		t.Fatalf("expected oldest-first window [20 30 40], got %+v", got)
	}
}

func TestBadgerStorePatternLifecycle(t *testing.T) {
	store := newTestBadger(t)
	ctx := context.Background()

	p := models.Pattern{
		Hash:      "deadbeef",
		AlertType: "DB_SLOW",
		Component: "database",
		FixType:   models.FixDatabaseIndex,
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.UpsertPattern(ctx, p); err != nil {
		t.Fatalf("upsert pattern: %v", err)
	}

	list, err := store.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("list patterns: %v", err)
	}
	if len(list) != 1 || list[0].Hash != "deadbeef" {
		t.Fatalf("unexpected patterns %+v", list)
	}

	if err := store.DeletePattern(ctx, "deadbeef"); err != nil {
		t.Fatalf("delete pattern: %v", err)
	}
	list, err = store.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no patterns, got %d", len(list))
	}
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerStore(Options{Path: dir}, nil)
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	outcome := models.RepairOutcome{
		ID:         "r-1",
		AlertID:    "a-1",
		FixType:    models.FixMemoryCleanup,
		Success:    true,
		FinishedAt: time.Now().UTC(),
	}
	if err := store.AppendRepair(ctx, outcome); err != nil {
		t.Fatalf("append repair: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBadgerStore(Options{Path: dir}, nil)
	if err != nil {
		t.Fatalf("reopen badger store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.RecentRepairs(ctx, 10)
	if err != nil {
		t.Fatalf("recent repairs: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r-1" || !got[0].Success {
		t.Fatalf("expected persisted repair outcome, got %+v", got)
	}
}

func TestBadgerStorePing(t *testing.T) {
	store := newTestBadger(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
