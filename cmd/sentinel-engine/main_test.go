package main

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/diagnosis"
	"github.com/miradorstack/mirador-sentinel/internal/learning"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/repair"
	"github.com/miradorstack/mirador-sentinel/internal/state"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
)

// healthyChecker reports the repaired component as freshly healthy so
// verification passes right after the settle delay.
type healthyChecker struct{}

func (healthyChecker) Snapshot() models.HealthSummary {
	now := time.Now()
	return models.HealthSummary{
		Overall: models.HealthHealthy,
		Targets: map[string]models.TargetHealth{
			"database": {State: models.HealthHealthy, CheckedAt: now},
		},
		CheckedAt: now,
	}
}

type noopNotifier struct{}

func (noopNotifier) Dispatch(context.Context, models.Alert) {}

// Wires the real bus, alert manager, diagnosis, repair, and learning agents
// together and walks one slow-datastore alert through the whole loop.
func TestSlowDatastoreSelfHeals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := state.New(state.Options{Type: "memory"}, nil)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	defer store.Close()

	eventBus := bus.New(bus.Options{RingSize: 64, QueueSize: 64}, nil)
	defer eventBus.Close()

	tel := telemetry.NewStore(telemetry.Options{MaxSamplesPerName: 128}, nil, nil, nil)
	defer tel.Close()

	alerts := alerting.NewManager(alerting.Options{QueueSize: 16}, store, eventBus, noopNotifier{}, nil)
	defer alerts.Close()

	learn := learning.NewAgent(config.LearningConfig{
		MinSuccessRate:        0.8,
		MinOccurrences:        3,
		FuzzyThreshold:        0.9,
		PatternExpiry:         time.Hour,
		ConsolidationInterval: time.Hour,
	}, store, eventBus, nil)

	reasoner, err := diagnosis.NewRuleReasoner("", nil)
	if err != nil {
		t.Fatalf("NewRuleReasoner: %v", err)
	}
	diag := diagnosis.NewAgent(config.DiagnosisConfig{
		SeverityFloor:       "medium",
		CacheTTL:            time.Minute,
		AutoFixConfidence:   0.8,
		EscalationThreshold: 0.5,
	}, reasoner, diagnosis.NewGatherer(tel, alerts, store), learn, store, eventBus, eventBus, alerts, nil)

	rep := repair.NewAgent(config.RepairConfig{
		Enabled:         true,
		AllowedFixTypes: []string{string(models.FixDatabaseIndex)},
		SettleDelay:     10 * time.Millisecond,
		VerifyTimeout:   time.Second,
		LockTTL:         time.Second,
	}, store, nil, store, healthyChecker{}, alerts, eventBus, eventBus, nil)

	for _, start := range []func(context.Context) error{learn.Start, rep.Start, diag.Start} {
		if err := start(ctx); err != nil {
			t.Fatalf("start agent: %v", err)
		}
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = diag.Stop(stopCtx)
		_ = rep.Stop(stopCtx)
		_ = learn.Stop(stopCtx)
	}()

	for i := 0; i < 10; i++ {
		tel.Record("db_query_time_ms", 600, telemetry.RecordOpts{Unit: "ms", Component: "database"})
	}

	opts := alerting.CreateOpts{
		Component: "database",
		Message:   "datastore queries averaging 600ms against a 100ms budget",
		Severity:  models.SeverityHigh,
		Threshold: 100,
		Value:     600,
	}
	first, err := alerts.Create(ctx, models.AlertTypeDBSlow, opts)
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	again, err := alerts.Create(ctx, models.AlertTypeDBSlow, opts)
	if err != nil {
		t.Fatalf("create duplicate alert: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate breach opened a second alert: %s vs %s", again.ID, first.ID)
	}
	if again.OccurrenceCount != 2 {
		t.Fatalf("OccurrenceCount = %d, want 2", again.OccurrenceCount)
	}

	resolved := waitForAlert(t, ctx, alerts, first.ID, func(a models.Alert) bool { return a.Resolved })
	if !resolved.AutoResolved {
		t.Fatalf("alert resolved but not marked auto-resolved: %+v", resolved)
	}

	diags, err := store.RecentDiagnoses(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDiagnoses: %v", err)
	}
	if len(diags) == 0 {
		t.Fatal("no diagnosis persisted")
	}
	if diags[0].FixType != models.FixDatabaseIndex || diags[0].DiagnosedBy != "rules" {
		t.Fatalf("unexpected diagnosis: fixType=%s diagnosedBy=%s", diags[0].FixType, diags[0].DiagnosedBy)
	}

	repairs, err := store.RecentRepairs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRepairs: %v", err)
	}
	if len(repairs) == 0 {
		t.Fatal("no repair outcome persisted")
	}
	if !repairs[0].Success || repairs[0].Verification != models.VerificationPassed {
		t.Fatalf("unexpected repair outcome: %+v", repairs[0])
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		patterns := learn.Patterns()
		if len(patterns) == 1 && patterns[0].Successes == 1 {
			p := patterns[0]
			if p.AlertType != models.AlertTypeDBSlow || p.FixType != models.FixDatabaseIndex {
				t.Fatalf("pattern learned for the wrong symptom: %+v", p)
			}
			if p.SuccessRate != 1.0 {
				t.Fatalf("SuccessRate = %v, want 1.0", p.SuccessRate)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pattern never recorded, have %+v", patterns)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitForAlert(t *testing.T, ctx context.Context, m *alerting.Manager, id string, ok func(models.Alert) bool) models.Alert {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		a, err := m.Get(ctx, id)
		if err != nil {
			t.Fatalf("get alert %s: %v", id, err)
		}
		if ok(a) {
			return a
		}
		if time.Now().After(deadline) {
			t.Fatalf("alert %s never reached the expected state: %+v", id, a)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
