package diagnosis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakePublisher) Publish(channel string, payload any) models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := models.Event{Channel: channel, Payload: payload}
	f.events = append(f.events, ev)
	return ev
}

func (f *fakePublisher) byChannel(channel string) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, ev := range f.events {
		if ev.Channel == channel {
			out = append(out, ev)
		}
	}
	return out
}

type fakeDiagnosisStore struct {
	mu    sync.Mutex
	saved []models.Diagnosis
}

func (f *fakeDiagnosisStore) SaveDiagnosis(_ context.Context, d models.Diagnosis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, d)
	return nil
}

func (f *fakeDiagnosisStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeAlerter struct {
	mu      sync.Mutex
	created []string
}

func (f *fakeAlerter) Create(_ context.Context, alertType string, _ alerting.CreateOpts) (models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, alertType)
	return models.Alert{ID: "esc-1", Type: alertType}, nil
}

type fakeSubscriber struct {
	channel      string
	handler      bus.Handler
	unsubscribed bool
}

func (f *fakeSubscriber) Subscribe(channel, _ string, fn bus.Handler) string {
	f.channel = channel
	f.handler = fn
	return "sub-1"
}

func (f *fakeSubscriber) Unsubscribe(string) { f.unsubscribed = true }

type fakePatterns struct {
	pattern models.Pattern
	ok      bool
	calls   int
}

func (f *fakePatterns) BestMatch(string, string, models.Severity) (models.Pattern, bool) {
	f.calls++
	return f.pattern, f.ok
}

func testAgentConfig() config.DiagnosisConfig {
	return config.DiagnosisConfig{
		SeverityFloor:       "medium",
		CacheTTL:            time.Minute,
		AutoFixConfidence:   0.8,
		EscalationThreshold: 0.5,
	}
}

type agentHarness struct {
	agent    *Agent
	reasoner *scriptedReasoner
	pub      *fakePublisher
	store    *fakeDiagnosisStore
	alerter  *fakeAlerter
	sub      *fakeSubscriber
	patterns *fakePatterns
}

func newAgentHarness(cfg config.DiagnosisConfig, d models.Diagnosis) *agentHarness {
	h := &agentHarness{
		reasoner: &scriptedReasoner{name: "rules", d: d},
		pub:      &fakePublisher{},
		store:    &fakeDiagnosisStore{},
		alerter:  &fakeAlerter{},
		sub:      &fakeSubscriber{},
		patterns: &fakePatterns{},
	}
	h.agent = NewAgent(cfg, h.reasoner, nil, h.patterns, h.store, h.sub, h.pub, h.alerter, nil)
	return h
}

func highAlert(id, alertType, component string) models.Alert {
	return models.Alert{ID: id, Type: alertType, Component: component, Severity: models.SeverityHigh}
}

func TestHandleAlertSkipsBelowFloor(t *testing.T) {
	h := newAgentHarness(testAgentConfig(), models.Diagnosis{})

	alert := models.Alert{ID: "a-1", Type: models.AlertTypeHighCPU, Severity: models.SeverityLow}
	h.agent.handleAlert(context.Background(), alert)

	if h.reasoner.calls != 0 {
		t.Fatal("expected low-severity alert to be skipped")
	}
	if len(h.pub.byChannel(models.ChannelDiagnoses)) != 0 {
		t.Fatal("expected no diagnosis published")
	}
}

func TestHandleAlertSkipsEscalationType(t *testing.T) {
	h := newAgentHarness(testAgentConfig(), models.Diagnosis{})

	h.agent.handleAlert(context.Background(), highAlert("a-2", models.AlertTypeDiagnosisEscalation, "api"))

	if h.reasoner.calls != 0 {
		t.Fatal("escalation alerts must not be re-diagnosed")
	}
}

func TestHandleAlertPublishesAndPersists(t *testing.T) {
	d := models.Diagnosis{
		ID: "d-1", FixType: models.FixNone, Confidence: 0.6,
		DiagnosedBy: models.DiagnosedByRules,
	}
	h := newAgentHarness(testAgentConfig(), d)

	h.agent.handleAlert(context.Background(), highAlert("a-3", models.AlertTypeHighDisk, "host"))

	if h.store.count() != 1 {
		t.Fatalf("expected 1 persisted diagnosis, got %d", h.store.count())
	}
	published := h.pub.byChannel(models.ChannelDiagnoses)
	if len(published) != 1 {
		t.Fatalf("expected 1 published diagnosis, got %d", len(published))
	}
	if got := published[0].Payload.(models.Diagnosis); got.ID != "d-1" {
		t.Fatalf("unexpected payload %+v", got)
	}
	// Medium confidence, not auto-fixable: neither repair nor escalation.
	if len(h.pub.byChannel(models.ChannelRepairRequests)) != 0 {
		t.Fatal("expected no repair request")
	}
	if len(h.alerter.created) != 0 {
		t.Fatal("expected no escalation")
	}
}

func TestHandleAlertCachesSymptom(t *testing.T) {
	h := newAgentHarness(testAgentConfig(), models.Diagnosis{ID: "d-2", Confidence: 0.6})

	alert := highAlert("a-4", models.AlertTypeCacheSlow, "cache")
	h.agent.handleAlert(context.Background(), alert)
	h.agent.handleAlert(context.Background(), alert)

	if h.reasoner.calls != 1 {
		t.Fatalf("expected a single reasoning pass, got %d", h.reasoner.calls)
	}
	if len(h.pub.byChannel(models.ChannelDiagnoses)) != 1 {
		t.Fatal("cached hit must not republish")
	}
	hits, misses := h.agent.CacheStats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit / 1 miss, got %d/%d", hits, misses)
	}

	// A different component is a different symptom.
	h.agent.handleAlert(context.Background(), highAlert("a-5", models.AlertTypeCacheSlow, "sessions"))
	if h.reasoner.calls != 2 {
		t.Fatalf("expected second reasoning pass, got %d", h.reasoner.calls)
	}
}

func TestHandleAlertRoutesAutoFix(t *testing.T) {
	d := models.Diagnosis{
		ID: "d-3", FixType: models.FixDatabaseIndex, AutoFixable: true, Confidence: 0.9,
	}
	h := newAgentHarness(testAgentConfig(), d)

	h.agent.handleAlert(context.Background(), highAlert("a-6", models.AlertTypeDBSlow, "database"))

	requests := h.pub.byChannel(models.ChannelRepairRequests)
	if len(requests) != 1 {
		t.Fatalf("expected 1 repair request, got %d", len(requests))
	}
	req := requests[0].Payload.(models.RepairRequest)
	if req.AlertID != "a-6" || req.Diagnosis.ID != "d-3" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.RequestedBy != "diagnosis" {
		t.Fatalf("expected requestedBy diagnosis, got %q", req.RequestedBy)
	}
	if len(h.alerter.created) != 0 {
		t.Fatal("auto-fix path must not escalate")
	}
}

func TestHandleAlertLowConfidenceEscalates(t *testing.T) {
	d := models.Diagnosis{ID: "d-4", FixType: models.FixServiceRestart, AutoFixable: true, Confidence: 0.3}
	h := newAgentHarness(testAgentConfig(), d)

	h.agent.handleAlert(context.Background(), highAlert("a-7", models.AlertTypeEndpointDown, "checkout"))

	if len(h.pub.byChannel(models.ChannelRepairRequests)) != 0 {
		t.Fatal("confidence 0.3 must never trigger a repair")
	}
	if len(h.alerter.created) != 1 || h.alerter.created[0] != models.AlertTypeDiagnosisEscalation {
		t.Fatalf("expected escalation alert, got %v", h.alerter.created)
	}
}

func TestHandleAlertNotFixableNeedsConfidenceBar(t *testing.T) {
	// High confidence but FixType NONE: nothing to execute, no escalation.
	d := models.Diagnosis{ID: "d-5", FixType: models.FixNone, AutoFixable: true, Confidence: 0.95}
	h := newAgentHarness(testAgentConfig(), d)

	h.agent.handleAlert(context.Background(), highAlert("a-8", models.AlertTypeHighDisk, "host"))

	if len(h.pub.byChannel(models.ChannelRepairRequests)) != 0 {
		t.Fatal("NONE fix type must not produce a repair request")
	}
	if len(h.alerter.created) != 0 {
		t.Fatal("high confidence must not escalate")
	}
}

func TestPatternShortCircuitSkipsReasoner(t *testing.T) {
	h := newAgentHarness(testAgentConfig(), models.Diagnosis{ID: "d-6"})
	h.patterns.ok = true
	h.patterns.pattern = models.Pattern{
		Hash:           "abc123",
		AlertType:      models.AlertTypeDBSlow,
		Component:      "database",
		FixType:        models.FixDatabaseIndex,
		Severity:       models.SeverityHigh,
		Successes:      9,
		Occurrences:    10,
		SuccessRate:    0.9,
		AvgFixTimeMS:   1200,
		AutoFixEnabled: true,
	}

	h.agent.handleAlert(context.Background(), highAlert("a-9", models.AlertTypeDBSlow, "database"))

	if h.reasoner.calls != 0 {
		t.Fatal("pattern hit must skip the reasoner")
	}
	published := h.pub.byChannel(models.ChannelDiagnoses)
	if len(published) != 1 {
		t.Fatalf("expected published diagnosis, got %d", len(published))
	}
	d := published[0].Payload.(models.Diagnosis)
	if d.DiagnosedBy != models.DiagnosedByPattern {
		t.Fatalf("expected pattern source, got %s", d.DiagnosedBy)
	}
	if d.Confidence != 0.9 || d.FixType != models.FixDatabaseIndex {
		t.Fatalf("pattern not carried into diagnosis: %+v", d)
	}
	if len(h.pub.byChannel(models.ChannelRepairRequests)) != 1 {
		t.Fatal("proven pattern above the bar must request repair")
	}
}

func TestStartSubscribesAndStopUnsubscribes(t *testing.T) {
	h := newAgentHarness(testAgentConfig(), models.Diagnosis{ID: "d-7", Confidence: 0.6})

	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.sub.channel != models.ChannelAlerts {
		t.Fatalf("expected subscription to alerts, got %q", h.sub.channel)
	}

	h.sub.handler(models.Event{Channel: models.ChannelAlerts, Payload: highAlert("a-10", models.AlertTypeHighMemory, "host")})
	if h.reasoner.calls != 1 {
		t.Fatalf("expected handler to diagnose, got %d calls", h.reasoner.calls)
	}

	if err := h.agent.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !h.sub.unsubscribed {
		t.Fatal("expected unsubscribe on stop")
	}
}

type fakeStats struct {
	stats map[string]models.SeriesStats
}

func (f *fakeStats) Stats(name string, _ telemetry.QueryOpts) (*models.SeriesStats, bool) {
	s, ok := f.stats[name]
	if !ok {
		return nil, false
	}
	return &s, true
}

type fakeAlertSource struct {
	active []models.Alert
}

func (f *fakeAlertSource) ListActive(alerting.Filter) []models.Alert { return f.active }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestGatherBuildsEvidence(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stats := &fakeStats{stats: map[string]models.SeriesStats{
		"db_query_time": {Name: "db_query_time", Count: 12, Avg: 640, P95: 900, Max: 950, Latest: 880},
	}}
	alerts := &fakeAlertSource{active: []models.Alert{
		{ID: "other-1", Type: models.AlertTypeEndpointSlow, Component: "checkout", UpdatedAt: now.Add(-time.Hour)},
		{ID: "other-2", Type: models.AlertTypeDBDown, Component: "database", UpdatedAt: now.Add(-time.Minute)},
		{ID: "self", Type: models.AlertTypeDBSlow, Component: "database", UpdatedAt: now},
	}}
	g := NewGatherer(stats, alerts, &fakePinger{})
	g.now = func() time.Time { return now }

	ev := g.Gather(context.Background(), models.Alert{ID: "self", Type: models.AlertTypeDBSlow, Component: "database"})

	if len(ev.Stats) != 1 || ev.Stats[0].Name != "db_query_time" {
		t.Fatalf("expected db stats gathered, got %+v", ev.Stats)
	}
	if len(ev.Related) != 1 || ev.Related[0].ID != "other-2" {
		t.Fatalf("expected the related database alert, got %+v", ev.Related)
	}
	if len(ev.Notes) != 1 {
		t.Fatalf("expected datastore ping note, got %v", ev.Notes)
	}
	if len(ev.Lines()) != 3 {
		t.Fatalf("expected 3 evidence lines, got %v", ev.Lines())
	}
}

func TestGatherSkipsPingForNonDatastoreAlerts(t *testing.T) {
	pinger := &fakePinger{}
	g := NewGatherer(nil, nil, pinger)

	ev := g.Gather(context.Background(), models.Alert{Type: models.AlertTypeHighCPU, Component: "host"})
	if len(ev.Notes) != 0 {
		t.Fatalf("expected no ping note for host alerts, got %v", ev.Notes)
	}
}
