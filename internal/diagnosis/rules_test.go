package diagnosis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

func TestRuleReasonerKnownType(t *testing.T) {
	r, err := NewRuleReasoner("", nil)
	if err != nil {
		t.Fatalf("new rule reasoner: %v", err)
	}
	alert := models.Alert{
		ID:        "a-1",
		Type:      models.AlertTypeDBSlow,
		Component: "database",
		Severity:  models.SeverityHigh,
	}
	ev := Evidence{Notes: []string{"datastore ping ok in 3ms"}}

	d, err := r.Diagnose(context.Background(), alert, ev)
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.FixType != models.FixDatabaseIndex {
		t.Fatalf("expected DATABASE_INDEX, got %s", d.FixType)
	}
	if !d.AutoFixable {
		t.Fatal("expected DB_SLOW to be auto-fixable")
	}
	if d.Confidence != 0.85 {
		t.Fatalf("expected confidence 0.85, got %v", d.Confidence)
	}
	if d.DiagnosedBy != models.DiagnosedByRules {
		t.Fatalf("expected rules source, got %s", d.DiagnosedBy)
	}
	if d.AlertID != "a-1" || d.Component != "database" {
		t.Fatalf("alert identity not carried: %+v", d)
	}
	if len(d.Evidence) != 1 || d.Evidence[0] != "datastore ping ok in 3ms" {
		t.Fatalf("expected evidence carried, got %v", d.Evidence)
	}
}

func TestRuleReasonerUnknownTypeFallsToGeneric(t *testing.T) {
	r, _ := NewRuleReasoner("", nil)
	d, err := r.Diagnose(context.Background(), models.Alert{Type: "SOMETHING_NEW"}, Evidence{})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.FixType != models.FixNone || d.AutoFixable {
		t.Fatalf("generic entry must not be auto-fixable, got %+v", d)
	}
	if d.Confidence != 0.5 {
		t.Fatalf("expected generic confidence 0.5, got %v", d.Confidence)
	}
}

func TestRuleReasonerPredictedPrefix(t *testing.T) {
	r, _ := NewRuleReasoner("", nil)
	d, err := r.Diagnose(context.Background(), models.Alert{Type: "PREDICTED_MEMORY_LEAK"}, Evidence{})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.Confidence != 0.55 || d.AutoFixable {
		t.Fatalf("expected predictive entry, got %+v", d)
	}
}

func TestRuleReasonerCoversMonitorAndSecurityTypes(t *testing.T) {
	r, _ := NewRuleReasoner("", nil)
	for _, alertType := range []string{
		models.AlertTypeDBSlow, models.AlertTypeDBDown,
		models.AlertTypeCacheSlow, models.AlertTypeCacheDown,
		models.AlertTypeEndpointSlow, models.AlertTypeEndpointDown,
		models.AlertTypeDependencyDown,
		models.AlertTypeHighCPU, models.AlertTypeHighMemory,
		models.AlertTypeHighLoad, models.AlertTypeHighDisk,
		models.AlertTypeMemoryPressure, models.AlertTypeSecurityThreat,
	} {
		if _, ok := r.rules[alertType]; !ok {
			t.Fatalf("missing rule for %s", alertType)
		}
	}
}

func TestRulePackOverridesAndExtends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	pack := `rules:
  - alertType: DB_SLOW
    rootCause: overridden cause
    suggestedFix: overridden fix
    fixType: DATABASE_INDEX
    autoFixable: true
    confidence: 0.9
  - alertType: QUEUE_BACKLOG
    rootCause: consumer lag
    suggestedFix: scale consumers
    fixType: SERVICE_RESTART
    autoFixable: false
    confidence: 0.6
`
	if err := os.WriteFile(path, []byte(pack), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}

	r, err := NewRuleReasoner(path, nil)
	if err != nil {
		t.Fatalf("new rule reasoner: %v", err)
	}
	d, _ := r.Diagnose(context.Background(), models.Alert{Type: models.AlertTypeDBSlow}, Evidence{})
	if d.RootCause != "overridden cause" || d.Confidence != 0.9 {
		t.Fatalf("expected override applied, got %+v", d)
	}
	d, _ = r.Diagnose(context.Background(), models.Alert{Type: "QUEUE_BACKLOG"}, Evidence{})
	if d.RootCause != "consumer lag" || d.FixType != models.FixServiceRestart {
		t.Fatalf("expected new rule applied, got %+v", d)
	}
}

func TestRulePackMissingFileIsIgnored(t *testing.T) {
	if _, err := NewRuleReasoner(filepath.Join(t.TempDir(), "absent.yaml"), nil); err != nil {
		t.Fatalf("missing pack must not fail: %v", err)
	}
}

func TestRulePackMalformedFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("rules: {not a list"), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	if _, err := NewRuleReasoner(path, nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseFixType(t *testing.T) {
	cases := map[string]models.FixType{
		"DATABASE_INDEX":   models.FixDatabaseIndex,
		"cache_clear":      models.FixCacheClear,
		" MEMORY_CLEANUP ": models.FixMemoryCleanup,
		"bogus":            models.FixNone,
		"":                 models.FixNone,
	}
	for in, want := range cases {
		if got := parseFixType(in); got != want {
			t.Fatalf("parseFixType(%q) = %s, want %s", in, got, want)
		}
	}
}

type scriptedReasoner struct {
	name  string
	d     models.Diagnosis
	err   error
	calls int
}

func (s *scriptedReasoner) Name() string { return s.name }

func (s *scriptedReasoner) Diagnose(context.Context, models.Alert, Evidence) (models.Diagnosis, error) {
	s.calls++
	return s.d, s.err
}

func TestFallbackUsesPrimary(t *testing.T) {
	primary := &scriptedReasoner{name: "ai", d: models.Diagnosis{DiagnosedBy: models.DiagnosedByAI}}
	secondary := &scriptedReasoner{name: "rules", d: models.Diagnosis{DiagnosedBy: models.DiagnosedByRules}}
	f := NewFallback(primary, secondary, nil)

	d, err := f.Diagnose(context.Background(), models.Alert{}, Evidence{})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.DiagnosedBy != models.DiagnosedByAI {
		t.Fatalf("expected primary result, got %s", d.DiagnosedBy)
	}
	if secondary.calls != 0 {
		t.Fatal("secondary must not run when primary succeeds")
	}
}

func TestFallbackDegradesOnPrimaryError(t *testing.T) {
	primary := &scriptedReasoner{name: "ai", err: errors.New("timeout")}
	secondary := &scriptedReasoner{name: "rules", d: models.Diagnosis{DiagnosedBy: models.DiagnosedByRules}}
	f := NewFallback(primary, secondary, nil)

	d, err := f.Diagnose(context.Background(), models.Alert{}, Evidence{})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.DiagnosedBy != models.DiagnosedByRules {
		t.Fatalf("expected fallback to rules, got %s", d.DiagnosedBy)
	}
}

func TestFallbackWithoutPrimary(t *testing.T) {
	secondary := &scriptedReasoner{name: "rules", d: models.Diagnosis{DiagnosedBy: models.DiagnosedByRules}}
	f := NewFallback(nil, secondary, nil)

	d, err := f.Diagnose(context.Background(), models.Alert{}, Evidence{})
	if err != nil || d.DiagnosedBy != models.DiagnosedByRules {
		t.Fatalf("expected rules result, got %+v err %v", d, err)
	}
}

type fakeChat struct {
	content string
	err     error
}

func (f *fakeChat) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func newTestOpenAIReasoner(chat chatClient) *OpenAIReasoner {
	return &OpenAIReasoner{client: chat, model: "gpt-4o-mini", timeout: time.Second, maxTokens: 200}
}

func TestOpenAIReasonerParsesContract(t *testing.T) {
	chat := &fakeChat{content: `{"rootCause":"pool exhausted","confidence":0.92,` +
		`"suggestedFix":"expand the pool","fixType":"CONNECTION_POOL_EXPAND","autoFixable":true,` +
		`"estimatedFixTime":"1 minute","affectedUsers":"checkout","preventionAdvice":"size pools by load test"}`}
	r := newTestOpenAIReasoner(chat)

	d, err := r.Diagnose(context.Background(), models.Alert{ID: "a-9", Type: models.AlertTypeEndpointSlow}, Evidence{})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.FixType != models.FixConnectionPoolExpand || !d.AutoFixable {
		t.Fatalf("unexpected fix mapping: %+v", d)
	}
	if d.Confidence != 0.92 || d.RootCause != "pool exhausted" {
		t.Fatalf("payload not honoured: %+v", d)
	}
	if d.DiagnosedBy != models.DiagnosedByAI {
		t.Fatalf("expected ai source, got %s", d.DiagnosedBy)
	}
}

func TestOpenAIReasonerToleratesCodeFence(t *testing.T) {
	chat := &fakeChat{content: "```json\n{\"rootCause\":\"x\",\"confidence\":2.5,\"fixType\":\"NONE\"}\n```"}
	r := newTestOpenAIReasoner(chat)

	d, err := r.Diagnose(context.Background(), models.Alert{}, Evidence{})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", d.Confidence)
	}
}

func TestOpenAIReasonerRejectsMalformedPayload(t *testing.T) {
	r := newTestOpenAIReasoner(&fakeChat{content: "the database looks slow"})
	if _, err := r.Diagnose(context.Background(), models.Alert{}, Evidence{}); err == nil {
		t.Fatal("expected malformed payload error")
	}

	r = newTestOpenAIReasoner(&fakeChat{err: errors.New("backend down")})
	if _, err := r.Diagnose(context.Background(), models.Alert{}, Evidence{}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestNewOpenAIReasonerDisabled(t *testing.T) {
	if r := NewOpenAIReasoner(config.AIConfig{Enabled: false, APIKey: "k"}, nil); r != nil {
		t.Fatal("expected nil reasoner when backend disabled")
	}
	if r := NewOpenAIReasoner(config.AIConfig{Enabled: true}, nil); r != nil {
		t.Fatal("expected nil reasoner without an api key")
	}
}
