package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Rule maps one alert type to its assessed cause and remediation.
type Rule struct {
	AlertType        string  `yaml:"alertType"`
	RootCause        string  `yaml:"rootCause"`
	SuggestedFix     string  `yaml:"suggestedFix"`
	FixType          string  `yaml:"fixType"`
	AutoFixable      bool    `yaml:"autoFixable"`
	Confidence       float64 `yaml:"confidence"`
	EstimatedFixTime string  `yaml:"estimatedFixTime"`
	AffectedUsers    string  `yaml:"affectedUsers"`
	PreventionAdvice string  `yaml:"preventionAdvice"`
}

// rulePackFile is the on-disk shape of a rule-pack override.
type rulePackFile struct {
	Rules []Rule `yaml:"rules"`
}

// builtinRules covers every alert type the monitor and security agents raise.
var builtinRules = []Rule{
	{
		AlertType:        models.AlertTypeDBSlow,
		RootCause:        "datastore queries exceeding the latency budget, likely a missing index or lock contention",
		SuggestedFix:     "refresh datastore statistics and rebuild hot indexes",
		FixType:          string(models.FixDatabaseIndex),
		AutoFixable:      true,
		Confidence:       0.85,
		EstimatedFixTime: "2-5 minutes",
		AffectedUsers:    "all requests touching the datastore",
		PreventionAdvice: "review query plans after schema changes and keep statistics fresh",
	},
	{
		AlertType:        models.AlertTypeDBDown,
		RootCause:        "datastore unreachable, connection refused or exhausted pool",
		SuggestedFix:     "fail over to the standby datastore",
		FixType:          string(models.FixProviderFailover),
		AutoFixable:      true,
		Confidence:       0.75,
		EstimatedFixTime: "1-2 minutes",
		AffectedUsers:    "all users",
		PreventionAdvice: "monitor connection pool saturation and keep a warm standby",
	},
	{
		AlertType:        models.AlertTypeCacheSlow,
		RootCause:        "cache responding slowly, likely memory pressure or oversized values",
		SuggestedFix:     "clear the hottest cache namespace to shed load",
		FixType:          string(models.FixCacheClear),
		AutoFixable:      true,
		Confidence:       0.8,
		EstimatedFixTime: "under 1 minute",
		AffectedUsers:    "requests on cached paths see higher latency",
		PreventionAdvice: "cap value sizes and set TTLs on every key",
	},
	{
		AlertType:        models.AlertTypeCacheDown,
		RootCause:        "cache unreachable, service down or network partition",
		SuggestedFix:     "fail over to the fallback cache or serve from source",
		FixType:          string(models.FixProviderFailover),
		AutoFixable:      true,
		Confidence:       0.7,
		EstimatedFixTime: "1-3 minutes",
		AffectedUsers:    "all users, degraded latency",
		PreventionAdvice: "run the cache with a replica and health-check both",
	},
	{
		AlertType:        models.AlertTypeEndpointSlow,
		RootCause:        "endpoint latency above budget, likely connection pool exhaustion downstream",
		SuggestedFix:     "expand the connection pool toward the slow endpoint",
		FixType:          string(models.FixConnectionPoolExpand),
		AutoFixable:      true,
		Confidence:       0.7,
		EstimatedFixTime: "under 1 minute",
		AffectedUsers:    "users of the affected endpoint",
		PreventionAdvice: "load-test pool sizing before traffic peaks",
	},
	{
		AlertType:        models.AlertTypeEndpointDown,
		RootCause:        "endpoint returning errors or unreachable, process likely wedged",
		SuggestedFix:     "signal a restart of the owning service",
		FixType:          string(models.FixServiceRestart),
		AutoFixable:      true,
		Confidence:       0.75,
		EstimatedFixTime: "2-4 minutes",
		AffectedUsers:    "users of the affected endpoint",
		PreventionAdvice: "add a liveness probe so the orchestrator restarts it first",
	},
	{
		AlertType:        models.AlertTypeDependencyDown,
		RootCause:        "external dependency unreachable",
		SuggestedFix:     "fail over to the secondary provider",
		FixType:          string(models.FixProviderFailover),
		AutoFixable:      true,
		Confidence:       0.7,
		EstimatedFixTime: "1-2 minutes",
		AffectedUsers:    "features backed by the dependency",
		PreventionAdvice: "keep a secondary provider configured and tested",
	},
	{
		AlertType:        models.AlertTypeHighCPU,
		RootCause:        "sustained CPU saturation, likely a traffic spike or runaway worker",
		SuggestedFix:     "tighten rate limits to shed excess load",
		FixType:          string(models.FixRateLimitAdjust),
		AutoFixable:      true,
		Confidence:       0.65,
		EstimatedFixTime: "under 1 minute",
		AffectedUsers:    "all users, elevated latency",
		PreventionAdvice: "autoscale on CPU before the saturation threshold",
	},
	{
		AlertType:        models.AlertTypeHighMemory,
		RootCause:        "host memory nearly exhausted",
		SuggestedFix:     "run memory cleanup and release freed pages",
		FixType:          string(models.FixMemoryCleanup),
		AutoFixable:      true,
		Confidence:       0.8,
		EstimatedFixTime: "under 1 minute",
		AffectedUsers:    "all users if the OOM killer engages",
		PreventionAdvice: "set container memory limits below host capacity",
	},
	{
		AlertType:        models.AlertTypeMemoryPressure,
		RootCause:        "process heap approaching its limit, possible leak or cache growth",
		SuggestedFix:     "force garbage collection and return memory to the OS",
		FixType:          string(models.FixMemoryCleanup),
		AutoFixable:      true,
		Confidence:       0.85,
		EstimatedFixTime: "under 1 minute",
		AffectedUsers:    "none yet, preventive",
		PreventionAdvice: "profile heap growth and bound in-process caches",
	},
	{
		AlertType:        models.AlertTypeHighLoad,
		RootCause:        "run queue longer than available cores",
		SuggestedFix:     "tighten rate limits until load subsides",
		FixType:          string(models.FixRateLimitAdjust),
		AutoFixable:      true,
		Confidence:       0.65,
		EstimatedFixTime: "under 1 minute",
		AffectedUsers:    "all users, elevated latency",
		PreventionAdvice: "scale horizontally before load average exceeds core count",
	},
	{
		AlertType:        models.AlertTypeHighDisk,
		RootCause:        "disk nearly full, likely unrotated logs or stale artifacts",
		SuggestedFix:     "operator intervention: prune logs and artifacts",
		FixType:          string(models.FixNone),
		AutoFixable:      false,
		Confidence:       0.7,
		EstimatedFixTime: "10-30 minutes",
		AffectedUsers:    "writes fail once the volume is full",
		PreventionAdvice: "rotate logs aggressively and alert at a lower watermark",
	},
	{
		AlertType:        models.AlertTypeSecurityThreat,
		RootCause:        "hostile traffic detected and mitigated at the edge",
		SuggestedFix:     "tighten rate limits while the attack persists",
		FixType:          string(models.FixRateLimitAdjust),
		AutoFixable:      false,
		Confidence:       0.6,
		EstimatedFixTime: "operator review required",
		AffectedUsers:    "attacker blocked, legitimate users unaffected",
		PreventionAdvice: "review the incident log and extend signatures if needed",
	},
	{
		AlertType:        models.AlertTypeDiagnosisEscalation,
		RootCause:        "automated assessment was inconclusive",
		SuggestedFix:     "escalate to an operator",
		FixType:          string(models.FixNone),
		AutoFixable:      false,
		Confidence:       0.5,
		EstimatedFixTime: "operator dependent",
	},
}

// genericRule answers alert types the table does not know.
var genericRule = Rule{
	RootCause:    "no matching rule for this alert type",
	SuggestedFix: "escalate to an operator for manual review",
	FixType:      string(models.FixNone),
	AutoFixable:  false,
	Confidence:   0.5,
}

// predictedRule answers forecast-driven alerts; they describe the future, so
// nothing is executed automatically.
var predictedRule = Rule{
	RootCause:        "forecast indicates an approaching threshold breach",
	SuggestedFix:     "act on the prediction before the projected breach time",
	FixType:          string(models.FixNone),
	AutoFixable:      false,
	Confidence:       0.55,
	PreventionAdvice: "address the underlying growth trend",
}

// RuleReasoner diagnoses alerts from a closed rule table with no external
// dependencies.
type RuleReasoner struct {
	rules  map[string]Rule
	logger *slog.Logger
}

// NewRuleReasoner builds the reasoner from the built-in table, optionally
// overridden by a YAML rule pack. A missing pack file is not an error.
func NewRuleReasoner(packPath string, logger *slog.Logger) (*RuleReasoner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := make(map[string]Rule, len(builtinRules))
	for _, r := range builtinRules {
		rules[r.AlertType] = r
	}
	loaded, err := loadRulePack(packPath)
	if err != nil {
		return nil, err
	}
	for _, r := range loaded {
		if r.AlertType == "" {
			continue
		}
		rules[r.AlertType] = r
	}
	if len(loaded) > 0 {
		logger.Info("rule pack loaded", slog.String("path", packPath), slog.Int("rules", len(loaded)))
	}
	return &RuleReasoner{rules: rules, logger: logger}, nil
}

// loadRulePack reads rule overrides from path. Empty path or a missing file
// yields no overrides.
func loadRulePack(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	var file rulePackFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	return file.Rules, nil
}

// Name identifies the reasoner in diagnosis records.
func (r *RuleReasoner) Name() string { return models.DiagnosedByRules }

// Diagnose resolves the alert against the rule table. Unknown types get the
// generic low-confidence entry; it never fails.
func (r *RuleReasoner) Diagnose(_ context.Context, alert models.Alert, ev Evidence) (models.Diagnosis, error) {
	rule, ok := r.rules[alert.Type]
	if !ok {
		if strings.HasPrefix(alert.Type, "PREDICTED_") {
			rule = predictedRule
		} else {
			rule = genericRule
		}
	}
	return models.Diagnosis{
		ID:               uuid.NewString(),
		AlertID:          alert.ID,
		AlertType:        alert.Type,
		Component:        alert.Component,
		Severity:         alert.Severity,
		RootCause:        rule.RootCause,
		Confidence:       clampConfidence(rule.Confidence),
		SuggestedFix:     rule.SuggestedFix,
		FixType:          parseFixType(rule.FixType),
		AutoFixable:      rule.AutoFixable,
		EstimatedFixTime: rule.EstimatedFixTime,
		AffectedUsers:    rule.AffectedUsers,
		PreventionAdvice: rule.PreventionAdvice,
		DiagnosedBy:      models.DiagnosedByRules,
		Evidence:         ev.Lines(),
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// parseFixType maps a string to a known fix type, defaulting to NONE.
func parseFixType(s string) models.FixType {
	switch models.FixType(strings.ToUpper(strings.TrimSpace(s))) {
	case models.FixDatabaseIndex:
		return models.FixDatabaseIndex
	case models.FixServiceRestart:
		return models.FixServiceRestart
	case models.FixCacheClear:
		return models.FixCacheClear
	case models.FixProviderFailover:
		return models.FixProviderFailover
	case models.FixMemoryCleanup:
		return models.FixMemoryCleanup
	case models.FixConnectionPoolExpand:
		return models.FixConnectionPoolExpand
	case models.FixRateLimitAdjust:
		return models.FixRateLimitAdjust
	default:
		return models.FixNone
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
