package models

import "time"

// FixType enumerates remediations the repair agent knows how to apply.
type FixType string

const (
	FixDatabaseIndex        FixType = "DATABASE_INDEX"
	FixServiceRestart       FixType = "SERVICE_RESTART"
	FixCacheClear           FixType = "CACHE_CLEAR"
	FixProviderFailover     FixType = "PROVIDER_FAILOVER"
	FixMemoryCleanup        FixType = "MEMORY_CLEANUP"
	FixConnectionPoolExpand FixType = "CONNECTION_POOL_EXPAND"
	FixRateLimitAdjust      FixType = "RATE_LIMIT_ADJUST"
	FixNone                 FixType = "NONE"
)

// Diagnosis sources.
const (
	DiagnosedByAI      = "ai"
	DiagnosedByRules   = "rules"
	DiagnosedByPattern = "pattern"
)

// Diagnosis is the assessed root cause and suggested remediation for an alert.
type Diagnosis struct {
	ID               string    `json:"id"`
	AlertID          string    `json:"alertId"`
	AlertType        string    `json:"alertType"`
	Component        string    `json:"component"`
	Severity         Severity  `json:"severity"`
	RootCause        string    `json:"rootCause"`
	Confidence       float64   `json:"confidence"`
	SuggestedFix     string    `json:"suggestedFix"`
	FixType          FixType   `json:"fixType"`
	AutoFixable      bool      `json:"autoFixable"`
	EstimatedFixTime string    `json:"estimatedFixTime,omitempty"`
	AffectedUsers    string    `json:"affectedUsers,omitempty"`
	PreventionAdvice string    `json:"preventionAdvice,omitempty"`
	DiagnosedBy      string    `json:"diagnosedBy"`
	Evidence         []string  `json:"evidence,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}
