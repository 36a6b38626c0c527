package models

import "time"

// Alert is a detected operational issue tracked through its lifecycle.
type Alert struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Severity        Severity       `json:"severity"`
	Component       string         `json:"component"`
	Message         string         `json:"message"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Threshold       float64        `json:"threshold,omitempty"`
	ActualValue     float64        `json:"actualValue,omitempty"`
	OccurrenceCount int            `json:"occurrenceCount"`
	Acknowledged    bool           `json:"acknowledged"`
	AcknowledgedBy  string         `json:"acknowledgedBy,omitempty"`
	Resolved        bool           `json:"resolved"`
	Resolution      string         `json:"resolution,omitempty"`
	AutoResolved    bool           `json:"autoResolved"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
}

// Alert types raised by the built-in agents. The set is open: callers may
// create alerts with types outside this list.
const (
	AlertTypeDBSlow              = "DB_SLOW"
	AlertTypeDBDown              = "DB_DOWN"
	AlertTypeCacheSlow           = "CACHE_SLOW"
	AlertTypeCacheDown           = "CACHE_DOWN"
	AlertTypeEndpointSlow        = "ENDPOINT_SLOW"
	AlertTypeEndpointDown        = "ENDPOINT_DOWN"
	AlertTypeDependencyDown      = "DEPENDENCY_DOWN"
	AlertTypeHighCPU             = "HIGH_CPU"
	AlertTypeHighMemory          = "HIGH_MEMORY"
	AlertTypeHighLoad            = "HIGH_LOAD"
	AlertTypeHighDisk            = "HIGH_DISK"
	AlertTypeMemoryPressure      = "MEMORY_PRESSURE"
	AlertTypeSecurityThreat      = "SECURITY_THREAT"
	AlertTypeDiagnosisEscalation = "DIAGNOSIS_ESCALATION"
)
