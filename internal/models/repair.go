package models

import "time"

// RepairRequest asks the repair agent to execute a remediation.
type RepairRequest struct {
	ID          string    `json:"id"`
	AlertID     string    `json:"alertId"`
	Diagnosis   Diagnosis `json:"diagnosis"`
	RequestedBy string    `json:"requestedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RepairOutcome records one attempted remediation and its verification.
type RepairOutcome struct {
	ID           string    `json:"id"`
	AlertID      string    `json:"alertId"`
	AlertType    string    `json:"alertType"`
	Component    string    `json:"component"`
	FixType      FixType   `json:"fixType"`
	Severity     Severity  `json:"severity"`
	Success      bool      `json:"success"`
	Action       string    `json:"action,omitempty"`
	Error        string    `json:"error,omitempty"`
	Verification string    `json:"verification,omitempty"`
	RollbackPlan string    `json:"rollbackPlan,omitempty"`
	RolledBack   bool      `json:"rolledBack"`
	DurationMS   int64     `json:"durationMs"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Verification outcomes recorded on a repair.
const (
	VerificationPassed  = "passed"
	VerificationFailed  = "failed"
	VerificationSkipped = "skipped"
)
