package models

import "time"

// Pattern is accumulated knowledge about one recurring issue and its fix.
type Pattern struct {
	Hash           string    `json:"hash"`
	AlertType      string    `json:"alertType"`
	Component      string    `json:"component"`
	FixType        FixType   `json:"fixType"`
	Severity       Severity  `json:"severity"`
	RootCause      string    `json:"rootCause,omitempty"`
	Solution       string    `json:"solution,omitempty"`
	Occurrences    int       `json:"occurrences"`
	Successes      int       `json:"successes"`
	Failures       int       `json:"failures"`
	SuccessRate    float64   `json:"successRate"`
	AvgFixTimeMS   int64     `json:"avgFixTimeMs"`
	AutoFixEnabled bool      `json:"autoFixEnabled"`
	LastAppliedAt  time.Time `json:"lastAppliedAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
