package models

import "time"

// ThreatType enumerates attack classes the security agent detects.
type ThreatType string

const (
	ThreatSQLInjection     ThreatType = "SQL_INJECTION"
	ThreatXSS              ThreatType = "XSS"
	ThreatPathTraversal    ThreatType = "PATH_TRAVERSAL"
	ThreatCommandInjection ThreatType = "COMMAND_INJECTION"
	ThreatBruteForce       ThreatType = "BRUTE_FORCE"
	ThreatRateAbuse        ThreatType = "RATE_ABUSE"
)

// SecurityIncident records one detected threat and the mitigation applied.
type SecurityIncident struct {
	ID         string     `json:"id"`
	Threat     ThreatType `json:"threat"`
	SourceIP   string     `json:"sourceIp"`
	Path       string     `json:"path,omitempty"`
	UserID     string     `json:"userId,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Mitigation string     `json:"mitigation"`
	BlockedFor string     `json:"blockedFor,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Mitigation identifies the action applied in response to a threat.
type Mitigation string

// Mitigation actions applied to security incidents.
const (
	MitigationPermanentBlock = "permanent_block"
	MitigationTimedBlock     = "timed_block"
	MitigationAccountLock    = "account_lock"
	MitigationThrottle       = "throttle"
	MitigationNone           = "none"
)
