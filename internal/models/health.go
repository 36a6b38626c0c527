package models

import "time"

// TargetHealth is the latest probe outcome for one monitored target.
type TargetHealth struct {
	Target           string      `json:"target"`
	Kind             string      `json:"kind"`
	State            HealthState `json:"state"`
	LatencyMS        float64     `json:"latencyMs"`
	Message          string      `json:"message,omitempty"`
	ConsecutiveFails int         `json:"consecutiveFails"`
	CheckedAt        time.Time   `json:"checkedAt"`
}

// HealthSummary aggregates per-target health into an overall state.
type HealthSummary struct {
	Overall   HealthState             `json:"overall"`
	Targets   map[string]TargetHealth `json:"targets"`
	CheckedAt time.Time               `json:"checkedAt"`
}

// WorstState folds per-target states into the overall value: any critical
// target makes the summary critical, any degraded target makes it degraded.
func (h HealthSummary) WorstState() HealthState {
	worst := HealthHealthy
	if len(h.Targets) == 0 {
		return HealthUnknown
	}
	for _, t := range h.Targets {
		switch t.State {
		case HealthCritical:
			return HealthCritical
		case HealthDegraded:
			worst = HealthDegraded
		case HealthUnknown:
			if worst == HealthHealthy {
				worst = HealthUnknown
			}
		}
	}
	return worst
}
