package diagnosis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
)

// maxRelatedAlerts bounds how many neighbouring alerts ride along as context.
const maxRelatedAlerts = 5

// Evidence is the context handed to a reasoner alongside the alert.
type Evidence struct {
	Stats   []models.SeriesStats `json:"stats,omitempty"`
	Related []models.Alert       `json:"related,omitempty"`
	Notes   []string             `json:"notes,omitempty"`
}

// Lines renders the evidence as human-readable strings for persistence and
// prompt building.
func (e Evidence) Lines() []string {
	var lines []string
	for _, s := range e.Stats {
		lines = append(lines, fmt.Sprintf("metric %s: n=%d avg=%.2f p95=%.2f max=%.2f latest=%.2f",
			s.Name, s.Count, s.Avg, s.P95, s.Max, s.Latest))
	}
	for _, a := range e.Related {
		lines = append(lines, fmt.Sprintf("related alert %s on %s (%s, seen %d times)",
			a.Type, a.Component, a.Severity, a.OccurrenceCount))
	}
	lines = append(lines, e.Notes...)
	return lines
}

// StatsSource is the slice of the telemetry store the gatherer reads.
type StatsSource interface {
	Stats(name string, opts telemetry.QueryOpts) (*models.SeriesStats, bool)
}

// AlertSource lists currently active alerts.
type AlertSource interface {
	ListActive(f alerting.Filter) []models.Alert
}

// Pinger measures datastore reachability for datastore-flavoured alerts.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Gatherer assembles the evidence bundle for an alert.
type Gatherer struct {
	stats  StatsSource
	alerts AlertSource
	store  Pinger
	now    func() time.Time
}

// NewGatherer wires the evidence sources; any of them may be nil.
func NewGatherer(stats StatsSource, alerts AlertSource, store Pinger) *Gatherer {
	return &Gatherer{stats: stats, alerts: alerts, store: store, now: time.Now}
}

// Gather collects metric stats relevant to the alert type, related active
// alerts ranked by component relatedness, and datastore diagnostics when the
// alert is datastore-flavoured.
func (g *Gatherer) Gather(ctx context.Context, alert models.Alert) Evidence {
	var ev Evidence
	if g == nil {
		return ev
	}
	if g.stats != nil {
		since := g.now().Add(-30 * time.Minute)
		for _, name := range metricsForAlertType(alert.Type) {
			if s, ok := g.stats.Stats(name, telemetry.QueryOpts{Start: since}); ok {
				ev.Stats = append(ev.Stats, *s)
			}
		}
	}
	if g.alerts != nil {
		ev.Related = g.relatedAlerts(alert)
	}
	if g.store != nil && isDatastoreAlert(alert.Type) {
		started := g.now()
		if err := g.store.Ping(ctx); err != nil {
			ev.Notes = append(ev.Notes, fmt.Sprintf("datastore ping failed: %v", err))
		} else {
			ev.Notes = append(ev.Notes, fmt.Sprintf("datastore ping ok in %s", g.now().Sub(started).Round(time.Millisecond)))
		}
	}
	return ev
}

// relatedAlerts ranks other active alerts by how related they are to the one
// being diagnosed and keeps the top few.
func (g *Gatherer) relatedAlerts(alert models.Alert) []models.Alert {
	active := g.alerts.ListActive(alerting.Filter{})
	type scored struct {
		alert models.Alert
		score int
	}
	var candidates []scored
	for _, a := range active {
		if a.ID == alert.ID {
			continue
		}
		score := relatednessScore(alert, a, g.now())
		if score > 0 {
			candidates = append(candidates, scored{alert: a, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > maxRelatedAlerts {
		candidates = candidates[:maxRelatedAlerts]
	}
	out := make([]models.Alert, len(candidates))
	for i, c := range candidates {
		out[i] = c.alert
	}
	return out
}

// relatednessScore weighs shared component highest, then shared alert family
// and recency.
func relatednessScore(subject, other models.Alert, now time.Time) int {
	score := 0
	if subject.Component != "" && subject.Component == other.Component {
		score += 3
	}
	if alertFamily(subject.Type) == alertFamily(other.Type) {
		score += 2
	}
	if now.Sub(other.UpdatedAt) <= 10*time.Minute {
		score++
	}
	return score
}

// alertFamily groups alert types by their leading token (DB, CACHE, HIGH...).
func alertFamily(alertType string) string {
	if i := strings.IndexByte(alertType, '_'); i > 0 {
		return alertType[:i]
	}
	return alertType
}

// metricsForAlertType names the telemetry series most relevant to an alert
// type, in priority order.
func metricsForAlertType(alertType string) []string {
	switch alertType {
	case models.AlertTypeDBSlow, models.AlertTypeDBDown:
		return []string{"db_query_time"}
	case models.AlertTypeCacheSlow, models.AlertTypeCacheDown:
		return []string{"cache_query_time"}
	case models.AlertTypeEndpointSlow, models.AlertTypeEndpointDown:
		return []string{"endpoint_latency_ms"}
	case models.AlertTypeDependencyDown:
		return []string{"dependency_latency_ms"}
	case models.AlertTypeHighCPU:
		return []string{"cpu_usage_percent", "load_average_1m"}
	case models.AlertTypeHighLoad:
		return []string{"load_average_1m", "cpu_usage_percent"}
	case models.AlertTypeHighMemory:
		return []string{"memory_usage_percent"}
	case models.AlertTypeMemoryPressure:
		return []string{"heap_usage_percent", "memory_usage_percent"}
	case models.AlertTypeHighDisk:
		return []string{"disk_usage_percent"}
	default:
		return nil
	}
}

// isDatastoreAlert reports whether the alert concerns the primary datastore.
func isDatastoreAlert(alertType string) bool {
	return alertType == models.AlertTypeDBSlow || alertType == models.AlertTypeDBDown
}
