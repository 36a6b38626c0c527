package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels operations that completed.
	OutcomeSuccess = "success"
	// OutcomeFailure labels operations that failed.
	OutcomeFailure = "failure"
	// OutcomeDropped labels work discarded after exhausting retries.
	OutcomeDropped = "dropped"
)

var (
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "events_published_total",
			Help:      "Events published to the bus, partitioned by channel.",
		},
		[]string{"channel"},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber or mirror queue was full.",
		},
		[]string{"channel"},
	)

	alertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "alerts_created_total",
			Help:      "Alerts created, partitioned by severity.",
		},
		[]string{"severity"},
	)

	alertsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_sentinel",
			Name:      "alerts_active",
			Help:      "Currently unresolved alerts.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "notifications_total",
			Help:      "Notification deliveries, partitioned by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)

	diagnosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "diagnoses_total",
			Help:      "Diagnoses produced, partitioned by source.",
		},
		[]string{"source"},
	)

	diagnosisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_sentinel",
			Name:      "diagnosis_seconds",
			Help:      "Diagnosis latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	repairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "repairs_total",
			Help:      "Repair attempts, partitioned by fix type and outcome.",
		},
		[]string{"fix_type", "outcome"},
	)

	repairDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_sentinel",
			Name:      "repair_seconds",
			Help:      "Repair execution latency in seconds, verification included.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	securityThreatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "security_threats_total",
			Help:      "Detected threats, partitioned by threat type.",
		},
		[]string{"threat"},
	)

	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "predictions_total",
			Help:      "Predictions issued, partitioned by forecast type.",
		},
		[]string{"type"},
	)

	patternsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_sentinel",
			Name:      "patterns_tracked",
			Help:      "Learned fix patterns currently held in memory.",
		},
	)

	probeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_sentinel",
			Name:      "probe_seconds",
			Help:      "Probe round-trip latency in seconds, partitioned by target.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"target"},
	)

	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_sentinel",
			Name:      "ws_clients",
			Help:      "Connected websocket stream clients.",
		},
	)

	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "api_requests_total",
			Help:      "API requests, partitioned by route pattern and status code.",
		},
		[]string{"route", "status"},
	)
)

// Register attaches sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsPublishedTotal,
		eventsDroppedTotal,
		alertsCreatedTotal,
		alertsActive,
		notificationsTotal,
		diagnosesTotal,
		diagnosisDurationSeconds,
		repairsTotal,
		repairDurationSeconds,
		securityThreatsTotal,
		predictionsTotal,
		patternsTracked,
		probeDurationSeconds,
		wsClients,
		apiRequestsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// IncEventPublished counts one published event.
func IncEventPublished(channel string) {
	eventsPublishedTotal.WithLabelValues(channel).Inc()
}

// IncEventDropped counts one dropped event.
func IncEventDropped(channel string) {
	eventsDroppedTotal.WithLabelValues(channel).Inc()
}

// IncAlertCreated counts one newly created alert.
func IncAlertCreated(severity string) {
	alertsCreatedTotal.WithLabelValues(severity).Inc()
}

// SetActiveAlerts records the current number of unresolved alerts.
func SetActiveAlerts(n int) {
	alertsActive.Set(float64(n))
}

// IncNotification counts one notification delivery attempt outcome.
func IncNotification(sink, outcome string) {
	notificationsTotal.WithLabelValues(sink, outcome).Inc()
}

// ObserveDiagnosis records a diagnosis duration and its source label.
func ObserveDiagnosis(duration time.Duration, source string) {
	diagnosesTotal.WithLabelValues(source).Inc()
	if duration < 0 {
		duration = 0
	}
	diagnosisDurationSeconds.Observe(duration.Seconds())
}

// ObserveRepair records a repair duration and outcome.
func ObserveRepair(duration time.Duration, fixType string, success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}
	repairsTotal.WithLabelValues(fixType, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	repairDurationSeconds.Observe(duration.Seconds())
}

// IncThreat counts one detected threat.
func IncThreat(threat string) {
	securityThreatsTotal.WithLabelValues(threat).Inc()
}

// IncPrediction counts one issued prediction.
func IncPrediction(forecastType string) {
	predictionsTotal.WithLabelValues(forecastType).Inc()
}

// SetPatternsTracked records the learned pattern count.
func SetPatternsTracked(n int) {
	patternsTracked.Set(float64(n))
}

// ObserveProbe records one probe round trip.
func ObserveProbe(target string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	probeDurationSeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// AddWSClient tracks websocket client connects and disconnects.
func AddWSClient(delta int) {
	wsClients.Add(float64(delta))
}

// IncAPIRequest counts one served API request.
func IncAPIRequest(route string, status int) {
	apiRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
