package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/security"
	"github.com/miradorstack/mirador-sentinel/internal/state"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not-ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Health.Snapshot())
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	statuses := s.deps.Agents.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{"agents": statuses, "count": len(statuses)})
}

func (s *Server) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Agents.Restart(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent": name, "status": "restarted"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(r, "limit", 100, 500)

	if q.Get("active") == "false" {
		alerts, err := s.deps.History.ListAlerts(r.Context(), state.AlertQuery{
			Type:      q.Get("type"),
			Component: q.Get("component"),
			Severity:  models.Severity(q.Get("severity")),
			Since:     timeParam(r, "since"),
			Limit:     limit,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
		return
	}

	alerts := s.deps.Alerts.ListActive(alerting.Filter{
		Severity:  models.Severity(q.Get("severity")),
		Component: q.Get("component"),
		Limit:     limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAlertAcknowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Actor == "" {
		body.Actor = "api"
	}

	alert, err := s.deps.Alerts.Acknowledge(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Resolution == "" {
		body.Resolution = "resolved via api"
	}

	alert, err := s.deps.Alerts.Resolve(r.Context(), r.PathValue("id"), alerting.ResolveOpts{
		Resolution: body.Resolution,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleMetricNames(w http.ResponseWriter, _ *http.Request) {
	names := s.deps.Metrics.Names()
	writeJSON(w, http.StatusOK, map[string]any{"names": names, "count": len(names)})
}

func (s *Server) handleMetricQuery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	window := durationParam(r, "window", 15*time.Minute)
	opts := telemetry.QueryOpts{
		Start: timeParam(r, "start"),
		End:   timeParam(r, "end"),
		Limit: intParam(r, "limit", 200, 2000),
	}

	samples := s.deps.Metrics.Query(name, opts)
	seriesStats, ok := s.deps.Metrics.Stats(name, telemetry.QueryOpts{Start: opts.Start, End: opts.End})
	if len(samples) == 0 && !ok {
		s.writeError(w, fmt.Errorf("metric %s: %w", name, utils.ErrNotFound))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"samples": samples,
		"stats":   seriesStats,
		"trend":   s.deps.Metrics.Trend(name, window),
	})
}

func (s *Server) handleDiagnoses(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.History.RecentDiagnoses(r.Context(), intParam(r, "limit", 50, 500))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagnoses": list, "count": len(list)})
}

func (s *Server) handleRepairs(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.History.RecentRepairs(r.Context(), intParam(r, "limit", 50, 500))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repairs": list, "count": len(list)})
}

func (s *Server) handlePatterns(w http.ResponseWriter, _ *http.Request) {
	patterns := s.deps.Patterns.Patterns()
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "count": len(patterns)})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") == "true" {
		list, err := s.deps.History.RecentPredictions(r.Context(), intParam(r, "limit", 50, 500))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"predictions": list, "count": len(list)})
		return
	}

	active := s.deps.Forecasts.Active()
	writeJSON(w, http.StatusOK, map[string]any{"predictions": active, "count": len(active)})
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"history": s.deps.Reviews.History()}
	if latest, ok := s.deps.Reviews.Latest(); ok {
		resp["latest"] = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.deps.Events.Recent(intParam(r, "limit", 50, 500))
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.History.RecentIncidents(r.Context(), intParam(r, "limit", 50, 500))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list, "count": len(list)})
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	ips := s.deps.Security.BlockedIPs(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"blockedIps": ips, "count": len(ips)})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip is required"})
		return
	}

	if err := s.deps.Security.Unblock(r.Context(), body.IP); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": body.IP, "status": "unblocked"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req security.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}
	writeJSON(w, http.StatusOK, s.deps.Security.Analyze(r.Context(), req))
}

func (s *Server) handleFailedLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP   string `json:"ip"`
		User string `json:"user"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.IP == "" {
		body.IP = clientIP(r)
	}
	writeJSON(w, http.StatusOK, s.deps.Security.RecordFailedLogin(r.Context(), body.IP, body.User))
}

// writeError maps domain failures onto status codes. Unexpected errors are
// logged server-side and reported with a generic message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, utils.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, utils.ErrRepairNotAllowed):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a bounded JSON body. An empty body keeps the defaults.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func intParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func timeParam(r *http.Request, name string) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := utils.ParseRFC3339(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func durationParam(r *http.Request, name string, def time.Duration) time.Duration {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
