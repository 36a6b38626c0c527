package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
	"github.com/miradorstack/mirador-sentinel/pkg/expiring"
)

// blockKeyPrefix namespaces mirrored block entries in the cache provider.
const blockKeyPrefix = "sentinel:blocked:"

// Request is the slice of an inbound request the agent inspects.
type Request struct {
	IP      string            `json:"ip"`
	Path    string            `json:"path"`
	Method  string            `json:"method,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	UserID  string            `json:"userId,omitempty"`
}

// Verdict is the outcome of analyzing a request.
type Verdict struct {
	Blocked bool              `json:"blocked"`
	Reason  string            `json:"reason,omitempty"`
	Threat  models.ThreatType `json:"threatType,omitempty"`
}

// blockEntry records why an IP is blocked and for how long.
type blockEntry struct {
	Threat    models.ThreatType `json:"threat"`
	Reason    string            `json:"reason"`
	Permanent bool              `json:"permanent"`
	Until     time.Time         `json:"until,omitempty"`
}

// Publisher is the slice of the event bus the agent publishes incidents on.
type Publisher interface {
	Publish(channel string, payload any) models.Event
}

// Alerter raises alerts for detected threats.
type Alerter interface {
	Create(ctx context.Context, alertType string, opts alerting.CreateOpts) (models.Alert, error)
}

// IncidentSink persists security incidents.
type IncidentSink interface {
	AppendIncident(ctx context.Context, inc models.SecurityIncident) error
}

// Agent detects hostile traffic and applies mitigations.
type Agent struct {
	cfg       config.SecurityConfig
	provider  cache.Provider
	sink      IncidentSink
	publisher Publisher
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time

	blocked *expiring.Map[string, blockEntry]

	mu       sync.Mutex
	failures map[string][]time.Time
	requests map[string][]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent builds the security agent. provider may be nil when no cache is
// configured; block mirroring is skipped in that case.
func NewAgent(cfg config.SecurityConfig, provider cache.Provider, sink IncidentSink, publisher Publisher, alerter Alerter, logger *slog.Logger) *Agent {
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.FailedLoginWindow <= 0 {
		cfg.FailedLoginWindow = 15 * time.Minute
	}
	if cfg.BruteForceBlock <= 0 {
		cfg.BruteForceBlock = time.Hour
	}
	if cfg.TimedBlock <= 0 {
		cfg.TimedBlock = 24 * time.Hour
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 120
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = time.Minute
	}
	if cfg.ThrottleFor <= 0 {
		cfg.ThrottleFor = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:       cfg,
		provider:  provider,
		sink:      sink,
		publisher: publisher,
		alerter:   alerter,
		logger:    utils.ComponentLogger(logger, "security"),
		now:       time.Now,
		blocked:   expiring.New[string, blockEntry](),
		failures:  make(map[string][]time.Time),
		requests:  make(map[string][]time.Time),
	}
}

// Name identifies the agent to the runner.
func (a *Agent) Name() string { return "security" }

// Start launches the periodic sweep that reclaims expired entries.
func (a *Agent) Start(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Info("security agent disabled")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.sweepLoop(runCtx)
	return nil
}

// Stop cancels the sweep loop and waits for it to finish.
func (a *Agent) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Analyze inspects a request and returns whether it must be rejected.
// Blocked IPs are rejected before any inspection work happens.
func (a *Agent) Analyze(ctx context.Context, req Request) Verdict {
	if !a.cfg.Enabled {
		return Verdict{}
	}
	if entry, ok := a.blocked.Get(req.IP); ok {
		return Verdict{Blocked: true, Reason: "ip blocked: " + entry.Reason, Threat: entry.Threat}
	}
	if threat, match, ok := scan(req.Path, req.Body); ok {
		detail := fmt.Sprintf("signature match on %q", truncate(match, 120))
		return a.handleThreat(ctx, threat, req, detail)
	}
	if a.overRequestLimit(req.IP) {
		detail := fmt.Sprintf("more than %d requests in %s", a.cfg.MaxRequests, a.cfg.RequestWindow)
		return a.handleThreat(ctx, models.ThreatRateAbuse, req, detail)
	}
	return Verdict{}
}

// RecordFailedLogin tracks authentication failures per IP and blocks the
// source once the sliding-window limit is reached.
func (a *Agent) RecordFailedLogin(ctx context.Context, ip, user string) Verdict {
	if !a.cfg.Enabled {
		return Verdict{}
	}
	if entry, ok := a.blocked.Get(ip); ok {
		return Verdict{Blocked: true, Reason: "ip blocked: " + entry.Reason, Threat: entry.Threat}
	}
	now := a.now()
	cutoff := now.Add(-a.cfg.FailedLoginWindow)

	a.mu.Lock()
	kept := keepAfter(a.failures[ip], cutoff)
	kept = append(kept, now)
	tripped := len(kept) >= a.cfg.MaxFailedLogins
	if tripped {
		delete(a.failures, ip)
	} else {
		a.failures[ip] = kept
	}
	a.mu.Unlock()

	if !tripped {
		return Verdict{}
	}
	detail := fmt.Sprintf("%d failed logins within %s", len(kept), a.cfg.FailedLoginWindow)
	return a.handleThreat(ctx, models.ThreatBruteForce, Request{IP: ip, UserID: user}, detail)
}

// Blocked reports whether an IP is currently blocked.
func (a *Agent) Blocked(ip string) bool {
	return a.blocked.Contains(ip)
}

// BlockedIPs lists blocked IPs, merging the local store with the mirrored
// view from the cache provider when one is configured.
func (a *Agent) BlockedIPs(ctx context.Context) []string {
	seen := make(map[string]struct{})
	for _, ip := range a.blocked.Keys() {
		seen[ip] = struct{}{}
	}
	if a.provider != nil {
		keys, err := a.provider.Keys(ctx, blockKeyPrefix)
		if err != nil {
			a.logger.Warn("list mirrored blocks", slog.Any("error", err))
		}
		for _, key := range keys {
			seen[key[len(blockKeyPrefix):]] = struct{}{}
		}
	}
	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	return ips
}

// Unblock removes a block locally and from the mirror.
func (a *Agent) Unblock(ctx context.Context, ip string) error {
	a.blocked.Delete(ip)
	if a.provider != nil {
		if err := a.provider.Del(ctx, blockKeyPrefix+ip); err != nil {
			return fmt.Errorf("unblock %s: %w", ip, err)
		}
	}
	a.logger.Info("ip unblocked", slog.String("ip", ip))
	return nil
}

// handleThreat applies the mitigation for a detected threat, persists the
// incident, publishes it, and raises an alert.
func (a *Agent) handleThreat(ctx context.Context, threat models.ThreatType, req Request, detail string) Verdict {
	mitigation, blockFor := a.mitigationFor(threat, req.UserID)
	reason := fmt.Sprintf("%s: %s", threat, detail)

	blockedFor := "none"
	switch mitigation {
	case models.MitigationPermanentBlock:
		a.block(ctx, req.IP, threat, reason, 0)
		blockedFor = "permanent"
	case models.MitigationTimedBlock, models.MitigationAccountLock, models.MitigationThrottle:
		a.block(ctx, req.IP, threat, reason, blockFor)
		blockedFor = blockFor.String()
	}
	metrics.IncThreat(string(threat))

	inc := models.SecurityIncident{
		ID:         uuid.NewString(),
		Threat:     threat,
		SourceIP:   req.IP,
		Path:       req.Path,
		UserID:     req.UserID,
		Detail:     detail,
		Mitigation: string(mitigation),
		BlockedFor: blockedFor,
		CreatedAt:  a.now(),
	}
	if a.sink != nil {
		if err := a.sink.AppendIncident(ctx, inc); err != nil {
			a.logger.Warn("persist incident", slog.String("threat", string(threat)), slog.Any("error", err))
		}
	}
	if a.publisher != nil {
		a.publisher.Publish(models.ChannelSecurity, inc)
	}
	if a.alerter != nil {
		msg := fmt.Sprintf("%s from %s", threat, req.IP)
		if req.Path != "" {
			msg = fmt.Sprintf("%s on %s", msg, req.Path)
		}
		_, err := a.alerter.Create(ctx, models.AlertTypeSecurityThreat, alerting.CreateOpts{
			Component: "security",
			Message:   msg,
			Metadata: map[string]any{
				"threat":     string(threat),
				"sourceIp":   req.IP,
				"mitigation": string(mitigation),
			},
		})
		if err != nil {
			a.logger.Warn("raise threat alert", slog.Any("error", err))
		}
	}
	a.logger.Warn("threat mitigated",
		slog.String("threat", string(threat)),
		slog.String("ip", req.IP),
		slog.String("mitigation", string(mitigation)),
		slog.String("detail", detail))
	return Verdict{Blocked: true, Reason: reason, Threat: threat}
}

// mitigationFor maps a threat class to its mitigation and block duration.
func (a *Agent) mitigationFor(threat models.ThreatType, userID string) (models.Mitigation, time.Duration) {
	switch threat {
	case models.ThreatSQLInjection, models.ThreatCommandInjection:
		return models.MitigationPermanentBlock, 0
	case models.ThreatXSS, models.ThreatPathTraversal:
		return models.MitigationTimedBlock, a.cfg.TimedBlock
	case models.ThreatBruteForce:
		if userID != "" {
			return models.MitigationAccountLock, a.cfg.BruteForceBlock
		}
		return models.MitigationTimedBlock, a.cfg.BruteForceBlock
	case models.ThreatRateAbuse:
		return models.MitigationThrottle, a.cfg.ThrottleFor
	default:
		return models.MitigationNone, 0
	}
}

// block records a block locally and mirrors it to the provider best-effort.
// A zero ttl blocks permanently.
func (a *Agent) block(ctx context.Context, ip string, threat models.ThreatType, reason string, ttl time.Duration) {
	if ip == "" {
		return
	}
	entry := blockEntry{Threat: threat, Reason: reason, Permanent: ttl <= 0}
	if ttl > 0 {
		entry.Until = a.now().Add(ttl)
	}
	a.blocked.Set(ip, entry, ttl)

	if a.provider == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := a.provider.Set(ctx, blockKeyPrefix+ip, raw, ttl); err != nil {
		a.logger.Warn("mirror block", slog.String("ip", ip), slog.Any("error", err))
	}
}

// overRequestLimit records a request for the IP and reports whether the
// sliding-window velocity limit is exceeded.
func (a *Agent) overRequestLimit(ip string) bool {
	if ip == "" {
		return false
	}
	now := a.now()
	cutoff := now.Add(-a.cfg.RequestWindow)

	a.mu.Lock()
	defer a.mu.Unlock()
	kept := keepAfter(a.requests[ip], cutoff)
	kept = append(kept, now)
	if len(kept) > a.cfg.MaxRequests {
		delete(a.requests, ip)
		return true
	}
	a.requests[ip] = kept
	return false
}

func (a *Agent) sweepLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep reclaims expired block entries and stale tracking windows. Blocks
// expire on read regardless; this only frees memory.
func (a *Agent) sweep() {
	purged := a.blocked.Purge()

	now := a.now()
	a.mu.Lock()
	for ip, times := range a.failures {
		if kept := keepAfter(times, now.Add(-a.cfg.FailedLoginWindow)); len(kept) == 0 {
			delete(a.failures, ip)
		} else {
			a.failures[ip] = kept
		}
	}
	for ip, times := range a.requests {
		if kept := keepAfter(times, now.Add(-a.cfg.RequestWindow)); len(kept) == 0 {
			delete(a.requests, ip)
		} else {
			a.requests[ip] = kept
		}
	}
	a.mu.Unlock()

	if purged > 0 {
		a.logger.Debug("sweep reclaimed blocks", slog.Int("count", purged))
	}
}

// keepAfter returns the suffix of times newer than the cutoff. Times are
// appended in order, so a single scan finds the boundary.
func keepAfter(times []time.Time, cutoff time.Time) []time.Time {
	for i, t := range times {
		if t.After(cutoff) {
			return append([]time.Time(nil), times[i:]...)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
