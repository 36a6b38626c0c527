// Package monitor runs the periodic health and resource sampling loops,
// records what it measures, and raises alerts on threshold breaches.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Probe measures one target once per cycle.
type Probe interface {
	Name() string
	Kind() string
	Check(ctx context.Context) ProbeResult
}

// ProbeResult is one measurement. AlertType is set when the probe detected a
// down or threshold-breach condition; Metric names the telemetry series the
// measurement belongs to.
type ProbeResult struct {
	Target    string
	Healthy   bool
	Latency   time.Duration
	Value     float64
	Unit      string
	Message   string
	AlertType string
	Threshold float64
	Metric    string
}

// endpointProbe checks one HTTP target for reachability and latency.
type endpointProbe struct {
	name      string
	url       string
	kind      string
	slow      time.Duration
	downType  string
	slowType  string
	metric    string
	client    *http.Client
}

func (p *endpointProbe) Name() string { return p.name }
func (p *endpointProbe) Kind() string { return p.kind }

func (p *endpointProbe) Check(ctx context.Context) ProbeResult {
	result := ProbeResult{
		Target: p.name,
		Unit:   "ms",
		Metric: p.metric,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		result.Message = fmt.Sprintf("build request: %v", err)
		result.AlertType = p.downType
		return result
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	result.Latency = latency
	result.Value = float64(latency.Milliseconds())
	if err != nil {
		result.Message = fmt.Sprintf("%s unreachable: %v", p.url, err)
		result.AlertType = p.downType
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		result.Message = fmt.Sprintf("%s returned %d", p.url, resp.StatusCode)
		result.AlertType = p.downType
		return result
	}

	result.Healthy = true
	if p.slow > 0 && latency > p.slow {
		result.Message = fmt.Sprintf("%s responded in %s (limit %s)", p.url, latency.Round(time.Millisecond), p.slow)
		result.AlertType = p.slowType
		result.Threshold = float64(p.slow.Milliseconds())
		return result
	}
	result.Message = fmt.Sprintf("%s ok in %s", p.url, latency.Round(time.Millisecond))
	return result
}

// Pinger is the slice of the state store the datastore probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// storeProbe checks datastore connectivity and latency.
type storeProbe struct {
	store Pinger
	slow  time.Duration
}

func (p *storeProbe) Name() string { return "database" }
func (p *storeProbe) Kind() string { return "datastore" }

func (p *storeProbe) Check(ctx context.Context) ProbeResult {
	result := ProbeResult{
		Target: "database",
		Unit:   "ms",
		Metric: "db_query_time",
	}

	start := time.Now()
	err := p.store.Ping(ctx)
	latency := time.Since(start)
	result.Latency = latency
	result.Value = float64(latency.Milliseconds())
	if err != nil {
		result.Message = fmt.Sprintf("datastore ping failed: %v", err)
		result.AlertType = models.AlertTypeDBDown
		return result
	}

	result.Healthy = true
	if p.slow > 0 && latency > p.slow {
		result.Message = fmt.Sprintf("datastore ping took %s (limit %s)", latency.Round(time.Millisecond), p.slow)
		result.AlertType = models.AlertTypeDBSlow
		result.Threshold = float64(p.slow.Milliseconds())
		return result
	}
	result.Message = "datastore reachable"
	return result
}

// cacheProbe round-trips a key through the cache provider.
type cacheProbe struct {
	provider cache.Provider
	slow     time.Duration
}

const cacheProbeKey = "sentinel:probe"

func (p *cacheProbe) Name() string { return "cache" }
func (p *cacheProbe) Kind() string { return "cache" }

func (p *cacheProbe) Check(ctx context.Context) ProbeResult {
	result := ProbeResult{
		Target: "cache",
		Unit:   "ms",
		Metric: "cache_query_time",
	}

	payload := []byte(time.Now().Format(time.RFC3339Nano))
	start := time.Now()
	err := p.provider.Set(ctx, cacheProbeKey, payload, 30*time.Second)
	if err == nil {
		_, err = p.provider.Get(ctx, cacheProbeKey)
	}
	latency := time.Since(start)
	result.Latency = latency
	result.Value = float64(latency.Milliseconds())
	if err != nil {
		result.Message = fmt.Sprintf("cache round-trip failed: %v", err)
		result.AlertType = models.AlertTypeCacheDown
		return result
	}

	result.Healthy = true
	if p.slow > 0 && latency > p.slow {
		result.Message = fmt.Sprintf("cache round-trip took %s (limit %s)", latency.Round(time.Millisecond), p.slow)
		result.AlertType = models.AlertTypeCacheSlow
		result.Threshold = float64(p.slow.Milliseconds())
		return result
	}
	result.Message = "cache reachable"
	return result
}
