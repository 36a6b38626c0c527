package monitor

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// cpuProbe samples host CPU utilisation.
type cpuProbe struct {
	threshold float64
}

func (p *cpuProbe) Name() string { return "cpu" }
func (p *cpuProbe) Kind() string { return "host" }

func (p *cpuProbe) Check(ctx context.Context) ProbeResult {
	result := ProbeResult{
		Target: "cpu",
		Unit:   "percent",
		Metric: "cpu_usage_percent",
	}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		result.Message = fmt.Sprintf("cpu sample failed: %v", err)
		return result
	}

	result.Healthy = true
	result.Value = percents[0]
	if p.threshold > 0 && result.Value > p.threshold {
		result.Message = fmt.Sprintf("cpu at %.1f%% (limit %.0f%%)", result.Value, p.threshold)
		result.AlertType = models.AlertTypeHighCPU
		result.Threshold = p.threshold
		return result
	}
	result.Message = fmt.Sprintf("cpu at %.1f%%", result.Value)
	return result
}

// memoryProbe samples host memory utilisation.
type memoryProbe struct {
	threshold float64
}

func (p *memoryProbe) Name() string { return "memory" }
func (p *memoryProbe) Kind() string { return "host" }

func (p *memoryProbe) Check(ctx context.Context) ProbeResult {
	result := ProbeResult{
		Target: "memory",
		Unit:   "percent",
		Metric: "memory_usage_percent",
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("memory sample failed: %v", err)
		return result
	}

	result.Healthy = true
	result.Value = vm.UsedPercent
	if p.threshold > 0 && result.Value > p.threshold {
		result.Message = fmt.Sprintf("memory at %.1f%% (limit %.0f%%)", result.Value, p.threshold)
		result.AlertType = models.AlertTypeHighMemory
		result.Threshold = p.threshold
		return result
	}
	result.Message = fmt.Sprintf("memory at %.1f%%", result.Value)
	return result
}

// loadProbe samples the one-minute load average.
type loadProbe struct {
	threshold float64
}

func (p *loadProbe) Name() string { return "load" }
func (p *loadProbe) Kind() string { return "host" }

func (p *loadProbe) Check(ctx context.Context) ProbeResult {
	result := ProbeResult{
		Target: "load",
		Unit:   "load",
		Metric: "load_average_1m",
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("load sample failed: %v", err)
		return result
	}

	result.Healthy = true
	result.Value = avg.Load1
	if p.threshold > 0 && result.Value > p.threshold {
		result.Message = fmt.Sprintf("load1 at %.2f (limit %.1f)", result.Value, p.threshold)
		result.AlertType = models.AlertTypeHighLoad
		result.Threshold = p.threshold
		return result
	}
	result.Message = fmt.Sprintf("load1 at %.2f", result.Value)
	return result
}

// diskProbe samples utilisation of the root filesystem.
type diskProbe struct {
	path      string
	threshold float64
}

func (p *diskProbe) Name() string { return "disk" }
func (p *diskProbe) Kind() string { return "host" }

func (p *diskProbe) Check(ctx context.Context) ProbeResult {
	result := ProbeResult{
		Target: "disk",
		Unit:   "percent",
		Metric: "disk_usage_percent",
	}

	path := p.path
	if path == "" {
		path = "/"
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		result.Message = fmt.Sprintf("disk sample failed: %v", err)
		return result
	}

	result.Healthy = true
	result.Value = usage.UsedPercent
	if p.threshold > 0 && result.Value > p.threshold {
		result.Message = fmt.Sprintf("disk at %.1f%% (limit %.0f%%)", result.Value, p.threshold)
		result.AlertType = models.AlertTypeHighDisk
		result.Threshold = p.threshold
		return result
	}
	result.Message = fmt.Sprintf("disk at %.1f%%", result.Value)
	return result
}

// heapProbe samples the process heap against the configured ceiling.
type heapProbe struct {
	limitMB   float64
	threshold float64
}

func (p *heapProbe) Name() string { return "heap" }
func (p *heapProbe) Kind() string { return "process" }

func (p *heapProbe) Check(_ context.Context) ProbeResult {
	result := ProbeResult{
		Target: "heap",
		Unit:   "percent",
		Metric: "heap_usage_percent",
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	allocMB := float64(ms.HeapAlloc) / (1024 * 1024)

	limit := p.limitMB
	if limit <= 0 {
		limit = 1024
	}
	result.Healthy = true
	result.Value = allocMB / limit * 100
	if p.threshold > 0 && result.Value > p.threshold {
		result.Message = fmt.Sprintf("heap at %.0fMB, %.1f%% of %.0fMB limit", allocMB, result.Value, limit)
		result.AlertType = models.AlertTypeMemoryPressure
		result.Threshold = p.threshold
		return result
	}
	result.Message = fmt.Sprintf("heap at %.0fMB (%.1f%% of limit)", allocMB, result.Value)
	return result
}
