package api

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type systemMetrics struct {
	CPUPercent float64
	MemUsed    uint64
	MemTotal   uint64
	MemPercent float64
	Goroutines int
}

// collectSystemMetrics samples without waiting; CPU is averaged since the previous call
func collectSystemMetrics(ctx context.Context) systemMetrics {
	metrics := systemMetrics{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		// per-core percentage, normalized to 0-100
		if cpuPercent, err := proc.PercentWithContext(ctx, 0); err == nil {
			if numCPU := runtime.NumCPU(); numCPU > 0 {
				metrics.CPUPercent = cpuPercent / float64(numCPU)
			} else {
				metrics.CPUPercent = cpuPercent
			}
		} else if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			metrics.CPUPercent = percents[0]
		}

		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			metrics.MemUsed = memInfo.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemTotal = vm.Total
		if metrics.MemTotal > 0 && metrics.MemUsed > 0 {
			metrics.MemPercent = (float64(metrics.MemUsed) / float64(metrics.MemTotal)) * 100
		}
	}

	return metrics
}

func (m systemMetrics) response() SystemResponse {
	return SystemResponse{
		CPUPercent: m.CPUPercent,
		MemUsed:    m.MemUsed,
		MemTotal:   m.MemTotal,
		MemPercent: m.MemPercent,
		Goroutines: m.Goroutines,
	}
}
