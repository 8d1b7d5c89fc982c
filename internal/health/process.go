package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time view of the relay process and its host,
// reported under the "process" key of the health endpoint.
type ProcessStats struct {
	PID            int32   `json:"pid"`
	CPUPercent     float64 `json:"cpuPercent"`
	RSSMB          uint64  `json:"rssMb"`
	Goroutines     int     `json:"goroutines"`
	HostCPUPercent float64 `json:"hostCpuPercent"`
	HostRAMPercent float64 `json:"hostRamPercent"`
	UptimeSeconds  int64   `json:"uptimeSeconds"`
}

var startedAt = time.Now()

// CollectProcessStats gathers process and host metrics. Each source is
// best-effort: a failing probe leaves its fields zero rather than failing
// the whole collection.
func CollectProcessStats() ProcessStats {
	stats := ProcessStats{
		PID:           int32(os.Getpid()),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
	}

	if proc, err := process.NewProcess(stats.PID); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			stats.CPUPercent = pct
		}
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			stats.RSSMB = info.RSS / 1024 / 1024
		}
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.HostCPUPercent = pct[0]
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		stats.HostRAMPercent = vmem.UsedPercent
	}

	return stats
}
