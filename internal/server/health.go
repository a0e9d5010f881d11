package server

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// hostSnapshot holds one reading of the collector host's own vitals. It is
// about the process running the poller, not about any solar site.
type hostSnapshot struct {
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemUsage    float64   `json:"mem_usage"`
	DiskUsage   float64   `json:"disk_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// handleHealth reports process liveness plus a host snapshot and cache/hub
// counters. Public so load balancers can probe without a token.
func (s *Server) handleHealth(c *gin.Context) {
	snap := collectHost()

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"sites":       len(s.View.Fleet()),
		"cached_keys": s.View.CachedKeys(),
		"ws_clients":  s.Hub.ClientCount(),
		"host":        snap,
	})
}

// collectHost gathers the current host snapshot. Every probe is best-effort;
// a failed probe leaves its field zeroed rather than failing the endpoint.
func collectHost() hostSnapshot {
	snap := hostSnapshot{
		OS:          detailedOS(),
		CollectedAt: time.Now(),
	}

	if h, err := os.Hostname(); err == nil {
		snap.Hostname = h
	}

	// CPU
	if pcts, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		snap.CPUUsage = pcts[0]
	}

	// Memory
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsage = vm.UsedPercent
	}

	// Disk (most-used mount)
	snap.DiskUsage = maxDiskUsage()

	return snap
}

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS() string {
	info, err := host.Info()
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		}
		return info.Platform
	}
	return runtime.GOOS
}

// maxDiskUsage returns the used percentage of the partition with highest usage.
func maxDiskUsage() float64 {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return 0
	}
	var max float64
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil {
			continue
		}
		if usage.UsedPercent > max {
			max = usage.UsedPercent
		}
	}
	return max
}
