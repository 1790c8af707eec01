package containerclient

import (
	"encoding/json"
	"io"
)

// dockerStatsJSON mirrors the subset of the Docker Engine API's
// ContainerStatsOneShot response body this package reads.
type dockerStatsJSON struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint64 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
	PidsStats struct {
		Current uint64 `json:"current"`
	} `json:"pids_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// computeCPUPercent reproduces the Docker CLI's own cpu_pct formula: the
// delta in container CPU usage over the delta in total system CPU usage,
// scaled by the number of online CPUs.
func computeCPUPercent(s dockerStatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = 1
	}
	return (cpuDelta / systemDelta) * online * 100.0
}

func sumNetwork(s dockerStatsJSON, direction string) uint64 {
	var total uint64
	for _, n := range s.Networks {
		if direction == "rx" {
			total += n.RxBytes
		} else {
			total += n.TxBytes
		}
	}
	return total
}
