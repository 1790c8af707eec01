package containerclient

import "testing"

func TestToDockerPorts(t *testing.T) {
	portSet, portMap := toDockerPorts([]PortBinding{
		{ContainerPort: 8443, HostPort: 8443, Protocol: "tcp"},
		{ContainerPort: 51820, HostPort: 51820, Protocol: "udp"},
	})

	if len(portSet) != 2 {
		t.Fatalf("portSet has %d entries, want 2", len(portSet))
	}
	if len(portMap) != 2 {
		t.Fatalf("portMap has %d entries, want 2", len(portMap))
	}
	for key, bindings := range portMap {
		if len(bindings) != 1 {
			t.Errorf("port %s: %d bindings, want 1", key, len(bindings))
		}
	}
}

func TestToDockerPortsDefaultsToTCP(t *testing.T) {
	portSet, _ := toDockerPorts([]PortBinding{{ContainerPort: 1080, HostPort: 1080}})
	found := false
	for key := range portSet {
		if string(key) == "1080/tcp" {
			found = true
		}
	}
	if !found {
		t.Error("toDockerPorts() should default to tcp protocol")
	}
}

func TestComputeCPUPercent(t *testing.T) {
	var s dockerStatsJSON
	s.CPUStats.CPUUsage.TotalUsage = 2000
	s.PreCPUStats.CPUUsage.TotalUsage = 1000
	s.CPUStats.SystemUsage = 20000
	s.PreCPUStats.SystemUsage = 10000
	s.CPUStats.OnlineCPUs = 2

	pct := computeCPUPercent(s)
	want := (1000.0 / 10000.0) * 2 * 100.0
	if pct != want {
		t.Errorf("computeCPUPercent() = %v, want %v", pct, want)
	}
}

func TestComputeCPUPercentNoDelta(t *testing.T) {
	var s dockerStatsJSON
	if pct := computeCPUPercent(s); pct != 0 {
		t.Errorf("computeCPUPercent() with zero deltas = %v, want 0", pct)
	}
}

func TestSumNetwork(t *testing.T) {
	s := dockerStatsJSON{
		Networks: map[string]struct {
			RxBytes uint64 `json:"rx_bytes"`
			TxBytes uint64 `json:"tx_bytes"`
		}{
			"eth0": {RxBytes: 100, TxBytes: 200},
			"eth1": {RxBytes: 50, TxBytes: 25},
		},
	}
	if got := sumNetwork(s, "rx"); got != 150 {
		t.Errorf("sumNetwork(rx) = %d, want 150", got)
	}
	if got := sumNetwork(s, "tx"); got != 225 {
		t.Errorf("sumNetwork(tx) = %d, want 225", got)
	}
}
