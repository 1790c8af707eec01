package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"install root defaults", func(c *Config) bool { return c.InstallRoot == "/var/lib/vpnforge" }},
		{"port range defaults", func(c *Config) bool { return c.PortRangeMin == 10000 && c.PortRangeMax == 20000 }},
		{"log format defaults to json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"cache max entries nests under VPN_CACHE__", func(c *Config) bool { return c.Cache.MaxEntries == 10000 }},
		{"proxy auth required by default", func(c *Config) bool { return c.Proxy.AuthRequired == true }},
		{"container client pool matches spec default of 10", func(c *Config) bool { return c.ContainerClient.MaxConnections == 10 }},
		{"health interval defaults to 30s", func(c *Config) bool { return c.Health.Interval.Seconds() == 30 }},
		{"restart cap defaults to 3 per 15m", func(c *Config) bool {
			return c.Health.RestartCapAttempts == 3 && c.Health.RestartCapWindow.Minutes() == 15
		}},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected config value for %s", tt.name)
			}
		})
	}
}

func TestLoadNestedOverride(t *testing.T) {
	t.Setenv("VPN_CACHE__MAX_ENTRIES", "500")
	t.Setenv("VPN_PROXY__HTTP_PORT", "9999")
	t.Setenv("VPN_HEALTH__INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Cache.MaxEntries != 500 {
		t.Errorf("expected VPN_CACHE__MAX_ENTRIES to override MaxEntries, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Proxy.HTTPPort != 9999 {
		t.Errorf("expected VPN_PROXY__HTTP_PORT to override HTTPPort, got %d", cfg.Proxy.HTTPPort)
	}
	if cfg.Health.Interval.Seconds() != 10 {
		t.Errorf("expected VPN_HEALTH__INTERVAL to override Interval, got %s", cfg.Health.Interval)
	}
}

func TestLoadRejectsInvertedPortRange(t *testing.T) {
	t.Setenv("VPN_PORT_RANGE_MIN", "20000")
	t.Setenv("VPN_PORT_RANGE_MAX", "10000")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for PortRangeMin >= PortRangeMax")
	}
}
