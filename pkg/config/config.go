// Package config loads this system's runtime configuration from environment
// variables, grounded on wisbric-nightowl/internal/config/config.go's
// env.Parse pattern: a struct tagged with env names and envDefault values,
// parsed in one Load() call. spec.md §6 asks for a VPN_ prefix with "__" as
// the section separator instead of nightowl's flat NIGHTOWL_ namespace, so
// the functional areas below are nested sub-structs carrying an envPrefix
// tag rather than one flat list of fields.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// CacheConfig tunes pkg/cache's bounded LRU (spec.md §4.4).
type CacheConfig struct {
	MaxEntries    int           `env:"MAX_ENTRIES" envDefault:"10000"`
	MaxBytes      int64         `env:"MAX_BYTES" envDefault:"67108864"`
	DefaultTTL    time.Duration `env:"DEFAULT_TTL" envDefault:"5m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// ProxyConfig tunes pkg/proxy's HTTP and SOCKS5 listeners (spec.md §4.9).
type ProxyConfig struct {
	HTTPEnabled             bool          `env:"HTTP_ENABLED" envDefault:"true"`
	HTTPPort                int           `env:"HTTP_PORT" envDefault:"8080"`
	Socks5Enabled           bool          `env:"SOCKS5_ENABLED" envDefault:"true"`
	Socks5Port              int           `env:"SOCKS5_PORT" envDefault:"1080"`
	AuthRequired            bool          `env:"AUTH_REQUIRED" envDefault:"true"`
	RateLimitRPS            float64       `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST" envDefault:"100"`
	IdleTimeout             time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	DrainTimeout            time.Duration `env:"DRAIN_TIMEOUT" envDefault:"10s"`
	AccountingFlushSessions int           `env:"ACCOUNTING_FLUSH_SESSIONS" envDefault:"100"`
	AccountingFlushInterval time.Duration `env:"ACCOUNTING_FLUSH_INTERVAL" envDefault:"5s"`
}

// ContainerClientConfig tunes pkg/containerclient's Docker connection pool
// (spec.md §4.3); MaxConnections maps straight onto containerclient.Config.
type ContainerClientConfig struct {
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"10"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Argon2Config holds password hashing cost parameters for HttpProxy/
// Socks5Proxy user credentials. It is parsed from the environment but not
// passed to pkg/crypto: the protocol adapters hash with
// crypto.DefaultConfig(), whose values equal these defaults.
type Argon2Config struct {
	MemoryKiB   uint32 `env:"MEMORY_KIB" envDefault:"65536"`
	Iterations  uint32 `env:"ITERATIONS" envDefault:"3"`
	Parallelism uint8  `env:"PARALLELISM" envDefault:"2"`
}

// HealthConfig tunes pkg/scheduler's health loop (spec.md §4.7, §5).
type HealthConfig struct {
	Interval            time.Duration `env:"INTERVAL" envDefault:"30s"`
	RestartCapAttempts  int           `env:"RESTART_CAP_ATTEMPTS" envDefault:"3"`
	RestartCapWindow    time.Duration `env:"RESTART_CAP_WINDOW" envDefault:"15m"`
	ConsecutiveFailures int           `env:"CONSECUTIVE_FAILURES" envDefault:"2"`
}

// Config is this system's complete environment-driven configuration
// surface (spec.md §6's "core configuration options" table).
type Config struct {
	// InstallRoot is the directory server installs, keys, and per-user
	// secrets are written under (ServerPaths.Root's parent).
	InstallRoot string `env:"VPN_INSTALL_ROOT" envDefault:"/var/lib/vpnforge"`

	// DatabasePath locates the bbolt database backing pkg/storage. Only its
	// directory is used: pkg/storage always names the file vpnforge.db.
	DatabasePath string `env:"VPN_DATABASE_PATH" envDefault:"/var/lib/vpnforge/vpnforge.db"`

	// RuntimeSocket is the Docker Engine API endpoint containerclient.New
	// dials via client.NewClientWithOpts(client.WithHost(...)).
	RuntimeSocket string `env:"VPN_RUNTIME_SOCKET" envDefault:"unix:///var/run/docker.sock"`

	PortRangeMin int `env:"VPN_PORT_RANGE_MIN" envDefault:"10000"`
	PortRangeMax int `env:"VPN_PORT_RANGE_MAX" envDefault:"20000"`

	LogLevel  string `env:"VPN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"VPN_LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"VPN_METRICS_ADDR" envDefault:":9090"`

	EncryptionKeyPath string `env:"VPN_ENCRYPTION_KEY_PATH" envDefault:"/var/lib/vpnforge/secret.key"`

	Cache           CacheConfig           `envPrefix:"VPN_CACHE__"`
	Proxy           ProxyConfig           `envPrefix:"VPN_PROXY__"`
	ContainerClient ContainerClientConfig `envPrefix:"VPN_CONTAINER__"`
	Argon2          Argon2Config          `envPrefix:"VPN_ARGON2__"`
	Health          HealthConfig          `envPrefix:"VPN_HEALTH__"`
}

// Load reads configuration from environment variables, applying the
// envDefault tags above for anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.PortRangeMin >= cfg.PortRangeMax {
		return nil, fmt.Errorf("VPN_PORT_RANGE_MIN (%d) must be less than VPN_PORT_RANGE_MAX (%d)", cfg.PortRangeMin, cfg.PortRangeMax)
	}
	return cfg, nil
}

// MetricsListenAddr returns the address the Prometheus /metrics endpoint
// should bind to.
func (c *Config) MetricsListenAddr() string {
	return c.MetricsAddr
}
