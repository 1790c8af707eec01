package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/vpnforge/pkg/cache"
	"github.com/cuemby/vpnforge/pkg/config"
	"github.com/cuemby/vpnforge/pkg/containerclient"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/network"
	"github.com/cuemby/vpnforge/pkg/proxy"
	"github.com/cuemby/vpnforge/pkg/scheduler"
	"github.com/cuemby/vpnforge/pkg/security"
	"github.com/cuemby/vpnforge/pkg/servermanager"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/usermanager"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// application is the set of Managers every command dispatches into, built
// once per process from config.Config.
type application struct {
	store     storage.Store
	cache     *cache.Cache
	broker    *events.Broker
	users     *usermanager.Manager
	servers   *servermanager.Manager
	scheduler *scheduler.Scheduler
	proxy     *proxy.DataPlane
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load()
}

// buildApp wires every component the way spec.md §3's flow diagram
// describes: Store, Cache, and the event Broker shared by both Managers;
// ServerManager additionally holds the TemplateEngine, ContainerClient, and
// FirewallPort; ProtocolAdapters are looked up by pkg/protocols.Get and need
// no separate construction. Grounded on the teacher's main.go building
// Store/raft/Manager/Scheduler/Worker in sequence before any command runs.
func buildApp(cfg *config.Config) (*application, error) {
	if err := setupEncryptionKey(cfg); err != nil {
		return nil, fmt.Errorf("setting up instance encryption key: %w", err)
	}

	store, err := storage.NewBoltStore(filepath.Dir(cfg.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	c := cache.New(cache.Config{
		MaxSize:    cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		SweepEvery: cfg.Cache.SweepInterval,
	})

	broker := events.NewBroker()
	broker.Start()

	templates, err := templateengine.New()
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	docker, err := client.NewClientWithOpts(client.WithHost(cfg.RuntimeSocket), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime: %w", err)
	}
	runtime := containerclient.New(docker, containerclient.Config{MaxConnections: cfg.ContainerClient.MaxConnections})

	servers := servermanager.New(store, c, broker, templates, runtime, network.NullFirewallPort{}, servermanager.Config{
		InstallRoot:  cfg.InstallRoot,
		PortRangeMin: cfg.PortRangeMin,
		PortRangeMax: cfg.PortRangeMax,
	})

	users := usermanager.New(store, c, broker)
	users.SetRevoker(servers)

	sched := scheduler.New(store, servers, broker, scheduler.Config{
		Interval:            cfg.Health.Interval,
		ConsecutiveFailures: cfg.Health.ConsecutiveFailures,
		RestartCapAttempts:  cfg.Health.RestartCapAttempts,
		RestartCapWindow:    cfg.Health.RestartCapWindow,
	})

	dataPlane := proxy.New(store, c, broker, users, users, proxy.Config{
		HTTPEnabled:             cfg.Proxy.HTTPEnabled,
		HTTPAddr:                fmt.Sprintf(":%d", cfg.Proxy.HTTPPort),
		Socks5Enabled:           cfg.Proxy.Socks5Enabled,
		Socks5Addr:              fmt.Sprintf(":%d", cfg.Proxy.Socks5Port),
		AuthRequired:            cfg.Proxy.AuthRequired,
		RateLimitRPS:            cfg.Proxy.RateLimitRPS,
		RateLimitBurst:          cfg.Proxy.RateLimitBurst,
		IdleTimeout:             cfg.Proxy.IdleTimeout,
		DrainTimeout:            cfg.Proxy.DrainTimeout,
		AccountingFlushSessions: cfg.Proxy.AccountingFlushSessions,
		AccountingFlushInterval: cfg.Proxy.AccountingFlushInterval,
	})

	return &application{
		store:     store,
		cache:     c,
		broker:    broker,
		users:     users,
		servers:   servers,
		scheduler: sched,
		proxy:     dataPlane,
	}, nil
}

// setupEncryptionKey resolves the process-wide at-rest encryption key
// pkg/security seals ServerKeys/ProtocolBinding secrets with. A master
// password (VPN_MASTER_PASSWORD) takes priority when set; otherwise a
// stable per-installation instance ID is read from cfg.EncryptionKeyPath,
// generating and persisting one on first run.
func setupEncryptionKey(cfg *config.Config) error {
	if password := os.Getenv("VPN_MASTER_PASSWORD"); password != "" {
		sm, err := security.NewSecretsManagerFromPassword(password)
		if err != nil {
			return err
		}
		return security.SetInstanceEncryptionKey(sm.Key())
	}

	instanceID, err := loadOrCreateInstanceID(cfg.EncryptionKeyPath)
	if err != nil {
		return err
	}
	return security.SetInstanceEncryptionKey(security.DeriveKeyFromInstanceID(instanceID))
}

func loadOrCreateInstanceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading instance id %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("creating instance id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("persisting instance id: %w", err)
	}
	return id, nil
}
