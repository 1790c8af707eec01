// Package servermanager implements ServerManager (spec.md §4.7): the
// install/start/stop/restart/uninstall state machine for ServerInstance
// rows, delegating all protocol-specific work to a pkg/protocols.Adapter the
// way UserManager does for per-user secrets. Grounded on the teacher's
// pkg/worker.executeContainer sequential pull→create→start chain, replacing
// its fmt.Printf/inline-field error reporting with zerolog and pkg/apperr,
// and its implicit "return on first error" unwind with an explicit
// compensation stack run in reverse (spec.md §9).
package servermanager

import (
	"context"
	"time"

	"github.com/cuemby/vpnforge/pkg/cache"
	"github.com/cuemby/vpnforge/pkg/containerclient"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/lock"
	"github.com/cuemby/vpnforge/pkg/log"
	"github.com/cuemby/vpnforge/pkg/network"
	"github.com/cuemby/vpnforge/pkg/protocols"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/types"
	"github.com/rs/zerolog"
)

const (
	tagServers      = "servers"
	defaultCacheTTL = 10 * time.Second
)

func serverTag(name string) string { return "server:" + name + ":status" }

// containerRuntime is the subset of *containerclient.Client ServerManager
// drives. Declared here so tests can supply a fake without standing up a
// real Docker daemon, the same consumer-defines-interface shape
// pkg/usermanager uses for its revoker collaborator.
type containerRuntime interface {
	EnsureImage(ctx context.Context, ref string) error
	ProjectUp(ctx context.Context, spec containerclient.ProjectSpec) (*containerclient.ProjectHandle, error)
	ProjectDown(ctx context.Context, projectName string) error
	ProjectContainerIDs(ctx context.Context, projectName string) ([]string, error)
	ProjectStatus(ctx context.Context, handle *containerclient.ProjectHandle) (map[string]containerclient.Status, error)
	Logs(ctx context.Context, containerID string, tailN int, follow bool) (<-chan string, error)
	Stats(ctx context.Context, containerID string) (containerclient.Stats, error)
}

// renderer is the subset of *templateengine.Engine ServerManager needs.
type renderer interface {
	Render(name templateengine.Name, context any) (string, error)
}

// Config tunes ServerManager's install-time decisions.
type Config struct {
	InstallRoot  string // parent directory for every ServerInstance's paths
	PortRangeMin int
	PortRangeMax int
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{InstallRoot: "/var/lib/vpnforge/servers", PortRangeMin: 10000, PortRangeMax: 20000}
}

// Manager implements ServerManager.
type Manager struct {
	store     storage.Store
	cache     *cache.Cache
	broker    *events.Broker
	locks     *lock.KeyedMutex
	templates renderer
	runtime   containerRuntime
	firewall  network.FirewallPort
	cfg       Config
	logger    zerolog.Logger
}

// New builds a Manager. firewall may be network.NullFirewallPort{} when host
// firewall management is not wanted (the default).
func New(store storage.Store, c *cache.Cache, broker *events.Broker, templates renderer, runtime containerRuntime, firewall network.FirewallPort, cfg Config) *Manager {
	if cfg.InstallRoot == "" {
		cfg = DefaultConfig()
	}
	return &Manager{
		store:     store,
		cache:     c,
		broker:    broker,
		locks:     lock.New(),
		templates: templates,
		runtime:   runtime,
		firewall:  firewall,
		cfg:       cfg,
		logger:    log.WithComponent("servermanager"),
	}
}

// ServerInstallSpec is install()'s input (spec.md §4.7).
type ServerInstallSpec struct {
	Name             string
	Host             string
	Protocol         types.ProtocolKind
	ListenPort       int // 0 lets install() pick the first free port in cfg's range
	VlessDest        string
	VlessServerNames []string
	WireguardSubnet  string
	AuthEnabled      bool
	OpenFirewall     bool
}

func (m *Manager) toAdapterSpec(s ServerInstallSpec) protocols.InstallSpec {
	return protocols.InstallSpec{
		Name:             s.Name,
		Host:             s.Host,
		ListenPort:       s.ListenPort,
		VlessDest:        s.VlessDest,
		VlessServerNames: s.VlessServerNames,
		WireguardSubnet:  s.WireguardSubnet,
		AuthEnabled:      s.AuthEnabled,
	}
}

func serverPaths(root, name string) types.ServerPaths {
	base := root + "/" + name
	return types.ServerPaths{
		Root:     base,
		Config:   base + "/config",
		KeysDir:  base + "/keys",
		UsersDir: base + "/users",
		LogsDir:  base + "/logs",
		State:    base + "/state.toml",
	}
}

// protoTransport returns the host-port publishing transport for a protocol:
// every adapter except WireGuard speaks TCP.
func protoTransport(kind types.ProtocolKind) string {
	if kind == types.ProtocolWireguard {
		return "udp"
	}
	return "tcp"
}

// GetConnectionArtifact looks up server by name and asks its Adapter to
// derive user's connection artifact. ServerManager, not UserManager, owns
// this call because it is the only component that holds both the
// ServerInstance (for Host/ListenPort) and the protocol Adapter registry.
func (m *Manager) GetConnectionArtifact(serverName string, user *types.User) (protocols.ConnectionArtifact, error) {
	server, err := m.store.GetServer(serverName)
	if err != nil {
		return protocols.ConnectionArtifact{}, err
	}
	adapter, err := protocols.Get(server.Protocol)
	if err != nil {
		return protocols.ConnectionArtifact{}, err
	}
	return adapter.DeriveConnectionArtifact(server, user)
}

