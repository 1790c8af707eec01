// Package protocols implements ProtocolAdapters (spec.md §4.8): one Adapter
// per wire protocol, each owning that protocol's server secret generation,
// template context construction, per-user secret generation, connection
// artifact rendering, and health probing. ServerManager and UserManager hold
// no protocol-specific logic themselves; they dispatch to the Adapter for
// a ServerInstance's or User's ProtocolKind.
package protocols

import (
	"context"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/types"
)

// ReloadStrategy is how add_user/remove_user propagates a client-set change
// to a running server (spec.md §4.7).
type ReloadStrategy string

const (
	ReloadReplaceConfigAndSignal ReloadStrategy = "replace_config_and_signal"
	ReloadWgSync                 ReloadStrategy = "wg_sync"
	ReloadRebuildContainer       ReloadStrategy = "rebuild_container"
)

// HealthState is health_probe's result enumeration (spec.md §4.8).
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
)

// ConnectionArtifact is derive_connection_artifact's result: a
// protocol-specific share string or config, an optional QR PNG, and a
// display-friendly field map (spec.md §4.8).
type ConnectionArtifact struct {
	URIOrConfig string
	QRPNG       []byte
	Fields      map[string]string
}

// InstallSpec is install()'s per-protocol input (spec.md §4.7 step 2), the
// subset of ServerInstallSpec each Adapter's PreCheck/GenerateServerSecrets/
// BuildContext needs.
type InstallSpec struct {
	Name             string
	Host             string
	ListenPort       int
	VlessDest        string   // Reality camouflage destination, e.g. "www.microsoft.com:443"
	VlessServerNames []string // SNI values accepted by the Reality inbound
	WireguardSubnet  string   // CIDR the server allocates peer IPs from
	AuthEnabled      bool     // HttpProxy/Socks5Proxy: require Basic/user-pass auth
}

// UserSecretRequest is per_user_secrets()'s input: everything a caller might
// supply when binding a new User to a protocol (spec.md §4.8). Only the
// fields relevant to the target Adapter's protocol are consulted.
type UserSecretRequest struct {
	VlessFlow         types.VlessFlow
	ShadowsocksCipher types.ShadowsocksCipher
	WireguardSubnet   string
	ProxyPlaintext    string
	ProxyCIDRs        []string
}

// Adapter is the per-protocol contract spec.md §4.8 lists.
type Adapter interface {
	ProtocolType() types.ProtocolKind
	DefaultImage() string
	PreCheck(ctx context.Context, spec InstallSpec) error
	GenerateServerSecrets() (types.ServerKeys, error)
	BuildContext(spec InstallSpec, secrets types.ServerKeys, clients []*types.User) (templateengine.Name, any, error)
	PerUserSecrets(req UserSecretRequest) (types.ProtocolBinding, error)
	DeriveConnectionArtifact(server *types.ServerInstance, user *types.User) (ConnectionArtifact, error)
	HealthProbe(ctx context.Context, server *types.ServerInstance) (HealthState, string)
	ReloadStrategy() ReloadStrategy
}

// registry maps each closed-set ProtocolKind to its Adapter. Adding a
// protocol means adding a variant to types.ProtocolKind and an entry here
// (spec.md §9's "adding a protocol" note).
var registry = map[types.ProtocolKind]Adapter{
	types.ProtocolVless:       &VlessAdapter{},
	types.ProtocolShadowsocks: &ShadowsocksAdapter{},
	types.ProtocolWireguard:   &WireguardAdapter{},
	types.ProtocolHTTPProxy:   &HTTPProxyAdapter{},
	types.ProtocolSocks5Proxy: &Socks5Adapter{},
}

// Get returns the Adapter for kind, or UnsupportedProtocol.
func Get(kind types.ProtocolKind) (Adapter, error) {
	a, ok := registry[kind]
	if !ok {
		return nil, apperr.New(apperr.KindUnsupportedProto, "ProtocolAdapter", "no adapter for protocol %q", kind)
	}
	return a, nil
}
