// Package types defines the domain entities shared across vpnforge's
// managers, store, and protocol adapters.
package types

import "time"

// UserStatus is the lifecycle state of a User.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusInactive  UserStatus = "inactive"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusExpired   UserStatus = "expired"
)

// ProtocolKind identifies which wire protocol a User or ServerInstance speaks.
type ProtocolKind string

const (
	ProtocolVless       ProtocolKind = "vless"
	ProtocolShadowsocks ProtocolKind = "shadowsocks"
	ProtocolWireguard   ProtocolKind = "wireguard"
	ProtocolHTTPProxy   ProtocolKind = "http_proxy"
	ProtocolSocks5Proxy ProtocolKind = "socks5_proxy"
)

// VlessFlow is the XTLS flow control mode for a VLESS client.
type VlessFlow string

const (
	VlessFlowNone       VlessFlow = "none"
	VlessFlowXTLSVision VlessFlow = "xtls-rprx-vision"
)

// ShadowsocksCipher enumerates the AEAD-only cipher set this system supports.
// Legacy stream ciphers are deliberately absent; selecting one is rejected
// with UnsupportedCipher.
type ShadowsocksCipher string

const (
	CipherAES128GCM        ShadowsocksCipher = "aes-128-gcm"
	CipherAES256GCM        ShadowsocksCipher = "aes-256-gcm"
	CipherChaCha20Poly1305 ShadowsocksCipher = "chacha20-ietf-poly1305"
)

// VlessBinding holds the per-user secrets for a VLESS+Reality client.
type VlessBinding struct {
	UUID    string    `json:"uuid"`
	Flow    VlessFlow `json:"flow"`
	ShortID string    `json:"short_id"`
}

// ShadowsocksBinding holds the per-user secrets for a Shadowsocks client.
type ShadowsocksBinding struct {
	Method   ShadowsocksCipher `json:"method"`
	Password string            `json:"password"`
}

// WireguardBinding holds the per-user secrets for a WireGuard peer.
type WireguardBinding struct {
	PrivateKey   string `json:"private_key"`
	PublicKey    string `json:"public_key"`
	PresharedKey string `json:"preshared_key"`
	ClientIP     string `json:"client_ip"`
}

// ProxyBinding holds the per-user credentials for the HTTP/SOCKS5 proxy.
type ProxyBinding struct {
	PasswordHash string   `json:"password_hash"`
	AllowedCIDRs []string `json:"allowed_cidrs,omitempty"`
}

// ProtocolBinding is the tagged-union of protocol-specific secrets a User
// carries. Kind selects which of the sub-structs is populated; the others
// stay zero-valued. This mirrors the teacher's HealthCheck/RestartPolicy
// shape of a discriminator field next to type-specific fields.
type ProtocolBinding struct {
	Kind        ProtocolKind        `json:"kind"`
	Vless       *VlessBinding       `json:"vless,omitempty"`
	Shadowsocks *ShadowsocksBinding `json:"shadowsocks,omitempty"`
	Wireguard   *WireguardBinding   `json:"wireguard,omitempty"`
	Proxy       *ProxyBinding       `json:"proxy,omitempty"`
}

// TrafficCounters accumulates monotonically except via an explicit reset.
type TrafficCounters struct {
	BytesUp          int64     `json:"bytes_up"`
	BytesDown        int64     `json:"bytes_down"`
	LastSeen         time.Time `json:"last_seen"`
	ConnectionsTotal int64     `json:"connections_total"`
}

// Quota is an optional cap on a User's traffic and lifetime.
type Quota struct {
	BytesLimit int64      `json:"bytes_limit"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// User is a credentialed consumer of one ServerInstance's protocol.
type User struct {
	ID              string          `json:"id"`
	Username        string          `json:"username"`
	Email           string          `json:"email,omitempty"`
	Status          UserStatus      `json:"status"`
	ProtocolBinding ProtocolBinding `json:"protocol_binding"`
	Traffic         TrafficCounters `json:"traffic"`
	Quota           *Quota          `json:"quota,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

// ServerStatus is the ServerManager install/lifecycle state machine's state.
type ServerStatus string

const (
	ServerStatusInstalling ServerStatus = "installing"
	ServerStatusRunning    ServerStatus = "running"
	ServerStatusStopped    ServerStatus = "stopped"
	ServerStatusDegraded   ServerStatus = "degraded"
	ServerStatusRemoving   ServerStatus = "removing"
	ServerStatusFailed     ServerStatus = "failed"
)

// ServerKeys holds protocol-specific server secrets. Like ProtocolBinding,
// only the field matching the owning ServerInstance's Protocol is populated.
type ServerKeys struct {
	RealityPrivateKey   string   `json:"reality_private_key,omitempty"`
	RealityPublicKey    string   `json:"reality_public_key,omitempty"`
	RealityShortIDs     []string `json:"reality_short_ids,omitempty"`
	RealitySNI          string   `json:"reality_sni,omitempty"`
	RealityFingerprint  string   `json:"reality_fingerprint,omitempty"`
	WireguardPrivateKey string   `json:"wireguard_private_key,omitempty"`
	WireguardPublicKey  string   `json:"wireguard_public_key,omitempty"`
}

// ServerPaths is the on-disk layout root for one ServerInstance (spec.md §6).
type ServerPaths struct {
	Root     string `json:"root"`
	Config   string `json:"config"`
	KeysDir  string `json:"keys_dir"`
	UsersDir string `json:"users_dir"`
	LogsDir  string `json:"logs_dir"`
	State    string `json:"state"`
}

// ServerInstance is one installed, named VPN/proxy server.
type ServerInstance struct {
	Name string `json:"name"`
	// Host is the public hostname or IP clients use to reach ListenPort,
	// needed by Crypto.derive_uri; it is not itself part of spec.md §3's
	// invariants, only a rendering input.
	Host          string       `json:"host"`
	Protocol      ProtocolKind `json:"protocol"`
	ListenPort    int          `json:"listen_port"`
	Status        ServerStatus `json:"status"`
	ConfigDigest  string       `json:"config_digest"`
	Keys          ServerKeys   `json:"keys"`
	RuntimeHandle string       `json:"runtime_handle,omitempty"`
	Clients       []string     `json:"clients"`
	Paths         ServerPaths  `json:"paths"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`

	// DegradedSince and RestartAttempts drive the health loop's restart cap
	// (spec.md §5, default 3 attempts per 15 minute rolling window).
	DegradedSince   *time.Time  `json:"degraded_since,omitempty"`
	RestartAttempts []time.Time `json:"restart_attempts,omitempty"`
}

// TrafficSnapshot is an append-only, minute-bucketed traffic sample.
type TrafficSnapshot struct {
	ServerName  string    `json:"server_name"`
	UserID      string    `json:"user_id"`
	BucketStart time.Time `json:"bucket_start"`
	BytesUp     int64     `json:"bytes_up"`
	BytesDown   int64     `json:"bytes_down"`
}

// AggregateRow is one row of an aggregate_traffic(window) result.
type AggregateRow struct {
	ServerName string `json:"server_name"`
	UserID     string `json:"user_id"`
	BytesUp    int64  `json:"bytes_up"`
	BytesDown  int64  `json:"bytes_down"`
}

// ProxySessionKind distinguishes the two ProxyDataPlane listener types.
type ProxySessionKind string

const (
	ProxySessionHTTP   ProxySessionKind = "http"
	ProxySessionSocks5 ProxySessionKind = "socks5"
)

// ProxySession is in-memory only; it is never persisted and is destroyed on
// connection close (spec.md §3).
type ProxySession struct {
	ClientAddr string
	UserID     string
	StartedAt  time.Time
	BytesUp    int64
	BytesDown  int64
	Kind       ProxySessionKind
}

// AuditEvent is an append-only record of a mutation to a User or
// ServerInstance row, supplementing spec.md's data model with an audit trail
// (a web admin UI is out of scope, but recording who changed what is not).
type AuditEvent struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor"`
	Operation string            `json:"operation"`
	Entity    string            `json:"entity"`
	EntityID  string            `json:"entity_id"`
	Timestamp time.Time         `json:"timestamp"`
	Diff      map[string]string `json:"diff,omitempty"`
}
