package templateengine

// VlessClient is one client entry in a rendered VLESS+Reality config.
type VlessClient struct {
	UUID string
	Flow string
}

// VlessContext is the typed context for the "vless" template (spec.md §4.4,
// §4.8): an xray-core inbound with Reality TLS camouflage.
type VlessContext struct {
	ListenPort  int
	Clients     []VlessClient
	PrivateKey  string
	ShortIDs    []string
	Dest        string
	ServerNames []string
}

// ShadowsocksClient is one client entry in a rendered Shadowsocks config.
type ShadowsocksClient struct {
	Method   string
	Password string
}

// ShadowsocksContext is the typed context for the "shadowsocks" template: an
// AEAD-only multi-user inbound.
type ShadowsocksContext struct {
	ListenPort int
	Clients    []ShadowsocksClient
}

// WireguardPeer is one peer entry ([Peer] stanza) in a rendered wg0.conf.
type WireguardPeer struct {
	PublicKey    string
	PresharedKey string
	AllowedIPs   string
}

// WireguardContext is the typed context for the "wireguard" template: a
// wg-quick interface file with one [Peer] stanza per client.
type WireguardContext struct {
	ListenPort int
	PrivateKey string
	Address    string
	Peers      []WireguardPeer
}

// ProxyCredential is one basic-auth entry allowed through an HTTP or SOCKS5
// proxy instance.
type ProxyCredential struct {
	Username     string
	PasswordHash string
	AllowedCIDRs []string
}

// HTTPProxyContext is the typed context for the "httpproxy" template: a
// squid-style forward proxy ACL file.
type HTTPProxyContext struct {
	ListenPort  int
	Credentials []ProxyCredential
	AuthEnabled bool
}

// Socks5Context is the typed context for the "socks5proxy" template: a
// dante-style SOCKS5 proxy configuration.
type Socks5Context struct {
	ListenPort  int
	Credentials []ProxyCredential
	AuthEnabled bool
}
