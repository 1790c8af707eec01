package crypto

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/types"
)

// DeriveURI builds the canonical shareable connection artifact for user on
// server, per spec.md §4.1. VLESS and Shadowsocks produce a URI string;
// WireGuard produces a literal INI client config document instead, since the
// WireGuard ecosystem has no standardized share-link format.
func DeriveURI(server *types.ServerInstance, user *types.User) (string, error) {
	if server.Protocol != user.ProtocolBinding.Kind {
		return "", apperr.New(apperr.KindInvalidInput, "Crypto", "user protocol %q does not match server protocol %q", user.ProtocolBinding.Kind, server.Protocol)
	}

	switch server.Protocol {
	case types.ProtocolVless:
		return deriveVlessURI(server, user)
	case types.ProtocolShadowsocks:
		return deriveShadowsocksURI(server, user)
	case types.ProtocolWireguard:
		return deriveWireguardConfig(server, user)
	default:
		return "", apperr.New(apperr.KindUnsupportedProto, "Crypto", "no shareable URI for protocol %q", server.Protocol)
	}
}

func deriveVlessURI(server *types.ServerInstance, user *types.User) (string, error) {
	if user.ProtocolBinding.Vless == nil {
		return "", apperr.New(apperr.KindInvalidInput, "Crypto", "user %q has no vless binding", user.Username)
	}
	b := user.ProtocolBinding.Vless
	q := url.Values{}
	q.Set("encryption", "none")
	q.Set("flow", string(b.Flow))
	q.Set("security", "reality")
	q.Set("sni", server.Keys.RealitySNI)
	q.Set("fp", server.Keys.RealityFingerprint)
	q.Set("pbk", server.Keys.RealityPublicKey)
	q.Set("sid", b.ShortID)
	q.Set("type", "tcp")
	q.Set("headerType", "none")

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		b.UUID, server.Host, server.ListenPort, q.Encode(), url.PathEscape(user.Username)), nil
}

func deriveShadowsocksURI(server *types.ServerInstance, user *types.User) (string, error) {
	if user.ProtocolBinding.Shadowsocks == nil {
		return "", apperr.New(apperr.KindInvalidInput, "Crypto", "user %q has no shadowsocks binding", user.Username)
	}
	b := user.ProtocolBinding.Shadowsocks
	cred := base64.RawURLEncoding.EncodeToString([]byte(string(b.Method) + ":" + b.Password))
	return fmt.Sprintf("ss://%s@%s:%d#%s", cred, server.Host, server.ListenPort, url.PathEscape(user.Username)), nil
}

func deriveWireguardConfig(server *types.ServerInstance, user *types.User) (string, error) {
	if user.ProtocolBinding.Wireguard == nil {
		return "", apperr.New(apperr.KindInvalidInput, "Crypto", "user %q has no wireguard binding", user.Username)
	}
	b := user.ProtocolBinding.Wireguard
	var sb strings.Builder
	sb.WriteString("[Interface]\n")
	fmt.Fprintf(&sb, "PrivateKey = %s\n", b.PrivateKey)
	fmt.Fprintf(&sb, "Address = %s\n", b.ClientIP)
	sb.WriteString("DNS = 1.1.1.1\n\n")
	sb.WriteString("[Peer]\n")
	fmt.Fprintf(&sb, "PublicKey = %s\n", server.Keys.WireguardPublicKey)
	if b.PresharedKey != "" {
		fmt.Fprintf(&sb, "PresharedKey = %s\n", b.PresharedKey)
	}
	fmt.Fprintf(&sb, "Endpoint = %s:%d\n", server.Host, server.ListenPort)
	sb.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	sb.WriteString("PersistentKeepalive = 25\n")
	return sb.String(), nil
}
