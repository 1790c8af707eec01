package protocols

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/types"
)

func user(kind types.ProtocolKind, binding types.ProtocolBinding) *types.User {
	binding.Kind = kind
	return &types.User{
		ID:              "u1",
		Username:        "alice",
		Status:          types.UserStatusActive,
		ProtocolBinding: binding,
		CreatedAt:       time.Unix(0, 0),
		UpdatedAt:       time.Unix(0, 0),
	}
}

func TestGetUnsupportedProtocol(t *testing.T) {
	_, err := Get(types.ProtocolKind("quic"))
	if apperr.KindOf(err) != apperr.KindUnsupportedProto {
		t.Fatalf("expected KindUnsupportedProto, got %v", err)
	}
}

func TestGetReturnsRegisteredAdapters(t *testing.T) {
	for _, kind := range []types.ProtocolKind{
		types.ProtocolVless, types.ProtocolShadowsocks, types.ProtocolWireguard,
		types.ProtocolHTTPProxy, types.ProtocolSocks5Proxy,
	} {
		a, err := Get(kind)
		if err != nil {
			t.Fatalf("Get(%s): %v", kind, err)
		}
		if a.ProtocolType() != kind {
			t.Fatalf("adapter for %s reports ProtocolType() == %s", kind, a.ProtocolType())
		}
	}
}

func TestVlessPerUserSecretsAndContext(t *testing.T) {
	a := VlessAdapter{}
	secrets, err := a.GenerateServerSecrets()
	if err != nil {
		t.Fatalf("GenerateServerSecrets: %v", err)
	}
	if secrets.RealityPrivateKey == "" || len(secrets.RealityShortIDs) == 0 {
		t.Fatalf("expected reality keys and short ids, got %+v", secrets)
	}

	binding, err := a.PerUserSecrets(UserSecretRequest{})
	if err != nil {
		t.Fatalf("PerUserSecrets: %v", err)
	}
	if binding.Vless == nil || binding.Vless.UUID == "" {
		t.Fatalf("expected vless binding with uuid, got %+v", binding)
	}

	u := user(types.ProtocolVless, binding)
	name, ctxVal, err := a.BuildContext(InstallSpec{ListenPort: 443, VlessDest: "www.microsoft.com:443"}, secrets, []*types.User{u})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if name != "vless" {
		t.Fatalf("expected template name vless, got %s", name)
	}
	vctx, ok := ctxVal.(templateengine.VlessContext)
	if !ok {
		t.Fatalf("expected templateengine.VlessContext, got %T", ctxVal)
	}
	if len(vctx.Clients) != 1 || vctx.Clients[0].UUID != binding.Vless.UUID {
		t.Fatalf("expected one client matching the bound uuid, got %+v", vctx.Clients)
	}
	if len(vctx.ServerNames) == 0 || vctx.ServerNames[0] != "www.microsoft.com" {
		t.Fatalf("expected server name derived from vless_dest, got %+v", vctx.ServerNames)
	}
}

func TestVlessPreCheckRejectsEmptyDest(t *testing.T) {
	a := VlessAdapter{}
	err := a.PreCheck(context.Background(), InstallSpec{})
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput, got %v", err)
	}
}

func TestShadowsocksPerUserSecretsDefaultsCipher(t *testing.T) {
	a := ShadowsocksAdapter{}
	binding, err := a.PerUserSecrets(UserSecretRequest{})
	if err != nil {
		t.Fatalf("PerUserSecrets: %v", err)
	}
	if binding.Shadowsocks == nil || binding.Shadowsocks.Method != types.CipherChaCha20Poly1305 {
		t.Fatalf("expected default chacha20 cipher, got %+v", binding.Shadowsocks)
	}
}

func TestShadowsocksGenerateServerSecretsIsEmpty(t *testing.T) {
	a := ShadowsocksAdapter{}
	secrets, err := a.GenerateServerSecrets()
	if err != nil {
		t.Fatalf("GenerateServerSecrets: %v", err)
	}
	if secrets.RealityPrivateKey != "" || secrets.WireguardPrivateKey != "" || len(secrets.RealityShortIDs) != 0 {
		t.Fatalf("expected empty server keys, got %+v", secrets)
	}
}

func TestWireguardPreCheckRequiresSubnet(t *testing.T) {
	a := WireguardAdapter{}
	if err := a.PreCheck(context.Background(), InstallSpec{}); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput for missing subnet, got %v", err)
	}
	if err := a.PreCheck(context.Background(), InstallSpec{WireguardSubnet: "10.8.0.0/24"}); err != nil {
		t.Fatalf("expected valid subnet to pass, got %v", err)
	}
}

func TestWireguardPerUserSecretsAllocatesFirstHost(t *testing.T) {
	a := WireguardAdapter{}
	binding, err := a.PerUserSecrets(UserSecretRequest{WireguardSubnet: "10.8.0.0/24"})
	if err != nil {
		t.Fatalf("PerUserSecrets: %v", err)
	}
	if binding.Wireguard.ClientIP != "10.8.0.2" {
		t.Fatalf("expected 10.8.0.2, got %s", binding.Wireguard.ClientIP)
	}
	if binding.Wireguard.PresharedKey == "" {
		t.Fatalf("expected a preshared key")
	}
}

func TestWireguardBuildContextSetsInterfaceAddress(t *testing.T) {
	a := WireguardAdapter{}
	secrets, _ := a.GenerateServerSecrets()
	binding, _ := a.PerUserSecrets(UserSecretRequest{WireguardSubnet: "10.8.0.0/24"})
	u := user(types.ProtocolWireguard, binding)
	name, ctxVal, err := a.BuildContext(InstallSpec{ListenPort: 51820, WireguardSubnet: "10.8.0.0/24"}, secrets, []*types.User{u})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if name != "wireguard" {
		t.Fatalf("expected template name wireguard, got %s", name)
	}
	wctx, ok := ctxVal.(templateengine.WireguardContext)
	if !ok {
		t.Fatalf("expected templateengine.WireguardContext, got %T", ctxVal)
	}
	if wctx.Address != "10.8.0.1/24" {
		t.Fatalf("expected interface address 10.8.0.1/24, got %s", wctx.Address)
	}
	if len(wctx.Peers) != 1 || wctx.Peers[0].AllowedIPs != "10.8.0.2/32" {
		t.Fatalf("expected one peer with allowed ips 10.8.0.2/32, got %+v", wctx.Peers)
	}
}

func TestHTTPProxyPerUserSecretsRequiresPassword(t *testing.T) {
	a := HTTPProxyAdapter{}
	if _, err := a.PerUserSecrets(UserSecretRequest{}); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput for missing password, got %v", err)
	}
	binding, err := a.PerUserSecrets(UserSecretRequest{ProxyPlaintext: "hunter2"})
	if err != nil {
		t.Fatalf("PerUserSecrets: %v", err)
	}
	if binding.Proxy == nil || binding.Proxy.PasswordHash == "" {
		t.Fatalf("expected a password hash, got %+v", binding.Proxy)
	}
}

func TestHTTPProxyDeriveConnectionArtifactEmbedsUsername(t *testing.T) {
	a := HTTPProxyAdapter{}
	binding, err := a.PerUserSecrets(UserSecretRequest{ProxyPlaintext: "hunter2"})
	if err != nil {
		t.Fatalf("PerUserSecrets: %v", err)
	}
	u := user(types.ProtocolHTTPProxy, binding)
	server := &types.ServerInstance{Host: "proxy.example.com", ListenPort: 3128, Protocol: types.ProtocolHTTPProxy}
	artifact, err := a.DeriveConnectionArtifact(server, u)
	if err != nil {
		t.Fatalf("DeriveConnectionArtifact: %v", err)
	}
	if artifact.Fields["username"] != "alice" {
		t.Fatalf("expected username field alice, got %+v", artifact.Fields)
	}
	if len(artifact.QRPNG) == 0 {
		t.Fatalf("expected a non-empty QR PNG")
	}
}

func TestSocks5PerUserSecretsRequiresPassword(t *testing.T) {
	a := Socks5Adapter{}
	if _, err := a.PerUserSecrets(UserSecretRequest{}); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput for missing password, got %v", err)
	}
}

func TestSocks5ReloadStrategyRebuildsContainer(t *testing.T) {
	a := Socks5Adapter{}
	if a.ReloadStrategy() != ReloadRebuildContainer {
		t.Fatalf("expected ReloadRebuildContainer, got %v", a.ReloadStrategy())
	}
}

func TestVlessReloadStrategyReplacesConfig(t *testing.T) {
	a := VlessAdapter{}
	if a.ReloadStrategy() != ReloadReplaceConfigAndSignal {
		t.Fatalf("expected ReloadReplaceConfigAndSignal, got %v", a.ReloadStrategy())
	}
}

func TestWireguardReloadStrategyIsWgSync(t *testing.T) {
	a := WireguardAdapter{}
	if a.ReloadStrategy() != ReloadWgSync {
		t.Fatalf("expected ReloadWgSync, got %v", a.ReloadStrategy())
	}
}
