package protocols

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/crypto"
	"github.com/cuemby/vpnforge/pkg/health"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/types"
)

// ShadowsocksAdapter implements the AEAD-only Shadowsocks cipher set.
type ShadowsocksAdapter struct{}

func (ShadowsocksAdapter) ProtocolType() types.ProtocolKind { return types.ProtocolShadowsocks }

func (ShadowsocksAdapter) DefaultImage() string { return "shadowsocks/shadowsocks-libev:latest" }

func (ShadowsocksAdapter) PreCheck(ctx context.Context, spec InstallSpec) error {
	return nil
}

// GenerateServerSecrets is a no-op: Shadowsocks has no server-wide key pair,
// only per-user method/password pairs (spec.md §3 User.protocol_binding).
func (ShadowsocksAdapter) GenerateServerSecrets() (types.ServerKeys, error) {
	return types.ServerKeys{}, nil
}

func (ShadowsocksAdapter) BuildContext(spec InstallSpec, secrets types.ServerKeys, clients []*types.User) (templateengine.Name, any, error) {
	sctx := templateengine.ShadowsocksContext{ListenPort: spec.ListenPort}
	for _, u := range clients {
		if u.ProtocolBinding.Shadowsocks == nil {
			continue
		}
		sctx.Clients = append(sctx.Clients, templateengine.ShadowsocksClient{
			Method:   string(u.ProtocolBinding.Shadowsocks.Method),
			Password: u.ProtocolBinding.Shadowsocks.Password,
		})
	}
	return templateengine.NameShadowsocks, sctx, nil
}

func (ShadowsocksAdapter) PerUserSecrets(req UserSecretRequest) (types.ProtocolBinding, error) {
	method := req.ShadowsocksCipher
	if method == "" {
		method = types.CipherChaCha20Poly1305
	}
	pw, err := crypto.GenShadowsocksPassword(method)
	if err != nil {
		return types.ProtocolBinding{}, err
	}
	return types.ProtocolBinding{
		Kind: types.ProtocolShadowsocks,
		Shadowsocks: &types.ShadowsocksBinding{
			Method:   method,
			Password: string(pw),
		},
	}, nil
}

func (ShadowsocksAdapter) DeriveConnectionArtifact(server *types.ServerInstance, user *types.User) (ConnectionArtifact, error) {
	uri, err := crypto.DeriveURI(server, user)
	if err != nil {
		return ConnectionArtifact{}, err
	}
	png, err := crypto.RenderQR(uri, crypto.ECCMedium)
	if err != nil {
		return ConnectionArtifact{}, err
	}
	return ConnectionArtifact{
		URIOrConfig: uri,
		QRPNG:       png,
		Fields: map[string]string{
			"method": string(user.ProtocolBinding.Shadowsocks.Method),
		},
	}, nil
}

func (ShadowsocksAdapter) HealthProbe(ctx context.Context, server *types.ServerInstance) (HealthState, string) {
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.ListenPort))
	checker := health.NewTCPChecker(addr).WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	if result.Healthy {
		return HealthHealthy, result.Message
	}
	return HealthUnreachable, result.Message
}

func (ShadowsocksAdapter) ReloadStrategy() ReloadStrategy { return ReloadReplaceConfigAndSignal }
