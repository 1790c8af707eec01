package protocols

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/crypto"
	"github.com/cuemby/vpnforge/pkg/health"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/types"
)

// Socks5Adapter implements a dante-style SOCKS5 proxy with RFC 1929
// username/password authentication.
type Socks5Adapter struct{}

func (Socks5Adapter) ProtocolType() types.ProtocolKind { return types.ProtocolSocks5Proxy }

func (Socks5Adapter) DefaultImage() string { return "wernight/dante:latest" }

func (Socks5Adapter) PreCheck(ctx context.Context, spec InstallSpec) error {
	return nil
}

func (Socks5Adapter) GenerateServerSecrets() (types.ServerKeys, error) {
	return types.ServerKeys{}, nil
}

func (Socks5Adapter) BuildContext(spec InstallSpec, secrets types.ServerKeys, clients []*types.User) (templateengine.Name, any, error) {
	sctx := templateengine.Socks5Context{
		ListenPort:  spec.ListenPort,
		AuthEnabled: spec.AuthEnabled,
	}
	for _, u := range clients {
		if u.ProtocolBinding.Proxy == nil {
			continue
		}
		sctx.Credentials = append(sctx.Credentials, templateengine.ProxyCredential{
			Username:     u.Username,
			PasswordHash: u.ProtocolBinding.Proxy.PasswordHash,
			AllowedCIDRs: u.ProtocolBinding.Proxy.AllowedCIDRs,
		})
	}
	return templateengine.NameSocks5Proxy, sctx, nil
}

func (Socks5Adapter) PerUserSecrets(req UserSecretRequest) (types.ProtocolBinding, error) {
	if req.ProxyPlaintext == "" {
		return types.ProtocolBinding{}, apperr.New(apperr.KindInvalidInput, "User", "proxy users require a password").WithField("proxy_plaintext")
	}
	hash, err := crypto.HashProxyPassword(req.ProxyPlaintext, crypto.DefaultConfig())
	if err != nil {
		return types.ProtocolBinding{}, apperr.Wrap(apperr.KindRngFailure, "User", err)
	}
	return types.ProtocolBinding{
		Kind: types.ProtocolSocks5Proxy,
		Proxy: &types.ProxyBinding{
			PasswordHash: hash,
			AllowedCIDRs: req.ProxyCIDRs,
		},
	}, nil
}

// DeriveConnectionArtifact renders a socks5:// connect string, the de facto
// convention SOCKS-aware clients (curl, browser extensions) parse for a
// proxy address carrying embedded credentials.
func (Socks5Adapter) DeriveConnectionArtifact(server *types.ServerInstance, user *types.User) (ConnectionArtifact, error) {
	if user.ProtocolBinding.Proxy == nil {
		return ConnectionArtifact{}, apperr.New(apperr.KindInvalidInput, "User", "user %q has no proxy binding", user.Username)
	}
	uri := fmt.Sprintf("socks5://%s@%s:%d", url.PathEscape(user.Username), server.Host, server.ListenPort)
	png, err := crypto.RenderQR(uri, crypto.ECCMedium)
	if err != nil {
		return ConnectionArtifact{}, err
	}
	return ConnectionArtifact{
		URIOrConfig: uri,
		QRPNG:       png,
		Fields: map[string]string{
			"username": user.Username,
		},
	}, nil
}

func (Socks5Adapter) HealthProbe(ctx context.Context, server *types.ServerInstance) (HealthState, string) {
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.ListenPort))
	checker := health.NewTCPChecker(addr).WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	if result.Healthy {
		return HealthHealthy, result.Message
	}
	return HealthUnreachable, result.Message
}

// ReloadStrategy rebuilds the container: dante's sockd.conf is read once at
// process start and this adapter has no signal wired for a live reload.
func (Socks5Adapter) ReloadStrategy() ReloadStrategy { return ReloadRebuildContainer }
