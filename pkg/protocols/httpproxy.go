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

// HTTPProxyAdapter implements a squid-style forward HTTP CONNECT/absolute-URI
// proxy with per-user basic-auth credentials.
type HTTPProxyAdapter struct{}

func (HTTPProxyAdapter) ProtocolType() types.ProtocolKind { return types.ProtocolHTTPProxy }

func (HTTPProxyAdapter) DefaultImage() string { return "ubuntu/squid:latest" }

func (HTTPProxyAdapter) PreCheck(ctx context.Context, spec InstallSpec) error {
	return nil
}

// GenerateServerSecrets is a no-op: HttpProxy has no server-wide key pair,
// only per-user credential hashes.
func (HTTPProxyAdapter) GenerateServerSecrets() (types.ServerKeys, error) {
	return types.ServerKeys{}, nil
}

func (HTTPProxyAdapter) BuildContext(spec InstallSpec, secrets types.ServerKeys, clients []*types.User) (templateengine.Name, any, error) {
	hctx := templateengine.HTTPProxyContext{
		ListenPort:  spec.ListenPort,
		AuthEnabled: spec.AuthEnabled,
	}
	for _, u := range clients {
		if u.ProtocolBinding.Proxy == nil {
			continue
		}
		hctx.Credentials = append(hctx.Credentials, templateengine.ProxyCredential{
			Username:     u.Username,
			PasswordHash: u.ProtocolBinding.Proxy.PasswordHash,
			AllowedCIDRs: u.ProtocolBinding.Proxy.AllowedCIDRs,
		})
	}
	return templateengine.NameHTTPProxy, hctx, nil
}

func (HTTPProxyAdapter) PerUserSecrets(req UserSecretRequest) (types.ProtocolBinding, error) {
	if req.ProxyPlaintext == "" {
		return types.ProtocolBinding{}, apperr.New(apperr.KindInvalidInput, "User", "proxy users require a password").WithField("proxy_plaintext")
	}
	hash, err := crypto.HashProxyPassword(req.ProxyPlaintext, crypto.DefaultConfig())
	if err != nil {
		return types.ProtocolBinding{}, apperr.Wrap(apperr.KindRngFailure, "User", err)
	}
	return types.ProtocolBinding{
		Kind: types.ProtocolHTTPProxy,
		Proxy: &types.ProxyBinding{
			PasswordHash: hash,
			AllowedCIDRs: req.ProxyCIDRs,
		},
	}, nil
}

// DeriveConnectionArtifact has no server-issued secret to encode, since the
// client already knows the plaintext password it chose; http:// carrying
// credentials in the userinfo component is the conventional way proxy
// clients (curl, browsers) accept a forward-proxy address in one string.
func (HTTPProxyAdapter) DeriveConnectionArtifact(server *types.ServerInstance, user *types.User) (ConnectionArtifact, error) {
	if user.ProtocolBinding.Proxy == nil {
		return ConnectionArtifact{}, apperr.New(apperr.KindInvalidInput, "User", "user %q has no proxy binding", user.Username)
	}
	uri := fmt.Sprintf("http://%s@%s:%d", url.PathEscape(user.Username), server.Host, server.ListenPort)
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

func (HTTPProxyAdapter) HealthProbe(ctx context.Context, server *types.ServerInstance) (HealthState, string) {
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.ListenPort))
	checker := health.NewTCPChecker(addr).WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	if result.Healthy {
		return HealthHealthy, result.Message
	}
	return HealthUnreachable, result.Message
}

// ReloadStrategy rebuilds the container: squid's ACL file is read at
// startup, and the image has no reload signal wired into this adapter.
func (HTTPProxyAdapter) ReloadStrategy() ReloadStrategy { return ReloadRebuildContainer }
