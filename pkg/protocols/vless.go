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

// VlessAdapter implements VLESS with Reality TLS camouflage.
type VlessAdapter struct{}

func (VlessAdapter) ProtocolType() types.ProtocolKind { return types.ProtocolVless }

func (VlessAdapter) DefaultImage() string { return "teddysun/xray:latest" }

// PreCheck resolves the Reality destination's SNI, the one protocol-specific
// network check spec.md §4.7 step 2 names for VLESS.
func (VlessAdapter) PreCheck(ctx context.Context, spec InstallSpec) error {
	if spec.VlessDest == "" {
		return apperr.New(apperr.KindInvalidInput, "ServerInstance", "vless requires a reality destination").WithField("vless_dest")
	}
	host := spec.VlessDest
	if h, _, err := net.SplitHostPort(spec.VlessDest); err == nil {
		host = h
	}
	resolver := &net.Resolver{}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := resolver.LookupHost(ctx, host); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "ServerInstance", err).WithField("vless_dest")
	}
	return nil
}

func (VlessAdapter) GenerateServerSecrets() (types.ServerKeys, error) {
	priv, pub, err := crypto.GenX25519()
	if err != nil {
		return types.ServerKeys{}, apperr.Wrap(apperr.KindRngFailure, "ServerInstance", err)
	}
	shortID, err := crypto.GenShortID(8)
	if err != nil {
		return types.ServerKeys{}, apperr.Wrap(apperr.KindRngFailure, "ServerInstance", err)
	}
	return types.ServerKeys{
		RealityPrivateKey:  priv,
		RealityPublicKey:   pub,
		RealityShortIDs:    []string{shortID},
		RealityFingerprint: "chrome",
	}, nil
}

func (VlessAdapter) BuildContext(spec InstallSpec, secrets types.ServerKeys, clients []*types.User) (templateengine.Name, any, error) {
	serverNames := spec.VlessServerNames
	if len(serverNames) == 0 {
		if host, _, err := net.SplitHostPort(spec.VlessDest); err == nil {
			serverNames = []string{host}
		}
	}
	vctx := templateengine.VlessContext{
		ListenPort:  spec.ListenPort,
		PrivateKey:  secrets.RealityPrivateKey,
		ShortIDs:    secrets.RealityShortIDs,
		Dest:        spec.VlessDest,
		ServerNames: serverNames,
	}
	for _, u := range clients {
		if u.ProtocolBinding.Vless == nil {
			continue
		}
		vctx.Clients = append(vctx.Clients, templateengine.VlessClient{
			UUID: u.ProtocolBinding.Vless.UUID,
			Flow: string(u.ProtocolBinding.Vless.Flow),
		})
	}
	return templateengine.NameVless, vctx, nil
}

func (VlessAdapter) PerUserSecrets(req UserSecretRequest) (types.ProtocolBinding, error) {
	flow := req.VlessFlow
	if flow == "" {
		flow = types.VlessFlowNone
	}
	shortID, err := crypto.GenShortID(8)
	if err != nil {
		return types.ProtocolBinding{}, apperr.Wrap(apperr.KindRngFailure, "User", err)
	}
	return types.ProtocolBinding{
		Kind: types.ProtocolVless,
		Vless: &types.VlessBinding{
			UUID:    crypto.NewUUID(),
			Flow:    flow,
			ShortID: shortID,
		},
	}, nil
}

func (VlessAdapter) DeriveConnectionArtifact(server *types.ServerInstance, user *types.User) (ConnectionArtifact, error) {
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
			"uuid":        user.ProtocolBinding.Vless.UUID,
			"sni":         server.Keys.RealitySNI,
			"public_key":  server.Keys.RealityPublicKey,
			"short_id":    user.ProtocolBinding.Vless.ShortID,
			"fingerprint": server.Keys.RealityFingerprint,
		},
	}, nil
}

func (VlessAdapter) HealthProbe(ctx context.Context, server *types.ServerInstance) (HealthState, string) {
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.ListenPort))
	checker := health.NewTCPChecker(addr)
	result := checker.Check(ctx)
	if result.Healthy {
		return HealthHealthy, result.Message
	}
	return HealthUnreachable, result.Message
}

func (VlessAdapter) ReloadStrategy() ReloadStrategy { return ReloadReplaceConfigAndSignal }
