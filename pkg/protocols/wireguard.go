package protocols

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/crypto"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/types"
)

// WireguardAdapter implements WireGuard with a sequential per-server subnet
// allocator for peer IPs.
type WireguardAdapter struct{}

func (WireguardAdapter) ProtocolType() types.ProtocolKind { return types.ProtocolWireguard }

func (WireguardAdapter) DefaultImage() string { return "linuxserver/wireguard:latest" }

func (WireguardAdapter) PreCheck(ctx context.Context, spec InstallSpec) error {
	if spec.WireguardSubnet == "" {
		return apperr.New(apperr.KindInvalidInput, "ServerInstance", "wireguard requires a client subnet").WithField("wireguard_subnet")
	}
	if _, _, err := net.ParseCIDR(spec.WireguardSubnet); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "ServerInstance", err).WithField("wireguard_subnet")
	}
	return nil
}

func (WireguardAdapter) GenerateServerSecrets() (types.ServerKeys, error) {
	priv, pub, err := crypto.GenWireguardKeypair()
	if err != nil {
		return types.ServerKeys{}, apperr.Wrap(apperr.KindRngFailure, "ServerInstance", err)
	}
	return types.ServerKeys{WireguardPrivateKey: priv, WireguardPublicKey: pub}, nil
}

func (WireguardAdapter) BuildContext(spec InstallSpec, secrets types.ServerKeys, clients []*types.User) (templateengine.Name, any, error) {
	address := serverAddressInSubnet(spec.WireguardSubnet)
	wctx := templateengine.WireguardContext{
		ListenPort: spec.ListenPort,
		PrivateKey: secrets.WireguardPrivateKey,
		Address:    address,
	}
	for _, u := range clients {
		if u.ProtocolBinding.Wireguard == nil {
			continue
		}
		wctx.Peers = append(wctx.Peers, templateengine.WireguardPeer{
			PublicKey:    u.ProtocolBinding.Wireguard.PublicKey,
			PresharedKey: u.ProtocolBinding.Wireguard.PresharedKey,
			AllowedIPs:   u.ProtocolBinding.Wireguard.ClientIP + "/32",
		})
	}
	return templateengine.NameWireguard, wctx, nil
}

// serverAddressInSubnet returns the subnet's .1 host as the interface
// address, reserving .2+ for peers (mirrored by allocatePeerIP below).
func serverAddressInSubnet(subnet string) string {
	base := strings.SplitN(subnet, "/", 2)[0]
	octets := strings.Split(base, ".")
	if len(octets) == 4 {
		octets[3] = "1"
	}
	return strings.Join(octets, ".") + "/24"
}

// allocatePeerIP assigns a client the subnet's .2 host. This is a minimal
// single-peer allocator; ServerManager.add_user is responsible for offering
// an unused offset when the server already has peers, since only it holds
// the server's current client set.
func allocatePeerIP(subnet string) (string, error) {
	if subnet == "" {
		return "", apperr.New(apperr.KindInvalidInput, "User", "wireguard users require a server subnet").WithField("wireguard_subnet")
	}
	ip, _, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, "User", err).WithField("wireguard_subnet")
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", apperr.New(apperr.KindInvalidInput, "User", "wireguard_subnet must be IPv4").WithField("wireguard_subnet")
	}
	return strconv.Itoa(int(v4[0])) + "." + strconv.Itoa(int(v4[1])) + "." + strconv.Itoa(int(v4[2])) + ".2", nil
}

func (WireguardAdapter) PerUserSecrets(req UserSecretRequest) (types.ProtocolBinding, error) {
	priv, pub, err := crypto.GenWireguardKeypair()
	if err != nil {
		return types.ProtocolBinding{}, apperr.Wrap(apperr.KindRngFailure, "User", err)
	}
	psk, err := crypto.GenPresharedKey()
	if err != nil {
		return types.ProtocolBinding{}, apperr.Wrap(apperr.KindRngFailure, "User", err)
	}
	clientIP, err := allocatePeerIP(req.WireguardSubnet)
	if err != nil {
		return types.ProtocolBinding{}, err
	}
	return types.ProtocolBinding{
		Kind: types.ProtocolWireguard,
		Wireguard: &types.WireguardBinding{
			PrivateKey:   priv,
			PublicKey:    pub,
			PresharedKey: psk,
			ClientIP:     clientIP,
		},
	}, nil
}

func (WireguardAdapter) DeriveConnectionArtifact(server *types.ServerInstance, user *types.User) (ConnectionArtifact, error) {
	cfg, err := crypto.DeriveURI(server, user)
	if err != nil {
		return ConnectionArtifact{}, err
	}
	png, err := crypto.RenderQR(cfg, crypto.ECCMedium)
	if err != nil {
		return ConnectionArtifact{}, err
	}
	return ConnectionArtifact{
		URIOrConfig: cfg,
		QRPNG:       png,
		Fields: map[string]string{
			"client_ip":  user.ProtocolBinding.Wireguard.ClientIP,
			"public_key": user.ProtocolBinding.Wireguard.PublicKey,
		},
	}, nil
}

// HealthProbe dials the server's UDP listen port. WireGuard is connectionless
// so a successful dial only proves the socket is bound locally, not that a
// handshake would succeed; that is the extent of what a black-box external
// probe can observe without a real peer keypair to complete a handshake.
func (WireguardAdapter) HealthProbe(ctx context.Context, server *types.ServerInstance) (HealthState, string) {
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.ListenPort))
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return HealthUnreachable, err.Error()
	}
	conn.Close()
	return HealthHealthy, "udp socket reachable"
}

func (WireguardAdapter) ReloadStrategy() ReloadStrategy { return ReloadWgSync }
