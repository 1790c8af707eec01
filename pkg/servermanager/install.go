package servermanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/containerclient"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/metrics"
	"github.com/cuemby/vpnforge/pkg/protocols"
	"github.com/cuemby/vpnforge/pkg/types"
)

// Install runs spec.md §4.7's install() sequence: reserve name+port,
// pre_check, generate_server_secrets, build_template_context, render,
// write paths, ensure_image, project_up, optional firewall open. Any step
// that fails after the ServerInstance row is reserved runs the
// compensation stack in reverse and marks the row Failed rather than
// leaving an orphaned reservation.
func (m *Manager) Install(ctx context.Context, spec ServerInstallSpec) (*types.ServerInstance, error) {
	unlock := m.locks.Lock("server:" + spec.Name)
	defer unlock()

	timer := metrics.NewTimer()
	server, err := m.install(ctx, spec)
	timer.ObserveDurationVec(metrics.ServerInstallDuration, string(spec.Protocol))
	if err != nil {
		metrics.ServerInstallFailuresTotal.WithLabelValues(string(spec.Protocol)).Inc()
	}
	return server, err
}

func (m *Manager) install(ctx context.Context, spec ServerInstallSpec) (*types.ServerInstance, error) {
	if _, err := m.store.GetServer(spec.Name); err == nil {
		return nil, apperr.New(apperr.KindAlreadyExists, "ServerInstance", "server %q already exists", spec.Name).WithField("name")
	}

	adapter, err := protocols.Get(spec.Protocol)
	if err != nil {
		return nil, err
	}

	port, err := m.reservePort(spec.Protocol, spec.ListenPort)
	if err != nil {
		return nil, err
	}
	spec.ListenPort = port

	adapterSpec := m.toAdapterSpec(spec)
	if err := adapter.PreCheck(ctx, adapterSpec); err != nil {
		return nil, err
	}

	var compensations []func() error
	rollback := func() {
		for i := len(compensations) - 1; i >= 0; i-- {
			if cerr := compensations[i](); cerr != nil {
				m.logger.Warn().Err(cerr).Str("server", spec.Name).Msg("compensation step failed")
			}
		}
	}

	paths := serverPaths(m.cfg.InstallRoot, spec.Name)
	server := &types.ServerInstance{
		Name:       spec.Name,
		Host:       spec.Host,
		Protocol:   spec.Protocol,
		ListenPort: port,
		Status:     types.ServerStatusInstalling,
		Paths:      paths,
		Clients:    []string{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.InsertServer(server); err != nil {
		return nil, err
	}

	secrets, err := adapter.GenerateServerSecrets()
	if err != nil {
		rollback()
		return nil, m.fail(server, err)
	}

	templateName, templateCtx, err := adapter.BuildContext(adapterSpec, secrets, nil)
	if err != nil {
		rollback()
		return nil, m.fail(server, err)
	}

	rendered, err := m.templates.Render(templateName, templateCtx)
	if err != nil {
		rollback()
		return nil, m.fail(server, err)
	}

	digest := configDigest(rendered)

	if err := writeServerPaths(paths, rendered, secrets); err != nil {
		rollback()
		return nil, m.fail(server, apperr.Wrap(apperr.KindDiskFull, "ServerInstance", err))
	}
	compensations = append(compensations, func() error { return os.RemoveAll(paths.Root) })

	image := adapter.DefaultImage()
	if err := withRetry(ctx, func() error { return m.runtime.EnsureImage(ctx, image) }); err != nil {
		rollback()
		return nil, m.fail(server, err)
	}

	projectSpec := buildProjectSpec(spec.Name, image, spec.Protocol, port, paths)
	var handle *containerclient.ProjectHandle
	err = withRetry(ctx, func() error {
		var upErr error
		handle, upErr = m.runtime.ProjectUp(ctx, projectSpec)
		return upErr
	})
	if err != nil {
		rollback()
		return nil, m.fail(server, err)
	}
	compensations = append(compensations, func() error { return m.runtime.ProjectDown(ctx, spec.Name) })

	if spec.OpenFirewall {
		if err := m.firewall.Open(spec.Name, port, protoTransport(spec.Protocol)); err != nil {
			rollback()
			return nil, m.fail(server, apperr.Wrap(apperr.KindPermissionDenied, "ServerInstance", err))
		}
		compensations = append(compensations, func() error { return m.firewall.Close(spec.Name) })
	}

	now := time.Now().UTC()
	server.Status = types.ServerStatusRunning
	server.ConfigDigest = digest
	server.Keys = secrets
	server.RuntimeHandle = handle.Name
	server.StartedAt = &now
	if err := m.store.UpdateServer(server); err != nil {
		rollback()
		return nil, m.fail(server, err)
	}

	m.cache.InvalidateTags([]string{tagServers, serverTag(spec.Name)})
	m.broker.Publish(&events.Event{
		Type:    events.EventServerInstalled,
		Message: "server installed",
		Metadata: map[string]string{
			"server":   spec.Name,
			"protocol": string(spec.Protocol),
			"port":     strconv.Itoa(port),
		},
	})
	m.logger.Info().Str("server", spec.Name).Str("protocol", string(spec.Protocol)).Int("port", port).Msg("server installed")
	return server, nil
}

// fail marks an already-reserved ServerInstance row Failed instead of
// leaving it stuck Installing, and returns the original error unchanged.
func (m *Manager) fail(server *types.ServerInstance, err error) error {
	server.Status = types.ServerStatusFailed
	if uerr := m.store.UpdateServer(server); uerr != nil {
		m.logger.Warn().Err(uerr).Str("server", server.Name).Msg("failed to mark server Failed after install error")
	}
	m.broker.Publish(&events.Event{
		Type:    events.EventServerFailed,
		Message: err.Error(),
		Metadata: map[string]string{"server": server.Name},
	})
	return err
}

// reservePort picks the server's host port: the caller's explicit choice if
// given, otherwise the first free port in the configured range. Either way
// it checks both the Store's uniqueness index and a live bind against the
// host, since a port can be DB-unique but still held by some unrelated
// process.
func (m *Manager) reservePort(protocol types.ProtocolKind, requested int) (int, error) {
	transport := protoTransport(protocol)
	if requested > 0 {
		if err := m.checkPortFree(requested, transport); err != nil {
			return 0, err
		}
		return requested, nil
	}
	for p := m.cfg.PortRangeMin; p <= m.cfg.PortRangeMax; p++ {
		if err := m.checkPortFree(p, transport); err == nil {
			return p, nil
		}
	}
	return 0, apperr.New(apperr.KindPortInUse, "ServerInstance", "no free port in range %d-%d", m.cfg.PortRangeMin, m.cfg.PortRangeMax)
}

func (m *Manager) checkPortFree(port int, transport string) error {
	if _, err := m.store.GetServerByPort(port); err == nil {
		return apperr.New(apperr.KindPortInUse, "ServerInstance", "port %d already reserved", port).WithField("listen_port")
	}
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	if transport == "udp" {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return apperr.New(apperr.KindPortInUse, "ServerInstance", "port %d/udp is in use", port).WithField("listen_port")
		}
		pc.Close()
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return apperr.New(apperr.KindPortInUse, "ServerInstance", "port %d/tcp is in use", port).WithField("listen_port")
	}
	ln.Close()
	return nil
}

func configDigest(rendered string) string {
	sum := sha256.Sum256([]byte(rendered))
	return hex.EncodeToString(sum[:])
}

// atomicWriteFile replaces path's contents via write-temp-then-rename, so a
// crash mid-write never leaves a running daemon reading a half-written
// config on its next reload.
func atomicWriteFile(path, contents string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// writeServerPaths lays out one ServerInstance's on-disk tree (spec.md §6):
// config file, a 0700 keys directory with 0600 private-key files, a 0700
// users directory for per-user artifacts, and a logs directory.
func writeServerPaths(paths types.ServerPaths, rendered string, secrets types.ServerKeys) error {
	if err := os.MkdirAll(paths.Root, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(paths.Config, []byte(rendered), 0644); err != nil {
		return err
	}
	if err := os.MkdirAll(paths.KeysDir, 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(paths.UsersDir, 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(paths.LogsDir, 0755); err != nil {
		return err
	}
	if secrets.RealityPrivateKey != "" {
		if err := os.WriteFile(paths.KeysDir+"/reality_private.key", []byte(secrets.RealityPrivateKey), 0600); err != nil {
			return err
		}
		if err := os.WriteFile(paths.KeysDir+"/reality_public.key", []byte(secrets.RealityPublicKey), 0644); err != nil {
			return err
		}
	}
	if secrets.WireguardPrivateKey != "" {
		if err := os.WriteFile(paths.KeysDir+"/server_private.key", []byte(secrets.WireguardPrivateKey), 0600); err != nil {
			return err
		}
		if err := os.WriteFile(paths.KeysDir+"/server_public.key", []byte(secrets.WireguardPublicKey), 0644); err != nil {
			return err
		}
	}
	return nil
}

// buildProjectSpec describes the single daemon container a ServerInstance
// runs: the adapter's default image, the rendered config bind-mounted in,
// and the listen port published on the host. Shared by install and start,
// since start must recreate the container ProjectDown removed.
func buildProjectSpec(name, image string, protocol types.ProtocolKind, port int, paths types.ServerPaths) containerclient.ProjectSpec {
	return containerclient.ProjectSpec{
		Name: name,
		Containers: []containerclient.ContainerSpec{
			{
				Name:  name,
				Image: image,
				Ports: []containerclient.PortBinding{
					{ContainerPort: port, HostPort: port, Protocol: protoTransport(protocol)},
				},
				Mounts: []containerclient.MountSpec{
					{Source: paths.Config, Destination: "/etc/vpnforge/config", ReadOnly: true},
				},
			},
		},
	}
}
