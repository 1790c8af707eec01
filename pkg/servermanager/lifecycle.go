package servermanager

import (
	"context"
	"os"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/containerclient"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/protocols"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
)

// Start brings a Stopped or Degraded server's containers back up. Docker has
// no plain "start" for a project ProjectDown already tore down, so Start
// recreates it the same way Install did.
func (m *Manager) Start(ctx context.Context, name string) (*types.ServerInstance, error) {
	unlock := m.locks.Lock("server:" + name)
	defer unlock()

	server, err := m.store.GetServer(name)
	if err != nil {
		return nil, err
	}
	adapter, err := protocols.Get(server.Protocol)
	if err != nil {
		return nil, err
	}

	projectSpec := buildProjectSpec(server.Name, adapter.DefaultImage(), server.Protocol, server.ListenPort, server.Paths)
	var handle *containerclient.ProjectHandle
	err = withRetry(ctx, func() error {
		h, upErr := m.runtime.ProjectUp(ctx, projectSpec)
		if upErr != nil {
			return upErr
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	server.Status = types.ServerStatusRunning
	server.StartedAt = &now
	server.RuntimeHandle = handle.Name
	server.DegradedSince = nil
	if err := m.store.UpdateServer(server); err != nil {
		return nil, err
	}

	m.cache.InvalidateTags([]string{tagServers, serverTag(name)})
	m.broker.Publish(&events.Event{Type: events.EventServerStarted, Message: "server started", Metadata: map[string]string{"server": name}})
	m.logger.Info().Str("server", name).Msg("server started")
	return server, nil
}

// Stop tears down a server's containers but keeps its ServerInstance row and
// on-disk config, so Start can bring it back without re-running install.
func (m *Manager) Stop(ctx context.Context, name string) (*types.ServerInstance, error) {
	unlock := m.locks.Lock("server:" + name)
	defer unlock()

	server, err := m.store.GetServer(name)
	if err != nil {
		return nil, err
	}

	if err := m.runtime.ProjectDown(ctx, name); err != nil {
		return nil, err
	}

	server.Status = types.ServerStatusStopped
	server.StartedAt = nil
	if err := m.store.UpdateServer(server); err != nil {
		return nil, err
	}

	m.cache.InvalidateTags([]string{tagServers, serverTag(name)})
	m.broker.Publish(&events.Event{Type: events.EventServerStopped, Message: "server stopped", Metadata: map[string]string{"server": name}})
	m.logger.Info().Str("server", name).Msg("server stopped")
	return server, nil
}

// Restart is Stop followed by Start, not a native Docker restart, since
// ProjectUp/ProjectDown is the only container-lifecycle primitive wired.
func (m *Manager) Restart(ctx context.Context, name string) (*types.ServerInstance, error) {
	if _, err := m.Stop(ctx, name); err != nil {
		return nil, err
	}
	return m.Start(ctx, name)
}

// Uninstall tears down containers and the firewall rule, then either purges
// the on-disk tree and Store row (purge=true) or leaves the row Stopped for
// a future reinstall-free Start.
func (m *Manager) Uninstall(ctx context.Context, name string, purge bool) error {
	unlock := m.locks.Lock("server:" + name)
	defer unlock()

	server, err := m.store.GetServer(name)
	if err != nil {
		return err
	}

	server.Status = types.ServerStatusRemoving
	if err := m.store.UpdateServer(server); err != nil {
		return err
	}

	if err := m.runtime.ProjectDown(ctx, name); err != nil {
		return err
	}
	if err := m.firewall.Close(name); err != nil {
		m.logger.Warn().Err(err).Str("server", name).Msg("failed to close firewall rule during uninstall")
	}

	if purge {
		if err := os.RemoveAll(server.Paths.Root); err != nil {
			return apperr.Wrap(apperr.KindDiskFull, "ServerInstance", err)
		}
		if err := m.store.DeleteServer(name); err != nil {
			return err
		}
	} else {
		server.Status = types.ServerStatusStopped
		server.StartedAt = nil
		if err := m.store.UpdateServer(server); err != nil {
			return err
		}
	}

	m.cache.InvalidateTags([]string{tagServers, serverTag(name)})
	m.broker.Publish(&events.Event{Type: events.EventServerUninstalled, Message: "server uninstalled", Metadata: map[string]string{"server": name, "purge": boolStr(purge)}})
	m.logger.Info().Str("server", name).Bool("purge", purge).Msg("server uninstalled")
	return nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Get fetches a server by name, cached like usermanager.Get.
func (m *Manager) Get(name string) (*types.ServerInstance, error) {
	v, err := m.cache.GetOrFetch(serverTag(name), defaultCacheTTL, []string{tagServers, serverTag(name)}, func() (any, error) {
		return m.store.GetServer(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ServerInstance), nil
}

// List returns a page of servers matching filter.
func (m *Manager) List(filter storage.Filter, page storage.Pagination) ([]*types.ServerInstance, int, error) {
	return m.store.ListServers(filter, page)
}

// Logs streams the server's single daemon container's log lines, tailing
// the last tailN and optionally following new output.
func (m *Manager) Logs(ctx context.Context, name string, tailN int, follow bool) (<-chan string, error) {
	ids, err := m.runtime.ProjectContainerIDs(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "ServerInstance", "server %q has no running containers", name)
	}
	return m.runtime.Logs(ctx, ids[0], tailN, follow)
}

// Status reports the live Docker state of every container in the server's
// project, keyed by container ID.
func (m *Manager) Status(ctx context.Context, name string) (map[string]containerclient.Status, error) {
	ids, err := m.runtime.ProjectContainerIDs(ctx, name)
	if err != nil {
		return nil, err
	}
	handle := &containerclient.ProjectHandle{Name: name, ContainerIDs: ids}
	return m.runtime.ProjectStatus(ctx, handle)
}
