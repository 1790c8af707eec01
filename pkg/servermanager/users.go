package servermanager

import (
	"context"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/protocols"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
)

// AddUser appends user to a server's client set, re-renders the server's
// config with the new client list, and applies the protocol's
// ReloadStrategy. Every adapter currently resolves to a full container
// restart: pkg/containerclient exposes no exec or signal primitive to send
// a protocol daemon SIGHUP or run "wg syncconf" in place, so
// ReplaceConfigAndSignal, WgSync, and RebuildContainer all fall back to
// ProjectDown+ProjectUp. That is a correctness-preserving but slower path
// than a live reload would be.
func (m *Manager) AddUser(ctx context.Context, serverName string, user *types.User) error {
	unlock := m.locks.Lock("server:" + serverName)
	defer unlock()

	server, err := m.store.GetServer(serverName)
	if err != nil {
		return err
	}
	for _, id := range server.Clients {
		if id == user.ID {
			return nil
		}
	}
	clients := append(append([]string{}, server.Clients...), user.ID)
	if err := m.reconfigure(ctx, server, clients); err != nil {
		return err
	}

	m.cache.InvalidateTags([]string{tagServers, serverTag(serverName)})
	m.broker.Publish(&events.Event{
		Type:    events.EventServerUpdated,
		Message: "client added",
		Metadata: map[string]string{"server": serverName, "user_id": user.ID},
	})
	m.logger.Info().Str("server", serverName).Str("user_id", user.ID).Msg("client added to server")
	return nil
}

// RemoveUser drops userID from a server's client set and reconfigures it the
// same way AddUser does.
func (m *Manager) RemoveUser(ctx context.Context, serverName, userID string) error {
	unlock := m.locks.Lock("server:" + serverName)
	defer unlock()

	server, err := m.store.GetServer(serverName)
	if err != nil {
		return err
	}
	clients := make([]string, 0, len(server.Clients))
	found := false
	for _, id := range server.Clients {
		if id == userID {
			found = true
			continue
		}
		clients = append(clients, id)
	}
	if !found {
		return nil
	}
	if err := m.reconfigure(ctx, server, clients); err != nil {
		return err
	}

	m.cache.InvalidateTags([]string{tagServers, serverTag(serverName)})
	m.broker.Publish(&events.Event{
		Type:    events.EventServerUpdated,
		Message: "client removed",
		Metadata: map[string]string{"server": serverName, "user_id": userID},
	})
	m.logger.Info().Str("server", serverName).Str("user_id", userID).Msg("client removed from server")
	return nil
}

// reconfigure rebuilds the server's config from clients, writes it to disk,
// and applies the adapter's ReloadStrategy.
func (m *Manager) reconfigure(ctx context.Context, server *types.ServerInstance, clients []string) error {
	adapter, err := protocols.Get(server.Protocol)
	if err != nil {
		return err
	}

	users := make([]*types.User, 0, len(clients))
	for _, id := range clients {
		u, err := m.store.GetUser(id)
		if err != nil {
			return err
		}
		users = append(users, u)
	}

	spec := protocols.InstallSpec{
		Name:       server.Name,
		Host:       server.Host,
		ListenPort: server.ListenPort,
	}
	templateName, templateCtx, err := adapter.BuildContext(spec, server.Keys, users)
	if err != nil {
		return err
	}
	rendered, err := m.templates.Render(templateName, templateCtx)
	if err != nil {
		return err
	}

	if err := atomicWriteFile(server.Paths.Config, rendered); err != nil {
		return apperr.Wrap(apperr.KindDiskFull, "ServerInstance", err)
	}

	switch adapter.ReloadStrategy() {
	case protocols.ReloadReplaceConfigAndSignal, protocols.ReloadWgSync, protocols.ReloadRebuildContainer:
		if server.Status == types.ServerStatusRunning {
			if err := m.runtime.ProjectDown(ctx, server.Name); err != nil {
				return err
			}
			projectSpec := buildProjectSpec(server.Name, adapter.DefaultImage(), server.Protocol, server.ListenPort, server.Paths)
			handle, err := m.runtime.ProjectUp(ctx, projectSpec)
			if err != nil {
				return err
			}
			server.RuntimeHandle = handle.Name
		}
	}

	server.Clients = clients
	server.ConfigDigest = configDigest(rendered)
	return m.store.UpdateServer(server)
}

// RevokeUserEverywhere satisfies pkg/usermanager's revoker interface: it
// scans every server for userID in its client list and removes it from
// each. storage.Filter has no array-contains predicate, so membership is
// checked in Go after a full scan.
func (m *Manager) RevokeUserEverywhere(userID string) error {
	servers, _, err := m.store.ListServers(storage.Filter{}, storage.Pagination{Page: 1, PageSize: 1000})
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, server := range servers {
		for _, id := range server.Clients {
			if id == userID {
				if err := m.RemoveUser(ctx, server.Name, userID); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}
