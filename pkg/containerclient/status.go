package containerclient

import (
	"context"
	"fmt"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/docker/docker/client"
)

// State is container_status's result enumeration (spec.md §4.3).
type State string

const (
	StateRunning     State = "running"
	StateRestarting  State = "restarting"
	StateExited      State = "exited"
	StateMissing     State = "missing"
)

// Status is one container's reported state, with ExitCode populated only
// when State == StateExited.
type Status struct {
	ContainerID string
	State       State
	ExitCode    int
}

// ContainerStatus inspects a single container by ID.
func (c *Client) ContainerStatus(ctx context.Context, containerID string) (Status, error) {
	if err := c.acquire(ctx); err != nil {
		return Status{}, apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
	}
	defer c.release()

	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Status{ContainerID: containerID, State: StateMissing}, nil
		}
		return Status{}, apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("inspect container %s: %w", containerID, err))
	}

	if info.State == nil {
		return Status{ContainerID: containerID, State: StateMissing}, nil
	}
	switch {
	case info.State.Running:
		return Status{ContainerID: containerID, State: StateRunning}, nil
	case info.State.Restarting:
		return Status{ContainerID: containerID, State: StateRestarting}, nil
	default:
		return Status{ContainerID: containerID, State: StateExited, ExitCode: info.State.ExitCode}, nil
	}
}

// ProjectStatus reports status for every container in handle.
func (c *Client) ProjectStatus(ctx context.Context, handle *ProjectHandle) (map[string]Status, error) {
	result := make(map[string]Status, len(handle.ContainerIDs))
	for _, id := range handle.ContainerIDs {
		st, err := c.ContainerStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		result[id] = st
	}
	return result, nil
}
