package containerclient

import (
	"context"
	"fmt"

	"github.com/cuemby/vpnforge/pkg/apperr"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// PortBinding publishes a container port on the host.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string // "tcp" or "udp"
}

// MountSpec is a bind mount into a container.
type MountSpec struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerSpec describes one container in a project: the ServerInstance's
// own protocol daemon, or a sidecar.
type ContainerSpec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	Ports    []PortBinding
	Mounts   []MountSpec
	CapAdd   []string
	Sysctls  map[string]string
}

// ProjectSpec groups the containers ProjectUp brings up together under one
// ServerInstance name.
type ProjectSpec struct {
	Name       string
	Containers []ContainerSpec
}

// ProjectHandle identifies a running project for status/logs/stats/down.
type ProjectHandle struct {
	Name         string
	ContainerIDs []string
}

// ProjectUp materializes spec deterministically: ensure_image per container,
// create with the project label, start each. Partial failure triggers a
// best-effort rollback of whatever containers were already created, mirroring
// the teacher's StopContainer SIGTERM/timeout/SIGKILL sequencing for cleanup.
func (c *Client) ProjectUp(ctx context.Context, spec ProjectSpec) (*ProjectHandle, error) {
	handle := &ProjectHandle{Name: spec.Name}

	for _, cs := range spec.Containers {
		if err := c.EnsureImage(ctx, cs.Image); err != nil {
			c.rollback(ctx, handle)
			return nil, err
		}

		id, err := c.createContainer(ctx, spec.Name, cs)
		if err != nil {
			c.rollback(ctx, handle)
			return nil, err
		}
		handle.ContainerIDs = append(handle.ContainerIDs, id)

		if err := c.acquire(ctx); err != nil {
			c.rollback(ctx, handle)
			return nil, apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
		}
		err = c.docker.ContainerStart(ctx, id, dockercontainer.StartOptions{})
		c.release()
		if err != nil {
			c.rollback(ctx, handle)
			return nil, apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("start container %s: %w", cs.Name, err))
		}
	}

	return handle, nil
}

func (c *Client) createContainer(ctx context.Context, project string, cs ContainerSpec) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
	}
	defer c.release()

	portSet, portMap := toDockerPorts(cs.Ports)

	var mounts []mount.Mount
	for _, m := range cs.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Destination,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &dockercontainer.Config{
		Image:        cs.Image,
		Cmd:          cs.Cmd,
		Env:          cs.Env,
		ExposedPorts: portSet,
		Labels:       map[string]string{ProjectLabel: project},
	}
	hostCfg := &dockercontainer.HostConfig{
		PortBindings: portMap,
		Mounts:       mounts,
		CapAdd:       cs.CapAdd,
		Sysctls:      cs.Sysctls,
		RestartPolicy: dockercontainer.RestartPolicy{
			Name: dockercontainer.RestartPolicyUnlessStopped,
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, cs.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", apperr.Wrap(apperr.KindImageMissing, "ContainerClient", err)
		}
		return "", apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("create container %s: %w", cs.Name, err))
	}
	return resp.ID, nil
}

// ProjectDown gracefully stops every container in the project (default 10s
// timeout, then force-kill via Docker's own StopOptions.Timeout) and removes
// them. Containers are discovered by the project label, not just handle.ContainerIDs,
// so a restart-recovered handle still tears down sidecars correctly.
func (c *Client) ProjectDown(ctx context.Context, projectName string) error {
	ids, err := c.containerIDsForProject(ctx, projectName)
	if err != nil {
		return err
	}

	var firstErr error
	timeout := 10
	for _, id := range ids {
		if err := c.acquire(ctx); err != nil {
			return apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
		}
		stopErr := c.docker.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeout})
		rmErr := c.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true})
		c.release()
		if stopErr != nil && !client.IsErrNotFound(stopErr) && firstErr == nil {
			firstErr = fmt.Errorf("stop container %s: %w", id, stopErr)
		}
		if rmErr != nil && !client.IsErrNotFound(rmErr) && firstErr == nil {
			firstErr = fmt.Errorf("remove container %s: %w", id, rmErr)
		}
	}
	if firstErr != nil {
		return apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", firstErr)
	}
	return nil
}

func (c *Client) rollback(ctx context.Context, handle *ProjectHandle) {
	for _, id := range handle.ContainerIDs {
		timeout := 10
		c.docker.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeout})
		c.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true})
	}
}

// ProjectContainerIDs exposes containerIDsForProject for callers (ServerManager's
// logs/status) that only kept a project name, not a ProjectHandle, across a
// process restart.
func (c *Client) ProjectContainerIDs(ctx context.Context, projectName string) ([]string, error) {
	return c.containerIDsForProject(ctx, projectName)
}

func (c *Client) containerIDsForProject(ctx context.Context, projectName string) ([]string, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
	}
	defer c.release()

	f := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", ProjectLabel, projectName)))
	containers, err := c.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("list project %s containers: %w", projectName, err))
	}
	ids := make([]string, 0, len(containers))
	for _, ctr := range containers {
		ids = append(ids, ctr.ID)
	}
	return ids, nil
}

func toDockerPorts(bindings []PortBinding) (dockercontainer.PortSet, dockercontainer.PortMap) {
	portSet := dockercontainer.PortSet{}
	portMap := dockercontainer.PortMap{}
	for _, b := range bindings {
		proto := b.Protocol
		if proto == "" {
			proto = "tcp"
		}
		key := dockercontainer.Port(fmt.Sprintf("%d/%s", b.ContainerPort, proto))
		portSet[key] = struct{}{}
		portMap[key] = []dockercontainer.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", b.HostPort)}}
	}
	return portSet, portMap
}
