package containerclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/vpnforge/pkg/apperr"
	dockercontainer "github.com/docker/docker/api/types/container"
)

// BatchAction is one of batch_control's actions (spec.md §4.3).
type BatchAction string

const (
	ActionStart   BatchAction = "start"
	ActionStop    BatchAction = "stop"
	ActionRestart BatchAction = "restart"
)

// BatchControl attempts action independently against every handle, up to
// maxConcurrency at once, and returns a per-handle result map — a batch
// never fails as a whole because one container misbehaved.
func (c *Client) BatchControl(ctx context.Context, action BatchAction, containerIDs []string, maxConcurrency int) map[string]error {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	results := make(map[string]error, len(containerIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)

	for _, id := range containerIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			err := c.controlOne(ctx, action, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

func (c *Client) controlOne(ctx context.Context, action BatchAction, id string) error {
	if err := c.acquire(ctx); err != nil {
		return apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
	}
	defer c.release()

	var err error
	switch action {
	case ActionStart:
		err = c.docker.ContainerStart(ctx, id, dockercontainer.StartOptions{})
	case ActionStop:
		timeout := 10
		err = c.docker.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeout})
	case ActionRestart:
		timeout := 10
		err = c.docker.ContainerRestart(ctx, id, dockercontainer.StopOptions{Timeout: &timeout})
	default:
		return apperr.New(apperr.KindInvalidInput, "ContainerClient", "unknown batch action %q", action)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("%s container %s: %w", action, id, err))
	}
	return nil
}
