package containerclient

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/cuemby/vpnforge/pkg/apperr"
	dockercontainer "github.com/docker/docker/api/types/container"
)

// Logs streams up to tailN recent lines, then continues streaming new lines
// if follow is true, until ctx is cancelled. Returned lines have Docker's
// 8-byte multiplexed stream header already stripped.
func (c *Client) Logs(ctx context.Context, containerID string, tailN int, follow bool) (<-chan string, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
	}

	tail := "all"
	if tailN > 0 {
		tail = fmt.Sprintf("%d", tailN)
	}
	rc, err := c.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Follow:     follow,
	})
	if err != nil {
		c.release()
		return nil, apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("logs for %s: %w", containerID, err))
	}

	lines := make(chan string, 64)
	go func() {
		defer c.release()
		defer rc.Close()
		defer close(lines)
		streamDemuxedLines(rc, lines)
	}()
	return lines, nil
}

// streamDemuxedLines strips Docker's 8-byte frame header (stream type +
// big-endian length) from a multiplexed log stream and emits text lines.
func streamDemuxedLines(r io.Reader, out chan<- string) {
	reader := bufio.NewReader(r)
	for {
		header := make([]byte, 8)
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}
		out <- string(payload)
	}
}

// Stats is a one-shot resource snapshot (spec.md §4.3).
type Stats struct {
	CPUPercent float64
	MemBytes   uint64
	RxBytes    uint64
	TxBytes    uint64
	PIDCount   uint64
}

// Stats returns a single, non-streaming resource snapshot for containerID.
func (c *Client) Stats(ctx context.Context, containerID string) (Stats, error) {
	if err := c.acquire(ctx); err != nil {
		return Stats{}, apperr.Wrap(apperr.KindTimeout, "ContainerClient", err)
	}
	defer c.release()

	resp, err := c.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("stats for %s: %w", containerID, err))
	}
	defer resp.Body.Close()

	var raw dockerStatsJSON
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return Stats{}, apperr.Wrap(apperr.KindRuntimeUnavailable, "ContainerClient", fmt.Errorf("decode stats for %s: %w", containerID, err))
	}

	return Stats{
		CPUPercent: computeCPUPercent(raw),
		MemBytes:   raw.MemoryStats.Usage,
		RxBytes:    sumNetwork(raw, "rx"),
		TxBytes:    sumNetwork(raw, "tx"),
		PIDCount:   raw.PidsStats.Current,
	}, nil
}
