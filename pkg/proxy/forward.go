package proxy

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/metrics"
)

// session tracks one proxied connection's accounting and lifecycle so both
// the HTTP and SOCKS5 handlers can share forwarding, metrics, and
// accounting logic instead of duplicating it per protocol.
type session struct {
	kind   string // "http" or "socks5"
	userID string
	up     int64
	down   int64
}

func (d *DataPlane) newSession(kind string) *session {
	metrics.ProxySessionsActive.WithLabelValues(kind).Inc()
	metrics.ProxySessionsTotal.WithLabelValues(kind).Inc()
	return &session{kind: kind}
}

func (d *DataPlane) closeSession(s *session) {
	metrics.ProxySessionsActive.WithLabelValues(s.kind).Dec()
	metrics.ProxyBytesTotal.WithLabelValues(s.kind, "up").Add(float64(s.up))
	metrics.ProxyBytesTotal.WithLabelValues(s.kind, "down").Add(float64(s.down))
	d.acct.record(s.userID, s.up, s.down)
	d.broker.Publish(&events.Event{
		Type:     events.EventProxySessionClosed,
		Message:  "proxy session closed",
		Metadata: map[string]string{"kind": s.kind, "user_id": s.userID},
	})
}

// forward relays client and upstream bidirectionally until either side
// closes or errs, applying the configured idle timeout to every read on
// both legs. Both directions copy through copyWithIdleTimeout's user-space
// buffer on every platform; no splice(2) or other zero-copy path is used.
func (d *DataPlane) forward(s *session, client, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := copyWithIdleTimeout(upstream, client, d.cfg.IdleTimeout)
		s.up += n
		upstream.Close()
	}()
	go func() {
		defer wg.Done()
		n, _ := copyWithIdleTimeout(client, upstream, d.cfg.IdleTimeout)
		s.down += n
		client.Close()
	}()
	wg.Wait()
}

// copyWithIdleTimeout copies src to dst, resetting src's read deadline
// before every read so an idle connection is closed after d but an active
// one is never cut off mid-transfer.
func copyWithIdleTimeout(dst io.Writer, src net.Conn, idle time.Duration) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if idle > 0 {
			src.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
