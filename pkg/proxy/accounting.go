package proxy

import (
	"time"

	"github.com/cuemby/vpnforge/pkg/metrics"
	"github.com/rs/zerolog"
)

// delta is one session's traffic contribution, queued by a connection
// handler on close and drained by accountingWriter.run.
type delta struct {
	userID string
	up     int64
	down   int64
}

// accountingWriter batches per-user traffic deltas and flushes them to the
// Store via trafficRecorder every flushSessions entries or flushInterval,
// whichever comes first (spec.md §4.9), so a burst of short-lived sessions
// never produces one Store write per connection. The queue channel is
// bounded and non-blocking on send: per spec.md §5's "Proxy accounting
// channel: bounded mpsc; if full, producers drop the accounting delta
// rather than block data forwarding", a full channel drops the delta and
// increments metrics.ProxyAccountingDroppedTotal instead of backpressuring
// the connection that already finished.
type accountingWriter struct {
	recorder      trafficRecorder
	flushSessions int
	flushInterval time.Duration
	logger        zerolog.Logger

	queue  chan delta
	stopCh chan struct{}
	doneCh chan struct{}
}

func newAccountingWriter(recorder trafficRecorder, flushSessions int, flushInterval time.Duration, logger zerolog.Logger) *accountingWriter {
	if flushSessions <= 0 {
		flushSessions = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &accountingWriter{
		recorder:      recorder,
		flushSessions: flushSessions,
		flushInterval: flushInterval,
		logger:        logger,
		queue:         make(chan delta, 4096),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// record queues one session's traffic delta, dropping it if the queue is
// full rather than blocking the caller.
func (a *accountingWriter) record(userID string, up, down int64) {
	if userID == "" || a.recorder == nil {
		return
	}
	select {
	case a.queue <- delta{userID: userID, up: up, down: down}:
	default:
		metrics.ProxyAccountingDroppedTotal.Inc()
	}
}

func (a *accountingWriter) start() {
	go a.run()
}

func (a *accountingWriter) stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *accountingWriter) run() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	pending := make(map[string]delta)
	flush := func() {
		for id, d := range pending {
			if err := a.recorder.RecordTraffic(id, d.up, d.down, 1); err != nil {
				a.logger.Warn().Err(err).Str("user", id).Msg("failed to flush traffic accounting")
			}
		}
		pending = make(map[string]delta)
	}

	for {
		select {
		case d := <-a.queue:
			agg := pending[d.userID]
			agg.userID = d.userID
			agg.up += d.up
			agg.down += d.down
			pending[d.userID] = agg
			if len(pending) >= a.flushSessions {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stopCh:
			// Drain whatever is already queued before the final flush, since
			// Stop is called right after the listeners close and every
			// in-flight handler has already queued its closing delta.
			for {
				select {
				case d := <-a.queue:
					agg := pending[d.userID]
					agg.userID = d.userID
					agg.up += d.up
					agg.down += d.down
					pending[d.userID] = agg
				default:
					flush()
					return
				}
			}
		}
	}
}
