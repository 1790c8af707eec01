// Package proxy implements ProxyDataPlane (spec.md §4.9): an HTTP
// CONNECT/absolute-URI proxy and a SOCKS5 proxy, coexisting on separate
// listeners, both authenticating against the User store and both feeding
// the same batched traffic-accounting writer. Grounded on the teacher's
// pkg/ingress.Proxy for the accept-loop/graceful-shutdown shape (serve in a
// goroutine, block on a shutdown signal, drain with a bounded deadline) and
// on pkg/health's TCPChecker for the structure of a pluggable,
// timeout-bounded I/O operation.
package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cuemby/vpnforge/pkg/cache"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/log"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/rs/zerolog"
)

const defaultAuthCacheTTL = 10 * time.Second

// Config tunes the two listeners, their auth requirement, and the
// rate-limit/accounting knobs (spec.md §4.9, surfaced via
// pkg/config.ProxyConfig).
type Config struct {
	HTTPEnabled             bool
	HTTPAddr                string
	Socks5Enabled           bool
	Socks5Addr              string
	AuthRequired            bool
	RateLimitRPS            float64
	RateLimitBurst          int
	IdleTimeout             time.Duration
	DrainTimeout            time.Duration
	AccountingFlushSessions int
	AccountingFlushInterval time.Duration
}

// DefaultConfig matches pkg/config.ProxyConfig's own defaults.
func DefaultConfig() Config {
	return Config{
		HTTPEnabled:             true,
		HTTPAddr:                ":8080",
		Socks5Enabled:           true,
		Socks5Addr:              ":1080",
		AuthRequired:            true,
		RateLimitRPS:            50,
		RateLimitBurst:          100,
		IdleTimeout:             120 * time.Second,
		DrainTimeout:            10 * time.Second,
		AccountingFlushSessions: 100,
		AccountingFlushInterval: 5 * time.Second,
	}
}

// trafficRecorder is the subset of *usermanager.Manager the accounting
// writer drives. Declared here, not imported from pkg/usermanager, so tests
// supply a fake instead of a real Store+Cache+locks stack.
type trafficRecorder interface {
	RecordTraffic(id string, upBytes, downBytes int64, connections int) error
}

// quotaChecker is the subset of *usermanager.Manager session accept checks
// against before forwarding any bytes.
type quotaChecker interface {
	QuotaExceeded(id string) (bool, error)
}

// DataPlane runs the HTTP and SOCKS5 listeners described in spec.md §4.9.
type DataPlane struct {
	store    storage.Store
	cache    *cache.Cache
	broker   *events.Broker
	recorder trafficRecorder
	quota    quotaChecker
	cfg      Config
	logger   zerolog.Logger

	limiters *limiterRegistry
	acct     *accountingWriter

	httpListener   net.Listener
	socks5Listener net.Listener

	wg       sync.WaitGroup // tracks the accept loops themselves
	connWG   sync.WaitGroup // tracks in-flight connection handlers, for drain
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a DataPlane. recorder/quota may be nil in tests that do not
// exercise accounting or quota enforcement.
func New(store storage.Store, c *cache.Cache, broker *events.Broker, recorder trafficRecorder, quota quotaChecker, cfg Config) *DataPlane {
	if cfg.HTTPAddr == "" && cfg.Socks5Addr == "" {
		cfg = DefaultConfig()
	}
	d := &DataPlane{
		store:    store,
		cache:    c,
		broker:   broker,
		recorder: recorder,
		quota:    quota,
		cfg:      cfg,
		logger:   log.WithComponent("proxy"),
		limiters: newLimiterRegistry(cfg.RateLimitRPS, cfg.RateLimitBurst),
		stopCh:   make(chan struct{}),
	}
	d.acct = newAccountingWriter(recorder, cfg.AccountingFlushSessions, cfg.AccountingFlushInterval, d.logger)
	return d
}

// Start opens the enabled listeners and serves until Stop is called or ctx
// is cancelled. It blocks until both accept loops have returned.
func (d *DataPlane) Start(ctx context.Context) error {
	d.acct.start()

	if d.cfg.HTTPEnabled {
		ln, err := net.Listen("tcp", d.cfg.HTTPAddr)
		if err != nil {
			return err
		}
		d.httpListener = ln
		d.logger.Info().Str("addr", d.cfg.HTTPAddr).Msg("http proxy listening")
		d.wg.Add(1)
		go d.acceptLoop(ln, "http", d.handleHTTPConn)
	}

	if d.cfg.Socks5Enabled {
		ln, err := net.Listen("tcp", d.cfg.Socks5Addr)
		if err != nil {
			d.Stop(context.Background())
			return err
		}
		d.socks5Listener = ln
		d.logger.Info().Str("addr", d.cfg.Socks5Addr).Msg("socks5 proxy listening")
		d.wg.Add(1)
		go d.acceptLoop(ln, "socks5", d.handleSocks5Conn)
	}

	go func() {
		<-ctx.Done()
		d.Stop(context.Background())
	}()

	d.wg.Wait()
	return nil
}

// Stop closes both listeners so Accept unblocks, waits up to
// cfg.DrainTimeout for in-flight connections to finish on their own, then
// returns without force-closing them (spec.md §5's shutdown token: stop
// accepting, drain, flush accounting).
func (d *DataPlane) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.httpListener != nil {
			d.httpListener.Close()
		}
		if d.socks5Listener != nil {
			d.socks5Listener.Close()
		}

		drained := make(chan struct{})
		go func() {
			d.connWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(d.cfg.DrainTimeout):
			d.logger.Warn().Msg("drain deadline exceeded, forcing shutdown")
		}

		d.acct.stop()
	})
}

// acceptLoop runs one listener's accept cycle until it is closed, spawning
// handle as its own cooperative task per connection (spec.md §4.9).
func (d *DataPlane) acceptLoop(ln net.Listener, kind string, handle func(net.Conn)) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Warn().Err(err).Str("kind", kind).Msg("accept error")
				return
			}
		}
		d.connWG.Add(1)
		go func() {
			defer d.connWG.Done()
			defer conn.Close()
			handle(conn)
		}()
	}
}
