// Package scheduler runs the background health loop spec.md §4.7/§5
// describes: poll every Running ServerInstance on a ticker, track consecutive
// probe failures, and drive the Running→Degraded→Failed state machine,
// auto-restarting a Degraded server up to a capped number of attempts per
// rolling window before giving up.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/log"
	"github.com/cuemby/vpnforge/pkg/metrics"
	"github.com/cuemby/vpnforge/pkg/protocols"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
	"github.com/rs/zerolog"
)

// restarter is the subset of *servermanager.Manager the health loop drives.
// Declared here, not imported from pkg/servermanager, so a fake can stand in
// for tests without needing a real ContainerClient/TemplateEngine wired up.
type restarter interface {
	Restart(ctx context.Context, name string) (*types.ServerInstance, error)
}

// Config tunes the health loop's cadence and restart policy (spec.md §5,
// surfaced via pkg/config.HealthConfig).
type Config struct {
	Interval            time.Duration
	ConsecutiveFailures int
	RestartCapAttempts  int
	RestartCapWindow    time.Duration
}

// DefaultConfig matches pkg/config.HealthConfig's own defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, ConsecutiveFailures: 2, RestartCapAttempts: 3, RestartCapWindow: 15 * time.Minute}
}

// Scheduler runs one health-probe reconciliation cycle per tick.
type Scheduler struct {
	store     storage.Store
	restarter restarter
	broker    *events.Broker
	cfg       Config
	logger    zerolog.Logger

	mu        sync.Mutex
	failures  map[string]int // consecutive failure count per server name
	stopCh    chan struct{}
}

// New builds a Scheduler. restarter may be nil if auto-restart is undesired,
// in which case a Degraded server is only ever logged, never restarted.
func New(store storage.Store, restarter restarter, broker *events.Broker, cfg Config) *Scheduler {
	if cfg.Interval == 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		store:     store,
		restarter: restarter,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("scheduler"),
		failures:  make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the health loop in its own goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the health loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reconcile()
		case <-s.stopCh:
			return
		}
	}
}

// reconcile probes every Running or Degraded server once and applies the
// Running/Degraded/Failed transitions spec.md §4.7 describes.
func (s *Scheduler) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	servers, err := s.listLiveServers(types.ServerStatusRunning)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list running servers")
		return
	}
	degraded, err := s.listLiveServers(types.ServerStatusDegraded)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list degraded servers")
		return
	}
	servers = append(servers, degraded...)

	for _, server := range servers {
		s.probeOne(server)
	}
}

func (s *Scheduler) listLiveServers(status types.ServerStatus) ([]*types.ServerInstance, error) {
	filter := storage.Filter{Predicates: []storage.Predicate{{Field: "status", Op: storage.OpEq, Value: string(status)}}}
	servers, _, err := s.store.ListServers(filter, storage.Pagination{Page: 1, PageSize: 500})
	return servers, err
}

func (s *Scheduler) probeOne(server *types.ServerInstance) {
	adapter, err := protocols.Get(server.Protocol)
	if err != nil {
		s.logger.Error().Err(err).Str("server", server.Name).Msg("no adapter for server's protocol")
		return
	}

	probeTimer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	state, detail := adapter.HealthProbe(ctx, server)
	cancel()
	probeTimer.ObserveDuration(metrics.HealthProbeDuration)

	if state == protocols.HealthHealthy {
		s.clearFailures(server.Name)
		if server.Status == types.ServerStatusDegraded {
			s.recoverFromDegraded(server)
		}
		return
	}

	s.logger.Warn().Str("server", server.Name).Str("state", string(state)).Str("detail", detail).Msg("health probe failed")
	count := s.incrementFailures(server.Name)
	if count < s.cfg.ConsecutiveFailures {
		return
	}

	if server.Status != types.ServerStatusDegraded {
		s.markDegraded(server)
		return
	}

	s.attemptRestart(server)
}

func (s *Scheduler) clearFailures(name string) {
	s.mu.Lock()
	delete(s.failures, name)
	s.mu.Unlock()
}

func (s *Scheduler) incrementFailures(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name]++
	return s.failures[name]
}

func (s *Scheduler) recoverFromDegraded(server *types.ServerInstance) {
	server.Status = types.ServerStatusRunning
	server.DegradedSince = nil
	if err := s.store.UpdateServer(server); err != nil {
		s.logger.Error().Err(err).Str("server", server.Name).Msg("failed to clear degraded status")
		return
	}
	s.logger.Info().Str("server", server.Name).Msg("server recovered, back to running")
}

func (s *Scheduler) markDegraded(server *types.ServerInstance) {
	now := time.Now().UTC()
	server.Status = types.ServerStatusDegraded
	server.DegradedSince = &now
	if err := s.store.UpdateServer(server); err != nil {
		s.logger.Error().Err(err).Str("server", server.Name).Msg("failed to mark server degraded")
		return
	}
	metrics.ServerDegradedTotal.WithLabelValues(server.Name).Inc()
	s.broker.Publish(&events.Event{
		Type:     events.EventServerDegraded,
		Message:  "server health checks failing",
		Metadata: map[string]string{"server": server.Name},
	})
	s.logger.Warn().Str("server", server.Name).Msg("server degraded")
}

// attemptRestart retries a Degraded server up to cfg.RestartCapAttempts times
// within cfg.RestartCapWindow, tracked via ServerInstance.RestartAttempts.
// Once the cap is reached within the window, the server is marked Failed and
// left for operator intervention rather than restarted indefinitely.
func (s *Scheduler) attemptRestart(server *types.ServerInstance) {
	cutoff := time.Now().Add(-s.cfg.RestartCapWindow)
	recent := recentAttempts(server.RestartAttempts, cutoff)

	if len(recent) >= s.cfg.RestartCapAttempts {
		server.Status = types.ServerStatusFailed
		server.RestartAttempts = recent
		if err := s.store.UpdateServer(server); err != nil {
			s.logger.Error().Err(err).Str("server", server.Name).Msg("failed to mark server failed")
			return
		}
		s.broker.Publish(&events.Event{
			Type:     events.EventServerFailed,
			Message:  "restart cap exceeded",
			Metadata: map[string]string{"server": server.Name},
		})
		s.logger.Error().Str("server", server.Name).Msg("server failed: restart cap exceeded")
		s.clearFailures(server.Name)
		return
	}

	if s.restarter == nil {
		return
	}

	// Record the attempt before calling out: Restart re-fetches its own copy
	// of the row from the Store, so persisting RestartAttempts first means
	// whatever Restart saves (Status, StartedAt, RuntimeHandle) still carries
	// this attempt rather than racing a stale in-memory copy.
	server.RestartAttempts = append(recent, time.Now().UTC())
	if err := s.store.UpdateServer(server); err != nil {
		s.logger.Error().Err(err).Str("server", server.Name).Msg("failed to persist restart attempt")
		return
	}

	metrics.ServerRestartsTotal.WithLabelValues(server.Name).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_, err := s.restarter.Restart(ctx, server.Name)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Str("server", server.Name).Msg("auto-restart failed")
		return
	}
	s.logger.Info().Str("server", server.Name).Int("attempt", len(server.RestartAttempts)).Msg("auto-restarted degraded server")
	s.clearFailures(server.Name)
}

func recentAttempts(attempts []time.Time, cutoff time.Time) []time.Time {
	recent := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}
