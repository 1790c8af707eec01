package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/security"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
)

func TestMain(m *testing.M) {
	if err := security.SetInstanceEncryptionKey(make([]byte, 32)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeRestarter stands in for *servermanager.Manager so tests never need a
// live ContainerClient/TemplateEngine wired up.
type fakeRestarter struct {
	calls int
	err   error
}

func (f *fakeRestarter) Restart(ctx context.Context, name string) (*types.ServerInstance, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.ServerInstance{Name: name, Status: types.ServerStatusRunning}, nil
}

func newTestScheduler(t *testing.T, restarter restarter, cfg Config) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, restarter, broker, cfg), store
}

func insertRunningServer(t *testing.T, store storage.Store, name string) {
	t.Helper()
	server := &types.ServerInstance{
		Name:       name,
		Host:       "127.0.0.1",
		Protocol:   types.ProtocolShadowsocks,
		ListenPort: 10000,
		Status:     types.ServerStatusRunning,
		Clients:    []string{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.InsertServer(server); err != nil {
		t.Fatalf("InsertServer() error = %v", err)
	}
}

// TestReconcileDegradesAfterConsecutiveFailures checks that a server whose
// health probe never succeeds is marked Degraded once ConsecutiveFailures is
// reached, not on the first failed probe.
func TestReconcileDegradesAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{Interval: time.Hour, ConsecutiveFailures: 2, RestartCapAttempts: 3, RestartCapWindow: 15 * time.Minute}
	sched, store := newTestScheduler(t, nil, cfg)
	insertRunningServer(t, store, "edge1")

	// Shadowsocks's probe dials the listen port over TCP; nothing is bound
	// there in this test, so every probe fails, driving the loop exactly the
	// way an unreachable daemon would in production.
	sched.reconcile()
	server, err := store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if server.Status != types.ServerStatusRunning {
		t.Errorf("after 1 failed probe status = %v, want still Running", server.Status)
	}

	sched.reconcile()
	server, err = store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if server.Status != types.ServerStatusDegraded {
		t.Errorf("after 2 failed probes status = %v, want Degraded", server.Status)
	}
	if server.DegradedSince == nil {
		t.Error("DegradedSince not set after degrading")
	}
}

// TestAttemptRestartFailsOverOnceCapExceeded checks that a Degraded server
// already at its restart cap within the window is marked Failed instead of
// restarted again.
func TestAttemptRestartFailsOverOnceCapExceeded(t *testing.T) {
	cfg := Config{Interval: time.Hour, ConsecutiveFailures: 1, RestartCapAttempts: 2, RestartCapWindow: 15 * time.Minute}
	restarter := &fakeRestarter{}
	sched, store := newTestScheduler(t, restarter, cfg)

	now := time.Now().UTC()
	server := &types.ServerInstance{
		Name:            "edge1",
		Protocol:        types.ProtocolShadowsocks,
		ListenPort:      10000,
		Status:          types.ServerStatusDegraded,
		DegradedSince:   &now,
		RestartAttempts: []time.Time{now.Add(-time.Minute), now.Add(-30 * time.Second)},
		Clients:         []string{},
		CreatedAt:       now,
	}
	if err := store.InsertServer(server); err != nil {
		t.Fatalf("InsertServer() error = %v", err)
	}

	sched.attemptRestart(server)

	got, err := store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if got.Status != types.ServerStatusFailed {
		t.Errorf("status = %v, want Failed once restart cap exceeded", got.Status)
	}
	if restarter.calls != 0 {
		t.Errorf("restarter called %d times, want 0 once cap already exceeded", restarter.calls)
	}
}

// TestAttemptRestartCallsRestarterAndPersistsAttempt checks the success path:
// a Degraded server under its restart cap is restarted and the attempt
// timestamp survives regardless of the restart call's own writes.
func TestAttemptRestartCallsRestarterAndPersistsAttempt(t *testing.T) {
	cfg := Config{Interval: time.Hour, ConsecutiveFailures: 1, RestartCapAttempts: 3, RestartCapWindow: 15 * time.Minute}
	restarter := &fakeRestarter{}
	sched, store := newTestScheduler(t, restarter, cfg)

	now := time.Now().UTC()
	server := &types.ServerInstance{
		Name:          "edge1",
		Protocol:      types.ProtocolShadowsocks,
		ListenPort:    10000,
		Status:        types.ServerStatusDegraded,
		DegradedSince: &now,
		Clients:       []string{},
		CreatedAt:     now,
	}
	if err := store.InsertServer(server); err != nil {
		t.Fatalf("InsertServer() error = %v", err)
	}

	sched.attemptRestart(server)

	if restarter.calls != 1 {
		t.Errorf("restarter called %d times, want 1", restarter.calls)
	}
	got, err := store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if len(got.RestartAttempts) != 1 {
		t.Errorf("RestartAttempts = %v, want 1 entry persisted", got.RestartAttempts)
	}
}

// TestRecoverFromDegraded checks that a healthy probe clears Degraded back
// to Running and resets the failure counter.
func TestRecoverFromDegraded(t *testing.T) {
	cfg := DefaultConfig()
	sched, store := newTestScheduler(t, nil, cfg)

	now := time.Now().UTC()
	server := &types.ServerInstance{
		Name:          "edge1",
		Protocol:      types.ProtocolShadowsocks,
		ListenPort:    10000,
		Status:        types.ServerStatusDegraded,
		DegradedSince: &now,
		Clients:       []string{},
		CreatedAt:     now,
	}
	if err := store.InsertServer(server); err != nil {
		t.Fatalf("InsertServer() error = %v", err)
	}
	sched.failures["edge1"] = 2

	sched.recoverFromDegraded(server)
	sched.clearFailures("edge1")

	got, err := store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if got.Status != types.ServerStatusRunning {
		t.Errorf("status = %v, want Running after recovery", got.Status)
	}
	if got.DegradedSince != nil {
		t.Error("DegradedSince still set after recovery")
	}
	if n := sched.incrementFailures("edge1"); n != 1 {
		t.Errorf("failure counter = %d after clear+increment, want 1", n)
	}
}

// TestStartStop checks the health loop goroutine starts and stops cleanly.
func TestStartStop(t *testing.T) {
	cfg := Config{Interval: 10 * time.Millisecond, ConsecutiveFailures: 1, RestartCapAttempts: 1, RestartCapWindow: time.Minute}
	sched, store := newTestScheduler(t, nil, cfg)
	insertRunningServer(t, store, "edge1")

	sched.Start()
	time.Sleep(50 * time.Millisecond)
	sched.Stop()

	server, err := store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if server.Status != types.ServerStatusDegraded && server.Status != types.ServerStatusRunning {
		t.Errorf("status = %v after loop ran, want Degraded or Running", server.Status)
	}
}
