package servermanager

import (
	"context"
	"os"
	"testing"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/cache"
	"github.com/cuemby/vpnforge/pkg/containerclient"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/network"
	"github.com/cuemby/vpnforge/pkg/security"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/templateengine"
	"github.com/cuemby/vpnforge/pkg/types"
)

func TestMain(m *testing.M) {
	if err := security.SetInstanceEncryptionKey(make([]byte, 32)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeRuntime stands in for *containerclient.Client so tests never need a
// live Docker daemon.
type fakeRuntime struct {
	ensureImageErr error
	projectUpErr   error
	projectDownErr error
	upCalls        int
	downCalls      int
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, ref string) error {
	return f.ensureImageErr
}

func (f *fakeRuntime) ProjectUp(ctx context.Context, spec containerclient.ProjectSpec) (*containerclient.ProjectHandle, error) {
	f.upCalls++
	if f.projectUpErr != nil {
		return nil, f.projectUpErr
	}
	return &containerclient.ProjectHandle{Name: spec.Name, ContainerIDs: []string{"fake-" + spec.Name}}, nil
}

func (f *fakeRuntime) ProjectDown(ctx context.Context, projectName string) error {
	f.downCalls++
	return f.projectDownErr
}

func (f *fakeRuntime) ProjectContainerIDs(ctx context.Context, projectName string) ([]string, error) {
	return []string{"fake-" + projectName}, nil
}

func (f *fakeRuntime) ProjectStatus(ctx context.Context, handle *containerclient.ProjectHandle) (map[string]containerclient.Status, error) {
	out := make(map[string]containerclient.Status, len(handle.ContainerIDs))
	for _, id := range handle.ContainerIDs {
		out[id] = containerclient.Status{ContainerID: id, State: containerclient.StateRunning}
	}
	return out, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, containerID string, tailN int, follow bool) (<-chan string, error) {
	ch := make(chan string, 1)
	ch <- "log line"
	close(ch)
	return ch, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, containerID string) (containerclient.Stats, error) {
	return containerclient.Stats{}, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := cache.New(cache.DefaultConfig())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	engine, err := templateengine.New()
	if err != nil {
		t.Fatalf("templateengine.New() error = %v", err)
	}

	runtime := &fakeRuntime{}
	cfg := Config{InstallRoot: t.TempDir(), PortRangeMin: 10000, PortRangeMax: 10010}
	m := New(store, c, broker, engine, runtime, network.NullFirewallPort{}, cfg)
	return m, runtime, store
}

func TestInstallShadowsocks(t *testing.T) {
	m, runtime, _ := newTestManager(t)
	server, err := m.Install(context.Background(), ServerInstallSpec{
		Name:     "edge1",
		Host:     "vpn.example.com",
		Protocol: types.ProtocolShadowsocks,
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if server.Status != types.ServerStatusRunning {
		t.Errorf("Install() status = %v, want Running", server.Status)
	}
	if server.ListenPort < 10000 || server.ListenPort > 10010 {
		t.Errorf("Install() port = %d, want in configured range", server.ListenPort)
	}
	if runtime.upCalls != 1 {
		t.Errorf("ProjectUp called %d times, want 1", runtime.upCalls)
	}
}

func TestInstallDuplicateNameFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	spec := ServerInstallSpec{Name: "edge1", Protocol: types.ProtocolShadowsocks}
	if _, err := m.Install(context.Background(), spec); err != nil {
		t.Fatalf("first Install() error = %v", err)
	}
	_, err := m.Install(context.Background(), spec)
	if apperr.KindOf(err) != apperr.KindAlreadyExists {
		t.Errorf("second Install() kind = %v, want AlreadyExists", apperr.KindOf(err))
	}
}

func TestInstallRollsBackOnProjectUpFailure(t *testing.T) {
	m, runtime, store := newTestManager(t)
	runtime.projectUpErr = apperr.New(apperr.KindConfigInvalid, "ContainerClient", "bad config")

	_, err := m.Install(context.Background(), ServerInstallSpec{Name: "edge1", Protocol: types.ProtocolShadowsocks})
	if err == nil {
		t.Fatal("Install() error = nil, want failure from ProjectUp")
	}

	server, getErr := store.GetServer("edge1")
	if getErr != nil {
		t.Fatalf("GetServer() error = %v", getErr)
	}
	if server.Status != types.ServerStatusFailed {
		t.Errorf("Install() left status = %v, want Failed", server.Status)
	}
}

func TestStartStopRestart(t *testing.T) {
	m, runtime, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Install(ctx, ServerInstallSpec{Name: "edge1", Protocol: types.ProtocolShadowsocks}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if _, err := m.Stop(ctx, "edge1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if runtime.downCalls != 1 {
		t.Errorf("ProjectDown called %d times after Stop, want 1", runtime.downCalls)
	}

	server, err := m.Start(ctx, "edge1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if server.Status != types.ServerStatusRunning {
		t.Errorf("Start() status = %v, want Running", server.Status)
	}

	if _, err := m.Restart(ctx, "edge1"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if runtime.downCalls != 2 || runtime.upCalls != 3 {
		t.Errorf("Restart() counts up=%d down=%d, want up=3 down=2", runtime.upCalls, runtime.downCalls)
	}
}

func TestAddUserAndRemoveUser(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Install(ctx, ServerInstallSpec{Name: "edge1", Protocol: types.ProtocolShadowsocks}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	user := &types.User{ID: "user-1", Username: "alice", ProtocolBinding: types.ProtocolBinding{
		Kind: types.ProtocolShadowsocks,
		Shadowsocks: &types.ShadowsocksBinding{Method: types.CipherAES256GCM, Password: "s3cret"},
	}}
	if err := store.InsertUser(user); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}

	if err := m.AddUser(ctx, "edge1", user); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	server, err := store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if len(server.Clients) != 1 || server.Clients[0] != "user-1" {
		t.Errorf("AddUser() clients = %v, want [user-1]", server.Clients)
	}

	if err := m.RemoveUser(ctx, "edge1", "user-1"); err != nil {
		t.Fatalf("RemoveUser() error = %v", err)
	}
	server, err = store.GetServer("edge1")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if len(server.Clients) != 0 {
		t.Errorf("RemoveUser() clients = %v, want empty", server.Clients)
	}
}

func TestRevokeUserEverywhere(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()
	for _, name := range []string{"edge1", "edge2"} {
		if _, err := m.Install(ctx, ServerInstallSpec{Name: name, Protocol: types.ProtocolShadowsocks}); err != nil {
			t.Fatalf("Install(%s) error = %v", name, err)
		}
	}
	user := &types.User{ID: "user-1", Username: "alice", ProtocolBinding: types.ProtocolBinding{
		Kind: types.ProtocolShadowsocks,
		Shadowsocks: &types.ShadowsocksBinding{Method: types.CipherAES256GCM, Password: "s3cret"},
	}}
	if err := store.InsertUser(user); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}
	if err := m.AddUser(ctx, "edge1", user); err != nil {
		t.Fatalf("AddUser(edge1) error = %v", err)
	}
	if err := m.AddUser(ctx, "edge2", user); err != nil {
		t.Fatalf("AddUser(edge2) error = %v", err)
	}

	if err := m.RevokeUserEverywhere("user-1"); err != nil {
		t.Fatalf("RevokeUserEverywhere() error = %v", err)
	}

	for _, name := range []string{"edge1", "edge2"} {
		server, err := store.GetServer(name)
		if err != nil {
			t.Fatalf("GetServer(%s) error = %v", name, err)
		}
		if len(server.Clients) != 0 {
			t.Errorf("server %s clients = %v, want empty after revoke", name, server.Clients)
		}
	}
}
