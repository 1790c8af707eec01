package storage

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/security"
	"github.com/cuemby/vpnforge/pkg/types"
)

func TestMain(m *testing.M) {
	if err := security.SetInstanceEncryptionKey(make([]byte, 32)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleUser(username string) *types.User {
	now := time.Now().UTC()
	return &types.User{
		ID:        username + "-id",
		Username:  username,
		Email:     username + "@example.com",
		Status:    types.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertAndGetUser(t *testing.T) {
	s := newTestStore(t)
	u := sampleUser("alice")
	if err := s.InsertUser(u); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}

	got, err := s.GetUser(u.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("GetUser().Username = %q, want alice", got.Username)
	}

	byName, err := s.GetUserByUsername("alice")
	if err != nil || byName.ID != u.ID {
		t.Errorf("GetUserByUsername() = %v, %v", byName, err)
	}

	byEmail, err := s.GetUserByEmail("alice@example.com")
	if err != nil || byEmail.ID != u.ID {
		t.Errorf("GetUserByEmail() = %v, %v", byEmail, err)
	}
}

func TestInsertUserDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertUser(sampleUser("bob")); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}
	err := s.InsertUser(sampleUser("bob"))
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindAlreadyExists {
		t.Errorf("InsertUser() duplicate error = %v, want KindAlreadyExists", err)
	}
}

func TestUpdateUserRenamesIndex(t *testing.T) {
	s := newTestStore(t)
	u := sampleUser("carol")
	if err := s.InsertUser(u); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}
	u.Username = "carolyn"
	if err := s.UpdateUser(u); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if _, err := s.GetUserByUsername("carol"); err == nil {
		t.Error("old username should no longer resolve")
	}
	if _, err := s.GetUserByUsername("carolyn"); err != nil {
		t.Errorf("GetUserByUsername(new) error = %v", err)
	}
}

func TestDeleteUserRemovesIndexes(t *testing.T) {
	s := newTestStore(t)
	u := sampleUser("dave")
	if err := s.InsertUser(u); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}
	if err := s.DeleteUser(u.ID); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if _, err := s.GetUser(u.ID); err == nil {
		t.Error("GetUser() after delete should fail")
	}
	if _, err := s.GetUserByUsername("dave"); err == nil {
		t.Error("GetUserByUsername() after delete should fail")
	}
}

func TestListUsersFilterAndPaginate(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"u1", "u2", "u3"} {
		u := sampleUser(name)
		if name == "u2" {
			u.Status = types.UserStatusInactive
		}
		if err := s.InsertUser(u); err != nil {
			t.Fatalf("InsertUser() error = %v", err)
		}
	}

	active, total, err := s.ListUsers(Filter{
		Predicates: []Predicate{{Field: "status", Op: OpEq, Value: types.UserStatusActive}},
	}, Pagination{Page: 1, PageSize: 50})
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if total != 2 {
		t.Errorf("ListUsers() total = %d, want 2", total)
	}
	if len(active) != 2 {
		t.Errorf("ListUsers() returned %d rows, want 2", len(active))
	}
}

func TestBulkInsertUsersAtomicAbortsAll(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertUser(sampleUser("dup")); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}

	drafts := []*types.User{sampleUser("fresh1"), sampleUser("dup")}
	inserted, failed, err := s.BulkInsertUsers(drafts, BulkAtomicAllOrNothing)
	if err == nil {
		t.Fatal("BulkInsertUsers(atomic) with one bad draft should error")
	}
	if len(inserted) != 0 || len(failed) != 0 {
		t.Errorf("BulkInsertUsers(atomic) should not partially apply, got inserted=%d failed=%d", len(inserted), len(failed))
	}
	if _, err := s.GetUserByUsername("fresh1"); err == nil {
		t.Error("fresh1 should not have been committed")
	}
}

func TestBulkInsertUsersBestEffort(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertUser(sampleUser("dup")); err != nil {
		t.Fatalf("InsertUser() error = %v", err)
	}

	drafts := []*types.User{sampleUser("fresh2"), sampleUser("dup")}
	inserted, failed, err := s.BulkInsertUsers(drafts, BulkBestEffort)
	if err != nil {
		t.Fatalf("BulkInsertUsers(best_effort) error = %v", err)
	}
	if len(inserted) != 1 {
		t.Errorf("BulkInsertUsers(best_effort) inserted = %d, want 1", len(inserted))
	}
	if len(failed) != 1 || failed[0].Index != 1 {
		t.Errorf("BulkInsertUsers(best_effort) failed = %+v, want index 1", failed)
	}
}

func sampleServer(name string, port int, status types.ServerStatus) *types.ServerInstance {
	return &types.ServerInstance{
		Name:       name,
		Protocol:   types.ProtocolVless,
		ListenPort: port,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestServerPortReservationOnlyOverReservingStatuses(t *testing.T) {
	s := newTestStore(t)
	stopped := sampleServer("stopped-server", 9000, types.ServerStatusStopped)
	if err := s.InsertServer(stopped); err != nil {
		t.Fatalf("InsertServer() error = %v", err)
	}

	running := sampleServer("running-server", 9000, types.ServerStatusInstalling)
	if err := s.InsertServer(running); err != nil {
		t.Fatalf("InsertServer() on a port held only by a Stopped server should succeed, got %v", err)
	}
}

func TestServerPortReservationConflict(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertServer(sampleServer("first", 9100, types.ServerStatusRunning)); err != nil {
		t.Fatalf("InsertServer() error = %v", err)
	}
	err := s.InsertServer(sampleServer("second", 9100, types.ServerStatusInstalling))
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindPortInUse {
		t.Errorf("InsertServer() conflicting port error = %v, want KindPortInUse", err)
	}
}

func TestServerLifecycleCRUD(t *testing.T) {
	s := newTestStore(t)
	srv := sampleServer("edge-1", 8443, types.ServerStatusInstalling)
	if err := s.InsertServer(srv); err != nil {
		t.Fatalf("InsertServer() error = %v", err)
	}

	srv.Status = types.ServerStatusRunning
	if err := s.UpdateServer(srv); err != nil {
		t.Fatalf("UpdateServer() error = %v", err)
	}

	got, err := s.GetServer("edge-1")
	if err != nil || got.Status != types.ServerStatusRunning {
		t.Errorf("GetServer() = %+v, %v", got, err)
	}

	byPort, err := s.GetServerByPort(8443)
	if err != nil || byPort.Name != "edge-1" {
		t.Errorf("GetServerByPort() = %+v, %v", byPort, err)
	}

	if err := s.DeleteServer("edge-1"); err != nil {
		t.Fatalf("DeleteServer() error = %v", err)
	}
	if _, err := s.GetServer("edge-1"); err == nil {
		t.Error("GetServer() after delete should fail")
	}
}

func TestAppendAndAggregateTraffic(t *testing.T) {
	s := newTestStore(t)
	bucket := time.Now().UTC().Truncate(time.Minute)
	snap := &types.TrafficSnapshot{ServerName: "edge-1", UserID: "u1", BucketStart: bucket, BytesUp: 100, BytesDown: 200}
	if err := s.AppendTraffic(snap); err != nil {
		t.Fatalf("AppendTraffic() error = %v", err)
	}
	rows, err := s.AggregateTraffic(bucket.Add(-time.Minute), bucket.Add(time.Minute))
	if err != nil {
		t.Fatalf("AggregateTraffic() error = %v", err)
	}
	if len(rows) != 1 || rows[0].BytesUp != 100 || rows[0].BytesDown != 200 {
		t.Errorf("AggregateTraffic() = %+v, want one row with 100/200", rows)
	}
}

func TestAppendAudit(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendAudit(&types.AuditEvent{
		ID:        "ev1",
		Actor:     "cli",
		Operation: "create",
		Entity:    "user",
		EntityID:  "u1",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}
}
