package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsersByName   = []byte("users_by_username")
	bucketUsersByEmail  = []byte("users_by_email")
	bucketServers       = []byte("servers")
	bucketServersByPort = []byte("servers_by_port")
	bucketTraffic       = []byte("traffic")
	bucketAudit         = []byte("audit")
)

// BoltStore implements Store using an embedded bbolt database, following the
// teacher's bucket-per-entity, JSON-row-encoding pattern with added
// secondary-index buckets for O(log n) uniqueness checks under concurrent
// writers (spec.md §8 boundary tests).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "vpnforge.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketUsers, bucketUsersByName, bucketUsersByEmail,
			bucketServers, bucketServersByPort, bucketTraffic, bucketAudit,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- Users ---------------------------------------------------------------

func (s *BoltStore) InsertUser(u *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		byName := tx.Bucket(bucketUsersByName)

		if byName.Get([]byte(u.Username)) != nil {
			return apperr.New(apperr.KindAlreadyExists, "User", "username %q already exists", u.Username)
		}
		if u.Email != "" {
			byEmail := tx.Bucket(bucketUsersByEmail)
			if byEmail.Get([]byte(u.Email)) != nil {
				return apperr.New(apperr.KindAlreadyExists, "User", "email %q already exists", u.Email)
			}
			if err := byEmail.Put([]byte(u.Email), []byte(u.ID)); err != nil {
				return err
			}
		}
		if err := byName.Put([]byte(u.Username), []byte(u.ID)); err != nil {
			return err
		}
		data, err := marshalUser(u)
		if err != nil {
			return err
		}
		return users.Put([]byte(u.ID), data)
	})
}

func (s *BoltStore) UpdateUser(u *types.User) error {
	u.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		existingData := users.Get([]byte(u.ID))
		if existingData == nil {
			return apperr.New(apperr.KindNotFound, "User", "id %q not found", u.ID)
		}
		var existing types.User
		if err := unmarshalUser(existingData, &existing); err != nil {
			return err
		}

		byName := tx.Bucket(bucketUsersByName)
		if existing.Username != u.Username {
			if byName.Get([]byte(u.Username)) != nil {
				return apperr.New(apperr.KindAlreadyExists, "User", "username %q already exists", u.Username)
			}
			if err := byName.Delete([]byte(existing.Username)); err != nil {
				return err
			}
			if err := byName.Put([]byte(u.Username), []byte(u.ID)); err != nil {
				return err
			}
		}

		byEmail := tx.Bucket(bucketUsersByEmail)
		if existing.Email != u.Email {
			if existing.Email != "" {
				byEmail.Delete([]byte(existing.Email))
			}
			if u.Email != "" {
				if byEmail.Get([]byte(u.Email)) != nil {
					return apperr.New(apperr.KindAlreadyExists, "User", "email %q already exists", u.Email)
				}
				if err := byEmail.Put([]byte(u.Email), []byte(u.ID)); err != nil {
					return err
				}
			}
		}

		data, err := marshalUser(u)
		if err != nil {
			return err
		}
		return users.Put([]byte(u.ID), data)
	})
}

func (s *BoltStore) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		data := users.Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "User", "id %q not found", id)
		}
		var u types.User
		if err := unmarshalUser(data, &u); err != nil {
			return err
		}
		tx.Bucket(bucketUsersByName).Delete([]byte(u.Username))
		if u.Email != "" {
			tx.Bucket(bucketUsersByEmail).Delete([]byte(u.Email))
		}
		return users.Delete([]byte(id))
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var u types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "User", "id %q not found", id)
		}
		return unmarshalUser(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) GetUserByUsername(username string) (*types.User, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketUsersByName).Get([]byte(username))
		if id == nil {
			return apperr.New(apperr.KindNotFound, "User", "username %q not found", username)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(string(id))
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketUsersByEmail).Get([]byte(email))
		if id == nil {
			return apperr.New(apperr.KindNotFound, "User", "email %q not found", email)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(string(id))
}

func (s *BoltStore) ListUsers(filter Filter, page Pagination) ([]*types.User, int, error) {
	page = page.normalized()
	var all []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := unmarshalUser(v, &u); err != nil {
				return err
			}
			if matchesUser(&u, filter) {
				all = append(all, &u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	start := (page.Page - 1) * page.PageSize
	if start >= total {
		return []*types.User{}, total, nil
	}
	end := start + page.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func matchesUser(u *types.User, filter Filter) bool {
	for _, p := range filter.Predicates {
		var field any
		switch p.Field {
		case "username":
			field = u.Username
		case "email":
			field = u.Email
		case "status":
			field = string(u.Status)
		case "protocol":
			field = string(u.ProtocolBinding.Kind)
		default:
			continue
		}
		if !evalPredicate(field, p) {
			return false
		}
	}
	return true
}

func evalPredicate(field any, p Predicate) bool {
	fs, ok := field.(string)
	if !ok {
		return true
	}
	switch p.Op {
	case OpEq:
		return fs == fmt.Sprint(p.Value)
	case OpLike:
		return strings.Contains(strings.ToLower(fs), strings.ToLower(fmt.Sprint(p.Value)))
	case OpIn:
		vals, _ := p.Value.([]string)
		for _, v := range vals {
			if fs == v {
				return true
			}
		}
		return false
	case OpGte:
		return fs >= fmt.Sprint(p.Value)
	case OpLte:
		return fs <= fmt.Sprint(p.Value)
	case OpBetween:
		return fs >= fmt.Sprint(p.Value) && fs <= fmt.Sprint(p.Value2)
	default:
		return true
	}
}

// BulkInsertUsers implements spec.md §4.2/§8 scenario 3: AtomicAllOrNothing
// runs every insert in one transaction and aborts all on any failure;
// BestEffort commits successes independently and reports per-index errors.
func (s *BoltStore) BulkInsertUsers(drafts []*types.User, mode BulkMode) ([]*types.User, []BulkInsertError, error) {
	if mode == BulkAtomicAllOrNothing {
		var inserted []*types.User
		err := s.db.Update(func(tx *bolt.Tx) error {
			seen := make(map[string]bool, len(drafts))
			seenEmail := make(map[string]bool, len(drafts))
			for i, d := range drafts {
				if seen[d.Username] {
					return apperr.New(apperr.KindAlreadyExists, "User", "duplicate username %q at index %d", d.Username, i)
				}
				seen[d.Username] = true
				if d.Email != "" {
					if seenEmail[d.Email] {
						return apperr.New(apperr.KindAlreadyExists, "User", "duplicate email %q at index %d", d.Email, i)
					}
					seenEmail[d.Email] = true
				}
			}
			users := tx.Bucket(bucketUsers)
			byName := tx.Bucket(bucketUsersByName)
			byEmail := tx.Bucket(bucketUsersByEmail)
			for _, d := range drafts {
				if byName.Get([]byte(d.Username)) != nil {
					return apperr.New(apperr.KindAlreadyExists, "User", "username %q already exists", d.Username)
				}
				data, err := marshalUser(d)
				if err != nil {
					return err
				}
				if err := users.Put([]byte(d.ID), data); err != nil {
					return err
				}
				if err := byName.Put([]byte(d.Username), []byte(d.ID)); err != nil {
					return err
				}
				if d.Email != "" {
					if err := byEmail.Put([]byte(d.Email), []byte(d.ID)); err != nil {
						return err
					}
				}
				inserted = append(inserted, d)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		return inserted, nil, nil
	}

	var inserted []*types.User
	var failed []BulkInsertError
	for i, d := range drafts {
		if err := s.InsertUser(d); err != nil {
			failed = append(failed, BulkInsertError{Index: i, Err: err})
			continue
		}
		inserted = append(inserted, d)
	}
	return inserted, failed, nil
}

// --- ServerInstances -------------------------------------------------------

func (s *BoltStore) InsertServer(srv *types.ServerInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		servers := tx.Bucket(bucketServers)
		if servers.Get([]byte(srv.Name)) != nil {
			return apperr.New(apperr.KindAlreadyExists, "ServerInstance", "name %q already exists", srv.Name)
		}
		byPort := tx.Bucket(bucketServersByPort)
		portKey := []byte(strconv.Itoa(srv.ListenPort))
		if isPortReserving(srv.Status) && byPort.Get(portKey) != nil {
			return apperr.New(apperr.KindPortInUse, "ServerInstance", "port %d already in use", srv.ListenPort)
		}
		if isPortReserving(srv.Status) {
			if err := byPort.Put(portKey, []byte(srv.Name)); err != nil {
				return err
			}
		}
		data, err := marshalServer(srv)
		if err != nil {
			return err
		}
		return servers.Put([]byte(srv.Name), data)
	})
}

func isPortReserving(status types.ServerStatus) bool {
	return status == types.ServerStatusInstalling || status == types.ServerStatusRunning
}

func (s *BoltStore) UpdateServer(srv *types.ServerInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		servers := tx.Bucket(bucketServers)
		existingData := servers.Get([]byte(srv.Name))
		if existingData == nil {
			return apperr.New(apperr.KindNotFound, "ServerInstance", "name %q not found", srv.Name)
		}
		var existing types.ServerInstance
		if err := unmarshalServer(existingData, &existing); err != nil {
			return err
		}

		byPort := tx.Bucket(bucketServersByPort)
		oldReserved := isPortReserving(existing.Status)
		newReserved := isPortReserving(srv.Status)
		if oldReserved && (!newReserved || existing.ListenPort != srv.ListenPort) {
			byPort.Delete([]byte(strconv.Itoa(existing.ListenPort)))
		}
		if newReserved && (!oldReserved || existing.ListenPort != srv.ListenPort) {
			portKey := []byte(strconv.Itoa(srv.ListenPort))
			if holder := byPort.Get(portKey); holder != nil && string(holder) != srv.Name {
				return apperr.New(apperr.KindPortInUse, "ServerInstance", "port %d already in use", srv.ListenPort)
			}
			if err := byPort.Put(portKey, []byte(srv.Name)); err != nil {
				return err
			}
		}

		data, err := marshalServer(srv)
		if err != nil {
			return err
		}
		return servers.Put([]byte(srv.Name), data)
	})
}

func (s *BoltStore) DeleteServer(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		servers := tx.Bucket(bucketServers)
		data := servers.Get([]byte(name))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "ServerInstance", "name %q not found", name)
		}
		var srv types.ServerInstance
		if err := unmarshalServer(data, &srv); err != nil {
			return err
		}
		if isPortReserving(srv.Status) {
			tx.Bucket(bucketServersByPort).Delete([]byte(strconv.Itoa(srv.ListenPort)))
		}
		return servers.Delete([]byte(name))
	})
}

func (s *BoltStore) GetServer(name string) (*types.ServerInstance, error) {
	var srv types.ServerInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServers).Get([]byte(name))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "ServerInstance", "name %q not found", name)
		}
		return unmarshalServer(data, &srv)
	})
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *BoltStore) GetServerByPort(port int) (*types.ServerInstance, error) {
	var name []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		name = tx.Bucket(bucketServersByPort).Get([]byte(strconv.Itoa(port)))
		if name == nil {
			return apperr.New(apperr.KindNotFound, "ServerInstance", "port %d not in use", port)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetServer(string(name))
}

func (s *BoltStore) ListServers(filter Filter, page Pagination) ([]*types.ServerInstance, int, error) {
	page = page.normalized()
	var all []*types.ServerInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var srv types.ServerInstance
			if err := unmarshalServer(v, &srv); err != nil {
				return err
			}
			if matchesServer(&srv, filter) {
				all = append(all, &srv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	start := (page.Page - 1) * page.PageSize
	if start >= total {
		return []*types.ServerInstance{}, total, nil
	}
	end := start + page.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func matchesServer(srv *types.ServerInstance, filter Filter) bool {
	for _, p := range filter.Predicates {
		var field any
		switch p.Field {
		case "name":
			field = srv.Name
		case "protocol":
			field = string(srv.Protocol)
		case "status":
			field = string(srv.Status)
		default:
			continue
		}
		if !evalPredicate(field, p) {
			return false
		}
	}
	return true
}

// --- Traffic ---------------------------------------------------------------

func trafficKey(serverName, userID string, bucketStart time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%020d", serverName, userID, bucketStart.Unix()))
}

func (s *BoltStore) AppendTraffic(snap *types.TrafficSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTraffic).Put(trafficKey(snap.ServerName, snap.UserID, snap.BucketStart), data)
	})
}

func (s *BoltStore) AggregateTraffic(windowStart, windowEnd time.Time) ([]types.AggregateRow, error) {
	totals := make(map[[2]string]*types.AggregateRow)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTraffic).ForEach(func(k, v []byte) error {
			var snap types.TrafficSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if snap.BucketStart.Before(windowStart) || snap.BucketStart.After(windowEnd) {
				return nil
			}
			key := [2]string{snap.ServerName, snap.UserID}
			row, ok := totals[key]
			if !ok {
				row = &types.AggregateRow{ServerName: snap.ServerName, UserID: snap.UserID}
				totals[key] = row
			}
			row.BytesUp += snap.BytesUp
			row.BytesDown += snap.BytesDown
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	rows := make([]types.AggregateRow, 0, len(totals))
	for _, r := range totals {
		rows = append(rows, *r)
	}
	return rows, nil
}

// --- Audit -------------------------------------------------------------

func (s *BoltStore) AppendAudit(ev *types.AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d\x00%s", ev.Timestamp.UnixNano(), ev.ID))
		return tx.Bucket(bucketAudit).Put(key, data)
	})
}
