package usermanager

import (
	"time"

	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
)

// ResetTraffic zeroes a user's traffic counters (spec.md §4.6). Counters are
// otherwise only writable by ProxyDataPlane's accounting writer.
func (m *Manager) ResetTraffic(id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	user, err := m.store.GetUser(id)
	if err != nil {
		return err
	}
	user.Traffic = types.TrafficCounters{}
	user.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateUser(user); err != nil {
		return err
	}
	m.cache.InvalidateTags([]string{userTag(id)})
	return nil
}

// RecordTraffic adds upBytes/downBytes to a user's running counters and bumps
// ConnectionsTotal/LastSeen. Called by ProxyDataPlane's batched accounting
// writer, never by request-handling goroutines directly, so a burst of
// concurrent connections collapses into one Store write per flush interval
// rather than one per byte-count update.
func (m *Manager) RecordTraffic(id string, upBytes, downBytes int64, connections int) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	user, err := m.store.GetUser(id)
	if err != nil {
		return err
	}
	user.Traffic.BytesUp += upBytes
	user.Traffic.BytesDown += downBytes
	user.Traffic.ConnectionsTotal += int64(connections)
	user.Traffic.LastSeen = time.Now().UTC()
	user.UpdatedAt = user.Traffic.LastSeen
	if err := m.store.UpdateUser(user); err != nil {
		return err
	}
	m.cache.InvalidateTags([]string{userTag(id)})
	return nil
}

// QuotaExceeded reports whether a user's recorded traffic has reached its
// Quota.BytesLimit. A nil Quota or zero limit means unlimited.
func (m *Manager) QuotaExceeded(id string) (bool, error) {
	user, err := m.store.GetUser(id)
	if err != nil {
		return false, err
	}
	if user.Quota == nil || user.Quota.BytesLimit <= 0 {
		return false, nil
	}
	return user.Traffic.BytesUp+user.Traffic.BytesDown >= user.Quota.BytesLimit, nil
}

// SetQuota replaces a user's quota (nil clears it).
func (m *Manager) SetQuota(id string, quota *types.Quota) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	user, err := m.store.GetUser(id)
	if err != nil {
		return err
	}
	user.Quota = quota
	user.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateUser(user); err != nil {
		return err
	}
	m.cache.InvalidateTags([]string{userTag(id)})
	return nil
}

// MarkExpiredSweep transitions every Active user whose expires_at has
// passed to Expired. Idempotent: re-running it after a prior sweep touches
// nothing new. Safe under concurrent create/update because each row update
// is serialized through the row's own Lock.
func (m *Manager) MarkExpiredSweep(now time.Time) (int, error) {
	candidates, err := m.listAllUsers(storage.Filter{
		Predicates: []storage.Predicate{
			{Field: "status", Op: storage.OpEq, Value: types.UserStatusActive},
		},
	})
	if err != nil {
		return 0, err
	}

	transitioned := 0
	for _, u := range candidates {
		if u.ExpiresAt == nil || u.ExpiresAt.After(now) {
			continue
		}
		unlock := m.locks.Lock(u.ID)
		u.Status = types.UserStatusExpired
		u.UpdatedAt = now
		err := m.store.UpdateUser(u)
		unlock()
		if err != nil {
			return transitioned, err
		}
		m.cache.InvalidateTags([]string{userTag(u.ID)})
		m.broker.Publish(&events.Event{
			Type:     events.EventUserUpdated,
			Message:  "user expired",
			Metadata: map[string]string{"user_id": u.ID},
		})
		transitioned++
	}
	return transitioned, nil
}
