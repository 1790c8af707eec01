// Package usermanager implements UserManager (spec.md §4.6): validated CRUD
// and lifecycle operations over User rows, coordinating Store, Cache, Crypto,
// and the event broker the way the teacher's pkg/manager coordinates Store,
// the Raft FSM, and the event broker for its own entities — minus the
// consensus layer, since this system has no multi-node clustering to serialize
// writes across. A single process's writes are serialized per User.id by
// pkg/lock instead of by a replicated log.
package usermanager

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/cache"
	"github.com/cuemby/vpnforge/pkg/events"
	"github.com/cuemby/vpnforge/pkg/lock"
	"github.com/cuemby/vpnforge/pkg/log"
	"github.com/cuemby/vpnforge/pkg/protocols"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
	"github.com/rs/zerolog"
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

const (
	tagUsers        = "users"
	maxBulkBatch    = 100
	defaultCacheTTL = 5 * time.Minute
)

// DeleteMode selects delete's soft vs hard semantics (spec.md §4.6).
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// UserDraft is the input to create/bulk_create: everything needed to mint a
// new User except server-generated fields (ID, timestamps, secrets).
type UserDraft struct {
	Username        string
	Email           string
	ProtocolKind    types.ProtocolKind
	VlessFlow       types.VlessFlow
	ShadowsocksAEAD types.ShadowsocksCipher
	WireguardSubnet string // CIDR the adapter allocates ClientIP from
	ProxyPlaintext  string // plaintext password, hashed before persisting
	ProxyCIDRs      []string
	Quota           *types.Quota
	ExpiresAt       *time.Time
}

// UserPatch is update's partial-field input; nil fields are left unchanged.
// Traffic counters are deliberately absent: only collectors may mutate them.
type UserPatch struct {
	Email     *string
	Status    *types.UserStatus
	ExpiresAt **time.Time
}

// revoker is the subset of ServerManager that hard-delete needs to revoke a
// removed User from every server that still references them (spec.md §4.6,
// §9's reachability requirement). Declared here, not in pkg/servermanager, to
// avoid an import cycle: ServerManager depends on UserManager's rendering
// inputs, not the reverse.
type revoker interface {
	RevokeUserEverywhere(userID string) error
}

// Manager implements UserManager.
type Manager struct {
	store   storage.Store
	cache   *cache.Cache
	broker  *events.Broker
	locks   *lock.KeyedMutex
	logger  zerolog.Logger
	revoker revoker
}

// New builds a Manager. SetRevoker must be called before Delete(..., DeleteHard)
// is exercised in a wiring that needs cross-server revocation; it is left
// optional here to avoid a hard constructor-time dependency on ServerManager.
func New(store storage.Store, c *cache.Cache, broker *events.Broker) *Manager {
	return &Manager{
		store:  store,
		cache:  c,
		broker: broker,
		locks:  lock.New(),
		logger: log.WithComponent("usermanager"),
	}
}

// SetRevoker wires the ServerManager collaborator hard-delete needs.
func (m *Manager) SetRevoker(r revoker) { m.revoker = r }

func userTag(id string) string { return fmt.Sprintf("user:%s", id) }

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return apperr.New(apperr.KindInvalidInput, "User", "username must be 3-50 chars matching [A-Za-z0-9_-]+").WithField("username")
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	if !emailPattern.MatchString(email) {
		return apperr.New(apperr.KindInvalidInput, "User", "email does not match RFC-5322-lite pattern").WithField("email")
	}
	return nil
}

// buildBinding delegates to the draft's ProtocolAdapter.per_user_secrets()
// (spec.md §4.6, §4.8): UserManager holds no protocol-specific secret logic
// of its own, only the dispatch to pkg/protocols.
func buildBinding(draft UserDraft) (types.ProtocolBinding, error) {
	adapter, err := protocols.Get(draft.ProtocolKind)
	if err != nil {
		return types.ProtocolBinding{}, err
	}
	return adapter.PerUserSecrets(protocols.UserSecretRequest{
		VlessFlow:         draft.VlessFlow,
		ShadowsocksCipher: draft.ShadowsocksAEAD,
		WireguardSubnet:   draft.WireguardSubnet,
		ProxyPlaintext:    draft.ProxyPlaintext,
		ProxyCIDRs:        draft.ProxyCIDRs,
	})
}

func sortByCreatedDesc(users []*types.User) {
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
}
