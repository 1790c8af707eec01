// Package storage is the Store component (spec.md §4.2): the durable,
// transactional home for Users, ServerInstances, and TrafficSnapshots.
package storage

import (
	"time"

	"github.com/cuemby/vpnforge/pkg/types"
)

// Op is a filter predicate operator.
type Op string

const (
	OpEq      Op = "eq"
	OpLike    Op = "like"
	OpIn      Op = "in"
	OpGte     Op = "gte"
	OpLte     Op = "lte"
	OpBetween Op = "between"
)

// Predicate is one clause of a Filter's conjunction.
type Predicate struct {
	Field  string
	Op     Op
	Value  any
	Value2 any // second bound for OpBetween
}

// Filter is a conjunction of predicates on declared columns.
type Filter struct {
	Predicates []Predicate
}

// Pagination bounds a list() call. Page is 1-based; PageSize is 1..500.
type Pagination struct {
	Page     int
	PageSize int
}

func (p Pagination) normalized() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 50
	}
	if p.PageSize > 500 {
		p.PageSize = 500
	}
	return p
}

// BulkMode selects bulk_insert_users' all-or-nothing vs best-effort semantics.
type BulkMode string

const (
	BulkAtomicAllOrNothing BulkMode = "atomic"
	BulkBestEffort         BulkMode = "best_effort"
)

// BulkInsertError pairs a failed draft's index with the error kind that
// rejected it (spec.md §4.2/§8 scenario 3).
type BulkInsertError struct {
	Index int
	Err   error
}

// Store is the persistence contract shared by UserManager, ServerManager,
// and the accounting writer. A single *BoltStore satisfies it; transactions
// are bbolt's db.Update/db.View, which already give the single-writer ACID
// semantics spec.md §4.2 asks for.
type Store interface {
	// Users
	InsertUser(u *types.User) error
	UpdateUser(u *types.User) error
	DeleteUser(id string) error
	GetUser(id string) (*types.User, error)
	GetUserByUsername(username string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	ListUsers(filter Filter, page Pagination) ([]*types.User, int, error)
	BulkInsertUsers(drafts []*types.User, mode BulkMode) ([]*types.User, []BulkInsertError, error)

	// ServerInstances
	InsertServer(s *types.ServerInstance) error
	UpdateServer(s *types.ServerInstance) error
	DeleteServer(name string) error
	GetServer(name string) (*types.ServerInstance, error)
	GetServerByPort(port int) (*types.ServerInstance, error)
	ListServers(filter Filter, page Pagination) ([]*types.ServerInstance, int, error)

	// Traffic
	AppendTraffic(snapshot *types.TrafficSnapshot) error
	AggregateTraffic(windowStart, windowEnd time.Time) ([]types.AggregateRow, error)

	// Audit
	AppendAudit(ev *types.AuditEvent) error

	Close() error
}
