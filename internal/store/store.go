// Package store defines the durable persistence port. Implementations live
// under internal/store/<driver>/ (sqlite, postgres) and are exercised by the
// shared conformance suite in storetest.
package store

import (
	"context"
	"time"

	"github.com/dialogd/dialogd/internal/model"
)

// Store exposes the persistence operations required by the service layer.
type Store interface {
	Contexts() Contexts
	Users() Users
	Quotas() Quotas
	Bans() Bans

	// HealthPing verifies connectivity to the backing database.
	HealthPing(ctx context.Context) error
	Close() error
}

// ContextFilter narrows a context scan. The zero value matches everything.
// UpdatedBefore and CursorID together form a cursor: callers page by passing
// the UpdatedAt and ID of the last row of the previous page. The id breaks
// ties between rows sharing an UpdatedAt, so no row is skipped across a page
// boundary. CursorID without UpdatedBefore is ignored.
type ContextFilter struct {
	Participant   string
	Kind          model.ContextKind
	Statuses      []model.ContextStatus
	ExpiresBefore *time.Time
	UpdatedBefore *time.Time
	CursorID      string
	Limit         int
}

// Contexts persists conversations.
//
// Update is a compare-and-swap: it writes only when the stored version equals
// c.Version, bumps the version on success and returns
// model.ErrConcurrentModification when another writer got there first.
type Contexts interface {
	Create(ctx context.Context, c *model.Context) error
	Get(ctx context.Context, id string) (*model.Context, error)
	Update(ctx context.Context, c *model.Context) error
	// Delete removes the row entirely. Lifecycle deletion is a status
	// write; this is for retention sweeps only.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f ContextFilter) ([]*model.Context, error)
}

// Users persists user records.
type Users interface {
	Get(ctx context.Context, id string) (*model.User, error)
	Put(ctx context.Context, u *model.User) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Quotas persists per-user token quotas.
type Quotas interface {
	Get(ctx context.Context, userID string) (*model.TokenQuota, error)
	Put(ctx context.Context, q *model.TokenQuota) error
}

// Bans persists ban records. ActiveBan returns the most recent record whose
// Active flag is set, or model.ErrNotFound.
type Bans interface {
	Create(ctx context.Context, b *model.BanRecord) error
	Update(ctx context.Context, b *model.BanRecord) error
	ActiveBan(ctx context.Context, userID string) (*model.BanRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.BanRecord, error)
}
