package connection

import (
	"context"
	"time"
)

// Repository is the persistence port for connections. Implementations
// decrypt credential fields on read and encrypt on write.
type Repository interface {
	// Create persists a new connection. Used by the operator surface and
	// by tests; the engine itself only reads and updates.
	Create(ctx context.Context, conn *Connection) error

	// ListEnabled returns all enabled connections.
	ListEnabled(ctx context.Context) ([]*Connection, error)

	// Get returns one connection by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Connection, error)

	// AdvanceCursor sets last_sync_at, which must never move backwards.
	AdvanceCursor(ctx context.Context, id int64, lastSyncAt time.Time) error

	// MarkSuccess sets last_success_at.
	MarkSuccess(ctx context.Context, id int64, at time.Time) error

	// SaveBreaker persists the circuit-breaker snapshot.
	SaveBreaker(ctx context.Context, id int64, snap BreakerSnapshot) error

	// Delete removes a connection; dependent rows cascade.
	Delete(ctx context.Context, id int64) error
}
