package order

import (
	"context"
	"time"
)

// SentOrderRepository is the persistence port for the dedup index.
type SentOrderRepository interface {
	// Insert records a delivered order identity. Inserting an identity
	// that already exists is a no-op, preserving the at-most-once ledger.
	Insert(ctx context.Context, sent *SentOrder) error

	// Exists reports whether the identity has already been delivered.
	Exists(ctx context.Context, connectionID, orderID int64, writeDate string) (bool, error)
}

// RetryRepository is the persistence port for the retry queue.
type RetryRepository interface {
	// Enqueue inserts a new pending item.
	Enqueue(ctx context.Context, item *RetryItem) error

	// Get returns one item by id, or ErrRetryNotFound.
	Get(ctx context.Context, id int64) (*RetryItem, error)

	// Due returns pending items for a connection with next_attempt_at <= now,
	// oldest first.
	Due(ctx context.Context, connectionID int64, now time.Time) ([]*RetryItem, error)

	// Reschedule advances attempts and sets the next attempt time after a
	// transient failure.
	Reschedule(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkExhausted stops further attempts for an item.
	MarkExhausted(ctx context.Context, id int64, attempts int, lastError string) error

	// MarkPending makes an item due immediately, keeping its attempt count.
	// Operator "retry" command.
	MarkPending(ctx context.Context, id int64, now time.Time) error

	// MarkDiscarded drops an item by operator command.
	MarkDiscarded(ctx context.Context, id int64) error

	// Delete removes an item after successful redelivery.
	Delete(ctx context.Context, id int64) error
}

// SyncLogRepository is the persistence port for the cycle ledger.
type SyncLogRepository interface {
	// Append writes one completed-cycle row.
	Append(ctx context.Context, log *SyncLog) error

	// Recent returns the newest rows for a connection, newest first.
	Recent(ctx context.Context, connectionID int64, limit int) ([]*SyncLog, error)
}
