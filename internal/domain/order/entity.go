package order

import "time"

// SentOrder marks an order identity as delivered. It is the idempotence
// anchor: a given (connection_id, odoo_order_id, write_date) is inserted at
// most once and never mutated.
type SentOrder struct {
	ConnectionID int64
	OrderID      int64
	WriteDate    string
	SentAt       time.Time
	PayloadHash  string
}

// RetryStatus is the lifecycle state of a retry item.
type RetryStatus string

const (
	// RetryPending items are eligible once next_attempt_at has passed.
	RetryPending RetryStatus = "pending"
	// RetryExhausted items hit the attempt cap and are not retried.
	RetryExhausted RetryStatus = "exhausted"
	// RetryDiscarded items were dropped by operator command.
	RetryDiscarded RetryStatus = "discarded"
)

// RetryItem is a queued webhook redelivery. The payload snapshot is the
// JSON body captured at first failure so redelivery does not depend on
// re-fetching from Odoo.
type RetryItem struct {
	ID            int64
	ConnectionID  int64
	OrderID       int64
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        RetryStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncLog is one row of the append-only per-cycle ledger. Cycles
// short-circuited by the breaker still log, with zero counts and an
// explanatory message.
type SyncLog struct {
	ID           int64
	ConnectionID int64
	StartedAt    time.Time
	FinishedAt   time.Time
	OrdersFound  int
	OrdersSent   int
	OrdersFailed int
	ErrorMessage string
}
