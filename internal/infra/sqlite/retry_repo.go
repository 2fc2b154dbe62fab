package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/order"
)

// RetryRepository implements order.RetryRepository over the retry_queue
// table.
type RetryRepository struct {
	db *sql.DB
}

// NewRetryRepository wires the repository to the shared store handle.
func NewRetryRepository(store *Store) *RetryRepository {
	return &RetryRepository{db: store.DB()}
}

const retryColumns = `id, connection_id, odoo_order_id, payload_snapshot, attempts,
	next_attempt_at, last_error, status, created_at, updated_at`

// Enqueue inserts a new pending item.
func (r *RetryRepository) Enqueue(ctx context.Context, item *order.RetryItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = order.RetryPending
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO retry_queue (connection_id, odoo_order_id, payload_snapshot, attempts,
			next_attempt_at, last_error, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ConnectionID, item.OrderID, item.Payload, item.Attempts,
		formatTime(item.NextAttemptAt), item.LastError, string(item.Status),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	item.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	return nil
}

// Get returns one item by id.
func (r *RetryRepository) Get(ctx context.Context, id int64) (*order.RetryItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+retryColumns+` FROM retry_queue WHERE id = ?`, id)
	item, err := scanRetry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrRetryNotFound
	}
	return item, err
}

// Due returns pending items whose next attempt time has passed, oldest
// first so redeliveries preserve enqueue order.
func (r *RetryRepository) Due(ctx context.Context, connectionID int64, now time.Time) ([]*order.RetryItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+retryColumns+` FROM retry_queue
		WHERE connection_id = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY id`,
		connectionID, string(order.RetryPending), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	var items []*order.RetryItem
	for rows.Next() {
		item, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	return items, nil
}

// Reschedule advances attempts and the next attempt time.
func (r *RetryRepository) Reschedule(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	return r.update(ctx, id, `
		UPDATE retry_queue
		SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		attempts, formatTime(nextAttemptAt), lastError, formatTime(time.Now()), id)
}

// MarkExhausted stops further attempts.
func (r *RetryRepository) MarkExhausted(ctx context.Context, id int64, attempts int, lastError string) error {
	return r.update(ctx, id, `
		UPDATE retry_queue
		SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(order.RetryExhausted), attempts, lastError, formatTime(time.Now()), id)
}

// MarkPending makes an item due immediately, keeping its attempt count.
func (r *RetryRepository) MarkPending(ctx context.Context, id int64, now time.Time) error {
	return r.update(ctx, id, `
		UPDATE retry_queue
		SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		string(order.RetryPending), formatTime(now), formatTime(time.Now()), id)
}

// MarkDiscarded drops an item by operator command.
func (r *RetryRepository) MarkDiscarded(ctx context.Context, id int64) error {
	return r.update(ctx, id, `
		UPDATE retry_queue SET status = ?, updated_at = ? WHERE id = ?`,
		string(order.RetryDiscarded), formatTime(time.Now()), id)
}

// Delete removes an item after successful redelivery.
func (r *RetryRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete retry: %w", err)
	}
	if affected == 0 {
		return order.ErrRetryNotFound
	}
	return nil
}

func (r *RetryRepository) update(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update retry %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update retry %d: %w", id, err)
	}
	if affected == 0 {
		return order.ErrRetryNotFound
	}
	return nil
}

func scanRetry(row rowScanner) (*order.RetryItem, error) {
	var (
		item                              order.RetryItem
		status                            string
		nextAttempt, createdAt, updatedAt string
	)
	err := row.Scan(
		&item.ID, &item.ConnectionID, &item.OrderID, &item.Payload, &item.Attempts,
		&nextAttempt, &item.LastError, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan retry: %w", err)
	}
	item.Status = order.RetryStatus(status)
	if item.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}
