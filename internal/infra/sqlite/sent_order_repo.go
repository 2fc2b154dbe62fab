package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/order"
)

// SentOrderRepository implements order.SentOrderRepository over the
// sent_orders dedup index.
type SentOrderRepository struct {
	db *sql.DB
}

// NewSentOrderRepository wires the repository to the shared store handle.
func NewSentOrderRepository(store *Store) *SentOrderRepository {
	return &SentOrderRepository{db: store.DB()}
}

// Insert records a delivered identity. INSERT OR IGNORE keeps the ledger
// at-most-once under crash replay: re-inserting an existing identity is a
// no-op.
func (r *SentOrderRepository) Insert(ctx context.Context, sent *order.SentOrder) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sent_orders
			(connection_id, odoo_order_id, write_date, sent_at, payload_hash)
		VALUES (?, ?, ?, ?, ?)`,
		sent.ConnectionID, sent.OrderID, sent.WriteDate,
		formatTime(sent.SentAt), sent.PayloadHash,
	)
	if err != nil {
		return fmt.Errorf("insert sent order: %w", err)
	}
	return nil
}

// Exists reports whether the identity has already been delivered.
func (r *SentOrderRepository) Exists(ctx context.Context, connectionID, orderID int64, writeDate string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM sent_orders
		WHERE connection_id = ? AND odoo_order_id = ? AND write_date = ?`,
		connectionID, orderID, writeDate,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check sent order: %w", err)
	}
	return true, nil
}
