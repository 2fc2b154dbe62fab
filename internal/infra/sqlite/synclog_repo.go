package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/order"
)

// SyncLogRepository implements order.SyncLogRepository over the append-only
// sync_logs ledger.
type SyncLogRepository struct {
	db *sql.DB
}

// NewSyncLogRepository wires the repository to the shared store handle.
func NewSyncLogRepository(store *Store) *SyncLogRepository {
	return &SyncLogRepository{db: store.DB()}
}

// Append writes one completed-cycle row.
func (r *SyncLogRepository) Append(ctx context.Context, log *order.SyncLog) error {
	var message sql.NullString
	if log.ErrorMessage != "" {
		message = sql.NullString{String: log.ErrorMessage, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_logs (connection_id, started_at, finished_at,
			orders_found, orders_sent, orders_failed, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ConnectionID, formatTime(log.StartedAt), formatTime(log.FinishedAt),
		log.OrdersFound, log.OrdersSent, log.OrdersFailed, message,
	)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	log.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// Recent returns the newest rows for a connection, newest first.
func (r *SyncLogRepository) Recent(ctx context.Context, connectionID int64, limit int) ([]*order.SyncLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, connection_id, started_at, finished_at,
			orders_found, orders_sent, orders_failed, error_message
		FROM sync_logs
		WHERE connection_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		connectionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*order.SyncLog
	for rows.Next() {
		var (
			log                 order.SyncLog
			startedAt, finished string
			message             sql.NullString
		)
		err := rows.Scan(&log.ID, &log.ConnectionID, &startedAt, &finished,
			&log.OrdersFound, &log.OrdersSent, &log.OrdersFailed, &message)
		if err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		if log.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if log.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		log.ErrorMessage = message.String
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}
	return logs, nil
}
