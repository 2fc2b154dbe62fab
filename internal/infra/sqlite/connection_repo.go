package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/crypto"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/connection"
)

// ConnectionRepository implements connection.Repository. Credential fields
// are encrypted on write and decrypted on read, so callers only ever see
// plaintext and rows only ever hold ciphertext.
type ConnectionRepository struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// NewConnectionRepository wires the repository to the shared store handle.
func NewConnectionRepository(store *Store, enc *crypto.Encryptor) *ConnectionRepository {
	return &ConnectionRepository{db: store.DB(), enc: enc}
}

const connectionColumns = `id, name, base_url, database_name, login, api_key, webhook_secret,
	webhook_url, poll_interval_seconds, enabled, last_sync_at, last_success_at,
	breaker_state, breaker_failures, breaker_open_until, breaker_halfopen_successes,
	created_at, updated_at`

// Create persists a new connection with encrypted credentials.
func (r *ConnectionRepository) Create(ctx context.Context, conn *connection.Connection) error {
	apiKey, err := r.enc.Encrypt(conn.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	secret, err := r.enc.Encrypt(conn.WebhookSecret)
	if err != nil {
		return fmt.Errorf("encrypt webhook secret: %w", err)
	}

	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.Breaker.State == "" {
		conn.Breaker.State = connection.BreakerClosed
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (name, base_url, database_name, login, api_key, webhook_secret,
			webhook_url, poll_interval_seconds, enabled, last_sync_at, last_success_at,
			breaker_state, breaker_failures, breaker_open_until, breaker_halfopen_successes,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.Name, conn.BaseURL, conn.Database, conn.Login, apiKey, secret,
		conn.WebhookURL, conn.PollIntervalSeconds, conn.Enabled,
		formatNullableTime(conn.LastSyncAt), formatNullableTime(conn.LastSuccessAt),
		string(conn.Breaker.State), conn.Breaker.ConsecutiveFailures,
		formatNullableTime(conn.Breaker.OpenUntil), conn.Breaker.HalfOpenSuccesses,
		formatTime(conn.CreatedAt), formatTime(conn.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	conn.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

// ListEnabled returns all enabled connections with decrypted credentials.
func (r *ConnectionRepository) ListEnabled(ctx context.Context) ([]*connection.Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []*connection.Connection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// Get returns one connection by id with decrypted credentials.
func (r *ConnectionRepository) Get(ctx context.Context, id int64) (*connection.Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// AdvanceCursor sets last_sync_at. The guard keeps the cursor monotone even
// if a stale snapshot races a CLI edit.
func (r *ConnectionRepository) AdvanceCursor(ctx context.Context, id int64, lastSyncAt time.Time) error {
	ts := formatTime(lastSyncAt)
	_, err := r.db.ExecContext(ctx, `
		UPDATE connections
		SET last_sync_at = ?, updated_at = ?
		WHERE id = ? AND (last_sync_at IS NULL OR last_sync_at < ?)`,
		ts, formatTime(time.Now()), id, ts,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// MarkSuccess sets last_success_at.
func (r *ConnectionRepository) MarkSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connections SET last_success_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	return nil
}

// SaveBreaker persists the circuit-breaker snapshot.
func (r *ConnectionRepository) SaveBreaker(ctx context.Context, id int64, snap connection.BreakerSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE connections
		SET breaker_state = ?, breaker_failures = ?, breaker_open_until = ?,
			breaker_halfopen_successes = ?, updated_at = ?
		WHERE id = ?`,
		string(snap.State), snap.ConsecutiveFailures, formatNullableTime(snap.OpenUntil),
		snap.HalfOpenSuccesses, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("save breaker: %w", err)
	}
	return nil
}

// Delete removes a connection; sent orders, retry items, and sync logs
// cascade.
func (r *ConnectionRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if affected == 0 {
		return connection.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ConnectionRepository) scan(row rowScanner) (*connection.Connection, error) {
	var (
		conn                  connection.Connection
		apiKey, webhookSecret string
		lastSync, lastSuccess sql.NullString
		breakerState          string
		openUntil             sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(
		&conn.ID, &conn.Name, &conn.BaseURL, &conn.Database, &conn.Login,
		&apiKey, &webhookSecret, &conn.WebhookURL, &conn.PollIntervalSeconds,
		&conn.Enabled, &lastSync, &lastSuccess,
		&breakerState, &conn.Breaker.ConsecutiveFailures, &openUntil,
		&conn.Breaker.HalfOpenSuccesses, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}

	if conn.APIKey, err = r.enc.Decrypt(apiKey); err != nil {
		return nil, fmt.Errorf("decrypt api key for connection %d: %w", conn.ID, err)
	}
	if conn.WebhookSecret, err = r.enc.Decrypt(webhookSecret); err != nil {
		return nil, fmt.Errorf("decrypt webhook secret for connection %d: %w", conn.ID, err)
	}

	conn.Breaker.State = connection.BreakerState(breakerState)
	if conn.LastSyncAt, err = parseNullableTime(lastSync); err != nil {
		return nil, err
	}
	if conn.LastSuccessAt, err = parseNullableTime(lastSuccess); err != nil {
		return nil, err
	}
	if conn.Breaker.OpenUntil, err = parseNullableTime(openUntil); err != nil {
		return nil, err
	}
	if conn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if conn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &conn, nil
}
