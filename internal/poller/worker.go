// Package poller contains the polling engine: the per-connection worker
// cycle and the scheduler that fans one worker task out per enabled
// connection.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/connection"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/order"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/infra/resilience"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/mapper"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/metrics"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/odoo"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/webhook"
)

// odooTimeLayout is Odoo's datetime wire format.
const odooTimeLayout = "2006-01-02 15:04:05"

// OdooClient is the slice of the JSON-RPC client a cycle needs.
type OdooClient interface {
	Authenticate(ctx context.Context) error
	mapper.OdooClient
}

// Stores bundles the repositories a worker writes to.
type Stores struct {
	Connections connection.Repository
	SentOrders  order.SentOrderRepository
	Retries     order.RetryRepository
	SyncLogs    order.SyncLogRepository
}

// Worker runs one end-to-end polling cycle per invocation. It holds no
// per-connection state, so a single Worker is shared by every task.
type Worker struct {
	stores      Stores
	mapper      *mapper.Mapper
	breaker     *resilience.Breaker
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerClock overrides the clock. Tests only.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker builds a worker.
func NewWorker(stores Stores, m *mapper.Mapper, breaker *resilience.Breaker, mets *metrics.Metrics, logger *slog.Logger, maxAttempts int, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		stores:      stores,
		mapper:      m,
		breaker:     breaker,
		metrics:     mets,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CycleOptions tune one cycle invocation.
type CycleOptions struct {
	// DryRun delivers webhooks but skips SentOrder writes, retry-queue
	// writes, and cursor advancement. Operator "test" command.
	DryRun bool
}

// cycleState accumulates one cycle's counters.
type cycleState struct {
	started    time.Time
	found      int
	sent       int
	failed     int
	retries    int
	attempts   int
	netFailed  int
	delivered  bool
	errMessage string
}

// RunCycle executes one polling cycle for a connection snapshot. Nothing
// escapes to the caller: every failure mode ends in a breaker update and a
// sync-log row. A cycle cut short by context cancellation returns without
// either.
func (w *Worker) RunCycle(ctx context.Context, client OdooClient, sender *webhook.Sender, conn *connection.Connection, opts CycleOptions) {
	logger := w.logger.With(
		"connection_id", conn.ID,
		"connection", conn.Name,
		"cycle_id", uuid.NewString(),
	)
	state := &cycleState{started: w.now()}
	snap := conn.Breaker

	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked", "panic", fmt.Sprint(r))
			state.errMessage = fmt.Sprintf("unexpected failure: %v", r)
			w.finish(ctx, logger, conn, &snap, state, false, opts)
		}
	}()

	if !w.breaker.Allow(&snap) {
		state.errMessage = "circuit open"
		logger.Info("cycle short-circuited", "open_until", snap.OpenUntil)
		w.appendLog(ctx, logger, conn, state)
		if w.metrics != nil {
			w.metrics.CyclesTotal.WithLabelValues(conn.Name, "skipped").Inc()
		}
		return
	}

	// Lazy authentication: an established session is reused.
	if err := client.Authenticate(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("cycle cancelled")
			return
		}
		state.errMessage = describeCycleError(err)
		logger.Warn("cycle aborted", "error", err)
		w.finish(ctx, logger, conn, &snap, state, false, opts)
		return
	}

	since := ""
	if !conn.LastSyncAt.IsZero() {
		since = conn.LastSyncAt.UTC().Format(odooTimeLayout)
	}

	result, err := w.mapper.MapConnectionOrders(ctx, client, conn, since)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("cycle cancelled")
			return
		}
		state.errMessage = describeCycleError(err)
		logger.Warn("cycle aborted", "error", err)
		w.finish(ctx, logger, conn, &snap, state, false, opts)
		return
	}
	state.found = result.Found
	state.failed = result.Skipped

	target := webhook.Target{
		ConnectionID: conn.ID,
		URL:          conn.WebhookURL,
		Secret:       conn.WebhookSecret,
	}

	for _, payload := range result.Payloads {
		if ctx.Err() != nil {
			break
		}
		w.deliver(ctx, logger, sender, target, conn, payload, state, opts)
	}

	if !opts.DryRun && ctx.Err() == nil {
		w.processDueRetries(ctx, logger, sender, target, conn, state)
	}

	// A cancelled cycle stops here: rows written so far are idempotent and
	// safe to replay next cycle.
	if ctx.Err() != nil {
		logger.Info("cycle cancelled before completion")
		return
	}

	w.advanceCursor(ctx, logger, conn, result.MaxWriteDate, opts)
	if state.delivered && !opts.DryRun {
		if err := w.stores.Connections.MarkSuccess(ctx, conn.ID, w.now()); err != nil {
			logger.Error("persist last_success_at failed", "error", err)
		}
	}

	// Per-order webhook failures are isolated via the retry queue and do
	// not trip the breaker; an endpoint that was unreachable for every
	// attempted delivery counts as one cycle failure.
	endpointDown := state.attempts > 0 && state.netFailed == state.attempts
	w.finish(ctx, logger, conn, &snap, state, !endpointDown, opts)
}

// deliver sends one newly discovered order.
func (w *Worker) deliver(ctx context.Context, logger *slog.Logger, sender *webhook.Sender, target webhook.Target, conn *connection.Connection, payload *order.Payload, state *cycleState, opts CycleOptions) {
	body, err := json.Marshal(payload)
	if err != nil {
		state.failed++
		logger.Error("encode payload failed", "order_id", payload.OrderID, "error", err)
		return
	}

	outcome := sender.Send(ctx, target, body, payload.IdempotencyKey())
	state.attempts++
	if outcome.NetworkError {
		state.netFailed++
	}
	w.recordDelivery(conn, outcome)

	switch outcome.Result {
	case webhook.Delivered:
		state.delivered = true
		state.sent++
		if opts.DryRun {
			return
		}
		if err := w.insertSentOrder(ctx, conn, payload, body); err != nil {
			logger.Error("persist sent order failed", "order_id", payload.OrderID, "error", err)
		}
	case webhook.TransientFailure:
		logger.Warn("delivery failed, queuing retry",
			"order_id", payload.OrderID, "status", outcome.StatusCode, "error", outcome.Err)
		if opts.DryRun {
			return
		}
		item := &order.RetryItem{
			ConnectionID:  conn.ID,
			OrderID:       payload.OrderID,
			Payload:       body,
			Attempts:      1,
			NextAttemptAt: w.now().Add(resilience.RetryDelay(1)),
			LastError:     outcome.Err.Error(),
		}
		if err := w.stores.Retries.Enqueue(ctx, item); err != nil {
			logger.Error("enqueue retry failed", "order_id", payload.OrderID, "error", err)
			state.failed++
			return
		}
		state.retries++
		if w.metrics != nil {
			w.metrics.RetriesEnqueued.WithLabelValues(conn.Name).Inc()
		}
	case webhook.PermanentFailure:
		state.failed++
		logger.Warn("delivery failed permanently",
			"order_id", payload.OrderID, "status", outcome.StatusCode, "error", outcome.Err)
	}
}

// processDueRetries re-sends queued items whose backoff has elapsed.
func (w *Worker) processDueRetries(ctx context.Context, logger *slog.Logger, sender *webhook.Sender, target webhook.Target, conn *connection.Connection, state *cycleState) {
	items, err := w.stores.Retries.Due(ctx, conn.ID, w.now())
	if err != nil {
		logger.Error("query due retries failed", "error", err)
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}

		var payload order.Payload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			logger.Error("corrupt retry payload, exhausting",
				"retry_id", item.ID, "error", err)
			if err := w.stores.Retries.MarkExhausted(ctx, item.ID, item.Attempts, "corrupt payload snapshot"); err != nil {
				logger.Error("mark retry exhausted failed", "retry_id", item.ID, "error", err)
			}
			continue
		}

		outcome := sender.Send(ctx, target, item.Payload, payload.IdempotencyKey())
		state.attempts++
		if outcome.NetworkError {
			state.netFailed++
		}
		w.recordDelivery(conn, outcome)
		attempts := item.Attempts + 1

		switch outcome.Result {
		case webhook.Delivered:
			state.delivered = true
			state.sent++
			if err := w.insertSentOrder(ctx, conn, &payload, item.Payload); err != nil {
				logger.Error("persist sent order failed", "order_id", payload.OrderID, "error", err)
				continue
			}
			if err := w.stores.Retries.Delete(ctx, item.ID); err != nil {
				logger.Error("delete retry failed", "retry_id", item.ID, "error", err)
			}
		case webhook.TransientFailure:
			if attempts >= w.maxAttempts {
				w.exhaust(ctx, logger, conn, item.ID, attempts, outcome)
				continue
			}
			next := w.now().Add(resilience.RetryDelay(attempts))
			if err := w.stores.Retries.Reschedule(ctx, item.ID, attempts, next, outcome.Err.Error()); err != nil {
				logger.Error("reschedule retry failed", "retry_id", item.ID, "error", err)
			}
		case webhook.PermanentFailure:
			state.failed++
			w.exhaust(ctx, logger, conn, item.ID, attempts, outcome)
		}
	}
}

func (w *Worker) exhaust(ctx context.Context, logger *slog.Logger, conn *connection.Connection, itemID int64, attempts int, outcome webhook.Outcome) {
	logger.Warn("retry exhausted", "retry_id", itemID, "attempts", attempts, "error", outcome.Err)
	if err := w.stores.Retries.MarkExhausted(ctx, itemID, attempts, outcome.Err.Error()); err != nil {
		logger.Error("mark retry exhausted failed", "retry_id", itemID, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RetriesExhausted.WithLabelValues(conn.Name).Inc()
	}
}

func (w *Worker) insertSentOrder(ctx context.Context, conn *connection.Connection, payload *order.Payload, body []byte) error {
	hash := sha256.Sum256(body)
	return w.stores.SentOrders.Insert(ctx, &order.SentOrder{
		ConnectionID: conn.ID,
		OrderID:      payload.OrderID,
		WriteDate:    payload.WriteDate,
		SentAt:       w.now(),
		PayloadHash:  hex.EncodeToString(hash[:]),
	})
}

// advanceCursor moves last_sync_at to the max write_date of orders found,
// relying on the dedup index to absorb replays of undelivered orders.
func (w *Worker) advanceCursor(ctx context.Context, logger *slog.Logger, conn *connection.Connection, maxWriteDate string, opts CycleOptions) {
	if opts.DryRun || maxWriteDate == "" {
		return
	}
	cursor, err := time.ParseInLocation(odooTimeLayout, maxWriteDate, time.UTC)
	if err != nil {
		logger.Error("unparseable write_date, cursor not advanced",
			"write_date", maxWriteDate, "error", err)
		return
	}
	if !cursor.After(conn.LastSyncAt) {
		return
	}
	if err := w.stores.Connections.AdvanceCursor(ctx, conn.ID, cursor); err != nil {
		logger.Error("persist cursor failed", "error", err)
	}
}

// finish records the cycle outcome on the breaker and appends the sync log.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, conn *connection.Connection, snap *connection.BreakerSnapshot, state *cycleState, success bool, opts CycleOptions) {
	if success {
		w.breaker.RecordSuccess(snap)
	} else {
		w.breaker.RecordFailure(snap)
	}
	if !opts.DryRun {
		if err := w.stores.Connections.SaveBreaker(ctx, conn.ID, *snap); err != nil {
			logger.Error("persist breaker failed", "error", err)
		}
	}
	if w.metrics != nil {
		w.metrics.SetBreakerState(conn.Name, snap.State)
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		w.metrics.CyclesTotal.WithLabelValues(conn.Name, outcome).Inc()
		w.metrics.OrdersFound.WithLabelValues(conn.Name).Add(float64(state.found))
		w.metrics.OrdersSent.WithLabelValues(conn.Name).Add(float64(state.sent))
		w.metrics.OrdersFailed.WithLabelValues(conn.Name).Add(float64(state.failed))
	}
	if opts.DryRun && state.errMessage == "" {
		state.errMessage = "dry run"
	}
	w.appendLog(ctx, logger, conn, state)

	logger.Info("cycle finished",
		"found", state.found,
		"sent", state.sent,
		"failed", state.failed,
		"retries", state.retries,
		"success", success,
		"duration_ms", w.now().Sub(state.started).Milliseconds(),
	)
}

func (w *Worker) appendLog(ctx context.Context, logger *slog.Logger, conn *connection.Connection, state *cycleState) {
	err := w.stores.SyncLogs.Append(ctx, &order.SyncLog{
		ConnectionID: conn.ID,
		StartedAt:    state.started,
		FinishedAt:   w.now(),
		OrdersFound:  state.found,
		OrdersSent:   state.sent,
		OrdersFailed: state.failed,
		ErrorMessage: state.errMessage,
	})
	if err != nil {
		logger.Error("append sync log failed", "error", err)
	}
}

func (w *Worker) recordDelivery(conn *connection.Connection, outcome webhook.Outcome) {
	if w.metrics != nil {
		w.metrics.DeliveriesTotal.WithLabelValues(conn.Name, outcome.Result.String()).Inc()
	}
}

// describeCycleError maps Odoo-side failures to sync-log messages.
func describeCycleError(err error) string {
	var authErr *odoo.AuthError
	if errors.As(err, &authErr) {
		return authErr.Error()
	}
	if errors.Is(err, odoo.ErrRateLimited) {
		return "rate limited by odoo"
	}
	var transportErr *odoo.TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Error()
	}
	return fmt.Sprintf("cycle failed: %v", err)
}
