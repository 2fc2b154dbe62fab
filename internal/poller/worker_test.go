package poller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/crypto"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/connection"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/order"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/infra/resilience"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/infra/sqlite"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/mapper"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/odoo"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/webhook"
)

// mutableClock is a hand-driven clock shared by worker and breaker.
type mutableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedOdoo is a fake Odoo client with programmable failures.
type scriptedOdoo struct {
	mu      sync.Mutex
	authErr error
	orders  []map[string]any
}

func (f *scriptedOdoo) setAuthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authErr = err
}

func (f *scriptedOdoo) setOrders(orders []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = orders
}

func (f *scriptedOdoo) Authenticate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authErr
}

func (f *scriptedOdoo) SearchRead(_ context.Context, model string, _ []any, _ []string, _ int, _ string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if model != "sale.order" {
		return nil, nil
	}
	return f.orders, nil
}

func (f *scriptedOdoo) Read(context.Context, string, []int64, []string) ([]map[string]any, error) {
	return nil, nil
}

// scriptedWebhook answers per order id, defaulting to 200.
type scriptedWebhook struct {
	mu       sync.Mutex
	statuses map[int64]int
	requests []order.Payload
}

func (h *scriptedWebhook) setStatus(orderID int64, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[orderID] = status
}

func (h *scriptedWebhook) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload order.Payload
		_ = json.NewDecoder(r.Body).Decode(&payload)

		h.mu.Lock()
		h.requests = append(h.requests, payload)
		status, ok := h.statuses[payload.OrderID]
		h.mu.Unlock()

		if !ok {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (h *scriptedWebhook) deliveredCount(orderID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.requests {
		if p.OrderID == orderID {
			n++
		}
	}
	return n
}

type harness struct {
	store    *sqlite.Store
	connRepo *sqlite.ConnectionRepository
	sent     *sqlite.SentOrderRepository
	retries  *sqlite.RetryRepository
	logs     *sqlite.SyncLogRepository
	worker   *Worker
	odoo     *scriptedOdoo
	hook     *scriptedWebhook
	sender   *webhook.Sender
	conn     *connection.Connection
	clock    *mutableClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "poller_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate())

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 7)
	}
	enc, err := crypto.NewEncryptor(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)

	hook := &scriptedWebhook{statuses: map[int64]int{}}
	srv := httptest.NewServer(hook.handler())
	t.Cleanup(srv.Close)

	connRepo := sqlite.NewConnectionRepository(store, enc)
	conn := &connection.Connection{
		Name:                "c1",
		BaseURL:             "https://c1.odoo.com",
		Database:            "c1-prod",
		Login:               "sync@c1.com",
		APIKey:              "key",
		WebhookSecret:       "secret",
		WebhookURL:          srv.URL,
		PollIntervalSeconds: 30,
		Enabled:             true,
	}
	require.NoError(t, connRepo.Create(context.Background(), conn))

	clock := &mutableClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	sent := sqlite.NewSentOrderRepository(store)
	retries := sqlite.NewRetryRepository(store)
	logs := sqlite.NewSyncLogRepository(store)

	breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig(), resilience.WithBreakerClock(clock.Now))
	worker := NewWorker(
		Stores{Connections: connRepo, SentOrders: sent, Retries: retries, SyncLogs: logs},
		mapper.New(sent, nil),
		breaker,
		nil,
		nil,
		10,
		WithWorkerClock(clock.Now),
	)

	return &harness{
		store:    store,
		connRepo: connRepo,
		sent:     sent,
		retries:  retries,
		logs:     logs,
		worker:   worker,
		odoo:     &scriptedOdoo{},
		hook:     hook,
		sender:   webhook.NewSender(srv.Client(), nil, nil),
		conn:     conn,
		clock:    clock,
	}
}

// runCycle executes one cycle against a fresh snapshot, the way a
// scheduler task does.
func (h *harness) runCycle(t *testing.T, opts CycleOptions) *connection.Connection {
	t.Helper()
	snapshot, err := h.connRepo.Get(context.Background(), h.conn.ID)
	require.NoError(t, err)
	h.worker.RunCycle(context.Background(), h.odoo, h.sender, snapshot, opts)

	updated, err := h.connRepo.Get(context.Background(), h.conn.ID)
	require.NoError(t, err)
	return updated
}

func odooOrder(id int64, name, writeDate string) map[string]any {
	return map[string]any{
		"id":           float64(id),
		"name":         name,
		"partner_id":   []any{float64(11), "ACME Corp"},
		"order_line":   []any{},
		"amount_total": 99.5,
		"currency_id":  []any{float64(2), "CLP"},
		"write_date":   writeDate,
	}
}

func (h *harness) latestLog(t *testing.T) *order.SyncLog {
	t.Helper()
	logs, err := h.logs.Recent(context.Background(), h.conn.ID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	return logs[0]
}

func TestRunCycle_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.odoo.setOrders([]map[string]any{
		odooOrder(101, "SO101", "2024-06-01 10:00:00"),
		odooOrder(102, "SO102", "2024-06-01 11:00:00"),
	})

	updated := h.runCycle(t, CycleOptions{})

	// Both identities in the dedup ledger.
	for _, orderID := range []int64{101, 102} {
		exists, err := h.sent.Exists(context.Background(), h.conn.ID, orderID, writeDateOf(orderID))
		require.NoError(t, err)
		assert.True(t, exists, "order %d", orderID)
	}

	// Cursor advanced to the max write_date found.
	assert.True(t, updated.LastSyncAt.Equal(time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)))
	assert.True(t, updated.LastSuccessAt.Equal(h.clock.Now()))

	log := h.latestLog(t)
	assert.Equal(t, 2, log.OrdersFound)
	assert.Equal(t, 2, log.OrdersSent)
	assert.Zero(t, log.OrdersFailed)
	assert.Empty(t, log.ErrorMessage)

	assert.Equal(t, connection.BreakerClosed, updated.Breaker.State)
	assert.Zero(t, updated.Breaker.ConsecutiveFailures)
}

func writeDateOf(orderID int64) string {
	if orderID == 101 {
		return "2024-06-01 10:00:00"
	}
	return "2024-06-01 11:00:00"
}

func TestRunCycle_TransientWebhookFailureQueuesRetry(t *testing.T) {
	h := newHarness(t)
	h.odoo.setOrders([]map[string]any{
		odooOrder(101, "SO101", "2024-06-01 10:00:00"),
		odooOrder(102, "SO102", "2024-06-01 11:00:00"),
	})
	h.hook.setStatus(102, http.StatusServiceUnavailable)

	h.runCycle(t, CycleOptions{})

	// A delivered, B queued.
	exists, err := h.sent.Exists(context.Background(), h.conn.ID, 101, "2024-06-01 10:00:00")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = h.sent.Exists(context.Background(), h.conn.ID, 102, "2024-06-01 11:00:00")
	require.NoError(t, err)
	assert.False(t, exists)

	due, err := h.retries.Due(context.Background(), h.conn.ID, h.clock.Now().Add(31*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(102), due[0].OrderID)
	assert.Equal(t, 1, due[0].Attempts)
	assert.True(t, due[0].NextAttemptAt.Equal(h.clock.Now().Add(30*time.Second)))

	log := h.latestLog(t)
	assert.Equal(t, 2, log.OrdersFound)
	assert.Equal(t, 1, log.OrdersSent)
	assert.Zero(t, log.OrdersFailed)

	// Next cycle after the backoff with the endpoint healthy again: the
	// retry is delivered and removed.
	h.hook.setStatus(102, http.StatusOK)
	h.odoo.setOrders(nil)
	h.clock.Advance(31 * time.Second)

	h.runCycle(t, CycleOptions{})

	exists, err = h.sent.Exists(context.Background(), h.conn.ID, 102, "2024-06-01 11:00:00")
	require.NoError(t, err)
	assert.True(t, exists)
	due, err = h.retries.Due(context.Background(), h.conn.ID, h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRunCycle_PermanentWebhookFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.odoo.setOrders([]map[string]any{odooOrder(101, "SO101", "2024-06-01 10:00:00")})
	h.hook.setStatus(101, http.StatusUnprocessableEntity)

	updated := h.runCycle(t, CycleOptions{})

	due, err := h.retries.Due(context.Background(), h.conn.ID, h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	log := h.latestLog(t)
	assert.Equal(t, 1, log.OrdersFailed)
	assert.Zero(t, log.OrdersSent)

	// Per-order failures never trip the breaker.
	assert.Equal(t, connection.BreakerClosed, updated.Breaker.State)
	assert.Zero(t, updated.Breaker.ConsecutiveFailures)
}

func TestRunCycle_OdooOutageOpensBreaker(t *testing.T) {
	h := newHarness(t)
	h.odoo.setAuthErr(&odoo.TransportError{Op: "common.authenticate", Err: context.DeadlineExceeded})

	var updated *connection.Connection
	for i := 0; i < 5; i++ {
		updated = h.runCycle(t, CycleOptions{})
	}

	require.Equal(t, connection.BreakerOpen, updated.Breaker.State)
	assert.Equal(t, 5, updated.Breaker.ConsecutiveFailures)
	assert.True(t, updated.Breaker.OpenUntil.Equal(h.clock.Now().Add(120*time.Second)))

	// Cycle during the open window short-circuits without touching Odoo.
	updated = h.runCycle(t, CycleOptions{})
	assert.Equal(t, connection.BreakerOpen, updated.Breaker.State)
	log := h.latestLog(t)
	assert.Equal(t, "circuit open", log.ErrorMessage)
	assert.Zero(t, log.OrdersFound)

	// After recovery: two successful probes close the breaker.
	h.odoo.setAuthErr(nil)
	h.odoo.setOrders(nil)
	h.clock.Advance(121 * time.Second)

	updated = h.runCycle(t, CycleOptions{})
	assert.Equal(t, connection.BreakerHalfOpen, updated.Breaker.State)

	updated = h.runCycle(t, CycleOptions{})
	assert.Equal(t, connection.BreakerClosed, updated.Breaker.State)
	assert.Zero(t, updated.Breaker.ConsecutiveFailures)
}

func TestRunCycle_DuplicateOrderDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	orders := []map[string]any{odooOrder(101, "SO101", "2024-06-01 10:00:00")}
	h.odoo.setOrders(orders)

	h.runCycle(t, CycleOptions{})
	// Odoo returns the same order with the same write_date again.
	h.runCycle(t, CycleOptions{})

	assert.Equal(t, 1, h.hook.deliveredCount(101), "webhook must receive exactly one POST")

	log := h.latestLog(t)
	assert.Equal(t, 1, log.OrdersFound)
	assert.Zero(t, log.OrdersSent)

	var count int
	require.NoError(t, h.store.DB().QueryRow(`SELECT COUNT(*) FROM sent_orders`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRunCycle_RetryExhaustionAndOperatorRevival(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload := &order.Payload{
		ConnectionID: h.conn.ID,
		OrderID:      300,
		OrderName:    "SO300",
		WriteDate:    "2024-06-01 09:00:00",
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	item := &order.RetryItem{
		ConnectionID:  h.conn.ID,
		OrderID:       300,
		Payload:       body,
		Attempts:      9,
		NextAttemptAt: h.clock.Now().Add(-time.Second),
	}
	require.NoError(t, h.retries.Enqueue(ctx, item))
	h.hook.setStatus(300, http.StatusServiceUnavailable)

	// Attempt 10 fails: the item is exhausted, not rescheduled.
	h.runCycle(t, CycleOptions{})

	got, err := h.retries.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, order.RetryExhausted, got.Status)
	assert.Equal(t, 10, got.Attempts)

	// Exhausted items are skipped even when due.
	h.clock.Advance(time.Hour)
	h.runCycle(t, CycleOptions{})
	got, err = h.retries.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Attempts)

	// Operator retry revives it; the next cycle succeeds and removes it.
	require.NoError(t, h.retries.MarkPending(ctx, item.ID, h.clock.Now()))
	h.hook.setStatus(300, http.StatusOK)

	h.runCycle(t, CycleOptions{})

	_, err = h.retries.Get(ctx, item.ID)
	assert.ErrorIs(t, err, order.ErrRetryNotFound)
	exists, err := h.sent.Exists(ctx, h.conn.ID, 300, "2024-06-01 09:00:00")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunCycle_EndpointDownCountsOneBreakerFailure(t *testing.T) {
	h := newHarness(t)
	h.odoo.setOrders([]map[string]any{odooOrder(101, "SO101", "2024-06-01 10:00:00")})

	// Point the connection at a dead endpoint.
	snapshot, err := h.connRepo.Get(context.Background(), h.conn.ID)
	require.NoError(t, err)
	snapshot.WebhookURL = "http://127.0.0.1:1/hook"
	deadSender := webhook.NewSender(&http.Client{Timeout: 500 * time.Millisecond}, nil, nil)

	h.worker.RunCycle(context.Background(), h.odoo, deadSender, snapshot, CycleOptions{})

	updated, err := h.connRepo.Get(context.Background(), h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Breaker.ConsecutiveFailures,
		"endpoint unreachable for every order counts as one cycle failure")

	// The order still lands in the retry queue.
	due, err := h.retries.Due(context.Background(), h.conn.ID, h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(101), due[0].OrderID)
}

func TestRunCycle_DryRunSkipsStateWrites(t *testing.T) {
	h := newHarness(t)
	h.odoo.setOrders([]map[string]any{odooOrder(101, "SO101", "2024-06-01 10:00:00")})

	updated := h.runCycle(t, CycleOptions{DryRun: true})

	// Delivered over the wire, but nothing persisted.
	assert.Equal(t, 1, h.hook.deliveredCount(101))
	exists, err := h.sent.Exists(context.Background(), h.conn.ID, 101, "2024-06-01 10:00:00")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.True(t, updated.LastSyncAt.IsZero())

	log := h.latestLog(t)
	assert.Equal(t, "dry run", log.ErrorMessage)
	assert.Equal(t, 1, log.OrdersSent)
}

func TestRunCycle_MonotoneLastSyncAt(t *testing.T) {
	h := newHarness(t)
	h.odoo.setOrders([]map[string]any{odooOrder(102, "SO102", "2024-06-01 11:00:00")})
	updated := h.runCycle(t, CycleOptions{})
	first := updated.LastSyncAt

	// A later cycle observing only an older write_date must not regress.
	h.odoo.setOrders([]map[string]any{odooOrder(101, "SO101", "2024-06-01 10:00:00")})
	updated = h.runCycle(t, CycleOptions{})

	assert.False(t, updated.LastSyncAt.Before(first))
	assert.True(t, updated.LastSyncAt.Equal(first))
}
