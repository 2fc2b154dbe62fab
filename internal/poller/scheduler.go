package poller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/connection"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/metrics"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/odoo"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/webhook"
)

// Runtime is the per-connection client set a worker task owns: its Odoo
// client and webhook sender share one HTTP client with a small pool, so a
// stalled connection cannot exhaust another connection's sockets.
type Runtime struct {
	Client OdooClient
	Sender *webhook.Sender
	Close  func()
}

// RuntimeFactory builds the Runtime for one connection task.
type RuntimeFactory func(conn *connection.Connection) *Runtime

// NewRuntimeFactory returns the production factory: one HTTP client per
// connection with the configured request timeout and a pool of
// maxConnsPerHost sockets.
func NewRuntimeFactory(timeout time.Duration, retryableStatuses []int, logger *slog.Logger) RuntimeFactory {
	const maxConnsPerHost = 4
	return func(conn *connection.Connection) *Runtime {
		transport := &http.Transport{
			MaxConnsPerHost:     maxConnsPerHost,
			MaxIdleConnsPerHost: maxConnsPerHost,
			IdleConnTimeout:     90 * time.Second,
		}
		httpClient := &http.Client{Timeout: timeout, Transport: transport}
		return &Runtime{
			Client: odoo.NewClient(httpClient, odoo.Credentials{
				BaseURL:  conn.BaseURL,
				Database: conn.Database,
				Login:    conn.Login,
				APIKey:   conn.APIKey,
			}, logger),
			Sender: webhook.NewSender(httpClient, retryableStatuses, logger),
			Close:  transport.CloseIdleConnections,
		}
	}
}

// SchedulerConfig tunes the fan-out loop.
type SchedulerConfig struct {
	// MinInterval is the floor for per-connection poll intervals.
	MinInterval time.Duration

	// ReconcileInterval is how often the connection list is re-read to
	// start tasks for new connections and stop tasks for removed or
	// disabled ones.
	ReconcileInterval time.Duration

	// ShutdownGrace bounds how long Run waits for tasks to drain after
	// cancellation.
	ShutdownGrace time.Duration

	// StoreBackoff is the pause before re-reading the connection list
	// when the store is unavailable.
	StoreBackoff time.Duration
}

// DefaultSchedulerConfig returns the scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinInterval:       5 * time.Second,
		ReconcileInterval: 60 * time.Second,
		ShutdownGrace:     60 * time.Second,
		StoreBackoff:      10 * time.Second,
	}
}

// Scheduler runs one independent worker task per enabled connection.
// Tasks share no mutable state; each owns its Runtime and sleeps its own
// interval, so a hung connection delays nobody else.
type Scheduler struct {
	conns   connection.Repository
	worker  *Worker
	factory RuntimeFactory
	cfg     SchedulerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[int64]*task
}

// task is one running per-connection loop.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler.
func NewScheduler(conns connection.Repository, worker *Worker, factory RuntimeFactory, cfg SchedulerConfig, mets *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		conns:   conns,
		worker:  worker,
		factory: factory,
		cfg:     cfg,
		metrics: mets,
		logger:  logger,
		tasks:   make(map[int64]*task),
	}
}

// Run starts tasks for all enabled connections and reconciles the task set
// until ctx is cancelled, then drains tasks within the shutdown grace.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting")

	for {
		if err := s.reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("reconcile failed", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.ReconcileInterval):
			continue
		}
		break
	}

	return s.drain()
}

// reconcile aligns running tasks with the enabled connection list. Store
// unavailability is retried with a constant backoff until the store
// answers or the context ends.
func (s *Scheduler) reconcile(ctx context.Context) error {
	var conns []*connection.Connection
	backoff := retry.NewConstant(s.cfg.StoreBackoff)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var listErr error
		conns, listErr = s.conns.ListEnabled(ctx)
		if listErr != nil {
			s.logger.Warn("connection list unavailable, backing off", "error", listErr)
			return retry.RetryableError(listErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	enabled := make(map[int64]struct{}, len(conns))
	for _, conn := range conns {
		enabled[conn.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop tasks whose connection is gone or disabled.
	for id, t := range s.tasks {
		if _, ok := enabled[id]; !ok {
			s.logger.Info("stopping worker task", "connection_id", id)
			t.cancel()
			delete(s.tasks, id)
		}
	}

	// Start tasks for new connections.
	for _, conn := range conns {
		if _, ok := s.tasks[conn.ID]; ok {
			continue
		}
		s.startTask(ctx, conn)
	}
	return nil
}

// startTask launches one connection loop. Caller holds s.mu.
func (s *Scheduler) startTask(ctx context.Context, conn *connection.Connection) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[conn.ID] = t

	s.logger.Info("starting worker task",
		"connection_id", conn.ID,
		"connection", conn.Name,
		"poll_interval", conn.PollInterval(s.cfg.MinInterval),
	)

	go s.runTask(taskCtx, conn, t)
}

// runTask is the per-connection loop: fresh snapshot, one cycle, sleep.
// It never terminates on an unexpected error; RunCycle converts anything
// unexpected into a breaker failure and the loop continues.
func (s *Scheduler) runTask(ctx context.Context, initial *connection.Connection, t *task) {
	defer close(t.done)

	if s.metrics != nil {
		s.metrics.ActiveWorkers.Inc()
		defer s.metrics.ActiveWorkers.Dec()
	}

	rt := s.factory(initial)
	if rt.Close != nil {
		defer rt.Close()
	}

	logger := s.logger.With("connection_id", initial.ID, "connection", initial.Name)
	interval := initial.PollInterval(s.cfg.MinInterval)

	for {
		// Fresh snapshot each cycle: the CLI may have edited the row.
		conn, err := s.conns.Get(ctx, initial.ID)
		switch {
		case ctx.Err() != nil:
			logger.Info("worker task stopped")
			return
		case errors.Is(err, connection.ErrNotFound):
			logger.Info("connection removed, worker task exiting")
			return
		case err != nil:
			logger.Error("load connection snapshot failed", "error", err)
		default:
			interval = conn.PollInterval(s.cfg.MinInterval)
			if !conn.Enabled {
				logger.Debug("connection disabled, skipping cycle")
			} else if err := conn.Validate(); err != nil {
				logger.Error("connection snapshot invalid, skipping cycle", "error", err)
			} else {
				s.worker.RunCycle(ctx, rt.Client, rt.Sender, conn, CycleOptions{})
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("worker task stopped")
			return
		case <-time.After(interval):
		}
	}
}

// drain cancels every task and waits for completion within ShutdownGrace.
func (s *Scheduler) drain() error {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for id, t := range s.tasks {
		t.cancel()
		tasks = append(tasks, t)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.logger.Info("scheduler draining", "tasks", len(tasks))

	deadline := time.After(s.cfg.ShutdownGrace)
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-deadline:
			s.logger.Warn("shutdown grace elapsed before all tasks drained")
			return errors.New("poller: shutdown deadline exceeded")
		}
	}
	s.logger.Info("scheduler stopped")
	return nil
}
