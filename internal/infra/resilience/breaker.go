// Package resilience provides fault tolerance primitives for the polling
// engine: the per-connection circuit breaker and the webhook retry backoff
// schedule.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/connection"
)

// BreakerConfig tunes the three-state circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker from closed.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker blocks cycles before
	// moving to half-open.
	RecoveryTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive probe successes that
	// close a half-open breaker.
	HalfOpenSuccesses int
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   120 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Breaker is the per-connection failure gate. It operates on the
// BreakerSnapshot persisted in the connection row, so state survives
// restarts and operator commands can act on it. Breaker itself holds no
// per-connection state and is safe to share across worker tasks; each task
// owns its snapshot for the duration of a cycle.
type Breaker struct {
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger for state transitions.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBreakerClock overrides the clock. Tests only.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBreaker creates a Breaker with the given configuration.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a cycle may run. An open breaker whose recovery
// timeout has elapsed transitions to half-open and allows one probe.
func (b *Breaker) Allow(snap *connection.BreakerSnapshot) bool {
	switch snap.State {
	case connection.BreakerOpen:
		if b.now().Before(snap.OpenUntil) {
			return false
		}
		b.transition(snap, connection.BreakerHalfOpen)
		snap.HalfOpenSuccesses = 0
		return true
	case connection.BreakerHalfOpen, connection.BreakerClosed:
		return true
	default:
		// Unknown persisted state: treat as closed rather than wedge the
		// connection.
		snap.State = connection.BreakerClosed
		return true
	}
}

// RecordSuccess resets the consecutive-failure counter. In half-open,
// successes accumulate until the threshold closes the breaker.
func (b *Breaker) RecordSuccess(snap *connection.BreakerSnapshot) {
	snap.ConsecutiveFailures = 0
	if snap.State == connection.BreakerHalfOpen {
		snap.HalfOpenSuccesses++
		if snap.HalfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.transition(snap, connection.BreakerClosed)
			snap.HalfOpenSuccesses = 0
			snap.OpenUntil = time.Time{}
		}
	}
}

// RecordFailure increments the consecutive-failure counter. Reaching the
// threshold opens the breaker; any failure in half-open reopens it.
func (b *Breaker) RecordFailure(snap *connection.BreakerSnapshot) {
	snap.ConsecutiveFailures++
	switch snap.State {
	case connection.BreakerHalfOpen:
		b.open(snap)
	case connection.BreakerClosed:
		if snap.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.open(snap)
		}
	}
}

// Reset forces the breaker closed and zeroes all counters. Operator command.
func Reset(snap *connection.BreakerSnapshot) {
	snap.State = connection.BreakerClosed
	snap.ConsecutiveFailures = 0
	snap.HalfOpenSuccesses = 0
	snap.OpenUntil = time.Time{}
}

func (b *Breaker) open(snap *connection.BreakerSnapshot) {
	b.transition(snap, connection.BreakerOpen)
	snap.OpenUntil = b.now().Add(b.cfg.RecoveryTimeout)
	snap.HalfOpenSuccesses = 0
}

func (b *Breaker) transition(snap *connection.BreakerSnapshot, to connection.BreakerState) {
	from := snap.State
	if from == "" {
		from = connection.BreakerClosed
	}
	if from == to {
		snap.State = to
		return
	}
	snap.State = to

	level := slog.LevelDebug
	if to == connection.BreakerOpen || to == connection.BreakerClosed {
		level = slog.LevelInfo
	}
	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		"previous_state", string(from),
		"new_state", string(to),
	)
}
