// Package connection provides the Connection domain entity and its
// repository port. A connection is one configured Odoo instance together
// with its webhook target, scheduling, and circuit-breaker snapshot.
package connection

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// BreakerState is the persisted circuit-breaker state for a connection.
type BreakerState string

const (
	// BreakerClosed allows cycles to run.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen short-circuits cycles until OpenUntil has passed.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen allows a single probe cycle at a time.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is the breaker state stored on the connection row.
// Persisting it keeps gating intact across restarts and lets operator
// commands act on it.
type BreakerSnapshot struct {
	State               BreakerState
	ConsecutiveFailures int
	OpenUntil           time.Time
	HalfOpenSuccesses   int
}

// Connection is one configured Odoo instance. Credential fields hold
// decrypted plaintext in memory; the store encrypts them at rest.
type Connection struct {
	ID   int64
	Name string

	BaseURL  string `validate:"required,url"`
	Database string `validate:"required"`
	Login    string `validate:"required"`

	APIKey        string
	WebhookSecret string

	WebhookURL string `validate:"required,url"`

	PollIntervalSeconds int `validate:"gte=5"`
	Enabled             bool

	LastSyncAt    time.Time
	LastSuccessAt time.Time

	Breaker BreakerSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
}

var validate = validator.New()

// Validate checks the structural fields a cycle depends on. The engine
// validates each fresh snapshot at cycle start since the CLI may mutate
// rows while the engine runs.
func (c *Connection) Validate() error {
	return validate.Struct(c)
}

// PollInterval returns the effective sleep between cycles, never below min.
func (c *Connection) PollInterval(min time.Duration) time.Duration {
	interval := time.Duration(c.PollIntervalSeconds) * time.Second
	if interval < min {
		return min
	}
	return interval
}
