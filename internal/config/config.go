// Package config provides environment-based configuration loading.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration values for the poller process.
// Required fields cause startup failure if not provided.
type Config struct {
	// Required - master key for field-level credential encryption.
	EncryptionKey string `envconfig:"POLLER_ENCRYPTION_KEY" required:"true"`

	// DefaultWebhookURL is an optional fallback webhook target. Validate
	// checks that it is an absolute URL when set; no code in this module
	// copies it into connections.
	DefaultWebhookURL string `envconfig:"POLLER_DEFAULT_WEBHOOK_URL"`

	// DBPath is the filesystem location of the embedded store.
	DBPath string `envconfig:"POLLER_DB_PATH" default:"poller.db"`

	// HTTPTimeoutSeconds bounds every Odoo RPC and webhook POST.
	HTTPTimeoutSeconds int `envconfig:"POLLER_HTTP_TIMEOUT_SECONDS" default:"30"`

	// MinIntervalSeconds is the floor applied to per-connection poll intervals.
	MinIntervalSeconds int `envconfig:"POLLER_MIN_INTERVAL_SECONDS" default:"5"`

	// ShutdownGraceSeconds is how long the scheduler waits for worker tasks
	// to drain before forcing exit.
	ShutdownGraceSeconds int `envconfig:"POLLER_SHUTDOWN_GRACE_SECONDS" default:"60"`

	// Circuit breaker tuning.
	CBFailureThreshold  int `envconfig:"POLLER_CB_FAILURE_THRESHOLD" default:"5"`
	CBRecoverySeconds   int `envconfig:"POLLER_CB_RECOVERY_SECONDS" default:"120"`
	CBHalfOpenSuccesses int `envconfig:"POLLER_CB_HALFOPEN_SUCCESSES" default:"2"`

	// RetryMaxAttempts caps webhook redelivery attempts per retry item.
	RetryMaxAttempts int `envconfig:"POLLER_RETRY_MAX_ATTEMPTS" default:"10"`

	// RetryableStatuses lists 4xx statuses treated as transient in addition
	// to every 5xx. Comma-separated.
	RetryableStatuses string `envconfig:"POLLER_RETRYABLE_STATUSES" default:"408,429"`

	// ReconcileSeconds is how often the scheduler re-reads the connection
	// list to pick up added, removed, or disabled connections.
	ReconcileSeconds int `envconfig:"POLLER_RECONCILE_SECONDS" default:"60"`

	// OpsAddr enables the health/metrics listener when non-empty,
	// e.g. ":9090".
	OpsAddr string `envconfig:"POLLER_OPS_ADDR"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `envconfig:"POLLER_LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate fails fast on values the engine cannot run with.
func (c *Config) Validate() error {
	if c.HTTPTimeoutSeconds < 1 {
		return fmt.Errorf("POLLER_HTTP_TIMEOUT_SECONDS must be >= 1, got %d", c.HTTPTimeoutSeconds)
	}
	if c.MinIntervalSeconds < 1 {
		return fmt.Errorf("POLLER_MIN_INTERVAL_SECONDS must be >= 1, got %d", c.MinIntervalSeconds)
	}
	if c.ShutdownGraceSeconds < 1 {
		return fmt.Errorf("POLLER_SHUTDOWN_GRACE_SECONDS must be >= 1, got %d", c.ShutdownGraceSeconds)
	}
	if c.CBFailureThreshold < 1 {
		return fmt.Errorf("POLLER_CB_FAILURE_THRESHOLD must be >= 1, got %d", c.CBFailureThreshold)
	}
	if c.CBRecoverySeconds < 1 {
		return fmt.Errorf("POLLER_CB_RECOVERY_SECONDS must be >= 1, got %d", c.CBRecoverySeconds)
	}
	if c.CBHalfOpenSuccesses < 1 {
		return fmt.Errorf("POLLER_CB_HALFOPEN_SUCCESSES must be >= 1, got %d", c.CBHalfOpenSuccesses)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("POLLER_RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.DefaultWebhookURL != "" {
		u, err := url.Parse(c.DefaultWebhookURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("POLLER_DEFAULT_WEBHOOK_URL is not an absolute URL: %q", c.DefaultWebhookURL)
		}
	}
	if _, err := c.ParseRetryableStatuses(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("POLLER_LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

// HTTPTimeout returns the request timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// MinInterval returns the poll interval floor as a duration.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// ShutdownGrace returns the shutdown deadline as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// CBRecovery returns the breaker recovery timeout as a duration.
func (c *Config) CBRecovery() time.Duration {
	return time.Duration(c.CBRecoverySeconds) * time.Second
}

// ReconcileInterval returns the scheduler reconcile cadence as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileSeconds) * time.Second
}

// ParseRetryableStatuses parses RetryableStatuses into a sorted status list.
func (c *Config) ParseRetryableStatuses() ([]int, error) {
	var out []int
	for _, part := range strings.Split(c.RetryableStatuses, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("POLLER_RETRYABLE_STATUSES contains invalid status %q", part)
		}
		out = append(out, code)
	}
	sort.Ints(out)
	return out, nil
}
