// Package webhook delivers normalized order payloads to a connection's
// downstream receiver.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// Result classifies one delivery attempt.
type Result int

const (
	// Delivered means the receiver acknowledged with a 2xx.
	Delivered Result = iota
	// TransientFailure means the attempt may succeed later: 408, 429,
	// any 5xx, or a network/timeout error.
	TransientFailure
	// PermanentFailure means retrying cannot help: any other non-2xx.
	PermanentFailure
)

// String returns the result name for logs.
func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the full classification of one attempt. NetworkError is set
// when the endpoint was unreachable at the transport level, which the
// worker uses to decide whether the endpoint itself is down.
type Outcome struct {
	Result       Result
	StatusCode   int
	NetworkError bool
	Err          error
}

// Target identifies where and how to deliver: the webhook URL, the shared
// secret, and the connection id for the signed headers.
type Target struct {
	ConnectionID int64
	URL          string
	Secret       string
}

// Sender posts payloads over a per-connection HTTP client (bulkhead).
type Sender struct {
	client    *http.Client
	retryable map[int]struct{}
	logger    *slog.Logger
}

// NewSender builds a sender. retryableStatuses lists 4xx codes treated as
// transient in addition to every 5xx; nil falls back to {408, 429}.
func NewSender(client *http.Client, retryableStatuses []int, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if retryableStatuses == nil {
		retryableStatuses = []int{http.StatusRequestTimeout, http.StatusTooManyRequests}
	}
	retryable := make(map[int]struct{}, len(retryableStatuses))
	for _, code := range retryableStatuses {
		retryable[code] = struct{}{}
	}
	return &Sender{client: client, retryable: retryable, logger: logger}
}

// Send posts one payload body. idempotencyKey is the delivery identity
// "<connection_id>:<order_id>:<write_date>"; receivers use it to tolerate
// the occasional re-POST after a crash.
func (s *Sender) Send(ctx context.Context, target Target, body []byte, idempotencyKey string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Result: PermanentFailure, Err: fmt.Errorf("webhook: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", target.Secret)
	req.Header.Set("X-Odoo-Connection-Id", strconv.FormatInt(target.ConnectionID, 10))
	req.Header.Set("X-Idempotency-Key", idempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{
			Result:       TransientFailure,
			NetworkError: true,
			Err:          fmt.Errorf("webhook: post: %w", err),
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	outcome := s.classify(resp.StatusCode)
	if outcome.Result != Delivered {
		s.logger.Debug("webhook delivery not acknowledged",
			"status", resp.StatusCode,
			"idempotency_key", idempotencyKey,
		)
	}
	return outcome
}

func (s *Sender) classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Outcome{Result: Delivered, StatusCode: status}
	case status >= 500:
		return Outcome{
			Result:     TransientFailure,
			StatusCode: status,
			Err:        fmt.Errorf("webhook: status %d", status),
		}
	default:
		if _, ok := s.retryable[status]; ok {
			return Outcome{
				Result:     TransientFailure,
				StatusCode: status,
				Err:        fmt.Errorf("webhook: status %d", status),
			}
		}
		return Outcome{
			Result:     PermanentFailure,
			StatusCode: status,
			Err:        fmt.Errorf("webhook: status %d", status),
		}
	}
}
