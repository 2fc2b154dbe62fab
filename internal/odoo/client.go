// Package odoo provides a JSON-RPC client for Odoo's /jsonrpc endpoint.
//
// The client speaks the two call shapes the engine needs:
// common.authenticate to obtain a session uid, and object.execute_kw for
// model operations. A call that fails because the session was invalidated
// is retried once after a transparent re-authentication; a second failure
// surfaces to the caller.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// Credentials are the coordinates and secret for one Odoo database.
type Credentials struct {
	BaseURL  string
	Database string
	Login    string
	APIKey   string
}

// Client is a JSON-RPC client bound to one Odoo instance. Safe for use by
// a single worker task; the session uid is refreshed under a mutex.
type Client struct {
	http   *http.Client
	creds  Credentials
	logger *slog.Logger

	mu  sync.Mutex
	uid int64

	reqID atomic.Int64
}

// NewClient builds a client for one connection. The HTTP client carries the
// per-connection pool and request timeout (bulkhead).
func NewClient(httpClient *http.Client, creds Credentials, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   httpClient,
		creds:  creds,
		logger: logger,
	}
}

type rpcRequest struct {
	Jsonrpc string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    rpcErrorData `json:"data"`
}

type rpcErrorData struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Debug   string `json:"debug"`
}

// Authenticate obtains the session uid via common.authenticate. It is
// idempotent: an already authenticated client returns immediately.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return nil
	}
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	args := []any{c.creds.Database, c.creds.Login, c.creds.APIKey, map[string]any{}}
	raw, err := c.call(ctx, "common", "authenticate", args)
	if err != nil {
		return err
	}

	// Odoo answers false (not an error) for bad credentials.
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		return &AuthError{Database: c.creds.Database, Login: c.creds.Login}
	}
	c.uid = uid
	c.logger.Debug("odoo session established", "database", c.creds.Database, "uid", uid)
	return nil
}

// ExecuteKw performs object.execute_kw and unmarshals the result into out.
// On session invalidation the call re-authenticates once and retries.
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if err := c.Authenticate(ctx); err != nil {
		return err
	}

	raw, err := c.executeKwOnce(ctx, model, method, args, kwargs)
	if isSessionInvalid(err) {
		c.mu.Lock()
		c.uid = 0
		authErr := c.authenticateLocked(ctx)
		c.mu.Unlock()
		if authErr != nil {
			return authErr
		}
		raw, err = c.executeKwOnce(ctx, model, method, args, kwargs)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("odoo: decode %s.%s result: %w", model, method, err)
	}
	return nil
}

func (c *Client) executeKwOnce(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()

	if kwargs == nil {
		kwargs = map[string]any{}
	}
	callArgs := []any{c.creds.Database, uid, c.creds.APIKey, model, method, args, kwargs}
	return c.call(ctx, "object", "execute_kw", callArgs)
}

// SearchRead runs search_read on a model. limit and order are included in
// the keyword args only when non-empty; Odoo rejects null values for them.
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, limit int, order string) ([]map[string]any, error) {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	if order != "" {
		kwargs["order"] = order
	}

	var records []map[string]any
	if err := c.ExecuteKw(ctx, model, "search_read", []any{domain}, kwargs, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Read batch-reads records by id. One call per model keeps related-entity
// fetches off the N+1 path.
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	kwargs := map[string]any{"fields": fields}

	var records []map[string]any
	if err := c.ExecuteKw(ctx, model, "read", []any{ids}, kwargs, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.reqID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("odoo: encode request: %w", err)
	}

	endpoint := strings.TrimRight(c.creds.BaseURL, "/") + "/jsonrpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: service + "." + method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{Op: service + "." + method, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, &TransportError{Op: service + "." + method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if rpcResp.Error != nil {
		return nil, &ServerError{
			Code:    rpcResp.Error.Code,
			Message: firstNonEmpty(rpcResp.Error.Data.Message, rpcResp.Error.Message),
			Name:    rpcResp.Error.Data.Name,
			Debug:   rpcResp.Error.Data.Debug,
		}
	}
	return rpcResp.Result, nil
}

// isSessionInvalid reports whether a server error means the session uid is
// no longer valid and a re-authentication may recover the call.
func isSessionInvalid(err error) bool {
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		return false
	}
	return strings.Contains(srvErr.Name, "SessionExpired") ||
		strings.Contains(srvErr.Name, "AccessDenied") ||
		strings.Contains(srvErr.Message, "Session expired")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
