package odoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Service string
	Method  string
	Args    []any
}

// fakeOdoo is a minimal /jsonrpc endpoint for client tests.
type fakeOdoo struct {
	t *testing.T

	uid          int64
	apiKey       string
	authCalls    atomic.Int64
	executeCalls atomic.Int64

	// expireSessions makes the first execute_kw fail with a
	// SessionExpiredException.
	expireSessions bool
	expiredOnce    atomic.Bool

	// rateLimited makes every request answer HTTP 429.
	rateLimited bool

	lastExecute atomic.Pointer[rpcCall]
	records     []map[string]any
}

func (f *fakeOdoo) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.rateLimited {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		var req struct {
			Params struct {
				Service string `json:"service"`
				Method  string `json:"method"`
				Args    []any  `json:"args"`
			} `json:"params"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

		writeResult := func(result any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": result})
		}
		writeError := func(name, message string) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error": map[string]any{
					"code":    200,
					"message": "Odoo Server Error",
					"data":    map[string]any{"name": name, "message": message},
				},
			})
		}

		switch req.Params.Service {
		case "common":
			f.authCalls.Add(1)
			if len(req.Params.Args) < 3 || req.Params.Args[2] != f.apiKey {
				writeResult(false)
				return
			}
			writeResult(f.uid)
		case "object":
			f.executeCalls.Add(1)
			call := &rpcCall{
				Service: req.Params.Service,
				Method:  req.Params.Method,
				Args:    req.Params.Args,
			}
			f.lastExecute.Store(call)
			if f.expireSessions && !f.expiredOnce.Load() {
				f.expiredOnce.Store(true)
				writeError("odoo.http.SessionExpiredException", "Session expired")
				return
			}
			writeResult(f.records)
		default:
			writeError("builtins.KeyError", "unknown service")
		}
	}
}

func newTestClient(t *testing.T, fake *fakeOdoo) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := NewClient(
		&http.Client{Timeout: 5 * time.Second},
		Credentials{BaseURL: srv.URL, Database: "prod", Login: "sync", APIKey: "key-1"},
		nil,
	)
	return client, srv
}

func TestClient_Authenticate(t *testing.T) {
	fake := &fakeOdoo{t: t, uid: 7, apiKey: "key-1"}
	client, _ := newTestClient(t, fake)

	require.NoError(t, client.Authenticate(context.Background()))

	// A second call reuses the session.
	require.NoError(t, client.Authenticate(context.Background()))
	assert.Equal(t, int64(1), fake.authCalls.Load())
}

func TestClient_AuthenticateBadCredentials(t *testing.T) {
	fake := &fakeOdoo{t: t, uid: 7, apiKey: "other-key"}
	client, _ := newTestClient(t, fake)

	err := client.Authenticate(context.Background())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "prod", authErr.Database)
}

func TestClient_AuthenticateNetworkFailure(t *testing.T) {
	client := NewClient(
		&http.Client{Timeout: 500 * time.Millisecond},
		Credentials{BaseURL: "http://127.0.0.1:1", Database: "prod", Login: "sync", APIKey: "k"},
		nil,
	)

	err := client.Authenticate(context.Background())

	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestClient_RateLimited(t *testing.T) {
	fake := &fakeOdoo{t: t, uid: 7, apiKey: "key-1", rateLimited: true}
	client, _ := newTestClient(t, fake)

	err := client.Authenticate(context.Background())

	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClient_SearchReadOmitsEmptyLimitAndOrder(t *testing.T) {
	fake := &fakeOdoo{t: t, uid: 7, apiKey: "key-1", records: []map[string]any{{"id": float64(1)}}}
	client, _ := newTestClient(t, fake)

	records, err := client.SearchRead(context.Background(), "sale.order",
		[]any{[]any{"state", "in", []any{"sale", "done"}}},
		[]string{"id", "name"}, 0, "")
	require.NoError(t, err)
	require.Len(t, records, 1)

	call := fake.lastExecute.Load()
	require.NotNil(t, call)
	// execute_kw args: [db, uid, key, model, method, positional, kwargs]
	require.Len(t, call.Args, 7)
	assert.Equal(t, "sale.order", call.Args[3])
	assert.Equal(t, "search_read", call.Args[4])

	kwargs, ok := call.Args[6].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, kwargs, "fields")
	assert.NotContains(t, kwargs, "limit")
	assert.NotContains(t, kwargs, "order")
}

func TestClient_SearchReadIncludesLimitAndOrderWhenSet(t *testing.T) {
	fake := &fakeOdoo{t: t, uid: 7, apiKey: "key-1"}
	client, _ := newTestClient(t, fake)

	_, err := client.SearchRead(context.Background(), "sale.order", []any{}, []string{"id"}, 50, "write_date asc")
	require.NoError(t, err)

	kwargs := fake.lastExecute.Load().Args[6].(map[string]any)
	assert.Equal(t, float64(50), kwargs["limit"])
	assert.Equal(t, "write_date asc", kwargs["order"])
}

func TestClient_ReadShortCircuitsOnEmptyIDs(t *testing.T) {
	fake := &fakeOdoo{t: t, uid: 7, apiKey: "key-1"}
	client, _ := newTestClient(t, fake)

	records, err := client.Read(context.Background(), "res.partner", nil, []string{"name"})
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Equal(t, int64(0), fake.executeCalls.Load())
}

func TestClient_ReauthenticatesOnceOnSessionExpiry(t *testing.T) {
	fake := &fakeOdoo{t: t, uid: 7, apiKey: "key-1", expireSessions: true,
		records: []map[string]any{{"id": float64(9)}}}
	client, _ := newTestClient(t, fake)

	records, err := client.SearchRead(context.Background(), "sale.order", []any{}, []string{"id"}, 0, "")

	require.NoError(t, err)
	require.Len(t, records, 1)
	// One auth for the initial session, one for the refresh.
	assert.Equal(t, int64(2), fake.authCalls.Load())
	// The failing call plus its single retry.
	assert.Equal(t, int64(2), fake.executeCalls.Load())
}
