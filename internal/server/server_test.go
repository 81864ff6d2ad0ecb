package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketledger/budget/internal/connectivity"
	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/keylock"
	"github.com/pocketledger/budget/internal/local"
	"github.com/pocketledger/budget/internal/reconcile"
	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/remote"
)

var secret = []byte("test-secret")

type testServer struct {
	server *Server
	http   *httptest.Server
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	srv, err := New(context.Background(), &Config{
		DSN:       filepath.Join(t.TempDir(), "server.db"),
		JWTSecret: secret,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.repo.Close()
	})
	return &testServer{server: srv, http: ts}
}

func token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := IssueToken(secret, owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) request(t *testing.T, method, path, tok string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

var lunch = remote.WireFields{
	Kind:        "expense",
	Amount:      "12.50",
	OccurredOn:  "2024-03-01",
	Category:    "Food",
	Description: "Lunch",
}

func TestHealth(t *testing.T) {
	ts := setupServer(t)
	resp := ts.request(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateListUpdateDelete(t *testing.T) {
	ts := setupServer(t)
	tok := token(t, "alice")
	base := "/api/v1/owners/alice/records"

	resp := ts.request(t, http.MethodPost, base, tok, lunch, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created remote.WireRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Contains(t, created.ID, remote.AuthoritativeIDPrefix)
	assert.Equal(t, "12.50", created.Amount)

	resp = ts.request(t, http.MethodGet, base, tok, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list remote.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Records, 1)
	assert.Equal(t, created.ID, list.Records[0].ID)

	edited := lunch
	edited.Description = "Team lunch"
	resp = ts.request(t, http.MethodPut, base+"/"+created.ID, tok, edited, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated remote.WireRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.Equal(t, "Team lunch", updated.Description)

	resp = ts.request(t, http.MethodDelete, base+"/"+created.ID, tok, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, http.MethodDelete, base+"/"+created.ID, tok, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.request(t, http.MethodPut, base+"/"+created.ID, tok, edited, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateIsIdempotent(t *testing.T) {
	ts := setupServer(t)
	tok := token(t, "alice")
	base := "/api/v1/owners/alice/records"
	key := map[string]string{remote.IdempotencyHeader: "local-123"}

	first := ts.request(t, http.MethodPost, base, tok, lunch, key)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	var a remote.WireRecord
	require.NoError(t, json.NewDecoder(first.Body).Decode(&a))

	second := ts.request(t, http.MethodPost, base, tok, lunch, key)
	require.Equal(t, http.StatusOK, second.StatusCode)
	var b remote.WireRecord
	require.NoError(t, json.NewDecoder(second.Body).Decode(&b))

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "local-123", b.ClientRef)

	// Same key under another owner is a different record.
	other := ts.request(t, http.MethodPost, "/api/v1/owners/bob/records", token(t, "bob"), lunch, key)
	require.Equal(t, http.StatusCreated, other.StatusCode)
}

func TestValidationRejected(t *testing.T) {
	ts := setupServer(t)
	tok := token(t, "alice")

	bad := lunch
	bad.Amount = "-3"
	resp := ts.request(t, http.MethodPost, "/api/v1/owners/alice/records", tok, bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e remote.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.NotEmpty(t, e.Error)
}

func TestAuth(t *testing.T) {
	ts := setupServer(t)
	base := "/api/v1/owners/alice/records"

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"bad signature", "Bearer " + func() string {
			tok, _ := IssueToken([]byte("other"), "alice", time.Hour)
			return tok
		}(), http.StatusUnauthorized},
		{"expired", "Bearer " + func() string {
			tok, _ := IssueToken(secret, "alice", -time.Minute)
			return tok
		}(), http.StatusUnauthorized},
		{"other owner", "Bearer " + token(t, "bob"), http.StatusForbidden},
		{"owner", "Bearer " + token(t, "alice"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.http.URL+base, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestIssueToken(t *testing.T) {
	_, err := IssueToken(nil, "alice", time.Hour)
	assert.Error(t, err)
	_, err = IssueToken(secret, "", time.Hour)
	assert.Error(t, err)
}

func TestOwnersAreIsolated(t *testing.T) {
	ts := setupServer(t)
	ts.request(t, http.MethodPost, "/api/v1/owners/alice/records", token(t, "alice"), lunch, nil)

	resp := ts.request(t, http.MethodGet, "/api/v1/owners/bob/records", token(t, "bob"), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list remote.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list.Records)
}

func TestRepositoryConcurrentIdempotentCreate(t *testing.T) {
	repo, err := OpenRepository(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	defer repo.Close()

	f, err := record.Input{Kind: "income", Amount: "100", OccurredOn: "2024-01-31", Category: "Salary", Description: "Jan"}.Parse()
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := repo.Create(context.Background(), "alice", f, "local-same")
			assert.NoError(t, err)
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	all, err := repo.List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestEndToEndSync drives the HTTP client and the reconciliation engine
// against a live server.
func TestEndToEndSync(t *testing.T) {
	ts := setupServer(t)

	client, err := remote.NewHTTPClient(ts.http.URL)
	require.NoError(t, err)
	alice := identity.Identity{Owner: "alice", Token: token(t, "alice")}

	store, err := local.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer store.Close()

	sw := connectivity.NewSwitch(true)
	engine, err := reconcile.New(store, client, sw, keylock.New())
	require.NoError(t, err)

	ctx := context.Background()
	f, err := lunch.Fields()
	require.NoError(t, err)
	tmp, err := store.Put(ctx, record.Record{ID: record.NewTempID(), Owner: alice.Owner, Fields: f})
	require.NoError(t, err)

	res, err := engine.SyncNow(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	recs, err := store.List(ctx, alice.Owner)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].IsTemporary())
	assert.True(t, recs[0].Synced)

	stored, err := client.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, recs[0].ID, stored[0].ID)
	assert.Equal(t, tmp.ID, stored[0].ClientRef)

	// Wrong token surfaces as Unauthorized through the whole stack.
	_, err = engine.SyncNow(ctx, identity.Identity{Owner: "alice", Token: token(t, "bob")})
	assert.ErrorIs(t, err, record.ErrUnauthorized)
}
