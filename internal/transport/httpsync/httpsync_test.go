package httpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/orchestrator"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/syncerr"
	"github.com/roach88/rowsync/internal/testutil"
)

type harness struct {
	setup   *model.Setup
	server  *sqlite.Store
	remote  *orchestrator.RemoteOrchestrator
	srv     *httptest.Server
	client  *sqlite.Store
	batches *batch.Store
}

func newHarness(t *testing.T, hopts ...HandlerOption) *harness {
	t.Helper()
	setup := testutil.Setup()
	server := testutil.ProvisionedStore(t, "server", setup)
	remote, err := orchestrator.NewRemote(server, scope.NewStore(server.DB()), setup, testutil.BatchStore(t, batch.Policy{MaxRows: 2}))
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(remote, hopts...))
	t.Cleanup(srv.Close)
	return &harness{
		setup:   setup,
		server:  server,
		remote:  remote,
		srv:     srv,
		client:  testutil.ProvisionedStore(t, "client", setup),
		batches: testutil.BatchStore(t, batch.Policy{MaxRows: 2}),
	}
}

func (h *harness) local(t *testing.T, setup *model.Setup, opts ...orchestrator.Option) *orchestrator.LocalOrchestrator {
	t.Helper()
	c, err := NewClient(h.srv.URL, h.batches, WithTimeout(5*time.Second))
	require.NoError(t, err)
	opts = append([]orchestrator.Option{orchestrator.WithIDGenerator(testutil.NewSequentialIDs("http"))}, opts...)
	local, err := orchestrator.NewLocal(h.client, scope.NewStore(h.client.DB()), c, setup, h.batches, opts...)
	require.NoError(t, err)
	return local
}

func TestSyncOverHTTP(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 5; i++ {
		testutil.Exec(t, h.client, `INSERT INTO customers (id, name) VALUES (?, ?)`, i, fmt.Sprintf("c%d", i))
	}
	testutil.Exec(t, h.client, `INSERT INTO orders (id, customer_id, amount, note) VALUES (1, 1, 9.5, x'00ff')`)
	testutil.Exec(t, h.server, `INSERT INTO customers (id, name) VALUES (10, 's10'), (11, 's11'), (12, 's12')`)
	local := h.local(t, h.setup)

	res, err := local.Sync(context.Background(), orchestrator.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Uploaded)
	assert.Equal(t, 3, res.Downloaded)
	assert.Equal(t, 9, res.Applied)
	for i := range h.setup.Tables {
		table := &h.setup.Tables[i]
		assert.Equal(t, testutil.Dump(t, h.server, table), testutil.Dump(t, h.client, table), table.Name)
	}

	res, err = local.Sync(context.Background(), orchestrator.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded+res.Downloaded)
}

func TestServerErrorsKeepTheirCode(t *testing.T) {
	h := newHarness(t)
	other := testutil.Setup()
	other.Tables[1].Columns = other.Tables[1].Columns[:5]
	local := h.local(t, other)

	_, err := local.Sync(context.Background(), orchestrator.ModeIncremental)
	require.Error(t, err)
	assert.True(t, syncerr.IsScopeMismatch(err))
	assert.False(t, syncerr.IsRetryable(err))
	assert.Equal(t, string(orchestrator.StageScopeLoading), syncerr.StageOf(err))
}

func TestConflictRollbackOverHTTP(t *testing.T) {
	h := newHarness(t)
	local := h.local(t, h.setup, orchestrator.WithPolicy(conflict.Rollback))
	testutil.Exec(t, h.client, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	_, err := local.Sync(context.Background(), orchestrator.ModeIncremental)
	require.NoError(t, err)

	testutil.Exec(t, h.client, `UPDATE customers SET name = 'Y' WHERE id = 1`)
	testutil.Exec(t, h.server, `UPDATE customers SET name = 'Z' WHERE id = 1`)
	_, err = local.Sync(context.Background(), orchestrator.ModeIncremental)
	require.Error(t, err)
	assert.True(t, syncerr.IsConflictUnresolved(err))
	assert.Equal(t, string(orchestrator.StageChangesApplyingRemote), syncerr.StageOf(err))
	assert.Equal(t, "customers", syncerr.TableOf(err))
}

// stall holds a request until the client goes away. The body is drained
// first: the server only notices a closed connection once it reads past it.
func stall(_ http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func TestTransportFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "plain 5xx",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream down", http.StatusBadGateway)
			},
		},
		{
			name:    "timeout",
			handler: stall,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c, err := NewClient(srv.URL, testutil.BatchStore(t, batch.DefaultPolicy()), WithTimeout(100*time.Millisecond))
			require.NoError(t, err)

			_, err = c.EnsureScope(context.Background(), orchestrator.ScopeRequest{SessionID: "s", ClientPeer: "p"})
			require.Error(t, err)
			assert.True(t, syncerr.IsTransport(err))
			assert.True(t, syncerr.IsRetryable(err))
		})
	}
}

func TestCallerCancellationIsNotTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(stall))
	defer srv.Close()
	c, err := NewClient(srv.URL, testutil.BatchStore(t, batch.DefaultPolicy()), WithTimeout(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = c.Cleanup(ctx, orchestrator.CleanupRequest{SessionID: "s"})
	require.Error(t, err)
	assert.True(t, syncerr.IsCancelled(err))
}

func TestProtocolErrors(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.srv.URL+PathScope, contentTypeJSON, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, syncerr.CodeProtocol, body.Code)

	c, err := NewClient(h.srv.URL, h.batches)
	require.NoError(t, err)
	_, err = c.GetChanges(context.Background(), orchestrator.ChangesRequest{SessionID: "nope"})
	assert.Equal(t, syncerr.CodeProtocol, syncerr.CodeOf(err))

	_, err = NewClient("localhost:8080", h.batches)
	assert.Error(t, err)
}

func TestPurgeEndpoint(t *testing.T) {
	h := newHarness(t)
	c, err := NewClient(h.srv.URL, h.batches)
	require.NoError(t, err)
	_, err = c.Purge(context.Background(), 10)
	assert.True(t, syncerr.IsTransport(err), "purge is off by default")

	h = newHarness(t, WithPurgeEndpoint(true))
	testutil.Exec(t, h.server, `INSERT INTO customers (id, name) VALUES (1, 'a'), (2, 'b')`)
	testutil.Exec(t, h.server, `DELETE FROM customers`)
	c, err = NewClient(h.srv.URL, h.batches)
	require.NoError(t, err)
	n, err := c.Purge(context.Background(), testutil.Clock(t, h.server))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + PathHealth)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, h.server.PeerID(), body["peer"])
}
