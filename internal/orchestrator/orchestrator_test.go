package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/selector"
	"github.com/roach88/rowsync/internal/syncerr"
	"github.com/roach88/rowsync/internal/testutil"
)

type peer struct {
	store  *sqlite.Store
	scopes *scope.Store
}

func newPeer(t *testing.T, name string, setup *model.Setup) peer {
	t.Helper()
	s := testutil.ProvisionedStore(t, name, setup)
	return peer{store: s, scopes: scope.NewStore(s.DB())}
}

type fixture struct {
	setup  *model.Setup
	server peer
	remote *RemoteOrchestrator
}

func newFixture(t *testing.T, setup *model.Setup, opts ...Option) *fixture {
	t.Helper()
	server := newPeer(t, "server", setup)
	remote, err := NewRemote(server.store, server.scopes, setup, testutil.BatchStore(t, batch.Policy{MaxRows: 2}), opts...)
	require.NoError(t, err)
	return &fixture{setup: setup, server: server, remote: remote}
}

func (f *fixture) client(t *testing.T, name string, opts ...Option) (peer, *LocalOrchestrator) {
	t.Helper()
	c := newPeer(t, name, f.setup)
	opts = append([]Option{WithIDGenerator(testutil.NewSequentialIDs(name))}, opts...)
	local, err := NewLocal(c.store, c.scopes, f.remote, f.setup, testutil.BatchStore(t, batch.Policy{MaxRows: 2}), opts...)
	require.NoError(t, err)
	return c, local
}

func mustSync(t *testing.T, o *LocalOrchestrator) *Result {
	t.Helper()
	res, err := o.Sync(context.Background(), ModeIncremental)
	require.NoError(t, err)
	return res
}

func (f *fixture) openSessions() int {
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	return len(f.remote.sessions)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) hook(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) lines(t *testing.T) []byte {
	t.Helper()
	type line struct {
		Stage  Stage          `json:"stage"`
		Role   conflict.Role  `json:"role"`
		Table  string         `json:"table,omitempty"`
		State  model.RowState `json:"state,omitempty"`
		Totals Totals         `json:"totals"`
	}
	var out []byte
	for _, ev := range r.events {
		b, err := json.Marshal(line{ev.Stage, ev.Role, ev.Table, ev.State, ev.Totals})
		require.NoError(t, err)
		out = append(out, b...)
		out = append(out, '\n')
	}
	return out
}

func TestScenarioA_InsertReachesServer(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	client, local := f.client(t, "client")

	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	t1 := testutil.Clock(t, client.store)

	res := mustSync(t, local)
	assert.Equal(t, StageCompleted, res.Stage)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 0, res.Downloaded)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, selector.Counts{Inserts: 1}, res.Tables["customers"].Uploaded)

	assert.Equal(t, map[int64]string{1: "X"}, testutil.Names(t, f.server.store))
	st, err := client.scopes.Load(context.Background(), DefaultScope, f.server.store.PeerID())
	require.NoError(t, err)
	require.NotNil(t, st.LastLocalSync)
	assert.Equal(t, t1, *st.LastLocalSync)
	assert.False(t, st.IsNew)
	assert.Equal(t, 0, f.openSessions())
}

func TestScenarioB_ClientWinsConcurrentUpdate(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	client, local := f.client(t, "client", WithPolicy(conflict.ClientWins))
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	mustSync(t, local)

	testutil.Exec(t, client.store, `UPDATE customers SET name = 'Y' WHERE id = 1`)
	testutil.Exec(t, f.server.store, `UPDATE customers SET name = 'Z' WHERE id = 1`)

	res := mustSync(t, local)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, "Y", testutil.Names(t, f.server.store)[1])
	assert.Equal(t, "Y", testutil.Names(t, client.store)[1])
	assert.Equal(t, 0, res.Downloaded, "the server row now belongs to the client and is not echoed")
}

func TestScenarioC_ServerDeleteWins(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	client, local := f.client(t, "client", WithPolicy(conflict.ServerWins))
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	mustSync(t, local)

	testutil.Exec(t, f.server.store, `DELETE FROM customers WHERE id = 1`)
	testutil.Exec(t, client.store, `UPDATE customers SET name = 'newer' WHERE id = 1`)

	res := mustSync(t, local)
	assert.Empty(t, testutil.Names(t, client.store))
	assert.Empty(t, testutil.Names(t, f.server.store))
	assert.Equal(t, apply.Stats{Conflicts: 1, Resolved: 1}, res.Tables["customers"].RemoteApply)
	assert.Equal(t, apply.Stats{Applied: 1}, res.Tables["customers"].LocalApply)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Tables["customers"].Downloaded.Deletes)

	// The kept tombstone was downloaded; nothing is left to exchange.
	res = mustSync(t, local)
	assert.Equal(t, 0, res.Uploaded+res.Downloaded)
}

func TestServerWinsCountsConflictOnce(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	client, local := f.client(t, "client", WithPolicy(conflict.ServerWins))
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	mustSync(t, local)

	testutil.Exec(t, client.store, `UPDATE customers SET name = 'Y' WHERE id = 1`)
	testutil.Exec(t, f.server.store, `UPDATE customers SET name = 'Z' WHERE id = 1`)

	res := mustSync(t, local)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, apply.Stats{Conflicts: 1, Resolved: 1}, res.Tables["customers"].RemoteApply)
	assert.Equal(t, apply.Stats{Applied: 1}, res.Tables["customers"].LocalApply)
	assert.Equal(t, "Z", testutil.Names(t, f.server.store)[1])
	assert.Equal(t, "Z", testutil.Names(t, client.store)[1])

	res = mustSync(t, local)
	assert.Equal(t, 0, res.Uploaded+res.Downloaded+res.Conflicts)
}

func TestMergedRowConverges(t *testing.T) {
	merge := func(c *conflict.Conflict) (model.Row, error) {
		row := append(model.Row(nil), c.Local...)
		row[1] = c.Local[1].(string) + "+" + c.Remote[1].(string)
		return row, nil
	}
	f := newFixture(t, testutil.Setup(), WithMerge(merge))
	client, local := f.client(t, "client", WithPolicy(conflict.MergeRow), WithMerge(merge))
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	mustSync(t, local)

	testutil.Exec(t, client.store, `UPDATE customers SET name = 'Y' WHERE id = 1`)
	testutil.Exec(t, f.server.store, `UPDATE customers SET name = 'Z' WHERE id = 1`)

	res := mustSync(t, local)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Downloaded, "the merged row comes back once")
	assert.Equal(t, "Z+Y", testutil.Names(t, f.server.store)[1])
	assert.Equal(t, "Z+Y", testutil.Names(t, client.store)[1])

	for i := 0; i < 2; i++ {
		res = mustSync(t, local)
		assert.Equal(t, 0, res.Uploaded+res.Downloaded+res.Conflicts)
	}
	assert.Equal(t, "Z+Y", testutil.Names(t, f.server.store)[1])
	assert.Equal(t, "Z+Y", testutil.Names(t, client.store)[1])
}

func TestScenarioD_OutdatedClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Setup())
	client, local := f.client(t, "client")
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	mustSync(t, local)

	testutil.Exec(t, f.server.store, `INSERT INTO customers (id, name) VALUES (2, 'S')`)
	testutil.Exec(t, f.server.store, `DELETE FROM customers WHERE id = 1`)
	_, err := f.remote.Purge(ctx, testutil.Clock(t, f.server.store))
	require.NoError(t, err)

	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (3, 'pending')`)

	res, err := local.Sync(ctx, ModeIncremental)
	require.Error(t, err)
	assert.True(t, syncerr.IsOutdated(err))
	assert.Equal(t, string(StageOutdatedCheck), syncerr.StageOf(err))
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 0, f.openSessions())

	res, err = local.Sync(ctx, ModeReinitialize)
	require.NoError(t, err)
	assert.Equal(t, ModeReinitialize, res.Mode)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, map[int64]string{2: "S"}, testutil.Names(t, client.store))

	// Back to incremental afterwards.
	res = mustSync(t, local)
	assert.Equal(t, 0, res.Uploaded+res.Downloaded)
}

func TestOutdatedHandler_ReinitializeWithUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Setup())
	var seen Outdated
	client, local := f.client(t, "client", WithOutdatedHandler(func(_ context.Context, o Outdated) Mode {
		seen = o
		return ModeReinitializeWithUpload
	}))
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	mustSync(t, local)

	testutil.Exec(t, f.server.store, `INSERT INTO customers (id, name) VALUES (2, 'S')`)
	before := testutil.Clock(t, f.server.store)
	_, err := f.remote.Purge(ctx, before)
	require.NoError(t, err)
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (3, 'pending')`)

	res := mustSync(t, local)
	assert.Equal(t, ModeReinitializeWithUpload, res.Mode)
	assert.Equal(t, before, seen.ValidFrom)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 3, res.Downloaded)
	want := map[int64]string{1: "X", 2: "S", 3: "pending"}
	assert.Equal(t, want, testutil.Names(t, client.store))
	assert.Equal(t, want, testutil.Names(t, f.server.store))
}

func TestIdempotenceAndNoEcho(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Setup())
	client, local := f.client(t, "client")
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name, joined) VALUES (1, 'A', '2026-01-02T03:04:05Z'), (2, 'B', NULL)`)
	testutil.Exec(t, client.store, `INSERT INTO orders (id, customer_id, amount, paid) VALUES (10, 1, 3.5, 1)`)
	testutil.Exec(t, f.server.store, `INSERT INTO customers (id, name) VALUES (5, 'S')`)
	serverBefore := testutil.Clock(t, f.server.store)

	res := mustSync(t, local)
	assert.Equal(t, 3, res.Uploaded)
	assert.Equal(t, 1, res.Downloaded)
	for i := range f.setup.Tables {
		table := &f.setup.Tables[i]
		assert.Equal(t, testutil.Dump(t, f.server.store, table), testutil.Dump(t, client.store, table), table.Name)
	}

	res = mustSync(t, local)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 0, res.Downloaded)

	// Rows the client uploaded are attributed to it on the server.
	it, err := f.server.store.SelectChanges(ctx, &f.setup.Tables[0], adapter.SelectRequest{
		State: model.StateModified, From: &serverBefore, ExcludeWriter: client.store.PeerID(),
	})
	require.NoError(t, err)
	defer it.Close()
	assert.False(t, it.Next())
}

func TestTombstonePurgeAfterSession(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("enabled=%t", enabled), func(t *testing.T) {
			f := newFixture(t, testutil.Setup(), WithTombstonePurge(enabled))
			client, local := f.client(t, "client")
			testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'A')`)
			mustSync(t, local)

			testutil.Exec(t, client.store, `DELETE FROM customers WHERE id = 1`)
			mustSync(t, local)
			// The only client wrote the tombstone itself.
			if enabled {
				assert.Equal(t, 0, serverTombstones(t, f))
			} else {
				assert.Equal(t, 1, serverTombstones(t, f))
			}
		})
	}
}

func serverTombstones(t *testing.T, f *fixture) int {
	t.Helper()
	var n int
	err := f.server.store.DB().QueryRow(`SELECT COUNT(*) FROM _rs_track_customers WHERE _tombstone = 1`).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestSecondClientReceivesFirstClientsRows(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	c1, l1 := f.client(t, "c1")
	c2, l2 := f.client(t, "c2")

	testutil.Exec(t, c1.store, `INSERT INTO customers (id, name) VALUES (1, 'from c1')`)
	mustSync(t, l1)
	res := mustSync(t, l2)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, map[int64]string{1: "from c1"}, testutil.Names(t, c2.store))

	testutil.Exec(t, c2.store, `UPDATE customers SET name = 'from c2' WHERE id = 1`)
	mustSync(t, l2)
	mustSync(t, l1)
	assert.Equal(t, "from c2", testutil.Names(t, c1.store)[1])
}

func TestFilteredClientFollowsPartition(t *testing.T) {
	f := newFixture(t, testutil.FilteredSetup())
	client, local := f.client(t, "client", WithParams(map[string]any{"region": "eu"}))
	testutil.Exec(t, f.server.store, `INSERT INTO customers (id, name, region) VALUES (1, 'eu one', 'eu'), (2, 'us two', 'us')`)
	testutil.Exec(t, f.server.store, `INSERT INTO orders (id, customer_id) VALUES (10, 1), (20, 2)`)

	mustSync(t, local)
	assert.Equal(t, map[int64]string{1: "eu one"}, testutil.Names(t, client.store))
	assert.Len(t, testutil.Dump(t, client.store, &f.setup.Tables[1]), 1)

	testutil.Exec(t, f.server.store, `DELETE FROM orders WHERE id = 10`)
	testutil.Exec(t, f.server.store, `UPDATE customers SET region = 'us' WHERE id = 1`)
	res := mustSync(t, local)
	assert.Equal(t, 1, res.Tables["customers"].Downloaded.Deletes)
	assert.Empty(t, testutil.Names(t, client.store))
}

func TestConcurrentScopeWriteBackFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Setup())
	var client peer
	intrude := func(ctx context.Context, ev Event) {
		if ev.Role != conflict.RoleClient || ev.Stage != StageMetadataCleanup {
			return
		}
		st, err := client.scopes.Load(ctx, DefaultScope, f.server.store.PeerID())
		require.NoError(t, err)
		require.NoError(t, client.scopes.Save(ctx, st, st.Advance("other-session", 1, 1)))
	}
	client, local := f.client(t, "client", WithHooks(intrude))

	_, err := local.Sync(ctx, ModeIncremental)
	require.Error(t, err)
	assert.True(t, syncerr.IsScopeConcurrency(err))
	assert.Equal(t, string(StageMetadataCleanup), syncerr.StageOf(err))

	st, err := client.scopes.Load(ctx, DefaultScope, f.server.store.PeerID())
	require.NoError(t, err)
	assert.Equal(t, "other-session", st.LastSession)
}

func TestCancellationAtPartBoundary(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	testutil.Exec(t, f.server.store, `INSERT INTO customers (id, name) VALUES (1, 'a'), (2, 'b')`)
	testutil.Exec(t, f.server.store, `INSERT INTO orders (id, customer_id) VALUES (10, 1)`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := func(_ context.Context, ev Event) {
		if ev.Role == conflict.RoleClient && ev.Stage == StageChangesApplyingLocal && ev.Table == "customers" {
			cancel()
		}
	}
	client, local := f.client(t, "client", WithHooks(stop))

	res, err := local.Sync(ctx, ModeIncremental)
	require.Error(t, err)
	assert.True(t, syncerr.IsCancelled(err))
	assert.Equal(t, string(StageChangesApplyingLocal), syncerr.StageOf(err))
	assert.Equal(t, 2, res.Applied, "the committed customers step is reported")
	assert.Len(t, testutil.Names(t, client.store), 2)
	assert.Empty(t, testutil.Dump(t, client.store, &f.setup.Tables[1]))
	assert.Equal(t, 0, f.openSessions())

	st, err := client.scopes.Load(context.Background(), DefaultScope, f.server.store.PeerID())
	require.NoError(t, err)
	assert.True(t, st.IsNew, "scope state is not advanced")

	res, err = local.Sync(context.Background(), ModeIncremental)
	require.NoError(t, err)
	assert.Len(t, testutil.Dump(t, client.store, &f.setup.Tables[1]), 1)
}

func TestRollbackPolicyFailsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Setup())
	client, local := f.client(t, "client", WithPolicy(conflict.Rollback))
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)
	mustSync(t, local)
	before, err := client.scopes.Load(ctx, DefaultScope, f.server.store.PeerID())
	require.NoError(t, err)

	testutil.Exec(t, client.store, `UPDATE customers SET name = 'Y' WHERE id = 1`)
	testutil.Exec(t, f.server.store, `UPDATE customers SET name = 'Z' WHERE id = 1`)

	res, err := local.Sync(ctx, ModeIncremental)
	require.Error(t, err)
	assert.True(t, syncerr.IsConflictUnresolved(err))
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, "Z", testutil.Names(t, f.server.store)[1])
	assert.Equal(t, 0, f.openSessions())

	after, err := client.scopes.Load(ctx, DefaultScope, f.server.store.PeerID())
	require.NoError(t, err)
	assert.Equal(t, before.LastSession, after.LastSession)
}

func TestScopeMismatch(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	other := testutil.Setup()
	other.Tables[0].Columns = other.Tables[0].Columns[:4]

	c := newPeer(t, "client", other)
	local, err := NewLocal(c.store, c.scopes, f.remote, other, testutil.BatchStore(t, batch.DefaultPolicy()))
	require.NoError(t, err)

	_, err = local.Sync(context.Background(), ModeIncremental)
	require.Error(t, err)
	assert.True(t, syncerr.IsScopeMismatch(err))
	assert.Equal(t, string(StageScopeLoading), syncerr.StageOf(err))
}

func TestMergePolicyRequiresFunction(t *testing.T) {
	f := newFixture(t, testutil.Setup())
	c := newPeer(t, "client", f.setup)
	_, err := NewLocal(c.store, c.scopes, f.remote, f.setup, testutil.BatchStore(t, batch.DefaultPolicy()), WithPolicy(conflict.MergeRow))
	assert.Error(t, err)

	// The server refuses merge sessions without its own merge function.
	merge := func(c *conflict.Conflict) (model.Row, error) { return c.Remote, nil }
	_, local := f.client(t, "merger", WithPolicy(conflict.MergeRow), WithMerge(merge))
	_, err = local.Sync(context.Background(), ModeIncremental)
	assert.Equal(t, syncerr.CodeProtocol, syncerr.CodeOf(err))
}

func TestHooksGolden(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, testutil.Setup(), WithHooks(rec.hook))
	client, local := f.client(t, "client", WithHooks(rec.hook))
	testutil.Exec(t, client.store, `INSERT INTO customers (id, name) VALUES (1, 'X')`)

	res := mustSync(t, local)
	assert.Equal(t, "client-0001", res.SessionID)
	for _, ev := range rec.events {
		assert.Equal(t, "client-0001", ev.SessionID)
		assert.Equal(t, DefaultScope, ev.Scope)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "session_events", rec.lines(t))
}

func TestResultTiming(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := testutil.NewFakeClock(start, time.Second)
	rec := &recorder{}
	f := newFixture(t, testutil.Setup())
	_, local := f.client(t, "client", WithHooks(rec.hook), WithClock(clock.Now))

	res := mustSync(t, local)
	assert.Equal(t, start, res.Started)

	var client []Event
	for _, ev := range rec.events {
		if ev.Role == conflict.RoleClient {
			client = append(client, ev)
		}
	}
	require.NotEmpty(t, client)
	assert.Equal(t, start.Add(time.Second), client[0].Time)
	last := client[len(client)-1]
	assert.Equal(t, StageCompleted, last.Stage)
	assert.Equal(t, res.Started.Add(res.Duration+time.Second), last.Time)
	assert.Equal(t, clock.Peek(), last.Time.Add(time.Second))
}

func TestServerSessionExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, testutil.Setup(), WithSessionTTL(DefaultSessionTTL), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	fp, err := f.setup.Fingerprint()
	require.NoError(t, err)

	_, err = f.remote.EnsureScope(ctx, ScopeRequest{SessionID: "abandoned", Fingerprint: fp, ClientPeer: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.openSessions())

	_, err = f.remote.EnsureScope(ctx, ScopeRequest{SessionID: "abandoned", Fingerprint: fp, ClientPeer: "p1"})
	assert.Equal(t, syncerr.CodeProtocol, syncerr.CodeOf(err))

	now = now.Add(DefaultSessionTTL + time.Minute)
	_, err = f.remote.EnsureScope(ctx, ScopeRequest{SessionID: "fresh", Fingerprint: fp, ClientPeer: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.openSessions())

	_, err = f.remote.GetChanges(ctx, ChangesRequest{SessionID: "abandoned"})
	assert.Equal(t, syncerr.CodeProtocol, syncerr.CodeOf(err))
}

func TestIDGenerators(t *testing.T) {
	a, b := UUIDv7Generator{}.Generate(), UUIDv7Generator{}.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)

	g := NewFixedGenerator("s1", "s2")
	assert.Equal(t, "s1", g.Generate())
	assert.Equal(t, "s2", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}
