// Package apply writes a batch of remote changes into a store, one
// transaction per table step, resolving conflicts as they are detected.
package apply

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/syncerr"
)

// Stats counts the outcome of applying one table's rows.
type Stats struct {
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Resolved  int `json:"resolved"`
}

func (s *Stats) add(o Stats) {
	s.Applied += o.Applied
	s.Failed += o.Failed
	s.Conflicts += o.Conflicts
	s.Resolved += o.Resolved
}

// Result holds the stats of every table that received rows.
type Result struct {
	Tables map[string]Stats `json:"tables"`
}

// Total sums the stats of every table.
func (r Result) Total() Stats {
	var total Stats
	for _, s := range r.Tables {
		total.add(s)
	}
	return total
}

// Options describes the remote side of one application.
type Options struct {
	// Peer is the id of the store the batch came from.
	Peer string

	// Guard is this store's timestamp at its last successful session with
	// Peer, nil if there was none.
	Guard *int64

	// Role is the side this store plays in the session.
	Role conflict.Role

	Resolver conflict.Resolver

	// OnStep is called after each committed table step.
	OnStep func(table string, state model.RowState, stats Stats)
}

// Option configures an Applier.
type Option func(*Applier)

// WithTransforms runs fn on every incoming row before it is written.
func WithTransforms(fn ...model.RowTransform) Option {
	return func(a *Applier) { a.transforms = append(a.transforms, fn...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// WithRegistry sets the codec registry used to read parts.
func WithRegistry(r *batch.Registry) Option {
	return func(a *Applier) { a.codecs = r }
}

// Applier is the change applier of one store.
type Applier struct {
	adapter    adapter.Adapter
	codecs     *batch.Registry
	transforms []model.RowTransform
	logger     *slog.Logger
}

// New returns an applier over a.
func New(a adapter.Adapter, opts ...Option) *Applier {
	ap := &Applier{adapter: a, codecs: batch.DefaultRegistry(), logger: slog.Default()}
	for _, opt := range opts {
		opt(ap)
	}
	return ap
}

type step struct {
	table *model.TableSchema
	state model.RowState
}

// plan orders the steps of setup: upserts parents first, then deletes
// children first.
func plan(setup *model.Setup) []step {
	steps := make([]step, 0, 2*len(setup.Tables))
	for i := range setup.Tables {
		steps = append(steps, step{&setup.Tables[i], model.StateModified})
	}
	for i := len(setup.Tables) - 1; i >= 0; i-- {
		steps = append(steps, step{&setup.Tables[i], model.StateDeleted})
	}
	return steps
}

// Apply writes every part of info into the store. Each (table, state) step
// runs in its own transaction; a failing step is rolled back while earlier
// steps stay committed. The returned result covers committed steps only
// and is valid even when err is not nil.
func (a *Applier) Apply(ctx context.Context, setup *model.Setup, info *batch.Info, opts Options) (Result, error) {
	res := Result{Tables: map[string]Stats{}}
	if err := checkParts(setup, info); err != nil {
		return res, err
	}

	for _, st := range plan(setup) {
		parts := info.PartsFor(st.table.Name, st.state)
		if len(parts) == 0 {
			continue
		}
		stats, err := a.applyStep(ctx, st, info, parts, opts)
		if err != nil {
			a.logger.Debug("table step rolled back", "table", st.table.Name, "state", st.state, "error", err)
			return res, err
		}
		total := res.Tables[st.table.Name]
		total.add(stats)
		res.Tables[st.table.Name] = total
		if opts.OnStep != nil {
			opts.OnStep(st.table.Name, st.state, stats)
		}
		a.logger.Debug("table step committed",
			"table", st.table.Name,
			"state", st.state,
			"applied", stats.Applied,
			"conflicts", stats.Conflicts,
			"failed", stats.Failed)
	}
	return res, nil
}

// checkParts rejects batches naming tables outside setup.
func checkParts(setup *model.Setup, info *batch.Info) error {
	for _, p := range info.Parts {
		if _, ok := setup.Table(p.Table); !ok {
			return syncerr.New(syncerr.CodeScopeMismatch, "batch holds table %s which is not in the setup", p.Table).InTable(p.Table)
		}
	}
	return nil
}

func (a *Applier) applyStep(ctx context.Context, st step, info *batch.Info, parts []batch.PartInfo, opts Options) (Stats, error) {
	var stats Stats
	if err := ctx.Err(); err != nil {
		return stats, syncerr.Wrap(syncerr.CodeCancelled, err, "apply cancelled").InTable(st.table.Name)
	}
	tx, err := a.adapter.Begin(ctx)
	if err != nil {
		return stats, syncerr.Wrap(syncerr.CodeApplyInfrastructure, err, "begin table step").InTable(st.table.Name)
	}
	defer tx.Rollback()

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return stats, syncerr.Wrap(syncerr.CodeCancelled, err, "apply cancelled").InTable(st.table.Name)
		}
		if err := a.applyPart(ctx, tx, st, info, p, opts, &stats); err != nil {
			return stats, err
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, syncerr.Wrap(syncerr.CodeApplyInfrastructure, err, "commit table step").InTable(st.table.Name)
	}
	return stats, nil
}

func (a *Applier) applyPart(ctx context.Context, tx adapter.Tx, st step, info *batch.Info, p batch.PartInfo, opts Options, stats *Stats) error {
	r, err := batch.OpenPart(info, a.codecs, p)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := checkHeader(st, r.Header()); err != nil {
		return err
	}

	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, fn := range a.transforms {
			if row, err = fn(st.table, st.state, row); err != nil {
				return syncerr.Wrap(syncerr.CodeApplyInfrastructure, err, "transform incoming row").InTable(st.table.Name)
			}
		}
		if err := a.applyRow(ctx, tx, st, row, opts, stats); err != nil {
			return err
		}
	}
}

// checkHeader verifies a part's columns match the local table.
func checkHeader(st step, h batch.Header) error {
	want := st.table.ColumnsFor(st.state)
	if len(h.Columns) != len(want) {
		return syncerr.New(syncerr.CodeScopeMismatch, "part has %d columns, table has %d", len(h.Columns), len(want)).InTable(st.table.Name)
	}
	for i, c := range h.Columns {
		if c.Name != want[i].Name || c.Type != want[i].Type {
			return syncerr.New(syncerr.CodeScopeMismatch,
				"part column %d is %s %s, table has %s %s", i, c.Name, c.Type, want[i].Name, want[i].Type).InTable(st.table.Name)
		}
	}
	return nil
}

func (a *Applier) applyRow(ctx context.Context, tx adapter.Tx, st step, row model.Row, opts Options, stats *Stats) error {
	table := st.table
	out, err := tx.ApplyRow(ctx, table, st.state, row, adapter.ApplyOptions{Guard: opts.Guard, Peer: opts.Peer})
	if err != nil {
		return syncerr.Ensure(err, syncerr.CodeApplyInfrastructure, "apply row").InTable(table.Name)
	}
	if out.Status != adapter.StatusConflict {
		stats.Applied++
		return nil
	}

	stats.Conflicts++
	key := row
	remote := row
	if st.state == model.StateModified {
		key = table.KeyOf(row)
	} else {
		remote = nil
	}
	c := &conflict.Conflict{
		Table:  table,
		Type:   conflict.Classify(st.state, out.Local.Row, opts.Guard),
		Key:    key,
		Local:  out.Local.Row,
		Remote: remote,
	}
	res, err := opts.Resolver.Resolve(c, opts.Role)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeConflictUnresolved, err, "resolve %s conflict on %v", c.Type, key).InTable(table.Name)
	}
	a.logger.Debug("conflict",
		"table", table.Name,
		"key", key,
		"type", c.Type.String(),
		"action", res.Action.String())

	switch res.Action {
	case conflict.Abort:
		return syncerr.New(syncerr.CodeConflictUnresolved, "%s conflict on %v", c.Type, key).InTable(table.Name)
	case conflict.Skip:
		stats.Failed++
		return nil
	case conflict.KeepLocal:
		// The client's kept row must reach the server next session.
		if opts.Role == conflict.RoleClient {
			if err := tx.Touch(ctx, table, key); err != nil {
				return syncerr.Wrap(syncerr.CodeApplyInfrastructure, err, "touch kept row").InTable(table.Name)
			}
		}
		stats.Resolved++
		return nil
	case conflict.ApplyRemote, conflict.ApplyMerged:
		if err := a.force(ctx, tx, table, key, res, opts); err != nil {
			return err
		}
		stats.Resolved++
		stats.Applied++
		return nil
	}
	return syncerr.New(syncerr.CodeConflictUnresolved, "unknown resolution %s", res.Action).InTable(table.Name)
}

// force writes the resolved row without the conflict guard. Merged rows are
// recorded as local changes so they flow back to the peer.
func (a *Applier) force(ctx context.Context, tx adapter.Tx, table *model.TableSchema, key model.Row, res conflict.Resolution, opts Options) error {
	ao := adapter.ApplyOptions{Peer: opts.Peer, Force: true, AsLocal: res.Action == conflict.ApplyMerged}
	state, row := model.StateModified, res.Row
	if row == nil {
		state, row = model.StateDeleted, key
	} else {
		if len(row) != len(table.Columns) {
			return syncerr.New(syncerr.CodeConflictUnresolved, "resolved row has %d values, want %d", len(row), len(table.Columns)).InTable(table.Name)
		}
		got, err := model.NormalizeRow(table.Key(), table.KeyOf(row))
		if err != nil || !model.RowsEqual(table.Key(), got, key) {
			return syncerr.New(syncerr.CodeConflictUnresolved, "resolved row changes key %v", key).InTable(table.Name)
		}
	}
	if _, err := tx.ApplyRow(ctx, table, state, row, ao); err != nil {
		return syncerr.Ensure(err, syncerr.CodeApplyInfrastructure, "write resolved row").InTable(table.Name)
	}
	return nil
}
