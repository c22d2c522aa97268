// Package selector reads the changes of a setup's tables through a store
// adapter and writes them into a batch.
package selector

import (
	"context"
	"log/slog"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/syncerr"
)

// Request describes one selection.
type Request struct {
	// From is the exclusive lower bound. Nil performs a full selection.
	From *int64

	// ExcludeWriter is the requesting peer, whose own changes are not
	// sent back to it.
	ExcludeWriter string

	// Filtered applies table filters bound to Params.
	Filtered bool
	Params   map[string]any
}

// Counts is the number of selected rows of one table by kind.
type Counts struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// Total returns the number of rows selected.
func (c Counts) Total() int { return c.Inserts + c.Updates + c.Deletes }

// Result holds per-table counts keyed by table name.
type Result struct {
	Tables map[string]Counts
}

// Rows returns the number of rows selected across tables.
func (r Result) Rows() int {
	n := 0
	for _, c := range r.Tables {
		n += c.Total()
	}
	return n
}

// Option configures a Selector.
type Option func(*Selector)

// WithTransforms runs fn on every selected row before it is batched.
func WithTransforms(fn ...model.RowTransform) Option {
	return func(s *Selector) { s.transforms = append(s.transforms, fn...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

// Selector is the change selector of one store.
type Selector struct {
	adapter    adapter.Adapter
	transforms []model.RowTransform
	logger     *slog.Logger
}

// New returns a selector over a.
func New(a adapter.Adapter, opts ...Option) *Selector {
	s := &Selector{adapter: a, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select writes the changes of every table of setup to w, modified rows
// before deleted rows for each table, tables in setup order. The writer is
// left open for the caller to close.
//
// Missing tracking metadata on any table fails the whole selection.
func (s *Selector) Select(ctx context.Context, setup *model.Setup, req Request, w *batch.Writer) (Result, error) {
	res := Result{Tables: make(map[string]Counts, len(setup.Tables))}
	for i := range setup.Tables {
		table := &setup.Tables[i]
		var counts Counts
		for _, state := range []model.RowState{model.StateModified, model.StateDeleted} {
			if err := ctx.Err(); err != nil {
				return res, syncerr.Wrap(syncerr.CodeCancelled, err, "selection cancelled").InTable(table.Name)
			}
			if err := s.selectState(ctx, table, state, req, w, &counts); err != nil {
				return res, err
			}
		}
		res.Tables[table.Name] = counts
		s.logger.Debug("selected changes",
			"table", table.Name,
			"inserts", counts.Inserts,
			"updates", counts.Updates,
			"deletes", counts.Deletes,
			"full", req.From == nil)
	}
	return res, nil
}

func (s *Selector) selectState(ctx context.Context, table *model.TableSchema, state model.RowState, req Request, w *batch.Writer, counts *Counts) error {
	it, err := s.adapter.SelectChanges(ctx, table, adapter.SelectRequest{
		State:         state,
		From:          req.From,
		ExcludeWriter: req.ExcludeWriter,
		Filtered:      req.Filtered,
		Params:        req.Params,
	})
	if err != nil {
		return syncerr.Ensure(err, syncerr.CodeApplyInfrastructure, "select changes").InTable(table.Name)
	}
	defer it.Close()

	for it.Next() {
		ch := it.Change()
		row := ch.Row
		for _, fn := range s.transforms {
			if row, err = fn(table, state, row); err != nil {
				return syncerr.Wrap(syncerr.CodeApplyInfrastructure, err, "transform selected row").InTable(table.Name)
			}
		}
		if err := w.Write(table, state, row); err != nil {
			return syncerr.Wrap(syncerr.CodeApplyInfrastructure, err, "batch selected row").InTable(table.Name)
		}
		switch {
		case state == model.StateDeleted:
			counts.Deletes++
		case req.From == nil || ch.Record.Created > *req.From:
			counts.Inserts++
		default:
			counts.Updates++
		}
	}
	if err := it.Err(); err != nil {
		return syncerr.Ensure(err, syncerr.CodeApplyInfrastructure, "read changes").InTable(table.Name)
	}
	return nil
}
