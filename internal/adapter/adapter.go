// Package adapter defines the capability surface a datastore must provide
// to take part in synchronization. The sync core depends only on these
// interfaces; internal/adapter/sqlite is the bundled implementation.
package adapter

import (
	"context"
	"fmt"

	"github.com/roach88/rowsync/internal/model"
)

// SelectRequest asks for the changes of one table in one row state.
type SelectRequest struct {
	State model.RowState

	// From is the exclusive lower timestamp bound. Nil selects every
	// current row (full selection).
	From *int64

	// ExcludeWriter suppresses records last written by this peer.
	ExcludeWriter string

	// Filtered applies the table filter, binding Params by name.
	Filtered bool
	Params   map[string]any
}

// Full reports whether the request is a full selection.
func (r SelectRequest) Full() bool { return r.From == nil }

// Change is one selected row with its tracking record. For deleted rows
// Row holds the primary key values only.
type Change struct {
	Record model.ChangeRecord
	Row    model.Row
}

// ChangeIterator streams selected changes, in the style of sql.Rows.
type ChangeIterator interface {
	Next() bool
	Change() Change
	Err() error
	Close() error
}

// ApplyOptions guards a single row write.
type ApplyOptions struct {
	// Guard is the applying store's timestamp at its last successful sync
	// with Peer. Nil means the peers have never synchronized.
	Guard *int64

	// Peer is the id of the store the row comes from.
	Peer string

	// Force skips the conflict check.
	Force bool

	// AsLocal records the write as a local change instead of attributing
	// it to Peer, so it propagates back to Peer on the next session.
	AsLocal bool
}

// Status is the result of a guarded write.
type Status int

const (
	StatusApplied Status = iota
	StatusNoOp
	StatusConflict
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusNoOp:
		return "noop"
	case StatusConflict:
		return "conflict"
	}
	return "unknown"
}

// Local is the applying store's view of a key.
type Local struct {
	Record model.ChangeRecord

	// Row is the current row, nil when the key is tombstoned.
	Row model.Row
}

// Outcome reports what a guarded write did. Local is set on conflicts.
type Outcome struct {
	Status Status
	Local  *Local
}

// Tx is one table-application step.
type Tx interface {
	// ApplyRow upserts (StateModified) or deletes (StateDeleted) row.
	// Deleting an absent or already tombstoned key is a no-op.
	ApplyRow(ctx context.Context, table *model.TableSchema, state model.RowState, row model.Row, opts ApplyOptions) (Outcome, error)

	// Touch restamps the key as a fresh local change.
	Touch(ctx context.Context, table *model.TableSchema, key model.Row) error

	Commit() error
	Rollback() error
}

// Adapter is the per-engine store capability surface.
type Adapter interface {
	// PeerID identifies this store to its peers.
	PeerID() string

	CurrentTimestamp(ctx context.Context) (int64, error)

	// EnsureTracking creates tracking metadata for table if absent and
	// records pre-existing rows. It is idempotent.
	EnsureTracking(ctx context.Context, table *model.TableSchema) error
	DropTracking(ctx context.Context, table *model.TableSchema) error

	SelectChanges(ctx context.Context, table *model.TableSchema, req SelectRequest) (ChangeIterator, error)
	Begin(ctx context.Context) (Tx, error)

	// ResetTable removes every row and all tracking records of table
	// without leaving tombstones.
	ResetTable(ctx context.Context, table *model.TableSchema) error

	// PurgeTombstones drops tombstones stamped at or before upTo.
	PurgeTombstones(ctx context.Context, table *model.TableSchema, upTo int64) (int64, error)
}

// Provision ensures tracking metadata for every table of setup.
func Provision(ctx context.Context, a Adapter, setup *model.Setup) error {
	for i := range setup.Tables {
		if err := a.EnsureTracking(ctx, &setup.Tables[i]); err != nil {
			return fmt.Errorf("provision %s: %w", setup.Tables[i].Name, err)
		}
	}
	return nil
}

// Deprovision drops tracking metadata for every table of setup, children
// first.
func Deprovision(ctx context.Context, a Adapter, setup *model.Setup) error {
	for i := len(setup.Tables) - 1; i >= 0; i-- {
		if err := a.DropTracking(ctx, &setup.Tables[i]); err != nil {
			return fmt.Errorf("deprovision %s: %w", setup.Tables[i].Name, err)
		}
	}
	return nil
}

// Purge drops tombstones at or before upTo for every table of setup.
func Purge(ctx context.Context, a Adapter, setup *model.Setup, upTo int64) (int64, error) {
	var total int64
	for i := range setup.Tables {
		n, err := a.PurgeTombstones(ctx, &setup.Tables[i], upTo)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", setup.Tables[i].Name, err)
		}
		total += n
	}
	return total, nil
}

// SliceIterator is a ChangeIterator over an in-memory slice.
type SliceIterator struct {
	changes []Change
	pos     int
}

// NewSliceIterator returns an iterator over changes.
func NewSliceIterator(changes []Change) *SliceIterator {
	return &SliceIterator{changes: changes, pos: -1}
}

func (it *SliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.changes)
}

func (it *SliceIterator) Change() Change { return it.changes[it.pos] }
func (it *SliceIterator) Err() error     { return nil }
func (it *SliceIterator) Close() error   { return nil }
