package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

// Begin opens one table-application step.
func (s *Store) Begin(ctx context.Context) (adapter.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply: %w", err)
	}
	return &applyTx{store: s, tx: tx, checked: map[string]bool{}}, nil
}

type applyTx struct {
	store   *Store
	tx      *sql.Tx
	checked map[string]bool

	// writer is the attribution currently held in _rs_context; nil means
	// the context row is absent.
	writer *string
}

func (t *applyTx) ApplyRow(ctx context.Context, table *model.TableSchema, state model.RowState, row model.Row, opts adapter.ApplyOptions) (adapter.Outcome, error) {
	if !t.checked[table.Name] {
		if err := t.store.checkTracking(ctx, t.tx, table); err != nil {
			return adapter.Outcome{}, err
		}
		t.checked[table.Name] = true
	}

	var key model.Row
	if state == model.StateDeleted {
		key = row
	} else {
		key = table.KeyOf(row)
	}
	rec, err := t.record(ctx, table, key)
	if err != nil {
		return adapter.Outcome{}, err
	}

	if state == model.StateDeleted && (rec == nil || rec.Tombstone) {
		return adapter.Outcome{Status: adapter.StatusNoOp}, nil
	}

	if !opts.Force && rec != nil && isConflict(rec, opts) {
		local := &adapter.Local{Record: *rec}
		if !rec.Tombstone {
			if local.Row, err = t.row(ctx, table, key); err != nil {
				return adapter.Outcome{}, err
			}
		}
		return adapter.Outcome{Status: adapter.StatusConflict, Local: local}, nil
	}

	writer := &opts.Peer
	if opts.AsLocal || opts.Peer == "" {
		writer = nil
	}
	if err := t.setWriter(ctx, writer); err != nil {
		return adapter.Outcome{}, err
	}

	if state == model.StateDeleted {
		err = t.delete(ctx, table, key)
	} else {
		err = t.upsert(ctx, table, row)
	}
	if err != nil {
		return adapter.Outcome{}, err
	}
	return adapter.Outcome{Status: adapter.StatusApplied}, nil
}

// isConflict reports whether the local record changed since the guard and
// was not itself written by the sending peer.
func isConflict(rec *model.ChangeRecord, opts adapter.ApplyOptions) bool {
	if rec.Writer != "" && rec.Writer == opts.Peer {
		return false
	}
	return opts.Guard == nil || rec.Timestamp > *opts.Guard
}

func (t *applyTx) Touch(ctx context.Context, table *model.TableSchema, key model.Row) error {
	args, err := storageArgs(table.Key(), key)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, bumpClock); err != nil {
		return fmt.Errorf("advance clock: %w", err)
	}
	query := fmt.Sprintf("UPDATE %s SET _ts = %s, _writer = NULL WHERE %s",
		quoteIdent(trackingName(table)), clockExpr, keyPlaceholders(table))
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch %s: %w", table.Name, err)
	}
	return nil
}

func (t *applyTx) Commit() error {
	if err := t.setWriter(context.Background(), nil); err != nil {
		t.tx.Rollback()
		return err
	}
	return t.tx.Commit()
}

func (t *applyTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *applyTx) setWriter(ctx context.Context, writer *string) error {
	if t.writer == nil && writer == nil {
		return nil
	}
	if t.writer != nil && writer != nil && *t.writer == *writer {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM _rs_context`); err != nil {
		return fmt.Errorf("clear writer context: %w", err)
	}
	if writer != nil {
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO _rs_context (writer) VALUES (?)`, *writer); err != nil {
			return fmt.Errorf("set writer context: %w", err)
		}
	}
	t.writer = writer
	return nil
}

func (t *applyTx) record(ctx context.Context, table *model.TableSchema, key model.Row) (*model.ChangeRecord, error) {
	args, err := storageArgs(table.Key(), key)
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", table.Name, err)
	}
	query := fmt.Sprintf("SELECT _ts, _created, _tombstone, _writer FROM %s WHERE %s",
		quoteIdent(trackingName(table)), keyPlaceholders(table))

	rec := model.ChangeRecord{Key: key}
	var tomb int64
	var writer sql.NullString
	err = t.tx.QueryRowContext(ctx, query, args...).Scan(&rec.Timestamp, &rec.Created, &tomb, &writer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tracking for %s: %w", table.Name, err)
	}
	rec.Tombstone = tomb != 0
	rec.Writer = writer.String
	return &rec, nil
}

func (t *applyTx) row(ctx context.Context, table *model.TableSchema, key model.Row) (model.Row, error) {
	args, err := storageArgs(table.Key(), key)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columnList("", table.Columns), quoteIdent(table.Name), keyPlaceholders(table))
	vals, ptrs := scanTargets(len(table.Columns))
	err = t.tx.QueryRowContext(ctx, query, args...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s row: %w", table.Name, err)
	}
	return normalizeScanned(table.Columns, vals)
}

func (t *applyTx) upsert(ctx context.Context, table *model.TableSchema, row model.Row) error {
	args, err := storageArgs(table.Columns, row)
	if err != nil {
		return fmt.Errorf("%s row: %w", table.Name, err)
	}

	isKey := make(map[string]bool, len(table.PrimaryKey))
	for _, k := range table.PrimaryKey {
		isKey[k] = true
	}
	var sets []string
	for _, c := range table.Columns {
		if !isKey[c.Name] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
		}
	}
	action := "NOTHING"
	if len(sets) > 0 {
		action = "UPDATE SET " + strings.Join(sets, ", ")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(table.Columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO %s",
		quoteIdent(table.Name), columnList("", table.Columns), placeholders, columnList("", table.Key()), action)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table.Name, err)
	}
	return nil
}

func (t *applyTx) delete(ctx context.Context, table *model.TableSchema, key model.Row) error {
	args, err := storageArgs(table.Key(), key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table.Name), keyPlaceholders(table))
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table.Name, err)
	}
	return nil
}
