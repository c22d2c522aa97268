package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

// SelectChanges streams the changes of table for req.
//
// Modified rows are joined to the current row values. With a filter, the
// join is made against the filtered table, and in incremental mode any
// changed key that no longer passes the filter is reported as deleted, so
// rows leaving a partition reach the peer as deletes.
func (s *Store) SelectChanges(ctx context.Context, table *model.TableSchema, req adapter.SelectRequest) (adapter.ChangeIterator, error) {
	if err := s.checkTracking(ctx, s.db, table); err != nil {
		return nil, err
	}
	if req.State == model.StateDeleted && req.Full() {
		return adapter.NewSliceIterator(nil), nil
	}

	query, args, err := buildSelect(table, req)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select changes for %s: %w", table.Name, err)
	}
	cols := table.ColumnsFor(req.State)
	return &changeRows{rows: rows, table: table, state: req.State, cols: cols, key: table.Key()}, nil
}

func buildSelect(table *model.TableSchema, req adapter.SelectRequest) (string, []any, error) {
	track := quoteIdent(trackingName(table))
	key := table.Key()

	source := quoteIdent(table.Name)
	var args []any
	if req.Filtered && table.Filter != nil {
		source = fmt.Sprintf("(SELECT * FROM %s WHERE %s)", quoteIdent(table.Name), table.Filter.Where)
		for _, p := range table.Filter.Params {
			v, ok := req.Params[p]
			if !ok {
				return "", nil, fmt.Errorf("table %s: filter parameter %q has no value", table.Name, p)
			}
			args = append(args, sql.Named(p, v))
		}
	}

	var where []string
	if req.From != nil {
		where = append(where, "k._ts > :rsfrom")
		args = append(args, sql.Named("rsfrom", *req.From))
	}
	if req.ExcludeWriter != "" {
		where = append(where, "(k._writer IS NULL OR k._writer <> :rsexclude)")
		args = append(args, sql.Named("rsexclude", req.ExcludeWriter))
	}

	meta := columnList("k", key) + ", k._ts, k._created, k._tombstone, k._writer"
	order := "k._ts, " + columnList("k", key)
	var query string
	if req.State == model.StateModified {
		where = append(where, "k._tombstone = 0")
		query = fmt.Sprintf("SELECT %s, %s FROM %s AS k JOIN %s AS b ON %s WHERE %s ORDER BY %s",
			meta, columnList("b", table.Columns), track, source, keyMatch(table, "k", "b"), strings.Join(where, " AND "), order)
	} else {
		gone := "k._tombstone = 1"
		if source != quoteIdent(table.Name) {
			gone = fmt.Sprintf("(k._tombstone = 1 OR NOT EXISTS (SELECT 1 FROM %s AS b WHERE %s))", source, keyMatch(table, "b", "k"))
		}
		where = append(where, gone)
		query = fmt.Sprintf("SELECT %s FROM %s AS k WHERE %s ORDER BY %s",
			meta, track, strings.Join(where, " AND "), order)
	}
	return query, args, nil
}

type changeRows struct {
	rows  *sql.Rows
	table *model.TableSchema
	state model.RowState
	cols  []model.ColumnSchema
	key   []model.ColumnSchema

	cur adapter.Change
	err error
}

func (c *changeRows) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	n := len(c.key) + 4
	if c.state == model.StateModified {
		n += len(c.cols)
	}
	vals, ptrs := scanTargets(n)
	if err := c.rows.Scan(ptrs...); err != nil {
		c.err = fmt.Errorf("scan %s change: %w", c.table.Name, err)
		return false
	}

	keyRow, err := normalizeScanned(c.key, vals[:len(c.key)])
	if err != nil {
		c.err = fmt.Errorf("%s key: %w", c.table.Name, err)
		return false
	}
	meta := vals[len(c.key) : len(c.key)+4]
	rec := model.ChangeRecord{Key: keyRow}
	rec.Timestamp, _ = meta[0].(int64)
	rec.Created, _ = meta[1].(int64)
	tomb, _ := meta[2].(int64)
	rec.Tombstone = tomb != 0
	switch w := meta[3].(type) {
	case string:
		rec.Writer = w
	case []byte:
		rec.Writer = string(w)
	}

	row := keyRow
	if c.state == model.StateModified {
		row, err = normalizeScanned(c.cols, vals[len(c.key)+4:])
		if err != nil {
			c.err = fmt.Errorf("%s row: %w", c.table.Name, err)
			return false
		}
	}
	c.cur = adapter.Change{Record: rec, Row: row}
	return true
}

func (c *changeRows) Change() adapter.Change { return c.cur }

func (c *changeRows) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *changeRows) Close() error { return c.rows.Close() }
