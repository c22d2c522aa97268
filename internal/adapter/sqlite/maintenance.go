package sqlite

import (
	"context"
	"fmt"

	"github.com/roach88/rowsync/internal/model"
)

// ResetTable deletes every row of table and then its tracking records, so
// no tombstones are left behind.
func (s *Store) ResetTable(ctx context.Context, table *model.TableSchema) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(table.Name)); err != nil {
		return fmt.Errorf("reset %s: %w", table.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(trackingName(table))); err != nil {
		return fmt.Errorf("reset tracking for %s: %w", table.Name, err)
	}
	return tx.Commit()
}

// PurgeTombstones removes tombstones of table stamped at or before upTo.
func (s *Store) PurgeTombstones(ctx context.Context, table *model.TableSchema, upTo int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE _tombstone = 1 AND _ts <= ?", quoteIdent(trackingName(table))), upTo)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table.Name, err)
	}
	return res.RowsAffected()
}
