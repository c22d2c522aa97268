package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/syncerr"
)

// EnsureTracking creates the tracking table and triggers for table and
// records pre-existing rows under a single fresh timestamp.
func (s *Store) EnsureTracking(ctx context.Context, table *model.TableSchema) error {
	if err := checkSchema(table); err != nil {
		return err
	}
	exists, err := s.tableExists(ctx, s.db, table.Name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %s does not exist", table.Name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin provisioning: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range trackingDDL(table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("provision %s: %w", table.Name, err)
		}
	}

	track := quoteIdent(trackingName(table))
	base := quoteIdent(table.Name)
	missing := fmt.Sprintf(`FROM %s AS b WHERE NOT EXISTS (SELECT 1 FROM %s AS k WHERE %s)`,
		base, track, keyMatch(table, "k", "b"))

	var n int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) "+missing).Scan(&n); err != nil {
		return fmt.Errorf("count untracked rows: %w", err)
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx, bumpClock); err != nil {
			return fmt.Errorf("advance clock: %w", err)
		}
		keys := columnList("b", table.Key())
		backfill := fmt.Sprintf(`INSERT INTO %s (%s, _created, _ts, _tombstone, _writer) SELECT %s, %s, %s, 0, NULL %s`,
			track, columnList("", table.Key()), keys, clockExpr, clockExpr, missing)
		if _, err := tx.ExecContext(ctx, backfill); err != nil {
			return fmt.Errorf("backfill tracking for %s: %w", table.Name, err)
		}
	}

	keyCols, _ := json.Marshal(table.PrimaryKey)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _rs_tables (name, key_columns, provisioned_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET key_columns = excluded.key_columns`,
		table.Name, string(keyCols), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record provisioning: %w", err)
	}

	return tx.Commit()
}

// DropTracking removes the triggers and tracking table of table.
func (s *Store) DropTracking(ctx context.Context, table *model.TableSchema) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deprovisioning: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DROP TRIGGER IF EXISTS " + quoteIdent(triggerName(table, "ins")),
		"DROP TRIGGER IF EXISTS " + quoteIdent(triggerName(table, "upd")),
		"DROP TRIGGER IF EXISTS " + quoteIdent(triggerName(table, "del")),
		"DROP TABLE IF EXISTS " + quoteIdent(trackingName(table)),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("deprovision %s: %w", table.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _rs_tables WHERE name = ?`, table.Name); err != nil {
		return fmt.Errorf("deprovision %s: %w", table.Name, err)
	}
	return tx.Commit()
}

// Provisioned lists the names of tables with tracking metadata.
func (s *Store) Provisioned(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM _rs_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list provisioned tables: %w", err)
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return n > 0, nil
}

// checkTracking fails with TRACKING_MISSING unless the tracking table and
// all three triggers exist.
func (s *Store) checkTracking(ctx context.Context, q querier, table *model.TableSchema) error {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master
		 WHERE (type = 'table' AND name = ?) OR (type = 'trigger' AND name IN (?, ?, ?))`,
		trackingName(table), triggerName(table, "ins"), triggerName(table, "upd"), triggerName(table, "del"),
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect tracking: %w", err)
	}
	if n != 4 {
		return syncerr.New(syncerr.CodeTrackingMissing, "tracking metadata for %s is missing or incomplete", table.Name).InTable(table.Name)
	}
	return nil
}

func checkSchema(table *model.TableSchema) error {
	if table.Schema != "" && table.Schema != "main" {
		return fmt.Errorf("table %s: sqlite tracking supports the main schema only, got %q", table.Name, table.Schema)
	}
	return table.Validate()
}

func trackingDDL(table *model.TableSchema) []string {
	track := quoteIdent(trackingName(table))
	base := quoteIdent(table.Name)
	key := table.Key()

	defs := make([]string, 0, len(key)+5)
	for _, c := range key {
		defs = append(defs, quoteIdent(c.Name)+" "+storageType(c.Type)+" NOT NULL")
	}
	defs = append(defs,
		"_created INTEGER NOT NULL",
		"_ts INTEGER NOT NULL",
		"_tombstone INTEGER NOT NULL DEFAULT 0",
		"_writer TEXT",
		"PRIMARY KEY ("+columnList("", key)+")",
	)

	ensureRow := func(alias string) string {
		return fmt.Sprintf(`INSERT INTO %s (%s, _created, _ts, _tombstone, _writer) SELECT %s, 0, 0, 0, NULL WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s);`,
			track, columnList("", key), columnList(alias, key), track, keyMatch(table, "", alias))
	}
	keyChanged := make([]string, len(key))
	for i, c := range key {
		keyChanged[i] = fmt.Sprintf("OLD.%s IS NOT NEW.%s", quoteIdent(c.Name), quoteIdent(c.Name))
	}

	insertTrigger := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s
BEGIN
  %s;
  %s
  UPDATE %s SET _created = %s, _ts = %s, _tombstone = 0, _writer = %s WHERE %s;
END`, quoteIdent(triggerName(table, "ins")), base, bumpClock, ensureRow("NEW"),
		track, clockExpr, clockExpr, writerExpr, keyMatch(table, "", "NEW"))

	updateTrigger := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s
BEGIN
  %s;
  UPDATE %s SET _ts = %s, _tombstone = 1, _writer = %s WHERE %s AND (%s);
  %s
  UPDATE %s SET _created = CASE WHEN _tombstone = 1 OR _created = 0 THEN %s ELSE _created END,
    _ts = %s, _tombstone = 0, _writer = %s WHERE %s;
END`, quoteIdent(triggerName(table, "upd")), base, bumpClock,
		track, clockExpr, writerExpr, keyMatch(table, "", "OLD"), strings.Join(keyChanged, " OR "),
		ensureRow("NEW"),
		track, clockExpr, clockExpr, writerExpr, keyMatch(table, "", "NEW"))

	deleteTrigger := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s
BEGIN
  %s;
  %s
  UPDATE %s SET _created = CASE WHEN _created = 0 THEN %s ELSE _created END, _ts = %s, _tombstone = 1, _writer = %s WHERE %s;
END`, quoteIdent(triggerName(table, "del")), base, bumpClock, ensureRow("OLD"),
		track, clockExpr, clockExpr, writerExpr, keyMatch(table, "", "OLD"))

	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", track, strings.Join(defs, ",\n  ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (_ts)", quoteIdent(trackingName(table)+"_ts"), track),
		insertTrigger,
		updateTrigger,
		deleteTrigger,
	}
}
