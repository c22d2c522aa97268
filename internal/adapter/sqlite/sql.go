package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/roach88/rowsync/internal/model"
)

const (
	clockExpr  = `(SELECT value FROM _rs_clock WHERE id = 0)`
	writerExpr = `(SELECT writer FROM _rs_context LIMIT 1)`
	bumpClock  = `UPDATE _rs_clock SET value = value + 1 WHERE id = 0`
)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func trackingName(t *model.TableSchema) string { return "_rs_track_" + t.Name }

func triggerName(t *model.TableSchema, op string) string {
	return fmt.Sprintf("_rs_%s_%s", t.Name, op)
}

// keyMatch renders `left."a" = right."a" AND ...` over the primary key.
// An empty alias leaves the column unqualified.
func keyMatch(t *model.TableSchema, left, right string) string {
	parts := make([]string, len(t.PrimaryKey))
	for i, k := range t.PrimaryKey {
		parts[i] = qualify(left, k) + " = " + qualify(right, k)
	}
	return strings.Join(parts, " AND ")
}

func qualify(alias, col string) string {
	if alias == "" {
		return quoteIdent(col)
	}
	return alias + "." + quoteIdent(col)
}

func columnList(alias string, cols []model.ColumnSchema) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = qualify(alias, c.Name)
	}
	return strings.Join(parts, ", ")
}

func keyPlaceholders(t *model.TableSchema) string {
	parts := make([]string, len(t.PrimaryKey))
	for i, k := range t.PrimaryKey {
		parts[i] = quoteIdent(k) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

// storageType is the declared type of a key column in the tracking table.
func storageType(t model.Type) string {
	switch {
	case t.IsInteger(), t == model.TypeBool:
		return "INTEGER"
	case t == model.TypeFloat32, t == model.TypeFloat64:
		return "REAL"
	case t == model.TypeBytes:
		return "BLOB"
	}
	return "TEXT"
}

// toStorage converts a canonical value into the form bound to SQLite.
func toStorage(t model.Type, v any) (any, error) {
	v, err := model.Normalize(t, v)
	if err != nil || v == nil {
		return nil, err
	}
	switch val := v.(type) {
	case float32:
		return float64(val), nil
	case *apd.Decimal:
		return val.String(), nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return val.UTC().Format(model.DateTimeLayout), nil
	case uuid.UUID:
		return val.String(), nil
	}
	return v, nil
}

func storageArgs(cols []model.ColumnSchema, row model.Row) ([]any, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d values, want %d", len(row), len(cols))
	}
	args := make([]any, len(row))
	for i, c := range cols {
		v, err := toStorage(c.Type, row[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		args[i] = v
	}
	return args, nil
}

func scanTargets(n int) ([]any, []any) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	return vals, ptrs
}

func normalizeScanned(cols []model.ColumnSchema, vals []any) (model.Row, error) {
	row := make(model.Row, len(cols))
	for i, c := range cols {
		v, err := model.Normalize(c.Type, vals[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		row[i] = v
	}
	return row, nil
}
