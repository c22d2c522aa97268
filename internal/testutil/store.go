// Package testutil holds fixtures shared by the sync package tests: a
// two-table setup, store constructors and helpers to inspect table
// contents.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
)

// SchemaDDL creates the fixture tables. orders references customers so
// foreign key ordering is exercised.
const SchemaDDL = `
CREATE TABLE customers (
	id      INTEGER PRIMARY KEY,
	name    TEXT,
	region  TEXT NOT NULL DEFAULT 'eu',
	balance TEXT,
	joined  TEXT
);
CREATE TABLE orders (
	id          INTEGER PRIMARY KEY,
	customer_id INTEGER NOT NULL REFERENCES customers(id),
	amount      REAL,
	paid        INTEGER NOT NULL DEFAULT 0,
	ref         TEXT,
	note        BLOB
);`

// Setup returns the fixture setup: customers then orders.
func Setup() *model.Setup {
	return &model.Setup{Tables: []model.TableSchema{
		{
			Name: "customers",
			Columns: []model.ColumnSchema{
				{Name: "id", Type: model.TypeInt64},
				{Name: "name", Type: model.TypeString, Nullable: true},
				{Name: "region", Type: model.TypeString},
				{Name: "balance", Type: model.TypeDecimal, Nullable: true},
				{Name: "joined", Type: model.TypeDateTime, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: "orders",
			Columns: []model.ColumnSchema{
				{Name: "id", Type: model.TypeInt64},
				{Name: "customer_id", Type: model.TypeInt64},
				{Name: "amount", Type: model.TypeFloat64, Nullable: true},
				{Name: "paid", Type: model.TypeBool},
				{Name: "ref", Type: model.TypeUUID, Nullable: true},
				{Name: "note", Type: model.TypeBytes, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
	}}
}

// FilteredSetup is Setup with both tables partitioned by customer region.
func FilteredSetup() *model.Setup {
	s := Setup()
	s.Tables[0].Filter = &model.Filter{Where: "region = :region", Params: []string{"region"}}
	s.Tables[1].Filter = &model.Filter{
		Where:  "customer_id IN (SELECT id FROM customers WHERE region = :region)",
		Params: []string{"region"},
	}
	return s
}

// OpenStore opens a fresh database named name under t.TempDir() with the
// fixture tables created but not yet provisioned.
func OpenStore(t *testing.T, name string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), name+".db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.DB().Exec(SchemaDDL)
	require.NoError(t, err)
	return s
}

// ProvisionedStore is OpenStore followed by tracking every fixture table.
func ProvisionedStore(t *testing.T, name string, setup *model.Setup) *sqlite.Store {
	t.Helper()
	s := OpenStore(t, name)
	for i := range setup.Tables {
		require.NoError(t, s.EnsureTracking(context.Background(), &setup.Tables[i]))
	}
	return s
}

// BatchStore returns a batch store rooted in a temp dir.
func BatchStore(t *testing.T, policy batch.Policy) *batch.Store {
	t.Helper()
	bs, err := batch.NewStore(t.TempDir(), batch.DefaultRegistry(), "", policy)
	require.NoError(t, err)
	return bs
}

// Exec runs statements against s.
func Exec(t *testing.T, s *sqlite.Store, query string, args ...any) {
	t.Helper()
	_, err := s.DB().Exec(query, args...)
	require.NoError(t, err)
}

// Clock returns the store's current logical timestamp.
func Clock(t *testing.T, s *sqlite.Store) int64 {
	t.Helper()
	ts, err := s.CurrentTimestamp(context.Background())
	require.NoError(t, err)
	return ts
}

// Dump returns the rows of table ordered by primary key, normalized to
// their canonical Go values.
func Dump(t *testing.T, s *sqlite.Store, table *model.TableSchema) []model.Row {
	t.Helper()
	names := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		names[i] = `"` + c.Name + `"`
	}
	query := fmt.Sprintf(`SELECT %s FROM "%s" ORDER BY %s`,
		strings.Join(names, ", "), table.Name, strings.Join(table.PrimaryKey, ", "))
	rows, err := s.DB().Query(query)
	require.NoError(t, err)
	defer rows.Close()

	out := []model.Row{}
	for rows.Next() {
		vals := make([]any, len(table.Columns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		row, err := model.NormalizeRow(table.Columns, vals)
		require.NoError(t, err)
		out = append(out, row)
	}
	require.NoError(t, rows.Err())
	return out
}

// Names returns the name column of every customer keyed by id. A NULL
// name appears as "".
func Names(t *testing.T, s *sqlite.Store) map[int64]string {
	t.Helper()
	rows, err := s.DB().Query(`SELECT id, COALESCE(name, '') FROM customers ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		out[id] = name
	}
	require.NoError(t, rows.Err())
	return out
}
