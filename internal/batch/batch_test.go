package batch

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/syncerr"
)

func allTypesTable() *model.TableSchema {
	cols := []model.ColumnSchema{{Name: "id", Type: model.TypeInt64}}
	for _, typ := range model.AllTypes {
		cols = append(cols, model.ColumnSchema{Name: "c_" + string(typ), Type: typ, Nullable: true})
	}
	return &model.TableSchema{Name: "everything", Schema: "main", Columns: cols, PrimaryKey: []string{"id"}}
}

func allTypesRow(t *testing.T, id int64) model.Row {
	t.Helper()
	dec, _, err := apd.NewFromString("-123456789012345678901234567890.000100")
	require.NoError(t, err)
	return model.Row{
		id,
		int64(math.MinInt8),
		int64(math.MaxInt16),
		int64(math.MinInt32),
		int64(math.MaxInt64),
		int64(255),
		float32(3.1415927),
		0.1 + 0.2,
		dec,
		true,
		time.Date(2023, 12, 31, 23, 59, 59, 999999999, time.UTC),
		uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		[]byte{0x00, 0xff, 0x10, '\n'},
		"multi\nline \"quoted\" <html> ☃",
	}
}

func nullRow(id int64) model.Row {
	row := make(model.Row, len(model.AllTypes)+1)
	row[0] = id
	return row
}

func newTestStore(t *testing.T, codec string, policy Policy) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), DefaultRegistry(), codec, policy)
	require.NoError(t, err)
	return s
}

func readAll(t *testing.T, s *Store, info *Info, p PartInfo) []model.Row {
	t.Helper()
	r, err := s.Open(info, p)
	require.NoError(t, err)
	defer r.Close()
	var rows []model.Row
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestRoundTrip_AllSemanticTypes(t *testing.T) {
	for _, codec := range []string{"json", "json+gzip"} {
		t.Run(codec, func(t *testing.T) {
			s := newTestStore(t, codec, DefaultPolicy())
			table := allTypesTable()

			info, err := s.Create("session-1", DirectionUpload)
			require.NoError(t, err)
			w, err := s.NewWriter(info)
			require.NoError(t, err)
			want := []model.Row{allTypesRow(t, 1), nullRow(2)}
			for _, row := range want {
				require.NoError(t, w.Write(table, model.StateModified, row))
			}
			require.NoError(t, w.Close())

			loaded, err := Load(info.Dir())
			require.NoError(t, err)
			parts := loaded.PartsFor("everything", model.StateModified)
			require.Len(t, parts, 1)
			assert.Equal(t, 2, loaded.RowCount())

			got := readAll(t, s, loaded, parts[0])
			require.Len(t, got, len(want))
			for i := range want {
				for c, col := range table.Columns {
					assert.True(t, model.Equal(col.Type, want[i][c], got[i][c]),
						"row %d column %s: got %#v (%T) want %#v (%T)", i, col.Name, got[i][c], got[i][c], want[i][c], want[i][c])
				}
			}
		})
	}
}

func TestRoundTrip_SpecialFloats(t *testing.T) {
	s := newTestStore(t, "json", DefaultPolicy())
	table := &model.TableSchema{
		Name:       "floats",
		Columns:    []model.ColumnSchema{{Name: "id", Type: model.TypeInt64}, {Name: "f", Type: model.TypeFloat64}},
		PrimaryKey: []string{"id"},
	}
	info, err := s.Create("s", DirectionDownload)
	require.NoError(t, err)
	w, err := s.NewWriter(info)
	require.NoError(t, err)
	values := []float64{math.Inf(1), math.Inf(-1), math.NaN(), math.SmallestNonzeroFloat64, -0.0}
	for i, v := range values {
		require.NoError(t, w.Write(table, model.StateModified, model.Row{int64(i), v}))
	}
	require.NoError(t, w.Close())

	got := readAll(t, s, info, info.Parts[0])
	require.Len(t, got, len(values))
	for i, v := range values {
		assert.True(t, model.Equal(model.TypeFloat64, v, got[i][1]), "value %d", i)
	}
}

func TestWriter_RotatesOnRowLimit(t *testing.T) {
	s := newTestStore(t, "json", Policy{MaxRows: 2})
	table := allTypesTable()
	info, err := s.Create("s", DirectionUpload)
	require.NoError(t, err)
	w, err := s.NewWriter(info)
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, w.Write(table, model.StateModified, nullRow(i)))
	}
	for i := int64(6); i <= 7; i++ {
		require.NoError(t, w.Write(table, model.StateDeleted, model.Row{i}))
	}
	require.NoError(t, w.Close())

	modified := info.PartsFor("everything", model.StateModified)
	require.Len(t, modified, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{modified[0].Rows, modified[1].Rows, modified[2].Rows})
	for i, p := range modified {
		assert.Equal(t, i, p.Ordinal)
	}

	deleted := info.PartsFor("everything", model.StateDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, 0, deleted[0].Ordinal)
	assert.Equal(t, 7, info.RowCount())
	assert.Equal(t, 5, info.TableRowCount("everything", model.StateModified))

	var ids []int64
	for _, p := range modified {
		for _, row := range readAll(t, s, info, p) {
			ids = append(ids, row[0].(int64))
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)

	r, err := s.Open(info, deleted[0])
	require.NoError(t, err)
	defer r.Close()
	schema := r.Schema()
	assert.Equal(t, []string{"id"}, schema.PrimaryKey)
	require.Len(t, schema.Columns, 1, "delete parts carry key columns only")
}

func TestWriter_RotatesOnByteLimit(t *testing.T) {
	s := newTestStore(t, "json", Policy{MaxBytes: 1})
	table := allTypesTable()
	info, err := s.Create("s", DirectionUpload)
	require.NoError(t, err)
	w, err := s.NewWriter(info)
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.Write(table, model.StateModified, nullRow(i)))
	}
	require.NoError(t, w.Close())

	parts := info.PartsFor("everything", model.StateModified)
	require.NotEmpty(t, parts)
	assert.Equal(t, 3, info.RowCount())
}

func TestPartReader_TruncatedPart(t *testing.T) {
	for _, codec := range []string{"json", "json+gzip"} {
		t.Run(codec, func(t *testing.T) {
			s := newTestStore(t, codec, DefaultPolicy())
			table := allTypesTable()
			info, err := s.Create("s", DirectionUpload)
			require.NoError(t, err)
			w, err := s.NewWriter(info)
			require.NoError(t, err)
			for i := int64(1); i <= 50; i++ {
				require.NoError(t, w.Write(table, model.StateModified, allTypesRow(t, i)))
			}
			require.NoError(t, w.Close())

			path := filepath.Join(info.Dir(), info.Parts[0].File)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, data[:len(data)*2/3], 0o640))

			r, err := s.Open(info, info.Parts[0])
			if err == nil {
				for err == nil {
					_, err = r.Next()
				}
				r.Close()
			}
			require.NotEqual(t, io.EOF, err)
			assert.True(t, syncerr.IsBatchCorruption(err), "got %v", err)
		})
	}
}

func TestPartReader_MissingPart(t *testing.T) {
	s := newTestStore(t, "json", DefaultPolicy())
	info, err := s.Create("s", DirectionUpload)
	require.NoError(t, err)
	w, err := s.NewWriter(info)
	require.NoError(t, err)
	require.NoError(t, w.Write(allTypesTable(), model.StateDeleted, model.Row{int64(1)}))
	require.NoError(t, w.Close())

	require.NoError(t, os.Remove(filepath.Join(info.Dir(), info.Parts[0].File)))
	_, err = s.Open(info, info.Parts[0])
	require.Error(t, err)
	assert.True(t, syncerr.IsBatchCorruption(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestPartReader_ManifestRowCountMismatch(t *testing.T) {
	s := newTestStore(t, "json", DefaultPolicy())
	info, err := s.Create("s", DirectionUpload)
	require.NoError(t, err)
	w, err := s.NewWriter(info)
	require.NoError(t, err)
	require.NoError(t, w.Write(allTypesTable(), model.StateDeleted, model.Row{int64(1)}))
	require.NoError(t, w.Close())

	p := info.Parts[0]
	p.Rows = 3
	r, err := s.Open(info, p)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.True(t, syncerr.IsBatchCorruption(err))
}

func TestInfo_ImportAndRemove(t *testing.T) {
	src := newTestStore(t, "json+gzip", DefaultPolicy())
	dst := newTestStore(t, "json", DefaultPolicy())
	table := allTypesTable()

	info, err := src.Create("s", DirectionUpload)
	require.NoError(t, err)
	w, err := src.NewWriter(info)
	require.NoError(t, err)
	require.NoError(t, w.Write(table, model.StateModified, allTypesRow(t, 9)))
	require.NoError(t, w.Close())

	in, err := dst.CreateWithCodec("s", DirectionUpload, info.Codec)
	require.NoError(t, err)
	raw, err := info.OpenRaw(info.Parts[0])
	require.NoError(t, err)
	require.NoError(t, in.Import(info.Parts[0], raw))
	raw.Close()

	reloaded, err := Load(in.Dir())
	require.NoError(t, err)
	rows := readAll(t, dst, reloaded, reloaded.Parts[0])
	require.Len(t, rows, 1)
	assert.Equal(t, int64(9), rows[0][0])

	assert.Error(t, in.Import(PartInfo{File: "../escape", State: model.StateModified}, bytes.NewReader(nil)))

	require.NoError(t, dst.RemoveSession("s"))
	_, err = os.Stat(in.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestJSONPartFormat(t *testing.T) {
	s := newTestStore(t, "json", DefaultPolicy())
	table := &model.TableSchema{
		Name: "customers",
		Columns: []model.ColumnSchema{
			{Name: "id", Type: model.TypeInt64},
			{Name: "name", Type: model.TypeString, Nullable: true},
			{Name: "balance", Type: model.TypeDecimal, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
	info, err := s.Create("golden", DirectionUpload)
	require.NoError(t, err)
	w, err := s.NewWriter(info)
	require.NoError(t, err)
	require.NoError(t, w.Write(table, model.StateModified, model.Row{int64(1), "Ada", "12.50"}))
	require.NoError(t, w.Write(table, model.StateModified, model.Row{int64(2), nil, nil}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(info.Dir(), info.Parts[0].File))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "customers_modified_part", data)
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"json", "json+gzip"}, reg.Names())
	_, err := reg.Lookup("msgpack")
	assert.ErrorContains(t, err, "unknown batch codec")

	_, err = NewStore(t.TempDir(), reg, "msgpack", DefaultPolicy())
	assert.Error(t, err)
}
