package model

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// Normalize converts v into the canonical Go representation of t.
//
// It accepts the shapes produced by database/sql drivers (int64, float64,
// []byte, string, time.Time) as well as the canonical shapes themselves.
func Normalize(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case t.IsInteger():
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if err := checkRange(t, n); err != nil {
			return nil, err
		}
		return n, nil
	case t == TypeFloat32:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case t == TypeFloat64:
		return toFloat64(v)
	case t == TypeDecimal:
		return toDecimal(v)
	case t == TypeBool:
		return toBool(v)
	case t == TypeDateTime:
		return toTime(v)
	case t == TypeUUID:
		return toUUID(v)
	case t == TypeBytes:
		switch val := v.(type) {
		case []byte:
			return bytes.Clone(val), nil
		case string:
			return []byte(val), nil
		}
	case t == TypeString:
		switch val := v.(type) {
		case string:
			return val, nil
		case []byte:
			return string(val), nil
		}
	default:
		return nil, fmt.Errorf("unknown type %q", t)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

// NormalizeRow normalizes every value of row against cols.
func NormalizeRow(cols []ColumnSchema, row Row) (Row, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d values, want %d", len(row), len(cols))
	}
	out := make(Row, len(row))
	for i, c := range cols {
		v, err := Normalize(c.Type, row[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		if v == nil && !c.Nullable {
			return nil, fmt.Errorf("column %s: null in non-nullable column", c.Name)
		}
		out[i] = v
	}
	return out, nil
}

// Equal reports whether two canonical values of type t are identical.
func Equal(t Type, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch t {
	case TypeDecimal:
		da, ok1 := a.(*apd.Decimal)
		db, ok2 := b.(*apd.Decimal)
		return ok1 && ok2 && da.Cmp(db) == 0 && da.Exponent == db.Exponent
	case TypeDateTime:
		ta, ok1 := a.(time.Time)
		tb, ok2 := b.(time.Time)
		return ok1 && ok2 && ta.Equal(tb)
	case TypeBytes:
		ba, ok1 := a.([]byte)
		bb, ok2 := b.([]byte)
		return ok1 && ok2 && bytes.Equal(ba, bb)
	case TypeFloat64:
		fa, ok1 := a.(float64)
		fb, ok2 := b.(float64)
		return ok1 && ok2 && (fa == fb || (math.IsNaN(fa) && math.IsNaN(fb)))
	case TypeFloat32:
		fa, ok1 := a.(float32)
		fb, ok2 := b.(float32)
		return ok1 && ok2 && (fa == fb || (fa != fa && fb != fb))
	}
	return a == b
}

// RowsEqual compares two rows column by column.
func RowsEqual(cols []ColumnSchema, a, b Row) bool {
	if len(a) != len(cols) || len(b) != len(cols) {
		return false
	}
	for i, c := range cols {
		if !Equal(c.Type, a[i], b[i]) {
			return false
		}
	}
	return true
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("non-integral value %v", val)
		}
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case []byte:
		return strconv.ParseInt(string(val), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func checkRange(t Type, n int64) error {
	var lo, hi int64
	switch t {
	case TypeInt8:
		lo, hi = math.MinInt8, math.MaxInt8
	case TypeInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case TypeInt32:
		lo, hi = math.MinInt32, math.MaxInt32
	case TypeUint8:
		lo, hi = 0, math.MaxUint8
	default:
		return nil
	}
	if n < lo || n > hi {
		return fmt.Errorf("value %d out of range for %s", n, t)
	}
	return nil
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	case []byte:
		return strconv.ParseFloat(string(val), 64)
	}
	return 0, fmt.Errorf("cannot convert %T to float", v)
}

func toDecimal(v any) (*apd.Decimal, error) {
	switch val := v.(type) {
	case *apd.Decimal:
		d := new(apd.Decimal)
		d.Set(val)
		return d, nil
	case apd.Decimal:
		d := new(apd.Decimal)
		d.Set(&val)
		return d, nil
	case string:
		d, _, err := apd.NewFromString(val)
		return d, err
	case []byte:
		d, _, err := apd.NewFromString(string(val))
		return d, err
	case int64:
		return apd.New(val, 0), nil
	case int:
		return apd.New(int64(val), 0), nil
	case float64:
		d, _, err := apd.NewFromString(strconv.FormatFloat(val, 'f', -1, 64))
		return d, err
	}
	return nil, fmt.Errorf("cannot convert %T to decimal", v)
}

func toBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int64:
		return val != 0, nil
	case int:
		return val != 0, nil
	case string:
		return strconv.ParseBool(val)
	}
	return false, fmt.Errorf("cannot convert %T to bool", v)
}

// DateTimeLayout is the text form used for datetime values at rest.
const DateTimeLayout = time.RFC3339Nano

func toTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		return parseTime(val)
	case []byte:
		return parseTime(string(val))
	case int64:
		return time.Unix(val, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to datetime", v)
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{DateTimeLayout, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

func toUUID(v any) (uuid.UUID, error) {
	switch val := v.(type) {
	case uuid.UUID:
		return val, nil
	case string:
		return uuid.Parse(val)
	case []byte:
		if len(val) == 16 {
			return uuid.FromBytes(val)
		}
		return uuid.ParseBytes(val)
	}
	return uuid.Nil, fmt.Errorf("cannot convert %T to uuid", v)
}
