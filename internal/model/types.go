package model

import (
	"fmt"
	"strings"
	"unicode"
)

// Type is the semantic type of a synchronized column.
type Type string

const (
	TypeInt8     Type = "int8"
	TypeInt16    Type = "int16"
	TypeInt32    Type = "int32"
	TypeInt64    Type = "int64"
	TypeUint8    Type = "uint8"
	TypeFloat32  Type = "float32"
	TypeFloat64  Type = "float64"
	TypeDecimal  Type = "decimal"
	TypeBool     Type = "bool"
	TypeDateTime Type = "datetime"
	TypeUUID     Type = "uuid"
	TypeBytes    Type = "bytes"
	TypeString   Type = "string"
)

// AllTypes lists every supported semantic type.
var AllTypes = []Type{
	TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeUint8,
	TypeFloat32, TypeFloat64, TypeDecimal, TypeBool,
	TypeDateTime, TypeUUID, TypeBytes, TypeString,
}

// Valid reports whether t is a known semantic type.
func (t Type) Valid() bool {
	for _, k := range AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

// IsInteger reports whether t belongs to the integer family.
func (t Type) IsInteger() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeUint8:
		return true
	}
	return false
}

// RowState is the state a row carries inside a change set.
type RowState string

const (
	// StateModified covers inserts and updates; the payload is the full row.
	StateModified RowState = "modified"

	// StateDeleted is a tombstone; the payload holds primary key values only.
	StateDeleted RowState = "deleted"
)

// Valid reports whether s is a known row state.
func (s RowState) Valid() bool {
	return s == StateModified || s == StateDeleted
}

// Row holds column values in the declared column order of its table.
type Row []any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// ColumnSchema describes one synchronized column.
type ColumnSchema struct {
	Name     string `json:"name" yaml:"name"`
	Type     Type   `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// Filter is a row-level predicate attached to a table's change selection.
//
// Where is a SQL boolean expression over the table's own columns. Params
// names the placeholders it references (written :name in Where); values are
// supplied per session.
type Filter struct {
	Where  string   `json:"where" yaml:"where"`
	Params []string `json:"params,omitempty" yaml:"params,omitempty"`
}

// TableSchema describes one synchronized table.
type TableSchema struct {
	Name       string         `json:"name" yaml:"name"`
	Schema     string         `json:"schema,omitempty" yaml:"schema,omitempty"`
	Columns    []ColumnSchema `json:"columns" yaml:"columns"`
	PrimaryKey []string       `json:"primary_key" yaml:"primary_key"`
	Filter     *Filter        `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// QualifiedName returns schema.name, or name when no schema is set.
func (t *TableSchema) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ColumnIndex returns the position of the named column, or -1.
func (t *TableSchema) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Key returns the primary key columns in primary key order.
func (t *TableSchema) Key() []ColumnSchema {
	out := make([]ColumnSchema, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		if i := t.ColumnIndex(name); i >= 0 {
			out = append(out, t.Columns[i])
		}
	}
	return out
}

// ColumnsFor returns the payload columns used for rows in the given state.
func (t *TableSchema) ColumnsFor(state RowState) []ColumnSchema {
	if state == StateDeleted {
		return t.Key()
	}
	return t.Columns
}

// KeyOf projects a full row onto its primary key values.
func (t *TableSchema) KeyOf(row Row) Row {
	out := make(Row, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		out = append(out, row[t.ColumnIndex(name)])
	}
	return out
}

// Validate checks column types and primary key references.
func (t *TableSchema) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s: column name is required", t.Name)
		}
		if strings.HasPrefix(c.Name, "_rs_") {
			return fmt.Errorf("table %s: column %s uses reserved prefix _rs_", t.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return fmt.Errorf("table %s: column %s: unknown type %q", t.Name, c.Name, c.Type)
		}
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: primary key is required", t.Name)
	}
	for _, k := range t.PrimaryKey {
		i := t.ColumnIndex(k)
		if i < 0 {
			return fmt.Errorf("table %s: primary key column %s not declared", t.Name, k)
		}
		if t.Columns[i].Nullable {
			return fmt.Errorf("table %s: primary key column %s must not be nullable", t.Name, k)
		}
	}
	if t.Filter != nil {
		if strings.TrimSpace(t.Filter.Where) == "" {
			return fmt.Errorf("table %s: filter has empty predicate", t.Name)
		}
		for _, p := range t.Filter.Params {
			if err := validParamName(p); err != nil {
				return fmt.Errorf("table %s: filter parameter %q: %w", t.Name, p, err)
			}
		}
	}
	return nil
}

// reservedParams are bound by the store adapters next to filter parameters.
var reservedParams = map[string]bool{"rsfrom": true, "rsexclude": true}

// validParamName accepts names database/sql can bind as named arguments.
func validParamName(p string) error {
	if p == "" {
		return fmt.Errorf("empty name")
	}
	for i, r := range p {
		letter := unicode.IsLetter(r)
		if i == 0 && !letter {
			return fmt.Errorf("name must begin with a letter")
		}
		if !letter && !unicode.IsDigit(r) && r != '_' {
			return fmt.Errorf("invalid character %q", r)
		}
	}
	if reservedParams[p] {
		return fmt.Errorf("name is reserved")
	}
	return nil
}

// Setup is the set of synchronized tables, listed in foreign-key dependency
// order (parents before children).
type Setup struct {
	Tables []TableSchema `json:"tables" yaml:"tables"`
}

// Table looks a table up by name.
func (s *Setup) Table(name string) (*TableSchema, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Validate checks every table and rejects duplicates.
func (s *Setup) Validate() error {
	if len(s.Tables) == 0 {
		return fmt.Errorf("setup declares no tables")
	}
	seen := make(map[string]bool, len(s.Tables))
	for i := range s.Tables {
		t := &s.Tables[i]
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.QualifiedName()] {
			return fmt.Errorf("duplicate table %s", t.QualifiedName())
		}
		seen[t.QualifiedName()] = true
	}
	return nil
}

// FilterParams returns the union of parameter names referenced by filters.
func (s *Setup) FilterParams() []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range s.Tables {
		if t.Filter == nil {
			continue
		}
		for _, p := range t.Filter.Params {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// ChangeRecord is the tracking metadata kept for one row.
type ChangeRecord struct {
	Key       Row
	Timestamp int64
	Created   int64
	Tombstone bool

	// Writer is the peer id whose applied change produced this record.
	// Empty for changes made locally by the application.
	Writer string
}

// RowTransform rewrites a row on its way into or out of a change set.
// Returning a nil row drops it.
type RowTransform func(table *TableSchema, state RowState, row Row) (Row, error)
