package batch

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/roach88/rowsync/internal/model"
)

// Header is the self-describing preamble of a part.
type Header struct {
	Table      string               `json:"table"`
	Schema     string               `json:"schema,omitempty"`
	State      model.RowState       `json:"state"`
	Columns    []model.ColumnSchema `json:"columns"`
	PrimaryKey []string             `json:"primary_key"`
}

// HeaderFor builds the header for rows of table in the given state.
func HeaderFor(table *model.TableSchema, state model.RowState) Header {
	return Header{
		Table:      table.Name,
		Schema:     table.Schema,
		State:      state,
		Columns:    table.ColumnsFor(state),
		PrimaryKey: table.PrimaryKey,
	}
}

// Encoder writes rows of one part.
type Encoder interface {
	Encode(row model.Row) error

	// Close writes the trailer and flushes. It does not close the
	// underlying writer.
	Close() error
}

// Decoder reads rows of one part. Decode returns io.EOF after the trailer.
type Decoder interface {
	Header() Header
	Decode() (model.Row, error)
	Close() error
}

// Codec is a part file format.
type Codec interface {
	Name() string
	Ext() string
	NewEncoder(w io.Writer, h Header) (Encoder, error)
	NewDecoder(r io.Reader) (Decoder, error)
}

// Registry maps codec names to codecs. Construct one at startup and pass
// it to the components that read or write batches.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry returns a registry holding the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// DefaultRegistry returns a registry with the json and json+gzip codecs.
func DefaultRegistry() *Registry {
	return NewRegistry(JSONCodec{}, GzipCodec{})
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.codecs[c.Name()] = c
}

// Lookup returns the named codec.
func (r *Registry) Lookup(name string) (Codec, error) {
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown batch codec %q", name)
	}
	return c, nil
}

// Names returns the registered codec names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// JSONCodec writes one JSON document per line: the header object, one
// array per row, then {"end":N}.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Ext() string  { return ".jsonl" }

func (JSONCodec) NewEncoder(w io.Writer, h Header) (Encoder, error) {
	enc := &jsonEncoder{w: bufio.NewWriter(w), header: h}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if err := enc.writeLine(line); err != nil {
		return nil, err
	}
	return enc, nil
}

func (JSONCodec) NewDecoder(r io.Reader) (Decoder, error) {
	dec := &jsonDecoder{r: bufio.NewReader(r)}
	line, err := dec.readLine()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &dec.header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if !dec.header.State.Valid() || len(dec.header.Columns) == 0 {
		return nil, fmt.Errorf("invalid header for table %q", dec.header.Table)
	}
	return dec, nil
}

type jsonEncoder struct {
	w      *bufio.Writer
	header Header
	rows   int
}

func (e *jsonEncoder) writeLine(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

func (e *jsonEncoder) Encode(row model.Row) error {
	if len(row) != len(e.header.Columns) {
		return fmt.Errorf("row has %d values, header declares %d", len(row), len(e.header.Columns))
	}
	vals := make([]any, len(row))
	for i, c := range e.header.Columns {
		v, err := encodeValue(c.Type, row[i])
		if err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
		vals[i] = v
	}
	line, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	e.rows++
	return e.writeLine(line)
}

func (e *jsonEncoder) Close() error {
	if err := e.writeLine([]byte(fmt.Sprintf(`{"end":%d}`, e.rows))); err != nil {
		return err
	}
	return e.w.Flush()
}

type jsonDecoder struct {
	r      *bufio.Reader
	header Header
	rows   int
	done   bool
}

// readLine returns the next line without its newline. A final line with
// no newline is reported as io.ErrUnexpectedEOF.
func (d *jsonDecoder) readLine() ([]byte, error) {
	line, err := d.r.ReadBytes('\n')
	if err == io.EOF {
		if len(line) == 0 {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

func (d *jsonDecoder) Header() Header { return d.header }

func (d *jsonDecoder) Decode() (model.Row, error) {
	if d.done {
		return nil, io.EOF
	}
	line, err := d.readLine()
	if err == io.EOF {
		return nil, fmt.Errorf("part ended after %d rows without trailer: %w", d.rows, io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if len(line) > 0 && line[0] == '{' {
		var trailer struct {
			End *int `json:"end"`
		}
		if err := json.Unmarshal(line, &trailer); err != nil || trailer.End == nil {
			return nil, fmt.Errorf("malformed trailer")
		}
		if *trailer.End != d.rows {
			return nil, fmt.Errorf("trailer declares %d rows, read %d", *trailer.End, d.rows)
		}
		d.done = true
		return nil, io.EOF
	}

	jd := json.NewDecoder(bytes.NewReader(line))
	jd.UseNumber()
	var vals []any
	if err := jd.Decode(&vals); err != nil {
		return nil, fmt.Errorf("row %d: %w", d.rows+1, err)
	}
	if len(vals) != len(d.header.Columns) {
		return nil, fmt.Errorf("row %d has %d values, header declares %d", d.rows+1, len(vals), len(d.header.Columns))
	}
	row := make(model.Row, len(vals))
	for i, c := range d.header.Columns {
		v, err := decodeValue(c.Type, vals[i])
		if err != nil {
			return nil, fmt.Errorf("row %d column %s: %w", d.rows+1, c.Name, err)
		}
		row[i] = v
	}
	d.rows++
	return row, nil
}

func (d *jsonDecoder) Close() error { return nil }

// GzipCodec is JSONCodec behind gzip compression.
type GzipCodec struct{}

func (GzipCodec) Name() string { return "json+gzip" }
func (GzipCodec) Ext() string  { return ".jsonl.gz" }

func (GzipCodec) NewEncoder(w io.Writer, h Header) (Encoder, error) {
	gz := gzip.NewWriter(w)
	inner, err := JSONCodec{}.NewEncoder(gz, h)
	if err != nil {
		return nil, err
	}
	return &gzipEncoder{Encoder: inner, gz: gz}, nil
}

func (GzipCodec) NewDecoder(r io.Reader) (Decoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	inner, err := JSONCodec{}.NewDecoder(gz)
	if err != nil {
		gz.Close()
		return nil, err
	}
	return &gzipDecoder{Decoder: inner, gz: gz}, nil
}

type gzipEncoder struct {
	Encoder
	gz *gzip.Writer
}

func (e *gzipEncoder) Close() error {
	if err := e.Encoder.Close(); err != nil {
		return err
	}
	return e.gz.Close()
}

type gzipDecoder struct {
	Decoder
	gz *gzip.Reader
}

func (d *gzipDecoder) Close() error {
	return d.gz.Close()
}

// encodeValue maps a canonical value to its JSON form. Floats travel as
// shortest round-trip strings so NaN and infinities survive.
func encodeValue(t model.Type, v any) (any, error) {
	v, err := model.Normalize(t, v)
	if err != nil || v == nil {
		return nil, err
	}
	switch val := v.(type) {
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case *apd.Decimal:
		return val.String(), nil
	case bool:
		return val, nil
	case time.Time:
		return val.Format(model.DateTimeLayout), nil
	case uuid.UUID:
		return val.String(), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(val), nil
	case string:
		return val, nil
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

func decodeValue(t model.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case t.IsInteger():
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, err
		}
		return model.Normalize(t, i)
	case t == model.TypeFloat32 || t == model.TypeFloat64:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		bits := 64
		if t == model.TypeFloat32 {
			bits = 32
		}
		f, err := strconv.ParseFloat(s, bits)
		if err != nil {
			return nil, err
		}
		if t == model.TypeFloat32 {
			return float32(f), nil
		}
		return f, nil
	case t == model.TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		return b, nil
	case t == model.TypeBytes:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return base64.StdEncoding.DecodeString(s)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("want string, got %T", v)
	}
	return model.Normalize(t, s)
}
