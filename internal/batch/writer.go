package batch

import (
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/roach88/rowsync/internal/model"
)

// Policy bounds the size of a single part. Zero values disable a limit.
type Policy struct {
	MaxRows  int
	MaxBytes int64
}

// DefaultPolicy returns the default part size limits.
func DefaultPolicy() Policy {
	return Policy{MaxRows: 1000, MaxBytes: 4 << 20}
}

// Writer appends rows to a batch, rotating parts as needed. Rows for a
// table and state are expected to arrive contiguously; a change of table
// or state closes the current part.
type Writer struct {
	info   *Info
	codec  Codec
	policy Policy

	cur      *openPart
	ordinals map[string]int
}

type openPart struct {
	part  PartInfo
	file  *os.File
	count *countingWriter
	enc   Encoder
}

// NewWriter returns a writer appending to info using its codec.
func NewWriter(info *Info, reg *Registry, policy Policy) (*Writer, error) {
	codec, err := reg.Lookup(info.Codec)
	if err != nil {
		return nil, err
	}
	return &Writer{info: info, codec: codec, policy: policy, ordinals: map[string]int{}}, nil
}

// Write appends row to the part for table and state.
func (w *Writer) Write(table *model.TableSchema, state model.RowState, row model.Row) error {
	if w.cur != nil && (w.cur.part.Table != table.Name || w.cur.part.State != state || w.full()) {
		if err := w.finish(); err != nil {
			return err
		}
	}
	if w.cur == nil {
		if err := w.open(table, state); err != nil {
			return err
		}
	}
	if err := w.cur.enc.Encode(row); err != nil {
		return fmt.Errorf("write %s row: %w", table.Name, err)
	}
	w.cur.part.Rows++
	return nil
}

// Close finishes the open part and saves the manifest.
func (w *Writer) Close() error {
	if w.cur != nil {
		if err := w.finish(); err != nil {
			return err
		}
	}
	return w.info.Save()
}

// Abort closes the open part without recording it.
func (w *Writer) Abort() {
	if w.cur != nil {
		w.cur.file.Close()
		os.Remove(w.info.partPath(w.cur.part))
		w.cur = nil
	}
}

func (w *Writer) full() bool {
	if w.policy.MaxRows > 0 && w.cur.part.Rows >= w.policy.MaxRows {
		return true
	}
	return w.policy.MaxBytes > 0 && w.cur.count.n >= w.policy.MaxBytes
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (w *Writer) open(table *model.TableSchema, state model.RowState) error {
	key := table.QualifiedName() + "|" + string(state)
	ordinal := w.ordinals[key]
	w.ordinals[key] = ordinal + 1

	part := PartInfo{
		Table:   table.Name,
		Schema:  table.Schema,
		State:   state,
		Ordinal: ordinal,
		File: fmt.Sprintf("%04d_%s_%s_%04d%s", len(w.info.Parts),
			unsafeName.ReplaceAllString(table.QualifiedName(), "_"), state, ordinal, w.codec.Ext()),
	}
	f, err := os.OpenFile(w.info.partPath(part), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	cw := &countingWriter{w: f}
	enc, err := w.codec.NewEncoder(cw, HeaderFor(table, state))
	if err != nil {
		f.Close()
		return fmt.Errorf("start part: %w", err)
	}
	w.cur = &openPart{part: part, file: f, count: cw, enc: enc}
	return nil
}

func (w *Writer) finish() error {
	cur := w.cur
	w.cur = nil
	if err := cur.enc.Close(); err != nil {
		cur.file.Close()
		return fmt.Errorf("finish part %s: %w", cur.part.File, err)
	}
	if err := cur.file.Close(); err != nil {
		return fmt.Errorf("close part %s: %w", cur.part.File, err)
	}
	w.info.Parts = append(w.info.Parts, cur.part)
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
