package batch

import (
	"errors"
	"io"
	"os"

	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/syncerr"
)

// PartReader streams the rows of one part.
type PartReader struct {
	part PartInfo
	file *os.File
	dec  Decoder
	rows int
}

// OpenPart opens a part for reading. A missing file or unreadable header
// is reported as BATCH_CORRUPTION.
func OpenPart(info *Info, reg *Registry, p PartInfo) (*PartReader, error) {
	codec, err := reg.Lookup(info.Codec)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeBatchCorruption, err, "part %s", p.File).InTable(p.Table)
	}
	f, err := os.Open(info.partPath(p))
	if err != nil {
		msg := "open part %s"
		if isMissing(err) {
			msg = "part %s is missing"
		}
		return nil, syncerr.Wrap(syncerr.CodeBatchCorruption, err, msg, p.File).InTable(p.Table)
	}
	dec, err := codec.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, syncerr.Wrap(syncerr.CodeBatchCorruption, err, "part %s", p.File).InTable(p.Table)
	}
	h := dec.Header()
	if h.Table != p.Table || h.State != p.State {
		dec.Close()
		f.Close()
		return nil, syncerr.New(syncerr.CodeBatchCorruption,
			"part %s header is %s/%s, manifest says %s/%s", p.File, h.Table, h.State, p.Table, p.State).InTable(p.Table)
	}
	return &PartReader{part: p, file: f, dec: dec}, nil
}

// Header returns the part's embedded header.
func (r *PartReader) Header() Header { return r.dec.Header() }

// Schema rebuilds a table schema from the header alone.
func (r *PartReader) Schema() *model.TableSchema {
	h := r.dec.Header()
	return &model.TableSchema{Name: h.Table, Schema: h.Schema, Columns: h.Columns, PrimaryKey: h.PrimaryKey}
}

// Next returns the next row, or io.EOF once every row has been read.
func (r *PartReader) Next() (model.Row, error) {
	row, err := r.dec.Decode()
	if errors.Is(err, io.EOF) {
		if r.rows != r.part.Rows {
			return nil, syncerr.New(syncerr.CodeBatchCorruption,
				"part %s holds %d rows, manifest says %d", r.part.File, r.rows, r.part.Rows).InTable(r.part.Table)
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeBatchCorruption, err, "read part %s", r.part.File).InTable(r.part.Table)
	}
	r.rows++
	return row, nil
}

// Close releases the part file.
func (r *PartReader) Close() error {
	derr := r.dec.Close()
	ferr := r.file.Close()
	if derr != nil {
		return derr
	}
	return ferr
}
