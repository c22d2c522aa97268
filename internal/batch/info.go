package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/syncerr"
)

// ManifestName is the file name of a batch directory's manifest.
const ManifestName = "batchinfo.json"

// PartInfo describes one part file.
type PartInfo struct {
	Table   string         `json:"table"`
	Schema  string         `json:"schema,omitempty"`
	State   model.RowState `json:"state"`
	Ordinal int            `json:"ordinal"`
	Rows    int            `json:"rows"`
	File    string         `json:"file"`
}

// Info is a batch directory: an ordered list of parts sharing one codec.
type Info struct {
	dir string

	Codec string     `json:"codec"`
	Parts []PartInfo `json:"parts"`
}

// NewInfo creates an empty batch at dir, discarding any previous content.
func NewInfo(dir, codec string) (*Info, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("reset batch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	return &Info{dir: dir, Codec: codec, Parts: []PartInfo{}}, nil
}

// Load reads the manifest of the batch at dir.
func Load(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeBatchCorruption, err, "read batch manifest")
	}
	info := &Info{dir: dir}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeBatchCorruption, err, "decode batch manifest")
	}
	if info.Parts == nil {
		info.Parts = []PartInfo{}
	}
	return info, nil
}

// Dir returns the batch directory.
func (i *Info) Dir() string { return i.dir }

// Save writes the manifest.
func (i *Info) Save() error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("encode batch manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(i.dir, ManifestName), data, 0o640); err != nil {
		return fmt.Errorf("write batch manifest: %w", err)
	}
	return nil
}

// PartsFor returns the parts for table and state in ordinal order.
func (i *Info) PartsFor(table string, state model.RowState) []PartInfo {
	var out []PartInfo
	for _, p := range i.Parts {
		if p.Table == table && p.State == state {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Ordinal < out[b].Ordinal })
	return out
}

// RowCount returns the total number of rows recorded in the manifest.
func (i *Info) RowCount() int {
	n := 0
	for _, p := range i.Parts {
		n += p.Rows
	}
	return n
}

// TableRowCount returns the rows recorded for one table and state.
func (i *Info) TableRowCount(table string, state model.RowState) int {
	n := 0
	for _, p := range i.Parts {
		if p.Table == table && p.State == state {
			n += p.Rows
		}
	}
	return n
}

// Remove deletes the batch directory and everything in it.
func (i *Info) Remove() error {
	if i == nil || i.dir == "" {
		return nil
	}
	return os.RemoveAll(i.dir)
}

// OpenRaw opens the part file for byte-level transfer.
func (i *Info) OpenRaw(p PartInfo) (io.ReadCloser, error) {
	f, err := os.Open(i.partPath(p))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeBatchCorruption, err, "open part %s", p.File).InTable(p.Table)
	}
	return f, nil
}

// Import copies a part received from a peer into this batch and records
// it in the manifest.
func (i *Info) Import(p PartInfo, r io.Reader) error {
	if p.File == "" || filepath.Base(p.File) != p.File {
		return fmt.Errorf("invalid part file name %q", p.File)
	}
	if !p.State.Valid() {
		return fmt.Errorf("invalid part state %q", p.State)
	}
	f, err := os.OpenFile(i.partPath(p), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create part %s: %w", p.File, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write part %s: %w", p.File, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close part %s: %w", p.File, err)
	}
	i.Parts = append(i.Parts, p)
	return i.Save()
}

func (i *Info) partPath(p PartInfo) string {
	return filepath.Join(i.dir, p.File)
}

// isMissing reports whether err means the part file is gone.
func isMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
