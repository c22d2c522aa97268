package orchestrator

import (
	"time"

	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/selector"
)

// Mode selects how a client session treats its local sync state.
type Mode string

const (
	// ModeIncremental exchanges the changes since the last session.
	ModeIncremental Mode = "incremental"

	// ModeReinitialize discards local rows and sync state and downloads
	// everything. Local changes are not uploaded.
	ModeReinitialize Mode = "reinitialize"

	// ModeReinitializeWithUpload uploads pending local changes first, then
	// reinitializes.
	ModeReinitializeWithUpload Mode = "reinitialize-with-upload"

	// ModeAbort is returned by an OutdatedHandler to give up.
	ModeAbort Mode = "abort"
)

// Totals are the running statistics of a session.
type Totals struct {
	Uploaded   int `json:"uploaded"`
	Downloaded int `json:"downloaded"`
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
	Resolved   int `json:"resolved"`
}

func (t *Totals) addApply(s apply.Stats) {
	t.Applied += s.Applied
	t.Failed += s.Failed
	t.Conflicts += s.Conflicts
	t.Resolved += s.Resolved
}

// TableStats break the totals down for one table.
type TableStats struct {
	Uploaded   selector.Counts `json:"uploaded"`
	Downloaded selector.Counts `json:"downloaded"`

	// RemoteApply is the outcome of applying uploaded rows on the server,
	// LocalApply that of applying downloaded rows here.
	RemoteApply apply.Stats `json:"remote_apply"`
	LocalApply  apply.Stats `json:"local_apply"`
}

// Result is returned by every session, failed or not. On failure it holds
// the statistics of the work committed before the failing stage.
type Result struct {
	SessionID string        `json:"session_id"`
	Scope     string        `json:"scope"`
	Mode      Mode          `json:"mode"`
	Stage     Stage         `json:"stage"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`

	Totals
	Tables map[string]*TableStats `json:"tables"`
}

func newResult(id, scope string, started time.Time) *Result {
	return &Result{
		SessionID: id,
		Scope:     scope,
		Mode:      ModeIncremental,
		Stage:     StageCreated,
		Started:   started,
		Tables:    map[string]*TableStats{},
	}
}

func (r *Result) table(name string) *TableStats {
	ts, ok := r.Tables[name]
	if !ok {
		ts = &TableStats{}
		r.Tables[name] = ts
	}
	return ts
}

func (r *Result) addUpload(sel selector.Result) {
	for name, c := range sel.Tables {
		if c.Total() == 0 {
			continue
		}
		r.table(name).Uploaded = c
		r.Uploaded += c.Total()
	}
}

func (r *Result) addDownload(counts map[string]selector.Counts) {
	for name, c := range counts {
		if c.Total() == 0 {
			continue
		}
		r.table(name).Downloaded = c
		r.Downloaded += c.Total()
	}
}

func (r *Result) addRemoteApply(tables map[string]apply.Stats) {
	for name, s := range tables {
		r.table(name).RemoteApply = s
		r.addApply(s)
	}
}

// addLocalStep accumulates one committed local table step.
func (r *Result) addLocalStep(table string, s apply.Stats) {
	ts := r.table(table)
	ts.LocalApply.Applied += s.Applied
	ts.LocalApply.Failed += s.Failed
	ts.LocalApply.Conflicts += s.Conflicts
	ts.LocalApply.Resolved += s.Resolved
	r.addApply(s)
}
