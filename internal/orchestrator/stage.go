package orchestrator

import (
	"context"
	"time"

	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/model"
)

// Stage is a state of the session state machine. Sessions move through the
// stages in declaration order and end in StageCompleted or StageFailed.
type Stage string

const (
	StageCreated                Stage = "created"
	StageScopeLoading           Stage = "scope-loading"
	StageOutdatedCheck          Stage = "outdated-check"
	StageChangesSelectingLocal  Stage = "changes-selecting-local"
	StageChangesUploading       Stage = "changes-uploading"
	StageChangesApplyingRemote  Stage = "changes-applying-remote"
	StageChangesSelectingRemote Stage = "changes-selecting-remote"
	StageChangesDownloading     Stage = "changes-downloading"
	StageChangesApplyingLocal   Stage = "changes-applying-local"
	StageMetadataCleanup        Stage = "metadata-cleanup"
	StageCompleted              Stage = "completed"
	StageFailed                 Stage = "failed"
)

// Event is passed to hooks on every stage transition and after every
// committed table step. Events are values; hooks may retain them.
type Event struct {
	Stage     Stage         `json:"stage"`
	SessionID string        `json:"session_id"`
	Scope     string        `json:"scope"`
	Role      conflict.Role `json:"role"`
	Time      time.Time     `json:"time"`

	// Table and State are set for table step events.
	Table string         `json:"table,omitempty"`
	State model.RowState `json:"state,omitempty"`

	// Totals is a snapshot of the session statistics.
	Totals Totals `json:"totals"`

	// Err is set on StageFailed events.
	Err error `json:"-"`
}

// Hook observes a session. Hooks run synchronously, in registration order,
// on the session's goroutine.
type Hook func(ctx context.Context, ev Event)
