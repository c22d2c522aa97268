// Package httpsync carries the session protocol over HTTP. Handler serves a
// RemoteOrchestrator; Client implements orchestrator.Remote against it.
//
// Batch parts travel one per request as raw bytes in the codec they were
// written with, so neither side holds a whole batch in memory.
package httpsync

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/selector"
	"github.com/roach88/rowsync/internal/syncerr"
)

const (
	PathScope       = "/v1/scope"
	PathApplyPart   = "/v1/apply/part"
	PathApplyCommit = "/v1/apply/commit"
	PathChanges     = "/v1/changes"
	PathChangesPart = "/v1/changes/part"
	PathCleanup     = "/v1/cleanup"
	PathPurge       = "/v1/purge"
	PathHealth      = "/health"
)

// Part transfer headers.
const (
	HeaderSession = "X-Rowsync-Session"
	HeaderCodec   = "X-Rowsync-Codec"
	HeaderPart    = "X-Rowsync-Part"
)

const contentTypeJSON = "application/json"

type sessionBody struct {
	SessionID string `json:"session_id"`
}

// changesBody is the selection manifest returned by /v1/changes.
type changesBody struct {
	Codec           string                     `json:"codec"`
	Parts           []batch.PartInfo           `json:"parts"`
	Tables          map[string]selector.Counts `json:"tables"`
	ServerTimestamp int64                      `json:"server_timestamp"`
}

type purgeRequest struct {
	Before int64 `json:"before"`
}

type purgeResponse struct {
	Purged int64 `json:"purged"`
}

// errorBody is the JSON form of a failed call.
type errorBody struct {
	Code      syncerr.Code           `json:"code"`
	Message   string                 `json:"message"`
	Stage     string                 `json:"stage,omitempty"`
	Table     string                 `json:"table,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	Tables    map[string]apply.Stats `json:"tables,omitempty"`
}

func (b errorBody) err() *syncerr.Error {
	return &syncerr.Error{
		Code:      b.Code,
		Message:   b.Message,
		Stage:     b.Stage,
		Table:     b.Table,
		Retryable: b.Retryable,
	}
}

func toErrorBody(err error) errorBody {
	var se *syncerr.Error
	if !errors.As(err, &se) {
		return errorBody{Code: syncerr.CodeApplyInfrastructure, Message: err.Error()}
	}
	msg := se.Message
	if se.Err != nil {
		msg += ": " + se.Err.Error()
	}
	return errorBody{
		Code:      se.Code,
		Message:   msg,
		Stage:     se.Stage,
		Table:     se.Table,
		Retryable: se.Retryable,
	}
}

func statusFor(code syncerr.Code) int {
	switch code {
	case syncerr.CodeProtocol:
		return http.StatusBadRequest
	case syncerr.CodeScopeMismatch, syncerr.CodeScopeConcurrency, syncerr.CodeConflictUnresolved:
		return http.StatusConflict
	case syncerr.CodeOutdated:
		return http.StatusGone
	case syncerr.CodeBatchCorruption:
		return http.StatusUnprocessableEntity
	case syncerr.CodeTransport:
		return http.StatusBadGateway
	case syncerr.CodeCancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
