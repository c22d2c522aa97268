// Package syncerr defines the error taxonomy surfaced by sync sessions.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes a sync error.
type Code string

const (
	// CodeTransport is a failed or timed-out call to the remote peer.
	CodeTransport Code = "TRANSPORT"

	// CodeScopeMismatch means the peers disagree on the setup fingerprint.
	CodeScopeMismatch Code = "SCOPE_MISMATCH"

	// CodeOutdated means the client watermark predates the server's
	// retention horizon.
	CodeOutdated Code = "OUTDATED"

	// CodeConflictUnresolved is raised when the Rollback policy meets a conflict.
	CodeConflictUnresolved Code = "CONFLICT_UNRESOLVED"

	// CodeApplyInfrastructure is a store failure unrelated to sync guarding.
	CodeApplyInfrastructure Code = "APPLY_INFRASTRUCTURE"

	// CodeBatchCorruption is a missing, truncated or unreadable batch part.
	CodeBatchCorruption Code = "BATCH_CORRUPTION"

	// CodeScopeConcurrency means another session advanced the scope first.
	CodeScopeConcurrency Code = "SCOPE_CONCURRENCY"

	// CodeTrackingMissing means tracking metadata for a table is absent.
	CodeTrackingMissing Code = "TRACKING_MISSING"

	// CodeCancelled means the caller cancelled the session.
	CodeCancelled Code = "CANCELLED"

	// CodeProtocol is a malformed or out-of-order protocol exchange.
	CodeProtocol Code = "PROTOCOL"
)

// Error is the structured error returned by sync components.
type Error struct {
	Code    Code
	Message string

	// Stage is the session stage the error surfaced in, when known.
	Stage string

	// Table is the affected table, when the error is table-scoped.
	Table string

	// Retryable is set for errors the caller may retry unchanged.
	Retryable bool

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Table != "" {
		msg += fmt.Sprintf(" (table=%s)", e.Table)
	}
	if e.Stage != "" {
		msg += fmt.Sprintf(" (stage=%s)", e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code wrapping err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Transport wraps a failed remote call. Transport errors are retryable.
func Transport(err error, format string, args ...any) *Error {
	e := Wrap(CodeTransport, err, format, args...)
	e.Retryable = true
	return e
}

// Ensure returns the *Error in err's chain, or wraps err with code when
// there is none.
func Ensure(err error, code Code, format string, args ...any) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Wrap(code, err, format, args...)
}

// InTable sets Table and returns e.
func (e *Error) InTable(table string) *Error {
	e.Table = table
	return e
}

// WithStage returns err annotated with stage. Errors that are not *Error
// are wrapped as APPLY_INFRASTRUCTURE. An existing stage is preserved.
func WithStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return err
	}
	return &Error{Code: CodeApplyInfrastructure, Message: "session failed", Stage: stage, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// StageOf returns the stage recorded on err, or "".
func StageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// TableOf returns the table recorded on err, or "".
func TableOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Table
	}
	return ""
}

// IsRetryable reports whether err may be retried unchanged.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return CodeOf(err) == CodeTransport }

// IsOutdated reports whether err is an outdated-scope error.
func IsOutdated(err error) bool { return CodeOf(err) == CodeOutdated }

// IsScopeMismatch reports whether err is a setup fingerprint mismatch.
func IsScopeMismatch(err error) bool { return CodeOf(err) == CodeScopeMismatch }

// IsConflictUnresolved reports whether err is an unresolved conflict.
func IsConflictUnresolved(err error) bool { return CodeOf(err) == CodeConflictUnresolved }

// IsBatchCorruption reports whether err is a batch corruption error.
func IsBatchCorruption(err error) bool { return CodeOf(err) == CodeBatchCorruption }

// IsScopeConcurrency reports whether err is a lost scope compare-and-set.
func IsScopeConcurrency(err error) bool { return CodeOf(err) == CodeScopeConcurrency }

// IsTrackingMissing reports whether err is a missing-tracking error.
func IsTrackingMissing(err error) bool { return CodeOf(err) == CodeTrackingMissing }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return CodeOf(err) == CodeCancelled }
