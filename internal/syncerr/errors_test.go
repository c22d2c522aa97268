package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := New(CodeScopeMismatch, "fingerprint %s != %s", "a", "b")
	assert.Equal(t, "SCOPE_MISMATCH: fingerprint a != b", err.Error())

	err = Wrap(CodeApplyInfrastructure, errors.New("UNIQUE constraint failed"), "apply row").InTable("orders")
	err.Stage = "ChangesApplying"
	assert.Equal(t, "APPLY_INFRASTRUCTURE: apply row (table=orders) (stage=ChangesApplying): UNIQUE constraint failed", err.Error())
}

func TestPredicates_SeeThroughWrapping(t *testing.T) {
	base := Transport(errors.New("connection refused"), "post /v1/scope")
	wrapped := fmt.Errorf("ensure scope: %w", base)

	assert.True(t, IsTransport(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsOutdated(wrapped))
	assert.Equal(t, CodeTransport, CodeOf(wrapped))

	assert.False(t, IsRetryable(New(CodeOutdated, "x")))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestWithStage(t *testing.T) {
	assert.NoError(t, WithStage(nil, "X"))

	plain := WithStage(errors.New("disk full"), "ChangesSelecting")
	assert.Equal(t, CodeApplyInfrastructure, CodeOf(plain))
	assert.Equal(t, "ChangesSelecting", StageOf(plain))

	typed := New(CodeBatchCorruption, "truncated")
	typed.Stage = "ChangesDownloading"
	got := WithStage(typed, "ChangesApplying")
	assert.Equal(t, "ChangesDownloading", StageOf(got))
}

func TestEnsure(t *testing.T) {
	plain := errors.New("disk full")
	e := Ensure(plain, CodeApplyInfrastructure, "write")
	assert.Equal(t, CodeApplyInfrastructure, e.Code)
	assert.ErrorIs(t, e, plain)

	inner := New(CodeTrackingMissing, "no tracking")
	wrapped := fmt.Errorf("select: %w", inner)
	assert.Same(t, inner, Ensure(wrapped, CodeApplyInfrastructure, "select"))
}

func TestTableOf(t *testing.T) {
	err := fmt.Errorf("step: %w", New(CodeConflictUnresolved, "conflict").InTable("orders"))
	assert.Equal(t, "orders", TableOf(err))
	assert.Equal(t, "", TableOf(errors.New("plain")))
}
