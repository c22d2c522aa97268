package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/syncerr"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("E003", "setup invalid", nil)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E003", resp.Error.Code)
	assert.Equal(t, "setup invalid", resp.Error.Message)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Error("E001", "sync failed", map[string]string{"stage": "x"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]: sync failed")
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	err := formatter.Error("E001", "sync failed", map[string]string{"stage": "x"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Details:")
}

type rendered struct{}

func (rendered) renderText(w io.Writer) { fmt.Fprint(w, "custom layout") }

func TestOutputFormatter_TextRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(rendered{}))
	assert.Equal(t, "custom layout", buf.String())
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			diag := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: diag,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("opening %s", "client.db")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, diag.String(), "opening client.db")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestOutputFormatter_FailKeepsSyncCode(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := syncerr.New(syncerr.CodeConflictUnresolved, "conflict on customers").InTable("customers")
	err := formatter.Fail(ErrCodeGeneric, "sync failed", syncerr.WithStage(cause, "changes-applying-remote"))
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT_UNRESOLVED", resp.Error.Code)
	assert.Equal(t, map[string]any{"stage": "changes-applying-remote", "table": "customers"}, resp.Error.Details)
}

func TestOutputFormatter_FailFallback(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Fail(ErrCodeDatabase, "open database", errors.New("disk full"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "Error [E004]: open database: disk full")
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{errors.New("plain"), ExitFailure},
		{NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{WrapExitError(exitCodeFor(syncerr.New(syncerr.CodeOutdated, "old")), "x", nil), ExitOutdated},
		{WrapExitError(exitCodeFor(syncerr.Transport(errors.New("refused"), "dial")), "x", nil), ExitUnavailable},
		{WrapExitError(exitCodeFor(syncerr.New(syncerr.CodeScopeMismatch, "fp")), "x", nil), ExitFailure},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.want, GetExitCode(tt.err), "case %d", i)
	}
}
