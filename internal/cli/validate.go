package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue/token"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool              `json:"valid"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Tables      []TableSummary    `json:"tables,omitempty"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

// TableSummary describes one table of a valid setup.
type TableSummary struct {
	Name       string   `json:"name"`
	Columns    int      `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
	Filter     string   `json:"filter,omitempty"`
}

// ValidationError locates a problem in a setup descriptor.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (r ValidationResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ Setup valid (fingerprint %s)\n", r.Fingerprint)
	t := newTable(w)
	t.AppendHeader(table.Row{"Table", "Columns", "Primary key", "Filter"})
	for _, s := range r.Tables {
		t.AppendRow(table.Row{s.Name, s.Columns, strings.Join(s.PrimaryKey, ", "), s.Filter})
	}
	t.Render()
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <setup-file>",
		Short: "Validate a setup descriptor",
		Long: `Parse and check a setup descriptor without touching a database.

YAML descriptors are decoded strictly; CUE descriptors are unified with the
built-in #Setup schema. On success the tables and the setup fingerprint
are printed; peers only sync when their fingerprints match.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	formatter.VerboseLog("Validating %s", path)

	setup, err := config.LoadSetup(path)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("setup not found: %s", path), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: setup not found", ErrCodeNotFound))
		}
		return outputValidationErrors(formatter, []ValidationError{validationErrorFrom(err)})
	}

	fp, err := setup.Fingerprint()
	if err != nil {
		return outputValidationErrors(formatter, []ValidationError{{Code: ErrCodeSetup, Message: err.Error()}})
	}

	result := ValidationResult{Valid: true, Fingerprint: fp}
	for _, t := range setup.Tables {
		s := TableSummary{Name: t.QualifiedName(), Columns: len(t.Columns), PrimaryKey: t.PrimaryKey}
		if t.Filter != nil {
			s.Filter = t.Filter.Where
		}
		result.Tables = append(result.Tables, s)
	}
	return formatter.Success(result)
}

func validationErrorFrom(err error) ValidationError {
	ve := ValidationError{Code: ErrCodeSetup, Message: err.Error()}
	var se *config.SetupError
	if errors.As(err, &se) {
		ve.Message = se.Message
		ve.Line = lineOf(se.Pos)
		if se.Pos.IsValid() {
			ve.Column = se.Pos.Column()
		}
	}
	return ve
}

// lineOf extracts the line number from a token.Pos.
func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// outputValidationErrors outputs validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
