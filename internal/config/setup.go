package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rowsync/internal/model"
)

//go:embed setup.cue
var setupSchema []byte

// SetupError reports an invalid setup descriptor, with the CUE source
// position when one is known.
type SetupError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *SetupError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// LoadSetup reads a setup descriptor. The format follows the extension:
// .yaml/.yml or .cue.
func LoadSetup(path string) (*model.Setup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read setup: %w", err)
	}
	var setup *model.Setup
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		setup, err = ParseSetupYAML(path, data)
	case ".cue":
		setup, err = ParseSetupCUE(path, data)
	default:
		return nil, &SetupError{Path: path, Message: fmt.Sprintf("unsupported setup format %q", ext)}
	}
	if err != nil {
		return nil, err
	}
	if err := setup.Validate(); err != nil {
		return nil, &SetupError{Path: path, Message: err.Error()}
	}
	return setup, nil
}

// ParseSetupYAML decodes a YAML descriptor, rejecting unknown fields.
func ParseSetupYAML(path string, data []byte) (*model.Setup, error) {
	var setup model.Setup
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&setup); err != nil {
		return nil, &SetupError{Path: path, Message: fmt.Sprintf("parse YAML: %v", err)}
	}
	return &setup, nil
}

// ParseSetupCUE unifies a CUE descriptor with the embedded #Setup schema
// and decodes the result. The descriptor may be the setup struct itself
// or hold it under a top-level setup field.
func ParseSetupCUE(path string, data []byte) (*model.Setup, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(setupSchema, cue.Filename("setup.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile setup schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, cueError(path, err)
	}
	if nested := v.LookupPath(cue.ParsePath("setup")); nested.Exists() {
		v = nested
	}
	v = schema.LookupPath(cue.ParsePath("#Setup")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(path, err)
	}

	var setup model.Setup
	if err := v.Decode(&setup); err != nil {
		return nil, cueError(path, err)
	}
	return &setup, nil
}

// cueError keeps the first error and its position.
func cueError(path string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SetupError{Path: path, Message: err.Error()}
	}
	first := errs[0]
	se := &SetupError{Path: path, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		se.Pos = pos[0]
	}
	return se
}
