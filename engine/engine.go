// Package engine binds the service operations to the CUE toolchain.
//
// The engine is stateless: every evaluation parses its sources afresh and
// builds them in a new cue.Context, so concurrent calls never share
// evaluator state. Problems with the input program are reported as
// diagnostics inside results; only resource problems (unreadable files,
// bad arguments) are returned as errors.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/confvm/api"
)

var log = commonlog.GetLogger("confvm.engine")

// SourceExt is the file extension of configuration sources.
const SourceExt = ".cue"

// TestFileSuffix marks files holding test cases.
const TestFileSuffix = "_test.cue"

var (
	// ErrNoInput is returned when a request names no source files.
	ErrNoInput = errors.New("no input files")

	// ErrSourceMismatch is returned when in-memory sources are not paired
	// one-to-one with file names.
	ErrSourceMismatch = errors.New("sources must be paired with files")
)

// Source is one source file, by name and content.
type Source struct {
	Name string
	Data []byte
}

// Package is an external package made available to import by path.
type Package struct {
	ImportPath string
	Dir        string
	Files      []Source
}

// Program is a self-contained source set: the main package plus every
// external package it imports, transitively.
type Program struct {
	WorkDir  string
	Files    []Source
	Packages []Package
}

// CompileError carries the diagnostics of a program that failed to
// compile.
type CompileError struct {
	Message string
	Errors  []*api.Error
}

func (e *CompileError) Error() string { return e.Message }

// Engine runs service operations over CUE sources.
type Engine struct{}

// New creates an Engine.
func New() *Engine {
	return &Engine{}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Diagnostic levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// errorText renders err the way CUE's command line does, with file names
// relative to workDir.
func errorText(err error, workDir string) string {
	cfg := &cueerrors.Config{ToSlash: true}
	if workDir != "" {
		cfg.Cwd = workDir
	}
	return strings.TrimRight(cueerrors.Details(err, cfg), "\n")
}

// toErrors converts err into structured diagnostics, one per CUE error.
func toErrors(err error, level, code string) []*api.Error {
	if err == nil {
		return nil
	}
	var out []*api.Error
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := &api.Message{Msg: fmt.Sprintf(format, args...)}
		if path := e.Path(); len(path) > 0 {
			msg.Msg = strings.Join(path, ".") + ": " + msg.Msg
		}
		if pos := e.Position(); pos.IsValid() {
			msg.Pos = &api.Position{
				Line:     int32(pos.Line()),
				Column:   int32(pos.Column()),
				Filename: pos.Filename(),
			}
		}
		out = append(out, &api.Error{Level: level, Code: code, Messages: []*api.Message{msg}})
	}
	if len(out) == 0 {
		out = append(out, &api.Error{Level: level, Code: code, Messages: []*api.Message{{Msg: err.Error()}}})
	}
	return out
}

// absPath resolves name against dir unless it is already absolute.
func absPath(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return filepath.Clean(name)
	}
	return filepath.Join(dir, name)
}
