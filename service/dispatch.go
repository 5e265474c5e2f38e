package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/artifact"
	"github.com/chazu/confvm/boundary"
	"github.com/chazu/confvm/engine"
)

// ErrUnknownMethod is returned by Dispatch for a method the service does
// not serve. No handler runs.
var ErrUnknownMethod = errors.New("unknown method")

// ResourceError reports a failure of the environment a method ran in: a
// missing artifact, a busy path, an unreadable or unwritable file.
type ResourceError struct {
	Method string
	Err    error
}

func (e *ResourceError) Error() string {
	return e.Method + ": " + e.Err.Error()
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Class groups dispatch errors by who is at fault.
type Class int

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassRouting covers unknown methods and malformed payloads.
	ClassRouting
	// ClassProgram covers programs that fail to compile.
	ClassProgram
	// ClassResource covers *ResourceError.
	ClassResource
	// ClassFault covers recovered panics.
	ClassFault
	// ClassInternal is everything else.
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRouting:
		return "routing"
	case ClassProgram:
		return "program"
	case ClassResource:
		return "resource"
	case ClassFault:
		return "fault"
	default:
		return "internal"
	}
}

// Classify reports the class of an error returned by Dispatch or a typed
// method.
func Classify(err error) Class {
	var (
		decErr  *api.DecodeError
		resErr  *ResourceError
		fault   *boundary.Fault
		compErr *engine.CompileError
		pathErr *fs.PathError
	)
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrUnknownMethod), errors.As(err, &decErr):
		return ClassRouting
	case errors.As(err, &fault):
		return ClassFault
	case errors.As(err, &compErr):
		return ClassProgram
	case errors.As(err, &resErr), isResource(err), errors.As(err, &pathErr):
		return ClassResource
	default:
		return ClassInternal
	}
}

func isResource(err error) bool {
	for _, target := range []error{
		artifact.ErrNotBuilt,
		artifact.ErrBusy,
		artifact.ErrOutputNotWritable,
		artifact.ErrInvalidMagic,
		artifact.ErrVersionMismatch,
		artifact.ErrCorrupt,
		fs.ErrNotExist,
		fs.ErrPermission,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

type handler struct {
	newArgs func() any
	call    func(s *Service, ctx context.Context, args any) (any, error)
}

func method[A, R any](fn func(*Service, context.Context, *A) (*R, error)) *handler {
	return &handler{
		newArgs: func() any { return new(A) },
		call: func(s *Service, ctx context.Context, args any) (any, error) {
			return fn(s, ctx, args.(*A))
		},
	}
}

var handlers = map[string]*handler{
	"Ping":                 method((*Service).Ping),
	"GetVersion":           method((*Service).GetVersion),
	"ListMethod":           method((*Service).ListMethod),
	"ExecProgram":          method((*Service).ExecProgram),
	"BuildProgram":         method((*Service).BuildProgram),
	"ExecArtifact":         method((*Service).ExecArtifact),
	"OverrideFile":         method((*Service).OverrideFile),
	"GetFullSchemaType":    method((*Service).GetFullSchemaType),
	"GetSchemaTypeMapping": method((*Service).GetSchemaTypeMapping),
	"FormatCode":           method((*Service).FormatCode),
	"FormatPath":           method((*Service).FormatPath),
	"LintPath":             method((*Service).LintPath),
	"ValidateCode":         method((*Service).ValidateCode),
	"LoadSettingsFiles":    method((*Service).LoadSettingsFiles),
	"Rename":               method((*Service).Rename),
	"RenameCode":           method((*Service).RenameCode),
	"ListOptions":          method((*Service).ListOptions),
	"ListVariables":        method((*Service).ListVariables),
	"ParseFile":            method((*Service).ParseFile),
	"ParseProgram":         method((*Service).ParseProgram),
	"Test":                 method((*Service).Test),
}

func init() {
	seen := map[string]bool{}
	for _, m := range api.Methods() {
		if handlers[m.Name] == nil {
			panic(fmt.Sprintf("service: no handler for %s", m.Procedure))
		}
		seen[m.Name] = true
	}
	var extra []string
	for name := range handlers {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		panic(fmt.Sprintf("service: handlers without a schema method: %v", extra))
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// compileOnly is implemented by requests that can ask for diagnostic mode.
type compileOnly interface {
	IsCompileOnly() bool
}

// Dispatch decodes payload as the request of method, runs it and returns
// the encoded response. Method names may be bare or service-qualified.
//
// Panics while serving the call are recovered into a *boundary.Fault. A
// request with compile_only set runs in diagnostic mode instead: a program
// that fails to compile aborts the call with a panic carrying the
// diagnostic text, which the caller at the outermost edge is expected to
// surface as is.
func (s *Service) Dispatch(ctx context.Context, methodName string, payload []byte, enc api.Encoding) ([]byte, error) {
	m, ok := api.LookupMethod(methodName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, methodName)
	}
	h := handlers[m.Name]
	args := h.newArgs()
	if err := m.DecodeRequest(payload, enc, args); err != nil {
		return nil, err
	}
	log.Debugf("dispatch %s (%s, %d bytes)", m.Name, enc, len(payload))

	var res any
	run := func() error {
		var err error
		res, err = h.call(s, ctx, args)
		return err
	}

	var err error
	if co, ok := args.(compileOnly); ok && co.IsCompileOnly() {
		err = boundary.Diagnose(func() error {
			if err := run(); err != nil {
				var ce *engine.CompileError
				if errors.As(err, &ce) {
					boundary.Raise(ce.Message)
				}
				return err
			}
			if r, ok := res.(*api.ExecProgramResult); ok && r.ErrMessage != "" {
				boundary.Raise(r.ErrMessage)
			}
			return nil
		})
	} else {
		err = boundary.Guard(run)
	}
	if err != nil {
		return nil, wrapError(m.Name, err)
	}
	return m.EncodeResponse(res, enc)
}

func wrapError(method string, err error) error {
	if isResource(err) {
		return &ResourceError{Method: method, Err: err}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &ResourceError{Method: method, Err: err}
	}
	return err
}
