// Package testsuite discovers and runs test cases written in configuration
// code.
//
// A suite is one "*_test.cue" file. Its cases are the top-level fields whose
// label starts with "test_", in declaration order. Each case is evaluated
// together with the non-test files of its directory, exporting only the
// case's field; a case passes when that evaluation succeeds.
package testsuite

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/parser"
	"github.com/tliron/commonlog"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/boundary"
	"github.com/chazu/confvm/engine"
)

var log = commonlog.GetLogger("confvm.testsuite")

// CasePrefix marks a top-level field as a test case.
const CasePrefix = "test_"

// Runner evaluates one program.
type Runner interface {
	ExecProgram(ctx context.Context, args *api.ExecProgramArgs) (*api.ExecProgramResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, args *api.ExecProgramArgs) (*api.ExecProgramResult, error)

func (f RunnerFunc) ExecProgram(ctx context.Context, args *api.ExecProgramArgs) (*api.ExecProgramResult, error) {
	return f(ctx, args)
}

// Suite is one test file and the cases it declares.
type Suite struct {
	Dir   string
	File  string
	Cases []string

	parseErr error
}

// Options control a run.
type Options struct {
	// Base supplies options, overrides, external packages and export
	// flags shared by every case. Its file lists are ignored.
	Base *api.ExecProgramArgs

	// RunRegexp, when set, selects the cases whose name it matches.
	RunRegexp string

	// FailFast stops the run after the first failing case.
	FailFast bool
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name       string
	Err        string
	Duration   time.Duration
	LogMessage string
}

// Failed reports whether the case failed.
func (r CaseResult) Failed() bool { return r.Err != "" }

// Result is the outcome of running a suite.
type Result struct {
	Suite   *Suite
	Cases   []CaseResult
	Stopped bool // a failure ended the run early
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// Discover finds the suites under root. root is a test file, a directory,
// or a directory followed by "/..." to include subdirectories. Files and
// directories are visited in lexical order, so the result is stable.
func Discover(root string) ([]*Suite, error) {
	recursive := false
	if p, ok := strings.CutSuffix(root, "/..."); ok {
		root, recursive = p, true
	} else if root == "..." {
		root, recursive = ".", true
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}
	if !info.IsDir() {
		s, err := loadSuite(root)
		if err != nil {
			return nil, err
		}
		return []*Suite{s}, nil
	}

	var suites []*Suite
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(p, engine.TestFileSuffix) {
			return nil
		}
		s, err := loadSuite(p)
		if err != nil {
			return err
		}
		suites = append(suites, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return suites, nil
}

func loadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	s := &Suite{Dir: filepath.Dir(path), File: path}

	// A file that does not parse still forms a suite. Its cases cannot be
	// listed, so running it reports the syntax error as a failure.
	f, err := parser.ParseFile(path, data)
	if err != nil {
		s.parseErr = err
		return s, nil
	}
	for _, d := range f.Decls {
		field, ok := d.(*ast.Field)
		if !ok {
			continue
		}
		name, _, err := ast.LabelName(field.Label)
		if err == nil && strings.HasPrefix(name, CasePrefix) {
			s.Cases = append(s.Cases, name)
		}
	}
	return s, nil
}

// packageFiles lists the non-test source files beside the suite.
func (s *Suite) packageFiles() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Dir, err)
	}
	var out []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, engine.SourceExt) || strings.HasSuffix(name, engine.TestFileSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.Dir, name))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// Run evaluates each selected case of the suite with runner. Case failures
// are recorded in the result; the returned error is reserved for problems
// with the suite itself.
func (s *Suite) Run(ctx context.Context, runner Runner, opts Options) (*Result, error) {
	var filter *regexp.Regexp
	if opts.RunRegexp != "" {
		re, err := regexp.Compile(opts.RunRegexp)
		if err != nil {
			return nil, fmt.Errorf("run regexp: %w", err)
		}
		filter = re
	}
	files, err := s.packageFiles()
	if err != nil {
		return nil, err
	}
	files = append(files, s.File)

	res := &Result{Suite: s}
	if s.parseErr != nil {
		res.Cases = append(res.Cases, CaseResult{Name: filepath.Base(s.File), Err: s.parseErr.Error()})
		res.Stopped = opts.FailFast
		return res, nil
	}
	for _, name := range s.Cases {
		if filter != nil && !filter.MatchString(name) {
			continue
		}
		cr := s.runCase(ctx, runner, opts.Base, files, name)
		res.Cases = append(res.Cases, cr)
		if cr.Failed() {
			log.Infof("FAIL %s (%s)", name, s.File)
			if opts.FailFast {
				res.Stopped = true
				break
			}
		}
	}
	return res, nil
}

func (s *Suite) runCase(ctx context.Context, runner Runner, base *api.ExecProgramArgs, files []string, name string) CaseResult {
	args := &api.ExecProgramArgs{
		WorkDir:           s.Dir,
		Files:             files,
		PathSelector:      []string{name},
		DisableYamlResult: true,
	}
	if base != nil {
		args.Args = base.Args
		args.Overrides = base.Overrides
		args.ExternalPkgs = base.ExternalPkgs
		args.SortKeys = base.SortKeys
		args.DisableNone = base.DisableNone
	}

	cr := CaseResult{Name: name}
	start := time.Now()
	err := boundary.Guard(func() error {
		out, err := runner.ExecProgram(ctx, args)
		if err != nil {
			return err
		}
		cr.LogMessage = out.LogMessage
		if out.ErrMessage != "" {
			cr.Err = out.ErrMessage
		}
		return nil
	})
	cr.Duration = time.Since(start)
	if err != nil {
		cr.Err = err.Error()
	}
	return cr
}

// ---------------------------------------------------------------------------
// Service entry point
// ---------------------------------------------------------------------------

// RunPackages discovers and runs the suites of every package in
// args.PkgList, resolved against args.ExecArgs.WorkDir. An empty list
// means the work directory itself.
func RunPackages(ctx context.Context, runner Runner, args *api.TestArgs) (*api.TestResult, error) {
	opts := Options{Base: args.ExecArgs, RunRegexp: args.RunRegexp, FailFast: args.FailFast}
	workDir := ""
	if args.ExecArgs != nil {
		workDir = args.ExecArgs.WorkDir
	}
	pkgs := args.PkgList
	if len(pkgs) == 0 {
		pkgs = []string{"."}
	}

	out := &api.TestResult{}
	for _, pkg := range pkgs {
		root := pkg
		if !filepath.IsAbs(root) && workDir != "" {
			root = filepath.Join(workDir, root)
		}
		suites, err := Discover(root)
		if err != nil {
			return nil, err
		}
		for _, s := range suites {
			res, err := s.Run(ctx, runner, opts)
			if err != nil {
				return nil, err
			}
			for _, c := range res.Cases {
				out.Info = append(out.Info, &api.TestCaseInfo{
					Name:       c.Name,
					Error:      c.Err,
					Duration:   uint64(c.Duration.Microseconds()),
					LogMessage: c.LogMessage,
				})
			}
			if res.Stopped {
				return out, nil
			}
		}
	}
	return out, nil
}
