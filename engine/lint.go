package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"

	"github.com/chazu/confvm/api"
)

// Diagnostic codes.
const (
	codeParse         = "E1001"
	codeEval          = "E2001"
	codePlugin        = "E3001"
	codeUnusedImport  = "W0411"
	codeDefinitionCap = "W0101"
)

type lintResult struct {
	file      string
	line, col int
	level     string
	code      string
	msg       string
}

func newLintResult(file string, pos token.Pos, level, code, msg string) lintResult {
	r := lintResult{file: file, level: level, code: code, msg: msg}
	if pos.IsValid() {
		r.line, r.col = pos.Line(), pos.Column()
	}
	return r
}

func (r lintResult) String() string {
	return fmt.Sprintf("%s:%d:%d: %s[%s] %s", r.file, r.line, r.col, r.level, r.code, r.msg)
}

// LintPath checks source files for syntax errors, evaluation errors,
// unused imports and definition naming. Each path is a file, a directory
// or a directory tree ("dir/...").
func (e *Engine) LintPath(args *api.LintPathArgs) (*api.LintPathResult, error) {
	var files []string
	for _, p := range args.Paths {
		ps, err := sourcePaths(p)
		if err != nil {
			return nil, err
		}
		files = append(files, ps...)
	}

	var results []lintResult
	byDir := map[string][]Source{}
	var dirs []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		f, err := parser.ParseFile(path, data, parser.ParseComments)
		if err != nil {
			for _, d := range toErrors(err, LevelError, codeParse) {
				results = append(results, resultsOf(d, path)...)
			}
			continue
		}
		results = append(results, lintFile(path, f)...)

		if !strings.HasSuffix(path, TestFileSuffix) {
			dir := filepath.Dir(path)
			if _, ok := byDir[dir]; !ok {
				dirs = append(dirs, dir)
			}
			byDir[dir] = append(byDir[dir], Source{Name: path, Data: data})
		}
	}

	for _, dir := range dirs {
		err := e.Check(&Program{WorkDir: dir, Files: byDir[dir]})
		if ce, ok := err.(*CompileError); ok {
			for _, d := range ce.Errors {
				results = append(results, resultsOf(d, dir)...)
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].file != results[j].file {
			return results[i].file < results[j].file
		}
		if results[i].line != results[j].line {
			return results[i].line < results[j].line
		}
		return results[i].col < results[j].col
	})
	res := &api.LintPathResult{}
	for _, r := range results {
		res.Results = append(res.Results, r.String())
	}
	return res, nil
}

func resultsOf(d *api.Error, fallback string) []lintResult {
	var out []lintResult
	for _, m := range d.Messages {
		r := lintResult{file: fallback, level: d.Level, code: d.Code, msg: m.Msg}
		if m.Pos != nil {
			if m.Pos.Filename != "" {
				r.file = m.Pos.Filename
			}
			r.line, r.col = int(m.Pos.Line), int(m.Pos.Column)
		}
		out = append(out, r)
	}
	return out
}

func lintFile(path string, f *ast.File) []lintResult {
	var out []lintResult

	labels := map[*ast.Ident]bool{}
	used := map[string]bool{}
	ast.Walk(f, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.ImportSpec:
			if x.Name != nil {
				labels[x.Name] = true
			}
		case *ast.Field:
			if id, ok := x.Label.(*ast.Ident); ok {
				labels[id] = true
				if name := id.Name; strings.HasPrefix(name, "#") && !isPascal(name[1:]) {
					out = append(out, newLintResult(path, id.Pos(), LevelWarning, codeDefinitionCap,
						fmt.Sprintf("definition %s should start with an upper-case letter", name)))
				}
			}
		case *ast.Ident:
			if !labels[x] {
				used[x.Name] = true
			}
		}
		return true
	}, nil)

	for _, spec := range f.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		local := importName(p)
		if spec.Name != nil {
			local = spec.Name.Name
		}
		if local == "_" || used[local] {
			continue
		}
		out = append(out, newLintResult(path, spec.Pos(), LevelWarning, codeUnusedImport,
			fmt.Sprintf("import %q is unused", p)))
	}
	return out
}

// importName is the identifier an import is referred to by: the last path
// element, or the package qualifier after a colon.
func importName(p string) string {
	if i := strings.LastIndex(p, ":"); i >= 0 {
		return p[i+1:]
	}
	base := path.Base(p)
	if i := strings.Index(base, "@"); i >= 0 {
		base = base[:i]
	}
	return base
}

func isPascal(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}
