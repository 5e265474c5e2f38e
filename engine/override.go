package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"

	"github.com/chazu/confvm/api"
)

// ErrBadOverride is returned for an override spec that does not parse.
var ErrBadOverride = errors.New("invalid override spec")

type overrideAction int

const (
	overrideSet   overrideAction = iota // path=value
	overrideUnify                       // path:value
	overrideDelete                      // path-
)

// override is one parsed override spec.
type override struct {
	path   []string
	action overrideAction
	value  string
}

// parseOverride parses "a.b=1", "a.b:{x: 1}" or "a.b-".
func parseOverride(spec string) (override, error) {
	spec = strings.TrimSpace(spec)
	if p, ok := strings.CutSuffix(spec, "-"); ok && !strings.ContainsAny(p, "=:") {
		path, err := splitPath(p)
		if err != nil {
			return override{}, fmt.Errorf("%w %q: %v", ErrBadOverride, spec, err)
		}
		return override{path: path, action: overrideDelete}, nil
	}
	i := strings.IndexAny(spec, "=:")
	if i <= 0 {
		return override{}, fmt.Errorf("%w %q: expected path=value, path:value or path-", ErrBadOverride, spec)
	}
	path, err := splitPath(spec[:i])
	if err != nil {
		return override{}, fmt.Errorf("%w %q: %v", ErrBadOverride, spec, err)
	}
	o := override{path: path, value: spec[i+1:], action: overrideSet}
	if spec[i] == ':' {
		o.action = overrideUnify
	}
	return o, nil
}

func splitPath(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty path")
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty element in path %q", s)
		}
	}
	return parts, nil
}

func overrideValue(raw string) ast.Expr {
	expr, err := parser.ParseExpr("override", raw)
	if err != nil {
		return ast.NewString(raw)
	}
	return expr
}

func newLabel(name string) ast.Label {
	if ast.IsValidIdent(name) {
		return ast.NewIdent(name)
	}
	return ast.NewString(name)
}

func labelName(l ast.Label) string {
	name, _, err := ast.LabelName(l)
	if err != nil {
		return ""
	}
	return name
}

// structOf returns the struct literal that holds the fields of e, if any.
func structOf(e ast.Expr) *ast.StructLit {
	switch x := e.(type) {
	case *ast.StructLit:
		return x
	case *ast.ParenExpr:
		return structOf(x.X)
	case *ast.BinaryExpr:
		if x.Op == token.AND {
			if s := structOf(x.Y); s != nil {
				return s
			}
			return structOf(x.X)
		}
	}
	return nil
}

// findField returns the index of the regular field named name in decls.
func findField(decls []ast.Decl, name string) int {
	for i, d := range decls {
		if f, ok := d.(*ast.Field); ok && labelName(f.Label) == name {
			return i
		}
	}
	return -1
}

// apply edits decls and reports whether anything changed.
func (o override) apply(decls *[]ast.Decl) (bool, error) {
	name := o.path[0]
	i := findField(*decls, name)

	if len(o.path) > 1 {
		var inner *ast.StructLit
		if i < 0 {
			if o.action == overrideDelete {
				return false, nil
			}
			inner = &ast.StructLit{}
			*decls = append(*decls, &ast.Field{Label: newLabel(name), Value: inner})
		} else {
			inner = structOf((*decls)[i].(*ast.Field).Value)
			if inner == nil {
				return false, fmt.Errorf("cannot override %s: %s is not a struct", strings.Join(o.path, "."), name)
			}
		}
		sub := o
		sub.path = o.path[1:]
		return sub.apply(&inner.Elts)
	}

	switch o.action {
	case overrideDelete:
		if i < 0 {
			return false, nil
		}
		*decls = append((*decls)[:i], (*decls)[i+1:]...)
	case overrideSet:
		if i < 0 {
			*decls = append(*decls, &ast.Field{Label: newLabel(name), Value: overrideValue(o.value)})
		} else {
			(*decls)[i].(*ast.Field).Value = overrideValue(o.value)
		}
	case overrideUnify:
		if i < 0 {
			*decls = append(*decls, &ast.Field{Label: newLabel(name), Value: overrideValue(o.value)})
		} else {
			f := (*decls)[i].(*ast.Field)
			f.Value = &ast.BinaryExpr{X: f.Value, Op: token.AND, Y: overrideValue(o.value)}
		}
	}
	return true, nil
}

// applyOverrides applies specs to the first file declaring the top-level
// field each one names, or to the first file when none does.
func applyOverrides(files []*ast.File, specs []string) error {
	if len(files) == 0 {
		return nil
	}
	for _, spec := range specs {
		o, err := parseOverride(spec)
		if err != nil {
			return err
		}
		target := files[0]
		for _, f := range files {
			if findField(f.Decls, o.path[0]) >= 0 {
				target = f
				break
			}
		}
		if _, err := o.apply(&target.Decls); err != nil {
			return err
		}
	}
	return nil
}

// addImports adds each import path not already imported by f.
func addImports(f *ast.File, paths []string) bool {
	have := map[string]bool{}
	for _, spec := range f.Imports {
		if p, err := strconv.Unquote(spec.Path.Value); err == nil {
			have[p] = true
		}
	}
	var specs []*ast.ImportSpec
	for _, p := range paths {
		if p == "" || have[p] {
			continue
		}
		have[p] = true
		specs = append(specs, ast.NewImport(nil, p))
	}
	if len(specs) == 0 {
		return false
	}

	// Imports go after the package clause.
	at := 0
	for i, d := range f.Decls {
		if _, ok := d.(*ast.Package); ok {
			at = i + 1
		}
	}
	decls := make([]ast.Decl, 0, len(f.Decls)+1)
	decls = append(decls, f.Decls[:at]...)
	decls = append(decls, &ast.ImportDecl{Specs: specs})
	decls = append(decls, f.Decls[at:]...)
	f.Decls = decls
	f.Imports = append(f.Imports, specs...)
	return true
}

// OverrideFile applies override specs to a file and rewrites it in place.
func (e *Engine) OverrideFile(args *api.OverrideFileArgs) (*api.OverrideFileResult, error) {
	data, err := os.ReadFile(args.File)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", args.File, err)
	}
	f, err := parser.ParseFile(args.File, data, parser.ParseComments)
	if err != nil {
		return &api.OverrideFileResult{ParseErrors: toErrors(err, LevelError, codeParse)}, nil
	}

	for _, spec := range args.Specs {
		o, err := parseOverride(spec)
		if err != nil {
			return nil, err
		}
		if _, err := o.apply(&f.Decls); err != nil {
			return nil, err
		}
	}
	addImports(f, args.ImportPaths)

	out, err := format.Node(f)
	if err != nil {
		return nil, fmt.Errorf("formatting %s: %w", args.File, err)
	}
	if !bytes.Equal(out, data) {
		if err := writeFileAtomic(args.File, out); err != nil {
			return nil, err
		}
		log.Infof("overrode %s", args.File)
	}
	return &api.OverrideFileResult{Result: true}, nil
}
