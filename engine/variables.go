package engine

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"

	"github.com/chazu/confvm/api"
)

// ListVariables reports the source-level values of the fields named by
// specs ("a.b.c") across files. With no specs every top-level regular
// field is listed. A field declared more than once yields one variable per
// declaration, in file order. Values holding comprehensions are listed
// under UnsupportedCodes instead.
func (e *Engine) ListVariables(args *api.ListVariablesArgs) (*api.ListVariablesResult, error) {
	if len(args.Files) == 0 {
		return nil, ErrNoInput
	}
	res := &api.ListVariablesResult{Variables: map[string]*api.VariableList{}}

	var files []*ast.File
	for _, name := range args.Files {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		f, err := parser.ParseFile(name, data, parser.ParseComments)
		if err != nil {
			res.ParseErrors = append(res.ParseErrors, toErrors(err, LevelError, codeParse)...)
			continue
		}
		files = append(files, f)
	}

	specs := args.Specs
	if len(specs) == 0 {
		specs = topLevelNames(files)
	}
	for _, spec := range specs {
		path, err := splitPath(spec)
		if err != nil {
			return nil, fmt.Errorf("variable spec: %w", err)
		}
		for _, f := range files {
			for _, field := range lookupFields(f.Decls, path) {
				if hasComprehension(field.Value) {
					res.UnsupportedCodes = append(res.UnsupportedCodes, exprText(field.Value))
					continue
				}
				list := res.Variables[spec]
				if list == nil {
					list = &api.VariableList{}
					res.Variables[spec] = list
				}
				v := variableOf(field.Value)
				v.OpSym = opSymbol(field)
				list.Variables = append(list.Variables, v)
			}
		}
	}
	return res, nil
}

func topLevelNames(files []*ast.File) []string {
	seen := map[string]bool{}
	var names []string
	for _, f := range files {
		for _, d := range f.Decls {
			field, ok := d.(*ast.Field)
			if !ok {
				continue
			}
			name := labelName(field.Label)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// lookupFields returns every declaration of path within decls.
func lookupFields(decls []ast.Decl, path []string) []*ast.Field {
	var out []*ast.Field
	for _, d := range decls {
		f, ok := d.(*ast.Field)
		if !ok || labelName(f.Label) != path[0] {
			continue
		}
		if len(path) == 1 {
			out = append(out, f)
			continue
		}
		if s := structOf(f.Value); s != nil {
			out = append(out, lookupFields(s.Elts, path[1:])...)
		}
	}
	return out
}

func variableOf(x ast.Expr) *api.Variable {
	v := &api.Variable{Value: exprText(x)}
	switch x := x.(type) {
	case *ast.StructLit:
		v.DictEntries = entriesOf(x)
	case *ast.ListLit:
		for _, elt := range x.Elts {
			v.ListItems = append(v.ListItems, variableOf(elt))
		}
	case *ast.ParenExpr:
		inner := variableOf(x.X)
		inner.Value = v.Value
		return inner
	case *ast.BinaryExpr:
		if x.Op != token.AND {
			break
		}
		if name := definitionName(x.X); name != "" {
			v.TypeName = name
		}
		if s := structOf(x); s != nil {
			v.DictEntries = entriesOf(s)
		}
	}
	return v
}

func entriesOf(s *ast.StructLit) []*api.MapEntry {
	var out []*api.MapEntry
	for _, d := range s.Elts {
		f, ok := d.(*ast.Field)
		if !ok {
			continue
		}
		val := variableOf(f.Value)
		val.OpSym = opSymbol(f)
		out = append(out, &api.MapEntry{Key: labelName(f.Label), Value: val})
	}
	return out
}

// definitionName returns the definition an expression refers to, such as
// "#Config" or "pkg.#Config".
func definitionName(x ast.Expr) string {
	switch x := x.(type) {
	case *ast.Ident:
		if strings.HasPrefix(x.Name, "#") {
			return x.Name
		}
	case *ast.SelectorExpr:
		if sel := labelName(x.Sel); strings.HasPrefix(sel, "#") {
			return exprText(x)
		}
	}
	return ""
}

func opSymbol(f *ast.Field) string {
	switch f.Constraint {
	case token.OPTION:
		return "?:"
	case token.NOT:
		return "!:"
	}
	return ":"
}

func hasComprehension(x ast.Expr) bool {
	found := false
	ast.Walk(x, func(n ast.Node) bool {
		if _, ok := n.(*ast.Comprehension); ok {
			found = true
		}
		return !found
	}, nil)
	return found
}
