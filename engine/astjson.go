package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"

	"github.com/chazu/confvm/api"
)

// ParseFile parses one file and returns its syntax tree as JSON together
// with its dependencies. An import served by ExternalPkgs contributes the
// source files of that package; any other import is listed by path.
// Syntax errors are reported in Errors alongside whatever tree the parser
// recovered.
func (e *Engine) ParseFile(args *api.ParseFileArgs) (*api.ParseFileResult, error) {
	name := args.Path
	data := []byte(args.Source)
	if args.Source == "" {
		if name == "" {
			return nil, ErrNoInput
		}
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		data = b
	} else if name == "" {
		name = "source0" + SourceExt
	}

	res := &api.ParseFileResult{}
	f, err := parser.ParseFile(name, data, parser.ParseComments)
	if err != nil {
		res.Errors = toErrors(err, LevelError, codeParse)
	}
	if f == nil {
		return res, nil
	}
	out, err := json.Marshal(nodeJSON(reflect.ValueOf(f)))
	if err != nil {
		return nil, fmt.Errorf("encoding syntax tree: %w", err)
	}
	res.AstJson = string(out)

	seen := map[string]bool{}
	for _, spec := range f.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		deps := []string{p}
		if dir, ok := resolveExternal(p, "", args.ExternalPkgs); ok {
			srcs, err := readPackageDir(dir)
			if err != nil {
				return nil, fmt.Errorf("loading package %q: %w", p, err)
			}
			deps = deps[:0]
			for _, src := range srcs {
				deps = append(deps, src.Name)
			}
		}
		for _, d := range deps {
			if !seen[d] {
				seen[d] = true
				res.Deps = append(res.Deps, d)
			}
		}
	}
	return res, nil
}

// ParseProgram parses every file of a program. The tree is a JSON object
// with one entry per file under "files", in input order.
func (e *Engine) ParseProgram(args *api.ParseProgramArgs) (*api.ParseProgramResult, error) {
	srcs, err := readProgramSources(args.Paths, args.Sources)
	if err != nil {
		return nil, err
	}
	pkgs, err := loadExternal(srcs, "", args.ExternalPkgs)
	if err != nil {
		return nil, err
	}
	for _, pkg := range pkgs {
		srcs = append(srcs, pkg.Files...)
	}

	res := &api.ParseProgramResult{}
	var trees []any
	for _, src := range srcs {
		f, err := parser.ParseFile(src.Name, src.Data, parser.ParseComments)
		if err != nil {
			res.Errors = append(res.Errors, toErrors(err, LevelError, codeParse)...)
		}
		res.Paths = append(res.Paths, src.Name)
		if f != nil {
			trees = append(trees, nodeJSON(reflect.ValueOf(f)))
		}
	}
	out, err := json.Marshal(map[string]any{"files": trees})
	if err != nil {
		return nil, fmt.Errorf("encoding syntax tree: %w", err)
	}
	res.AstJson = string(out)
	return res, nil
}

var (
	nodeType = reflect.TypeOf((*ast.Node)(nil)).Elem()
	posType  = reflect.TypeOf(token.Pos{})
	tokType  = reflect.TypeOf(token.Token(0))
)

// Fields that point back into the tree, or duplicate other fields.
var skipFields = map[string]bool{
	"Scope":      true,
	"Node":       true,
	"Unresolved": true,
	"Imports":    true,
}

// nodeJSON converts a syntax tree into plain values for encoding. Each node
// becomes an object with its Go type name under "type" and its position
// under "line" and "column".
func nodeJSON(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return nodeJSON(v.Elem())
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Type().Implements(nodeType) {
			return nodeObject(v)
		}
		return nodeJSON(v.Elem())
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = nodeJSON(v.Index(i))
		}
		return out
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	}
	if v.Type() == tokType {
		return v.Interface().(token.Token).String()
	}
	if v.CanInt() {
		return v.Int()
	}
	return nil
}

func nodeObject(v reflect.Value) map[string]any {
	n := v.Interface().(ast.Node)
	obj := map[string]any{"type": v.Type().Elem().Name()}
	if pos := n.Pos(); pos.IsValid() {
		obj["line"] = pos.Line()
		obj["column"] = pos.Column()
	}
	var comments []string
	for _, cg := range ast.Comments(n) {
		comments = append(comments, strings.TrimSpace(cg.Text()))
	}
	if len(comments) > 0 {
		obj["comments"] = comments
	}

	s := v.Elem()
	t := s.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Anonymous || skipFields[sf.Name] || sf.Type == posType {
			continue
		}
		if x := nodeJSON(s.Field(i)); x != nil {
			obj[sf.Name] = x
		}
	}
	return obj
}
