package engine

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"

	"github.com/chazu/confvm/api"
)

// Options are declared with a @tag attribute on a field:
//
//	replicas: *1 | int @tag(replicas, type=int)
//
// A CmdArgSpec with a matching name is unified into the field's value.

type tagAttr struct {
	name string
	typ  string
}

func parseTag(a *ast.Attribute) (tagAttr, bool) {
	key, body := a.Split()
	if key != "tag" {
		return tagAttr{}, false
	}
	parts := strings.Split(body, ",")
	t := tagAttr{name: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		if k, v, ok := strings.Cut(strings.TrimSpace(p), "="); ok && strings.TrimSpace(k) == "type" {
			t.typ = strings.TrimSpace(v)
		}
	}
	return t, t.name != ""
}

func taggedFields(files []*ast.File, fn func(*ast.Field, tagAttr)) {
	for _, file := range files {
		ast.Walk(file, func(n ast.Node) bool {
			if field, ok := n.(*ast.Field); ok {
				for _, a := range field.Attrs {
					if t, ok := parseTag(a); ok {
						fn(field, t)
					}
				}
			}
			return true
		}, nil)
	}
}

// applyOptions unifies each argument into the fields tagged with its name.
// When an argument is given twice the last one wins.
func applyOptions(files []*ast.File, args []*api.CmdArgSpec) {
	if len(args) == 0 {
		return
	}
	values := map[string]string{}
	for _, a := range args {
		if a != nil {
			values[a.Name] = a.Value
		}
	}
	used := map[string]bool{}
	taggedFields(files, func(field *ast.Field, tag tagAttr) {
		raw, ok := values[tag.name]
		if !ok {
			return
		}
		field.Value = &ast.BinaryExpr{
			X:  &ast.ParenExpr{X: field.Value},
			Op: token.AND,
			Y:  optionExpr(raw, tag.typ),
		}
		used[tag.name] = true
	})
	for name := range values {
		if !used[name] {
			log.Debugf("option %q matches no tagged field", name)
		}
	}
}

// optionExpr interprets a raw option value. Literals keep their type; any
// other text, or any value of a string-typed tag, is taken as a string.
func optionExpr(raw, typ string) ast.Expr {
	if typ == "string" {
		return ast.NewString(raw)
	}
	expr, err := parser.ParseExpr("option", raw)
	if err != nil || !isLiteral(expr) {
		return ast.NewString(raw)
	}
	return expr
}

func isLiteral(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.BasicLit:
		return true
	case *ast.ParenExpr:
		return isLiteral(x.X)
	case *ast.UnaryExpr:
		return (x.Op == token.SUB || x.Op == token.ADD) && isLiteral(x.X)
	case *ast.ListLit:
		for _, elt := range x.Elts {
			if !isLiteral(elt) {
				return false
			}
		}
		return true
	case *ast.StructLit:
		for _, d := range x.Elts {
			f, ok := d.(*ast.Field)
			if !ok || !isLiteral(f.Value) {
				return false
			}
		}
		return true
	}
	return false
}

// ListOptions reports the options declared by a program.
func (e *Engine) ListOptions(args *api.ParseProgramArgs) (*api.ListOptionsResult, error) {
	srcs, err := readProgramSources(args.Paths, args.Sources)
	if err != nil {
		return nil, err
	}
	files, _ := parseSources(srcs)

	res := &api.ListOptionsResult{}
	seen := map[string]bool{}
	taggedFields(files, func(field *ast.Field, tag tagAttr) {
		if seen[tag.name] {
			return
		}
		seen[tag.name] = true
		def, typ := describeOption(field.Value)
		opt := &api.OptionHelp{
			Name:         tag.name,
			Type:         tag.typ,
			DefaultValue: def,
			Required:     def == "",
			Help:         docText(field),
		}
		if opt.Type == "" {
			opt.Type = typ
		}
		res.Options = append(res.Options, opt)
	})
	return res, nil
}

var builtinTypes = map[string]bool{
	"int": true, "float": true, "number": true, "string": true,
	"bool": true, "bytes": true, "null": true,
}

// describeOption extracts the default value and type name of a field
// value such as `*1 | int` or `"dev"`.
func describeOption(e ast.Expr) (def, typ string) {
	switch x := e.(type) {
	case *ast.BinaryExpr:
		if x.Op == token.OR || x.Op == token.AND {
			d1, t1 := describeOption(x.X)
			d2, t2 := describeOption(x.Y)
			return firstNonEmpty(d1, d2), firstNonEmpty(t1, t2)
		}
	case *ast.UnaryExpr:
		if x.Op == token.MUL {
			_, t := describeOption(x.X)
			return exprText(x.X), t
		}
	case *ast.Ident:
		if builtinTypes[x.Name] {
			return "", x.Name
		}
	case *ast.BasicLit:
		return "", literalType(x)
	case *ast.ParenExpr:
		return describeOption(x.X)
	}
	return "", ""
}

func literalType(lit *ast.BasicLit) string {
	switch lit.Kind {
	case token.INT:
		return "int"
	case token.FLOAT:
		return "float"
	case token.STRING:
		if strings.HasPrefix(lit.Value, "'") {
			return "bytes"
		}
		return "string"
	case token.TRUE, token.FALSE:
		return "bool"
	case token.NULL:
		return "null"
	}
	return ""
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// exprText formats n as CUE source.
func exprText(n ast.Node) string {
	b, err := format.Node(n)
	if err != nil {
		return fmt.Sprint(n)
	}
	return strings.TrimSpace(string(b))
}

// docText returns the doc comment attached to n.
func docText(n ast.Node) string {
	var parts []string
	for _, cg := range ast.Comments(n) {
		if cg.Doc {
			parts = append(parts, strings.TrimSpace(cg.Text()))
		}
	}
	return strings.Join(parts, "\n")
}

// readProgramSources pairs paths with in-memory sources, or reads paths
// from disk when no sources are given.
func readProgramSources(paths, sources []string) ([]Source, error) {
	if len(paths) == 0 && len(sources) == 0 {
		return nil, ErrNoInput
	}
	if len(sources) > 0 {
		if len(paths) > 0 && len(paths) != len(sources) {
			return nil, fmt.Errorf("%w: %d paths, %d sources", ErrSourceMismatch, len(paths), len(sources))
		}
		out := make([]Source, len(sources))
		for i, src := range sources {
			name := fmt.Sprintf("source%d%s", i, SourceExt)
			if i < len(paths) {
				name = paths[i]
			}
			out[i] = Source{Name: name, Data: []byte(src)}
		}
		return out, nil
	}
	var out []Source
	for _, p := range paths {
		srcs, err := readSources(p)
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}
