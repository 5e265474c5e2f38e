package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"

	"github.com/chazu/confvm/api"
)

// maxTypeDepth bounds the expansion of recursive definitions.
const maxTypeDepth = 8

// GetFullSchemaType describes the definitions of a program, optionally
// only the one named args.SchemaName. Definitions are listed in
// declaration order.
func (e *Engine) GetFullSchemaType(args *api.GetFullSchemaTypeArgs) (*api.GetSchemaTypeResult, error) {
	types, err := e.schemaTypes(args.ExecArgs, args.SchemaName)
	if err != nil {
		return nil, err
	}
	return &api.GetSchemaTypeResult{SchemaTypeList: types}, nil
}

// GetSchemaTypeMapping describes the definitions of a program keyed by
// name.
func (e *Engine) GetSchemaTypeMapping(args *api.GetSchemaTypeMappingArgs) (*api.GetSchemaTypeMappingResult, error) {
	types, err := e.schemaTypes(args.ExecArgs, args.SchemaName)
	if err != nil {
		return nil, err
	}
	res := &api.GetSchemaTypeMappingResult{SchemaTypeMapping: map[string]*api.SchemaType{}}
	for _, t := range types {
		res.SchemaTypeMapping[t.SchemaName] = t
	}
	return res, nil
}

func (e *Engine) schemaTypes(args *api.ExecProgramArgs, only string) ([]*api.SchemaType, error) {
	prog, err := e.Load(args)
	if err != nil {
		return nil, err
	}
	root, err := e.evaluate(context.Background(), prog, args, nil, false)
	if err != nil {
		return nil, err
	}
	only = strings.TrimPrefix(only, "#")

	iter, err := root.Fields(cue.Definitions(true))
	if err != nil {
		return nil, err
	}
	t := typer{pkgPath: packagePath(root)}
	var out []*api.SchemaType
	for iter.Next() {
		sel := iter.Selector()
		if !sel.IsDefinition() {
			continue
		}
		name := strings.TrimPrefix(sel.String(), "#")
		if only != "" && name != only {
			continue
		}
		st := t.describe(iter.Value(), 0)
		st.Type = "schema"
		st.SchemaName = name
		st.SchemaDoc = valueDoc(iter.Value())
		st.Description = ""
		out = append(out, st)
	}
	return out, nil
}

func packagePath(v cue.Value) string {
	if inst := v.BuildInstance(); inst != nil && inst.PkgName != "" {
		return inst.PkgName
	}
	return "__main__"
}

type typer struct {
	pkgPath string
}

func (t typer) describe(v cue.Value, depth int) *api.SchemaType {
	st := &api.SchemaType{PkgPath: t.pkgPath, Description: valueDoc(v)}
	if pos := v.Pos(); pos.IsValid() {
		st.Line = int32(pos.Line())
		st.Filename = pos.Filename()
	}
	if d, ok := v.Default(); ok && d.IsConcrete() {
		st.Default = fmt.Sprint(d)
	}

	if op, args := v.Expr(); op == cue.OrOp && len(args) > 1 && !isSingleKind(v.IncompleteKind()) {
		st.Type = "union"
		for _, a := range args {
			st.UnionTypes = append(st.UnionTypes, t.describe(a, depth+1))
		}
		return st
	}

	k := v.IncompleteKind()
	switch {
	case k == cue.StructKind:
		if _, path := v.ReferencePath(); depth > 0 && isDefinitionPath(path) {
			sels := path.Selectors()
			st.Type = "schema"
			st.SchemaName = strings.TrimPrefix(sels[len(sels)-1].String(), "#")
		} else if item := v.LookupPath(cue.MakePath(cue.AnyString)); item.Exists() {
			st.Type = "dict"
			st.Key = &api.SchemaType{Type: "string"}
			st.Item = t.describe(item, depth+1)
			return st
		} else {
			st.Type = "struct"
		}
		if depth >= maxTypeDepth {
			return st
		}
		t.properties(st, v, depth)

	case k == cue.ListKind:
		st.Type = "list"
		if item := v.LookupPath(cue.MakePath(cue.AnyIndex)); item.Exists() && depth < maxTypeDepth {
			st.Item = t.describe(item, depth+1)
		}

	default:
		st.Type = kindName(k)
	}
	return st
}

func (t typer) properties(st *api.SchemaType, v cue.Value, depth int) {
	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return
	}
	for iter.Next() {
		if st.Properties == nil {
			st.Properties = map[string]*api.SchemaType{}
		}
		name := selectorLabel(iter.Selector())
		st.Properties[name] = t.describe(iter.Value(), depth+1)
		if !iter.IsOptional() {
			st.Required = append(st.Required, name)
		}
	}
	sort.Strings(st.Required)
}

func isDefinitionPath(p cue.Path) bool {
	sels := p.Selectors()
	return len(sels) > 0 && sels[len(sels)-1].IsDefinition()
}

func isSingleKind(k cue.Kind) bool {
	switch k {
	case cue.NullKind, cue.BoolKind, cue.IntKind, cue.FloatKind, cue.StringKind,
		cue.BytesKind, cue.StructKind, cue.ListKind, cue.NumberKind:
		return true
	}
	return false
}

func kindName(k cue.Kind) string {
	switch k {
	case cue.NullKind:
		return "null"
	case cue.BoolKind:
		return "bool"
	case cue.IntKind:
		return "int"
	case cue.FloatKind:
		return "float"
	case cue.NumberKind:
		return "number"
	case cue.StringKind:
		return "string"
	case cue.BytesKind:
		return "bytes"
	case cue.TopKind:
		return "any"
	}
	return "union"
}

func valueDoc(v cue.Value) string {
	var parts []string
	for _, cg := range v.Doc() {
		if s := strings.TrimSpace(cg.Text()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
