package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/plugin"
)

// ExecProgram loads, evaluates and exports a program. With CompileOnly set
// the program is only checked: the result is empty on success and carries
// the diagnostic in ErrMessage otherwise.
func (e *Engine) ExecProgram(ctx context.Context, args *api.ExecProgramArgs, agent plugin.Agent) (*api.ExecProgramResult, error) {
	prog, err := e.Load(args)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, prog, args, agent)
}

// Compile loads a program and checks that it compiles. Plugin calls are
// not made; they stand for any value.
func (e *Engine) Compile(args *api.ExecProgramArgs) (*Program, error) {
	prog, err := e.Load(args)
	if err != nil {
		return nil, err
	}
	if err := e.Check(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

// Check parses and builds prog, returning a *CompileError for parse
// errors, unresolved references and conflicting values. Incomplete values
// are allowed.
func (e *Engine) Check(prog *Program) error {
	return e.check(prog, nil)
}

func (e *Engine) check(prog *Program, args *api.ExecProgramArgs) error {
	v, err := e.evaluate(context.Background(), prog, args, nil, false)
	if err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return &CompileError{Message: errorText(err, prog.WorkDir), Errors: toErrors(err, LevelError, codeEval)}
	}
	return nil
}

// Run evaluates a loaded program with fresh runtime arguments. Overrides
// and options from args are applied to a private copy of the sources.
// CompileOnly behaves as in ExecProgram.
func (e *Engine) Run(ctx context.Context, prog *Program, args *api.ExecProgramArgs, agent plugin.Agent) (*api.ExecProgramResult, error) {
	if args == nil {
		args = &api.ExecProgramArgs{}
	}
	if args.CompileOnly {
		if err := e.check(prog, args); err != nil {
			return &api.ExecProgramResult{ErrMessage: err.Error()}, nil
		}
		return &api.ExecProgramResult{}, nil
	}
	v, err := e.evaluate(ctx, prog, args, agent, true)
	if err != nil {
		return &api.ExecProgramResult{ErrMessage: err.Error()}, nil
	}

	x := exporter{sortKeys: args.SortKeys, disableNone: args.DisableNone, showHidden: args.ShowHidden}
	out, err := x.selected(v, args.PathSelector)
	if err != nil {
		return &api.ExecProgramResult{ErrMessage: errorText(err, prog.WorkDir)}, nil
	}

	res := &api.ExecProgramResult{}
	js, err := encodeJSON(out)
	if err != nil {
		return nil, err
	}
	res.JsonResult = string(js)
	if !args.DisableYamlResult {
		ys, err := encodeYAML(out)
		if err != nil {
			return nil, err
		}
		res.YamlResult = string(ys)
	}
	return res, nil
}

// evaluate parses prog, applies args and builds the result in a new
// context. Without invoke every plugin call stands for any value. With
// invoke the calls are answered by agent in rounds: each round builds the
// program with the unanswered calls as top, evaluates their arguments
// against that value, and calls out for those whose arguments are
// concrete.
func (e *Engine) evaluate(ctx context.Context, prog *Program, args *api.ExecProgramArgs, agent plugin.Agent, invoke bool) (cue.Value, error) {
	answers := map[int]string{}
	for {
		u, err := parseProgram(prog)
		if err != nil {
			return cue.Value{}, &CompileError{Message: errorText(err, prog.WorkDir), Errors: toErrors(err, LevelError, codeParse)}
		}
		if args != nil {
			if err := applyOverrides(u.files, args.Overrides); err != nil {
				return cue.Value{}, &CompileError{Message: err.Error()}
			}
			applyOptions(u.files, args.Args)
		}
		calls := &pluginCalls{answers: answers}
		if err := calls.expand(u); err != nil {
			return cue.Value{}, pluginError(err, prog.WorkDir)
		}

		v, err := u.build(cuecontext.New())
		if err != nil {
			return cue.Value{}, &CompileError{Message: errorText(err, prog.WorkDir), Errors: toErrors(err, LevelError, codeEval)}
		}
		if !invoke || len(calls.pending) == 0 {
			return v, nil
		}
		if err := calls.answer(ctx, agent, u, v); err != nil {
			return cue.Value{}, pluginError(err, prog.WorkDir)
		}
	}
}

func pluginError(err error, workDir string) *CompileError {
	return &CompileError{Message: errorText(err, workDir), Errors: toErrors(err, LevelError, codePlugin)}
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

type exporter struct {
	sortKeys    bool
	disableNone bool
	showHidden  bool
}

// object is a JSON object that keeps its keys in declaration order.
type object struct {
	keys   []string
	values map[string]any
}

func (o *object) set(k string, v any) {
	if o.values == nil {
		o.values = map[string]any{}
	}
	if _, ok := o.values[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.values[k] = v
}

// selected exports v, or the values at paths. Several paths yield an object
// keyed by path.
func (x exporter) selected(v cue.Value, paths []string) (any, error) {
	if len(paths) == 0 {
		if err := v.Validate(cue.Concrete(true)); err != nil {
			return nil, err
		}
		return x.value(v)
	}
	obj := &object{}
	for _, p := range paths {
		sel := v.LookupPath(cue.ParsePath(selectorPath(p)))
		if !sel.Exists() {
			return nil, fmt.Errorf("path selector %q: no such field", p)
		}
		if err := sel.Validate(cue.Concrete(true)); err != nil {
			return nil, err
		}
		out, err := x.value(sel)
		if err != nil {
			return nil, err
		}
		if len(paths) == 1 {
			return out, nil
		}
		obj.set(p, out)
	}
	return obj, nil
}

// selectorPath drops a leading "pkg:" qualifier from a selector. A colon
// inside a quoted label is part of the label.
func selectorPath(p string) string {
	if i := strings.Index(p, ":"); i > 0 && ast.IsValidIdent(p[:i]) {
		return p[i+1:]
	}
	return p
}

func (x exporter) value(v cue.Value) (any, error) {
	if d, ok := v.Default(); ok {
		v = d
	}
	switch v.IncompleteKind() {
	case cue.StructKind:
		iter, err := v.Fields(cue.Hidden(x.showHidden))
		if err != nil {
			return nil, err
		}
		obj := &object{}
		for iter.Next() {
			sel := iter.Selector()
			if sel.IsDefinition() {
				continue
			}
			child, err := x.value(iter.Value())
			if err != nil {
				return nil, err
			}
			if child == nil && x.disableNone {
				continue
			}
			obj.set(selectorLabel(sel), child)
		}
		if x.sortKeys {
			sort.Strings(obj.keys)
		}
		return obj, nil

	case cue.ListKind:
		list, err := v.List()
		if err != nil {
			return nil, err
		}
		out := []any{}
		for list.Next() {
			item, err := x.value(list.Value())
			if err != nil {
				return nil, err
			}
			if item == nil && x.disableNone {
				continue
			}
			out = append(out, item)
		}
		return out, nil

	case cue.NullKind:
		return nil, nil

	case cue.BoolKind:
		return v.Bool()

	case cue.StringKind:
		return v.String()

	default:
		// Numbers and bytes keep CUE's JSON rendering.
		raw, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		if v.IncompleteKind() == cue.BytesKind {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			return s, nil
		}
		return json.Number(raw), nil
	}
}

func selectorLabel(sel cue.Selector) string {
	if sel.LabelType() == cue.StringLabel {
		return sel.Unquoted()
	}
	return sel.String()
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case *object:
		buf.WriteByte('{')
		for i, k := range x.keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteString(": ")
			if err := writeJSON(buf, x.values[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

func encodeYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(yamlNode(v)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func yamlNode(v any) *yaml.Node {
	switch x := v.(type) {
	case *object:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range x.keys {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				yamlNode(x.values[k]))
		}
		return n
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range x {
			n.Content = append(n.Content, yamlNode(item))
		}
		return n
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprint(x)}
	case json.Number:
		tag := "!!int"
		if strings.ContainsAny(string(x), ".eE") {
			tag = "!!float"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: string(x)}
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: fmt.Sprint(x)}
	}
}
