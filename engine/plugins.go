package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/ast/astutil"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/chazu/confvm/plugin"
)

// pluginSite is a plugin call that has not been answered yet.
type pluginSite struct {
	id     int
	pos    token.Pos
	method string
	args   []ast.Expr
	pkg    string         // import path of the enclosing package; empty for the program
	scope  []cue.Selector // enclosing fields, outermost first
}

// pluginCalls replaces the plugin calls of one parse of a program. Calls
// are numbered in walk order, which is the same for every parse of the
// same sources, so answers carry over from one round to the next.
type pluginCalls struct {
	answers map[int]string
	pending []pluginSite
	next    int
}

// expand splices the answered calls of u in as values and replaces the
// others with top, recording them as pending.
func (p *pluginCalls) expand(u *unit) error {
	errs := p.expandFiles("", u.files)
	paths := make([]string, 0, len(u.pkgs))
	for path := range u.pkgs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		errs = cueerrors.Append(errs, p.expandFiles(path, u.pkgs[path]))
	}
	if errs != nil {
		return errs
	}
	return nil
}

func (p *pluginCalls) expandFiles(pkg string, files []*ast.File) cueerrors.Error {
	var errs cueerrors.Error
	for _, f := range files {
		aliases := stripPluginImports(f)
		if len(aliases) == 0 {
			continue
		}
		// Calls are handled after their arguments, so a call nested in the
		// arguments of another is numbered and answered first.
		var fields []ast.Label
		astutil.Apply(f, func(c astutil.Cursor) bool {
			if field, ok := c.Node().(*ast.Field); ok {
				fields = append(fields, field.Label)
			}
			return true
		}, func(c astutil.Cursor) bool {
			switch n := c.Node().(type) {
			case *ast.Field:
				fields = fields[:len(fields)-1]
			case *ast.CallExpr:
				method, ok := pluginMethod(n, aliases)
				if !ok {
					return true
				}
				id := p.next
				p.next++
				if out, ok := p.answers[id]; ok {
					expr, err := cuejson.Extract(method, []byte(out))
					if err != nil {
						errs = cueerrors.Append(errs, cueerrors.Newf(n.Pos(), "%s: %v", method, err))
						return true
					}
					c.Replace(expr)
					return true
				}
				p.pending = append(p.pending, pluginSite{
					id:     id,
					pos:    n.Pos(),
					method: method,
					args:   n.Args,
					pkg:    pkg,
					scope:  scopeOf(fields),
				})
				c.Replace(ast.NewIdent("_"))
			}
			return true
		})
	}
	return errs
}

// scopeOf returns the path of the struct whose fields are visible to a call
// held by the innermost of fields. Labels that cannot be looked up end the
// path.
func scopeOf(fields []ast.Label) []cue.Selector {
	if len(fields) == 0 {
		return nil
	}
	var sels []cue.Selector
	for _, l := range fields[:len(fields)-1] {
		name, isIdent, err := ast.LabelName(l)
		switch {
		case err != nil:
			return sels
		case isIdent && strings.HasPrefix(name, "#"):
			sels = append(sels, cue.Def(name))
		case isIdent && strings.HasPrefix(name, "_"):
			return sels
		default:
			sels = append(sels, cue.Str(name))
		}
	}
	return sels
}

// answer evaluates the arguments of the pending calls against root and
// calls agent for every call whose arguments are concrete. It fails when
// no call could be made.
func (p *pluginCalls) answer(ctx context.Context, agent plugin.Agent, u *unit, root cue.Value) error {
	pkgs := map[string]cue.Value{}
	var blocked cueerrors.Error
	made := 0
	for _, s := range p.pending {
		base := root
		if s.pkg != "" {
			v, ok := pkgs[s.pkg]
			if !ok {
				v = u.buildPackage(root.Context(), s.pkg)
				pkgs[s.pkg] = v
			}
			base = v
		}
		args, err := s.arguments(base)
		if err != nil {
			blocked = cueerrors.Append(blocked, cueerrors.Newf(s.pos, "%v", err))
			continue
		}
		log.Debugf("plugin call %s", s.method)
		out, err := plugin.Invoke(ctx, agent, s.method, args, nil)
		if err != nil {
			return cueerrors.Newf(s.pos, "%v", err)
		}
		p.answers[s.id] = out
		made++
	}
	if made == 0 {
		return blocked
	}
	return nil
}

// arguments evaluates the call arguments as JSON.
func (s pluginSite) arguments(base cue.Value) ([]any, error) {
	out := make([]any, 0, len(s.args))
	for i, a := range s.args {
		raw, err := s.argument(base, a)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d is not concrete: %v", s.method, i+1, err)
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, nil
}

// argument evaluates a in the innermost enclosing struct of the call,
// moving outward until it is concrete.
func (s pluginSite) argument(base cue.Value, a ast.Expr) ([]byte, error) {
	first := errNotInScope
	for n := len(s.scope); n >= 0; n-- {
		scope := base.LookupPath(cue.MakePath(s.scope[:n]...))
		if !scope.Exists() {
			continue
		}
		v := base.Context().BuildExpr(a, cue.Scope(scope), cue.InferBuiltins(true))
		if d, ok := v.Default(); ok {
			v = d
		}
		err := v.Validate(cue.Concrete(true))
		if err == nil {
			return v.MarshalJSON()
		}
		if first == errNotInScope {
			first = err
		}
	}
	return nil, first
}

var errNotInScope = errors.New("no enclosing value")

// stripPluginImports removes plugin imports from f and returns the local
// name of each, mapped to the plugin name.
func stripPluginImports(f *ast.File) map[string]string {
	aliases := map[string]string{}
	var decls []ast.Decl
	for _, d := range f.Decls {
		imp, ok := d.(*ast.ImportDecl)
		if !ok {
			decls = append(decls, d)
			continue
		}
		var specs []*ast.ImportSpec
		for _, spec := range imp.Specs {
			p, err := strconv.Unquote(spec.Path.Value)
			if err != nil || !strings.HasPrefix(p, plugin.ImportPrefix) {
				specs = append(specs, spec)
				continue
			}
			name := strings.TrimPrefix(p, plugin.ImportPrefix)
			local := path.Base(name)
			if spec.Name != nil {
				local = spec.Name.Name
			}
			aliases[local] = name
		}
		if len(specs) > 0 {
			imp.Specs = specs
			decls = append(decls, imp)
		}
	}
	if len(aliases) == 0 {
		return nil
	}
	f.Decls = decls

	var imports []*ast.ImportSpec
	for _, spec := range f.Imports {
		if p, err := strconv.Unquote(spec.Path.Value); err == nil && strings.HasPrefix(p, plugin.ImportPrefix) {
			continue
		}
		imports = append(imports, spec)
	}
	f.Imports = imports
	return aliases
}

func pluginMethod(call *ast.CallExpr, aliases map[string]string) (string, bool) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return "", false
	}
	x, ok := sel.X.(*ast.Ident)
	if !ok {
		return "", false
	}
	name, ok := aliases[x.Name]
	if !ok {
		return "", false
	}
	fn, _, err := ast.LabelName(sel.Sel)
	if err != nil {
		return "", false
	}
	return name + "." + fn, true
}
