package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/parser"

	"github.com/chazu/confvm/api"
)

// Rename renames the field at SymbolPath, and the references to it, in
// every listed file, rewriting changed files in place. Changed files are
// reported as absolute, cleaned paths.
func (e *Engine) Rename(args *api.RenameArgs) (*api.RenameResult, error) {
	path, err := splitPath(args.SymbolPath)
	if err != nil {
		return nil, fmt.Errorf("symbol path: %w", err)
	}
	if !ast.IsValidIdent(args.NewName) {
		return nil, fmt.Errorf("new name %q is not a valid identifier", args.NewName)
	}

	sources := map[string][]byte{}
	var names []string
	for _, p := range args.FilePaths {
		full := absPath(args.PackageRoot, p)
		if abs, err := filepath.Abs(full); err == nil {
			full = abs
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", full, err)
		}
		sources[full] = data
		names = append(names, full)
	}

	changed, err := renameSources(sources, path, args.NewName)
	if err != nil {
		return nil, err
	}
	res := &api.RenameResult{}
	for _, name := range names {
		out, ok := changed[name]
		if !ok {
			continue
		}
		if err := writeFileAtomic(name, out); err != nil {
			return nil, err
		}
		res.ChangedFiles = append(res.ChangedFiles, name)
	}
	log.Infof("renamed %s to %s in %d files", args.SymbolPath, args.NewName, len(res.ChangedFiles))
	return res, nil
}

// RenameCode is Rename over in-memory sources keyed by file name. Only
// changed sources are returned.
func (e *Engine) RenameCode(args *api.RenameCodeArgs) (*api.RenameCodeResult, error) {
	path, err := splitPath(args.SymbolPath)
	if err != nil {
		return nil, fmt.Errorf("symbol path: %w", err)
	}
	if !ast.IsValidIdent(args.NewName) {
		return nil, fmt.Errorf("new name %q is not a valid identifier", args.NewName)
	}
	sources := map[string][]byte{}
	for name, code := range args.SourceCodes {
		sources[name] = []byte(code)
	}
	changed, err := renameSources(sources, path, args.NewName)
	if err != nil {
		return nil, err
	}
	res := &api.RenameCodeResult{ChangedCodes: map[string]string{}}
	for name, out := range changed {
		res.ChangedCodes[name] = string(out)
	}
	return res, nil
}

// renameSources renames the field at path in each source and returns the
// formatted sources that changed.
func renameSources(sources map[string][]byte, path []string, newName string) (map[string][]byte, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	out := map[string][]byte{}
	for _, name := range names {
		data := sources[name]
		f, err := parser.ParseFile(name, data, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %s", name, errorText(err, ""))
		}
		if !renameInFile(f, path, newName) {
			continue
		}
		b, err := format.Node(f)
		if err != nil {
			return nil, fmt.Errorf("formatting %s: %w", name, err)
		}
		if !bytes.Equal(b, data) {
			out[name] = b
		}
	}
	return out, nil
}

// renameInFile renames the declaration at path and the references that
// reach it: identifiers resolving to the declaration, unresolved
// identifiers for a top-level name, and selector chains spelling the path.
func renameInFile(f *ast.File, path []string, newName string) bool {
	r := renamer{path: path, oldName: path[len(path)-1], newName: newName}

	decls := f.Decls
	for i, name := range path {
		j := findField(decls, name)
		if j < 0 {
			break
		}
		field := decls[j].(*ast.Field)
		if i == len(path)-1 {
			field.Label = renamedLabel(field.Label, newName)
			r.decl = field
			r.changed = true
			break
		}
		s := structOf(field.Value)
		if s == nil {
			break
		}
		decls = s.Elts
	}

	for _, d := range f.Decls {
		r.walk(d)
	}
	return r.changed
}

type renamer struct {
	path             []string
	oldName, newName string
	decl             *ast.Field
	changed          bool
}

// walk renames references below n. Labels are never references.
func (r *renamer) walk(n ast.Node) {
	ast.Walk(n, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.Field:
			if x.Value != nil {
				r.walk(x.Value)
			}
			return false
		case *ast.SelectorExpr:
			if len(r.path) > 1 && selectorMatches(x, r.path) {
				x.Sel = ast.NewIdent(r.newName)
				r.changed = true
			}
			r.walk(x.X)
			return false
		case *ast.Ident:
			if x.Name == r.oldName && r.refers(x) {
				x.Name = r.newName
				r.changed = true
			}
		}
		return true
	}, nil)
}

func (r *renamer) refers(id *ast.Ident) bool {
	if r.decl != nil && id.Node != nil && (id.Node == r.decl || id.Node == r.decl.Value) {
		return true
	}
	return len(r.path) == 1 && refersTopLevel(id)
}

// selectorMatches reports whether s spells path, as in a.b.c.
func selectorMatches(s *ast.SelectorExpr, path []string) bool {
	var parts []string
	var e ast.Expr = s
	for {
		switch x := e.(type) {
		case *ast.SelectorExpr:
			parts = append(parts, labelName(x.Sel))
			e = x.X
			continue
		case *ast.Ident:
			parts = append(parts, x.Name)
		default:
			return false
		}
		break
	}
	if len(parts) != len(path) {
		return false
	}
	for i, p := range path {
		if parts[len(parts)-1-i] != p {
			return false
		}
	}
	return true
}

// refersTopLevel reports whether an identifier resolves to a top-level
// field of the file, or to nothing in the file, as references to fields
// of other files in the package do.
func refersTopLevel(id *ast.Ident) bool {
	if id.Node == nil {
		return id.Scope == nil
	}
	_, isFile := id.Scope.(*ast.File)
	return isFile
}

func renamedLabel(l ast.Label, newName string) ast.Label {
	n := ast.NewIdent(newName)
	ast.SetPos(n, l.Pos())
	ast.SetComments(n, ast.Comments(l))
	return n
}
