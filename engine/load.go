package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/build"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/plugin"
)

// Load reads the sources named by args, and every external package they
// import, into a Program. In-memory sources in args.Sources take the place
// of the file at the same index.
func (e *Engine) Load(args *api.ExecProgramArgs) (*Program, error) {
	if args == nil || (len(args.Files) == 0 && len(args.Sources) == 0) {
		return nil, ErrNoInput
	}
	if len(args.Sources) > 0 && len(args.Files) > 0 && len(args.Sources) != len(args.Files) {
		return nil, fmt.Errorf("%w: %d files, %d sources", ErrSourceMismatch, len(args.Files), len(args.Sources))
	}

	workDir := args.WorkDir
	if workDir != "" {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return nil, fmt.Errorf("resolving work dir %s: %w", workDir, err)
		}
		workDir = abs
	}

	prog := &Program{WorkDir: workDir}
	switch {
	case len(args.Sources) > 0:
		for i, src := range args.Sources {
			name := fmt.Sprintf("source%d%s", i, SourceExt)
			if i < len(args.Files) {
				name = absPath(workDir, args.Files[i])
			}
			prog.Files = append(prog.Files, Source{Name: name, Data: []byte(src)})
		}
	default:
		for _, f := range args.Files {
			srcs, err := readSources(absPath(workDir, f))
			if err != nil {
				return nil, err
			}
			prog.Files = append(prog.Files, srcs...)
		}
	}

	pkgs, err := loadExternal(prog.Files, workDir, args.ExternalPkgs)
	if err != nil {
		return nil, err
	}
	prog.Packages = pkgs
	return prog, nil
}

// readSources reads a single file, or every non-test source file of a
// directory in name order.
func readSources(path string) ([]Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return []Source{{Name: path, Data: data}}, nil
	}
	return readPackageDir(path)
}

func readPackageDir(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var out []Source
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, SourceExt) || strings.HasSuffix(name, TestFileSuffix) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		out = append(out, Source{Name: path, Data: data})
	}
	return out, nil
}

// loadExternal follows the imports of files through the external package
// table and reads every package reached.
func loadExternal(files []Source, workDir string, ext []*api.ExternalPkg) ([]Package, error) {
	if len(ext) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []Package
	queue := importsOf(files)
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		if seen[path] {
			continue
		}
		seen[path] = true

		dir, ok := resolveExternal(path, workDir, ext)
		if !ok {
			continue
		}
		srcs, err := readPackageDir(dir)
		if err != nil {
			return nil, fmt.Errorf("loading package %q: %w", path, err)
		}
		out = append(out, Package{ImportPath: path, Dir: dir, Files: srcs})
		queue = append(queue, importsOf(srcs)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImportPath < out[j].ImportPath })
	return out, nil
}

func resolveExternal(path, workDir string, ext []*api.ExternalPkg) (string, bool) {
	for _, pkg := range ext {
		if pkg == nil || pkg.PkgName == "" {
			continue
		}
		root := absPath(workDir, pkg.PkgPath)
		if path == pkg.PkgName {
			return root, true
		}
		if rest, ok := strings.CutPrefix(path, pkg.PkgName+"/"); ok {
			return filepath.Join(root, filepath.FromSlash(rest)), true
		}
	}
	return "", false
}

// importsOf lists the import paths of srcs. Files that do not parse are
// skipped; their errors surface when the program is built.
func importsOf(srcs []Source) []string {
	var out []string
	for _, src := range srcs {
		f, err := parser.ParseFile(src.Name, src.Data, parser.ImportsOnly)
		if err != nil {
			continue
		}
		for _, spec := range f.Imports {
			if p, err := strconv.Unquote(spec.Path.Value); err == nil && !strings.HasPrefix(p, plugin.ImportPrefix) {
				out = append(out, p)
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Parsing and building
// ---------------------------------------------------------------------------

// unit is a parsed Program. It is consumed by exactly one build.
type unit struct {
	workDir string
	files   []*ast.File
	pkgs    map[string][]*ast.File
	dirs    map[string]string
}

func parseSources(srcs []Source) ([]*ast.File, cueerrors.Error) {
	var errs cueerrors.Error
	files := make([]*ast.File, 0, len(srcs))
	for _, src := range srcs {
		f, err := parser.ParseFile(src.Name, src.Data, parser.ParseComments)
		if err != nil {
			errs = cueerrors.Append(errs, cueerrors.Promote(err, "parse error"))
			continue
		}
		files = append(files, f)
	}
	return files, errs
}

func parseProgram(p *Program) (*unit, error) {
	u := &unit{
		workDir: p.WorkDir,
		pkgs:    map[string][]*ast.File{},
		dirs:    map[string]string{},
	}
	files, errs := parseSources(p.Files)
	u.files = files
	for _, pkg := range p.Packages {
		pf, err := parseSources(pkg.Files)
		errs = cueerrors.Append(errs, err)
		u.pkgs[pkg.ImportPath] = pf
		u.dirs[pkg.ImportPath] = pkg.Dir
	}
	if errs != nil {
		return nil, errs
	}
	return u, nil
}

// build evaluates the unit in ctx. External packages are served from the
// unit; any other import falls through to CUE's builtin packages.
func (u *unit) build(ctx *cue.Context) (cue.Value, error) {
	bctx := build.NewContext()
	load := u.loader(bctx)

	dir := u.workDir
	if dir == "" {
		dir = "."
	}
	inst := bctx.NewInstance(dir, load)
	for _, f := range u.files {
		if err := inst.AddSyntax(f); err != nil {
			return cue.Value{}, err
		}
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return v, err
	}
	return v, nil
}

// buildPackage evaluates the external package imported as path.
func (u *unit) buildPackage(ctx *cue.Context, path string) cue.Value {
	inst := u.loader(build.NewContext())(token.NoPos, path)
	if inst == nil {
		return cue.Value{}
	}
	return ctx.BuildInstance(inst)
}

func (u *unit) loader(bctx *build.Context) build.LoadFunc {
	var load build.LoadFunc
	load = func(pos token.Pos, path string) *build.Instance {
		files, ok := u.pkgs[path]
		if !ok {
			return nil
		}
		inst := bctx.NewInstance(u.dirs[path], load)
		for _, f := range files {
			if err := inst.AddSyntax(f); err != nil {
				inst.Err = cueerrors.Append(inst.Err, err)
			}
		}
		return inst
	}
	return load
}
