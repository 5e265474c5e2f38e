package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/plugin"
)

var log = commonlog.GetLogger("confvm.manifest")

// ResolvedDep represents a dependency that has been resolved to a local path.
type ResolvedDep struct {
	Name      string    // dependency name
	LocalPath string    // local filesystem path
	Import    string    // import path programs use for this dependency
	Manifest  *Manifest // the dependency's own manifest (may be nil)
}

// Resolver manages dependency resolution.
type Resolver struct {
	manifest *Manifest
	lock     *LockFile
}

// NewResolver creates a new dependency resolver.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{manifest: m}
}

// Resolve resolves all dependencies and returns them in load order
// (dependencies before dependents, siblings by name).
func (r *Resolver) Resolve() ([]ResolvedDep, error) {
	lock, err := ReadLock(r.manifest.LockFilePath())
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	r.lock = lock

	resolved := make(map[string]*ResolvedDep)
	order, err := r.resolveAll(r.manifest, r.manifest.Dependencies, resolved)
	if err != nil {
		return nil, err
	}
	if err := checkImports(order); err != nil {
		return nil, err
	}

	if len(resolved) > 0 {
		if err := r.writeLock(resolved); err != nil {
			return nil, fmt.Errorf("writing lock file: %w", err)
		}
	}
	return order, nil
}

// resolveAll resolves the dependencies declared by owner, recursively.
func (r *Resolver) resolveAll(owner *Manifest, deps map[string]Dependency, resolved map[string]*ResolvedDep) ([]ResolvedDep, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	var order []ResolvedDep
	for _, name := range names {
		if _, ok := resolved[name]; ok {
			continue // already resolved
		}

		rd, err := r.resolveOne(owner, name, deps[name])
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		resolved[name] = rd

		if rd.Manifest != nil && len(rd.Manifest.Dependencies) > 0 {
			transitive, err := r.resolveAll(rd.Manifest, rd.Manifest.Dependencies, resolved)
			if err != nil {
				return nil, err
			}
			order = append(order, transitive...)
		}
		order = append(order, *rd)
	}
	return order, nil
}

// stdRoots are the first path elements of the language's standard
// packages.
var stdRoots = map[string]bool{
	"crypto": true, "encoding": true, "list": true, "math": true, "net": true,
	"path": true, "regexp": true, "strconv": true, "strings": true,
	"struct": true, "text": true, "time": true, "tool": true, "uuid": true,
}

// resolveImport determines the import path of a dependency:
//  1. Consumer override (dep.Import from TOML)
//  2. Producer manifest (depManifest.Module.Path)
//  3. The dependency name
func resolveImport(name string, dep Dependency, depManifest *Manifest) (string, error) {
	var imp string
	switch {
	case dep.Import != "":
		imp = dep.Import
	case depManifest != nil && depManifest.Module.Path != "":
		imp = depManifest.Module.Path
	default:
		imp = name
	}

	root, _, _ := strings.Cut(imp, "/")
	if strings.HasPrefix(imp, plugin.ImportPrefix) || stdRoots[root] {
		return "", fmt.Errorf("dependency %q resolves to reserved import path %q; add import = \"...\" in [dependencies]", name, imp)
	}
	return imp, nil
}

// checkImports rejects two dependencies claiming the same import path.
func checkImports(deps []ResolvedDep) error {
	owner := map[string]string{}
	for _, d := range deps {
		if prev, ok := owner[d.Import]; ok {
			return fmt.Errorf("dependencies %q and %q both resolve to import path %q", prev, d.Name, d.Import)
		}
		owner[d.Import] = d.Name
	}
	return nil
}

// resolveOne resolves a single dependency. Relative paths are taken from
// the directory of the manifest that declares the dependency.
func (r *Resolver) resolveOne(owner *Manifest, name string, dep Dependency) (*ResolvedDep, error) {
	var localPath string
	switch {
	case dep.Path != "":
		localPath = dep.Path
		if !filepath.IsAbs(localPath) {
			localPath = filepath.Join(owner.Dir, localPath)
		}
		abs, err := filepath.Abs(localPath)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", dep.Path, err)
		}
		localPath = abs
		if _, err := os.Stat(localPath); err != nil {
			return nil, fmt.Errorf("local dependency %q not found at %s: %w", name, localPath, err)
		}

	case dep.Git != "":
		localPath = filepath.Join(r.manifest.DepsDir(), name)
		if err := r.fetchGit(name, dep, localPath); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("dependency %q has no git or path specified", name)
	}

	// Try to load its manifest
	depManifest, _ := Load(localPath)

	imp, err := resolveImport(name, dep, depManifest)
	if err != nil {
		return nil, err
	}
	return &ResolvedDep{
		Name:      name,
		LocalPath: localPath,
		Import:    imp,
		Manifest:  depManifest,
	}, nil
}

func (r *Resolver) fetchGit(name string, dep Dependency, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("creating deps dir: %w", err)
	}
	locked := r.lock.FindLockedDep(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Infof("cloning %s from %s", name, dep.Git)
		if _, err := git("", "clone", "--quiet", dep.Git, dir); err != nil {
			return err
		}
	} else if locked == nil || locked.Tag != dep.Tag {
		log.Infof("fetching %s", name)
		if _, err := git(dir, "fetch", "--quiet", "--all", "--tags"); err != nil {
			return err
		}
	}
	// A lock entry for the same tag pins the exact commit.
	if locked != nil && locked.Tag == dep.Tag && locked.Commit != "" {
		return checkoutRef(dir, locked.Commit)
	}
	return checkoutRef(dir, dep.Tag)
}

// writeLock writes the resolved dependencies to the lock file.
func (r *Resolver) writeLock(resolved map[string]*ResolvedDep) error {
	lf := &LockFile{}
	for _, rd := range resolved {
		ld := LockedDep{Name: rd.Name, Import: rd.Import}
		dep, direct := r.manifest.Dependencies[rd.Name]
		switch {
		case direct && dep.Git != "":
			ld.Git = dep.Git
			ld.Tag = dep.Tag
			if commit, err := headCommit(rd.LocalPath); err == nil {
				ld.Commit = commit
			}
		default:
			ld.Path = rd.LocalPath
		}
		lf.Deps = append(lf.Deps, ld)
	}

	lockDir := filepath.Dir(r.manifest.LockFilePath())
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return err
	}
	return WriteLock(r.manifest.LockFilePath(), lf)
}

// ExternalPkgs maps resolved dependencies to the external packages of an
// ExecProgram request.
func ExternalPkgs(deps []ResolvedDep) []*api.ExternalPkg {
	out := make([]*api.ExternalPkg, 0, len(deps))
	for _, d := range deps {
		out = append(out, &api.ExternalPkg{PkgName: d.Import, PkgPath: d.LocalPath})
	}
	return out
}

// ExecArgs builds the ExecProgram request for the module: its entry files
// and every dependency as an external package.
func (m *Manifest) ExecArgs() (*api.ExecProgramArgs, error) {
	deps, err := NewResolver(m).Resolve()
	if err != nil {
		return nil, err
	}
	return &api.ExecProgramArgs{
		WorkDir:      m.Dir,
		Files:        m.SourceFiles(),
		ExternalPkgs: ExternalPkgs(deps),
	}, nil
}
