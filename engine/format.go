package engine

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue/format"
	"go.uber.org/multierr"

	"github.com/chazu/confvm/api"
)

// FormatCode formats source text. Source that does not parse is an error:
// there is nothing sensible to return in its place.
func (e *Engine) FormatCode(args *api.FormatCodeArgs) (*api.FormatCodeResult, error) {
	out, err := format.Source([]byte(args.Source))
	if err != nil {
		return nil, fmt.Errorf("format: %s", errorText(err, ""))
	}
	return &api.FormatCodeResult{Formatted: out}, nil
}

// FormatPath formats a file, a directory, or with a "/..." suffix a
// directory tree, rewriting files in place. It reports the files whose
// contents changed.
func (e *Engine) FormatPath(args *api.FormatPathArgs) (*api.FormatPathResult, error) {
	paths, err := sourcePaths(args.Path)
	if err != nil {
		return nil, err
	}
	res := &api.FormatPathResult{}
	var errs error
	for _, path := range paths {
		changed, err := formatFile(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			res.ChangedPaths = append(res.ChangedPaths, path)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return res, nil
}

func formatFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	out, err := format.Source(data)
	if err != nil {
		return false, fmt.Errorf("formatting %s: %s", path, errorText(err, ""))
	}
	if bytes.Equal(out, data) {
		return false, nil
	}
	if err := writeFileAtomic(path, out); err != nil {
		return false, err
	}
	log.Debugf("formatted %s", path)
	return true, nil
}

// sourcePaths expands path into the source files it names. A trailing
// "/..." walks subdirectories.
func sourcePaths(path string) ([]string, error) {
	recursive := false
	if p, ok := strings.CutSuffix(path, "/..."); ok {
		path, recursive = p, true
	} else if path == "..." {
		path, recursive = ".", true
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var out []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(p, SourceExt) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", path, err)
	}
	return out, nil
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory, keeping the original permissions.
func writeFileAtomic(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
