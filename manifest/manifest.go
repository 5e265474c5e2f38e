// Package manifest handles confvm.toml module configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the manifest file.
const FileName = "confvm.toml"

// Manifest represents a confvm.toml module configuration.
type Manifest struct {
	Module       Module                `toml:"module"`
	Source       Source                `toml:"source"`
	Dependencies map[string]Dependency `toml:"dependencies"`
	Build        BuildConfig           `toml:"build"`

	// Dir is the directory containing the confvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Module contains module metadata.
type Module struct {
	Name    string `toml:"name"`
	Path    string `toml:"path"` // import path other modules use for this one
	Version string `toml:"version"`
}

// Source configures the program's entry files.
type Source struct {
	Files []string `toml:"files"`
}

// Dependency represents a single module dependency.
type Dependency struct {
	Git    string `toml:"git"`
	Tag    string `toml:"tag"`
	Path   string `toml:"path"`
	Import string `toml:"import"`
}

// BuildConfig configures artifact output.
type BuildConfig struct {
	Output string `toml:"output"`
}

// Load parses a confvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(m.Source.Files) == 0 {
		m.Source.Files = []string{"."}
	}
	if m.Build.Output == "" {
		m.Build.Output = filepath.Join(".confvm", "build", "main.cfva")
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a confvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// SourceFiles returns absolute paths for the configured entry files.
func (m *Manifest) SourceFiles() []string {
	var paths []string
	for _, f := range m.Source.Files {
		if filepath.IsAbs(f) {
			paths = append(paths, f)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, f))
	}
	return paths
}

// OutputPath returns the absolute artifact output path.
func (m *Manifest) OutputPath() string {
	if filepath.IsAbs(m.Build.Output) {
		return m.Build.Output
	}
	return filepath.Join(m.Dir, m.Build.Output)
}

// DepsDir returns the path to the .confvm/deps directory.
func (m *Manifest) DepsDir() string {
	return filepath.Join(m.Dir, ".confvm", "deps")
}

// LockFilePath returns the path to .confvm/lock.toml.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, ".confvm", "lock.toml")
}
