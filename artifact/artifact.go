// Package artifact builds programs into self-contained files and executes
// them later without reading the original sources.
//
// Each output path moves through Unbuilt, Built and back to Unbuilt when
// the file is removed. Executing an unbuilt path fails with ErrNotBuilt.
// Executes of one path may run concurrently with each other; a Build and an
// Execute of the same path may not, and the later arrival fails with
// ErrBusy.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/engine"
	"github.com/chazu/confvm/plugin"
)

var log = commonlog.GetLogger("confvm.artifact")

var (
	// ErrNotBuilt is returned when executing a path that holds no
	// artifact.
	ErrNotBuilt = errors.New("artifact not built")

	// ErrBusy is returned when a Build and an Execute of the same path
	// overlap.
	ErrBusy = errors.New("artifact busy")

	// ErrOutputNotWritable is returned when the output location cannot
	// receive an artifact.
	ErrOutputNotWritable = errors.New("artifact output not writable")
)

// Descriptor identifies a built artifact.
type Descriptor struct {
	Path    string
	BuildID string
	Digest  string
}

// Cache builds and executes artifacts. It is safe for concurrent use.
type Cache struct {
	engine *engine.Engine

	mu     sync.Mutex
	states map[string]*pathState
	loaded map[string]*entry

	loads singleflight.Group
}

type pathState struct {
	building  bool
	executing int
}

// entry is a decoded artifact, valid while the file keeps its size and
// modification time.
type entry struct {
	size    int64
	modTime time.Time
	img     *image
	digest  string
}

func (en *entry) matches(info fs.FileInfo) bool {
	return en.size == info.Size() && en.modTime.Equal(info.ModTime())
}

// New creates a Cache that compiles and evaluates with e.
func New(e *engine.Engine) *Cache {
	if e == nil {
		e = engine.New()
	}
	return &Cache{
		engine: e,
		states: make(map[string]*pathState),
		loaded: make(map[string]*entry),
	}
}

// ---------------------------------------------------------------------------
// Path states
// ---------------------------------------------------------------------------

func (c *Cache) beginBuild(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(path)
	if st.building || st.executing > 0 {
		return fmt.Errorf("%w: %s", ErrBusy, path)
	}
	st.building = true
	return nil
}

func (c *Cache) endBuild(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(path)
	st.building = false
	c.release(path, st)
}

func (c *Cache) beginExecute(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(path)
	if st.building {
		return fmt.Errorf("%w: %s", ErrBusy, path)
	}
	st.executing++
	return nil
}

func (c *Cache) endExecute(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(path)
	st.executing--
	c.release(path, st)
}

// state must be called with c.mu held.
func (c *Cache) state(path string) *pathState {
	st, ok := c.states[path]
	if !ok {
		st = &pathState{}
		c.states[path] = st
	}
	return st
}

func (c *Cache) release(path string, st *pathState) {
	if !st.building && st.executing == 0 {
		delete(c.states, path)
	}
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

// Build compiles the program described by args and writes it to output.
// A program that does not compile is returned as an error wrapping the
// engine's *CompileError. The file is written beside output and renamed
// into place, so a concurrent reader sees either the old or the new
// artifact.
func (c *Cache) Build(ctx context.Context, args *api.ExecProgramArgs, output string) (*Descriptor, error) {
	if output == "" {
		return nil, fmt.Errorf("%w: no output path", ErrOutputNotWritable)
	}
	path, err := filepath.Abs(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputNotWritable, err)
	}
	if err := checkWritableDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	if err := c.beginBuild(path); err != nil {
		return nil, err
	}
	defer c.endBuild(path)

	prog, err := c.engine.Compile(args)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", path, err)
	}

	buildID := uuid.NewString()
	data, digest, err := encode(newImage(buildID, prog, args))
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, data); err != nil {
		return nil, err
	}

	// Seed the decode cache with what was just written.
	if info, err := os.Stat(path); err == nil {
		img, _, err := decode(data)
		if err == nil {
			c.mu.Lock()
			c.loaded[path] = &entry{size: info.Size(), modTime: info.ModTime(), img: img, digest: digest}
			c.mu.Unlock()
		}
	}

	log.Infof("built %s (build %s, %d files)", path, buildID, len(prog.Files))
	return &Descriptor{Path: path, BuildID: buildID, Digest: digest}, nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputNotWritable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrOutputNotWritable, dir)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputNotWritable, err)
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
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

// Execute evaluates the artifact at path. A nil args runs the artifact
// with the arguments it was built with; otherwise args replaces them, and
// its file lists are ignored. The result is the one ExecProgram gives for
// the same sources and arguments, compile-only mode included.
func (c *Cache) Execute(ctx context.Context, path string, args *api.ExecProgramArgs, agent plugin.Agent) (*api.ExecProgramResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotBuilt, path, err)
	}
	if err := c.beginExecute(abs); err != nil {
		return nil, err
	}
	defer c.endExecute(abs)

	en, err := c.load(abs)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = en.img.Args.execArgs()
	}
	log.Debugf("executing %s (build %s)", abs, en.img.BuildID)
	return c.engine.Run(ctx, en.img.program(), args, agent)
}

// Info describes the artifact at path without executing it.
func (c *Cache) Info(path string) (*Descriptor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotBuilt, path, err)
	}
	en, err := c.load(abs)
	if err != nil {
		return nil, err
	}
	return &Descriptor{Path: abs, BuildID: en.img.BuildID, Digest: en.digest}, nil
}

// load returns the decoded artifact at path. Decodes are cached by size
// and modification time; concurrent loads of the same file share one
// read.
func (c *Cache) load(path string) (*entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.forget(path)
			return nil, fmt.Errorf("%w: %s", ErrNotBuilt, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotBuilt, path)
	}

	c.mu.Lock()
	en, ok := c.loaded[path]
	c.mu.Unlock()
	if ok && en.matches(info) {
		return en, nil
	}

	key := path + "\x00" + strconv.FormatInt(info.Size(), 10) + "\x00" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	v, err, _ := c.loads.Do(key, func() (any, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotBuilt, path)
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		img, digest, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		en := &entry{size: info.Size(), modTime: info.ModTime(), img: img, digest: digest}
		c.mu.Lock()
		c.loaded[path] = en
		c.mu.Unlock()
		return en, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (c *Cache) forget(path string) {
	c.mu.Lock()
	delete(c.loaded, path)
	c.mu.Unlock()
}
