package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/engine"
)

// ---------------------------------------------------------------------------
// File format
// ---------------------------------------------------------------------------

// Magic identifies an artifact file.
var Magic = [4]byte{'C', 'F', 'V', 'A'}

// Version is the artifact format version.
// v1: initial format
const Version uint32 = 1

// headerSize is magic(4) + version(4) + digest(32).
const headerSize = 4 + 4 + sha256.Size

var (
	// ErrInvalidMagic is returned for files that are not artifacts.
	ErrInvalidMagic = errors.New("invalid artifact magic")

	// ErrVersionMismatch is returned for artifacts of another format
	// version.
	ErrVersionMismatch = errors.New("artifact version mismatch")

	// ErrCorrupt is returned when the body does not match its digest or
	// does not decode.
	ErrCorrupt = errors.New("corrupt artifact")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("artifact: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// image is the body of an artifact: the compiled program's sources and the
// runtime arguments it was built with.
type image struct {
	BuildID  string       `cbor:"1,keyasint"`
	WorkDir  string       `cbor:"2,keyasint"`
	Files    []sourceFile `cbor:"3,keyasint"`
	Packages []pkgImage   `cbor:"4,keyasint"`
	Args     runArgs      `cbor:"5,keyasint"`
}

type sourceFile struct {
	Name string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

type pkgImage struct {
	ImportPath string       `cbor:"1,keyasint"`
	Dir        string       `cbor:"2,keyasint"`
	Files      []sourceFile `cbor:"3,keyasint"`
}

// runArgs are the evaluation arguments of ExecProgramArgs that survive
// into an artifact. Sources and file lists are captured in the image
// itself.
type runArgs struct {
	Options           [][2]string `cbor:"1,keyasint,omitempty"`
	Overrides         []string    `cbor:"2,keyasint,omitempty"`
	PathSelector      []string    `cbor:"3,keyasint,omitempty"`
	SortKeys          bool        `cbor:"4,keyasint,omitempty"`
	DisableNone       bool        `cbor:"5,keyasint,omitempty"`
	ShowHidden        bool        `cbor:"6,keyasint,omitempty"`
	DisableYamlResult bool        `cbor:"7,keyasint,omitempty"`
}

func newRunArgs(args *api.ExecProgramArgs) runArgs {
	r := runArgs{
		Overrides:         args.Overrides,
		PathSelector:      args.PathSelector,
		SortKeys:          args.SortKeys,
		DisableNone:       args.DisableNone,
		ShowHidden:        args.ShowHidden,
		DisableYamlResult: args.DisableYamlResult,
	}
	for _, a := range args.Args {
		if a != nil {
			r.Options = append(r.Options, [2]string{a.Name, a.Value})
		}
	}
	return r
}

func (r runArgs) execArgs() *api.ExecProgramArgs {
	args := &api.ExecProgramArgs{
		Overrides:         r.Overrides,
		PathSelector:      r.PathSelector,
		SortKeys:          r.SortKeys,
		DisableNone:       r.DisableNone,
		ShowHidden:        r.ShowHidden,
		DisableYamlResult: r.DisableYamlResult,
	}
	for _, o := range r.Options {
		args.Args = append(args.Args, &api.CmdArgSpec{Name: o[0], Value: o[1]})
	}
	return args
}

func newImage(buildID string, prog *engine.Program, args *api.ExecProgramArgs) *image {
	img := &image{BuildID: buildID, WorkDir: prog.WorkDir, Files: sourceFiles(prog.Files), Args: newRunArgs(args)}
	for _, p := range prog.Packages {
		img.Packages = append(img.Packages, pkgImage{ImportPath: p.ImportPath, Dir: p.Dir, Files: sourceFiles(p.Files)})
	}
	return img
}

func sourceFiles(srcs []engine.Source) []sourceFile {
	out := make([]sourceFile, len(srcs))
	for i, s := range srcs {
		out[i] = sourceFile{Name: s.Name, Data: s.Data}
	}
	return out
}

func engineSources(files []sourceFile) []engine.Source {
	out := make([]engine.Source, len(files))
	for i, f := range files {
		out[i] = engine.Source{Name: f.Name, Data: f.Data}
	}
	return out
}

// program rebuilds the engine program held by the image.
func (img *image) program() *engine.Program {
	prog := &engine.Program{WorkDir: img.WorkDir, Files: engineSources(img.Files)}
	for _, p := range img.Packages {
		prog.Packages = append(prog.Packages, engine.Package{ImportPath: p.ImportPath, Dir: p.Dir, Files: engineSources(p.Files)})
	}
	return prog
}

// encode serializes img with its header and returns the bytes and the hex
// digest of the body.
func encode(img *image) ([]byte, string, error) {
	body, err := encMode.Marshal(img)
	if err != nil {
		return nil, "", fmt.Errorf("encoding artifact: %w", err)
	}
	sum := sha256.Sum256(body)

	var buf bytes.Buffer
	buf.Grow(headerSize + len(body))
	buf.Write(Magic[:])
	binary.Write(&buf, binary.LittleEndian, Version)
	buf.Write(sum[:])
	buf.Write(body)
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// decode parses and verifies artifact bytes.
func decode(data []byte) (*image, string, error) {
	if len(data) < headerSize {
		return nil, "", fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, "", fmt.Errorf("%w: got %q", ErrInvalidMagic, data[:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != Version {
		return nil, "", fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, Version, v)
	}
	want := data[8:headerSize]
	body := data[headerSize:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], want) {
		return nil, "", fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	var img image
	if err := cbor.Unmarshal(body, &img); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &img, hex.EncodeToString(sum[:]), nil
}
