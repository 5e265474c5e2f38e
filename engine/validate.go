package engine

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/chazu/confvm/api"
)

// ValidateCode checks a data document against a definition declared in
// CUE code. Schema names the definition ("#Config" or "Config"); when
// empty the whole program is the schema. AttributeName, when set, selects
// the field of the data document to validate. Format is "json" (default)
// or "yaml".
func (e *Engine) ValidateCode(args *api.ValidateCodeArgs) (*api.ValidateCodeResult, error) {
	code, codeName, err := inlineOrFile(args.Code, args.File, "schema"+SourceExt)
	if err != nil {
		return nil, err
	}
	data, dataName, err := inlineOrFile(args.Data, args.Datafile, "data")
	if err != nil {
		return nil, err
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(code, cue.Filename(codeName))
	if err := schema.Err(); err != nil {
		return &api.ValidateCodeResult{ErrMessage: errorText(err, "")}, nil
	}
	if args.Schema != "" {
		name := args.Schema
		if !strings.HasPrefix(name, "#") {
			if def := schema.LookupPath(cue.ParsePath("#" + name)); def.Exists() {
				name = "#" + name
			}
		}
		schema = schema.LookupPath(cue.ParsePath(name))
		if !schema.Exists() {
			return &api.ValidateCodeResult{ErrMessage: fmt.Sprintf("schema %s not found", args.Schema)}, nil
		}
	}

	value, err := decodeData(ctx, dataName, data, args.Format)
	if err != nil {
		return &api.ValidateCodeResult{ErrMessage: errorText(err, "")}, nil
	}
	if args.AttributeName != "" {
		value = value.LookupPath(cue.ParsePath(args.AttributeName))
		if !value.Exists() {
			return &api.ValidateCodeResult{ErrMessage: fmt.Sprintf("attribute %s not found in data", args.AttributeName)}, nil
		}
	}

	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return &api.ValidateCodeResult{ErrMessage: errorText(err, "")}, nil
	}
	return &api.ValidateCodeResult{Success: true}, nil
}

func inlineOrFile(inline, file, fallback string) ([]byte, string, error) {
	if inline != "" {
		name := fallback
		if file != "" {
			name = file
		}
		return []byte(inline), name, nil
	}
	if file == "" {
		return nil, "", fmt.Errorf("%w: need %s contents or a file", ErrNoInput, fallback)
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", file, err)
	}
	return b, file, nil
}

func decodeData(ctx *cue.Context, name string, data []byte, format string) (cue.Value, error) {
	switch strings.ToLower(format) {
	case "", "json":
		expr, err := cuejson.Extract(name, data)
		if err != nil {
			return cue.Value{}, err
		}
		return ctx.BuildExpr(expr), nil
	case "yaml", "yml":
		f, err := cueyaml.Extract(name, data)
		if err != nil {
			return cue.Value{}, err
		}
		return ctx.BuildFile(f), nil
	default:
		return cue.Value{}, fmt.Errorf("unsupported data format %q", format)
	}
}
