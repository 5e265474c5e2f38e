package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/engine"
	"github.com/chazu/confvm/settings"
	"github.com/chazu/confvm/testsuite"
)

// Version is the release of the service.
const Version = "0.1.0"

// GitSha is the source revision, set at link time with
// -ldflags "-X github.com/chazu/confvm/service.GitSha=...". When empty the
// revision recorded by the Go toolchain is used.
var GitSha string

// ---------------------------------------------------------------------------
// Service metadata
// ---------------------------------------------------------------------------

// Ping echoes its argument.
func (s *Service) Ping(ctx context.Context, args *api.PingArgs) (*api.PingResult, error) {
	return &api.PingResult{Value: args.Value}, nil
}

// GetVersion describes this build.
func (s *Service) GetVersion(ctx context.Context, args *api.GetVersionArgs) (*api.GetVersionResult, error) {
	sha := gitSha()
	sum := sha256.Sum256([]byte(Version + sha))
	return &api.GetVersionResult{
		Version:     Version,
		Checksum:    hex.EncodeToString(sum[:]),
		GitSha:      sha,
		VersionInfo: fmt.Sprintf("confvm %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}, nil
}

func gitSha() string {
	if GitSha != "" {
		return GitSha
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, kv := range info.Settings {
			if kv.Key == "vcs.revision" {
				return kv.Value
			}
		}
	}
	return ""
}

// ListMethod lists the callable methods, qualified with the service name.
func (s *Service) ListMethod(ctx context.Context, args *api.ListMethodArgs) (*api.ListMethodResult, error) {
	res := &api.ListMethodResult{}
	for _, name := range api.MethodNames() {
		res.MethodNameList = append(res.MethodNameList, api.ShortServiceName+"."+name)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// ExecProgram compiles and evaluates a program.
func (s *Service) ExecProgram(ctx context.Context, args *api.ExecProgramArgs) (*api.ExecProgramResult, error) {
	return s.engine.ExecProgram(ctx, args, s.agent)
}

// BuildProgram compiles a program into an artifact at args.Output.
func (s *Service) BuildProgram(ctx context.Context, args *api.BuildProgramArgs) (*api.BuildProgramResult, error) {
	execArgs := args.ExecArgs
	if execArgs == nil {
		execArgs = &api.ExecProgramArgs{}
	}
	d, err := s.artifacts.Build(ctx, execArgs, args.Output)
	if err != nil {
		return nil, err
	}
	return &api.BuildProgramResult{Path: d.Path, BuildId: d.BuildID, Digest: d.Digest}, nil
}

// ExecArtifact evaluates a built artifact. Without exec_args the artifact
// runs with the arguments it was built with.
func (s *Service) ExecArtifact(ctx context.Context, args *api.ExecArtifactArgs) (*api.ExecProgramResult, error) {
	return s.artifacts.Execute(ctx, args.Path, args.ExecArgs, s.agent)
}

// ---------------------------------------------------------------------------
// Parsing and introspection
// ---------------------------------------------------------------------------

func (s *Service) ParseFile(ctx context.Context, args *api.ParseFileArgs) (*api.ParseFileResult, error) {
	return s.engine.ParseFile(args)
}

func (s *Service) ParseProgram(ctx context.Context, args *api.ParseProgramArgs) (*api.ParseProgramResult, error) {
	return s.engine.ParseProgram(args)
}

func (s *Service) ListOptions(ctx context.Context, args *api.ParseProgramArgs) (*api.ListOptionsResult, error) {
	return s.engine.ListOptions(args)
}

func (s *Service) ListVariables(ctx context.Context, args *api.ListVariablesArgs) (*api.ListVariablesResult, error) {
	return s.engine.ListVariables(args)
}

func (s *Service) OverrideFile(ctx context.Context, args *api.OverrideFileArgs) (*api.OverrideFileResult, error) {
	return s.engine.OverrideFile(args)
}

func (s *Service) GetFullSchemaType(ctx context.Context, args *api.GetFullSchemaTypeArgs) (*api.GetSchemaTypeResult, error) {
	return s.engine.GetFullSchemaType(args)
}

func (s *Service) GetSchemaTypeMapping(ctx context.Context, args *api.GetSchemaTypeMappingArgs) (*api.GetSchemaTypeMappingResult, error) {
	return s.engine.GetSchemaTypeMapping(args)
}

// ---------------------------------------------------------------------------
// Tooling
// ---------------------------------------------------------------------------

func (s *Service) FormatCode(ctx context.Context, args *api.FormatCodeArgs) (*api.FormatCodeResult, error) {
	return s.engine.FormatCode(args)
}

func (s *Service) FormatPath(ctx context.Context, args *api.FormatPathArgs) (*api.FormatPathResult, error) {
	return s.engine.FormatPath(args)
}

func (s *Service) LintPath(ctx context.Context, args *api.LintPathArgs) (*api.LintPathResult, error) {
	return s.engine.LintPath(args)
}

func (s *Service) ValidateCode(ctx context.Context, args *api.ValidateCodeArgs) (*api.ValidateCodeResult, error) {
	return s.engine.ValidateCode(args)
}

func (s *Service) Rename(ctx context.Context, args *api.RenameArgs) (*api.RenameResult, error) {
	return s.engine.Rename(args)
}

func (s *Service) RenameCode(ctx context.Context, args *api.RenameCodeArgs) (*api.RenameCodeResult, error) {
	return s.engine.RenameCode(args)
}

// LoadSettingsFiles reads and merges settings files.
func (s *Service) LoadSettingsFiles(ctx context.Context, args *api.LoadSettingsFilesArgs) (*api.LoadSettingsFilesResult, error) {
	return settings.Load(args.WorkDir, args.Files)
}

// ---------------------------------------------------------------------------
// Testing
// ---------------------------------------------------------------------------

// Test runs the test suites of the listed packages. Cases run one at a
// time, each as its own ExecProgram.
func (s *Service) Test(ctx context.Context, args *api.TestArgs) (*api.TestResult, error) {
	return testsuite.RunPackages(ctx, testsuite.RunnerFunc(s.ExecProgram), args)
}

// ---------------------------------------------------------------------------
// Editor support
// ---------------------------------------------------------------------------

// Diagnostics compiles the program described by args and returns its
// problems. A program that compiles yields none. Only failures to load the
// program are returned as errors.
func (s *Service) Diagnostics(args *api.ExecProgramArgs) ([]*api.Error, error) {
	_, err := s.engine.Compile(args)
	var ce *engine.CompileError
	switch {
	case err == nil:
		return nil, nil
	case errors.As(err, &ce):
		if len(ce.Errors) == 0 {
			return []*api.Error{{Level: engine.LevelError, Messages: []*api.Message{{Msg: ce.Message}}}}, nil
		}
		return ce.Errors, nil
	default:
		return nil, err
	}
}
