package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/artifact"
	"github.com/chazu/confvm/boundary"
	"github.com/chazu/confvm/plugin"
)

func helloAgent() *plugin.Registry {
	r := plugin.NewRegistry()
	r.Register("hello.add", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		var sum int64
		for _, a := range args {
			n, err := a.(interface{ Int64() (int64, error) }).Int64()
			if err != nil {
				return nil, err
			}
			sum += n
		}
		return sum, nil
	})
	return r
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	return data
}

func mustMethod(t *testing.T, name string) *api.Method {
	t.Helper()
	m, ok := api.LookupMethod(name)
	if !ok {
		t.Fatalf("method %s not in schema", name)
	}
	return m
}

func dispatchFixture[R any](t *testing.T, svc *Service, method, request string, enc api.Encoding) *R {
	t.Helper()
	m := mustMethod(t, method)
	payload := readFixture(t, request)
	if enc == api.Binary {
		var err error
		payload, err = api.Transcode(m.Input, payload, api.Text, api.Binary)
		if err != nil {
			t.Fatalf("Transcode returned error: %v", err)
		}
	}
	out, err := svc.Dispatch(context.Background(), method, payload, enc)
	if err != nil {
		t.Fatalf("Dispatch(%s) returned error: %v", method, err)
	}
	res := new(R)
	if err := m.DecodeResponse(out, enc, res); err != nil {
		t.Fatalf("DecodeResponse returned error: %v", err)
	}
	return res
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestHandlersCoverSchema(t *testing.T) {
	if len(handlers) != len(api.Methods()) {
		t.Errorf("%d handlers for %d schema methods", len(handlers), len(api.Methods()))
	}
}

func TestListMethod(t *testing.T) {
	res, err := New().ListMethod(context.Background(), &api.ListMethodArgs{})
	if err != nil {
		t.Fatalf("ListMethod returned error: %v", err)
	}
	if len(res.MethodNameList) != len(handlers) {
		t.Fatalf("got %d methods, want %d", len(res.MethodNameList), len(handlers))
	}
	for _, name := range res.MethodNameList {
		if !strings.HasPrefix(name, api.ShortServiceName+".") {
			t.Errorf("method %q is not qualified", name)
		}
		if _, ok := api.LookupMethod(name); !ok {
			t.Errorf("listed method %q does not resolve", name)
		}
	}
}

func TestPingAndVersion(t *testing.T) {
	svc := New()
	out, err := svc.Dispatch(context.Background(), "ConfvmService.Ping", []byte(`{"value": "hi"}`), api.Text)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	var ping api.PingResult
	if err := mustMethod(t, "Ping").DecodeResponse(out, api.Text, &ping); err != nil {
		t.Fatal(err)
	}
	if ping.Value != "hi" {
		t.Errorf("Ping = %s", out)
	}

	v, err := svc.GetVersion(context.Background(), &api.GetVersionArgs{})
	if err != nil {
		t.Fatalf("GetVersion returned error: %v", err)
	}
	if v.Version != Version || len(v.Checksum) != 64 || !strings.Contains(v.VersionInfo, Version) {
		t.Errorf("GetVersion = %+v", v)
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestDispatchExecProgramFixture(t *testing.T) {
	svc := New(WithPluginAgent(helloAgent()))
	got := dispatchFixture[api.ExecProgramResult](t, svc, "ExecProgram", "exec-program.json", api.Text)

	var want api.ExecProgramResult
	if err := mustMethod(t, "ExecProgram").DecodeResponse(readFixture(t, "exec-program.response.json"), api.Text, &want); err != nil {
		t.Fatalf("decoding recorded response: %v", err)
	}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchMatchesDirectCall(t *testing.T) {
	svc := New(WithPluginAgent(helloAgent()))
	got := dispatchFixture[api.ExecProgramResult](t, svc, "ExecProgram", "exec-program.json", api.Binary)

	var args api.ExecProgramArgs
	if err := mustMethod(t, "ExecProgram").DecodeRequest(readFixture(t, "exec-program.json"), api.Text, &args); err != nil {
		t.Fatalf("DecodeRequest returned error: %v", err)
	}
	want, err := svc.ExecProgram(context.Background(), &args)
	if err != nil {
		t.Fatalf("ExecProgram returned error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dispatch differs from direct call (-direct +dispatch):\n%s", diff)
	}
}

func TestTextAndBinaryAgree(t *testing.T) {
	svc := New(WithPluginAgent(helloAgent()))
	tests := []struct {
		method  string
		request string
	}{
		{"ExecProgram", "exec-program.json"},
		{"GetSchemaTypeMapping", "get-schema-type-mapping.json"},
		{"Test", "test.json"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			m := mustMethod(t, tt.method)
			text, err := svc.Dispatch(context.Background(), tt.method, readFixture(t, tt.request), api.Text)
			if err != nil {
				t.Fatalf("text Dispatch returned error: %v", err)
			}
			bin := dispatchFixture[map[string]any](t, svc, tt.method, tt.request, api.Binary)
			var fromText map[string]any
			if err := m.DecodeResponse(text, api.Text, &fromText); err != nil {
				t.Fatalf("DecodeResponse returned error: %v", err)
			}
			normalizeDurations(fromText)
			normalizeDurations(*bin)
			if diff := cmp.Diff(fromText, *bin); diff != "" {
				t.Errorf("text and binary responses differ (-text +binary):\n%s", diff)
			}
		})
	}
}

// normalizeDurations zeroes test case durations in a decoded TestResult.
func normalizeDurations(res map[string]any) {
	infos, _ := res["info"].([]any)
	for _, i := range infos {
		if info, ok := i.(map[string]any); ok {
			delete(info, "duration")
		}
	}
}

func TestDispatchTestFixture(t *testing.T) {
	got := dispatchFixture[api.TestResult](t, New(), "Test", "test.json", api.Text)
	for _, info := range got.Info {
		info.Duration = 0
		if info.Error != "" {
			if !strings.Contains(info.Error, "conflicting values") {
				t.Errorf("%s error = %q", info.Name, info.Error)
			}
			info.Error = "<error>"
		}
	}

	var want api.TestResult
	if err := mustMethod(t, "Test").DecodeResponse(readFixture(t, "test.response.json"), api.Text, &want); err != nil {
		t.Fatalf("decoding recorded response: %v", err)
	}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchSchemaTypeMapping(t *testing.T) {
	got := dispatchFixture[api.GetSchemaTypeMappingResult](t, New(), "GetSchemaTypeMapping", "get-schema-type-mapping.json", api.Text)
	svc, ok := got.SchemaTypeMapping["Service"]
	if !ok || len(got.SchemaTypeMapping) != 1 {
		t.Fatalf("mapping = %+v", got.SchemaTypeMapping)
	}
	if base := filepath.Base(svc.Filename); base != "schema.cue" {
		t.Errorf("Filename = %q, want .../schema.cue", svc.Filename)
	}
	if svc.SchemaDoc != "Service is a deployable unit." {
		t.Errorf("SchemaDoc = %q", svc.SchemaDoc)
	}
	if diff := cmp.Diff([]string{"name"}, svc.Required); diff != "" {
		t.Errorf("Required mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchRoutingErrors(t *testing.T) {
	svc := New()

	_, err := svc.Dispatch(context.Background(), "ConfvmService.NoSuchMethod", nil, api.Text)
	if !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("unknown method error = %v, want ErrUnknownMethod", err)
	}
	if c := Classify(err); c != ClassRouting {
		t.Errorf("Classify(unknown method) = %v, want routing", c)
	}

	_, err = svc.Dispatch(context.Background(), "ExecProgram", []byte{0xff, 0xff, 0xff}, api.Binary)
	var decErr *api.DecodeError
	if !errors.As(err, &decErr) {
		t.Errorf("malformed payload error = %v, want *api.DecodeError", err)
	}
	if c := Classify(err); c != ClassRouting {
		t.Errorf("Classify(malformed) = %v, want routing", c)
	}

	_, err = svc.Dispatch(context.Background(), "Ping", []byte(`{"nope": 1}`), api.Text)
	if !errors.As(err, &decErr) {
		t.Errorf("unknown field error = %v, want *api.DecodeError", err)
	}
}

func TestDispatchQualifiedNames(t *testing.T) {
	svc := New()
	for _, name := range []string{"Ping", "ConfvmService.Ping", "confvm.v1.ConfvmService.Ping", "/confvm.v1.ConfvmService/Ping"} {
		if _, err := svc.Dispatch(context.Background(), name, []byte(`{}`), api.Text); err != nil {
			t.Errorf("Dispatch(%q) returned error: %v", name, err)
		}
	}
}

func TestDispatchResourceErrors(t *testing.T) {
	svc := New()
	payload := fmt.Sprintf(`{"path": %q}`, filepath.Join(t.TempDir(), "missing.cfva"))
	_, err := svc.Dispatch(context.Background(), "ExecArtifact", []byte(payload), api.Text)
	var resErr *ResourceError
	if !errors.As(err, &resErr) || !errors.Is(err, artifact.ErrNotBuilt) {
		t.Fatalf("error = %v, want ResourceError wrapping ErrNotBuilt", err)
	}
	if resErr.Method != "ExecArtifact" {
		t.Errorf("Method = %q", resErr.Method)
	}
	if c := Classify(err); c != ClassResource {
		t.Errorf("Classify = %v, want resource", c)
	}
}

func TestDispatchProgramErrorsAreValues(t *testing.T) {
	out, err := New().Dispatch(context.Background(), "ExecProgram",
		[]byte(`{"work_dir": "testdata", "files": ["compile_only_error.cue"]}`), api.Text)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	var res api.ExecProgramResult
	if err := mustMethod(t, "ExecProgram").DecodeResponse(out, api.Text, &res); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.ErrMessage, "conflicting values") {
		t.Errorf("ErrMessage = %q", res.ErrMessage)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	prev := boundary.SetReporter(func(*boundary.Fault) {})
	defer boundary.SetReporter(prev)

	agent := plugin.Func(func(context.Context, string, string, string) (string, error) {
		panic("agent blew up")
	})
	svc := New(WithPluginAgent(agent))
	_, err := svc.Dispatch(context.Background(), "ExecProgram", readFixture(t, "exec-program.json"), api.Text)
	var fault *boundary.Fault
	if !errors.As(err, &fault) || fault.Error() != "agent blew up" {
		t.Fatalf("error = %v, want fault", err)
	}
	if c := Classify(err); c != ClassFault {
		t.Errorf("Classify = %v, want fault", c)
	}
}

// ---------------------------------------------------------------------------
// Diagnostic mode
// ---------------------------------------------------------------------------

func dispatchRecover(svc *Service, method string, payload []byte) (raised any, out []byte, err error) {
	defer func() { raised = recover() }()
	out, err = svc.Dispatch(context.Background(), method, payload, api.Text)
	return nil, out, err
}

func TestDispatchCompileOnlyRaisesDiagnostic(t *testing.T) {
	svc := New()
	raised, _, _ := dispatchRecover(svc, "ExecProgram", readFixture(t, "exec-program-with-compile-only.json"))
	msg, ok := raised.(string)
	if !ok {
		t.Fatalf("recovered %v (%T), want the diagnostic text", raised, raised)
	}
	want := strings.TrimSpace(string(readFixture(t, "exec-program-with-compile-only.panic.txt")))
	if !strings.Contains(msg, want) {
		t.Errorf("diagnostic = %q, want it to contain %q", msg, want)
	}

	// The diagnostic lock is released after the panic.
	raised, out, err := dispatchRecover(svc, "ExecProgram",
		[]byte(`{"work_dir": "testdata", "files": ["hello_plugin.cue"], "compile_only": true}`))
	if raised != nil || err != nil {
		t.Fatalf("compile-only success: raised %v, err %v", raised, err)
	}
	var res api.ExecProgramResult
	if err := mustMethod(t, "ExecProgram").DecodeResponse(out, api.Text, &res); err != nil {
		t.Fatal(err)
	}
	if res != (api.ExecProgramResult{}) {
		t.Errorf("compile-only success response = %+v, want empty", res)
	}
}

func TestDispatchCompileOnlyBuild(t *testing.T) {
	payload := fmt.Sprintf(`{"exec_args": {"work_dir": "testdata", "files": ["compile_only_error.cue"], "compile_only": true}, "output": %q}`,
		filepath.Join(t.TempDir(), "out.cfva"))
	raised, _, _ := dispatchRecover(New(), "BuildProgram", []byte(payload))
	if msg, ok := raised.(string); !ok || !strings.Contains(msg, "conflicting values") {
		t.Errorf("recovered %v, want the diagnostic text", raised)
	}
}

func TestDispatchCompileOnlyExecArtifact(t *testing.T) {
	svc := New(WithPluginAgent(helloAgent()))
	out := filepath.Join(t.TempDir(), "hello.cfva")
	if _, err := svc.BuildProgram(context.Background(), &api.BuildProgramArgs{
		ExecArgs: &api.ExecProgramArgs{WorkDir: "testdata", Files: []string{"hello_plugin.cue"}},
		Output:   out,
	}); err != nil {
		t.Fatalf("BuildProgram returned error: %v", err)
	}

	bad := fmt.Sprintf(`{"path": %q, "exec_args": {"compile_only": true, "args": [{"name": "foo", "value": "x"}]}}`, out)
	raised, _, _ := dispatchRecover(svc, "ExecArtifact", []byte(bad))
	if msg, ok := raised.(string); !ok || !strings.Contains(msg, "conflicting values") {
		t.Errorf("recovered %v, want the diagnostic text", raised)
	}

	good := fmt.Sprintf(`{"path": %q, "exec_args": {"compile_only": true, "args": [{"name": "foo", "value": "10"}]}}`, out)
	raised, resp, err := dispatchRecover(svc, "ExecArtifact", []byte(good))
	if raised != nil || err != nil {
		t.Fatalf("compile-only success: raised %v, err %v", raised, err)
	}
	var res api.ExecProgramResult
	if err := mustMethod(t, "ExecArtifact").DecodeResponse(resp, api.Text, &res); err != nil {
		t.Fatal(err)
	}
	if res != (api.ExecProgramResult{}) {
		t.Errorf("compile-only response = %+v, want empty", res)
	}
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func TestBuildAndExecArtifact(t *testing.T) {
	svc := New(WithPluginAgent(helloAgent()))
	out := filepath.Join(t.TempDir(), "hello.cfva")
	build, err := svc.BuildProgram(context.Background(), &api.BuildProgramArgs{
		ExecArgs: &api.ExecProgramArgs{
			WorkDir:           "testdata",
			Files:             []string{"hello_plugin.cue"},
			Args:              []*api.CmdArgSpec{{Name: "foo", Value: "10"}},
			DisableYamlResult: true,
		},
		Output: out,
	})
	if err != nil {
		t.Fatalf("BuildProgram returned error: %v", err)
	}
	if build.Path != out || build.BuildId == "" || build.Digest == "" {
		t.Errorf("BuildProgram = %+v", build)
	}

	got := dispatchFixture[api.ExecProgramResult](t, svc, "ExecProgram", "exec-program.json", api.Text)
	res, err := svc.ExecArtifact(context.Background(), &api.ExecArtifactArgs{Path: out})
	if err != nil {
		t.Fatalf("ExecArtifact returned error: %v", err)
	}
	if diff := cmp.Diff(got, res); diff != "" {
		t.Errorf("artifact result differs from ExecProgram (-exec +artifact):\n%s", diff)
	}
}

func TestConcurrentBuildAndExecute(t *testing.T) {
	svc := New(WithPluginAgent(helloAgent()))
	dir := t.TempDir()
	var executed atomic.Int64

	m := mustMethod(t, "ExecArtifact")
	var g errgroup.Group
	for i := range 10 {
		g.Go(func() error {
			out := filepath.Join(dir, fmt.Sprintf("w%d.cfva", i))
			build := fmt.Sprintf(`{"exec_args": {"work_dir": "testdata", "files": ["hello_plugin.cue"], "args": [{"name": "foo", "value": "%d"}]}, "output": %q}`, i, out)
			if _, err := svc.Dispatch(context.Background(), "BuildProgram", []byte(build), api.Text); err != nil {
				return err
			}
			exec := []byte(fmt.Sprintf(`{"path": %q}`, out))
			want := fmt.Sprintf(`"sum": %d`, i+3)
			for executed.Load() < 1000 {
				resp, err := svc.Dispatch(context.Background(), "ExecArtifact", exec, api.Text)
				if err != nil {
					return err
				}
				var res api.ExecProgramResult
				if err := m.DecodeResponse(resp, api.Text, &res); err != nil {
					return err
				}
				if !strings.Contains(res.JsonResult, want) {
					return fmt.Errorf("worker %d got %s", i, res.JsonResult)
				}
				executed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if n := executed.Load(); n < 1000 {
		t.Errorf("executed %d times, want at least 1000", n)
	}
}
