package testsuite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/tools/txtar"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/boundary"
	"github.com/chazu/confvm/engine"
)

const fixture = `
-- config.cue --
package pkg

replicas: 3
name:     "web"
-- config_test.cue --
package pkg

test_replicas: true & (replicas == 3)
test_name:     true & (name == "db")
helper:        1
test_ok: {a: replicas}
-- b_test.cue --
package pkg

test_b: replicas + 1
-- sub/other_test.cue --
test_x: 1
-- .hidden/skip_test.cue --
test_hidden: 1
-- broken/bad_test.cue --
test_a: {
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range txtar.Parse([]byte(fixture)).Files {
		path := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func engineRunner() Runner {
	e := engine.New()
	return RunnerFunc(func(ctx context.Context, args *api.ExecProgramArgs) (*api.ExecProgramResult, error) {
		return e.ExecProgram(ctx, args, nil)
	})
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func suiteFiles(root string, suites []*Suite) []string {
	var out []string
	for _, s := range suites {
		rel, _ := filepath.Rel(root, s.File)
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func TestDiscover(t *testing.T) {
	dir := writeFixture(t)

	suites, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"b_test.cue", "config_test.cue"}, suiteFiles(dir, suites)); diff != "" {
		t.Errorf("suites mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"test_replicas", "test_name", "test_ok"}, suites[1].Cases); diff != "" {
		t.Errorf("cases mismatch (-want +got):\n%s", diff)
	}

	suites, err = Discover(dir + "/...")
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	want := []string{"b_test.cue", "broken/bad_test.cue", "config_test.cue", "sub/other_test.cue"}
	if diff := cmp.Diff(want, suiteFiles(dir, suites)); diff != "" {
		t.Errorf("recursive suites mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverIsDeterministic(t *testing.T) {
	dir := writeFixture(t)
	first, err := Discover(dir + "/...")
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	second, err := Discover(dir + "/...")
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(Suite{})); diff != "" {
		t.Errorf("discovery order changed (-first +second):\n%s", diff)
	}
}

func TestDiscoverSingleFile(t *testing.T) {
	dir := writeFixture(t)
	suites, err := Discover(filepath.Join(dir, "b_test.cue"))
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(suites) != 1 || len(suites[0].Cases) != 1 || suites[0].Cases[0] != "test_b" {
		t.Errorf("suites = %+v", suites)
	}

	if _, err := Discover(filepath.Join(dir, "missing")); err == nil {
		t.Error("Discover on a missing path returned no error")
	}
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

func runConfigSuite(t *testing.T, opts Options) *Result {
	t.Helper()
	dir := writeFixture(t)
	suites, err := Discover(filepath.Join(dir, "config_test.cue"))
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	res, err := suites[0].Run(context.Background(), engineRunner(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return res
}

func caseNames(res *Result) []string {
	var out []string
	for _, c := range res.Cases {
		out = append(out, c.Name)
	}
	return out
}

func TestRunSuite(t *testing.T) {
	res := runConfigSuite(t, Options{})
	if diff := cmp.Diff([]string{"test_replicas", "test_name", "test_ok"}, caseNames(res)); diff != "" {
		t.Fatalf("cases mismatch (-want +got):\n%s", diff)
	}
	if res.Cases[0].Failed() || res.Cases[2].Failed() {
		t.Errorf("passing cases failed: %q, %q", res.Cases[0].Err, res.Cases[2].Err)
	}
	if !strings.Contains(res.Cases[1].Err, "conflicting values") {
		t.Errorf("test_name error = %q, want conflicting values", res.Cases[1].Err)
	}
	if res.Stopped {
		t.Error("run stopped without FailFast")
	}
}

func TestRunSuiteFilters(t *testing.T) {
	res := runConfigSuite(t, Options{RunRegexp: "name|ok"})
	if diff := cmp.Diff([]string{"test_name", "test_ok"}, caseNames(res)); diff != "" {
		t.Errorf("cases mismatch (-want +got):\n%s", diff)
	}

	res = runConfigSuite(t, Options{FailFast: true})
	if diff := cmp.Diff([]string{"test_replicas", "test_name"}, caseNames(res)); diff != "" {
		t.Errorf("fail-fast cases mismatch (-want +got):\n%s", diff)
	}
	if !res.Stopped {
		t.Error("Stopped = false after fail-fast failure")
	}
}

func TestRunSuiteBadRegexp(t *testing.T) {
	dir := writeFixture(t)
	suites, _ := Discover(filepath.Join(dir, "b_test.cue"))
	if _, err := suites[0].Run(context.Background(), engineRunner(), Options{RunRegexp: "("}); err == nil {
		t.Error("Run accepted an invalid regexp")
	}
}

func TestRunSuiteRecoversFaults(t *testing.T) {
	var reported int
	prev := boundary.SetReporter(func(*boundary.Fault) { reported++ })
	defer boundary.SetReporter(prev)

	dir := writeFixture(t)
	suites, _ := Discover(filepath.Join(dir, "b_test.cue"))
	panicky := RunnerFunc(func(context.Context, *api.ExecProgramArgs) (*api.ExecProgramResult, error) {
		panic("evaluator exploded")
	})
	res, err := suites[0].Run(context.Background(), panicky, Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(res.Cases) != 1 || res.Cases[0].Err != "evaluator exploded" {
		t.Errorf("cases = %+v", res.Cases)
	}
	if reported != 1 {
		t.Errorf("reporter called %d times, want 1", reported)
	}
}

func TestRunSuiteSyntaxError(t *testing.T) {
	dir := writeFixture(t)
	suites, err := Discover(filepath.Join(dir, "broken"))
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	res, err := suites[0].Run(context.Background(), engineRunner(), Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(res.Cases) != 1 || res.Cases[0].Name != "bad_test.cue" || !res.Cases[0].Failed() {
		t.Errorf("cases = %+v", res.Cases)
	}
}

func TestRunPackages(t *testing.T) {
	dir := writeFixture(t)
	res, err := RunPackages(context.Background(), engineRunner(), &api.TestArgs{
		ExecArgs: &api.ExecProgramArgs{WorkDir: dir},
		PkgList:  []string{"."},
	})
	if err != nil {
		t.Fatalf("RunPackages returned error: %v", err)
	}
	var names []string
	failed := map[string]bool{}
	for _, info := range res.Info {
		names = append(names, info.Name)
		failed[info.Name] = info.Error != ""
	}
	if diff := cmp.Diff([]string{"test_b", "test_replicas", "test_name", "test_ok"}, names); diff != "" {
		t.Errorf("cases mismatch (-want +got):\n%s", diff)
	}
	if !failed["test_name"] || failed["test_b"] {
		t.Errorf("failures = %v", failed)
	}

	res, err = RunPackages(context.Background(), engineRunner(), &api.TestArgs{
		ExecArgs: &api.ExecProgramArgs{WorkDir: dir},
		PkgList:  []string{"./..."},
		FailFast: true,
	})
	if err != nil {
		t.Fatalf("RunPackages returned error: %v", err)
	}
	last := res.Info[len(res.Info)-1]
	if last.Name != "bad_test.cue" || last.Error == "" {
		t.Errorf("fail-fast run ended with %+v, want the broken suite", last)
	}
}
