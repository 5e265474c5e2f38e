package engine

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/confvm/api"
)

func TestParseOverride(t *testing.T) {
	tests := []struct {
		spec string
		want override
	}{
		{"a=1", override{path: []string{"a"}, action: overrideSet, value: "1"}},
		{"a.b.c=\"x\"", override{path: []string{"a", "b", "c"}, action: overrideSet, value: `"x"`}},
		{"a.b:{x: 1}", override{path: []string{"a", "b"}, action: overrideUnify, value: "{x: 1}"}},
		{"a.b-", override{path: []string{"a", "b"}, action: overrideDelete}},
		{" a=-1 ", override{path: []string{"a"}, action: overrideSet, value: "-1"}},
	}
	for _, tc := range tests {
		got, err := parseOverride(tc.spec)
		if err != nil {
			t.Errorf("parseOverride(%q) returned error: %v", tc.spec, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(override{})); diff != "" {
			t.Errorf("parseOverride(%q) mismatch (-want +got):\n%s", tc.spec, diff)
		}
	}

	for _, bad := range []string{"", "=1", "a..b=1", "novalue"} {
		if _, err := parseOverride(bad); !errors.Is(err, ErrBadOverride) {
			t.Errorf("parseOverride(%q) error = %v, want ErrBadOverride", bad, err)
		}
	}
}

func TestOverrideFile(t *testing.T) {
	dir := writeArchive(t, `
-- main.cue --
app: {
	name:     "web"
	replicas: 1
	debug:    true
}
`)
	path := filepath.Join(dir, "main.cue")
	res, err := New().OverrideFile(&api.OverrideFileArgs{
		File:        path,
		Specs:       []string{"app.replicas=3", "app.debug-", `app.labels={tier: "front"}`},
		ImportPaths: []string{"strings"},
	})
	if err != nil {
		t.Fatalf("OverrideFile returned error: %v", err)
	}
	if !res.Result {
		t.Fatalf("Result = false, parse errors %+v", res.ParseErrors)
	}

	got := readFile(t, path)
	if !strings.Contains(got, `import "strings"`) {
		t.Errorf("import not added:\n%s", got)
	}
	if strings.Contains(got, "debug") {
		t.Errorf("deleted field still present:\n%s", got)
	}

	// The rewritten file still evaluates, modulo the unused import.
	out := execSources(t, &api.ExecProgramArgs{
		Sources: []string{strings.Replace(got, `import "strings"`, "", 1)},
	})
	if want := `{"app": {"name": "web", "replicas": 3, "labels": {"tier": "front"}}}`; out.JsonResult != want {
		t.Errorf("JsonResult = %s, want %s (ErrMessage %s)", out.JsonResult, want, out.ErrMessage)
	}
}

func TestOverrideFileParseError(t *testing.T) {
	dir := writeArchive(t, `
-- bad.cue --
a: {
`)
	path := filepath.Join(dir, "bad.cue")
	res, err := New().OverrideFile(&api.OverrideFileArgs{File: path, Specs: []string{"a=1"}})
	if err != nil {
		t.Fatalf("OverrideFile returned error: %v", err)
	}
	if res.Result || len(res.ParseErrors) == 0 {
		t.Errorf("result = %+v, want parse errors", res)
	}
	if got := readFile(t, path); got != "a: {\n" {
		t.Errorf("file rewritten despite parse error: %q", got)
	}
}

func TestOverrideFileMissing(t *testing.T) {
	_, err := New().OverrideFile(&api.OverrideFileArgs{File: filepath.Join(t.TempDir(), "none.cue")})
	if err == nil {
		t.Fatal("OverrideFile on a missing file returned no error")
	}
}

func TestOverrideNotAStruct(t *testing.T) {
	res := execSources(t, &api.ExecProgramArgs{Sources: []string{"a: 1"}, Overrides: []string{"a.b=2"}})
	if !strings.Contains(res.ErrMessage, "not a struct") {
		t.Errorf("ErrMessage = %q", res.ErrMessage)
	}
}
