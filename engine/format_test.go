package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/confvm/api"
)

// ---------------------------------------------------------------------------
// Format
// ---------------------------------------------------------------------------

func TestFormatCode(t *testing.T) {
	res, err := New().FormatCode(&api.FormatCodeArgs{Source: "a:   1\nb:    \"x\"\n"})
	if err != nil {
		t.Fatalf("FormatCode returned error: %v", err)
	}
	if want := "a: 1\nb: \"x\"\n"; string(res.Formatted) != want {
		t.Errorf("Formatted = %q, want %q", res.Formatted, want)
	}
}

func TestFormatCodeSyntaxError(t *testing.T) {
	if _, err := New().FormatCode(&api.FormatCodeArgs{Source: "a: {"}); err == nil {
		t.Fatal("FormatCode on broken source returned no error")
	}
}

func TestFormatPath(t *testing.T) {
	dir := writeArchive(t, `
-- clean.cue --
a: 1
-- messy.cue --
a:    1
-- sub/messy.cue --
b:    2
-- .hidden/messy.cue --
c:    3
`)
	res, err := New().FormatPath(&api.FormatPathArgs{Path: dir})
	if err != nil {
		t.Fatalf("FormatPath returned error: %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "messy.cue")}, res.ChangedPaths); diff != "" {
		t.Errorf("ChangedPaths mismatch (-want +got):\n%s", diff)
	}
	if got := readFile(t, filepath.Join(dir, "sub", "messy.cue")); got != "b:    2\n" {
		t.Errorf("non-recursive format touched sub/messy.cue: %q", got)
	}

	res, err = New().FormatPath(&api.FormatPathArgs{Path: dir + "/..."})
	if err != nil {
		t.Fatalf("FormatPath returned error: %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "sub", "messy.cue")}, res.ChangedPaths); diff != "" {
		t.Errorf("recursive ChangedPaths mismatch (-want +got):\n%s", diff)
	}
	if got := readFile(t, filepath.Join(dir, ".hidden", "messy.cue")); got != "c:    3\n" {
		t.Errorf("hidden directory was formatted: %q", got)
	}
}

func TestFormatPathKeepsGoodFilesOnError(t *testing.T) {
	dir := writeArchive(t, `
-- bad.cue --
a: {
-- good.cue --
a:    1
`)
	if _, err := New().FormatPath(&api.FormatPathArgs{Path: dir}); err == nil {
		t.Fatal("FormatPath with a broken file returned no error")
	}
	if got := readFile(t, filepath.Join(dir, "good.cue")); got != "a: 1\n" {
		t.Errorf("good.cue = %q, want it formatted", got)
	}
}

func TestWriteFileAtomicKeepsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.cue")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := writeFileAtomic(path, []byte("a: 2\n")); err != nil {
		t.Fatalf("writeFileAtomic returned error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	if got := readFile(t, path); got != "a: 2\n" {
		t.Errorf("contents = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Lint
// ---------------------------------------------------------------------------

func TestLintPath(t *testing.T) {
	dir := writeArchive(t, `
-- pkg/main.cue --
package pkg

import "strings"

#lower: {a: int}
Upper: 1
-- conflict/conflict.cue --
x: 1
x: 2
-- broken/bad.cue --
a: {
`)
	res, err := New().LintPath(&api.LintPathArgs{Paths: []string{dir + "/..."}})
	if err != nil {
		t.Fatalf("LintPath returned error: %v", err)
	}
	joined := strings.Join(res.Results, "\n")
	for _, want := range []string{
		"warning[" + codeUnusedImport + "] import \"strings\" is unused",
		"warning[" + codeDefinitionCap + "] definition #lower",
		"error[" + codeParse + "]",
		"conflicting values",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("lint results missing %q:\n%s", want, joined)
		}
	}
	if !sort.StringsAreSorted(fileColumn(res.Results)) {
		t.Errorf("results not sorted by file:\n%s", joined)
	}
}

func TestLintPathClean(t *testing.T) {
	dir := writeArchive(t, `
-- ok.cue --
import "strings"

#Upper: {a: int}
name: strings.ToUpper("x")
`)
	res, err := New().LintPath(&api.LintPathArgs{Paths: []string{filepath.Join(dir, "ok.cue")}})
	if err != nil {
		t.Fatalf("LintPath returned error: %v", err)
	}
	if len(res.Results) != 0 {
		t.Errorf("clean file produced results: %v", res.Results)
	}
}

func fileColumn(results []string) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i], _, _ = strings.Cut(r, ":")
	}
	return out
}

func TestImportName(t *testing.T) {
	for path, want := range map[string]string{
		"strings":                  "strings",
		"example.com/lib/sub":      "sub",
		"example.com/lib@v0":       "lib",
		"example.com/lib:renamed":  "renamed",
		"example.com/lib/sub@v1:x": "x",
	} {
		if got := importName(path); got != want {
			t.Errorf("importName(%q) = %q, want %q", path, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

const personSchema = `
#Person: {
	name: string
	age:  int & >=0
}
`

func TestValidateCode(t *testing.T) {
	tests := []struct {
		name    string
		args    *api.ValidateCodeArgs
		success bool
		errText string
	}{
		{
			name:    "valid json",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Person", Data: `{"name": "a", "age": 3}`},
			success: true,
		},
		{
			name:    "qualified schema name",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "#Person", Data: `{"name": "a", "age": 3}`},
			success: true,
		},
		{
			name:    "valid yaml",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Person", Data: "name: a\nage: 3\n", Format: "yaml"},
			success: true,
		},
		{
			name:    "attribute",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Person", Data: `{"owner": {"name": "a", "age": 3}}`, AttributeName: "owner"},
			success: true,
		},
		{
			name:    "out of bounds",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Person", Data: `{"name": "a", "age": -1}`},
			errText: "invalid value",
		},
		{
			name:    "closed definition",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Person", Data: `{"name": "a", "age": 1, "extra": true}`},
			errText: "not allowed",
		},
		{
			name:    "missing field",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Person", Data: `{"name": "a"}`},
			errText: "incomplete",
		},
		{
			name:    "unknown schema",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Nobody", Data: `{}`},
			errText: "schema Nobody not found",
		},
		{
			name:    "bad data",
			args:    &api.ValidateCodeArgs{Code: personSchema, Schema: "Person", Data: `{"name": `},
			errText: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := New().ValidateCode(tc.args)
			if err != nil {
				t.Fatalf("ValidateCode returned error: %v", err)
			}
			if res.Success != tc.success {
				t.Fatalf("Success = %v, want %v (ErrMessage %q)", res.Success, tc.success, res.ErrMessage)
			}
			if !tc.success && res.ErrMessage == "" {
				t.Fatal("failed validation has no ErrMessage")
			}
			if !strings.Contains(res.ErrMessage, tc.errText) {
				t.Errorf("ErrMessage = %q, want it to contain %q", res.ErrMessage, tc.errText)
			}
		})
	}
}

func TestValidateCodeFromFiles(t *testing.T) {
	dir := writeArchive(t, `
-- schema.cue --
#Person: {
	name: string
}
-- data.json --
{"name": "a"}
`)
	res, err := New().ValidateCode(&api.ValidateCodeArgs{
		File:     filepath.Join(dir, "schema.cue"),
		Datafile: filepath.Join(dir, "data.json"),
		Schema:   "Person",
	})
	if err != nil {
		t.Fatalf("ValidateCode returned error: %v", err)
	}
	if !res.Success {
		t.Errorf("ErrMessage = %s", res.ErrMessage)
	}

	if _, err := New().ValidateCode(&api.ValidateCodeArgs{Code: personSchema}); err == nil {
		t.Error("ValidateCode without data returned no error")
	}
}
