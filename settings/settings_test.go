package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/tools/txtar"

	"github.com/chazu/confvm/api"
)

const fixture = `
-- base.yaml --
confvm_cli_configs:
  files:
    - main.cue
    - extra.cue
  sort_keys: true
  path_selector: [app]
confvm_options:
  - key: env
    value: dev
  - key: replicas
    value: 2
  - key: tags
    value: [a, b]
-- prod.toml --
[confvm_cli_configs]
output = "out.json"
verbose = 2

[[confvm_options]]
key = "env"
value = "prod"

[[confvm_options]]
key = "debug"
value = true
-- nokey.yaml --
confvm_options:
  - value: 1
-- broken.yaml --
confvm_cli_configs: [
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range txtar.Parse([]byte(fixture)).Files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadYAML(t *testing.T) {
	dir := writeFixture(t)
	res, err := Load(dir, []string{"base.yaml"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := &api.LoadSettingsFilesResult{
		Config: &api.CliConfig{
			Files:        []string{"main.cue", "extra.cue"},
			PathSelector: []string{"app"},
			SortKeys:     true,
		},
		Options: []*api.KeyValuePair{
			{Key: "env", Value: "dev"},
			{Key: "replicas", Value: "2"},
			{Key: "tags", Value: `["a","b"]`},
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMergesInOrder(t *testing.T) {
	dir := writeFixture(t)
	res, err := Load(dir, []string{"base.yaml", filepath.Join(dir, "prod.toml")})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := &api.LoadSettingsFilesResult{
		Config: &api.CliConfig{
			Files:        []string{"main.cue", "extra.cue"},
			Output:       "out.json",
			PathSelector: []string{"app"},
			Verbose:      2,
			SortKeys:     true,
		},
		Options: []*api.KeyValuePair{
			{Key: "env", Value: "prod"},
			{Key: "replicas", Value: "2"},
			{Key: "tags", Value: `["a","b"]`},
			{Key: "debug", Value: "true"},
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}

	args := Options(res)
	if len(args) != 4 || args[0].Name != "env" || args[0].Value != "prod" {
		t.Errorf("Options = %+v", args)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := writeFixture(t)
	for _, name := range []string{"missing.yaml", "nokey.yaml", "broken.yaml"} {
		if _, err := Load(dir, []string{name}); err == nil {
			t.Errorf("Load(%s) returned no error", name)
		}
	}
}

func TestLoadNothing(t *testing.T) {
	res, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if diff := cmp.Diff(&api.LoadSettingsFilesResult{Config: &api.CliConfig{}}, res); diff != "" {
		t.Errorf("empty settings mismatch (-want +got):\n%s", diff)
	}
}
