// Package settings reads settings files: the CLI configuration and the
// option values a run should use, in YAML or TOML.
//
//	confvm_cli_configs:
//	  files: [main.cue]
//	  sort_keys: true
//	confvm_options:
//	  - key: env
//	    value: prod
//
// The same document in TOML uses a [confvm_cli_configs] table and
// [[confvm_options]] entries.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chazu/confvm/api"
)

type document struct {
	CliConfigs *cliConfigs `yaml:"confvm_cli_configs" toml:"confvm_cli_configs"`
	Options    []option    `yaml:"confvm_options" toml:"confvm_options"`
}

type cliConfigs struct {
	Files        []string `yaml:"files" toml:"files"`
	Output       string   `yaml:"output" toml:"output"`
	Overrides    []string `yaml:"overrides" toml:"overrides"`
	PathSelector []string `yaml:"path_selector" toml:"path_selector"`
	DisableNone  bool     `yaml:"disable_none" toml:"disable_none"`
	Verbose      int64    `yaml:"verbose" toml:"verbose"`
	Debug        bool     `yaml:"debug" toml:"debug"`
	SortKeys     bool     `yaml:"sort_keys" toml:"sort_keys"`
	ShowHidden   bool     `yaml:"show_hidden" toml:"show_hidden"`
}

type option struct {
	Key   string `yaml:"key" toml:"key"`
	Value any    `yaml:"value" toml:"value"`
}

// Load reads files, resolved against workDir, and merges them in order.
// Fields set by a later file replace those of an earlier one; options are
// merged by key, keeping the position of the first occurrence.
func Load(workDir string, files []string) (*api.LoadSettingsFilesResult, error) {
	res := &api.LoadSettingsFilesResult{Config: &api.CliConfig{}}
	index := map[string]int{}
	for _, name := range files {
		path := name
		if !filepath.IsAbs(path) && workDir != "" {
			path = filepath.Join(workDir, path)
		}
		doc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if doc.CliConfigs != nil {
			merge(res.Config, doc.CliConfigs)
		}
		for _, o := range doc.Options {
			if o.Key == "" {
				return nil, fmt.Errorf("%s: option without a key", path)
			}
			value, err := optionValue(o.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: option %s: %w", path, o.Key, err)
			}
			if i, ok := index[o.Key]; ok {
				res.Options[i].Value = value
				continue
			}
			index[o.Key] = len(res.Options)
			res.Options = append(res.Options, &api.KeyValuePair{Key: o.Key, Value: value})
		}
	}
	return res, nil
}

func readFile(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return &doc, nil
}

func merge(dst *api.CliConfig, src *cliConfigs) {
	if len(src.Files) > 0 {
		dst.Files = src.Files
	}
	if src.Output != "" {
		dst.Output = src.Output
	}
	if len(src.Overrides) > 0 {
		dst.Overrides = src.Overrides
	}
	if len(src.PathSelector) > 0 {
		dst.PathSelector = src.PathSelector
	}
	if src.Verbose != 0 {
		dst.Verbose = src.Verbose
	}
	dst.DisableNone = dst.DisableNone || src.DisableNone
	dst.Debug = dst.Debug || src.Debug
	dst.SortKeys = dst.SortKeys || src.SortKeys
	dst.ShowHidden = dst.ShowHidden || src.ShowHidden
}

// optionValue renders a settings value the way an option is written on
// the command line: strings as-is, everything else as JSON.
func optionValue(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Options converts loaded options into command arguments.
func Options(res *api.LoadSettingsFilesResult) []*api.CmdArgSpec {
	out := make([]*api.CmdArgSpec, 0, len(res.Options))
	for _, kv := range res.Options {
		out = append(out, &api.CmdArgSpec{Name: kv.Key, Value: kv.Value})
	}
	return out
}
