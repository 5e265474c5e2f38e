package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/manifest"
)

func newRunCmd() *cobra.Command {
	var (
		f      execFlags
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Evaluate a program and print the result",
		Long: `Evaluate a program and print its result as YAML or JSON.

Examples:
  confvm run main.cue -D env=prod
  confvm run -Y settings.yaml --format json
  confvm run                       # the module in ./confvm.toml`,
		RunE: func(cmd *cobra.Command, files []string) error {
			args, settingsOut, err := f.program(files)
			if err != nil {
				return err
			}
			if format == "json" {
				args.DisableYamlResult = true
			}
			res, err := newService().ExecProgram(cmd.Context(), args)
			if err != nil {
				return err
			}
			if output == "" {
				output = settingsOut
			}
			return writeResult(cmd.OutOrStdout(), res, format, output)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the result to this file")
	return cmd
}

func newBuildCmd() *cobra.Command {
	var (
		f      execFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "build [files...]",
		Short: "Compile a program into an artifact",
		Long: `Compile a program into an artifact that "confvm exec" evaluates without
recompiling. Without -o the module's [build] output is used.`,
		RunE: func(cmd *cobra.Command, files []string) error {
			args, _, err := f.program(files)
			if err != nil {
				return err
			}
			if output == "" {
				output, err = defaultArtifact()
				if err != nil {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			res, err := newService().BuildProgram(cmd.Context(), &api.BuildProgramArgs{ExecArgs: args, Output: output})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %s (build %s)\n", res.Path, res.BuildId)
			return nil
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVarP(&output, "output", "o", "", "Artifact path")
	return cmd
}

func defaultArtifact() (string, error) {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return "", err
	}
	if m == nil {
		return "main.cfva", nil
	}
	return m.OutputPath(), nil
}

func newExecCmd() *cobra.Command {
	var (
		args      []string
		selectors []string
		format    string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "exec <artifact>",
		Short: "Evaluate a built artifact",
		Long: `Evaluate an artifact written by "confvm build". Without -D or -S the
artifact runs with the arguments it was built with.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			req := &api.ExecArtifactArgs{Path: pos[0]}
			if len(args) > 0 || len(selectors) > 0 || format == "json" {
				specs, err := parseArgs(args)
				if err != nil {
					return err
				}
				req.ExecArgs = &api.ExecProgramArgs{
					Args:              specs,
					PathSelector:      selectors,
					DisableYamlResult: format == "json",
				}
			}
			res, err := newService().ExecArtifact(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), res, format, output)
		},
	}
	cmd.Flags().StringArrayVarP(&args, "argument", "D", nil, "Set a program option (name=value, repeatable)")
	cmd.Flags().StringArrayVarP(&selectors, "path-selector", "S", nil, "Output only this field path (repeatable)")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the result to this file")
	return cmd
}

// writeResult prints a program result, or returns its failure.
func writeResult(stdout io.Writer, res *api.ExecProgramResult, format, output string) error {
	if res.ErrMessage != "" {
		return errors.New(res.ErrMessage)
	}
	var text string
	switch format {
	case "yaml":
		text = res.YamlResult
	case "json":
		text = res.JsonResult + "\n"
	default:
		return fmt.Errorf("unknown format %q: use yaml or json", format)
	}
	if output != "" {
		return os.WriteFile(output, []byte(text), 0o644)
	}
	_, err := io.WriteString(stdout, text)
	return err
}
