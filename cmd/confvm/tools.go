package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/gateway"
)

var (
	errLintFindings = errors.New("lint found problems")
	errTestsFailed  = errors.New("tests failed")
)

func newFmtCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fmt [paths...]",
		Short: "Format source files in place",
		Long: `Format source files in place and print the ones that changed. A path
ending in /... is formatted recursively. The default is the current
directory.`,
		RunE: func(cmd *cobra.Command, paths []string) error {
			if len(paths) == 0 {
				paths = []string{"."}
			}
			svc := newService()
			var errs error
			for _, p := range paths {
				res, err := svc.FormatPath(cmd.Context(), &api.FormatPathArgs{Path: p})
				if err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				for _, changed := range res.ChangedPaths {
					fmt.Fprintln(cmd.OutOrStdout(), changed)
				}
			}
			return errs
		},
	}
}

func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint [paths...]",
		Short: "Report suspicious constructs",
		RunE: func(cmd *cobra.Command, paths []string) error {
			if len(paths) == 0 {
				paths = []string{"."}
			}
			res, err := newService().LintPath(cmd.Context(), &api.LintPathArgs{Paths: paths})
			if err != nil {
				return err
			}
			for _, r := range res.Results {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			if len(res.Results) > 0 {
				return fmt.Errorf("%w: %d", errLintFindings, len(res.Results))
			}
			return nil
		},
	}
}

func newVetCmd() *cobra.Command {
	var (
		schema string
		format string
	)
	cmd := &cobra.Command{
		Use:   "vet <data-file> <schema-file>",
		Short: "Validate a data file against a schema",
		Long: `Validate a JSON or YAML data file against a definition declared in a
schema file. Without --schema the data is checked against the whole
schema file.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" && (strings.HasSuffix(args[0], ".yaml") || strings.HasSuffix(args[0], ".yml")) {
				format = "yaml"
			}
			res, err := newService().ValidateCode(cmd.Context(), &api.ValidateCodeArgs{
				Datafile: args[0],
				File:     args[1],
				Schema:   schema,
				Format:   format,
			})
			if err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.ErrMessage)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&schema, "schema", "s", "", "Definition to validate against")
	cmd.Flags().StringVar(&format, "format", "", "Data format: json or yaml (default from the file name)")
	return cmd
}

func newTestCmd() *cobra.Command {
	var (
		f        execFlags
		run      string
		failFast bool
	)
	cmd := &cobra.Command{
		Use:   "test [packages...]",
		Short: "Run test cases",
		Long: `Run the test_ fields of every *_test.cue file in the given package
directories. A directory ending in /... includes its subdirectories. The
default is the current directory.`,
		RunE: func(cmd *cobra.Command, pkgs []string) error {
			if len(pkgs) == 0 {
				pkgs = []string{"."}
			}
			specs, err := parseArgs(f.args)
			if err != nil {
				return err
			}
			res, err := newService().Test(cmd.Context(), &api.TestArgs{
				ExecArgs: &api.ExecProgramArgs{
					Args:      specs,
					Overrides: f.overrides,
				},
				PkgList:   pkgs,
				RunRegexp: run,
				FailFast:  failFast,
			})
			if err != nil {
				return err
			}
			if printTestResult(cmd.OutOrStdout(), res) > 0 {
				return errTestsFailed
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&f.args, "argument", "D", nil, "Set a program option (name=value, repeatable)")
	cmd.Flags().StringArrayVarP(&f.overrides, "overrides", "O", nil, "Override a field (path=value, repeatable)")
	cmd.Flags().StringVar(&run, "run", "", "Run only cases matching this regular expression")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop after the first failure")
	return cmd
}

// printTestResult writes one line per case and a summary, and returns the
// number of failures.
func printTestResult(w io.Writer, res *api.TestResult) int {
	failed := 0
	for _, c := range res.Info {
		d := time.Duration(c.Duration) * time.Microsecond
		if c.Error == "" {
			fmt.Fprintf(w, "--- PASS: %s (%s)\n", c.Name, d)
			continue
		}
		failed++
		fmt.Fprintf(w, "--- FAIL: %s (%s)\n", c.Name, d)
		for _, line := range strings.Split(strings.TrimRight(c.Error, "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	if failed > 0 {
		fmt.Fprintf(w, "FAIL: %d of %d cases failed\n", failed, len(res.Info))
	} else {
		fmt.Fprintf(w, "ok: %d cases\n", len(res.Info))
	}
	return failed
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [payload]",
		Short: "Call a service method with a JSON payload",
		Long: `Call a service method with a JSON payload and print the JSON response.
The payload is read from standard input when it is "-", and is {} when
omitted.

Example:
  confvm call ExecProgram '{"files": ["main.cue"]}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("{}")
			if len(args) == 2 {
				payload = []byte(args[1])
				if args[1] == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return err
					}
					payload = data
				}
			}
			out, err := gateway.New(newService()).Call(args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newMethodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the service methods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newService().ListMethod(cmd.Context(), &api.ListMethodArgs{})
			if err != nil {
				return err
			}
			for _, name := range res.MethodNameList {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newService().GetVersion(cmd.Context(), &api.GetVersionArgs{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.VersionInfo)
			if res.GitSha != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "revision %s\n", res.GitSha)
			}
			return nil
		},
	}
}

