package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tliron/commonlog"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/manifest"
	"github.com/chazu/confvm/service"
	"github.com/chazu/confvm/settings"

	_ "github.com/tliron/commonlog/simple"
)

func newRootCmd() *cobra.Command {
	var (
		verbosity int
		logFile   string
	)
	root := &cobra.Command{
		Use:   "confvm",
		Short: "Configuration language toolchain",
		Long: `confvm compiles and evaluates configuration programs.

Programs are read from the files given on the command line, from settings
files (-Y), or from the confvm.toml of the enclosing module. The same
service is reachable over Connect, gRPC and LSP with "confvm serve" and
"confvm lsp".`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var path *string
			if logFile != "" {
				path = &logFile
			}
			commonlog.Configure(verbosity, path)
		},
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Log more (repeatable)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	root.AddCommand(
		newRunCmd(),
		newBuildCmd(),
		newExecCmd(),
		newFmtCmd(),
		newLintCmd(),
		newVetCmd(),
		newTestCmd(),
		newCallCmd(),
		newMethodsCmd(),
		newVersionCmd(),
		newServeCmd(),
		newLSPCmd(),
	)
	return root
}

func newService() *service.Service {
	return service.New()
}

// ---------------------------------------------------------------------------
// Program selection shared by run, build and test
// ---------------------------------------------------------------------------

type execFlags struct {
	args        []string
	overrides   []string
	selectors   []string
	settings    []string
	sortKeys    bool
	disableNone bool
	showHidden  bool
}

func (f *execFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&f.args, "argument", "D", nil, "Set a program option (name=value, repeatable)")
	fs.StringArrayVarP(&f.overrides, "overrides", "O", nil, "Override a field (path=value, repeatable)")
	fs.StringArrayVarP(&f.selectors, "path-selector", "S", nil, "Output only this field path (repeatable)")
	fs.StringArrayVarP(&f.settings, "setting", "Y", nil, "Settings file, YAML or TOML (repeatable)")
	fs.BoolVar(&f.sortKeys, "sort-keys", false, "Sort keys in the output")
	fs.BoolVar(&f.disableNone, "disable-none", false, "Drop null fields from the output")
	fs.BoolVar(&f.showHidden, "show-hidden", false, "Include hidden fields in the output")
}

// program resolves the program to run. Files on the command line come
// first, then those listed by settings files, then the enclosing module.
// It also returns the output file requested by settings, if any.
func (f *execFlags) program(files []string) (*api.ExecProgramArgs, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	args := &api.ExecProgramArgs{WorkDir: wd}
	var output string

	if len(f.settings) > 0 {
		res, err := settings.Load(wd, f.settings)
		if err != nil {
			return nil, "", err
		}
		cfg := res.Config
		if len(files) == 0 {
			files = cfg.Files
		}
		output = cfg.Output
		args.Overrides = cfg.Overrides
		args.PathSelector = cfg.PathSelector
		args.SortKeys = cfg.SortKeys
		args.DisableNone = cfg.DisableNone
		args.ShowHidden = cfg.ShowHidden
		args.Args = settings.Options(res)
	}

	if len(files) > 0 {
		args.Files = files
	} else {
		m, err := manifest.FindAndLoad(wd)
		if err != nil {
			return nil, "", err
		}
		if m == nil {
			return nil, "", fmt.Errorf("no input files and no %s found", manifest.FileName)
		}
		modArgs, err := m.ExecArgs()
		if err != nil {
			return nil, "", err
		}
		args.WorkDir = modArgs.WorkDir
		args.Files = modArgs.Files
		args.ExternalPkgs = modArgs.ExternalPkgs
	}

	specs, err := parseArgs(f.args)
	if err != nil {
		return nil, "", err
	}
	args.Args = append(args.Args, specs...)
	args.Overrides = append(args.Overrides, f.overrides...)
	args.PathSelector = append(args.PathSelector, f.selectors...)
	args.SortKeys = args.SortKeys || f.sortKeys
	args.DisableNone = args.DisableNone || f.disableNone
	args.ShowHidden = args.ShowHidden || f.showHidden
	return args, output, nil
}

// parseArgs turns name=value pairs into option specs.
func parseArgs(pairs []string) ([]*api.CmdArgSpec, error) {
	var out []*api.CmdArgSpec
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid argument %q (expected name=value)", p)
		}
		out = append(out, &api.CmdArgSpec{Name: name, Value: value})
	}
	return out, nil
}
