package api

// The structs in this file mirror the messages of service.proto. JSON tags
// carry the proto field names so a value round-trips through protojson
// unchanged; 64-bit integers use the ",string" option to match protojson.

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Position locates a diagnostic in a source file. Line and Column are 1-based.
type Position struct {
	Line     int32  `json:"line,omitempty"`
	Column   int32  `json:"column,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Message is one line of a structured diagnostic.
type Message struct {
	Msg string    `json:"msg,omitempty"`
	Pos *Position `json:"pos,omitempty"`
}

// Error is a structured diagnostic about the input program. It is carried
// inside successful responses and never fails the call itself.
type Error struct {
	Level    string     `json:"level,omitempty"`
	Code     string     `json:"code,omitempty"`
	Messages []*Message `json:"messages,omitempty"`
}

// ---------------------------------------------------------------------------
// Service metadata
// ---------------------------------------------------------------------------

type PingArgs struct {
	Value string `json:"value,omitempty"`
}

type PingResult struct {
	Value string `json:"value,omitempty"`
}

type GetVersionArgs struct{}

type GetVersionResult struct {
	Version     string `json:"version,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	GitSha      string `json:"git_sha,omitempty"`
	VersionInfo string `json:"version_info,omitempty"`
}

type ListMethodArgs struct{}

type ListMethodResult struct {
	MethodNameList []string `json:"method_name_list,omitempty"`
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// CmdArgSpec overrides a tagged option of the program (name=value).
type CmdArgSpec struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// ExternalPkg maps an import path to a directory holding its sources.
type ExternalPkg struct {
	PkgName string `json:"pkg_name,omitempty"`
	PkgPath string `json:"pkg_path,omitempty"`
}

// ExecProgramArgs describes one compile-and-run request. When Sources is
// non-empty it is paired with Files by index and the files are not read
// from disk.
type ExecProgramArgs struct {
	WorkDir           string         `json:"work_dir,omitempty"`
	Files             []string       `json:"files,omitempty"`
	Sources           []string       `json:"sources,omitempty"`
	Args              []*CmdArgSpec  `json:"args,omitempty"`
	Overrides         []string       `json:"overrides,omitempty"`
	DisableYamlResult bool           `json:"disable_yaml_result,omitempty"`
	SortKeys          bool           `json:"sort_keys,omitempty"`
	DisableNone       bool           `json:"disable_none,omitempty"`
	ShowHidden        bool           `json:"show_hidden,omitempty"`
	PathSelector      []string       `json:"path_selector,omitempty"`
	CompileOnly       bool           `json:"compile_only,omitempty"`
	ExternalPkgs      []*ExternalPkg `json:"external_pkgs,omitempty"`
}

// IsCompileOnly reports whether the request runs in diagnostic mode.
func (a *ExecProgramArgs) IsCompileOnly() bool { return a != nil && a.CompileOnly }

type ExecProgramResult struct {
	JsonResult string `json:"json_result,omitempty"`
	YamlResult string `json:"yaml_result,omitempty"`
	LogMessage string `json:"log_message,omitempty"`
	ErrMessage string `json:"err_message,omitempty"`
}

type BuildProgramArgs struct {
	ExecArgs *ExecProgramArgs `json:"exec_args,omitempty"`
	Output   string           `json:"output,omitempty"`
}

func (a *BuildProgramArgs) IsCompileOnly() bool { return a != nil && a.ExecArgs.IsCompileOnly() }

type BuildProgramResult struct {
	Path    string `json:"path,omitempty"`
	BuildId string `json:"build_id,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

type ExecArtifactArgs struct {
	Path     string           `json:"path,omitempty"`
	ExecArgs *ExecProgramArgs `json:"exec_args,omitempty"`
}

func (a *ExecArtifactArgs) IsCompileOnly() bool { return a != nil && a.ExecArgs.IsCompileOnly() }

// ---------------------------------------------------------------------------
// Parsing and introspection
// ---------------------------------------------------------------------------

type ParseFileArgs struct {
	Path         string         `json:"path,omitempty"`
	Source       string         `json:"source,omitempty"`
	ExternalPkgs []*ExternalPkg `json:"external_pkgs,omitempty"`
}

type ParseFileResult struct {
	AstJson string   `json:"ast_json,omitempty"`
	Deps    []string `json:"deps,omitempty"`
	Errors  []*Error `json:"errors,omitempty"`
}

type ParseProgramArgs struct {
	Paths        []string       `json:"paths,omitempty"`
	Sources      []string       `json:"sources,omitempty"`
	ExternalPkgs []*ExternalPkg `json:"external_pkgs,omitempty"`
}

type ParseProgramResult struct {
	AstJson string   `json:"ast_json,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Errors  []*Error `json:"errors,omitempty"`
}

// OptionHelp describes one option a program accepts through CmdArgSpec.
type OptionHelp struct {
	Name         string `json:"name,omitempty"`
	Type         string `json:"type,omitempty"`
	Required     bool   `json:"required,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
	Help         string `json:"help,omitempty"`
}

type ListOptionsResult struct {
	Options []*OptionHelp `json:"options,omitempty"`
}

// Variable is the source-level view of a field value.
type Variable struct {
	Value       string      `json:"value,omitempty"`
	TypeName    string      `json:"type_name,omitempty"`
	OpSym       string      `json:"op_sym,omitempty"`
	ListItems   []*Variable `json:"list_items,omitempty"`
	DictEntries []*MapEntry `json:"dict_entries,omitempty"`
}

type MapEntry struct {
	Key   string    `json:"key,omitempty"`
	Value *Variable `json:"value,omitempty"`
}

type VariableList struct {
	Variables []*Variable `json:"variables,omitempty"`
}

type ListVariablesArgs struct {
	Files []string `json:"files,omitempty"`
	Specs []string `json:"specs,omitempty"`
}

type ListVariablesResult struct {
	Variables        map[string]*VariableList `json:"variables,omitempty"`
	UnsupportedCodes []string                 `json:"unsupported_codes,omitempty"`
	ParseErrors      []*Error                 `json:"parse_errors,omitempty"`
}

type OverrideFileArgs struct {
	File        string   `json:"file,omitempty"`
	Specs       []string `json:"specs,omitempty"`
	ImportPaths []string `json:"import_paths,omitempty"`
}

type OverrideFileResult struct {
	Result      bool     `json:"result,omitempty"`
	ParseErrors []*Error `json:"parse_errors,omitempty"`
}

// SchemaType describes the type of a definition or one of its fields.
type SchemaType struct {
	Type        string                 `json:"type,omitempty"`
	UnionTypes  []*SchemaType          `json:"union_types,omitempty"`
	Default     string                 `json:"default,omitempty"`
	SchemaName  string                 `json:"schema_name,omitempty"`
	SchemaDoc   string                 `json:"schema_doc,omitempty"`
	Properties  map[string]*SchemaType `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Key         *SchemaType            `json:"key,omitempty"`
	Item        *SchemaType            `json:"item,omitempty"`
	Line        int32                  `json:"line,omitempty"`
	Filename    string                 `json:"filename,omitempty"`
	PkgPath     string                 `json:"pkg_path,omitempty"`
	Description string                 `json:"description,omitempty"`
}

type GetFullSchemaTypeArgs struct {
	ExecArgs   *ExecProgramArgs `json:"exec_args,omitempty"`
	SchemaName string           `json:"schema_name,omitempty"`
}

type GetSchemaTypeResult struct {
	SchemaTypeList []*SchemaType `json:"schema_type_list,omitempty"`
}

type GetSchemaTypeMappingArgs struct {
	ExecArgs   *ExecProgramArgs `json:"exec_args,omitempty"`
	SchemaName string           `json:"schema_name,omitempty"`
}

type GetSchemaTypeMappingResult struct {
	SchemaTypeMapping map[string]*SchemaType `json:"schema_type_mapping,omitempty"`
}

// ---------------------------------------------------------------------------
// Tooling
// ---------------------------------------------------------------------------

type FormatCodeArgs struct {
	Source string `json:"source,omitempty"`
}

type FormatCodeResult struct {
	Formatted []byte `json:"formatted,omitempty"`
}

type FormatPathArgs struct {
	Path string `json:"path,omitempty"`
}

type FormatPathResult struct {
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

type LintPathArgs struct {
	Paths []string `json:"paths,omitempty"`
}

type LintPathResult struct {
	Results []string `json:"results,omitempty"`
}

// ValidateCodeArgs validates Data (or the contents of Datafile) against the
// definition Schema declared in Code (or File).
type ValidateCodeArgs struct {
	Datafile      string `json:"datafile,omitempty"`
	Data          string `json:"data,omitempty"`
	File          string `json:"file,omitempty"`
	Code          string `json:"code,omitempty"`
	Schema        string `json:"schema,omitempty"`
	AttributeName string `json:"attribute_name,omitempty"`
	Format        string `json:"format,omitempty"`
}

type ValidateCodeResult struct {
	Success    bool   `json:"success,omitempty"`
	ErrMessage string `json:"err_message,omitempty"`
}

// CliConfig is the CLI portion of a settings file.
type CliConfig struct {
	Files        []string `json:"files,omitempty"`
	Output       string   `json:"output,omitempty"`
	Overrides    []string `json:"overrides,omitempty"`
	PathSelector []string `json:"path_selector,omitempty"`
	DisableNone  bool     `json:"disable_none,omitempty"`
	Verbose      int64    `json:"verbose,omitempty,string"`
	Debug        bool     `json:"debug,omitempty"`
	SortKeys     bool     `json:"sort_keys,omitempty"`
	ShowHidden   bool     `json:"show_hidden,omitempty"`
}

type KeyValuePair struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

type LoadSettingsFilesArgs struct {
	WorkDir string   `json:"work_dir,omitempty"`
	Files   []string `json:"files,omitempty"`
}

type LoadSettingsFilesResult struct {
	Config  *CliConfig      `json:"config,omitempty"`
	Options []*KeyValuePair `json:"options,omitempty"`
}

type RenameArgs struct {
	PackageRoot string   `json:"package_root,omitempty"`
	SymbolPath  string   `json:"symbol_path,omitempty"`
	FilePaths   []string `json:"file_paths,omitempty"`
	NewName     string   `json:"new_name,omitempty"`
}

type RenameResult struct {
	ChangedFiles []string `json:"changed_files,omitempty"`
}

type RenameCodeArgs struct {
	PackageRoot string            `json:"package_root,omitempty"`
	SymbolPath  string            `json:"symbol_path,omitempty"`
	SourceCodes map[string]string `json:"source_codes,omitempty"`
	NewName     string            `json:"new_name,omitempty"`
}

type RenameCodeResult struct {
	ChangedCodes map[string]string `json:"changed_codes,omitempty"`
}

// ---------------------------------------------------------------------------
// Testing
// ---------------------------------------------------------------------------

type TestArgs struct {
	ExecArgs  *ExecProgramArgs `json:"exec_args,omitempty"`
	PkgList   []string         `json:"pkg_list,omitempty"`
	RunRegexp string           `json:"run_regexp,omitempty"`
	FailFast  bool             `json:"fail_fast,omitempty"`
}

// TestCaseInfo is the outcome of one test case. Duration is in microseconds.
type TestCaseInfo struct {
	Name       string `json:"name,omitempty"`
	Error      string `json:"error,omitempty"`
	Duration   uint64 `json:"duration,omitempty,string"`
	LogMessage string `json:"log_message,omitempty"`
}

type TestResult struct {
	Info []*TestCaseInfo `json:"info,omitempty"`
}
