package server

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf16"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/engine"
	"github.com/chazu/confvm/service"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "confvm-lsp"

// LspServer bridges LSP editor features to the service. Each open document
// is treated as a program of its own.
type LspServer struct {
	svc *service.Service

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates an LSP server over svc.
func NewLSP(svc *service.Service) *LspServer {
	s := &LspServer{
		svc:     svc,
		docs:    make(map[string]string),
		version: service.Version,
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentFormatting: s.textDocumentFormatting,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"#"},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.DocumentFormattingProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.complete(params.TextDocument.URI, text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.hover(params.TextDocument.URI, text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	if loc := s.definition(params.TextDocument.URI, text, word); loc != nil {
		return []protocol.Location{*loc}, nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentFormatting(ctx *glsp.Context, params *protocol.DocumentFormattingParams) ([]protocol.TextEdit, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return s.format(text)
}

// --- Service-backed logic ---

// docArgs describes a single open document as a program.
func docArgs(uri protocol.DocumentUri, text string) *api.ExecProgramArgs {
	path := uriPath(uri)
	return &api.ExecProgramArgs{
		WorkDir: filepath.Dir(path),
		Files:   []string{path},
		Sources: []string{text},
	}
}

func uriPath(uri protocol.DocumentUri) string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return string(uri)
	}
	return u.Path
}

// schemas returns the definitions declared in a document, or nil when the
// document does not compile.
func (s *LspServer) schemas(uri protocol.DocumentUri, text, name string) []*api.SchemaType {
	res, err := s.svc.GetFullSchemaType(context.Background(), &api.GetFullSchemaTypeArgs{
		ExecArgs:   docArgs(uri, text),
		SchemaName: name,
	})
	if err != nil {
		log.Debugf("schemas of %s: %v", uri, err)
		return nil
	}
	return res.SchemaTypeList
}

func (s *LspServer) complete(uri protocol.DocumentUri, text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(strings.TrimPrefix(prefix, "#"))

	for _, st := range s.schemas(uri, text, "") {
		if !strings.HasPrefix(strings.ToLower(st.SchemaName), lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindClass
		detail := "schema"
		label := "#" + st.SchemaName
		insert := label
		if strings.HasPrefix(prefix, "#") {
			// The client replaces the word after the trigger character
			insert = st.SchemaName
		}
		item := protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &insert,
		}
		if st.SchemaDoc != "" {
			item.Documentation = st.SchemaDoc
		}
		items = append(items, item)
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func (s *LspServer) hover(uri protocol.DocumentUri, text, word string) *protocol.Hover {
	name := strings.TrimPrefix(word, "#")
	list := s.schemas(uri, text, name)
	if len(list) == 0 {
		return nil
	}
	st := list[0]

	var b strings.Builder
	fmt.Fprintf(&b, "**#%s**", st.SchemaName)
	if st.PkgPath != "" {
		fmt.Fprintf(&b, " (%s)", st.PkgPath)
	}
	b.WriteString("\n\n")

	if st.SchemaDoc != "" {
		b.WriteString("---\n\n")
		b.WriteString(st.SchemaDoc)
		b.WriteString("\n\n")
	}

	if len(st.Properties) > 0 {
		required := make(map[string]bool, len(st.Required))
		for _, r := range st.Required {
			required[r] = true
		}
		fields := make([]string, 0, len(st.Properties))
		for f := range st.Properties {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			opt := "?"
			if required[f] {
				opt = ""
			}
			fmt.Fprintf(&b, "- `%s%s`: %s\n", f, opt, typeString(st.Properties[f]))
		}
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func typeString(t *api.SchemaType) string {
	switch {
	case t == nil:
		return "any"
	case t.Type == "schema" && t.SchemaName != "":
		return "#" + t.SchemaName
	case t.Type == "list" && t.Item != nil:
		return "[..." + typeString(t.Item) + "]"
	case t.Type == "union" && len(t.UnionTypes) > 0:
		parts := make([]string, len(t.UnionTypes))
		for i, u := range t.UnionTypes {
			parts[i] = typeString(u)
		}
		return strings.Join(parts, " | ")
	default:
		return t.Type
	}
}

func (s *LspServer) definition(uri protocol.DocumentUri, text, word string) *protocol.Location {
	list := s.schemas(uri, text, strings.TrimPrefix(word, "#"))
	if len(list) == 0 || list[0].Line == 0 {
		return nil
	}
	st := list[0]

	target := uri
	if st.Filename != "" && st.Filename != uriPath(uri) {
		target = protocol.DocumentUri((&url.URL{Scheme: "file", Path: st.Filename}).String())
	}
	pos := protocol.Position{Line: protocol.UInteger(st.Line - 1)}
	return &protocol.Location{
		URI:   target,
		Range: protocol.Range{Start: pos, End: pos},
	}
}

func (s *LspServer) format(text string) ([]protocol.TextEdit, error) {
	res, err := s.svc.FormatCode(context.Background(), &api.FormatCodeArgs{Source: text})
	if err != nil {
		return nil, err
	}
	if string(res.Formatted) == text {
		return nil, nil
	}
	return []protocol.TextEdit{{
		Range:   protocol.Range{Start: protocol.Position{}, End: endOf(text)},
		NewText: string(res.Formatted),
	}}, nil
}

// endOf returns the position just past the last character of text.
func endOf(text string) protocol.Position {
	line := strings.Count(text, "\n")
	last := text[strings.LastIndexByte(text, '\n')+1:]
	return protocol.Position{
		Line:      protocol.UInteger(line),
		Character: protocol.UInteger(len(utf16.Encode([]rune(last)))),
	}
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := s.diagnose(uri, text)
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func (s *LspServer) diagnose(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	errs, err := s.svc.Diagnostics(docArgs(uri, text))
	if err != nil {
		errs = []*api.Error{{Level: engine.LevelError, Messages: []*api.Message{{Msg: err.Error()}}}}
	}
	return toDiagnostics(errs, uriPath(uri))
}

// toDiagnostics converts service diagnostics to LSP ones. Positions in
// other files are moved to the top of the document.
func toDiagnostics(errs []*api.Error, path string) []protocol.Diagnostic {
	diagnostics := []protocol.Diagnostic{}
	source := lspName
	for _, e := range errs {
		severity := protocol.DiagnosticSeverityError
		if e.Level == engine.LevelWarning {
			severity = protocol.DiagnosticSeverityWarning
		}
		for _, m := range e.Messages {
			var pos protocol.Position
			msg := m.Msg
			if p := m.Pos; p != nil && p.Line > 0 {
				if p.Filename == "" || p.Filename == path {
					pos = protocol.Position{Line: protocol.UInteger(p.Line - 1), Character: protocol.UInteger(max(p.Column-1, 0))}
				} else {
					msg = fmt.Sprintf("%s:%d:%d: %s", filepath.Base(p.Filename), p.Line, p.Column, msg)
				}
			}
			d := protocol.Diagnostic{
				Range:    protocol.Range{Start: pos, End: pos},
				Severity: &severity,
				Source:   &source,
				Message:  msg,
			}
			if e.Code != "" {
				d.Code = &protocol.IntegerOrString{Value: e.Code}
			}
			diagnostics = append(diagnostics, d)
		}
	}
	return diagnostics
}

// --- Text extraction helpers ---

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}

	end := col
	for end < len(line) && isIdentChar(rune(line[end])) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

// isIdentChar reports whether ch can appear in an identifier. Definitions
// start with '#' and hidden fields with '_'.
func isIdentChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '#' || ch == '$'
}

func boolPtr(b bool) *bool {
	return &b
}
