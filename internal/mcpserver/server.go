// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Alaya tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/alaya/internal/apperr"
	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/ingest"
	"github.com/starford/alaya/internal/noteservice"
	"github.com/starford/alaya/internal/search"
	"github.com/starford/alaya/internal/storage"
)

const (
	contractURI        = "alaya://note-format"
	defaultSearchLimit = 10
	fetchTimeout       = 30 * time.Second
)

// Deps are the collaborators behind the tools. Nil members disable the
// tools that need them.
type Deps struct {
	Notes     *noteservice.Service
	Searcher  *search.Searcher
	Reindexer *index.Reindexer
	Indexer   *index.Indexer
	Ingester  *ingest.Ingester
	FS        storage.Provider
	DropDir   string
	// Fetcher downloads drop_source URLs. It defaults to one that blocks
	// loopback and cloud metadata hosts.
	Fetcher *ingest.Fetcher
}

// Server wraps the MCP server with Alaya tools.
type Server struct {
	mcp      *server.MCPServer
	notes    *noteservice.Service
	searcher *search.Searcher
	rx       *index.Reindexer
	ix       *index.Indexer
	ingester *ingest.Ingester
	fs       storage.Provider
	fetcher  *ingest.Fetcher
	dropDir  string
}

// New creates a new MCP server with all Alaya tools registered.
func New(d Deps) *Server {
	dropDir := d.DropDir
	if dropDir == "" {
		dropDir = index.DefaultDropDir
	}
	s := &Server{
		notes:    d.Notes,
		searcher: d.Searcher,
		rx:       d.Reindexer,
		ix:       d.Indexer,
		ingester: d.Ingester,
		fs:       d.FS,
		fetcher:  d.Fetcher,
		dropDir:  dropDir,
	}
	if s.fetcher == nil {
		s.fetcher = ingest.NewFetcher(ingest.BlockInternal, fetchTimeout, maxDropSize)
	}

	s.mcp = server.NewMCPServer(
		"Alaya",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Hybrid semantic and keyword search over the vault. "+
			"Returns the best matching notes ranked by score."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language search query")),
		mcp.WithString("directory", mcp.Description("Restrict results to this top-level directory (e.g. projects)")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Only return notes carrying all of these tags")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full content of a Markdown note."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note (e.g. projects/alaya.md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note. The file name is derived from the title and "+
			"the note is rendered in the canonical format. Read the contract first via "+
			"the get_note_contract tool or the "+contractURI+" resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Human-readable title")),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Top-level directory (inbox, projects, areas, ...)")),
		mcp.WithString("body", mcp.Description("Markdown body")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Tags without the leading #")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("append_to_note",
		mcp.WithDescription("Append Markdown text to the end of an existing note."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to append")),
	), s.appendToNote)

	s.mcp.AddTool(mcp.NewTool("move_note",
		mcp.WithDescription("Move a note into another top-level directory, keeping its file name."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Destination directory")),
	), s.moveNote)

	s.mcp.AddTool(mcp.NewTool("rename_note",
		mcp.WithDescription("Change a note's title. The file is renamed to match and "+
			"[[wikilinks]] to the old title are rewritten across the vault."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
		mcp.WithString("title", mcp.Required(), mcp.Description("New title")),
	), s.renameNote)

	s.mcp.AddTool(mcp.NewTool("delete_note",
		mcp.WithDescription("Archive a note. The file moves to archives/ and leaves the search index."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
		mcp.WithString("reason", mcp.Description("Optional reason recorded in the archived note")),
	), s.deleteNote)

	s.mcp.AddTool(mcp.NewTool("reindex_vault",
		mcp.WithDescription("Reindex the vault. Incremental by default; a full reindex "+
			"re-embeds every note and requires confirm=true."),
		mcp.WithBoolean("full", mcp.Description("Rebuild every note instead of only changed ones")),
		mcp.WithBoolean("confirm", mcp.Description("Must be true for a full reindex")),
	), s.reindexVault)

	s.mcp.AddTool(mcp.NewTool("index_status",
		mcp.WithDescription("Report chunk and note counts, the embedding model and index health."),
	), s.indexStatus)

	s.mcp.AddTool(mcp.NewTool("ingest",
		mcp.WithDescription("Extract text from a vault file (.md, .txt, .html) or an http(s) URL, "+
			"index it and suggest related notes to link."),
		mcp.WithString("source", mcp.Required(), mcp.Description("Vault-relative path, absolute path inside the vault, or URL")),
		mcp.WithString("title", mcp.Description("Title override")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Tags for the indexed source")),
	), s.ingestSource)

	s.mcp.AddTool(mcp.NewTool("drop_source",
		mcp.WithDescription("Download a source file into the drop directory for background "+
			"ingestion. Accepts http(s) URLs and base64 data URIs (text, markdown, html, pdf)."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
	), s.dropSource)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List all notes or notes in a specific directory."),
		mcp.WithString("directory", mcp.Description("Optional directory to list (empty for all)")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the canonical Alaya note format contract. "+
			"Call this before creating or updating notes to ensure correct structure."),
	), s.getNoteContract)

	// Resource: note format contract.
	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Note Format Contract",
			mcp.WithResourceDescription("Canonical Markdown note format that all notes must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// Listen serves MCP over in/out until ctx ends.
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(s.mcp).Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func toolError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(apperr.Format(fmt.Errorf("%s: %w", op, err)))
}

func notConfigured(op string) *mcp.CallToolResult {
	return toolError(op, apperr.ErrNotConfigured)
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.searcher == nil {
		return notConfigured("search_notes"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.searcher.Search(ctx, search.Query{
		Text:      query,
		Directory: req.GetString("directory", ""),
		Tags:      req.GetStringSlice("tags", nil),
		Limit:     req.GetInt("limit", defaultSearchLimit),
	})
	if err != nil {
		return toolError("search_notes", err), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No notes matching that query."), nil
	}

	var b strings.Builder
	b.WriteString("| Title | Path | Score |\n|---|---|---|\n")
	for _, r := range results {
		fmt.Fprintf(&b, "| %s | %s | %.3f |\n", cell(r.Title), cell(r.Path), r.Score)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// cell escapes a value for a Markdown table.
func cell(v string) string {
	return strings.ReplaceAll(v, "|", `\|`)
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.notes == nil {
		return notConfigured("read_note"), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.notes.Read(ctx, path)
	if err != nil {
		return toolError("read_note", err), nil
	}
	return mcp.NewToolResultText(note.Content), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.notes == nil {
		return notConfigured("create_note"), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dir, err := req.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := s.notes.Create(ctx, dir, title, req.GetString("body", ""), req.GetStringSlice("tags", nil))
	if err != nil {
		return toolError("create_note", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", path)), nil
}

func (s *Server) appendToNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.notes == nil {
		return notConfigured("append_to_note"), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.notes.Append(ctx, path, text); err != nil {
		return toolError("append_to_note", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("appended: %s", path)), nil
}

func (s *Server) moveNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.notes == nil {
		return notConfigured("move_note"), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dir, err := req.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dest, err := s.notes.Move(ctx, path, dir)
	if err != nil {
		return toolError("move_note", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("moved: %s -> %s", path, dest)), nil
}

func (s *Server) renameNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.notes == nil {
		return notConfigured("rename_note"), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dest, err := s.notes.Rename(ctx, path, title)
	if err != nil {
		return toolError("rename_note", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("renamed: %s -> %s", path, dest)), nil
}

func (s *Server) deleteNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.notes == nil {
		return notConfigured("delete_note"), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dest, err := s.notes.Delete(ctx, path, req.GetString("reason", ""))
	if err != nil {
		return toolError("delete_note", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("archived: %s -> %s", path, dest)), nil
}

func (s *Server) reindexVault(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.rx == nil {
		return notConfigured("reindex_vault"), nil
	}
	var (
		res index.Result
		err error
	)
	if req.GetBool("full", false) {
		if !req.GetBool("confirm", false) {
			return toolError("reindex_vault", fmt.Errorf("%w: a full reindex requires confirm=true", apperr.ErrInvalidArgument)), nil
		}
		res, err = s.rx.Full(ctx)
	} else {
		var ok bool
		res, ok, err = s.rx.TryIncremental(ctx)
		if !ok {
			return toolError("reindex_vault", fmt.Errorf("%w: a reindex or migration is already running", apperr.ErrConflict)), nil
		}
	}
	if err != nil {
		return toolError("reindex_vault", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Reindex complete: %d indexed, %d skipped, %d deleted, %d failed, %d chunks in %s",
		res.NotesIndexed, res.NotesSkipped, res.NotesDeleted, res.NotesFailed,
		res.ChunksCreated, res.Duration.Round(time.Millisecond),
	)), nil
}

func (s *Server) indexStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.ix == nil {
		return notConfigured("index_status"), nil
	}
	out, _ := json.MarshalIndent(s.ix.Status(ctx), "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) ingestSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.ingester == nil {
		return notConfigured("ingest"), nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.ingester.Ingest(ctx, source, req.GetString("title", ""), req.GetStringSlice("tags", nil))
	if err != nil {
		return toolError("ingest", err), nil
	}
	if res.Message != "" {
		return mcp.NewToolResultText(res.Message), nil
	}
	return mcp.NewToolResultText(formatIngest(res)), nil
}

func formatIngest(res ingest.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Title:** %s\n", res.Title)
	fmt.Fprintf(&b, "**Source:** %s\n", res.Source)
	fmt.Fprintf(&b, "**Chunks indexed:** %d\n\n", res.ChunksIndexed)
	fmt.Fprintf(&b, "**Raw content:**\n\n%s\n", res.Text)
	if len(res.SuggestedLinks) > 0 {
		b.WriteString("\n**Suggested links:**\n")
		for _, l := range res.SuggestedLinks {
			fmt.Fprintf(&b, "- [[%s]] (%s, %.3f)\n", l.Title, l.Path, l.Score)
		}
	}
	return b.String()
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.notes == nil {
		return notConfigured("list_notes"), nil
	}
	items, err := s.notes.List(ctx, req.GetString("directory", ""))
	if err != nil {
		return toolError("list_notes", err), nil
	}

	paths := make([]string, 0, len(items))
	for _, it := range items {
		paths = append(paths, it.Path)
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
