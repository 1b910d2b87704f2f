package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/alaya/internal/chunk"
	"github.com/starford/alaya/internal/events"
	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/ingest"
	"github.com/starford/alaya/internal/noteservice"
	"github.com/starford/alaya/internal/search"
	"github.com/starford/alaya/internal/storage"
	"github.com/starford/alaya/internal/testutil"
)

func testServer(t *testing.T) (*Server, storage.Provider) {
	t.Helper()

	vaultDir, fs := testutil.TestVault(t)
	store := testutil.TestStore(t, vaultDir)
	emb := testutil.TestEmbedder(t)
	log := testutil.Logger()

	ix := index.NewIndexer(fs, store, emb, chunk.DefaultConfig(), index.NewHealth(), log)
	rx := index.NewReindexer(ix, filepath.Join(t.TempDir(), index.StateFile), log)
	recency := index.NewRecency(time.Minute)
	bus := events.NewBus(log)
	index.NewSubscriber(ix, recency, log).Attach(bus)
	searcher := search.New(store, emb, log)

	srv := New(Deps{
		Notes:     noteservice.NewService(fs, bus),
		Searcher:  searcher,
		Reindexer: rx,
		Indexer:   ix,
		Ingester:  ingest.New(fs, ix, searcher, recency, "raw", log),
		FS:        fs,
		DropDir:   "raw",
	})
	return srv, fs
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so dispatch to the
	// handler functions.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_notes":
		result, err = srv.searchNotes(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "create_note":
		result, err = srv.createNote(ctx, req)
	case "append_to_note":
		result, err = srv.appendToNote(ctx, req)
	case "move_note":
		result, err = srv.moveNote(ctx, req)
	case "rename_note":
		result, err = srv.renameNote(ctx, req)
	case "delete_note":
		result, err = srv.deleteNote(ctx, req)
	case "reindex_vault":
		result, err = srv.reindexVault(ctx, req)
	case "index_status":
		result, err = srv.indexStatus(ctx, req)
	case "ingest":
		result, err = srv.ingestSource(ctx, req)
	case "drop_source":
		result, err = srv.dropSource(ctx, req)
	case "list_notes":
		result, err = srv.listNotes(ctx, req)
	case "get_note_contract":
		result, err = srv.getNoteContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// createNote creates a note through the tool and returns its path.
func createNote(t *testing.T, srv *Server, dir, title, body string) string {
	t.Helper()
	r := callTool(t, srv, "create_note", map[string]interface{}{
		"directory": dir,
		"title":     title,
		"body":      body,
	})
	text := resultText(r)
	if r.IsError || !strings.HasPrefix(text, "created: ") {
		t.Fatalf("create_note = %q", text)
	}
	return strings.TrimPrefix(text, "created: ")
}

func TestCreateAndReadNote(t *testing.T) {
	srv, _ := testServer(t)

	p := createNote(t, srv, "inbox", "Test Note", "Hello")
	if !strings.HasPrefix(p, "inbox/") || !strings.HasSuffix(p, ".md") {
		t.Errorf("created path = %q", p)
	}

	r := callTool(t, srv, "read_note", map[string]interface{}{"path": p})
	text := resultText(r)
	if !strings.Contains(text, "title: Test Note") || !strings.HasSuffix(text, "Hello\n") {
		t.Errorf("read result = %q", text)
	}
}

func TestCreateNoteInvalidDirectory(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "create_note", map[string]interface{}{
		"directory": "nowhere",
		"title":     "X",
	})
	if !r.IsError {
		t.Fatal("expected error for invalid directory")
	}
	if text := resultText(r); !strings.HasPrefix(text, "ERROR [INVALID_ARGUMENT]") {
		t.Errorf("error text = %q", text)
	}
}

func TestListNotes(t *testing.T) {
	srv, store := testServer(t)
	_ = store.Write("inbox/a.md", []byte("a"))
	_ = store.Write("projects/b.md", []byte("b"))

	r := callTool(t, srv, "list_notes", map[string]interface{}{})
	if text := resultText(r); text != "inbox/a.md\nprojects/b.md" {
		t.Errorf("list = %q", text)
	}

	r = callTool(t, srv, "list_notes", map[string]interface{}{"directory": "projects"})
	if text := resultText(r); text != "projects/b.md" {
		t.Errorf("list projects = %q", text)
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"path": "nope.md"})
	if !r.IsError {
		t.Fatal("expected error for missing note")
	}
	if text := resultText(r); !strings.HasPrefix(text, "ERROR [NOT_FOUND]") {
		t.Errorf("error text = %q", text)
	}
}

func TestSearchNotes(t *testing.T) {
	srv, _ := testServer(t)
	p := createNote(t, srv, "learning", "Tides", "Lunar gravity drives the ocean tides.")
	createNote(t, srv, "ideas", "Bread", "Sourdough starter needs regular feeding.")

	r := callTool(t, srv, "search_notes", map[string]interface{}{"query": "ocean tides"})
	text := resultText(r)
	if r.IsError {
		t.Fatalf("search error: %s", text)
	}
	if !strings.HasPrefix(text, "| Title | Path | Score |") {
		t.Errorf("search output = %q", text)
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 3 || !strings.Contains(lines[2], p) {
		t.Errorf("top hit should be %s, got %q", p, text)
	}

	r = callTool(t, srv, "search_notes", map[string]interface{}{"query": "ocean tides", "directory": "people"})
	if text := resultText(r); text != "No notes matching that query." {
		t.Errorf("filtered search = %q", text)
	}
}

func TestAppendMoveRenameDelete(t *testing.T) {
	srv, _ := testServer(t)
	p := createNote(t, srv, "inbox", "Draft", "first")

	r := callTool(t, srv, "append_to_note", map[string]interface{}{"path": p, "text": "second"})
	if r.IsError {
		t.Fatalf("append: %s", resultText(r))
	}
	text := resultText(callTool(t, srv, "read_note", map[string]interface{}{"path": p}))
	if !strings.Contains(text, "first") || !strings.HasSuffix(strings.TrimSpace(text), "second") {
		t.Errorf("after append = %q", text)
	}

	r = callTool(t, srv, "move_note", map[string]interface{}{"path": p, "directory": "projects"})
	if r.IsError {
		t.Fatalf("move: %s", resultText(r))
	}
	moved := "projects/" + filepath.Base(p)
	if text := resultText(r); text != "moved: "+p+" -> "+moved {
		t.Errorf("move result = %q", text)
	}

	r = callTool(t, srv, "rename_note", map[string]interface{}{"path": moved, "title": "Final Plan"})
	if r.IsError {
		t.Fatalf("rename: %s", resultText(r))
	}
	if text := resultText(r); text != "renamed: "+moved+" -> projects/final-plan.md" {
		t.Errorf("rename result = %q", text)
	}

	r = callTool(t, srv, "delete_note", map[string]interface{}{"path": "projects/final-plan.md", "reason": "done"})
	if r.IsError {
		t.Fatalf("delete: %s", resultText(r))
	}
	if text := resultText(r); text != "archived: projects/final-plan.md -> archives/final-plan.md" {
		t.Errorf("delete result = %q", text)
	}

	r = callTool(t, srv, "read_note", map[string]interface{}{"path": "projects/final-plan.md"})
	if !r.IsError {
		t.Error("deleted note should be gone from projects/")
	}
}

func TestReindexVault(t *testing.T) {
	srv, store := testServer(t)
	_ = store.Write("inbox/a.md", []byte("---\ntitle: A\n---\nalpha note"))

	r := callTool(t, srv, "reindex_vault", map[string]interface{}{"full": true})
	if !r.IsError || !strings.HasPrefix(resultText(r), "ERROR [INVALID_ARGUMENT]") {
		t.Errorf("full without confirm = %q", resultText(r))
	}

	r = callTool(t, srv, "reindex_vault", map[string]interface{}{})
	if r.IsError || !strings.HasPrefix(resultText(r), "Reindex complete: 1 indexed") {
		t.Errorf("incremental = %q", resultText(r))
	}

	r = callTool(t, srv, "reindex_vault", map[string]interface{}{"full": true, "confirm": true})
	if r.IsError || !strings.HasPrefix(resultText(r), "Reindex complete: 1 indexed") {
		t.Errorf("full = %q", resultText(r))
	}
}

func TestIndexStatus(t *testing.T) {
	srv, _ := testServer(t)
	createNote(t, srv, "inbox", "Status", "some text")

	r := callTool(t, srv, "index_status", map[string]interface{}{})
	var st index.Status
	if err := json.Unmarshal([]byte(resultText(r)), &st); err != nil {
		t.Fatalf("status JSON: %v", err)
	}
	if st.Notes != 1 || st.Chunks == 0 {
		t.Errorf("status = %+v", st)
	}
	if st.ActiveModel != testutil.TestModel {
		t.Errorf("active model = %q", st.ActiveModel)
	}
}

func TestIngestFile(t *testing.T) {
	srv, store := testServer(t)
	_ = store.Write("raw/clip.txt", []byte("Notes on river delta sediment."))

	r := callTool(t, srv, "ingest", map[string]interface{}{"source": "raw/clip.txt"})
	text := resultText(r)
	if r.IsError {
		t.Fatalf("ingest: %s", text)
	}
	for _, want := range []string{"**Title:** clip", "**Source:** raw/clip.txt", "**Chunks indexed:**", "river delta sediment"} {
		if !strings.Contains(text, want) {
			t.Errorf("ingest output missing %q: %q", want, text)
		}
	}
}

func TestIngestBlocksLoopbackURL(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "ingest", map[string]interface{}{"source": "http://127.0.0.1:9/page"})
	if !r.IsError || !strings.Contains(resultText(r), "blocked host") {
		t.Errorf("loopback ingest = %q", resultText(r))
	}
}

func TestDropSourceDataURI(t *testing.T) {
	srv, store := testServer(t)
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("dropped source text"))

	r := callTool(t, srv, "drop_source", map[string]interface{}{"url": uri})
	if r.IsError {
		t.Fatalf("drop_source: %s", resultText(r))
	}
	var out dropResult
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.SavedPath, "raw/") || !strings.HasSuffix(out.SavedPath, ".txt") {
		t.Errorf("saved path = %q", out.SavedPath)
	}
	data, err := store.Read(out.SavedPath)
	if err != nil || string(data) != "dropped source text" {
		t.Errorf("stored = %q, %v", data, err)
	}

	r = callTool(t, srv, "drop_source", map[string]interface{}{"url": uri, "filename": filepath.Base(out.SavedPath)})
	if !r.IsError || !strings.Contains(resultText(r), "already exists") {
		t.Errorf("duplicate drop = %q", resultText(r))
	}
}

func TestDropSourceRejectsMismatch(t *testing.T) {
	srv, _ := testServer(t)

	uri := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString([]byte("not a pdf"))
	r := callTool(t, srv, "drop_source", map[string]interface{}{"url": uri})
	if !r.IsError || !strings.Contains(resultText(r), "content does not match") {
		t.Errorf("mismatch = %q", resultText(r))
	}

	uri = "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("text"))
	r = callTool(t, srv, "drop_source", map[string]interface{}{"url": uri, "filename": "image.png"})
	if !r.IsError || !strings.Contains(resultText(r), "unsupported file extension") {
		t.Errorf("bad extension = %q", resultText(r))
	}

	r = callTool(t, srv, "drop_source", map[string]interface{}{"url": "http://127.0.0.1/a.txt"})
	if !r.IsError || !strings.Contains(resultText(r), "blocked host") {
		t.Errorf("loopback drop = %q", resultText(r))
	}
}

func TestDropSourceFromURL(t *testing.T) {
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("field notes from the survey"))
	}))
	defer web.Close()

	srv, store := testServer(t)
	srv.fetcher = ingest.NewFetcher(nil, 5*time.Second, maxDropSize)

	r := callTool(t, srv, "drop_source", map[string]interface{}{"url": web.URL + "/papers/field.txt"})
	if r.IsError {
		t.Fatalf("drop_source: %s", resultText(r))
	}
	data, err := store.Read("raw/field.txt")
	if err != nil || string(data) != "field notes from the survey" {
		t.Errorf("stored = %q, %v", data, err)
	}
}

func TestDropSourceRedirectToBlockedHost(t *testing.T) {
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("instance credentials"))
	}))
	defer internal.Close()
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, internal.URL+"/creds.txt", http.StatusFound)
	}))
	defer public.Close()

	blocked, err := url.Parse(internal.URL)
	if err != nil {
		t.Fatal(err)
	}
	srv, store := testServer(t)
	srv.fetcher = ingest.NewFetcher(func(u *url.URL) error {
		if u.Host == blocked.Host {
			return fmt.Errorf("%w: %s", ingest.ErrBlockedHost, u.Host)
		}
		return nil
	}, 5*time.Second, maxDropSize)

	r := callTool(t, srv, "drop_source", map[string]interface{}{"url": public.URL + "/report.txt"})
	if !r.IsError || !strings.Contains(resultText(r), "blocked host") {
		t.Errorf("redirected drop = %q", resultText(r))
	}
	if _, err := store.Stat("raw/report.txt"); err == nil {
		t.Error("redirected source was saved")
	}
}

func TestNotConfigured(t *testing.T) {
	srv := New(Deps{})
	for _, name := range []string{"search_notes", "read_note", "index_status", "ingest", "drop_source"} {
		r := callTool(t, srv, name, map[string]interface{}{"query": "x", "path": "a.md", "source": "a.txt", "url": "data:text/plain;base64,eA=="})
		if !r.IsError || !strings.Contains(resultText(r), "NOT_CONFIGURED") {
			t.Errorf("%s = %q", name, resultText(r))
		}
	}
}

func TestNoteContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_note_contract", map[string]interface{}{})
	if !strings.Contains(resultText(r), "Alaya Note Format Contract") {
		t.Error("contract text missing heading")
	}

	res, err := srv.readNoteFormatResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil || len(res) != 1 {
		t.Fatalf("resource = %v, %v", res, err)
	}
	if tc, ok := res[0].(mcp.TextResourceContents); !ok || tc.URI != contractURI {
		t.Errorf("resource contents = %#v", res[0])
	}
}
