package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/noteservice"
	"github.com/starford/alaya/internal/search"
	"github.com/starford/alaya/internal/storage"
)

// Deps are the collaborators the API routes call into.
type Deps struct {
	Notes     *noteservice.Service
	Searcher  *search.Searcher
	Reindexer *index.Reindexer
	Indexer   *index.Indexer
	FS        storage.Provider
	DropDir   string
	// SSE, if non-nil, is mounted at GET /events inside the auth group.
	SSE http.Handler
}

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
func NewRouter(d Deps, authEnabled bool, token string) chi.Router {
	h := NewHandler(d.Notes, d.Searcher, d.Reindexer, d.Indexer)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Post("/notes/move", h.MoveNote)
	r.Post("/notes/rename", h.RenameNote)
	r.Post("/notes/append", h.AppendNote)
	r.Get("/notes/*", h.GetNote)
	r.Put("/notes/*", h.UpdateNote)
	r.Delete("/notes/*", h.DeleteNote)

	// Search and index.
	r.Get("/search", h.Search)
	r.Post("/reindex", h.Reindex)
	r.Get("/index/status", h.IndexStatus)

	// Drop-in upload (auth-protected).
	if d.FS != nil {
		r.Post("/raw", NewDropHandler(d.FS, d.DropDir).Upload)
	}

	// SSE endpoint (protected by same auth middleware).
	if d.SSE != nil {
		r.Get("/events", d.SSE.ServeHTTP)
	}

	return r
}
