package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/noteservice"
	"github.com/starford/alaya/internal/search"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc      *noteservice.Service
	searcher *search.Searcher
	rx       *index.Reindexer
	ix       *index.Indexer
}

// NewHandler creates a new Handler. searcher, rx and ix may be nil, in
// which case their routes answer 503.
func NewHandler(svc *noteservice.Service, searcher *search.Searcher, rx *index.Reindexer, ix *index.Indexer) *Handler {
	return &Handler{svc: svc, searcher: searcher, rx: rx, ix: ix}
}

// notePath extracts the note path from the URL (everything after /api/notes/).
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fnote.md).
func notePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes, optionally under one directory
//	@Tags			notes
//	@Produce		json
//	@Param			dir		query		string	false	"Directory"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := h.svc.List(r.Context(), q.Get("dir"))
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	total := len(items)
	if offset > 0 {
		items = items[min(offset, total):]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: total})
}

// GetNote handles GET /api/notes/*.
//
//	@Summary		Get a single note by path
//	@Tags			notes
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	NoteDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	note, err := h.svc.Read(r.Context(), path)
	if err != nil {
		writeError(w, "get note", err, "path", path)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		note *NoteDetail
		err  error
	)
	switch {
	case req.Path != "" && req.Content != "":
		note, err = h.svc.CreateAt(r.Context(), req.Path, []byte(req.Content))
	case req.Directory != "" && req.Title != "":
		var p string
		if p, err = h.svc.Create(r.Context(), req.Directory, req.Title, req.Body, req.Tags); err == nil {
			note, err = h.svc.Read(r.Context(), p)
		}
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("path and content, or directory and title, are required"))
		return
	}
	if err != nil {
		writeError(w, "create note", err, "path", req.Path)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/*.
//
//	@Summary		Update a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			path	path		string				true	"Note path"
//	@Param			If-Match	header	string				false	"SHA-256 checksum for optimistic concurrency"
//	@Param			body	body		UpdateNoteRequest	true	"Updated content"
//	@Success		200		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}

	var req UpdateNoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("content is required"))
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	note, err := h.svc.Write(r.Context(), path, []byte(req.Content), ifMatch)
	if err != nil {
		writeError(w, "update note", err, "path", path)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// AppendNote handles POST /api/notes/append.
func (h *Handler) AppendNote(w http.ResponseWriter, r *http.Request) {
	var req AppendNoteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and text are required"))
		return
	}
	if err := h.svc.Append(r.Context(), req.Path, req.Text); err != nil {
		writeError(w, "append note", err, "path", req.Path)
		return
	}
	writeJSON(w, http.StatusOK, PathResponse{Path: req.Path})
}

// DeleteNote handles DELETE /api/notes/*. The note is archived; the
// optional reason query parameter is recorded in its front matter.
//
//	@Summary		Archive a note
//	@Tags			notes
//	@Param			path	path	string	true	"Note path"
//	@Param			reason	query	string	false	"Archive reason"
//	@Success		200		{object}	PathResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	dest, err := h.svc.Delete(r.Context(), path, r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, "delete note", err, "path", path)
		return
	}
	writeJSON(w, http.StatusOK, PathResponse{Path: dest})
}

// MoveNote handles POST /api/notes/move.
//
//	@Summary		Move a note to another directory
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		MoveNoteRequest	true	"Move request"
//	@Success		200		{object}	PathResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/move [post]
func (h *Handler) MoveNote(w http.ResponseWriter, r *http.Request) {
	var req MoveNoteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" || req.Directory == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and directory are required"))
		return
	}
	dest, err := h.svc.Move(r.Context(), req.Path, req.Directory)
	if err != nil {
		writeError(w, "move note", err, "path", req.Path)
		return
	}
	writeJSON(w, http.StatusOK, PathResponse{Path: dest})
}

// RenameNote handles POST /api/notes/rename.
func (h *Handler) RenameNote(w http.ResponseWriter, r *http.Request) {
	var req RenameNoteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" || req.Title == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and title are required"))
		return
	}
	dest, err := h.svc.Rename(r.Context(), req.Path, req.Title)
	if err != nil {
		writeError(w, "rename note", err, "path", req.Path)
		return
	}
	writeJSON(w, http.StatusOK, PathResponse{Path: dest})
}

// Search handles GET /api/search.
//
//	@Summary		Hybrid semantic and keyword search across notes
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			dir		query		string	false	"Restrict to a top-level directory"
//	@Param			tag		query		[]string	false	"Require tags (repeatable)"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("q")
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	if h.searcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("search is not configured"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	results, err := h.searcher.Search(r.Context(), search.Query{
		Text:      text,
		Directory: q.Get("dir"),
		Tags:      q["tag"],
		Limit:     limit,
	})
	if err != nil {
		writeError(w, "search", err, "query", text)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Reindex handles POST /api/reindex?mode=full|incremental.
//
//	@Summary		Reindex the vault
//	@Tags			index
//	@Produce		json
//	@Param			mode	query		string	false	"Reindex mode"	Enums(incremental, full)
//	@Success		200		{object}	ReindexResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/reindex [post]
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	if h.rx == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("indexing is not configured"))
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "incremental"
	}

	var (
		res index.Result
		err error
	)
	switch mode {
	case "full":
		res, err = h.rx.Full(r.Context())
	case "incremental":
		var ok bool
		res, ok, err = h.rx.TryIncremental(r.Context())
		if !ok {
			writeJSON(w, http.StatusConflict, errorBody("a reindex or migration is already running"))
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("mode must be full or incremental"))
		return
	}
	if err != nil {
		writeError(w, "reindex", err, "mode", mode)
		return
	}
	writeJSON(w, http.StatusOK, newReindexResponse(mode, res))
}

// IndexStatus handles GET /api/index/status.
//
//	@Summary		Index counts, models and health
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/index/status [get]
func (h *Handler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	if h.ix == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("indexing is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.ix.Status(r.Context()))
}
