package api

import (
	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/noteservice"
	"github.com/starford/alaya/internal/search"
)

// CreateNoteRequest is the request body for creating a note. Either Path
// and Content, or Directory and Title, must be set.
type CreateNoteRequest struct {
	Path      string   `json:"path,omitempty" example:"projects/hello.md"`
	Content   string   `json:"content,omitempty" example:"# Hello\nWorld"`
	Directory string   `json:"directory,omitempty" example:"projects"`
	Title     string   `json:"title,omitempty" example:"Hello"`
	Body      string   `json:"body,omitempty" example:"World"`
	Tags      []string `json:"tags,omitempty" example:"infra,k8s"`
}

// UpdateNoteRequest is the request body for updating a note.
type UpdateNoteRequest struct {
	Content string `json:"content" example:"# Updated\nContent" validate:"required"`
}

// AppendNoteRequest is the request body for appending to a note.
type AppendNoteRequest struct {
	Path string `json:"path" example:"daily/2024-01-02.md" validate:"required"`
	Text string `json:"text" validate:"required"`
}

// MoveNoteRequest moves a note to another directory.
type MoveNoteRequest struct {
	Path      string `json:"path" example:"inbox/idea.md" validate:"required"`
	Directory string `json:"directory" example:"projects" validate:"required"`
}

// RenameNoteRequest retitles a note.
type RenameNoteRequest struct {
	Path  string `json:"path" example:"projects/old.md" validate:"required"`
	Title string `json:"title" example:"New Title" validate:"required"`
}

// PathResponse carries the path a mutation produced.
type PathResponse struct {
	Path string `json:"path" example:"projects/idea.md" validate:"required"`
}

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = noteservice.NoteDetail

// NoteListItem is a lightweight item in a list response (aliased from the domain layer).
type NoteListItem = noteservice.NoteListItem

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []NoteListItem `json:"notes" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// SearchResult is a single search hit in the API response.
type SearchResult = search.Result

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchResult `json:"results" validate:"required"`
}

// ReindexResponse summarises a reindex run.
type ReindexResponse struct {
	Mode          string            `json:"mode" example:"incremental"`
	NotesIndexed  int               `json:"notes_indexed"`
	NotesSkipped  int               `json:"notes_skipped"`
	NotesDeleted  int               `json:"notes_deleted"`
	NotesFailed   int               `json:"notes_failed"`
	ChunksCreated int               `json:"chunks_created"`
	DurationMS    int64             `json:"duration_ms"`
	Failures      map[string]string `json:"failures,omitempty"`
}

func newReindexResponse(mode string, r index.Result) ReindexResponse {
	resp := ReindexResponse{
		Mode:          mode,
		NotesIndexed:  r.NotesIndexed,
		NotesSkipped:  r.NotesSkipped,
		NotesDeleted:  r.NotesDeleted,
		NotesFailed:   r.NotesFailed,
		ChunksCreated: r.ChunksCreated,
		DurationMS:    r.Duration.Milliseconds(),
	}
	if len(r.Failures) > 0 {
		resp.Failures = make(map[string]string, len(r.Failures))
		for p, err := range r.Failures {
			resp.Failures[p] = err.Error()
		}
	}
	return resp
}

// StatusResponse is the index status (aliased from the index layer).
type StatusResponse = index.Status

// DropUploadResponse is returned after a successful drop-in upload.
type DropUploadResponse struct {
	Path     string `json:"path" example:"raw/0b6f0c1e-....pdf" validate:"required"`
	Filename string `json:"filename" example:"paper.pdf" validate:"required"`
	Size     int64  `json:"size" example:"12345" validate:"required"`
}
