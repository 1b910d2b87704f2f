package api

import (
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/storage"
)

const maxUploadBytes = 50 << 20 // 50 MB

// DropHandler accepts source files into the vault's drop directory, where
// the watcher hands them to ingestion.
type DropHandler struct {
	fs      storage.Provider
	dropDir string
}

// NewDropHandler creates a handler writing under dropDir.
func NewDropHandler(fs storage.Provider, dropDir string) *DropHandler {
	if dropDir == "" {
		dropDir = index.DefaultDropDir
	}
	return &DropHandler{fs: fs, dropDir: dropDir}
}

// Upload handles POST /api/raw (multipart/form-data, field "file"). The
// stored name is a fresh UUID with the original extension.
//
//	@Summary		Drop a source file for ingestion
//	@Tags			ingest
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Source file (.md, .txt, .html, .pdf)"
//	@Success		201		{object}	DropUploadResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/raw [post]
func (h *DropHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := index.DropSuffixes[ext]; !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("unsupported file type "+extLabel(ext)))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to read upload"))
		return
	}

	rel := path.Join(h.dropDir, uuid.NewString()+ext)
	if err := h.fs.Write(rel, data); err != nil {
		writeError(w, "drop upload", err, "path", rel)
		return
	}

	writeJSON(w, http.StatusCreated, DropUploadResponse{
		Path:     rel,
		Filename: filepath.Base(header.Filename),
		Size:     int64(len(data)),
	})
}

func extLabel(ext string) string {
	if ext == "" {
		return "(none)"
	}
	return ext
}
