package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/starford/alaya/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
	Code  string `json:"code,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAlreadyExists), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrOutsideVault):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its mapped status. Internal errors are logged
// and their details withheld.
func writeError(w http.ResponseWriter, op string, err error, attrs ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api: "+op+" failed", append(attrs, slog.String("error", err.Error()))...)
		writeJSON(w, status, errResponse{Error: "internal error", Code: "INTERNAL"})
		return
	}
	code := apperr.Code(err)
	if code == "INTERNAL" {
		code = "NOT_FOUND"
	}
	writeJSON(w, status, errResponse{Error: err.Error(), Code: code})
}
