// Package apperr defines the sentinel errors shared by the tool layer and
// the HTTP/MCP surfaces.
package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrOutsideVault    = errors.New("path is outside the vault")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConfigured   = errors.New("not configured")
)

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrOutsideVault):
		return "OUTSIDE_VAULT"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrNotConfigured):
		return "NOT_CONFIGURED"
	default:
		return "INTERNAL"
	}
}

// Format renders err as tool output: "ERROR [CODE]: message".
func Format(err error) string {
	return "ERROR [" + Code(err) + "]: " + err.Error()
}
