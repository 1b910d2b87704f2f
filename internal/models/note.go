// Package models defines the vault domain types shared across packages.
package models

import "time"

// NoteMetadata is the lightweight file listing entry produced by storage.
// It carries no content hash: hashing is left to callers that need it.
type NoteMetadata struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Directory returns the top-level vault directory of a slash-separated
// relative path, or "" for notes at the vault root.
func Directory(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}
