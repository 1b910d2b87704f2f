// Package storage defines the vault file-system abstraction.
package storage

import (
	"io/fs"

	"github.com/starford/alaya/internal/models"
)

// IgnoredDirs are tooling-internal directories excluded from note enumeration
// and from the watcher.
var IgnoredDirs = map[string]struct{}{
	".zk":       {},
	".git":      {},
	".venv":     {},
	".obsidian": {},
	".trash":    {},
}

// Provider is the interface for vault file operations. All paths are
// slash-separated and relative to the vault root.
type Provider interface {
	// Root returns the absolute vault root.
	Root() string
	// List returns metadata for every .md note under dir, skipping IgnoredDirs.
	List(dir string) ([]models.NoteMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Stat returns file info for path.
	Stat(path string) (fs.FileInfo, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// Abs resolves path to an absolute path inside the vault.
	Abs(path string) (string, error)
	// Rel converts an absolute path inside the vault to a relative one.
	Rel(abs string) (string, error)
	// Lock takes the per-path write lock and returns its release func.
	Lock(path string) func()
}
