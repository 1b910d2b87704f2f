// Package testutil provides shared test helpers for setting up vaults,
// vector stores and embedders.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/alaya/internal/embed"
	"github.com/starford/alaya/internal/storage"
	"github.com/starford/alaya/internal/vectorstore"
)

// TestModel is the embedding model used by fixtures. It needs no network.
const TestModel = "hash-768"

// TestVault creates a temporary vault directory with a storage.FS.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	fs, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return fs.Root(), fs
}

// TestStore opens the vault's vector store and closes it on cleanup.
func TestStore(t *testing.T, root string) *vectorstore.Store {
	t.Helper()
	reg := vectorstore.NewRegistry("")
	store, err := reg.Get(root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Reset)
	return store
}

// TestEmbedder returns an embedder on the local hashing model.
func TestEmbedder(t *testing.T) *embed.Embedder {
	t.Helper()
	emb, err := embed.New(embed.NewRegistry(), TestModel, embed.NewLoader(embed.OpenAIOptions{}), 64)
	if err != nil {
		t.Fatal(err)
	}
	return emb
}

// WriteNote writes content to the vault-relative path rel, creating parents.
func WriteNote(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
