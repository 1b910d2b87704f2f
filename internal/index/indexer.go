// Package index keeps the vector store in step with the vault: single-note
// indexing, bulk reindexing, background re-embedding, the event subscriber
// and the filesystem watcher.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/starford/alaya/internal/chunk"
	"github.com/starford/alaya/internal/embed"
	"github.com/starford/alaya/internal/storage"
	"github.com/starford/alaya/internal/vectorstore"
)

// Indexer runs the chunk, embed and upsert pipeline for one note.
type Indexer struct {
	fs     storage.Provider
	store  *vectorstore.Store
	emb    *embed.Embedder
	chunk  chunk.Config
	health *Health
	log    *slog.Logger
}

// NewIndexer wires the pipeline.
func NewIndexer(fs storage.Provider, store *vectorstore.Store, emb *embed.Embedder, cfg chunk.Config, health *Health, log *slog.Logger) *Indexer {
	if health == nil {
		health = NewHealth()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{fs: fs, store: store, emb: emb, chunk: cfg, health: health, log: log}
}

// Store returns the vector store the indexer writes to.
func (ix *Indexer) Store() *vectorstore.Store { return ix.store }

// Health returns the health tracker failures are recorded in.
func (ix *Indexer) Health() *Health { return ix.health }

// IndexNote reads path from the vault and indexes it. It returns the
// number of chunks stored.
func (ix *Indexer) IndexNote(ctx context.Context, path string) (int, error) {
	data, err := ix.fs.Read(path)
	if err != nil {
		err = fmt.Errorf("index: read %s: %w", path, err)
		ix.health.RecordFailure(path, err)
		return 0, err
	}
	return ix.IndexContent(ctx, path, string(data))
}

// IndexContent indexes content as the note at path, replacing its chunks.
func (ix *Indexer) IndexContent(ctx context.Context, path, content string) (int, error) {
	n, err := ix.indexContent(ctx, path, content)
	if err != nil {
		ix.health.RecordFailure(path, err)
		return 0, err
	}
	ix.health.RecordSuccess(path)
	return n, nil
}

func (ix *Indexer) indexContent(ctx context.Context, path, content string) (int, error) {
	model := ix.emb.Active()
	chunks := chunk.Split(path, content, ix.chunk)
	vecs, err := ix.emb.EmbedChunks(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("index: embed %s: %w", path, err)
	}
	if err := ix.store.Upsert(ctx, path, chunks, vecs, model.Key); err != nil {
		return 0, fmt.Errorf("index: store %s: %w", path, err)
	}
	return len(chunks), nil
}

// RemoveNote deletes every chunk of path.
func (ix *Indexer) RemoveNote(ctx context.Context, path string) error {
	if err := ix.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("index: remove %s: %w", path, err)
	}
	ix.health.Forget(path)
	return nil
}

// stem returns the file name of path without its extension.
func stem(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}
