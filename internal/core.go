package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/alaya/internal/embed"
	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/search"
	"github.com/starford/alaya/internal/storage"
	"github.com/starford/alaya/internal/vectorstore"
)

// core is the indexing stack shared by the server and the one-shot CLI
// commands.
type core struct {
	fs       *storage.FS
	stores   *vectorstore.Registry
	store    *vectorstore.Store
	emb      *embed.Embedder
	health   *index.Health
	ix       *index.Indexer
	rx       *index.Reindexer
	searcher *search.Searcher
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

func ensureDirs(cfg *Config) error {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Vault.StatePath(), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

func openCore(cfg *Config, logger *slog.Logger) (*core, error) {
	fs, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	models := embed.NewRegistry()
	for _, m := range cfg.Embedding.Models {
		if err := models.Register(m); err != nil {
			return nil, fmt.Errorf("register model %s: %w", m.Key, err)
		}
	}
	loader := embed.NewLoader(embed.OpenAIOptions{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: 2,
	})
	emb, err := embed.New(models, cfg.Embedding.Model, loader, cfg.Embedding.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	stores := vectorstore.NewRegistry(cfg.Vault.StateDir)
	store, err := stores.Get(fs.Root())
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("init vector store: %w", err)
	}

	chunking := cfg.Chunking
	chunking.DailyDir = cfg.Vault.DailyDir

	health := index.NewHealth()
	ix := index.NewIndexer(fs, store, emb, chunking, health, logger)
	statePath := filepath.Join(fs.Root(), cfg.Vault.StateDir, index.StateFile)

	return &core{
		fs:       fs,
		stores:   stores,
		store:    store,
		emb:      emb,
		health:   health,
		ix:       ix,
		rx:       index.NewReindexer(ix, statePath, logger),
		searcher: search.New(store, emb, logger),
	}, nil
}

func (c *core) Close() error {
	return c.stores.Close()
}

// modelChange reports the model the index was built with when it differs
// from the active one and the index is not empty.
func (c *core) modelChange(ctx context.Context) (string, bool) {
	prev, ok := c.store.IndexModel(ctx)
	if !ok || prev == c.emb.Active().Key || c.store.Count(ctx) == 0 {
		return "", false
	}
	return prev, true
}

// Reindex runs one reindex of the configured vault while holding the vault
// lock.
func Reindex(ctx context.Context, cfg *Config, full bool) (index.Result, error) {
	logger := newLogger(cfg, os.Stderr)
	if err := ensureDirs(cfg); err != nil {
		return index.Result{}, err
	}
	lock, err := storage.AcquireLock(cfg.Vault.StatePath())
	if err != nil {
		return index.Result{}, err
	}
	defer func() { _ = lock.Release() }()

	c, err := openCore(cfg, logger)
	if err != nil {
		return index.Result{}, err
	}
	defer func() { _ = c.Close() }()

	if full {
		return c.rx.Full(ctx)
	}
	return c.rx.Incremental(ctx)
}

// Search runs one query against the configured vault's index.
func Search(ctx context.Context, cfg *Config, q search.Query) ([]search.Result, error) {
	logger := newLogger(cfg, os.Stderr)
	if err := ensureDirs(cfg); err != nil {
		return nil, err
	}
	c, err := openCore(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	return c.searcher.Search(ctx, q)
}
