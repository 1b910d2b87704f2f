package embed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/starford/alaya/internal/chunk"
)

// Backend produces raw vectors for a batch of texts.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Loader builds the backend for a model. It is called at most once per
// model activation.
type Loader func(m ModelConfig) (Backend, error)

// NewLoader returns the Loader that dispatches on ModelConfig.Backend.
func NewLoader(opts OpenAIOptions) Loader {
	return func(m ModelConfig) (Backend, error) {
		switch m.Backend {
		case BackendHash:
			return NewHashBackend(m.Dimensions), nil
		case BackendOpenAI:
			return NewOpenAIBackend(m.Name, opts), nil
		default:
			return nil, fmt.Errorf("embed: model %q: unknown backend %q", m.Key, m.Backend)
		}
	}
}

type loaded struct {
	key     string
	backend Backend
}

// Embedder embeds chunks and queries with the active model. The backend is
// loaded lazily and cached by model key, so switching the active model
// transparently reloads on next use.
type Embedder struct {
	registry *Registry
	load     Loader

	active atomic.Pointer[ModelConfig]
	cur    atomic.Pointer[loaded]
	mu     sync.Mutex
	loads  atomic.Int64

	queries *lru.Cache[string, []float32]
}

// New creates an Embedder with model key active. cacheSize bounds the query
// embedding cache; zero disables it.
func New(registry *Registry, key string, load Loader, cacheSize int) (*Embedder, error) {
	m, err := registry.Lookup(key)
	if err != nil {
		return nil, err
	}
	e := &Embedder{registry: registry, load: load}
	e.active.Store(&m)
	if cacheSize > 0 {
		c, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("embed: query cache: %w", err)
		}
		e.queries = c
	}
	return e, nil
}

// Active returns the active model configuration.
func (e *Embedder) Active() ModelConfig {
	return *e.active.Load()
}

// SetActive switches the active model. The backend reloads on next use.
func (e *Embedder) SetActive(key string) error {
	m, err := e.registry.Lookup(key)
	if err != nil {
		return err
	}
	e.active.Store(&m)
	return nil
}

// Loads reports how many times a backend has been constructed.
func (e *Embedder) Loads() int64 {
	return e.loads.Load()
}

// backend returns the backend for m, loading it under the mutex on a miss.
func (e *Embedder) backend(m ModelConfig) (Backend, error) {
	if l := e.cur.Load(); l != nil && l.key == m.Key {
		return l.backend, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l := e.cur.Load(); l != nil && l.key == m.Key {
		return l.backend, nil
	}

	b, err := e.load(m)
	if err != nil {
		return nil, fmt.Errorf("embed: load %s: %w", m.Key, err)
	}
	e.loads.Add(1)
	e.cur.Store(&loaded{key: m.Key, backend: b})
	return b, nil
}

// EmbedChunks returns one unit-norm vector per chunk.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	m := e.Active()
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = m.DocumentPrefix + c.Text
	}
	return e.embed(ctx, m, texts)
}

// EmbedTexts embeds raw texts as documents.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m := e.Active()
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = m.DocumentPrefix + t
	}
	return e.embed(ctx, m, prefixed)
}

// EmbedQuery returns the unit-norm query vector for text. Results are cached
// per model; the returned slice is shared and must not be modified.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m := e.Active()
	key := m.Key + "\x00" + text
	if e.queries != nil {
		if v, ok := e.queries.Get(key); ok {
			return v, nil
		}
	}
	vecs, err := e.embed(ctx, m, []string{m.QueryPrefix + text})
	if err != nil {
		return nil, err
	}
	if e.queries != nil {
		e.queries.Add(key, vecs[0])
	}
	return vecs[0], nil
}

func (e *Embedder) embed(ctx context.Context, m ModelConfig, texts []string) ([][]float32, error) {
	b, err := e.backend(m)
	if err != nil {
		return nil, err
	}
	vecs, err := b.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: %s returned %d vectors for %d texts", m.Key, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != m.Dimensions {
			return nil, fmt.Errorf("embed: %s returned dimension %d, want %d", m.Key, len(v), m.Dimensions)
		}
		vecs[i] = Normalize(v)
	}
	return vecs, nil
}
