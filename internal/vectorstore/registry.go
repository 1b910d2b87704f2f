package vectorstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// DefaultStateDir is the vault-relative directory holding index artifacts.
const DefaultStateDir = ".zk"

type entry struct {
	once  sync.Once
	store *Store
	err   error
}

// Registry hands out one Store per resolved vault root. The database lives
// at <root>/<stateDir>/vectors/index.db.
type Registry struct {
	stateDir string

	mu     sync.Mutex
	stores map[string]*entry
}

// NewRegistry returns an empty registry. An empty stateDir means DefaultStateDir.
func NewRegistry(stateDir string) *Registry {
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	return &Registry{stateDir: stateDir, stores: make(map[string]*entry)}
}

// Get returns the store for root, opening it exactly once across callers.
// A failed open is remembered until Reset.
func (r *Registry) Get(root string) (*Store, error) {
	key, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	e, ok := r.stores[key]
	if !ok {
		e = &entry{}
		r.stores[key] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		e.store, e.err = Open(filepath.Join(key, r.stateDir, "vectors", "index.db"))
	})
	return e.store, e.err
}

// Close closes every open store and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	stores := r.stores
	r.stores = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range stores {
		// Wait for an in-flight open before closing.
		e.once.Do(func() {})
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Reset closes all stores so the next Get reopens them. Used by tests.
func (r *Registry) Reset() {
	_ = r.Close()
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("vectorstore: resolve root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return abs, nil
}
