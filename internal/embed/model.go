// Package embed turns chunks and queries into unit-norm vectors using the
// active embedding model.
package embed

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Backend kinds.
const (
	BackendOpenAI = "openai"
	BackendHash   = "hash"
)

// DefaultModel is the registry key used when none is configured.
const DefaultModel = "nomic-v1.5"

// ModelConfig describes one embedding model.
type ModelConfig struct {
	// Key is the registry name; it is also what the index records.
	Key            string `yaml:"key" json:"key"`
	Name           string `yaml:"name" json:"name"`
	Dimensions     int    `yaml:"dimensions" json:"dimensions"`
	QueryPrefix    string `yaml:"query_prefix" json:"query_prefix"`
	DocumentPrefix string `yaml:"document_prefix" json:"document_prefix"`
	Backend        string `yaml:"backend" json:"backend"`
}

// Validate validates a model configuration.
func (m ModelConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Key, validation.Required),
		validation.Field(&m.Name, validation.Required),
		validation.Field(&m.Dimensions, validation.Required, validation.Min(1)),
		validation.Field(&m.Backend, validation.Required, validation.In(BackendOpenAI, BackendHash)),
	)
}

// Registry is the named set of known models.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelConfig
}

// NewRegistry returns a registry holding the built-in models.
func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]ModelConfig)}
	for _, m := range builtinModels {
		r.models[m.Key] = m
	}
	return r
}

var builtinModels = []ModelConfig{
	{
		Key:            "nomic-v1.5",
		Name:           "nomic-ai/nomic-embed-text-v1.5",
		Dimensions:     768,
		QueryPrefix:    "search_query: ",
		DocumentPrefix: "search_document: ",
		Backend:        BackendOpenAI,
	},
	{
		Key:            "nomic-v1.5-q4",
		Name:           "nomic-ai/nomic-embed-text-v1.5-Q",
		Dimensions:     768,
		QueryPrefix:    "search_query: ",
		DocumentPrefix: "search_document: ",
		Backend:        BackendOpenAI,
	},
	{
		Key:        "hash-768",
		Name:       "alaya/hash-768",
		Dimensions: 768,
		Backend:    BackendHash,
	},
}

// Register adds or replaces a model.
func (r *Registry) Register(m ModelConfig) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("embed: model %q: %w", m.Key, err)
	}
	r.mu.Lock()
	r.models[m.Key] = m
	r.mu.Unlock()
	return nil
}

// Lookup returns the model registered under key.
func (r *Registry) Lookup(key string) (ModelConfig, error) {
	r.mu.RLock()
	m, ok := r.models[key]
	r.mu.RUnlock()
	if !ok {
		return ModelConfig{}, fmt.Errorf("embed: unknown model %q (available: %s)", key, strings.Join(r.Keys(), ", "))
	}
	return m, nil
}

// Default returns the default model.
func (r *Registry) Default() ModelConfig {
	m, _ := r.Lookup(DefaultModel)
	return m
}

// Keys returns the sorted registry keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.models))
	for k := range r.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
