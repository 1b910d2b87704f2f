// Package search ranks note chunks by vector similarity plus a literal
// keyword boost, one result per note.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/starford/alaya/internal/embed"
	"github.com/starford/alaya/internal/vectorstore"
)

const (
	// DefaultLimit is the result count when Query.Limit is unset.
	DefaultLimit = 10
	// candidateFactor widens the vector candidate pool before dedup.
	candidateFactor = 4
	// termBoost is added per query term found verbatim in the chunk.
	termBoost = 0.05
)

// Query is one hybrid search request.
type Query struct {
	Text      string
	Directory string
	Tags      []string
	Limit     int
}

// Result is the best-scoring chunk of one note.
type Result struct {
	Path      string  `json:"path"`
	Title     string  `json:"title"`
	Directory string  `json:"directory"`
	Score     float64 `json:"score"`
	Text      string  `json:"text"`
}

// Searcher answers hybrid queries against one store.
type Searcher struct {
	store *vectorstore.Store
	emb   *embed.Embedder
	log   *slog.Logger
}

// New creates a Searcher.
func New(store *vectorstore.Store, emb *embed.Embedder, log *slog.Logger) *Searcher {
	if log == nil {
		log = slog.Default()
	}
	return &Searcher{store: store, emb: emb, log: log}
}

// Search returns up to q.Limit notes ranked by score, highest first. Store
// failures yield an empty result; embedding failures are returned.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if s.store.Count(ctx) == 0 {
		return []Result{}, nil
	}

	vec, err := s.emb.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	hits, err := s.store.Search(ctx, vec, vectorstore.Filter{Directory: q.Directory, Tags: q.Tags}, limit*candidateFactor)
	if err != nil {
		if vectorstore.IsStoreError(err) {
			s.log.Warn("search: store unavailable", slog.String("error", err.Error()))
			return []Result{}, nil
		}
		return nil, fmt.Errorf("search: %w", err)
	}

	terms := strings.Fields(strings.ToLower(q.Text))
	best := make(map[string]Result, len(hits))
	for _, h := range hits {
		r := Result{
			Path:      h.Path,
			Title:     h.Title,
			Directory: h.Directory,
			Score:     Score(h.Distance, terms, h.Text),
			Text:      h.Text,
		}
		if cur, ok := best[h.Path]; !ok || r.Score > cur.Score {
			best[h.Path] = r
		}
	}

	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Score combines cosine distance with the keyword boost for terms, which
// must already be lowercase. The result is in [0, 1], rounded to three
// decimals.
func Score(distance float64, terms []string, text string) float64 {
	similarity := math.Max(0, 1-distance)
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	score := math.Min(1, similarity+termBoost*float64(matched))
	return math.Round(score*1000) / 1000
}
