package vectorstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/alaya/internal/chunk"
	"github.com/starford/alaya/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mkChunks(path, title string, tags []string, texts ...string) []chunk.Chunk {
	out := make([]chunk.Chunk, len(texts))
	for i, txt := range texts {
		out[i] = chunk.Chunk{
			Path:      path,
			Title:     title,
			Tags:      tags,
			Directory: models.Directory(path),
			Index:     i,
			Text:      txt,
		}
	}
	return out
}

func TestUpsert_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cs := mkChunks("notes/a.md", "A", nil, "one", "two")
	vs := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}

	require.NoError(t, s.Upsert(ctx, "notes/a.md", cs, vs, "m"))
	require.NoError(t, s.Upsert(ctx, "notes/a.md", cs, vs, "m"))
	assert.Equal(t, 2, s.Count(ctx))

	// A shorter re-index supersedes the old chunk set.
	require.NoError(t, s.Upsert(ctx, "notes/a.md", cs[:1], vs[:1], "m"))
	assert.Equal(t, 1, s.Count(ctx))
}

func TestUpsert_LengthMismatch(t *testing.T) {
	s := openTestStore(t)
	err := s.Upsert(context.Background(), "a.md", mkChunks("a.md", "A", nil, "x"), nil, "m")
	assert.Error(t, err)
	assert.False(t, IsStoreError(err))
}

func TestUpsert_EmptyDeletes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "a.md", mkChunks("a.md", "A", nil, "x"), [][]float32{{1, 0}}, "m"))
	require.NoError(t, s.Upsert(ctx, "a.md", nil, nil, "m"))
	assert.Equal(t, 0, s.Count(ctx))
}

func TestSearch_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "projects/k8s.md",
		mkChunks("projects/k8s.md", "K8s", []string{"infra"}, "kubernetes pods"),
		[][]float32{{1, 0, 0, 0}}, "m"))
	require.NoError(t, s.Upsert(ctx, "ideas/bread.md",
		mkChunks("ideas/bread.md", "Bread", nil, "sourdough"),
		[][]float32{{0, 1, 0, 0}}, "m"))

	hits, err := s.Search(ctx, []float32{1, 0, 0, 0}, Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "projects/k8s.md", hits[0].Path)
	assert.Equal(t, "K8s", hits[0].Title)
	assert.Equal(t, "projects", hits[0].Directory)
	assert.Equal(t, []string{"infra"}, hits[0].Tags)
	assert.Equal(t, "kubernetes pods", hits[0].Text)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)
	assert.InDelta(t, 1.0, hits[1].Distance, 1e-6)
}

func TestSearch_SkipsDegenerateAndForeignDimensions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "zero.md", mkChunks("zero.md", "Z", nil, ""), [][]float32{{0, 0, 0, 0}}, "m"))
	require.NoError(t, s.Upsert(ctx, "small.md", mkChunks("small.md", "S", nil, "x"), [][]float32{{1, 0}}, "old"))
	require.NoError(t, s.Upsert(ctx, "ok.md", mkChunks("ok.md", "O", nil, "y"), [][]float32{{0, 0, 1, 0}}, "m"))

	hits, err := s.Search(ctx, []float32{0, 0, 1, 0}, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ok.md", hits[0].Path)

	hits, err = s.Search(ctx, []float32{0, 0, 0, 0}, Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_DirectoryFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := [][]float32{{1, 0, 0}}
	require.NoError(t, s.Upsert(ctx, "projects/a.md", mkChunks("projects/a.md", "A", nil, "a"), v, "m"))
	require.NoError(t, s.Upsert(ctx, "projects-old/b.md", mkChunks("projects-old/b.md", "B", nil, "b"), v, "m"))
	require.NoError(t, s.Upsert(ctx, "c.md", mkChunks("c.md", "C", nil, "c"), v, "m"))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, Filter{Directory: "projects"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "projects/a.md", hits[0].Path)
}

func TestSearch_TagFilterIsExact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := [][]float32{{1, 0, 0}}
	require.NoError(t, s.Upsert(ctx, "go.md", mkChunks("go.md", "Go", []string{"go", "lang"}, "x"), v, "m"))
	require.NoError(t, s.Upsert(ctx, "golang.md", mkChunks("golang.md", "Golang", []string{"golang"}, "x"), v, "m"))
	require.NoError(t, s.Upsert(ctx, "under.md", mkChunks("under.md", "U", []string{"a_b"}, "x"), v, "m"))
	require.NoError(t, s.Upsert(ctx, "wild.md", mkChunks("wild.md", "W", []string{"axb"}, "x"), v, "m"))

	paths := func(f Filter) []string {
		hits, err := s.Search(ctx, []float32{1, 0, 0}, f, 10)
		require.NoError(t, err)
		var out []string
		for _, h := range hits {
			out = append(out, h.Path)
		}
		return out
	}

	assert.Equal(t, []string{"go.md"}, paths(Filter{Tags: []string{"go"}}))
	assert.Equal(t, []string{"golang.md"}, paths(Filter{Tags: []string{"golang"}}))
	assert.Equal(t, []string{"go.md"}, paths(Filter{Tags: []string{"go", "lang"}}))
	assert.Empty(t, paths(Filter{Tags: []string{"go", "golang"}}))
	assert.Equal(t, []string{"under.md"}, paths(Filter{Tags: []string{"a_b"}}))
	assert.Empty(t, paths(Filter{Tags: []string{"%"}}))
}

func TestUpdateMetadata_PreservesVectors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "inbox/idea.md",
		mkChunks("inbox/idea.md", "Idea", []string{"draft"}, "first", "second"),
		[][]float32{{0, 1, 0}, {0, 0, 1}}, "m"))

	title := "Great Idea"
	n, err := s.UpdateMetadata(ctx, "inbox/idea.md", "projects/great-idea.md", &title, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	hits, err := s.Search(ctx, []float32{0, 0, 1}, Filter{Directory: "projects"}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "projects/great-idea.md", hits[0].Path)
	assert.Equal(t, "Great Idea", hits[0].Title)
	assert.Equal(t, []string{"draft"}, hits[0].Tags)
	assert.Equal(t, "second", hits[0].Text)
	assert.Equal(t, 1, hits[0].ChunkIndex)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)

	paths, err := s.Paths(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"projects/great-idea.md": {}}, paths)

	n, err = s.UpdateMetadata(ctx, "missing.md", "other.md", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIndexModel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, ok := s.IndexModel(ctx)
	assert.False(t, ok)

	require.NoError(t, s.Upsert(ctx, "a.md", mkChunks("a.md", "A", nil, "x", "y"), [][]float32{{1, 0}, {0, 1}}, "nomic-v1.5"))
	require.NoError(t, s.Upsert(ctx, "b.md", mkChunks("b.md", "B", nil, "z"), [][]float32{{1, 0}}, "hash-768"))
	m, ok := s.IndexModel(ctx)
	assert.True(t, ok)
	assert.Equal(t, "nomic-v1.5", m)
	assert.Equal(t, 2, s.PathCount(ctx))
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "a.md", mkChunks("a.md", "A", nil, "x"), [][]float32{{1, 0}}, "m"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 0, s.Count(ctx))
	_, err = s.Search(ctx, []float32{1, 0}, Filter{}, 3)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsStoreError(err))
	assert.True(t, IsStoreError(s.Delete(ctx, "a.md")))
}

func TestRegistry_OnePerRoot(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry("")
	t.Cleanup(r.Reset)

	var wg sync.WaitGroup
	got := make([]*Store, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Get(root)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range got[1:] {
		assert.Same(t, got[0], s)
	}

	alias, err := r.Get(filepath.Join(root, "sub", ".."))
	require.NoError(t, err)
	assert.Same(t, got[0], alias)
	assert.FileExists(t, filepath.Join(root, ".zk", "vectors", "index.db"))

	r.Reset()
	reopened, err := r.Get(root)
	require.NoError(t, err)
	assert.NotSame(t, got[0], reopened)
}
