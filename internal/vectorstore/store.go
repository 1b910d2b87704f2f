package vectorstore

import (
	"context"
	"fmt"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/starford/alaya/internal/chunk"
	"github.com/starford/alaya/internal/models"
)

// Filter narrows a Search. Zero values match everything.
type Filter struct {
	Directory string
	Tags      []string
}

// Hit is one chunk returned by Search, nearest first.
type Hit struct {
	Path         string
	Title        string
	Directory    string
	Tags         []string
	ModifiedDate string
	ChunkIndex   int
	Text         string
	Distance     float64
}

// Upsert replaces every chunk of path with chunks and their vectors in one
// transaction. An empty chunk list deletes the note.
func (s *Store) Upsert(ctx context.Context, path string, chunks []chunk.Chunk, vectors [][]float32, model string) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("vectorstore: upsert %s: %d chunks but %d vectors", path, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return s.Delete(ctx, path)
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("vectorstore: clear %s: %w", path, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (path, title, directory, tags, modified_date, chunk_index, text, embedding, model, degenerate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("vectorstore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		blob, err := sqlite_vec.SerializeFloat32(vectors[i])
		if err != nil {
			return fmt.Errorf("vectorstore: serialize %s#%d: %w", path, c.Index, err)
		}
		degenerate := 0
		if isZero(vectors[i]) {
			degenerate = 1
		}
		if _, err := stmt.ExecContext(ctx,
			path, c.Title, c.Directory, joinTags(c.Tags), c.ModifiedDate,
			c.Index, c.Text, blob, model, degenerate,
		); err != nil {
			return fmt.Errorf("vectorstore: insert %s#%d: %w", path, c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorstore: commit: %w", err)
	}
	return nil
}

// Delete removes every chunk of path.
func (s *Store) Delete(ctx context.Context, path string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("vectorstore: delete %s: %w", path, err)
	}
	return nil
}

// UpdateMetadata moves the chunks of oldPath to newPath and optionally
// rewrites title and tags. Text and embeddings are left untouched. A nil
// title or nil tags keeps the stored value. It returns the rows changed.
func (s *Store) UpdateMetadata(ctx context.Context, oldPath, newPath string, title *string, tags []string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	sets := []string{"path = ?", "directory = ?"}
	args := []any{newPath, models.Directory(newPath)}
	if title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *title)
	}
	if tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, joinTags(tags))
	}
	args = append(args, oldPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.conn.ExecContext(ctx,
		`UPDATE chunks SET `+strings.Join(sets, ", ")+` WHERE path = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: update metadata %s: %w", oldPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vectorstore: rows affected: %w", err)
	}
	return n, nil
}

// Search returns up to k chunks nearest to vec by cosine distance. Rows of a
// different dimension and all-zero rows are never scanned. A zero query
// vector has no direction and matches nothing.
func (s *Store) Search(ctx context.Context, vec []float32, f Filter, k int) ([]Hit, error) {
	if k <= 0 || len(vec) == 0 || isZero(vec) {
		return nil, nil
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: serialize query: %w", err)
	}

	where := []string{"length(embedding) = ?", "degenerate = 0"}
	args := []any{blob, len(vec) * 4}
	if f.Directory != "" {
		where = append(where, "directory = ?")
		args = append(args, f.Directory)
	}
	for _, t := range f.Tags {
		if t == "" {
			continue
		}
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%,"+escapeLike(t)+",%")
	}
	args = append(args, k)

	rows, err := s.conn.QueryContext(ctx, `
		SELECT path, title, directory, tags, modified_date, chunk_index, text,
			vec_distance_cosine(embedding, ?) AS distance
		FROM chunks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY distance ASC, path ASC, chunk_index ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var h Hit
		var tags string
		if err := rows.Scan(&h.Path, &h.Title, &h.Directory, &tags, &h.ModifiedDate,
			&h.ChunkIndex, &h.Text, &h.Distance); err != nil {
			return nil, fmt.Errorf("vectorstore: scan hit: %w", err)
		}
		h.Tags = splitTags(tags)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: search rows: %w", err)
	}
	return out, nil
}

// Count returns the number of stored chunks, or 0 when the store cannot be read.
func (s *Store) Count(ctx context.Context) int {
	if s.closed.Load() {
		return 0
	}
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// IndexModel returns the embedding model most rows were written with. It
// reports false for an empty table or rows that predate model tracking.
func (s *Store) IndexModel(ctx context.Context) (string, bool) {
	if s.closed.Load() {
		return "", false
	}
	var model string
	err := s.conn.QueryRowContext(ctx, `
		SELECT model FROM chunks
		GROUP BY model
		ORDER BY COUNT(*) DESC, model ASC
		LIMIT 1
	`).Scan(&model)
	if err != nil || model == "" {
		return "", false
	}
	return model, true
}

// Paths returns every distinct indexed note path.
func (s *Store) Paths(ctx context.Context) (map[string]struct{}, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT path FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: paths: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("vectorstore: scan path: %w", err)
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// PathCount returns the number of distinct indexed notes.
func (s *Store) PathCount(ctx context.Context) int {
	if s.closed.Load() {
		return 0
	}
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT path) FROM chunks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// joinTags renders tags as ",a,b," so a LIKE on ",tag," matches whole tokens.
func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func splitTags(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
