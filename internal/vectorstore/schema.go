// Package vectorstore persists note chunks and their embeddings in SQLite and
// answers cosine-similarity queries through the sqlite-vec extension.
package vectorstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"
)

func init() {
	// Registers vec_* SQL functions on every new sqlite3 connection.
	sqlite_vec.Auto()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chunks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	path          TEXT    NOT NULL,
	title         TEXT    NOT NULL DEFAULT '',
	directory     TEXT    NOT NULL DEFAULT '',
	tags          TEXT    NOT NULL DEFAULT '',
	modified_date TEXT    NOT NULL DEFAULT '',
	chunk_index   INTEGER NOT NULL,
	text          TEXT    NOT NULL,
	embedding     BLOB    NOT NULL,
	model         TEXT    NOT NULL DEFAULT '',
	degenerate    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
CREATE INDEX IF NOT EXISTS idx_chunks_directory ON chunks(directory);
`

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("vectorstore: store is closed")

// Store is the chunk table of one vault. Writes are serialised by mu; WAL
// mode lets readers run alongside a writer.
type Store struct {
	conn   *sql.DB
	mu     sync.Mutex
	closed atomic.Bool
}

// Open opens (or creates) the database file at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: create dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vectorstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vectorstore: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database. Further calls return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// IsStoreError reports whether err came from the storage engine itself, as
// opposed to a caller mistake or a cancelled context.
func IsStoreError(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	return errors.As(err, &se) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, ErrClosed)
}
