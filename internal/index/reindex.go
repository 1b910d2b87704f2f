package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/starford/alaya/internal/checksum"
	"github.com/starford/alaya/internal/models"
)

// Result summarises one reindex run.
type Result struct {
	NotesIndexed  int              `json:"notes_indexed"`
	NotesSkipped  int              `json:"notes_skipped"`
	NotesDeleted  int              `json:"notes_deleted"`
	NotesFailed   int              `json:"notes_failed"`
	ChunksCreated int              `json:"chunks_created"`
	Duration      time.Duration    `json:"duration"`
	Failures      map[string]error `json:"-"`
}

func (r *Result) fail(path string, err error) {
	r.NotesFailed++
	if r.Failures == nil {
		r.Failures = make(map[string]error)
	}
	r.Failures[path] = err
}

// Reindexer brings the whole vault up to date. Runs are serialised.
type Reindexer struct {
	ix        *Indexer
	statePath string
	log       *slog.Logger

	mu sync.Mutex
}

// NewReindexer creates a reindexer persisting its state at statePath.
func NewReindexer(ix *Indexer, statePath string, log *slog.Logger) *Reindexer {
	if log == nil {
		log = slog.Default()
	}
	return &Reindexer{ix: ix, statePath: statePath, log: log}
}

// StatePath returns the change-detection state file location.
func (r *Reindexer) StatePath() string { return r.statePath }

// Full reindexes every note, removes rows for notes no longer on disk and
// writes a fresh state.
func (r *Reindexer) Full(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full(ctx)
}

// Incremental reindexes only notes whose content changed since the last run.
func (r *Reindexer) Incremental(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incremental(ctx)
}

// TryIncremental runs Incremental unless another run or a migration holds
// the reindexer. ok is false when the run was skipped.
func (r *Reindexer) TryIncremental(ctx context.Context) (res Result, ok bool, err error) {
	if !r.mu.TryLock() {
		return Result{}, false, nil
	}
	defer r.mu.Unlock()
	res, err = r.incremental(ctx)
	return res, true, err
}

func (r *Reindexer) full(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	metas, err := r.ix.fs.List("")
	if err != nil {
		return res, fmt.Errorf("index: list vault: %w", err)
	}
	model := r.ix.emb.Active().Key
	st := NewState(model)
	disk := make(map[string]struct{}, len(metas))

	for _, m := range metas {
		disk[m.Path] = struct{}{}
		if err := ctx.Err(); err != nil {
			return r.finish(&res, start, st, err)
		}
		data, err := r.ix.fs.Read(m.Path)
		if err != nil {
			err = fmt.Errorf("index: read %s: %w", m.Path, err)
			r.ix.health.RecordFailure(m.Path, err)
			r.noteFailed(&res, m.Path, err)
			continue
		}
		n, err := r.ix.IndexContent(ctx, m.Path, string(data))
		if err != nil {
			r.noteFailed(&res, m.Path, err)
			continue
		}
		res.NotesIndexed++
		res.ChunksCreated += n
		st.Files[m.Path] = FileState{MTime: m.ModTime.UnixNano(), Hash: checksum.Sum(data)}
	}

	indexed, err := r.ix.store.Paths(ctx)
	if err != nil {
		r.log.Warn("reindex: list indexed paths failed", slog.String("error", err.Error()))
	}
	for p := range indexed {
		// Ingested drop-ins are indexed under their non-.md source path.
		if _, ok := disk[p]; ok || !strings.HasSuffix(p, ".md") {
			continue
		}
		if err := r.ix.RemoveNote(ctx, p); err != nil {
			r.log.Warn("reindex: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		res.NotesDeleted++
	}

	return r.finish(&res, start, st, nil)
}

func (r *Reindexer) incremental(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	prev, err := LoadState(r.statePath)
	if err != nil {
		r.log.Warn("reindex: state unreadable, starting fresh", slog.String("error", err.Error()))
	}
	model := r.ix.emb.Active().Key
	stale := prev.Model != model
	if stale {
		r.log.Info("reindex: embedding model changed, all notes stale",
			slog.String("from", prev.Model), slog.String("to", model))
	}

	metas, err := r.ix.fs.List("")
	if err != nil {
		return res, fmt.Errorf("index: list vault: %w", err)
	}

	st := NewState(model)
	if !stale {
		for p, e := range prev.Files {
			st.Files[p] = e
		}
	}
	disk := make(map[string]struct{}, len(metas))

	for _, m := range metas {
		disk[m.Path] = struct{}{}
		if err := ctx.Err(); err != nil {
			return r.finish(&res, start, st, err)
		}
		r.reindexOne(ctx, m, prev, stale, st, &res)
	}

	for p := range prev.Files {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := r.ix.RemoveNote(ctx, p); err != nil {
			r.log.Warn("reindex: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		delete(st.Files, p)
		res.NotesDeleted++
	}

	return r.finish(&res, start, st, nil)
}

// reindexOne applies the incremental rules to one note.
func (r *Reindexer) reindexOne(ctx context.Context, m models.NoteMetadata, prev *State, stale bool, st *State, res *Result) {
	mtime := m.ModTime.UnixNano()
	old, known := prev.Files[m.Path]
	if known && !stale && old.MTime == mtime {
		res.NotesSkipped++
		return
	}

	abs, err := r.ix.fs.Abs(m.Path)
	if err != nil {
		r.noteFailed(res, m.Path, err)
		return
	}
	hash, err := checksum.File(abs)
	if err != nil {
		err = fmt.Errorf("index: hash %s: %w", m.Path, err)
		r.ix.health.RecordFailure(m.Path, err)
		r.noteFailed(res, m.Path, err)
		return
	}
	if known && !stale && old.Hash == hash {
		st.Files[m.Path] = FileState{MTime: mtime, Hash: hash}
		res.NotesSkipped++
		return
	}

	n, err := r.ix.IndexNote(ctx, m.Path)
	if err != nil {
		// The previous entry, if any, stays so the note is retried next run.
		r.noteFailed(res, m.Path, err)
		return
	}
	st.Files[m.Path] = FileState{MTime: mtime, Hash: hash}
	res.NotesIndexed++
	res.ChunksCreated += n
}

func (r *Reindexer) noteFailed(res *Result, path string, err error) {
	res.fail(path, err)
	r.log.Warn("reindex: note failed", slog.String("path", path), slog.String("error", err.Error()))
}

// finish persists st and completes res. runErr, if set, is returned after
// the state is saved.
func (r *Reindexer) finish(res *Result, start time.Time, st *State, runErr error) (Result, error) {
	res.Duration = time.Since(start)
	if err := SaveState(r.statePath, st); err != nil {
		return *res, err
	}
	if runErr != nil {
		return *res, runErr
	}
	r.log.Info("reindex: done",
		slog.Int("indexed", res.NotesIndexed),
		slog.Int("skipped", res.NotesSkipped),
		slog.Int("deleted", res.NotesDeleted),
		slog.Int("failed", res.NotesFailed),
		slog.Int("chunks", res.ChunksCreated),
		slog.Duration("duration", res.Duration),
	)
	return *res, nil
}
