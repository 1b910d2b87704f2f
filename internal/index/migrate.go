package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/alaya/internal/checksum"
	"github.com/starford/alaya/internal/worker"
)

// Migrator re-embeds the whole vault in the background after the active
// embedding model changed. It holds the reindexer for the whole run, so
// scheduled incremental runs skip until it finishes.
type Migrator struct {
	rx         *Reindexer
	group      *worker.Group
	batchSize  int
	batchPause time.Duration
	log        *slog.Logger
}

// NewMigrator creates a migrator. batchSize below 1 means 32.
func NewMigrator(rx *Reindexer, group *worker.Group, batchSize int, batchPause time.Duration, log *slog.Logger) *Migrator {
	if batchSize < 1 {
		batchSize = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{rx: rx, group: group, batchSize: batchSize, batchPause: batchPause, log: log}
}

// Run starts re-embedding every note from model from to model to and
// returns a handle to the background task. to must be the active model.
func (m *Migrator) Run(ctx context.Context, from, to string) *worker.Task {
	return m.group.Go(ctx, "migrate", func(ctx context.Context) error {
		return m.run(ctx, from, to)
	})
}

func (m *Migrator) run(ctx context.Context, from, to string) error {
	ix := m.rx.ix
	if active := ix.emb.Active().Key; active != to {
		return fmt.Errorf("index: migrate to %s: active model is %s", to, active)
	}

	m.rx.mu.Lock()
	defer m.rx.mu.Unlock()

	metas, err := ix.fs.List("")
	if err != nil {
		return fmt.Errorf("index: migrate: list vault: %w", err)
	}
	ix.health.StartMigration(from, to, len(metas))
	defer ix.health.FinishMigration()
	m.log.Info("migrate: started",
		slog.String("from", from), slog.String("to", to), slog.Int("notes", len(metas)))

	st := NewState(to)
	done, failed := 0, 0
	for start := 0; start < len(metas); start += m.batchSize {
		if start > 0 && m.batchPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(m.batchPause):
			}
		}
		if err := ctx.Err(); err != nil {
			m.log.Warn("migrate: cancelled", slog.Int("done", done), slog.Int("total", len(metas)))
			return err
		}

		end := min(start+m.batchSize, len(metas))
		for _, meta := range metas[start:end] {
			data, err := ix.fs.Read(meta.Path)
			if err == nil {
				_, err = ix.IndexContent(ctx, meta.Path, string(data))
			}
			if err != nil {
				failed++
				m.log.Warn("migrate: note failed", slog.String("path", meta.Path), slog.String("error", err.Error()))
			} else {
				st.Files[meta.Path] = FileState{MTime: meta.ModTime.UnixNano(), Hash: checksum.Sum(data)}
			}
			done++
			ix.health.MigrationProgress(done)
		}
	}

	if err := SaveState(m.rx.statePath, st); err != nil {
		return err
	}
	m.log.Info("migrate: done",
		slog.String("to", to), slog.Int("notes", done), slog.Int("failed", failed))
	return nil
}
