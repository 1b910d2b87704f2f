package index

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/alaya/internal/events"
	"github.com/starford/alaya/internal/storage"
	"github.com/starford/alaya/internal/worker"
)

// Watcher defaults.
const (
	DefaultDebounce       = 2 * time.Second
	DefaultReconcileDelay = 200 * time.Millisecond
	DefaultDropDir        = "raw"
)

// DropSuffixes are the drop-in file types handed to ingestion.
var DropSuffixes = map[string]struct{}{
	".pdf":  {},
	".md":   {},
	".txt":  {},
	".html": {},
}

// EventCallback is called after a watcher-driven index change.
type EventCallback func(ev events.Event)

// IngestFunc ingests the drop-in file at the vault-relative path rel.
type IngestFunc func(ctx context.Context, rel string) error

// WatcherConfig tunes a Watcher. Zero values take the defaults above.
type WatcherConfig struct {
	Debounce       time.Duration
	ReconcileDelay time.Duration
	DropDir        string
}

type pending struct {
	timer   *time.Timer
	created bool
}

// Watcher observes the vault tree and reconciles external edits with the
// index. Edits are debounced per path; deletions apply immediately. Paths
// the event subscriber handled recently are skipped.
type Watcher struct {
	ix      *Indexer
	recency *Recency
	group   *worker.Group
	ingest  IngestFunc
	cb      EventCallback
	cfg     WatcherConfig
	log     *slog.Logger

	mu       sync.Mutex
	timers   map[string]*pending
	stopped  bool
	ctx      context.Context
	inflight sync.WaitGroup
}

// NewWatcher creates a watcher. ingest and cb may be nil.
func NewWatcher(ix *Indexer, recency *Recency, group *worker.Group, ingest IngestFunc, cb EventCallback, cfg WatcherConfig, log *slog.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = DefaultReconcileDelay
	}
	if cfg.DropDir == "" {
		cfg.DropDir = DefaultDropDir
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		ix:      ix,
		recency: recency,
		group:   group,
		ingest:  ingest,
		cb:      cb,
		cfg:     cfg,
		log:     log,
		timers:  make(map[string]*pending),
		ctx:     context.Background(),
	}
}

// Run watches the vault until ctx is cancelled. New directories created at
// runtime are added to the watch list. A burst of renames triggers a
// reconciliation pass between the store and the disk.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	root := w.ix.fs.Root()
	if err := addDirsRecursive(fw, root); err != nil {
		return err
	}

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	w.log.Info("watcher: started", slog.String("root", root))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(w.cfg.ReconcileDelay)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(w.cfg.ReconcileDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			w.log.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			w.reconcile(ctx)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.handle(fw, ev) {
				scheduleReconcile()
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// handle processes one fsnotify event and reports whether a reconciliation
// pass should be scheduled.
func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) bool {
	rel, err := w.ix.fs.Rel(ev.Name)
	if err != nil || rel == "." || storage.IsIgnored(rel) {
		return false
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := addDirsRecursive(fw, ev.Name); addErr != nil {
				w.log.Warn("watcher: add new dir failed",
					slog.String("path", rel),
					slog.String("error", addErr.Error()))
			} else {
				w.log.Debug("watcher: watching new dir", slog.String("path", rel))
			}
			w.scanNewDir(ev.Name)
			return false
		}
	}

	if w.isDropIn(rel) {
		switch {
		case ev.Op&fsnotify.Create != 0:
			w.submitIngest(rel)
		case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			w.remove(rel)
		}
		return false
	}

	if !strings.HasSuffix(rel, ".md") {
		return false
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.schedule(rel, ev.Op&fsnotify.Create != 0)
		return false

	case ev.Op&fsnotify.Remove != 0:
		w.remove(rel)
		return false

	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports Rename on the old path only. The new path
		// arrives as a separate Create when it stays inside the vault.
		w.remove(rel)
		return true
	}
	return false
}

func (w *Watcher) isDropIn(rel string) bool {
	if !strings.HasPrefix(rel, w.cfg.DropDir+"/") {
		return false
	}
	_, ok := DropSuffixes[strings.ToLower(path.Ext(rel))]
	return ok
}

// schedule arms or re-arms the debounce timer for rel.
func (w *Watcher) schedule(rel string, created bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if p, ok := w.timers[rel]; ok {
		p.timer.Stop()
		p.created = p.created || created
	} else {
		w.timers[rel] = &pending{created: created}
	}
	p := w.timers[rel]
	p.timer = time.AfterFunc(w.cfg.Debounce, func() { w.fire(rel, p) })
}

// fire runs when rel's debounce timer expires.
func (w *Watcher) fire(rel string, p *pending) {
	w.mu.Lock()
	if w.stopped || w.timers[rel] != p {
		w.mu.Unlock()
		return
	}
	delete(w.timers, rel)
	ctx := w.ctx
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	if _, err := w.ix.fs.Stat(rel); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warn("watcher: stat failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
		return
	}
	if w.recency.Seen(rel) {
		w.log.Debug("watcher: skipped recent", slog.String("path", rel))
		return
	}
	n, err := w.ix.IndexNote(ctx, rel)
	if err != nil {
		w.log.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	kind := events.Modified
	if p.created {
		kind = events.Created
	}
	w.log.Debug("watcher: indexed", slog.String("path", rel), slog.String("op", string(kind)), slog.Int("chunks", n))
	w.notify(events.Event{Kind: kind, Path: rel})
}

// remove cancels any pending timer for rel and deletes it from the store.
func (w *Watcher) remove(rel string) {
	w.mu.Lock()
	if p, ok := w.timers[rel]; ok {
		p.timer.Stop()
		delete(w.timers, rel)
	}
	ctx := w.ctx
	w.mu.Unlock()

	if w.recency.Seen(rel) {
		w.log.Debug("watcher: skipped recent delete", slog.String("path", rel))
		return
	}
	if err := w.ix.RemoveNote(ctx, rel); err != nil {
		w.log.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	w.log.Debug("watcher: deleted", slog.String("path", rel))
	w.notify(events.Event{Kind: events.Deleted, Path: rel})
}

// submitIngest hands a drop-in to the worker group. It never indexes the
// file directly.
func (w *Watcher) submitIngest(rel string) {
	if w.ingest == nil || w.group == nil {
		w.log.Debug("watcher: ingestion disabled", slog.String("path", rel))
		return
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	ctx := w.ctx
	w.inflight.Add(1)
	w.mu.Unlock()

	task := w.group.Go(ctx, "ingest", func(ctx context.Context) error {
		if err := w.ingest(ctx, rel); err != nil {
			w.log.Warn("watcher: ingest failed", slog.String("path", rel), slog.String("error", err.Error()))
			return nil
		}
		w.log.Info("watcher: ingested", slog.String("path", rel))
		w.notify(events.Event{Kind: events.Created, Path: rel})
		return nil
	})
	go func() {
		<-task.Done()
		w.inflight.Done()
	}()
}

// reconcile removes store entries whose files are gone and indexes notes on
// disk that the store does not know.
func (w *Watcher) reconcile(ctx context.Context) {
	indexed, err := w.ix.store.Paths(ctx)
	if err != nil {
		w.log.Warn("reconcile: indexed paths failed", slog.String("error", err.Error()))
		return
	}
	metas, err := w.ix.fs.List("")
	if err != nil {
		w.log.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.Path] = struct{}{}
	}

	for p := range indexed {
		if _, ok := disk[p]; ok || w.isDropIn(p) {
			continue
		}
		if w.recency.Seen(p) {
			continue
		}
		if err := w.ix.RemoveNote(ctx, p); err == nil {
			w.log.Debug("reconcile: removed stale", slog.String("path", p))
			w.notify(events.Event{Kind: events.Deleted, Path: p})
		}
	}

	for p := range disk {
		if _, ok := indexed[p]; ok || w.recency.Seen(p) || w.isDropIn(p) {
			continue
		}
		if _, err := w.ix.IndexNote(ctx, p); err == nil {
			w.log.Debug("reconcile: indexed new", slog.String("path", p))
			w.notify(events.Event{Kind: events.Created, Path: p})
		}
	}
}

// scanNewDir schedules every note already present in a new directory.
func (w *Watcher) scanNewDir(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := storage.IgnoredDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := w.ix.fs.Rel(p)
		if relErr != nil {
			return nil
		}
		switch {
		case w.isDropIn(rel):
			w.submitIngest(rel)
		case strings.HasSuffix(rel, ".md"):
			w.schedule(rel, true)
		}
		return nil
	})
}

func (w *Watcher) notify(ev events.Event) {
	if w.cb != nil {
		w.cb(ev)
	}
}

// Pending returns the number of armed debounce timers.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Stop cancels pending timers and waits up to timeout for in-flight
// indexing and ingestion. It reports whether everything finished.
func (w *Watcher) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	w.stopped = true
	for rel, p := range w.timers {
		p.timer.Stop()
		delete(w.timers, rel)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		w.log.Warn("watcher: stop timed out with work outstanding", slog.Duration("timeout", timeout))
		return false
	}
}

// addDirsRecursive adds root and its subdirectories, minus ignored ones, to
// the watcher.
func addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := storage.IgnoredDirs[d.Name()]; skip && p != root {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}
