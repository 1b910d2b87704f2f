package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/alaya/internal/chunk"
	"github.com/starford/alaya/internal/events"
	"github.com/starford/alaya/internal/testutil"
	"github.com/starford/alaya/internal/worker"
)

const testDebounce = 50 * time.Millisecond

// watcherTestEnv sets up a vault, store and indexer for watcher tests.
func watcherTestEnv(t *testing.T) (string, *Indexer) {
	t.Helper()
	root, fs := testutil.TestVault(t)
	store := testutil.TestStore(t, root)
	ix := NewIndexer(fs, store, testutil.TestEmbedder(t), chunk.DefaultConfig(), NewHealth(), testutil.Logger())
	return root, ix
}

// recorder collects watcher callbacks.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) record(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind events.Kind, path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Kind == kind && ev.Path == path {
			n++
		}
	}
	return n
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		w.Stop(time.Second)
		<-done
	})
	time.Sleep(100 * time.Millisecond)
}

func indexed(ix *Indexer, path string) bool {
	paths, err := ix.store.Paths(context.Background())
	if err != nil {
		return false
	}
	_, ok := paths[path]
	return ok
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestWatcher_NewFileIndexed(t *testing.T) {
	root, ix := watcherTestEnv(t)
	rec := &recorder{}
	w := NewWatcher(ix, NewRecency(time.Minute), nil, nil, rec.record, WatcherConfig{Debounce: testDebounce}, testutil.Logger())
	startWatcher(t, w)

	_ = os.WriteFile(filepath.Join(root, "new.md"), []byte("# New"), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return indexed(ix, "new.md")
	}, "new file not indexed by watcher")

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return rec.count(events.Created, "new.md") == 1
	}, "expected created:new.md callback")
}

func TestWatcher_DebounceCoalescesWrites(t *testing.T) {
	root, ix := watcherTestEnv(t)
	rec := &recorder{}
	w := NewWatcher(ix, NewRecency(time.Minute), nil, nil, rec.record, WatcherConfig{Debounce: 150 * time.Millisecond}, testutil.Logger())
	startWatcher(t, w)

	p := filepath.Join(root, "burst.md")
	for i := 0; i < 5; i++ {
		_ = os.WriteFile(p, []byte("# Burst\n\nrevision "+string(rune('a'+i))), 0o644)
		time.Sleep(20 * time.Millisecond)
	}

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return indexed(ix, "burst.md")
	}, "burst not indexed")
	time.Sleep(400 * time.Millisecond)

	total := rec.count(events.Created, "burst.md") + rec.count(events.Modified, "burst.md")
	if total != 1 {
		t.Errorf("indexed %d times, want 1", total)
	}
	if n := w.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
}

func TestWatcher_SkipsRecentPaths(t *testing.T) {
	root, ix := watcherTestEnv(t)
	recency := NewRecency(time.Minute)
	w := NewWatcher(ix, recency, nil, nil, nil, WatcherConfig{Debounce: testDebounce}, testutil.Logger())
	startWatcher(t, w)

	recency.Mark("tool.md")
	_ = os.WriteFile(filepath.Join(root, "tool.md"), []byte("# Written by the tool API"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "external.md"), []byte("# Written elsewhere"), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return indexed(ix, "external.md")
	}, "external edit not indexed")
	time.Sleep(3 * testDebounce)
	if indexed(ix, "tool.md") {
		t.Error("recently handled path was indexed again by the watcher")
	}
}

func TestWatcher_NewDirWatched(t *testing.T) {
	root, ix := watcherTestEnv(t)
	w := NewWatcher(ix, NewRecency(time.Minute), nil, nil, nil, WatcherConfig{Debounce: testDebounce}, testutil.Logger())
	startWatcher(t, w)

	subDir := filepath.Join(root, "subdir")
	_ = os.MkdirAll(subDir, 0o755)
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(subDir, "deep.md"), []byte("# Deep"), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return indexed(ix, "subdir/deep.md")
	}, "file in new subdir not indexed by watcher")
}

func TestWatcher_IgnoredDirs(t *testing.T) {
	root, ix := watcherTestEnv(t)
	w := NewWatcher(ix, NewRecency(time.Minute), nil, nil, nil, WatcherConfig{Debounce: testDebounce}, testutil.Logger())
	startWatcher(t, w)

	_ = os.MkdirAll(filepath.Join(root, ".obsidian"), 0o755)
	time.Sleep(50 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(root, ".obsidian", "workspace.md"), []byte("# Internal"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "visible.md"), []byte("# Visible"), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return indexed(ix, "visible.md")
	}, "visible note not indexed")
	time.Sleep(3 * testDebounce)
	if indexed(ix, ".obsidian/workspace.md") {
		t.Error("note under ignored dir was indexed")
	}
}

func TestWatcher_DeleteRemovesFromIndex(t *testing.T) {
	root, ix := watcherTestEnv(t)
	_ = os.WriteFile(filepath.Join(root, "del.md"), []byte("# Delete Me"), 0o644)
	if _, err := ix.IndexNote(context.Background(), "del.md"); err != nil {
		t.Fatalf("precondition: %v", err)
	}

	rec := &recorder{}
	w := NewWatcher(ix, NewRecency(time.Minute), nil, nil, rec.record, WatcherConfig{Debounce: testDebounce}, testutil.Logger())
	startWatcher(t, w)

	_ = os.Remove(filepath.Join(root, "del.md"))

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return !indexed(ix, "del.md")
	}, "deleted file still in index")
	eventually(t, time.Second, 20*time.Millisecond, func() bool {
		return rec.count(events.Deleted, "del.md") == 1
	}, "expected deleted:del.md callback")
}

func TestWatcher_RenameReconciles(t *testing.T) {
	root, ix := watcherTestEnv(t)
	_ = os.WriteFile(filepath.Join(root, "old.md"), []byte("# Rename"), 0o644)
	if _, err := ix.IndexNote(context.Background(), "old.md"); err != nil {
		t.Fatalf("precondition: %v", err)
	}

	w := NewWatcher(ix, NewRecency(time.Minute), nil, nil, nil,
		WatcherConfig{Debounce: testDebounce, ReconcileDelay: 100 * time.Millisecond}, testutil.Logger())
	startWatcher(t, w)

	_ = os.Rename(filepath.Join(root, "old.md"), filepath.Join(root, "renamed.md"))

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return !indexed(ix, "old.md") && indexed(ix, "renamed.md")
	}, "rename reconciliation failed: old path should be removed and new path indexed")
}

func TestWatcher_DropInsGoToIngest(t *testing.T) {
	root, ix := watcherTestEnv(t)
	var mu sync.Mutex
	var ingested []string
	ingest := func(_ context.Context, rel string) error {
		mu.Lock()
		ingested = append(ingested, rel)
		mu.Unlock()
		return nil
	}
	group := worker.NewGroup(2, testutil.Logger())
	w := NewWatcher(ix, NewRecency(time.Minute), group, ingest, nil, WatcherConfig{Debounce: testDebounce}, testutil.Logger())

	_ = os.MkdirAll(filepath.Join(root, "raw"), 0o755)
	startWatcher(t, w)

	_ = os.WriteFile(filepath.Join(root, "raw", "paper.txt"), []byte("plain text"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "raw", "clip.md"), []byte("# Clip"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "raw", "image.png"), []byte("png"), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ingested) == 2
	}, "drop-ins not ingested")
	time.Sleep(3 * testDebounce)
	if indexed(ix, "raw/clip.md") {
		t.Error("drop-in .md indexed directly instead of through ingestion")
	}
}

func TestWatcher_StopWaitsForIngestion(t *testing.T) {
	root, ix := watcherTestEnv(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ingest := func(context.Context, string) error {
		started <- struct{}{}
		<-release
		return nil
	}
	w := NewWatcher(ix, NewRecency(time.Minute), worker.NewGroup(1, nil), ingest, nil, WatcherConfig{Debounce: testDebounce}, testutil.Logger())
	_ = os.MkdirAll(filepath.Join(root, "raw"), 0o755)
	startWatcher(t, w)

	_ = os.WriteFile(filepath.Join(root, "raw", "slow.txt"), []byte("slow"), 0o644)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("ingestion never started")
	}

	if w.Stop(50 * time.Millisecond) {
		t.Error("Stop reported completion while ingestion was blocked")
	}
	close(release)
	if !w.Stop(2 * time.Second) {
		t.Error("Stop did not observe ingestion finishing")
	}
}

func TestWatcher_StopCancelsPendingTimers(t *testing.T) {
	root, ix := watcherTestEnv(t)
	w := NewWatcher(ix, NewRecency(time.Minute), nil, nil, nil, WatcherConfig{Debounce: 300 * time.Millisecond}, testutil.Logger())
	startWatcher(t, w)

	_ = os.WriteFile(filepath.Join(root, "late.md"), []byte("# Late"), 0o644)
	eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return w.Pending() == 1
	}, "debounce timer not armed")

	if !w.Stop(time.Second) {
		t.Error("Stop timed out with nothing in flight")
	}
	time.Sleep(500 * time.Millisecond)
	if indexed(ix, "late.md") {
		t.Error("timer fired after Stop")
	}
}
