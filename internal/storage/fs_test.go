package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/alaya/internal/apperr"
)

func tempVault(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempVault(t)
	content := []byte("# Hello\nWorld\n")
	if err := s.Write("note.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("note.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempVault(t)
	if err := s.Write("a/b/c.md", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("del.md", []byte("bye"))
	if err := s.Delete("del.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.md"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestMove(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("old.md", []byte("data"))
	if err := s.Move("old.md", "sub/new.md"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read("sub/new.md")
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := s.Read("old.md"); err == nil {
		t.Error("old path should not exist")
	}
}

func TestList(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("sub/b.md", []byte("b"))
	_ = s.Write("readme.txt", []byte("not md"))
	_ = s.Write(".zk/cache.md", []byte("internal"))
	_ = s.Write(".git/x.md", []byte("internal"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len = %d, want 2", len(items))
	}
	for _, it := range items {
		if it.Path != "a.md" && it.Path != "sub/b.md" {
			t.Errorf("unexpected path %q", it.Path)
		}
		if it.ModTime.IsZero() {
			t.Errorf("%s: zero mod time", it.Path)
		}
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempVault(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.md",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); !errors.Is(err, apperr.ErrOutsideVault) {
			t.Errorf("Read(%q) err = %v, want ErrOutsideVault", p, err)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteNoCorruption(t *testing.T) {
	// Verify that if we read during a write the old content is intact
	// (the rename is atomic on POSIX).
	s := tempVault(t)
	original := []byte("original content")
	_ = s.Write("atomic.md", original)

	// Overwrite with new content.
	updated := []byte("updated content")
	if err := s.Write("atomic.md", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.md")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	// Confirm no leftover temp files.
	matches, _ := filepath.Glob(filepath.Join(s.root, ".alaya-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/alaya-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "alaya-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestRelRoundTrip(t *testing.T) {
	s := tempVault(t)
	abs, err := s.Abs("projects/x.md")
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	rel, err := s.Rel(abs)
	if err != nil {
		t.Fatalf("Rel: %v", err)
	}
	if rel != "projects/x.md" {
		t.Errorf("rel = %q", rel)
	}
	if _, err := s.Rel(filepath.Dir(s.root)); !errors.Is(err, apperr.ErrOutsideVault) {
		t.Errorf("Rel outside root err = %v", err)
	}
}

func TestIsIgnored(t *testing.T) {
	if !IsIgnored(".zk/vectors/index.db") {
		t.Error(".zk should be ignored")
	}
	if !IsIgnored("notes/.git/HEAD") {
		t.Error("nested .git should be ignored")
	}
	if IsIgnored("projects/zk.md") {
		t.Error("regular note should not be ignored")
	}
}

func TestLockSerialisesSamePath(t *testing.T) {
	s := tempVault(t)

	unlock := s.Lock("a.md")
	acquired := make(chan struct{})
	go func() {
		release := s.Lock("./a.md")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on same path acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different path is independent.
	other := s.Lock("b.md")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestLockConcurrentWrites(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("count.md", []byte(""))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := s.Lock("count.md")
			defer release()
			data, _ := s.Read("count.md")
			_ = s.Write("count.md", append(data, 'x'))
		}()
	}
	wg.Wait()

	data, _ := s.Read("count.md")
	if len(data) != 20 {
		t.Errorf("len = %d, want 20 (lost update)", len(data))
	}
}

func TestAcquireLock_SecondFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".zk")
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer first.Release()

	if _, err := AcquireLock(dir); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("second AcquireLock err = %v, want ErrVaultLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	_ = again.Release()
}
