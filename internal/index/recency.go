package index

import (
	"sync"
	"time"
)

// DefaultRecencyWindow is how long a path stays marked after the event
// subscriber indexes it.
const DefaultRecencyWindow = 30 * time.Second

// Recency remembers paths the event subscriber handled recently so the
// watcher can skip its own redundant pass. It is a hint, not a lock.
type Recency struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewRecency creates a marker with the given window.
func NewRecency(window time.Duration) *Recency {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Recency{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// Mark records path as handled now.
func (r *Recency) Mark(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[path] = r.now()
}

// Seen reports whether path was marked within the window. Expired entries
// are dropped.
func (r *Recency) Seen(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.seen[path]
	if !ok {
		return false
	}
	if r.now().Sub(at) > r.window {
		delete(r.seen, path)
		return false
	}
	return true
}

// Len returns the number of tracked paths, expired or not.
func (r *Recency) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
