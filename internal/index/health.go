package index

import (
	"sort"
	"sync"
	"time"
)

// Failure is the last indexing error seen for a note.
type Failure struct {
	Path  string    `json:"path"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Migration tracks a background re-embedding run.
type Migration struct {
	FromModel  string     `json:"from_model"`
	ToModel    string     `json:"to_model"`
	Total      int        `json:"total"`
	Done       int        `json:"done"`
	Running    bool       `json:"running"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// HealthSnapshot is a point-in-time copy of Health.
type HealthSnapshot struct {
	Failed      []Failure  `json:"failed"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Migration   *Migration `json:"migration,omitempty"`
}

// Health records per-note indexing failures and migration progress.
type Health struct {
	mu          sync.Mutex
	failed      map[string]Failure
	lastSuccess time.Time
	migration   *Migration
}

// NewHealth returns an empty Health.
func NewHealth() *Health {
	return &Health{failed: make(map[string]Failure)}
}

// RecordFailure stores err as the latest failure for path.
func (h *Health) RecordFailure(path string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[path] = Failure{Path: path, Error: err.Error(), At: time.Now()}
}

// RecordSuccess clears any failure for path.
func (h *Health) RecordSuccess(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failed, path)
	h.lastSuccess = time.Now()
}

// Forget drops any failure recorded for path.
func (h *Health) Forget(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failed, path)
}

// StartMigration begins tracking a migration of total notes.
func (h *Health) StartMigration(from, to string, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.migration = &Migration{
		FromModel: from,
		ToModel:   to,
		Total:     total,
		Running:   true,
		StartedAt: time.Now(),
	}
}

// MigrationProgress sets the number of notes migrated so far.
func (h *Health) MigrationProgress(done int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.migration != nil {
		h.migration.Done = done
	}
}

// FinishMigration marks the current migration as no longer running.
func (h *Health) FinishMigration() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.migration != nil {
		now := time.Now()
		h.migration.Running = false
		h.migration.FinishedAt = &now
	}
}

// Snapshot returns a copy safe to serialise. Failures are sorted by path.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HealthSnapshot{Failed: make([]Failure, 0, len(h.failed))}
	for _, f := range h.failed {
		snap.Failed = append(snap.Failed, f)
	}
	sort.Slice(snap.Failed, func(i, j int) bool { return snap.Failed[i].Path < snap.Failed[j].Path })
	if !h.lastSuccess.IsZero() {
		ts := h.lastSuccess
		snap.LastSuccess = &ts
	}
	if h.migration != nil {
		m := *h.migration
		snap.Migration = &m
	}
	return snap
}

// Reset clears all recorded state.
func (h *Health) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = make(map[string]Failure)
	h.lastSuccess = time.Time{}
	h.migration = nil
}
