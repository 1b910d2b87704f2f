// Package events is the in-process publish/subscribe bus for note mutations.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kind identifies a note mutation.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
	Moved    Kind = "moved"
)

// Event describes one note mutation. OldPath is set only for Moved.
type Event struct {
	Kind    Kind   `json:"kind"`
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
}

// Listener handles one event. Returned errors are logged, never propagated.
type Listener func(ctx context.Context, ev Event) error

type subscription struct {
	id int
	fn Listener
}

// Bus fans events out to listeners synchronously, in subscription order.
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to a snapshot of the current listeners. A listener
// that errors or panics does not stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		if err := b.dispatch(ctx, s.fn, ev); err != nil {
			b.log.Error("events: listener failed",
				slog.String("kind", string(ev.Kind)),
				slog.String("path", ev.Path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Len returns the number of listeners.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Clear removes every listener. Used by tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

func (b *Bus) dispatch(ctx context.Context, fn Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: listener panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}
