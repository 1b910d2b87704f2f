package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/alaya/internal/events"
	"github.com/starford/alaya/internal/parser"
)

// Subscriber keeps the index in step with tool-API mutations published on
// the event bus, and marks each handled path so the watcher skips it.
type Subscriber struct {
	ix      *Indexer
	recency *Recency
	log     *slog.Logger
}

// NewSubscriber creates the bus listener.
func NewSubscriber(ix *Indexer, recency *Recency, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{ix: ix, recency: recency, log: log}
}

// Attach subscribes s to bus and returns the unsubscribe func.
func (s *Subscriber) Attach(bus *events.Bus) func() {
	return bus.Subscribe(s.Handle)
}

// Handle applies one event to the index.
func (s *Subscriber) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.Created, events.Modified:
		s.recency.Mark(ev.Path)
		n, err := s.ix.IndexNote(ctx, ev.Path)
		if err != nil {
			return err
		}
		s.recency.Mark(ev.Path)
		s.log.Debug("subscriber: indexed", slog.String("path", ev.Path), slog.Int("chunks", n))

	case events.Deleted:
		s.recency.Mark(ev.Path)
		if err := s.ix.RemoveNote(ctx, ev.Path); err != nil {
			return err
		}
		s.log.Debug("subscriber: removed", slog.String("path", ev.Path))

	case events.Moved:
		s.recency.Mark(ev.OldPath)
		s.recency.Mark(ev.Path)
		if err := s.move(ctx, ev.OldPath, ev.Path); err != nil {
			return err
		}
		s.recency.Mark(ev.OldPath)
		s.recency.Mark(ev.Path)

	default:
		return fmt.Errorf("index: unknown event kind %q", ev.Kind)
	}
	return nil
}

// move rewrites the metadata of the moved note's chunks in place. A note
// that was never indexed is indexed from scratch.
func (s *Subscriber) move(ctx context.Context, oldPath, newPath string) error {
	data, err := s.ix.fs.Read(newPath)
	if err != nil {
		return fmt.Errorf("index: read moved %s: %w", newPath, err)
	}
	res, err := parser.Parse(data)
	if err != nil {
		return fmt.Errorf("index: parse moved %s: %w", newPath, err)
	}
	title := res.Title
	if title == "" {
		title = stem(newPath)
	}
	tags := res.Tags
	if tags == nil {
		tags = []string{}
	}

	n, err := s.ix.store.UpdateMetadata(ctx, oldPath, newPath, &title, tags)
	if err != nil {
		return fmt.Errorf("index: move %s: %w", oldPath, err)
	}
	s.ix.health.Forget(oldPath)
	if n == 0 {
		if _, err := s.ix.IndexNote(ctx, newPath); err != nil {
			return err
		}
	}
	s.log.Debug("subscriber: moved",
		slog.String("from", oldPath), slog.String("to", newPath), slog.Int64("rows", n))
	return nil
}
