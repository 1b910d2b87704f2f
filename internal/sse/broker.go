// Package sse streams vault change notifications to HTTP clients as
// Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/alaya/internal/events"
)

const (
	clientBuffer     = 64
	defaultHeartbeat = 20 * time.Second
	// retryMillis is the reconnect delay suggested to EventSource clients.
	retryMillis = 3000
)

// Event is one SSE frame to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NoteChange is the payload of note.* events.
type NoteChange struct {
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
}

// IndexUpdate is the payload of index.updated.
type IndexUpdate struct {
	At time.Time `json:"at"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets the keep-alive comment interval on open streams. A
// non-positive d disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// Broker fans note and index events out to connected clients.
//
// One loop goroutine owns the client set, the frame sequence and the index
// throttle. Public methods reach it through channels.
type Broker struct {
	indexMin  time.Duration
	heartbeat time.Duration

	joinCh  chan chan []byte
	leaveCh chan chan []byte
	frameCh chan Event
	noteCh  chan events.Event
	countCh chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. index.updated is sent at most once per
// indexThrottle.
func NewBroker(indexThrottle time.Duration, opts ...Option) *Broker {
	if indexThrottle <= 0 {
		indexThrottle = 2 * time.Second
	}

	b := &Broker{
		indexMin:  indexThrottle,
		heartbeat: defaultHeartbeat,
		joinCh:    make(chan chan []byte),
		leaveCh:   make(chan chan []byte),
		frameCh:   make(chan Event, 256),
		noteCh:    make(chan events.Event, 256),
		countCh:   make(chan chan int),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.loop()
	return b
}

func (b *Broker) loop() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		seq       uint64
		lastIndex time.Time
	)

	send := func(ev Event) {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		seq++
		frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, payload))

		for ch := range clients {
			select {
			case ch <- frame:
			default:
				// Slow client; drop rather than stall the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.joinCh:
			clients[ch] = struct{}{}

		case ch := <-b.leaveCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.frameCh:
			send(ev)

		case ev := <-b.noteCh:
			switch ev.Kind {
			case events.Created, events.Modified, events.Deleted, events.Moved:
			default:
				continue
			}
			send(Event{Type: "note." + string(ev.Kind), Data: NoteChange{Path: ev.Path, OldPath: ev.OldPath}})

			if now := time.Now(); now.Sub(lastIndex) >= b.indexMin {
				lastIndex = now
				send(Event{Type: "index.updated", Data: IndexUpdate{At: now.UTC()}})
			}

		case resp := <-b.countCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.joinCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leaveCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an arbitrary event to all connected clients.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.frameCh <- ev:
	case <-b.stopped:
	}
}

// PublishNoteEvent sends note.<kind> followed by a throttled index.updated.
// It matches index.EventCallback so the watcher can call it directly.
func (b *Broker) PublishNoteEvent(ev events.Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.noteCh <- ev:
	case <-b.stopped:
	}
}

// Attach forwards every bus event to connected clients and returns the
// unsubscribe func.
func (b *Broker) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(_ context.Context, ev events.Event) error {
		b.PublishNoteEvent(ev)
		return nil
	})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
