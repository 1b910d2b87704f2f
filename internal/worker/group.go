// Package worker runs bounded background work with joinable handles.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is a handle to one submitted job.
type Task struct {
	done chan struct{}
	err  error
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or timeout elapses. It reports whether
// the task finished. A non-positive timeout waits forever.
func (t *Task) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-t.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Err returns the task's error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Group runs at most n jobs at once. Submission never blocks.
type Group struct {
	sem *semaphore.Weighted
	log *slog.Logger
	wg  sync.WaitGroup
}

// NewGroup creates a group with n concurrent slots.
func NewGroup(n int, log *slog.Logger) *Group {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Group{sem: semaphore.NewWeighted(int64(n)), log: log}
}

// Go schedules fn. The job waits for a free slot; if ctx ends first the task
// finishes with ctx's error without running fn. A panic in fn becomes the
// task's error.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) *Task {
	t := &Task{done: make(chan struct{})}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(t.done)

		if err := g.sem.Acquire(ctx, 1); err != nil {
			t.err = err
			return
		}
		defer g.sem.Release(1)

		t.err = g.run(ctx, fn)
		if t.err != nil {
			g.log.Error("worker: task failed",
				slog.String("task", name),
				slog.String("error", t.err.Error()),
			)
		}
	}()
	return t
}

// Wait blocks until every submitted job finishes or timeout elapses, and
// reports whether all finished. A non-positive timeout waits forever.
func (g *Group) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (g *Group) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: panic: %v", r)
		}
	}()
	return fn(ctx)
}
