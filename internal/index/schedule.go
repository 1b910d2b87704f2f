package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs incremental reindexes on a cron schedule. A tick that finds
// the reindexer busy is skipped.
type Scheduler struct {
	cron *cron.Cron
	rx   *Reindexer
	log  *slog.Logger
}

// NewScheduler parses spec (standard five-field cron or a descriptor such as
// "@hourly"). An empty spec yields a scheduler with no jobs.
func NewScheduler(spec string, rx *Reindexer, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{cron: cron.New(cron.WithParser(parser)), rx: rx, log: log}
	if spec == "" {
		return s, nil
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("index: schedule %q: %w", spec, err)
	}
	return s, nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits up to timeout for a running tick.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.log.Warn("scheduler: stop timed out")
	}
}

func (s *Scheduler) tick() {
	res, ok, err := s.rx.TryIncremental(context.Background())
	switch {
	case !ok:
		s.log.Info("scheduler: reindex busy, skipped")
	case err != nil:
		s.log.Error("scheduler: reindex failed", slog.String("error", err.Error()))
	default:
		s.log.Info("scheduler: reindex done",
			slog.Int("indexed", res.NotesIndexed),
			slog.Int("deleted", res.NotesDeleted))
	}
}
