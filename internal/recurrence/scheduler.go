package recurrence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a task run once a day at a fixed UTC time.
type Job struct {
	Name string
	At   time.Duration // offset from UTC midnight
	Run  func(ctx context.Context, now time.Time) error
}

// Scheduler runs daily jobs until its context is cancelled.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for jobs.
func NewScheduler(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:   jobs,
		logger: logger.With(slog.String("component", "scheduler")),
		now:    time.Now,
	}
}

// DailyJobs returns the standard server jobs: recurrence at recurrenceAt and
// goal expiry at expiryAt (both offsets from UTC midnight).
func DailyJobs(g *Generator, recurrenceAt, expiryAt time.Duration) []Job {
	return []Job{
		{
			Name: "recurrence",
			At:   recurrenceAt,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := g.Run(ctx, now)
				return err
			},
		},
		{
			Name: "expire-goals",
			At:   expiryAt,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := g.ExpireGoals(ctx, now)
				return err
			},
		},
	}
}

// Start launches one goroutine per job. Stop by cancelling ctx, then Wait.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	for {
		next := NextRun(s.now(), job.At)
		s.logger.Debug("job scheduled", slog.String("job", job.Name), slog.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := job.Run(ctx, s.now()); err != nil {
			s.logger.Error("job failed", slog.String("job", job.Name), slog.Any("error", err))
			continue
		}
		s.logger.Info("job finished", slog.String("job", job.Name), slog.Duration("took", time.Since(start)))
	}
}

// NextRun returns the first instant strictly after now that is offset past a
// UTC midnight.
func NextRun(now time.Time, offset time.Duration) time.Time {
	next := Day(now).Add(offset)
	for !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
