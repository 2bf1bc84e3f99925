package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs jobs from an in-process ticker. The gate still decides whether the
// current hour qualifies; a job that ran cleanly is not run again on the same local day.
type Scheduler struct {
	runner   *Runner
	jobs     []string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	lastDay map[string]string
}

func NewScheduler(r *Runner, interval time.Duration, jobs ...string) *Scheduler {
	if len(jobs) == 0 {
		jobs = []string{JobAll}
	}
	return &Scheduler{
		runner:   r,
		jobs:     jobs,
		interval: interval,
		log:      r.log,
		lastDay:  make(map[string]string, len(jobs)),
	}
}

// Run blocks until ctx is done. A non-positive interval returns immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.InfoContext(ctx, "warm scheduler started", "interval", s.interval, "jobs", s.jobs)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick evaluates every job once at now and returns the reports of jobs that ran.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Report {
	day := s.runner.d.Gate.Day(now)
	var out []Report
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return out
		}
		if s.doneOn(job) == day {
			continue
		}
		rep, err := s.runner.Run(ctx, job, Trigger{Now: now, Source: "scheduler"})
		if err != nil {
			s.log.ErrorContext(ctx, "scheduled warm failed", "job", job, "err", err)
			continue
		}
		if rep.Skipped {
			continue
		}
		s.markDone(job, day)
		out = append(out, rep)
	}
	return out
}

func (s *Scheduler) doneOn(job string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDay[job]
}

func (s *Scheduler) markDone(job, day string) {
	s.mu.Lock()
	s.lastDay[job] = day
	s.mu.Unlock()
}
