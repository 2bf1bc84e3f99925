// Package jobs turns datasets into named warm jobs, gates them and runs them through the warmer.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/core/observability"
	"github.com/mohammed-shakir/warmcache/internal/datasets"
	"github.com/mohammed-shakir/warmcache/internal/logger"
	"github.com/mohammed-shakir/warmcache/internal/schedule"
	"github.com/mohammed-shakir/warmcache/internal/warm"
)

const (
	JobAll   = "all"
	JobLists = "lists"
)

var (
	ErrUnknownJob = errors.New("jobs: unknown job")
	// ErrSweepFailed means targets existed and none of them warmed.
	ErrSweepFailed = errors.New("jobs: no target warmed")
)

// TokenSource is satisfied by *upstream.Chain. A nil request means scheduled work.
type TokenSource interface {
	Token(ctx context.Context, r *http.Request) (token, source string, err error)
}

type Publisher interface {
	Publish(ctx context.Context, s warm.Summary)
}

type Trigger struct {
	Force  bool
	Secret string
	Now    time.Time
	// Source names who asked: http, scheduler, cli or cold.
	Source string
}

type Report struct {
	Job      string            `json:"job"`
	Skipped  bool              `json:"skipped"`
	Decision schedule.Decision `json:"decision"`
	Summary  warm.Summary      `json:"summary"`
	Results  []warm.Result     `json:"-"`
}

type Deps struct {
	Datasets  datasets.Set
	BaseURL   string
	Stores    map[string]cache.Store
	EntityTTL time.Duration
	ListTTL   time.Duration
	Warmer    *warm.Warmer
	Fetcher   warm.Fetcher
	Creds     TokenSource
	Gate      schedule.Gate
	Events    Publisher
	Logger    *slog.Logger
}

type Runner struct {
	d   Deps
	log *slog.Logger
	now func() time.Time
}

func NewRunner(d Deps) *Runner {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Runner{d: d, log: l, now: time.Now}
}

// Jobs lists the runnable job names.
func (r *Runner) Jobs() []string {
	out := []string{JobAll}
	if len(r.d.Datasets.Lists) > 0 {
		out = append(out, JobLists)
	}
	for _, v := range r.d.Datasets.Views {
		out = append(out, v.Name)
	}
	for _, l := range r.d.Datasets.Lists {
		out = append(out, l.Name)
	}
	sort.Strings(out)
	return out
}

func (r *Runner) known(name string) bool {
	for _, j := range r.Jobs() {
		if j == name {
			return true
		}
	}
	return false
}

// Run applies the gate and, if it allows, sweeps the job. A bad override secret returns
// schedule.ErrUnauthorized before anything runs.
func (r *Runner) Run(ctx context.Context, name string, t Trigger) (Report, error) {
	if !r.known(name) {
		return Report{Job: name}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	now := t.Now
	if now.IsZero() {
		now = r.now()
	}
	dec, err := r.d.Gate.Check(now, t.Force, t.Secret)
	if err != nil {
		r.log.WarnContext(ctx, "manual warm rejected", "job", name, "source", t.Source)
		return Report{Job: name, Decision: dec}, err
	}
	if !dec.Run {
		r.log.DebugContext(ctx, "warm skipped by gate", "job", name, "current_hour", dec.CurrentHour)
		return Report{Job: name, Skipped: true, Decision: dec}, nil
	}
	rep, err := r.Sweep(ctx, name, t.Source)
	rep.Decision = dec
	return rep, err
}

// Sweep runs the job unconditionally.
func (r *Runner) Sweep(ctx context.Context, name, source string) (Report, error) {
	if !r.known(name) {
		return Report{Job: name}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	ctx = logger.WithJob(ctx, name)
	started := r.now()
	rep := Report{Job: name}

	token, src, err := r.d.Creds.Token(ctx, nil)
	if err != nil {
		observability.ObserveSweep(name, "auth_failure", time.Since(started).Seconds())
		r.log.ErrorContext(ctx, "warm sweep cannot authenticate", "err", err)
		return rep, fmt.Errorf("sweep %s: %w", name, err)
	}

	targets, err := r.targets(ctx, name, token)
	if err != nil {
		observability.ObserveSweep(name, "failed", time.Since(started).Seconds())
		r.log.ErrorContext(ctx, "warm sweep cannot list targets", "err", err)
		return rep, fmt.Errorf("sweep %s: %w", name, err)
	}

	r.log.InfoContext(ctx, "warm sweep started", "targets", len(targets), "credential", src, "source", source)
	rep.Results = r.d.Warmer.WarmAll(ctx, token, name, targets)
	rep.Summary = warm.Summarize(name, started, time.Since(started), rep.Results)
	rep.Summary.Trigger = source

	outcome := rep.Summary.Outcome()
	observability.ObserveSweep(name, outcome, time.Since(started).Seconds())
	r.log.InfoContext(ctx, "warm sweep finished",
		"outcome", outcome,
		"total", rep.Summary.Total,
		"warmed", rep.Summary.Warmed,
		"partial", rep.Summary.Partial,
		"failed", rep.Summary.Failed,
		"skipped", rep.Summary.Skipped,
		"total_ms", rep.Summary.TotalMs)
	if r.d.Events != nil {
		r.d.Events.Publish(ctx, rep.Summary)
	}
	if rep.Summary.Total > 0 && rep.Summary.Warmed == 0 {
		return rep, fmt.Errorf("sweep %s: %w", name, ErrSweepFailed)
	}
	return rep, nil
}

func (r *Runner) targets(ctx context.Context, name, token string) ([]warm.Target, error) {
	var out []warm.Target
	set := r.d.Datasets
	for _, v := range set.Views {
		if name != JobAll && name != v.Name {
			continue
		}
		ids, err := v.ListIDs(ctx, r.d.Fetcher, token, r.d.BaseURL)
		if err != nil {
			return nil, err
		}
		store := r.d.Stores[v.Namespace]
		ttl := v.TTL
		if ttl <= 0 {
			ttl = r.d.EntityTTL
		}
		for _, id := range ids {
			t := v.Target(r.d.BaseURL, id)
			t.Store, t.TTL = store, ttl
			out = append(out, t)
		}
	}
	for _, l := range set.Lists {
		if name != JobAll && name != JobLists && name != l.Name {
			continue
		}
		t := l.Target(r.d.BaseURL)
		t.Store = r.d.Stores[datasets.ListNamespace]
		t.TTL = l.TTL
		if t.TTL <= 0 {
			t.TTL = r.d.ListTTL
		}
		out = append(out, t)
	}
	return out, nil
}
