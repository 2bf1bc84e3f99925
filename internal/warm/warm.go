// Package warm drives the upstream aggregator over many targets with a fixed pool of workers
// and writes each finished aggregate to its cache store.
package warm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/core/observability"
	"github.com/mohammed-shakir/warmcache/internal/upstream"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 8
)

// Target is one cache key and the calls that populate it.
type Target struct {
	EntityID string
	Key      string
	Requests []upstream.Request
	TTL      time.Duration
	// Store receives the payload when every required call succeeded. Nil skips the write.
	Store cache.Store
}

type Result struct {
	EntityID    string                `json:"entityId"`
	Key         string                `json:"key,omitempty"`
	Succeeded   bool                  `json:"succeeded"`
	Partial     bool                  `json:"partial"`
	Skipped     bool                  `json:"skipped,omitempty"`
	Cached      bool                  `json:"cached"`
	CacheError  string                `json:"cacheError,omitempty"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	CallResults []upstream.CallResult `json:"callResults"`
	ElapsedMs   int64                 `json:"elapsedMs"`
}

// Outcome is the metric label for r.
func (r Result) Outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Succeeded:
		return "ok"
	case r.Partial:
		return "partial"
	default:
		return "failed"
	}
}

// Fetcher is satisfied by *upstream.Aggregator.
type Fetcher interface {
	FetchAll(ctx context.Context, token string, reqs []upstream.Request) []upstream.CallResult
}

type Options struct {
	Concurrency int
	// Delay is slept by each worker between targets.
	Delay  time.Duration
	Logger *slog.Logger
}

type Warmer struct {
	fetch       Fetcher
	concurrency int
	delay       time.Duration
	log         *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(f Fetcher, o Options) *Warmer {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Warmer{
		fetch:       f,
		concurrency: ClampConcurrency(o.Concurrency),
		delay:       o.Delay,
		log:         l,
		sleep:       sleepCtx,
	}
}

func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

func (w *Warmer) Concurrency() int { return w.concurrency }

// Aggregate fetches t's calls and folds them into a Result without touching the cache.
func (w *Warmer) Aggregate(ctx context.Context, token string, t Target) Result {
	start := time.Now()
	calls := w.fetch.FetchAll(ctx, token, t.Requests)
	r := Fold(t, calls)
	r.ElapsedMs = time.Since(start).Milliseconds()
	return r
}

// WarmOne aggregates t and writes the payload when it succeeded. Write failures are
// recorded on the result, never returned.
func (w *Warmer) WarmOne(ctx context.Context, token string, t Target) Result {
	r := w.Aggregate(ctx, token, t)
	if !r.Succeeded || len(r.Payload) == 0 || t.Store == nil {
		return r
	}
	if err := t.Store.Set(ctx, t.Key, r.Payload, t.TTL); err != nil {
		r.CacheError = err.Error()
		w.log.WarnContext(ctx, "cache write failed", "key", t.Key, "err", err)
		return r
	}
	r.Cached = true
	return r
}

// WarmAll runs targets through the pool. Workers pull from one shared cursor so at most
// Concurrency targets are in flight. The result slice is indexed like targets; targets
// never reached because ctx ended are marked Skipped.
func (w *Warmer) WarmAll(ctx context.Context, token, job string, targets []Target) []Result {
	n := len(targets)
	results := make([]Result, n)
	done := make([]bool, n)
	if n == 0 {
		return results
	}

	workers := min(w.concurrency, n)
	var (
		next atomic.Int64
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				r := w.WarmOne(ctx, token, targets[i])
				results[i] = r
				done[i] = true
				observability.ObserveWarmTarget(job, r.Outcome())
				if !r.Succeeded {
					w.log.InfoContext(ctx, "warm target incomplete",
						"entity_id", r.EntityID, "outcome", r.Outcome(), "elapsed_ms", r.ElapsedMs)
				}
				if int(next.Load()) >= n {
					return
				}
				if err := w.sleep(ctx, w.delay); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := range results {
		if !done[i] {
			results[i] = Result{EntityID: targets[i].EntityID, Key: targets[i].Key, Skipped: true}
			observability.ObserveWarmTarget(job, "skipped")
		}
	}
	return results
}

// Fold classifies call results. Succeeded means at least one call and every required call
// is ok; partial means some but not all calls are ok. The payload keeps only ok calls.
func Fold(t Target, calls []upstream.CallResult) Result {
	r := Result{EntityID: t.EntityID, Key: t.Key, CallResults: calls}
	ok, failed, requiredFailed := 0, 0, 0
	for _, c := range calls {
		if c.OK {
			ok++
			continue
		}
		failed++
		if !c.Optional {
			requiredFailed++
		}
	}
	r.Succeeded = ok > 0 && requiredFailed == 0
	r.Partial = ok > 0 && failed > 0
	if ok > 0 {
		r.Payload = composePayload(calls)
	}
	return r
}

// a single call is stored as-is; several are keyed by label
func composePayload(calls []upstream.CallResult) json.RawMessage {
	if len(calls) == 1 {
		return calls[0].Data
	}
	obj := make(map[string]json.RawMessage, len(calls))
	for _, c := range calls {
		if c.OK {
			obj[c.Label] = c.Data
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
