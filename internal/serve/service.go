// Package serve is the request-time read path: serve from cache, fetch on miss, and start
// one background sweep when the whole dataset looks cold.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/warmcache/internal/background"
	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/core/observability"
	"github.com/mohammed-shakir/warmcache/internal/logger"
	"github.com/mohammed-shakir/warmcache/internal/warm"
)

// ErrUpstreamFailed means no upstream call for the entity succeeded and nothing was cached.
var ErrUpstreamFailed = errors.New("serve: upstream failed")

// Endpoint is one servable dataset.
type Endpoint struct {
	Name      string
	Namespace string
	Store     cache.Store
	TTL       time.Duration
	// Target expands an id; Store and TTL are applied by the service.
	Target func(id string) warm.Target
	// Sweep warms the whole dataset. Nil disables the cold trigger.
	Sweep   func(ctx context.Context) error
	Trigger *TriggerState
}

type Response struct {
	Payload   json.RawMessage
	FromCache bool
	// CacheMs is the time spent on the cache read for a hit.
	CacheMs  int64
	Partial  bool
	Age      time.Duration
	Swept    bool
	CacheErr error
}

type Service struct {
	warmer *warm.Warmer
	exec   *background.Executor
	log    *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

func NewService(w *warm.Warmer, exec *background.Executor, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{warmer: w, exec: exec, log: log, now: time.Now}
}

// Serve returns id from ep's cache, or fetches, caches and returns it. A store read error
// counts as a miss; a store write error is logged and the payload is still returned.
func (s *Service) Serve(ctx context.Context, ep *Endpoint, id, token string) (Response, error) {
	t := ep.Target(id)
	t.Store, t.TTL = ep.Store, ep.TTL

	start := time.Now()
	e, err := ep.Store.Get(ctx, t.Key)
	cacheMs := time.Since(start).Milliseconds()
	switch {
	case err == nil:
		observability.IncCacheHit(ep.Namespace)
		return Response{Payload: e.Payload, FromCache: true, CacheMs: cacheMs, Age: e.Age(s.now())}, nil
	case !cache.IsNotFound(err):
		s.log.WarnContext(ctx, "cache read failed, fetching upstream", "key", t.Key, "err", err)
	}
	observability.IncCacheMiss(ep.Namespace)
	ctx = logger.WithCacheStatus(ctx, "miss")

	cold := s.looksCold(ctx, ep)

	v, _, _ := s.group.Do(t.Key, func() (any, error) {
		// shared by every waiter, so it must not die with the first caller's request
		return s.warmer.WarmOne(context.WithoutCancel(ctx), token, t), nil
	})
	r := v.(warm.Result)

	resp := Response{Payload: r.Payload, Partial: r.Partial}
	if r.CacheError != "" {
		resp.CacheErr = errors.New(r.CacheError)
	}
	if cold {
		resp.Swept = s.TriggerBackgroundWarmIfCold(ctx, ep)
	}
	if r.Payload == nil {
		return resp, fmt.Errorf("%w: %s %s", ErrUpstreamFailed, ep.Name, id)
	}
	return resp, nil
}

// looksCold is checked before the miss is filled, otherwise the caller's own write would hide a cold store.
func (s *Service) looksCold(ctx context.Context, ep *Endpoint) bool {
	if ep.Sweep == nil || ep.Trigger == nil || !ep.Trigger.Idle() {
		return false
	}
	has, err := ep.Store.HasAny(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "cache has-any failed", "endpoint", ep.Name, "err", err)
		return false
	}
	return !has
}

// TriggerBackgroundWarmIfCold starts ep.Sweep on the background executor unless a sweep
// already started this process lifetime or is running. Only one concurrent caller wins.
func (s *Service) TriggerBackgroundWarmIfCold(ctx context.Context, ep *Endpoint) bool {
	if ep.Sweep == nil || ep.Trigger == nil {
		return false
	}
	if !ep.Trigger.TryStart() {
		observability.IncSweepTrigger("already_triggered")
		return false
	}
	log := s.log.With("endpoint", ep.Name)
	// set before Go so a fast sweep's reset cannot be overwritten
	observability.SetSweepInProgress(ep.Name, true)
	started := s.exec.Go("cold-sweep:"+ep.Name, ep.Sweep, func(err error) {
		observability.SetSweepInProgress(ep.Name, false)
		ep.Trigger.Finish(err == nil)
		if err != nil {
			log.Error("background sweep failed; next cold request may retry", "err", err)
			return
		}
		log.Info("background sweep finished")
	})
	if !started {
		observability.SetSweepInProgress(ep.Name, false)
		ep.Trigger.Finish(false)
		observability.IncSweepTrigger("rejected")
		return false
	}
	observability.IncSweepTrigger("started")
	log.InfoContext(ctx, "cold cache, background sweep started")
	return true
}
