package cache

import (
	"context"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/core/observability"
)

type instrumented struct {
	Store
	backend string
}

// Instrument wraps s so every operation is recorded under the backend label.
func Instrument(s Store, backend string) Store {
	return &instrumented{Store: s, backend: backend}
}

func (i *instrumented) Get(ctx context.Context, key string) (Entry, error) {
	start := time.Now()
	e, err := i.Store.Get(ctx, key)
	opErr := err
	if IsNotFound(err) {
		opErr = nil
	}
	observability.ObserveCacheOp(i.backend, "get", opErr, time.Since(start).Seconds())
	return e, err
}

func (i *instrumented) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	start := time.Now()
	err := i.Store.Set(ctx, key, payload, ttl)
	observability.ObserveCacheOp(i.backend, "set", err, time.Since(start).Seconds())
	return err
}

func (i *instrumented) HasAny(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := i.Store.HasAny(ctx)
	observability.ObserveCacheOp(i.backend, "has_any", err, time.Since(start).Seconds())
	return ok, err
}

func (i *instrumented) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := i.Store.Del(ctx, keys...)
	observability.ObserveCacheOp(i.backend, "del", err, time.Since(start).Seconds())
	return err
}

// Ping forwards to the wrapped store when it supports it.
func (i *instrumented) Ping(ctx context.Context) error {
	p, ok := i.Store.(Pinger)
	if !ok {
		return nil
	}
	start := time.Now()
	err := p.Ping(ctx)
	observability.ObserveCacheOp(i.backend, "ping", err, time.Since(start).Seconds())
	return err
}
