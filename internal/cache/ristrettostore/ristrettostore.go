// Package ristrettostore is the admission-controlled in-process backend.
package ristrettostore

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
)

const Kind = "ristretto"

const defaultMaxEntries = 10_000

func init() {
	backends.Register(Kind, func(_ context.Context, o backends.Options) (cache.Store, error) {
		return New(o.MaxEntries, o.Now)
	})
}

// Store keeps a side index of written keys because ristretto cannot be iterated.
type Store struct {
	c   *ristretto.Cache[string, cache.Entry]
	now func() time.Time

	mu      sync.Mutex
	written map[string]time.Time
}

var _ cache.Store = (*Store)(nil)

func New(maxEntries int, now func() time.Time) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, cache.Entry]{
		NumCounters:        int64(maxEntries) * 10,
		MaxCost:            int64(maxEntries),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ristretto cache")
	}
	return &Store{c: c, now: cache.Clock(now), written: map[string]time.Time{}}, nil
}

func (s *Store) Get(_ context.Context, key string) (cache.Entry, error) {
	e, ok := s.c.Get(key)
	if !ok {
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "ristretto get %q", key)
	}
	if e.Expired(s.now()) {
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "ristretto get %q: expired", key)
	}
	return e, nil
}

// Set reports success even when the admission policy drops the write; the next read is a miss.
func (s *Store) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	e, err := cache.NewEntry(key, payload, ttl, s.now())
	if err != nil {
		return err
	}
	if s.c.SetWithTTL(key, e, 1, ttl) {
		s.c.Wait()
		s.mu.Lock()
		s.written[key] = e.ExpiresAt
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) HasAny(_ context.Context) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.written {
		if now.After(exp) {
			delete(s.written, k)
			continue
		}
		if _, ok := s.c.Get(k); ok {
			return true, nil
		}
		delete(s.written, k)
	}
	return false, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.c.Del(k)
	}
	s.c.Wait()
	s.mu.Lock()
	for _, k := range keys {
		delete(s.written, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.c.Close()
	return nil
}
