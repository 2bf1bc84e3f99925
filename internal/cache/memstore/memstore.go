// Package memstore is the in-process LRU backend.
package memstore

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
)

const Kind = "memory"

const defaultMaxEntries = 10_000

func init() {
	backends.Register(Kind, func(_ context.Context, o backends.Options) (cache.Store, error) {
		return New(o.MaxEntries, o.Prefix(), o.Now)
	})
}

type Store struct {
	lru    *lru.Cache[string, cache.Entry]
	prefix string
	now    func() time.Time
}

var _ cache.Store = (*Store)(nil)

// New returns an LRU store holding at most maxEntries; prefix scopes HasAny.
func New(maxEntries int, prefix string, now func() time.Time) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	l, err := lru.New[string, cache.Entry](maxEntries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create lru")
	}
	return &Store{lru: l, prefix: prefix, now: cache.Clock(now)}, nil
}

func (s *Store) Get(_ context.Context, key string) (cache.Entry, error) {
	e, ok := s.lru.Get(key)
	if !ok {
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "memory get %q", key)
	}
	if e.Expired(s.now()) {
		s.lru.Remove(key)
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "memory get %q: expired", key)
	}
	return e, nil
}

func (s *Store) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	e, err := cache.NewEntry(key, payload, ttl, s.now())
	if err != nil {
		return err
	}
	s.lru.Add(key, e)
	return nil
}

func (s *Store) HasAny(_ context.Context) (bool, error) {
	now := s.now()
	for _, k := range s.lru.Keys() {
		if !strings.HasPrefix(k, s.prefix) {
			continue
		}
		if e, ok := s.lru.Peek(k); ok && !e.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.lru.Remove(k)
	}
	return nil
}

func (s *Store) Len() int { return s.lru.Len() }

func (s *Store) Close() error {
	s.lru.Purge()
	return nil
}
