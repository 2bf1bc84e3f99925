// Package bigstore is the GC-friendly in-process backend for large warm sets.
package bigstore

import (
	"context"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/pkg/errors"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
)

const Kind = "bigcache"

// longest TTL the service accepts; per-entry expiry is checked from the envelope
const lifeWindow = 72 * time.Hour

func init() {
	backends.Register(Kind, func(ctx context.Context, o backends.Options) (cache.Store, error) {
		return New(ctx, o.MaxEntries, o.Prefix(), o.Now)
	})
}

type Store struct {
	c      *bigcache.BigCache
	prefix string
	now    func() time.Time
}

var _ cache.Store = (*Store)(nil)

func New(ctx context.Context, maxEntries int, prefix string, now func() time.Time) (*Store, error) {
	cfg := bigcache.DefaultConfig(lifeWindow)
	cfg.CleanWindow = 5 * time.Minute
	if maxEntries > 0 {
		cfg.MaxEntriesInWindow = maxEntries
	}
	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bigcache")
	}
	return &Store{c: c, prefix: prefix, now: cache.Clock(now)}, nil
}

func (s *Store) Get(_ context.Context, key string) (cache.Entry, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "bigcache get %q", key)
	}
	if err != nil {
		return cache.Entry{}, errors.Wrapf(err, "failed to get value from bigcache for key: %s", key)
	}
	e, err := cache.Decode(b)
	if err != nil {
		return cache.Entry{}, errors.Wrapf(err, "bigcache get %q", key)
	}
	if e.Expired(s.now()) {
		_ = s.c.Delete(key)
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "bigcache get %q: expired", key)
	}
	return e, nil
}

func (s *Store) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	e, err := cache.NewEntry(key, payload, ttl, s.now())
	if err != nil {
		return err
	}
	b, err := cache.Encode(e)
	if err != nil {
		return err
	}
	if err := s.c.Set(key, b); err != nil {
		return errors.Wrapf(err, "failed to set value in bigcache for key: %s", key)
	}
	return nil
}

func (s *Store) HasAny(_ context.Context) (bool, error) {
	if s.c.Len() == 0 {
		return false, nil
	}
	now := s.now()
	it := s.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if !strings.HasPrefix(info.Key(), s.prefix) {
			continue
		}
		e, err := cache.Decode(info.Value())
		if err == nil && !e.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		if err := s.c.Delete(k); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return errors.Wrapf(err, "failed to delete value from bigcache for key: %s", k)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.c.Close(), "failed to close bigcache")
}
