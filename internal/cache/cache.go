// Package cache defines the store contract shared by every cache backend.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when a key was never written or has expired.
	ErrNotFound = errors.New("cache: key not found")
	// ErrBackendUnavailable marks failures talking to the backing store.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")
	// ErrInvalidTTL is returned by Set for a non-positive ttl.
	ErrInvalidTTL = errors.New("cache: ttl must be positive")
)

// Entry is one cached snapshot. Entries are replaced wholesale, never mutated.
type Entry struct {
	Key       string
	Payload   []byte
	WrittenAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether a read at now must treat the entry as absent.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Age is how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}

type Store interface {
	// Get returns ErrNotFound for absent or expired keys.
	Get(ctx context.Context, key string) (Entry, error)
	// Set replaces key atomically; readers see the old or the new payload, never a mix.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// HasAny reports whether the store holds at least one live entry for its namespace.
	HasAny(ctx context.Context) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// Pinger is implemented by remote backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewEntry builds an entry written at now. The payload is copied so callers may reuse their buffer.
func NewEntry(key string, payload []byte, ttl time.Duration, now time.Time) (Entry, error) {
	if ttl <= 0 {
		return Entry{}, ErrInvalidTTL
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return Entry{
		Key:       key,
		Payload:   p,
		WrittenAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
