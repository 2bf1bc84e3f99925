// Package backends maps a configured backend kind to a constructor.
// Backend packages register themselves from init; binaries import them for side effects.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/keys"
)

// Options carries everything any backend may need. Each backend reads only its own fields.
type Options struct {
	Namespace string
	Now       func() time.Time
	Logger    *slog.Logger

	RedisAddr   string
	OpTimeout   time.Duration
	MaxEntries  int
	LevelDBPath string
	SQLDSN      string
}

// Prefix is the key prefix HasAny scans for; empty means the whole store.
func (o Options) Prefix() string {
	if o.Namespace == "" {
		return ""
	}
	return keys.Prefix(o.Namespace)
}

type Factory func(ctx context.Context, opts Options) (cache.Store, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a backend available under kind. Registering a kind twice panics.
func Register(kind string, f Factory) {
	kind = normalize(kind)
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("cache backend already registered: " + kind)
	}
	registry[kind] = f
}

// Open builds the backend registered under kind and instruments it.
func Open(ctx context.Context, kind string, opts Options) (cache.Store, error) {
	kind = normalize(kind)
	mu.RLock()
	f, ok := registry[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cache backend %q (registered: %s)", kind, strings.Join(Kinds(), ", "))
	}
	s, err := f(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s backend for namespace %q: %w", kind, opts.Namespace, err)
	}
	return cache.Instrument(s, kind), nil
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
