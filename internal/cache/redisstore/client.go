// Package redisstore is the shared Redis backend.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
	"github.com/mohammed-shakir/warmcache/internal/core/observability"
)

const Kind = "redis"

const scanBatch = 100

func init() {
	backends.Register(Kind, func(ctx context.Context, o backends.Options) (cache.Store, error) {
		return New(ctx, o.RedisAddr,
			WithPrefix(o.Prefix()),
			WithOpTimeout(o.OpTimeout),
			WithClock(o.Now),
		)
	})
}

type settings struct {
	redis     redis.Options
	prefix    string
	opTimeout time.Duration
	now       func() time.Time
}

type Option func(*settings)

func WithPoolSize(n int) Option {
	return func(s *settings) { s.redis.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(s *settings) { s.redis.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) { s.redis.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(s *settings) { s.redis.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) { s.redis.WriteTimeout = d }
}

// WithPrefix scopes HasAny to keys starting with p.
func WithPrefix(p string) Option {
	return func(s *settings) { s.prefix = p }
}

// WithOpTimeout bounds every call that arrives without an earlier deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

type Client struct {
	rdb       *redis.Client
	prefix    string
	opTimeout time.Duration
	now       func() time.Time
}

var (
	_ cache.Store  = (*Client)(nil)
	_ cache.Pinger = (*Client)(nil)
)

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	s := &settings{
		redis: redis.Options{
			Addr:         addr,
			PoolSize:     64,
			MinIdleConns: 4,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			MaintNotificationsConfig: &maintnotifications.Config{
				Mode: maintnotifications.ModeDisabled,
			},
		},
		opTimeout: 2 * time.Second,
	}
	for _, f := range opts {
		f(s)
	}

	rdb := redis.NewClient(&s.redis)
	c := &Client{rdb: rdb, prefix: s.prefix, opTimeout: s.opTimeout, now: cache.Clock(s.now)}

	start := time.Now()
	err := c.Ping(ctx)
	observability.ObserveCacheOp(Kind, "ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, cache.ErrBackendUnavailable, err)
}

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (cache.Entry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Entry{}, fmt.Errorf("redis GET %q: %w", key, cache.ErrNotFound)
	}
	if err != nil {
		return cache.Entry{}, unavailable(fmt.Sprintf("GET %q", key), err)
	}
	e, err := cache.Decode(b)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("redis GET %q: %w", key, err)
	}
	// native TTL already evicts; this covers an injected clock
	if e.Expired(c.now()) {
		return cache.Entry{}, fmt.Errorf("redis GET %q: expired: %w", key, cache.ErrNotFound)
	}
	return e, nil
}

func (c *Client) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	e, err := cache.NewEntry(key, payload, ttl, c.now())
	if err != nil {
		return err
	}
	b, err := cache.Encode(e)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return unavailable(fmt.Sprintf("SET %q", key), err)
	}
	return nil
}

// HasAny scans for a single live key under the prefix.
func (c *Client) HasAny(ctx context.Context) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	it := c.rdb.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	found := it.Next(ctx)
	if err := it.Err(); err != nil {
		return false, unavailable("SCAN", err)
	}
	return found, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable(fmt.Sprintf("DEL %d keys", len(keys)), err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
