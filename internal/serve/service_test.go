package serve

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/warmcache/internal/background"
	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/memstore"
	"github.com/mohammed-shakir/warmcache/internal/logger"
	"github.com/mohammed-shakir/warmcache/internal/upstream"
	"github.com/mohammed-shakir/warmcache/internal/warm"
)

type fakeFetcher struct {
	delay time.Duration
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeFetcher) FetchAll(_ context.Context, _ string, reqs []upstream.Request) []upstream.CallResult {
	f.calls.Add(1)
	time.Sleep(f.delay)
	out := make([]upstream.CallResult, len(reqs))
	for i, r := range reqs {
		if f.fail.Load() {
			out[i] = upstream.CallResult{Label: r.Label, Status: 500, Error: "upstream: http 500", Optional: r.Optional}
			continue
		}
		out[i] = upstream.CallResult{Label: r.Label, OK: true, Status: 200, Data: json.RawMessage(`{"url":"` + r.URL + `"}`)}
	}
	return out
}

type fixture struct {
	svc   *Service
	ep    *Endpoint
	f     *fakeFetcher
	store cache.Store
	exec  *background.Executor

	sweeps  atomic.Int32
	release chan struct{}
	sweepFn func(ctx context.Context) error
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	store, err := memstore.New(64, "sector:", nil)
	require.NoError(t, err)
	fx := &fixture{f: &fakeFetcher{delay: delay}, store: store, release: make(chan struct{})}
	fx.exec = background.New(logger.Nop(), 2)
	t.Cleanup(func() { _ = fx.exec.Close(context.Background()) })
	fx.svc = NewService(warm.New(fx.f, warm.Options{Logger: logger.Nop()}), fx.exec, logger.Nop())
	fx.sweepFn = func(ctx context.Context) error {
		fx.sweeps.Add(1)
		select {
		case <-fx.release:
		case <-ctx.Done():
		}
		return nil
	}
	fx.ep = &Endpoint{
		Name:      "sectors",
		Namespace: "sector",
		Store:     store,
		TTL:       time.Hour,
		Target: func(id string) warm.Target {
			return warm.Target{EntityID: id, Key: "sector:" + id, Requests: []upstream.Request{{Label: "sector", URL: "/s/" + id}}}
		},
		Sweep:   func(ctx context.Context) error { return fx.sweepFn(ctx) },
		Trigger: NewTriggerState(),
	}
	return fx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_MissThenHit(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	r1, err := fx.svc.Serve(ctx, fx.ep, "10", "tok")
	require.NoError(t, err)
	assert.False(t, r1.FromCache)
	assert.JSONEq(t, `{"url":"/s/10"}`, string(r1.Payload))

	r2, err := fx.svc.Serve(ctx, fx.ep, "10", "tok")
	require.NoError(t, err)
	assert.True(t, r2.FromCache)
	assert.Equal(t, r1.Payload, r2.Payload)
	assert.Equal(t, int32(1), fx.f.calls.Load())
}

func TestServe_AtMostOneSweepUnderConcurrentColdRequests(t *testing.T) {
	fx := newFixture(t, 20*time.Millisecond)
	const n = 16

	var (
		start sync.WaitGroup
		done  sync.WaitGroup
		okCnt atomic.Int32
	)
	start.Add(1)
	for i := range n {
		done.Add(1)
		go func(id string) {
			defer done.Done()
			start.Wait()
			r, err := fx.svc.Serve(context.Background(), fx.ep, id, "tok")
			if err == nil && len(r.Payload) > 0 {
				okCnt.Add(1)
			}
		}(strconv.Itoa(i))
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int32(n), okCnt.Load(), "every caller gets its own payload")
	waitFor(t, func() bool { return fx.sweeps.Load() >= 1 })
	trig, inProg := fx.ep.Trigger.Snapshot()
	assert.True(t, trig)
	assert.True(t, inProg)

	close(fx.release)
	waitFor(t, func() bool { _, p := fx.ep.Trigger.Snapshot(); return !p })
	assert.Equal(t, int32(1), fx.sweeps.Load())

	trig, _ = fx.ep.Trigger.Snapshot()
	assert.True(t, trig, "a successful sweep keeps triggered set")

	// store is warm now and triggered stays set: no second sweep
	_ = fx.store.Del(context.Background(), "sector:0")
	_, err := fx.svc.Serve(context.Background(), fx.ep, "0", "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fx.sweeps.Load())
}

func TestServe_FailedSweepAllowsRetry(t *testing.T) {
	fx := newFixture(t, 0)
	close(fx.release)
	fx.sweepFn = func(context.Context) error {
		fx.sweeps.Add(1)
		return errors.New("auth failed")
	}
	// failing upstream keeps the store cold
	fx.f.fail.Store(true)

	_, err := fx.svc.Serve(context.Background(), fx.ep, "1", "tok")
	require.ErrorIs(t, err, ErrUpstreamFailed)
	waitFor(t, func() bool { return fx.ep.Trigger.Idle() && fx.sweeps.Load() == 1 })

	_, err = fx.svc.Serve(context.Background(), fx.ep, "2", "tok")
	require.ErrorIs(t, err, ErrUpstreamFailed)
	waitFor(t, func() bool { return fx.sweeps.Load() == 2 })
}

func TestServe_AllOptionalCallsFailingStaysUncached(t *testing.T) {
	fx := newFixture(t, 0)
	fx.ep.Sweep = nil
	fx.ep.Target = func(id string) warm.Target {
		return warm.Target{EntityID: id, Key: "sector:" + id, Requests: []upstream.Request{
			{Label: "sector", URL: "/s/" + id, Optional: true},
			{Label: "metrics", URL: "/m/" + id, Optional: true},
		}}
	}
	fx.f.fail.Store(true)

	for range 2 {
		r, err := fx.svc.Serve(context.Background(), fx.ep, "3", "tok")
		require.ErrorIs(t, err, ErrUpstreamFailed)
		assert.False(t, r.FromCache)
	}
	assert.Equal(t, int32(2), fx.f.calls.Load())
	has, err := fx.store.HasAny(context.Background())
	require.NoError(t, err)
	assert.False(t, has)
}

type brokenStore struct {
	cache.Store
	getErr, setErr error
}

func (b brokenStore) Get(ctx context.Context, key string) (cache.Entry, error) {
	if b.getErr != nil {
		return cache.Entry{}, b.getErr
	}
	return b.Store.Get(ctx, key)
}

func (b brokenStore) Set(ctx context.Context, key string, p []byte, ttl time.Duration) error {
	if b.setErr != nil {
		return b.setErr
	}
	return b.Store.Set(ctx, key, p, ttl)
}

func TestServe_BackendErrorsDegrade(t *testing.T) {
	fx := newFixture(t, 0)
	fx.ep.Sweep = nil
	fx.ep.Store = brokenStore{Store: fx.store, getErr: cache.ErrBackendUnavailable, setErr: cache.ErrBackendUnavailable}

	r, err := fx.svc.Serve(context.Background(), fx.ep, "5", "tok")
	require.NoError(t, err, "store failures must not fail the request")
	assert.False(t, r.FromCache)
	assert.Error(t, r.CacheErr)
	assert.JSONEq(t, `{"url":"/s/5"}`, string(r.Payload))
}

func TestTriggerState(t *testing.T) {
	ts := NewTriggerState()
	assert.True(t, ts.Idle())
	assert.True(t, ts.TryStart())
	assert.False(t, ts.TryStart())

	ts.Finish(false)
	assert.True(t, ts.Idle())
	assert.True(t, ts.TryStart())
	ts.Finish(true)
	trig, inProg := ts.Snapshot()
	assert.True(t, trig)
	assert.False(t, inProg)
	assert.False(t, ts.TryStart())
}

func TestTriggerState_ConcurrentTryStart(t *testing.T) {
	ts := NewTriggerState()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ts.TryStart() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
