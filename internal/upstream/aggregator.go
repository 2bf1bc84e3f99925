package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/core/observability"
	"github.com/mohammed-shakir/warmcache/internal/logger"
)

const (
	maxBodyBytes  = 32 << 20
	errBodyPrefix = 512
)

// Policy bounds every call. Values are expected to be clamped by configuration.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

type Aggregator struct {
	client *http.Client
	policy Policy
	apiKey string
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Aggregator)

// WithAPIKey sends key in the apikey header on every call.
func WithAPIKey(key string) Option {
	return func(a *Aggregator) { a.apiKey = key }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

func New(client *http.Client, policy Policy, opts ...Option) *Aggregator {
	if client == nil {
		client = http.DefaultClient
	}
	a := &Aggregator{
		client: client,
		policy: policy,
		log:    slog.Default(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) Policy() Policy { return a.policy }

// FetchAll issues every request concurrently and waits for all of them.
// Results are in request order. It never returns an error; failures live in each CallResult.
func (a *Aggregator) FetchAll(ctx context.Context, token string, reqs []Request) []CallResult {
	out := make([]CallResult, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = a.Fetch(ctx, token, reqs[i])
		}(i)
	}
	wg.Wait()
	return out
}

// Fetch runs one request with the retry policy.
func (a *Aggregator) Fetch(ctx context.Context, token string, req Request) CallResult {
	start := time.Now()
	res := CallResult{Label: req.Label, Optional: req.Optional}

	var (
		data   json.RawMessage
		status int
		err    error
	)
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		data, status, err = a.attempt(ctx, token, req.URL)
		if err == nil || !retryable(err) || attempt >= a.policy.MaxRetries {
			break
		}
		observability.IncUpstreamRetry(req.Label)
		a.log.DebugContext(ctx, "upstream retry",
			"label", req.Label, "attempt", res.Attempts, "err", err)
		if serr := a.sleep(ctx, a.policy.Backoff); serr != nil {
			err = fmt.Errorf("upstream %s: %w", req.Label, serr)
			break
		}
	}

	res.Status = status
	res.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		res.err = err
		res.Error = err.Error()
		res.ErrorKind = kindOf(err)
		observability.ObserveUpstream(req.Label, res.ErrorKind, time.Since(start).Seconds())
		a.log.WarnContext(ctx, "upstream call failed",
			"label", req.Label, "status", status, "kind", res.ErrorKind,
			"attempts", res.Attempts, "elapsed_ms", res.ElapsedMs, "err", err)
		return res
	}
	res.OK = true
	res.Data = data
	observability.ObserveUpstream(req.Label, "ok", time.Since(start).Seconds())
	return res
}

func (a *Aggregator) attempt(ctx context.Context, token, url string) (json.RawMessage, int, error) {
	actx, cancel := context.WithTimeout(ctx, a.policy.Timeout)
	defer cancel()

	r, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	r.Header.Set("Accept", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if a.apiKey != "" {
		r.Header.Set("apikey", a.apiKey)
	}
	if rid := logger.RequestID(ctx); rid != "" {
		r.Header.Set("X-Request-ID", rid)
	}

	resp, err := a.client.Do(r)
	if err != nil {
		return nil, 0, classify(ctx, actx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, classify(ctx, actx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &HTTPError{Status: resp.StatusCode, Body: snippet(body)}
	}
	if !json.Valid(body) {
		return nil, resp.StatusCode, ErrInvalidBody
	}
	return json.RawMessage(body), resp.StatusCode, nil
}

// classify separates our own timer firing from caller cancellation and transport errors.
func classify(parent, attempt context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("upstream: %w", parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func snippet(b []byte) string {
	if len(b) > errBodyPrefix {
		b = b[:errBodyPrefix]
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
