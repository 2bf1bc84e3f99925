// Package background runs tracked fire-and-forget tasks that outlive the request that started them.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type Executor struct {
	log    *slog.Logger
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New allows up to slots tasks at once.
func New(log *slog.Logger, slots int) *Executor {
	if slots <= 0 {
		slots = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		log:    log,
		sem:    make(chan struct{}, slots),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go starts fn with the executor's context and calls onDone with its error, or with a
// recovered panic as an error. It returns false without running anything when all slots
// are busy or the executor is closed.
func (e *Executor) Go(name string, fn func(ctx context.Context) error, onDone func(error)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	select {
	case e.sem <- struct{}{}:
	default:
		e.mu.Unlock()
		e.log.Warn("background executor saturated", "task", name)
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()

		err := e.run(name, fn)
		if onDone != nil {
			onDone(err)
		}
	}()
	return true
}

func (e *Executor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("background task panic", "task", name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("background task %s panicked: %v", name, p)
		}
	}()
	return fn(e.ctx)
}

// Close cancels running tasks and waits for them until ctx ends.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background executor close: %w", ctx.Err())
	}
}
