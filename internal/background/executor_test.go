package background

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/logger"
)

func TestGo_RunsAndReportsCompletion(t *testing.T) {
	e := New(logger.Nop(), 2)
	done := make(chan error, 1)
	boom := errors.New("boom")

	if !e.Go("t", func(context.Context) error { return boom }, func(err error) { done <- err }) {
		t.Fatal("Go returned false")
	}
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("onDone not called")
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestGo_RecoversPanics(t *testing.T) {
	e := New(logger.Nop(), 1)
	done := make(chan error, 1)
	e.Go("p", func(context.Context) error { panic("kaboom") }, func(err error) { done <- err })

	if err := <-done; err == nil {
		t.Fatal("panic should surface as an error")
	}
	_ = e.Close(context.Background())
}

func TestGo_SaturatedAndClosed(t *testing.T) {
	e := New(logger.Nop(), 1)
	release := make(chan struct{})
	if !e.Go("long", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, nil) {
		t.Fatal("first Go rejected")
	}
	if e.Go("second", func(context.Context) error { return nil }, nil) {
		t.Fatal("second Go should be rejected while the only slot is busy")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Go("late", func(context.Context) error { return nil }, nil) {
		t.Fatal("Go after Close must be rejected")
	}
}

func TestClose_CancelsTaskContext(t *testing.T) {
	e := New(logger.Nop(), 1)
	done := make(chan error, 1)
	e.Go("wait", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { done <- err })

	if err := e.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}
