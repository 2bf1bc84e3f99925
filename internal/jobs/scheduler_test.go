package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_RunsOncePerLocalDay(t *testing.T) {
	fx := newFixture(t)
	s := NewScheduler(fx.runner, time.Minute, "lists")
	ctx := context.Background()

	assert.Empty(t, s.Tick(ctx, offHour), "outside the hour nothing runs")

	assert.Len(t, s.Tick(ctx, atHour), 1)
	calls := fx.f.calls.Load()

	assert.Empty(t, s.Tick(ctx, atHour.Add(20*time.Minute)), "same day must not rerun")
	assert.Equal(t, calls, fx.f.calls.Load())

	assert.Len(t, s.Tick(ctx, atHour.Add(24*time.Hour)), 1)
}

func TestScheduler_RetriesAfterHardFailure(t *testing.T) {
	fx := newFixture(t)
	fx.creds.token = ""
	s := NewScheduler(fx.runner, time.Minute)
	ctx := context.Background()

	assert.Empty(t, s.Tick(ctx, atHour))

	fx.creds.token = "svc"
	assert.Len(t, s.Tick(ctx, atHour.Add(10*time.Minute)), 1)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	fx := newFixture(t)
	s := NewScheduler(fx.runner, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
