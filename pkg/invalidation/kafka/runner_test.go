package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/memstore"
)

type failingStore struct {
	cache.Store
	mu  sync.Mutex
	del []string
	err error
}

func (f *failingStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	f.del = append(f.del, keys...)
	f.mu.Unlock()
	return f.err
}

func message(t *testing.T, w WireEvent) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func newStore(t *testing.T, prefix string) cache.Store {
	t.Helper()
	s, err := memstore.New(32, prefix, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWireEvent_DeletesIDsFromNamespace(t *testing.T) {
	ctx := context.Background()
	sector := newStore(t, "sector:")
	for _, k := range []string{"sector:1", "sector:2", "sector:3"} {
		if err := sector.Set(ctx, k, []byte(`{}`), time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	var applied []string
	r := New(InvalidationConfig{Enabled: true, Driver: DriverKafka}, map[string]cache.Store{"sector": sector}, Options{
		Register: prometheus.NewRegistry(),
		OnApply:  func(_ context.Context, _ string, ks []string) { applied = append(applied, ks...) },
	})

	if err := r.handleMessage(ctx, message(t, WireEvent{Namespace: "sector", IDs: []string{"1", "3"}, Version: 1, Op: "update"})); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	for k, want := range map[string]bool{"sector:1": false, "sector:2": true, "sector:3": false} {
		_, err := sector.Get(ctx, k)
		if got := err == nil; got != want {
			t.Fatalf("%s present=%v want %v", k, got, want)
		}
	}
	if len(applied) != 2 {
		t.Fatalf("applied=%v", applied)
	}
}

func TestMetrics_DeleteAndLagAreScraped(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(InvalidationConfig{}, map[string]cache.Store{"sector": newStore(t, "sector:")}, Options{Register: reg})

	msg := message(t, WireEvent{Namespace: "sector", IDs: []string{"1", "2"}, Op: "delete"})
	msg.Partition = 3
	msg.Timestamp = time.Now().Add(-2 * time.Second)
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(r.ms.apply.WithLabelValues("sector", "delete")); got != 2 {
		t.Fatalf("delete=%v want 2", got)
	}
	if got := testutil.ToFloat64(r.ms.lag.WithLabelValues("3")); got < 2 {
		t.Fatalf("lag=%v want >= 2s", got)
	}
	if got := testutil.ToFloat64(r.ms.lastApplied.WithLabelValues("sector")); got <= 0 {
		t.Fatalf("last applied=%v", got)
	}
	n, err := testutil.GatherAndCount(reg,
		"warmcache_invalidation_messages_total",
		"warmcache_invalidation_keys_total",
		"warmcache_invalidation_lag_seconds",
		"warmcache_invalidation_last_applied_timestamp_seconds",
	)
	if err != nil || n != 4 {
		t.Fatalf("gathered=%d err=%v", n, err)
	}
}

func TestWireEvent_KeyRoutesByNamespace(t *testing.T) {
	ctx := context.Background()
	list := newStore(t, "list:")
	if err := list.Set(ctx, "list:companies", []byte(`[]`), time.Hour); err != nil {
		t.Fatal(err)
	}
	r := New(InvalidationConfig{}, map[string]cache.Store{"list": list}, Options{Register: prometheus.NewRegistry()})

	if err := r.handleMessage(ctx, message(t, WireEvent{Key: "list:companies"})); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if _, err := list.Get(ctx, "list:companies"); !cache.IsNotFound(err) {
		t.Fatalf("expected deleted, err=%v", err)
	}
}

func TestWireEvent_VersionDedupe(t *testing.T) {
	fs := &failingStore{}
	reg := prometheus.NewRegistry()
	r := New(InvalidationConfig{}, map[string]cache.Store{"sector": fs}, Options{Register: reg})
	ctx := context.Background()

	ev := WireEvent{Namespace: "sector", IDs: []string{"9"}, Version: 4}
	for range 2 {
		if err := r.handleMessage(ctx, message(t, ev)); err != nil {
			t.Fatal(err)
		}
	}
	ev.Version = 3
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatal(err)
	}
	if len(fs.del) != 1 {
		t.Fatalf("deletes=%v want one", fs.del)
	}
	if got := testutil.ToFloat64(r.ms.apply.WithLabelValues("sector", "skip_version")); got != 2 {
		t.Fatalf("skip_version=%v want 2", got)
	}

	// unversioned events always apply
	for range 2 {
		if err := r.handleMessage(ctx, message(t, WireEvent{Namespace: "sector", IDs: []string{"9"}})); err != nil {
			t.Fatal(err)
		}
	}
	if len(fs.del) != 3 {
		t.Fatalf("deletes=%v want three", fs.del)
	}
}

func TestHandleMessage_SkipsMalformedButRetriesStoreErrors(t *testing.T) {
	fs := &failingStore{err: errors.New("redis down")}
	r := New(InvalidationConfig{}, map[string]cache.Store{"sector": fs}, Options{Register: prometheus.NewRegistry()})
	ctx := context.Background()

	if err := r.handleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{not json")}); err != nil {
		t.Fatalf("malformed must be skipped, got %v", err)
	}
	if err := r.handleMessage(ctx, message(t, WireEvent{Op: "update"})); err != nil {
		t.Fatalf("empty event must be skipped, got %v", err)
	}
	if err := r.handleMessage(ctx, message(t, WireEvent{Namespace: "sector", IDs: []string{"1"}})); err == nil {
		t.Fatal("store failure must surface for redelivery")
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("invalid")); got != 2 {
		t.Fatalf("invalid=%v want 2", got)
	}
}

func TestWireEvent_UnknownNamespaceIsIgnored(t *testing.T) {
	fs := &failingStore{}
	r := New(InvalidationConfig{}, map[string]cache.Store{"sector": fs}, Options{Register: prometheus.NewRegistry()})
	if err := r.handleMessage(context.Background(), message(t, WireEvent{Namespace: "fund", IDs: []string{"1"}})); err != nil {
		t.Fatal(err)
	}
	if len(fs.del) != 0 {
		t.Fatalf("del=%v", fs.del)
	}
}

func TestReadiness_NotReadyBeforeAssignment(t *testing.T) {
	r := New(InvalidationConfig{}, nil, Options{})
	if ok, parts := r.Readiness(); ok || parts != nil {
		t.Fatalf("ready=%v parts=%v", ok, parts)
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(InvalidationConfig{Driver: DriverNone}, nil, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Stop()
}
