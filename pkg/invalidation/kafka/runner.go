// Package kafka consumes invalidation events and drops the named entries from the cache stores.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/keys"
)

var errEmptyEvent = errors.New("event names no key and no ids")

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	stores   map[string]cache.Store
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	onApply  func(ctx context.Context, namespace string, keys []string)
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// OnApply runs after keys were deleted from a namespace.
	OnApply func(ctx context.Context, namespace string, keys []string)
}

// New builds a runner over stores keyed by namespace.
func New(cfg InvalidationConfig, stores map[string]cache.Store, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:     opts.Logger,
		cfg:     cfg,
		stores:  stores,
		ms:      newMetricSet(opts.Register),
		ver:     newVersionDedupe(cfg.DedupeSize),
		assign:  map[int32]struct{}{},
		onApply: opts.OnApply,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if len(r.stores) == 0 {
		return errors.New("kafka runner: at least one store is required")
	}

	cfg, err := r.cfg.saramaConfig()
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage returns an error only for store failures, so the message is redelivered.
// Malformed events are counted and skipped.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	r.ms.observeLag(msg.Partition, msg.Timestamp, start)

	var w WireEvent
	if err := json.Unmarshal(msg.Value, &w); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("invalidation event skipped", "offset", msg.Offset, "err", err)
		return nil
	}
	err := r.applyWire(ctx, w)
	if errors.Is(err, errEmptyEvent) {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("invalidation event skipped", "offset", msg.Offset, "err", err)
		return nil
	}
	r.observe(w.Op, err, time.Since(start))
	return err
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

// applyWire groups the event's keys by namespace and deletes the ones whose version is new.
func (r *Runner) applyWire(ctx context.Context, w WireEvent) error {
	byNS := map[string][]string{}
	switch {
	case w.Key != "":
		ns := keys.Namespace(w.Key)
		byNS[ns] = append(byNS[ns], w.Key)
	case w.Namespace != "" && len(w.IDs) > 0:
		for _, id := range w.IDs {
			byNS[w.Namespace] = append(byNS[w.Namespace], keys.Key(w.Namespace, id))
		}
	default:
		return errEmptyEvent
	}

	for ns, ks := range byNS {
		store, ok := r.stores[ns]
		if !ok {
			r.ms.apply.WithLabelValues(ns, "skip_namespace").Add(float64(len(ks)))
			continue
		}
		todo := ks[:0:0]
		for _, k := range ks {
			if !r.ver.shouldApply(k, w.Version) {
				r.ms.apply.WithLabelValues(ns, "skip_version").Inc()
				continue
			}
			todo = append(todo, k)
		}
		if len(todo) == 0 {
			continue
		}
		if err := store.Del(ctx, todo...); err != nil {
			return fmt.Errorf("del %s (%d keys): %w", ns, len(todo), err)
		}
		r.ms.applied(ns, len(todo), time.Now())
		if r.onApply != nil {
			r.onApply(ctx, ns, todo)
		}
	}
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
