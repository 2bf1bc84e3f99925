// Package warmevents publishes one Kafka message per finished warm sweep.
package warmevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/warmcache/internal/warm"
)

// Event is the wire form of a sweep summary.
type Event struct {
	warm.Summary
	Outcome string    `json:"outcome"`
	Host    string    `json:"host,omitempty"`
	TS      time.Time `json:"ts"`
}

type Publisher struct {
	topic   string
	host    string
	log     *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(brokers []string, topic, host string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("warmevents: create async producer: %w", err)
	}
	return newPublisher(prod, topic, host, queueSize, log), nil
}

func newPublisher(prod sarama.AsyncProducer, topic, host string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		host:    host,
		log:     log,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("warmevents: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Job),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("warmevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues s without blocking. A full queue drops the event.
func (p *Publisher) Publish(_ context.Context, s warm.Summary) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- Event{Summary: s, Outcome: s.Outcome(), Host: p.host, TS: time.Now().UTC()}:
	default:
		p.log.Warn("warmevents: queue full, dropping event", "job", s.Job)
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("warmevents: close producer: %w", err)
	}
	return nil
}
