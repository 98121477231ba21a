// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/rcd/internal/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var busDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rc_bus_dropped_total",
		Help: "Messages dropped because publish could not complete",
	},
	[]string{"topic", "reason"},
)

// MemoryBus is an in-process pub/sub. It backs single-node deployments
// and every unit test; the redis bus replaces it when sessions must span
// processes.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	closed bool
}

const dropLogEvery = 100

var dropCount atomic.Uint64

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memSub)}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	// Each snapshotted subscriber holds an in-flight count until its send
	// resolves; memSub.Close waits for that count before closing the
	// channel, and its done signal releases any blocked send here.
	b.mu.RLock()
	subs := append([]*memSub(nil), b.subs[topic]...)
	for _, s := range subs {
		s.inFlight.Add(1)
	}
	b.mu.RUnlock()
	for i, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			for _, rest := range subs[i:] {
				rest.inFlight.Done()
			}
			reason := publishDropReason(ctx.Err())
			busDropped.WithLabelValues(topic, reason).Inc()
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				log.L().Warn().
					Str(log.FieldTopic, topic).
					Str("reason", reason).
					Uint64("dropped", count).
					Msg("memory bus failed to publish due to context cancellation")
			}
			return fmt.Errorf("publish topic %q: %w", topic, ctx.Err())
		}
		s.inFlight.Done()
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	sub := &memSub{
		b:     b,
		topic: topic,
		ch:    make(chan Message, 64),
		done:  make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memSub
	for _, subs := range b.subs {
		for _, s := range subs {
			if !s.closed {
				s.closed = true
				close(s.done)
				all = append(all, s)
			}
		}
	}
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()

	for _, s := range all {
		s.inFlight.Wait()
		close(s.ch)
	}
	return nil
}

type memSub struct {
	b        *MemoryBus
	topic    string
	ch       chan Message
	done     chan struct{}
	inFlight sync.WaitGroup
	closed   bool
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) Close() error {
	s.b.mu.Lock()
	if s.closed {
		s.b.mu.Unlock()
		return nil
	}
	s.closed = true

	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	close(s.done)
	s.b.mu.Unlock()

	// Publishers snapshotted before the removal above bail out through
	// done; wait for them so the channel close cannot race a send.
	s.inFlight.Wait()
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)
