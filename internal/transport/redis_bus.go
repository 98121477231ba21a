// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/rcd/internal/log"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // optional
	DB       int
}

// RedisBus moves RC traffic over Redis pub/sub so a session's device and
// window peers may land on different rcd instances.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.L().Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to redis bus")

	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	if err := b.client.Publish(ctx, topic, []byte(msg)).Err(); err != nil {
		busDropped.WithLabelValues(topic, "redis_error").Inc()
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	// Force the subscription onto the wire before returning; otherwise a
	// publish racing this call is silently missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe topic %q: %w", topic, err)
	}

	sub := &redisSub{ps: ps, out: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

// Ping reports whether the redis backend is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Message
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		select {
		case s.out <- Message(m.Payload):
		default:
			// Slow consumer. Dropping beats wedging the pump.
			busDropped.WithLabelValues(m.Channel, "slow_consumer").Inc()
		}
	}
}

func (s *redisSub) C() <-chan Message {
	return s.out
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

var _ Bus = (*RedisBus)(nil)
