package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStreamsBus implements Bus on Redis Streams. XADD gives durable
// per-topic ordering, consumer groups give at-least-once delivery with
// redelivery of unacked entries, and the group start ID maps the
// earliest/latest offset-reset policy ("0" vs "$").
type RedisStreamsBus struct {
	rdb    *redis.Client
	maxLen int64

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

type RedisStreamsConfig struct {
	Addr     string
	Password string
	DB       int
	MaxLen   int64
}

func NewRedisStreamsBus(cfg RedisStreamsConfig) (*RedisStreamsBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}

	slog.Info("Redis streams bus connected", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStreamsBus{rdb: rdb, maxLen: maxLen}, nil
}

func (b *RedisStreamsBus) Publish(ctx context.Context, ev Event) error {
	values := map[string]interface{}{
		"key":     ev.Key,
		"payload": string(ev.Payload),
		"ts":      ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(ev.Attributes) > 0 {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		values["attrs"] = string(attrs)
	}

	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ev.Topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", ev.Topic, err)
	}
	return nil
}

func (b *RedisStreamsBus) Subscribe(ctx context.Context, topic, group string, start StartPosition, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	startID := "$"
	if start == StartEarliest {
		startID = "0"
	}

	// MKSTREAM so subscribing before the first publish works. BUSYGROUP
	// means the group already exists with its own offset; that is fine.
	if err := b.rdb.XGroupCreateMkStream(ctx, topic, group, startID).Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create group %s on %s: %w", group, topic, err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		bus:      b,
		topic:    topic,
		group:    group,
		consumer: consumerName(),
		handler:  h,
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	b.subs = append(b.subs, sub)

	go sub.run()
	return sub, nil
}

type redisSubscription struct {
	bus      *RedisStreamsBus
	topic    string
	group    string
	consumer string
	handler  Handler
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *redisSubscription) run() {
	defer close(s.done)

	// Drain entries left pending for this consumer by a previous run
	// before taking new ones: at-least-once across restarts.
	s.consumeBatch("0")

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.consumeBatch(">")
	}
}

func (s *redisSubscription) consumeBatch(id string) {
	streams, err := s.bus.rdb.XReadGroup(s.ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.topic, id},
		Count:    16,
		Block:    5 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil || s.ctx.Err() != nil {
			return
		}
		slog.Warn("Bus read failed", "topic", s.topic, "group", s.group, "error", err)
		select {
		case <-s.ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			ev := s.decode(msg)
			if err := s.handler(s.ctx, ev); err != nil {
				// Left unacked; redelivered from the pending list.
				slog.Warn("Bus handler error", "topic", s.topic, "id", msg.ID, "error", err)
				continue
			}
			if err := s.bus.rdb.XAck(s.ctx, s.topic, s.group, msg.ID).Err(); err != nil && s.ctx.Err() == nil {
				slog.Warn("Bus ack failed", "topic", s.topic, "id", msg.ID, "error", err)
			}
		}
	}
}

func (s *redisSubscription) decode(msg redis.XMessage) Event {
	ev := Event{Topic: s.topic}
	if v, ok := msg.Values["key"].(string); ok {
		ev.Key = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		ev.Payload = []byte(v)
	}
	if v, ok := msg.Values["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ev.Timestamp = ts
		}
	}
	if v, ok := msg.Values["attrs"].(string); ok {
		var attrs map[string]string
		if err := json.Unmarshal([]byte(v), &attrs); err == nil {
			ev.Attributes = attrs
		}
	}
	return ev
}

func (s *redisSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (b *RedisStreamsBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return b.rdb.Close()
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "cerberus"
	}
	return host + "-" + uuid.New().String()[:8]
}
