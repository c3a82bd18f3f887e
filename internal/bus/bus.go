// Package bus provides the durable topic bus that carries evidence pointers,
// telemetry and alerts between services. Three backends share one contract:
// an in-process bus for tests and single-node dev, Redis Streams for the
// reference deployment, and Cloud Pub/Sub.
//
// Delivery is at-least-once and ordered per partition key; consumers must be
// idempotent keyed by the event they carry.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one message on a topic. Key selects the partition; events with
// the same key are delivered in publish order.
type Event struct {
	Topic      string            `json:"topic"`
	Key        string            `json:"key"`
	Payload    []byte            `json:"payload"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Handler processes one event. A non-nil error leaves the event unacked so
// the backend redelivers it.
type Handler func(ctx context.Context, ev Event) error

// StartPosition controls where a new consumer group begins reading.
type StartPosition int

const (
	StartLatest StartPosition = iota
	StartEarliest
)

// Subscription is a running consumer loop. Close stops it after the current
// message completes.
type Subscription interface {
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, topic, group string, start StartPosition, h Handler) (Subscription, error)
	Close() error
}

// PublishJSON marshals v and publishes it on topic with the given key.
func PublishJSON(ctx context.Context, b Bus, topic, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return b.Publish(ctx, Event{
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// Options selects and configures a backend.
type Options struct {
	Backend       string // "memory", "redis" or "pubsub"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StreamMaxLen  int64
	PubSubProject string
}

// New builds the configured bus backend.
func New(ctx context.Context, opts Options) (Bus, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisStreamsBus(RedisStreamsConfig{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			MaxLen:   opts.StreamMaxLen,
		})
	case "pubsub":
		return NewPubSubBus(ctx, opts.PubSubProject)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", opts.Backend)
	}
}
