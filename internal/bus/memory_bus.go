package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// retainedPerTopic caps the replay history kept for StartEarliest consumers.
const retainedPerTopic = 10000

// MemoryBus is an in-process bus. Each consumer group sees every event on
// its topic exactly once, in publish order. Suitable for tests and
// single-process deployments.
type MemoryBus struct {
	mu      sync.RWMutex
	history map[string][]Event           // topic -> retained events
	subs    map[string]*memSubscription  // topic/group -> consumer
	closed  bool
}

type memSubscription struct {
	bus     *MemoryBus
	key     string
	ch      chan Event
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		history: make(map[string][]Event),
		subs:    make(map[string]*memSubscription),
	}
}

func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}

	hist := append(b.history[ev.Topic], ev)
	if len(hist) > retainedPerTopic {
		hist = hist[len(hist)-retainedPerTopic:]
	}
	b.history[ev.Topic] = hist

	targets := make([]*memSubscription, 0, len(b.subs))
	for key, sub := range b.subs {
		if subTopic(key) == ev.Topic {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	// Deliver outside the lock; a stalled handler must not wedge publishers
	// of other topics.
	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
		}
	}
	return nil
}

// Subscribe registers the single consumer for a topic/group pair. A second
// consumer in the same group is rejected; in-process groups have one member.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, start StartPosition, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	key := topic + "/" + group
	if _, exists := b.subs[key]; exists {
		return nil, fmt.Errorf("group %s already consuming %s", group, topic)
	}

	buffer := 256
	if start == StartEarliest && len(b.history[topic]) >= buffer {
		buffer = len(b.history[topic]) + 256
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memSubscription{
		bus:     b,
		key:     key,
		ch:      make(chan Event, buffer),
		handler: h,
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	// Replay retained history before live events when starting from the
	// beginning. The channel buffer is sized to hold the full replay.
	if start == StartEarliest {
		for _, ev := range b.history[topic] {
			sub.ch <- ev
		}
	}

	b.subs[key] = sub
	go sub.run()
	return sub, nil
}

func (s *memSubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.ch:
			if err := s.handler(s.ctx, ev); err != nil {
				slog.Warn("Bus handler error", "topic", ev.Topic, "key", ev.Key, "error", err)
			}
		}
	}
}

func (s *memSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.key)
	s.bus.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func subTopic(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
