package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Key
	}
	return out
}

func TestMemoryBusDeliversInPublishOrder(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	got := &collector{}
	sub, err := b.Subscribe(ctx, "t", "g", StartLatest, got.handle)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, Event{Topic: "t", Key: fmt.Sprintf("k%d", i)}))
	}

	require.Eventually(t, func() bool { return len(got.keys()) == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"}, got.keys())
}

func TestMemoryBusFansOutAcrossGroups(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	a, c := &collector{}, &collector{}
	subA, err := b.Subscribe(ctx, "t", "analyzers", StartLatest, a.handle)
	require.NoError(t, err)
	defer subA.Close()
	subC, err := b.Subscribe(ctx, "t", "auditors", StartLatest, c.handle)
	require.NoError(t, err)
	defer subC.Close()

	require.NoError(t, b.Publish(ctx, Event{Topic: "t", Key: "k"}))

	require.Eventually(t, func() bool {
		return len(a.keys()) == 1 && len(c.keys()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBusIsolatesTopics(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	got := &collector{}
	sub, err := b.Subscribe(ctx, "alerts", "g", StartLatest, got.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Event{Topic: "telemetry", Key: "skip"}))
	require.NoError(t, b.Publish(ctx, Event{Topic: "alerts", Key: "keep"}))

	require.Eventually(t, func() bool { return len(got.keys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"keep"}, got.keys())
}

func TestMemoryBusRejectsDuplicateGroup(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t", "g", StartLatest, func(context.Context, Event) error { return nil })
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.Subscribe(ctx, "t", "g", StartLatest, func(context.Context, Event) error { return nil })
	assert.Error(t, err)

	// A different group on the same topic is fine.
	sub2, err := b.Subscribe(ctx, "t", "g2", StartLatest, func(context.Context, Event) error { return nil })
	require.NoError(t, err)
	sub2.Close()
}

func TestMemoryBusReplaysHistoryFromEarliest(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, Event{Topic: "t", Key: "old1"}))
	require.NoError(t, b.Publish(ctx, Event{Topic: "t", Key: "old2"}))

	got := &collector{}
	sub, err := b.Subscribe(ctx, "t", "late", StartEarliest, got.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Event{Topic: "t", Key: "live"}))

	require.Eventually(t, func() bool { return len(got.keys()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"old1", "old2", "live"}, got.keys())
}

func TestMemoryBusLatestSkipsHistory(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, Event{Topic: "t", Key: "old"}))

	got := &collector{}
	sub, err := b.Subscribe(ctx, "t", "g", StartLatest, got.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Event{Topic: "t", Key: "new"}))
	require.Eventually(t, func() bool { return len(got.keys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new"}, got.keys())
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), Event{Topic: "t"})
	assert.Error(t, err)
	_, err = b.Subscribe(context.Background(), "t", "g", StartLatest, func(context.Context, Event) error { return nil })
	assert.Error(t, err)
}

func TestPublishJSONWrapsPayload(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	got := &collector{}
	sub, err := b.Subscribe(ctx, "t", "g", StartLatest, got.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, PublishJSON(ctx, b, "t", "evt_1", map[string]string{"status": "evidence_ready"}))
	require.Eventually(t, func() bool { return len(got.keys()) == 1 }, time.Second, 5*time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, "evt_1", got.events[0].Key)
	assert.JSONEq(t, `{"status":"evidence_ready"}`, string(got.events[0].Payload))
	assert.False(t, got.events[0].Timestamp.IsZero())
}
