package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const topic = "orchestration.events"

func newTestBus(t *testing.T) (*StreamsEventBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewStreamsEventBus(client, 100, zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })
	return bus, client
}

// collector records the events a subscription delivers
type collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collector) handle(_ context.Context, event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.ID
	}
	return out
}

func (c *collector) has(id string) bool {
	for _, got := range c.ids() {
		if got == id {
			return true
		}
	}
	return false
}

// awaitReader publishes warm-up events until the subscriber sees one, so
// later events are read from a known cursor
func awaitReader(t *testing.T, bus *StreamsEventBus, c *collector) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		if err := bus.Publish(ctx, topic, domain.Event{ID: "warmup", Type: domain.EventTypeRequestStarted}); err != nil {
			return false
		}
		return c.has("warmup")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStreamsEventBus_PublishAppendsToStream(t *testing.T) {
	ctx := context.Background()
	bus, client := newTestBus(t)

	require.NoError(t, bus.Publish(ctx, topic, domain.Event{ID: "e1", Type: domain.EventTypeRequestStarted, RequestID: "r1"}))

	entries, err := client.XRange(ctx, getStreamKey(topic), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Values["data"], `"request_id":"r1"`)
}

func TestStreamsEventBus_DeliversInOrder(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, topic, c.handle))
	awaitReader(t, bus, c)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, bus.Publish(ctx, topic, domain.Event{ID: id, Type: domain.EventTypeNodeCompleted, NodeName: "llm"}))
	}

	require.Eventually(t, func() bool { return c.has("e3") }, 5*time.Second, 20*time.Millisecond)
	ids := c.ids()
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids[len(ids)-3:])
}

func TestStreamsEventBus_EverySubscriberSeesEveryEvent(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	first, second := &collector{}, &collector{}
	require.NoError(t, bus.Subscribe(ctx, topic, first.handle))
	require.NoError(t, bus.Subscribe(ctx, topic, second.handle))
	awaitReader(t, bus, first)
	awaitReader(t, bus, second)

	require.NoError(t, bus.Publish(ctx, topic, domain.Event{ID: "shared"}))

	require.Eventually(t, func() bool { return first.has("shared") && second.has("shared") }, 5*time.Second, 20*time.Millisecond)
}

func TestStreamsEventBus_SkipsBadMessagesAndHandlerErrors(t *testing.T) {
	ctx := context.Background()
	bus, client := newTestBus(t)

	c := &collector{}
	failing := func(ctx context.Context, event domain.Event) error {
		_ = c.handle(ctx, event)
		return errors.New("handler failed")
	}
	require.NoError(t, bus.Subscribe(ctx, topic, failing))
	awaitReader(t, bus, c)

	stream := getStreamKey(topic)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]interface{}{"other": "x"}}).Err())
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]interface{}{"data": "{broken"}}).Err())
	require.NoError(t, bus.Publish(ctx, topic, domain.Event{ID: "after"}))

	require.Eventually(t, func() bool { return c.has("after") }, 5*time.Second, 20*time.Millisecond)
}

func TestStreamsEventBus_TopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, topic, c.handle))
	awaitReader(t, bus, c)

	require.NoError(t, bus.Publish(ctx, "other.topic", domain.Event{ID: "elsewhere"}))
	require.NoError(t, bus.Publish(ctx, topic, domain.Event{ID: "here"}))

	require.Eventually(t, func() bool { return c.has("here") }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, c.has("elsewhere"))
}

func TestStreamsEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, topic, c.handle))
	awaitReader(t, bus, c)

	require.NoError(t, bus.Unsubscribe(ctx, topic))
	require.NoError(t, bus.Publish(ctx, topic, domain.Event{ID: "late"}))

	assert.Never(t, func() bool { return c.has("late") }, 1500*time.Millisecond, 50*time.Millisecond)
}

func TestStreamsEventBus_CloseWaitsForReaders(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, topic, c.handle))
	awaitReader(t, bus, c)

	done := make(chan struct{})
	go func() {
		_ = bus.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	require.NoError(t, bus.Publish(ctx, topic, domain.Event{ID: "closed"}))
	assert.Never(t, func() bool { return c.has("closed") }, 300*time.Millisecond, 50*time.Millisecond)
}

func TestStreamsEventBus_SubscriptionEndsWithContext(t *testing.T) {
	bus, _ := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, topic, c.handle))
	awaitReader(t, bus, c)

	cancel()
	require.NoError(t, bus.Publish(context.Background(), topic, domain.Event{ID: "after-cancel"}))
	assert.Never(t, func() bool { return c.has("after-cancel") }, 1500*time.Millisecond, 50*time.Millisecond)
}
