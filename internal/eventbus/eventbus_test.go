package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector потокобезопасно накапливает доставленные события
type collector struct {
	mu  sync.Mutex
	got []*Envelope
}

func (c *collector) handler(_ context.Context, ev *Envelope) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) at(i int) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[i]
}

// TestPublishSubscribe проверяет доставку события с фильтром по типу
func TestPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(16)
	c := &collector{}

	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventChatMessage}}, c.handler)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("sync", EventChatMessage, map[string]string{"text": "привет"})))
	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("sync", EventEntityAdded, nil)))

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond,
		"должно дойти только событие чата")
	assert.Equal(t, EventChatMessage, c.at(0).EventType)
	assert.Equal(t, "sync", c.at(0).Source)

	stats := bus.Metrics()
	assert.EqualValues(t, 2, stats.Published)
}

// TestOrderedDelivery проверяет, что один подписчик получает события
// строго в порядке публикации
func TestOrderedDelivery(t *testing.T) {
	bus := NewMemoryBus(64)
	c := &collector{}

	_, err := bus.Subscribe(context.Background(), Filter{}, c.handler)
	require.NoError(t, err)

	const n = 32
	for i := 0; i < n; i++ {
		env := NewEnvelope("test", EventEntityModified, nil)
		env.Metadata = map[string]string{"seq": fmt.Sprintf("%d", i)}
		require.NoError(t, bus.Publish(context.Background(), env))
	}

	require.Eventually(t, func() bool { return c.len() == n }, 2*time.Second, 10*time.Millisecond)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), c.at(i).Metadata["seq"], "порядок доставки нарушен")
	}
}

// TestStickyReplay проверяет реплей событий-состояний позднему подписчику
func TestStickyReplay(t *testing.T) {
	bus := NewMemoryBus(16)

	require.NoError(t, bus.Publish(context.Background(),
		NewEnvelope("network", EventConnectionLost, map[string]string{"reason": "timeout"})))
	time.Sleep(50 * time.Millisecond) // живая доставка завершилась до подписки

	c := &collector{}
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventConnectionLost}}, c.handler)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.len() >= 1 }, 2*time.Second, 10*time.Millisecond,
		"поздний подписчик должен получить сохранённое состояние")
	assert.Equal(t, EventConnectionLost, c.at(0).EventType)
}

// TestNonStickyNotReplayed проверяет, что обычные события не реплеются
func TestNonStickyNotReplayed(t *testing.T) {
	bus := NewMemoryBus(16)

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("sync", EventChatMessage, nil)))
	time.Sleep(50 * time.Millisecond)

	c := &collector{}
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventChatMessage}}, c.handler)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, c.len(), "событие-происшествие не должно доставляться задним числом")
}

// TestUnsubscribeStopsDelivery проверяет отписку
func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(16)
	c := &collector{}

	sub, err := bus.Subscribe(context.Background(), Filter{}, c.handler)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("test", EventEntityAdded, nil)))
	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("test", EventEntityAdded, nil)))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.len(), "после отписки события приходить не должны")
}

// TestFilterBySource проверяет фильтр по источнику
func TestFilterBySource(t *testing.T) {
	bus := NewMemoryBus(16)
	c := &collector{}

	_, err := bus.Subscribe(context.Background(), Filter{Sources: []string{"physics"}}, c.handler)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("physics", EventPhysicsDegraded, nil)))
	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("sync", EventEntityAdded, nil)))

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "physics", c.at(0).Source)
}
