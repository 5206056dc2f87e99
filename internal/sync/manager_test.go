package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/vec"
)

// fakeTransport фиксирует исходящие пакеты и вызовы калибровки
type fakeTransport struct {
	connected  bool
	sent       []protocol.Outgoing
	snapshotMs int64
	pongs      []*protocol.Pong
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) Send(method string, payload interface{}) error {
	f.sent = append(f.sent, protocol.Outgoing{Method: method, Payload: payload})
	return nil
}

func (f *fakeTransport) SendBatch(items []protocol.Outgoing) error {
	f.sent = append(f.sent, items...)
	return nil
}

func (f *fakeTransport) CalibrateFromSnapshot(serverTimeMs int64) { f.snapshotMs = serverTimeMs }

func (f *fakeTransport) CalibrateFromPong(p *protocol.Pong) { f.pongs = append(f.pongs, p) }

// fakeActor считает вызовы Move/Snap и хранит последнюю позу
type fakeActor struct {
	pos   vec.Vec3Float
	rot   vec.Quat
	moves int
	snaps int
}

func (f *fakeActor) Position() vec.Vec3Float { return f.pos }

func (f *fakeActor) Move(pos vec.Vec3Float, rot vec.Quat) {
	f.pos, f.rot = pos, rot
	f.moves++
}

func (f *fakeActor) Snap(pos vec.Vec3Float, rot vec.Quat) {
	f.pos, f.rot = pos, rot
	f.snaps++
}

// fakeSampler отдаёт постоянную высоту ландшафта
type fakeSampler struct{ ground float64 }

func (f *fakeSampler) HeightAt(x, z float64) float64 { return f.ground }

func newTestManager(t *testing.T, tr Transport, bus eventbus.EventBus, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(tr, bus, opts, logging.NewConsoleLogger("sync-test"))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func encodeFrame(t *testing.T, method string, payload interface{}) []byte {
	t.Helper()
	codec, err := protocol.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	frame, err := codec.Encode(method, payload)
	require.NoError(t, err)
	return frame
}

// Дельта до создания сущности воспроизводится при создании и выигрывает
// у значений из entityAdded
func TestModificationBeforeCreation(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := newTestManager(t, tr, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "entityModified", map[string]interface{}{
		"id": 7, "changes": map[string]interface{}{"hp": 5},
	}))
	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{
		"id": 7, "hp": 10, "pos": []float64{0, 0, 0},
	}))
	m.Flush()

	e, ok := m.Registry().Get(7)
	require.True(t, ok)
	assert.EqualValues(t, 5, e.Payload["hp"], "отложенная дельта должна перекрыть значение из entityAdded")
	assert.Equal(t, 0, m.pending.size(7), "буфер должен опустеть после воспроизведения")
}

// Применение пакетов в порядке прибытия эквивалентно порядку создание-затем-дельты
func TestBufferingOrderEquivalence(t *testing.T) {
	added := map[string]interface{}{
		"id": 7, "type": "npc", "pos": []float64{0, 0, 0}, "hp": 10,
	}
	deltas := []map[string]interface{}{
		{"id": 7, "hp": 1},
		{"id": 7, "pos": []float64{1, 2, 3}},
		{"id": 7, "hp": 8, "mana": 3},
	}

	// Порядок создание → дельты
	a := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())
	a.Receive(encodeFrame(t, "entityAdded", added))
	for _, d := range deltas {
		a.Receive(encodeFrame(t, "entityModified", d))
	}
	a.Flush()

	// Порядок дельты → создание (буферизация и воспроизведение)
	b := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())
	for _, d := range deltas {
		b.Receive(encodeFrame(t, "entityModified", d))
	}
	b.Receive(encodeFrame(t, "entityAdded", added))
	b.Flush()

	ea, ok := a.Registry().Get(7)
	require.True(t, ok)
	eb, ok := b.Registry().Get(7)
	require.True(t, ok)
	assert.Equal(t, ea, eb, "итоговые состояния должны совпадать независимо от порядка прибытия")
	assert.True(t, ea.Position.Equals(vec.Vec3Float{X: 1, Y: 2, Z: 3}))
	assert.EqualValues(t, 8, ea.Payload["hp"])
}

// Повторное применение идентичной дельты не меняет состояние
func TestIdempotentDelta(t *testing.T) {
	m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 3, "hp": 10}))
	delta := map[string]interface{}{"id": 3, "changes": map[string]interface{}{"hp": 4, "pos": []float64{5, 0, 5}}}
	m.Receive(encodeFrame(t, "entityModified", delta))
	m.Flush()

	first, ok := m.Registry().Get(3)
	require.True(t, ok)

	m.Receive(encodeFrame(t, "entityModified", delta))
	m.Flush()

	second, ok := m.Registry().Get(3)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

// Переполнение буфера отложенных дельт вытесняет старейшие
func TestPendingEvictionOldestFirst(t *testing.T) {
	opts := DefaultOptions()
	opts.PendingCap = 4
	m := newTestManager(t, &fakeTransport{connected: true}, nil, opts)

	for i := 1; i <= 6; i++ {
		m.Receive(encodeFrame(t, "entityModified", map[string]interface{}{
			"id": 9, "seq": i, "f" + string(rune('0'+i)): i,
		}))
	}
	m.Flush()
	assert.Equal(t, 4, m.pending.size(9), "буфер ограничен ёмкостью")

	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 9}))
	m.Flush()

	e, ok := m.Registry().Get(9)
	require.True(t, ok)
	assert.EqualValues(t, 6, e.Payload["seq"], "последняя дельта применяется последней")
	assert.NotContains(t, e.Payload, "f1", "старейшая дельта вытеснена")
	assert.NotContains(t, e.Payload, "f2", "вторая дельта вытеснена")
	assert.Contains(t, e.Payload, "f3")
	assert.Contains(t, e.Payload, "f6")
}

// Snapshot с пустым миром и списком персонажей публикует character.list.ready
func TestSnapshotCharacterList(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	got := make(chan *eventbus.Envelope, 1)
	sub, err := bus.Subscribe(context.Background(),
		eventbus.Filter{Types: []string{eventbus.EventCharacterListReady}},
		func(ctx context.Context, ev *eventbus.Envelope) {
			select {
			case got <- ev:
			default:
			}
		})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	tr := &fakeTransport{connected: true}
	m := newTestManager(t, tr, bus, DefaultOptions())

	m.Receive(encodeFrame(t, "snapshot", map[string]interface{}{
		"id":         42,
		"serverTime": 1700000000000,
		"entities":   []interface{}{},
		"characters": []map[string]interface{}{
			{"id": 1, "name": "Странник", "level": 3},
			{"id": 2, "name": "Кузнец", "level": 7},
		},
		"account": map[string]interface{}{"id": 9, "name": "player1"},
	}))
	m.Flush()

	select {
	case ev := <-got:
		var list protocol.CharacterList
		require.NoError(t, json.Unmarshal(ev.Payload, &list))
		require.Len(t, list.Characters, 2)
		assert.Equal(t, "Странник", list.Characters[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("событие character.list.ready не получено")
	}

	assert.True(t, m.SessionActive())
	assert.EqualValues(t, 42, m.LocalID())
	assert.EqualValues(t, 1700000000000, tr.snapshotMs)
	assert.Len(t, m.Characters(), 2)
	assert.Equal(t, 0, m.Registry().Count())
}

// Коррекция трансформа локального игрока: blend при малой ошибке, snap при большой
func TestLocalCorrectionRouting(t *testing.T) {
	m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "snapshot", map[string]interface{}{
		"id":         7,
		"serverTime": 1,
		"entities": []map[string]interface{}{
			{"id": 7, "type": "player", "pos": []float64{0, 0, 0}},
		},
	}))
	m.Flush()

	actor := &fakeActor{}
	m.SetLocalActor(actor)

	// Малое расхождение: мягкое перемещение
	m.Receive(encodeFrame(t, "entityModified", map[string]interface{}{
		"id": 7, "pos": []float64{0.5, 0, 0},
	}))
	m.Flush()
	assert.Equal(t, 1, actor.moves)
	assert.Equal(t, 0, actor.snaps)

	// Расхождение выше порога: жёсткий snap
	m.Receive(encodeFrame(t, "entityModified", map[string]interface{}{
		"id": 7, "pos": []float64{50, 0, 0},
	}))
	m.Flush()
	assert.Equal(t, 1, actor.moves)
	assert.Equal(t, 1, actor.snaps)
	assert.True(t, actor.pos.Equals(vec.Vec3Float{X: 50, Y: 0, Z: 0}))

	e, ok := m.Registry().Get(7)
	require.True(t, ok)
	assert.True(t, e.Position.Equals(vec.Vec3Float{X: 50, Y: 0, Z: 0}))
}

// Неправдоподобно низкий спавн локального игрока поднимается до пола ландшафта
func TestSpawnHeightGuard(t *testing.T) {
	t.Run("с сэмплером ландшафта", func(t *testing.T) {
		m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())
		m.SetHeightSampler(&fakeSampler{ground: 3})

		m.Receive(encodeFrame(t, "snapshot", map[string]interface{}{
			"id": 7, "serverTime": 1, "entities": []interface{}{},
		}))
		m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{
			"id": 7, "type": "player", "pos": []float64{10, -200, 5},
		}))
		m.Flush()

		e, ok := m.Registry().Get(7)
		require.True(t, ok)
		assert.InDelta(t, 4.0, e.Position.Y, 1e-9, "пол = высота ландшафта + 1")
		assert.InDelta(t, 10.0, e.Position.X, 1e-9)
	})

	t.Run("без сэмплера", func(t *testing.T) {
		m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

		m.Receive(encodeFrame(t, "snapshot", map[string]interface{}{
			"id": 7, "serverTime": 1, "entities": []interface{}{},
		}))
		m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{
			"id": 7, "type": "player", "pos": []float64{0, -200, 0},
		}))
		m.Flush()

		e, ok := m.Registry().Get(7)
		require.True(t, ok)
		assert.InDelta(t, DefaultOptions().SafeSpawnY, e.Position.Y, 1e-9)
	})

	t.Run("нормальная высота не трогается", func(t *testing.T) {
		m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

		m.Receive(encodeFrame(t, "snapshot", map[string]interface{}{
			"id": 7, "serverTime": 1, "entities": []interface{}{},
		}))
		m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{
			"id": 7, "type": "player", "pos": []float64{0, 12.5, 0},
		}))
		m.Flush()

		e, ok := m.Registry().Get(7)
		require.True(t, ok)
		assert.InDelta(t, 12.5, e.Position.Y, 1e-9)
	})
}

// Удаление сущности отбрасывает её отложенные дельты без воспроизведения
func TestRemovalDiscardsPending(t *testing.T) {
	m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "entityModified", map[string]interface{}{"id": 5, "hp": 1}))
	m.Receive(encodeFrame(t, "entityRemoved", map[string]interface{}{"id": 5}))
	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 5, "hp": 10}))
	m.Flush()

	e, ok := m.Registry().Get(5)
	require.True(t, ok)
	assert.EqualValues(t, 10, e.Payload["hp"], "дельта до удаления не должна пережить удаление")
}

// Flush при закрытом соединении не применяет пакеты
func TestFlushNoopWhenDisconnected(t *testing.T) {
	tr := &fakeTransport{connected: false}
	m := newTestManager(t, tr, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 1}))
	m.Flush()
	assert.Equal(t, 1, m.QueueLen(), "пакет остаётся в очереди")
	assert.Equal(t, 0, m.Registry().Count())

	tr.connected = true
	m.Flush()
	assert.Equal(t, 0, m.QueueLen())
	assert.Equal(t, 1, m.Registry().Count())
}

// Разрыв соединения очищает очередь и закрывает сессию
func TestDisconnectClearsQueue(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := newTestManager(t, tr, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "snapshot", map[string]interface{}{
		"id": 1, "serverTime": 1, "entities": []interface{}{},
	}))
	m.Flush()
	require.True(t, m.SessionActive())

	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 2}))
	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 3}))
	m.HandleDisconnect(nil)

	assert.Equal(t, 0, m.QueueLen())
	assert.False(t, m.SessionActive())
	assert.Equal(t, 0, m.Registry().Count())
}

// Битый кадр отбрасывается, не мешая следующим
func TestMalformedFrameDropped(t *testing.T) {
	m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

	m.Receive([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 1}))
	m.Flush()

	assert.Equal(t, 1, m.Registry().Count())
}

// Паника обработчика гасится, дрейн продолжается
func TestHandlerPanicRecovered(t *testing.T) {
	tr := &panickyTransport{fakeTransport{connected: true}}
	m := newTestManager(t, tr, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "pong", map[string]interface{}{"clientTime": 1, "serverTime": 2}))
	m.Receive(encodeFrame(t, "entityAdded", map[string]interface{}{"id": 1}))

	require.NotPanics(t, m.Flush)
	assert.Equal(t, 1, m.Registry().Count(), "пакет после паники должен примениться")
}

type panickyTransport struct{ fakeTransport }

func (p *panickyTransport) CalibrateFromPong(*protocol.Pong) { panic("калибровка недоступна") }

// Kick закрывает сессию и публикует событие
func TestKick(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	got := make(chan *eventbus.Envelope, 1)
	sub, err := bus.Subscribe(context.Background(),
		eventbus.Filter{Types: []string{eventbus.EventConnectionKicked}},
		func(ctx context.Context, ev *eventbus.Envelope) {
			select {
			case got <- ev:
			default:
			}
		})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	m := newTestManager(t, &fakeTransport{connected: true}, bus, DefaultOptions())
	m.Receive(encodeFrame(t, "snapshot", map[string]interface{}{
		"id": 1, "serverTime": 1, "entities": []interface{}{},
	}))
	m.Receive(encodeFrame(t, "kick", map[string]interface{}{"reason": "ban"}))
	m.Flush()

	select {
	case ev := <-got:
		var payload map[string]string
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, "ban", payload["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("событие connection.kicked не получено")
	}
	assert.False(t, m.SessionActive())
}

// Pong маршрутизируется в калибровку времени
func TestPongRouting(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := newTestManager(t, tr, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "pong", map[string]interface{}{
		"clientTime": 100, "serverTime": 250,
	}))
	m.Flush()

	require.Len(t, tr.pongs, 1)
	assert.EqualValues(t, 100, tr.pongs[0].ClientTime)
	assert.EqualValues(t, 250, tr.pongs[0].ServerTime)
}

// Настройки и чат применяются и читаются
func TestSettingsAndChat(t *testing.T) {
	m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

	m.Receive(encodeFrame(t, "settingsModified", map[string]interface{}{"key": "pvp", "value": true}))
	m.Receive(encodeFrame(t, "chatAdded", map[string]interface{}{"from": "система", "text": "добро пожаловать"}))
	m.Receive(encodeFrame(t, "chatAdded", map[string]interface{}{"from": "игрок", "text": "привет"}))
	m.Flush()

	assert.Equal(t, true, m.Settings()["pvp"])
	require.Len(t, m.ChatHistory(), 2)
	assert.Equal(t, "привет", m.ChatHistory()[1].Text)

	m.Receive(encodeFrame(t, "chatCleared", nil))
	m.Flush()
	assert.Empty(t, m.ChatHistory())
}

// Batch применяется вложенный пакет за пакетом в порядке следования
func TestBatchApplication(t *testing.T) {
	m := newTestManager(t, &fakeTransport{connected: true}, nil, DefaultOptions())

	codec, err := protocol.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	frame, err := codec.EncodeBatch([]protocol.Outgoing{
		{Method: "entityAdded", Payload: map[string]interface{}{"id": 1, "hp": 10}},
		{Method: "entityModified", Payload: map[string]interface{}{"id": 1, "hp": 3}},
		{Method: "entityAdded", Payload: map[string]interface{}{"id": 2}},
	})
	require.NoError(t, err)

	m.Receive(frame)
	m.Flush()

	assert.Equal(t, 2, m.Registry().Count())
	e, ok := m.Registry().Get(1)
	require.True(t, ok)
	assert.EqualValues(t, 3, e.Payload["hp"])
}

// Исходящий батчер: переполнение замещает низкоприоритетные изменения
func TestBatchManagerOverflow(t *testing.T) {
	tr := &fakeTransport{connected: true}
	bm := NewBatchManager(tr, 2, time.Hour)
	defer bm.Stop()

	bm.Add(Change{Method: "move", Payload: 1, Priority: 3})
	bm.Add(Change{Method: "move", Payload: 2, Priority: 3})
	bm.Add(Change{Method: "chat", Payload: 3, Priority: 5})
	require.Len(t, bm.buf, 2)
	assert.Equal(t, "chat", bm.buf[0].Method, "высокий приоритет замещает низкий")

	bm.Add(Change{Method: "move", Payload: 4, Priority: 1})
	require.Len(t, bm.buf, 2)
	for _, c := range bm.buf {
		assert.NotEqual(t, 1, c.Priority, "низкоприоритетное изменение дропается")
	}
}

// Исходящий батчер: одиночное изменение уходит прямым кадром, несколько — батчем
func TestBatchManagerFlush(t *testing.T) {
	tr := &fakeTransport{connected: true}
	bm := NewBatchManager(tr, 16, time.Hour)
	defer bm.Stop()

	bm.Add(Change{Method: "chat", Payload: map[string]string{"text": "один"}, Priority: 5})
	bm.Flush()
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "chat", tr.sent[0].Method)

	bm.Add(Change{Method: "move", Payload: 1, Priority: 3})
	bm.Add(Change{Method: "move", Payload: 2, Priority: 3})
	bm.Flush()
	assert.Len(t, tr.sent, 3)
}
