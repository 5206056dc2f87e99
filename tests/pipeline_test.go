package tests

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/physics"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/render"
	"github.com/annel0/mmo-client/internal/storage"
	gsync "github.com/annel0/mmo-client/internal/sync"
	"github.com/annel0/mmo-client/internal/vec"
)

// recordingTransport фиксирует исходящий трафик клиента для проверок
type recordingTransport struct {
	mu         sync.Mutex
	connected  bool
	sent       []protocol.Outgoing
	batches    [][]protocol.Outgoing
	snapshotMs int64
}

func (rt *recordingTransport) IsConnected() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.connected
}

func (rt *recordingTransport) Send(method string, payload interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sent = append(rt.sent, protocol.Outgoing{Method: method, Payload: payload})
	return nil
}

func (rt *recordingTransport) SendBatch(items []protocol.Outgoing) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	batch := make([]protocol.Outgoing, len(items))
	copy(batch, items)
	rt.batches = append(rt.batches, batch)
	return nil
}

func (rt *recordingTransport) CalibrateFromSnapshot(serverTimeMs int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.snapshotMs = serverTimeMs
}

func (rt *recordingTransport) CalibrateFromPong(p *protocol.Pong) {}

// clientPipeline собирает клиентский конвейер целиком: физика, менеджер
// синхронизации с локальным актёром и кодек для имитации серверных кадров
type clientPipeline struct {
	engine    *physics.Engine
	manager   *gsync.Manager
	actor     *physics.Actor
	handle    *physics.Handle
	transport *recordingTransport
	codec     *protocol.Codec

	poseMu sync.Mutex
	poses  []vec.Vec3Float
}

func newClientPipeline(t *testing.T) *clientPipeline {
	t.Helper()

	logger := logging.NewConsoleLogger("pipeline-test")
	cp := &clientPipeline{}

	cp.engine = physics.NewEngine(physics.EngineOptions{}, nil, logger)
	t.Cleanup(cp.engine.Close)

	body, err := cp.engine.CreateBody(physics.BodyDef{
		Kind:     physics.BodyKinematic,
		Shape:    physics.SphereShape(0.9),
		Position: vec.Vec3Float{Y: 2},
	})
	require.NoError(t, err)

	cp.handle = &physics.Handle{
		Tag:         "local_player",
		Interpolate: true,
		OnPose: func(pos vec.Vec3Float, rot vec.Quat) {
			cp.poseMu.Lock()
			cp.poses = append(cp.poses, pos)
			cp.poseMu.Unlock()
		},
	}
	cp.actor = cp.engine.Attach(body, cp.handle)

	cp.transport = &recordingTransport{connected: true}
	cp.manager, err = gsync.NewManager(cp.transport, nil, gsync.DefaultOptions(), logger)
	require.NoError(t, err)
	t.Cleanup(cp.manager.Close)
	cp.manager.SetLocalActor(cp.actor)

	cp.codec, err = protocol.NewCodec()
	require.NoError(t, err)
	t.Cleanup(cp.codec.Close)

	return cp
}

// deliver кодирует серверный пакет, передаёт его менеджеру и применяет очередь
func (cp *clientPipeline) deliver(t *testing.T, method string, payload interface{}) {
	t.Helper()
	frame, err := cp.codec.Encode(method, payload)
	require.NoError(t, err)
	cp.manager.Receive(frame)
	cp.manager.Flush()
}

func (cp *clientPipeline) lastPose(t *testing.T) vec.Vec3Float {
	t.Helper()
	cp.poseMu.Lock()
	defer cp.poseMu.Unlock()
	require.NotEmpty(t, cp.poses, "колбэк позы не вызывался")
	return cp.poses[len(cp.poses)-1]
}

func worldSnapshot(localPos []float64) map[string]interface{} {
	return map[string]interface{}{
		"id":         1,
		"serverTime": time.Now().UnixMilli(),
		"entities": []map[string]interface{}{
			{"id": 1, "type": "player", "pos": localPos},
			{"id": 2, "type": "npc", "pos": []float64{10, 0, 10}, "hp": 80},
		},
	}
}

// TestSnapshotDrivesLocalBody проверяет, что snapshot доходит до физического
// тела локального игрока: позиция ставится жёстко, без шага симуляции
func TestSnapshotDrivesLocalBody(t *testing.T) {
	cp := newClientPipeline(t)

	cp.deliver(t, "snapshot", worldSnapshot([]float64{5, 3, -4}))

	assert.True(t, cp.manager.SessionActive())
	assert.Equal(t, uint64(1), cp.manager.LocalID())
	assert.Equal(t, 2, cp.manager.Registry().Count())

	pos := cp.actor.Position()
	assert.InDelta(t, 5, pos.X, 1e-9)
	assert.InDelta(t, 3, pos.Y, 1e-9)
	assert.InDelta(t, -4, pos.Z, 1e-9)

	assert.NotZero(t, cp.transport.snapshotMs, "серверное время должно уйти в калибровку")
}

// TestRenderFrameAfterSnap проверяет, что кадр рендера после жёсткой
// перестановки выдаёт серверную позу дословно, без бленда от старой
func TestRenderFrameAfterSnap(t *testing.T) {
	cp := newClientPipeline(t)
	interp := render.NewInterpolator(cp.engine, 50*time.Millisecond)

	cp.deliver(t, "snapshot", worldSnapshot([]float64{7, 1, 2}))

	cp.engine.PreFixedUpdate()
	cp.engine.PostFixedUpdate(interp.FixedStep().Seconds())
	now := time.Now()
	interp.MarkStep(now)
	interp.Frame(now.Add(interp.FixedStep() / 2))

	pose := cp.lastPose(t)
	assert.InDelta(t, 7, pose.X, 1e-9)
	assert.InDelta(t, 1, pose.Y, 1e-9)
	assert.InDelta(t, 2, pose.Z, 1e-9)
}

// TestAuthoritativeCorrection проверяет маршрутизацию серверных коррекций:
// трансформ локального игрока уходит в физику, данные игровой логики — в реестр
func TestAuthoritativeCorrection(t *testing.T) {
	cp := newClientPipeline(t)
	cp.deliver(t, "snapshot", worldSnapshot([]float64{0, 2, 0}))

	// Малая ошибка: мягкое перемещение
	cp.deliver(t, "entityModified", map[string]interface{}{
		"id": 1, "pos": []float64{0.5, 2, 0},
	})
	assert.InDelta(t, 0.5, cp.actor.Position().X, 1e-9)

	// Большая ошибка: snap выше порога
	cp.deliver(t, "entityModified", map[string]interface{}{
		"id": 1, "pos": []float64{40, 2, 0},
	})
	assert.InDelta(t, 40, cp.actor.Position().X, 1e-9)

	// Реестр отражает серверное значение
	local, ok := cp.manager.Registry().Get(1)
	require.True(t, ok)
	assert.InDelta(t, 40, local.Position.X, 1e-9)

	// Поля игровой логики удалённой сущности мержатся напрямую
	cp.deliver(t, "entityModified", map[string]interface{}{
		"id": 2, "hp": 55,
	})
	npc, ok := cp.manager.Registry().Get(2)
	require.True(t, ok)
	assert.EqualValues(t, 55, npc.Payload["hp"])
}

// TestBatchReplaysBufferedDeltas проверяет batch-кадр с дельтой, пришедшей
// раньше создания сущности: дельта откладывается и воспроизводится после добавления
func TestBatchReplaysBufferedDeltas(t *testing.T) {
	cp := newClientPipeline(t)
	cp.deliver(t, "snapshot", worldSnapshot([]float64{0, 2, 0}))

	frame, err := cp.codec.EncodeBatch([]protocol.Outgoing{
		{Method: "entityModified", Payload: map[string]interface{}{
			"id": 7, "pos": []float64{1, 1, 1}, "hp": 25,
		}},
		{Method: "entityAdded", Payload: map[string]interface{}{
			"id": 7, "type": "npc", "pos": []float64{0, 0, 0},
		}},
	})
	require.NoError(t, err)
	cp.manager.Receive(frame)
	cp.manager.Flush()

	e, ok := cp.manager.Registry().Get(7)
	require.True(t, ok, "сущность из batch-кадра должна существовать")
	assert.InDelta(t, 1, e.Position.X, 1e-9, "отложенная дельта воспроизводится после создания")
	assert.EqualValues(t, 25, e.Payload["hp"])
}

// TestDisconnectDropsQueuedFrames проверяет, что разрыв снимает сессию
// и очищает очередь: пакеты прежнего соединения не применяются после реконнекта
func TestDisconnectDropsQueuedFrames(t *testing.T) {
	cp := newClientPipeline(t)
	cp.deliver(t, "snapshot", worldSnapshot([]float64{0, 2, 0}))

	// Кадр успел прийти, но не применился до разрыва
	frame, err := cp.codec.Encode("entityModified", map[string]interface{}{
		"id": 2, "pos": []float64{-99, 0, 0},
	})
	require.NoError(t, err)
	cp.manager.Receive(frame)

	cp.manager.HandleDisconnect(errors.New("обрыв"))
	assert.False(t, cp.manager.SessionActive())

	cp.manager.Flush()
	npc, ok := cp.manager.Registry().Get(2)
	require.True(t, ok)
	assert.InDelta(t, 10, npc.Position.X, 1e-9, "устаревший кадр не должен применяться")

	// Свежий snapshot восстанавливает сессию и обновляет мир
	cp.deliver(t, "snapshot", worldSnapshot([]float64{3, 2, 3}))
	assert.True(t, cp.manager.SessionActive())
	assert.InDelta(t, 3, cp.actor.Position().X, 1e-9)
}

// TestOutboxBatchesMoves проверяет, что частые move-команды уходят
// одним batch-кадром через подключённый батчер
func TestOutboxBatchesMoves(t *testing.T) {
	cp := newClientPipeline(t)
	cp.deliver(t, "snapshot", worldSnapshot([]float64{0, 2, 0}))

	outbox := gsync.NewBatchManager(cp.transport, 16, time.Hour)
	t.Cleanup(outbox.Stop)
	cp.manager.AttachOutbox(outbox)

	for i := 1; i <= 3; i++ {
		pos := vec.Vec3Float{X: float64(i)}
		require.NoError(t, cp.manager.SendMove(pos, vec.QuatIdentity(), vec.Vec3Float{}))
	}
	outbox.Flush()

	cp.transport.mu.Lock()
	defer cp.transport.mu.Unlock()
	require.Len(t, cp.transport.batches, 1, "три move уходят одним батчем")
	assert.Len(t, cp.transport.batches[0], 3)
	assert.Equal(t, "move", cp.transport.batches[0][0].Method)
}

// TestCachePersistsSessionData проверяет, что применённый мир доезжает
// до локального кеша: настройки, персонажи, токен сессии и чат
func TestCachePersistsSessionData(t *testing.T) {
	cp := newClientPipeline(t)

	cache, err := storage.NewClientCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	cp.manager.SetCache(cache)

	snapshot := worldSnapshot([]float64{0, 2, 0})
	snapshot["settings"] = map[string]interface{}{"pvp": true, "renderDistance": 8.0}
	snapshot["characters"] = []map[string]interface{}{
		{"id": 11, "name": "Арагорн"},
	}
	snapshot["authToken"] = "token-123"
	cp.deliver(t, "snapshot", snapshot)

	cp.deliver(t, "chatAdded", map[string]interface{}{
		"from": "hero", "text": "привет", "time": time.Now().UnixMilli(),
	})

	settings, err := cache.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, true, settings["pvp"])

	chars, err := cache.LoadCharacters()
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "Арагорн", chars[0].Name)

	token, err := cache.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "token-123", token)

	history, err := cache.ChatHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "привет", history[0].Text)
}
