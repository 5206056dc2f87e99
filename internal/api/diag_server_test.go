package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/physics"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/storage"
	gsync "github.com/annel0/mmo-client/internal/sync"
	"github.com/annel0/mmo-client/internal/vec"
)

// diagTransport минимальный транспорт для менеджера синхронизации
type diagTransport struct{}

func (diagTransport) IsConnected() bool                   { return true }
func (diagTransport) Send(string, interface{}) error      { return nil }
func (diagTransport) SendBatch([]protocol.Outgoing) error { return nil }
func (diagTransport) CalibrateFromSnapshot(int64)         {}
func (diagTransport) CalibrateFromPong(*protocol.Pong)    {}

type diagFixture struct {
	server *DiagServer
	sync   *gsync.Manager
	engine *physics.Engine
	cache  *storage.MemoryCache
}

func newDiagFixture(t *testing.T) *diagFixture {
	t.Helper()

	m, err := gsync.NewManager(diagTransport{}, nil, gsync.DefaultOptions(), logging.NewConsoleLogger("diag-test"))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	engine := physics.NewEngine(physics.EngineOptions{}, nil, logging.NewConsoleLogger("diag-test"))
	t.Cleanup(engine.Close)

	cache := storage.NewMemoryCache()

	ds := NewDiagServer(DiagConfig{
		Sync:   m,
		Engine: engine,
		Cache:  cache,
	}, logging.NewConsoleLogger("diag-test"))

	return &diagFixture{server: ds, sync: m, engine: engine, cache: cache}
}

func (f *diagFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.server.router.ServeHTTP(w, req)
	return w
}

func (f *diagFixture) getJSON(t *testing.T, path string, wantCode int) map[string]interface{} {
	t.Helper()
	w := f.get(t, path)
	require.Equal(t, wantCode, w.Code, "тело ответа: %s", w.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// feedEntity прогоняет entityAdded через настоящий менеджер синхронизации
func (f *diagFixture) feedEntity(t *testing.T, id uint64) {
	t.Helper()
	codec, err := protocol.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	frame, err := codec.Encode("entityAdded", map[string]interface{}{
		"id": id, "type": "npc", "pos": []float64{1, 2, 3},
	})
	require.NoError(t, err)

	f.sync.Receive(frame)
	f.sync.Flush()
}

func TestHealthz(t *testing.T) {
	f := newDiagFixture(t)

	body := f.getJSON(t, "/healthz", http.StatusOK)
	assert.Equal(t, "ok", body["status"])
	assert.NotZero(t, body["time"])
}

// Без соединения клиент не готов, причина указывается в ответе
func TestReadyzWithoutConnection(t *testing.T) {
	f := newDiagFixture(t)

	body := f.getJSON(t, "/readyz", http.StatusServiceUnavailable)
	assert.Equal(t, false, body["ready"])
	assert.Contains(t, body["reason"], "соединения")
}

func TestStatusSections(t *testing.T) {
	f := newDiagFixture(t)
	f.feedEntity(t, 7)

	body := f.getJSON(t, "/status", http.StatusOK)

	require.Contains(t, body, "process")
	require.Contains(t, body, "system")
	require.Contains(t, body, "memory_detail")
	require.Contains(t, body, "sync")
	require.Contains(t, body, "physics")
	assert.NotContains(t, body, "network", "без соединения секция сети не заполняется")

	syncSection := body["sync"].(map[string]interface{})
	assert.EqualValues(t, 1, syncSection["entities"])
	assert.EqualValues(t, 0, syncSection["queue_depth"])

	process := body["process"].(map[string]interface{})
	assert.NotEmpty(t, process["uptime"])
}

func TestDebugEntities(t *testing.T) {
	f := newDiagFixture(t)
	f.feedEntity(t, 9)
	f.feedEntity(t, 3)

	body := f.getJSON(t, "/debug/entities", http.StatusOK)
	assert.EqualValues(t, 2, body["total"])

	entities := body["entities"].([]interface{})
	require.Len(t, entities, 2)

	first := entities[0].(map[string]interface{})
	assert.EqualValues(t, 3, first["ID"], "сущности должны быть отсортированы по id")

	// limit ограничивает выдачу, но не total
	body = f.getJSON(t, "/debug/entities?limit=1", http.StatusOK)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["entities"].([]interface{}), 1)
}

func TestDebugPhysics(t *testing.T) {
	f := newDiagFixture(t)

	_, err := f.engine.CreateBody(physics.BodyDef{
		Kind:     physics.BodyStatic,
		Shape:    physics.SphereShape(1.0),
		Position: vec.Vec3Float{Y: 5},
	})
	require.NoError(t, err)

	body := f.getJSON(t, "/debug/physics", http.StatusOK)
	assert.EqualValues(t, 1, body["bodies"])
	assert.EqualValues(t, 0, body["handles"])
	assert.Equal(t, false, body["degraded"])
}

func TestDebugCache(t *testing.T) {
	f := newDiagFixture(t)

	require.NoError(t, f.cache.SaveSettings(map[string]interface{}{"volume": 0.5, "lang": "ru"}))
	require.NoError(t, f.cache.AppendChat(protocol.ChatMessage{From: "hero", Text: "привет"}))
	require.NoError(t, f.cache.SaveSession("token-123"))

	body := f.getJSON(t, "/debug/cache", http.StatusOK)
	assert.EqualValues(t, 2, body["settings_keys"])
	assert.EqualValues(t, 1, body["chat_messages"])
	assert.EqualValues(t, 0, body["characters"])
	assert.Equal(t, true, body["session_present"])
}

// Эндпоинт /metrics отдаёт зарегистрированные Prometheus-коллекторы
func TestMetricsEndpoint(t *testing.T) {
	f := newDiagFixture(t)
	f.get(t, "/healthz")

	w := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_inflight")
}

// Сервер без зависимостей отвечает 503 на отладочных маршрутах, а не паникует
func TestDetachedDependencies(t *testing.T) {
	ds := NewDiagServer(DiagConfig{}, logging.NewConsoleLogger("diag-test"))
	f := &diagFixture{server: ds}

	f.getJSON(t, "/debug/entities", http.StatusServiceUnavailable)
	f.getJSON(t, "/debug/physics", http.StatusServiceUnavailable)
	f.getJSON(t, "/debug/cache", http.StatusServiceUnavailable)
	f.getJSON(t, "/healthz", http.StatusOK)
}
