package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/mmo-client/internal/api"
	"github.com/annel0/mmo-client/internal/auth"
	"github.com/annel0/mmo-client/internal/config"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/metrics"
	"github.com/annel0/mmo-client/internal/network"
	"github.com/annel0/mmo-client/internal/observability"
	"github.com/annel0/mmo-client/internal/physics"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/render"
	"github.com/annel0/mmo-client/internal/storage"
	gsync "github.com/annel0/mmo-client/internal/sync"
	"github.com/annel0/mmo-client/internal/terrain"
	"github.com/annel0/mmo-client/internal/vec"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (иначе ENV MMO_CONFIG)")
	flag.Parse()

	// Инициализируем систему логирования
	if err := logging.InitDefaultLogger("client"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🎮 Запуск MMO клиента...")

	// === КОНФИГУРАЦИЯ ===
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка чтения конфигурации: %v", err)
		log.Fatalf("❌ Ошибка чтения конфигурации: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{} // дефолты через геттеры
	}

	serverAddr := cfg.Network.GetServerAddr()
	diagPort := cfg.Diagnostics.GetDiagnosticsPort()
	logging.Info("📡 Конфигурация: сервер=%s, канал=%s, диагностика=:%d",
		serverAddr, cfg.Network.GetChannel(), diagPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === ТЕЛЕМЕТРИЯ ===
	if endpoint := cfg.Telemetry.GetEndpoint(); endpoint != "" {
		shutdown, err := observability.InitTelemetry(ctx, "mmo-client", endpoint)
		if err != nil {
			logging.Warn("⚠️ Телеметрия не инициализирована: %v", err)
		} else {
			defer func() {
				shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shCancel()
				_ = shutdown(shCtx)
			}()
		}
	}

	// === ШИНА СОБЫТИЙ ===
	bus := buildBus(cfg)
	eventbus.Init(bus)

	busMetrics := eventbus.NewMetricsExporter(bus)
	busMetrics.Start()
	defer busMetrics.Stop()

	if err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("⚠️ Журнал событий шины не подключен: %v", err)
	}

	// === ЛОКАЛЬНЫЙ КЕШ ===
	cache := openCache(cfg)
	defer cache.Close()

	// === ФИЗИКА И ЛАНДШАФТ ===
	logging.Debug("Создание физического движка...")
	engine := physics.NewEngine(physics.EngineOptions{
		Gravity:      cfg.Physics.GetGravity(),
		CallbackPool: cfg.Physics.GetCallbackPool(),
		OverlapPool:  cfg.Physics.GetOverlapPool(),
	}, bus, logging.GetComponentLogger("physics"))
	defer engine.Close()

	sampler := terrain.NewSampler(terrain.Params{
		Seed:  cfg.Terrain.GetSeed(),
		Scale: cfg.Terrain.GetScale(),
	})
	groundY := sampler.HeightAt(0, 0)

	// Статическая плита пола по высоте ландшафта в точке спавна
	if _, err := engine.CreateBody(physics.BodyDef{
		Kind:     physics.BodyStatic,
		Shape:    physics.BoxShape(vec.Vec3Float{X: 512, Y: 1, Z: 512}),
		Position: vec.Vec3Float{Y: groundY - 1},
	}); err != nil {
		logging.Warn("⚠️ Плита пола не создана: %v", err)
	}

	// Тело локального игрока: кинематика, позу диктуют сервер и ввод
	playerBody, err := engine.CreateBody(physics.BodyDef{
		Kind:     physics.BodyKinematic,
		Shape:    physics.SphereShape(0.9),
		Position: vec.Vec3Float{Y: groundY + 2},
	})
	if err != nil {
		logging.Warn("⚠️ Тело игрока не создано, коррекции позиции будут игнорироваться: %v", err)
	}
	playerHandle := &physics.Handle{Tag: "local_player", Interpolate: true}
	actor := engine.Attach(playerBody, playerHandle)

	// === СИНХРОНИЗАЦИЯ ===
	logging.Debug("Создание менеджера синхронизации...")
	syncOpts := gsync.DefaultOptions()
	syncOpts.PendingCap = cfg.Sync.GetPendingCap()
	syncOpts.SnapThreshold = cfg.Physics.GetSnapThreshold()

	holder := newConnHolder(bus)
	manager, err := gsync.NewManager(holder, bus, syncOpts, logging.GetComponentLogger("sync"))
	if err != nil {
		logging.Error("❌ Ошибка создания менеджера синхронизации: %v", err)
		log.Fatalf("❌ Ошибка создания менеджера синхронизации: %v", err)
	}
	defer manager.Close()
	manager.SetLocalActor(actor)
	manager.SetHeightSampler(sampler)
	manager.SetCache(cache)

	outbox := gsync.NewBatchManager(holder, cfg.Sync.GetBatchSize(), cfg.Sync.GetFlushEvery())
	manager.AttachOutbox(outbox)

	// === ТОКЕН СЕССИИ ===
	keeper := auth.NewTokenKeeper(bus, logging.GetComponentLogger("auth"), auth.KeeperOptions{})
	if err := keeper.Start(ctx); err != nil {
		logging.Warn("⚠️ Хранитель токена не запущен: %v", err)
	}
	if token, err := cache.LoadSession(); err == nil && token != "" {
		if err := keeper.SetToken(token); err != nil {
			logging.Debug("Сохранённый токен сессии не разобран: %v", err)
		}
	}

	// === ПОДКЛЮЧЕНИЕ ===
	clientMetrics := metrics.NewClientMetrics()
	connCfg := &network.ConnConfig{
		Addr:           serverAddr,
		Channel:        parseChannel(cfg.Network.GetChannel()),
		ConnectTimeout: time.Duration(cfg.Network.GetConnectTimeout()) * time.Second,
		Key:            cfg.Network.KCPKey,
	}
	holder.wire(ctx, connCfg, manager, clientMetrics)

	logging.Debug("Подключение к серверу...")
	if err := holder.connect(ctx); err != nil {
		logging.Error("❌ Подключение к %s: %v", serverAddr, err)
		log.Fatalf("❌ Подключение к %s: %v", serverAddr, err)
	}

	// === ДИАГНОСТИЧЕСКИЙ HTTP СЕРВЕР ===
	logging.Debug("Запуск диагностического сервера...")
	diag := api.NewDiagServer(api.DiagConfig{
		Port:   fmt.Sprintf(":%d", diagPort),
		Sync:   manager,
		Engine: engine,
		Conn:   holder,
		Cache:  cache,
	}, logging.GetComponentLogger("api"))
	if err := diag.Start(); err != nil {
		logging.Error("❌ Ошибка запуска диагностики: %v", err)
	}

	// === ИГРОВОЙ ЦИКЛ ===
	fixedStep := time.Duration(cfg.Physics.GetFixedStep() * float64(time.Second))
	interp := render.NewInterpolator(engine, fixedStep)
	loop := &gameLoop{
		sync:    manager,
		engine:  engine,
		interp:  interp,
		conn:    holder,
		body:    playerBody,
		metrics: clientMetrics,
	}
	go loop.run(ctx)

	logging.Info("✅ Клиент запущен и синхронизируется с миром")
	logging.Info("   🌐 Сервер: %s (%s)", serverAddr, cfg.Network.GetChannel())
	logging.Info("   📊 Диагностика: http://localhost:%d/status", diagPort)
	logging.Info("   ❤️  Health check: http://localhost:%d/healthz", diagPort)

	// Канал для получения сигналов ОС
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logging.Info("📡 Получен сигнал %v, завершение работы...", sig)

	// === GRACEFUL SHUTDOWN ===
	cancel() // останавливает игровой цикл, переподключение и хранитель токена

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := diag.Stop(stopCtx); err != nil {
		logging.Error("❌ Ошибка остановки диагностики: %v", err)
	}

	outbox.Stop()
	holder.close()
	manager.Close()

	logging.Info("👋 Клиент остановлен")
}

// buildBus выбирает шину событий: JetStream при заданном NATS URL,
// иначе внутрипроцессная
func buildBus(cfg *config.Config) eventbus.EventBus {
	if url := cfg.EventBus.GetURL(); url != "" {
		bus, err := eventbus.NewJetStreamBus(url, cfg.EventBus.GetStream(), cfg.EventBus.GetRetention())
		if err == nil {
			logging.Info("📨 Шина событий: JetStream %s", url)
			return bus
		}
		logging.Warn("⚠️ JetStream недоступен (%v), используется внутрипроцессная шина", err)
	}
	return eventbus.NewMemoryBus(1024)
}

// localCache объединяет поверхности кеша для синхронизации и диагностики
type localCache interface {
	gsync.Cache
	api.CacheInspector
	Close() error
}

// openCache открывает Badger-кеш, при отказе откатывается на память
func openCache(cfg *config.Config) localCache {
	cache, err := storage.NewClientCache(cfg.Cache.GetCacheDir())
	if err != nil {
		logging.Warn("⚠️ Локальный кеш недоступен (%v), данные не переживут перезапуск", err)
		return storage.NewMemoryCache()
	}
	return cache
}

// parseChannel переводит строку конфигурации в тип канала
func parseChannel(name string) network.ChannelType {
	switch name {
	case "websocket", "ws":
		return network.ChannelWebSocket
	default:
		return network.ChannelKCP
	}
}

// connHolder держит текущее соединение и пересоздаёт его при разрывах
// с экспоненциальной паузой. Реализует транспорт менеджера синхронизации
// и поверхность диагностики, поэтому остальные подсистемы не замечают смены
// соединения.
type connHolder struct {
	mu      sync.Mutex
	conn    *network.Conn
	redial  bool
	bus     eventbus.EventBus
	cfg     *network.ConnConfig
	manager *gsync.Manager
	metrics *metrics.ClientMetrics
	rootCtx context.Context
}

func newConnHolder(bus eventbus.EventBus) *connHolder {
	return &connHolder{bus: bus}
}

// wire задаёт параметры подключения и потребителей кадров
func (h *connHolder) wire(ctx context.Context, cfg *network.ConnConfig, manager *gsync.Manager, cm *metrics.ClientMetrics) {
	h.rootCtx = ctx
	h.cfg = cfg
	h.manager = manager
	h.metrics = cm
}

// connect устанавливает соединение и подключает обработчики
func (h *connHolder) connect(ctx context.Context) error {
	conn, err := network.Dial(ctx, h.cfg, h.bus, logging.GetNetworkLogger())
	if err != nil {
		return err
	}

	conn.OnFrame(h.manager.Receive)
	conn.SetDisconnectHandler(h.onDisconnect)

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	return nil
}

// onDisconnect закрывает сессию и запускает цикл переподключения
func (h *connHolder) onDisconnect(cause error) {
	logging.Warn("⚠️ Соединение потеряно: %v", cause)
	h.manager.HandleDisconnect(cause)
	h.metrics.Reconnects.Inc()

	h.mu.Lock()
	h.conn = nil
	if h.redial {
		h.mu.Unlock()
		return
	}
	h.redial = true
	h.mu.Unlock()

	go h.reconnectLoop()
}

// reconnectLoop пытается восстановить соединение с нарастающей паузой.
// Новый snapshot после подключения сервер шлёт сам.
func (h *connHolder) reconnectLoop() {
	defer func() {
		h.mu.Lock()
		h.redial = false
		h.mu.Unlock()
	}()

	delay := 3 * time.Second
	for {
		select {
		case <-h.rootCtx.Done():
			return
		case <-time.After(delay):
		}

		logging.Info("🔄 Переподключение к %s...", h.cfg.Addr)
		err := h.connect(h.rootCtx)
		if err == nil {
			logging.Info("✅ Соединение восстановлено")
			return
		}
		logging.Warn("⚠️ Переподключение не удалось: %v", err)

		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

// current возвращает живое соединение или nil
func (h *connHolder) current() *network.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *connHolder) close() {
	if conn := h.current(); conn != nil {
		_ = conn.Close()
	}
}

// Транспорт менеджера синхронизации

func (h *connHolder) IsConnected() bool {
	conn := h.current()
	return conn != nil && conn.IsConnected()
}

func (h *connHolder) Send(method string, payload interface{}) error {
	conn := h.current()
	if conn == nil {
		return network.ErrNotConnected
	}
	return conn.Send(method, payload)
}

func (h *connHolder) SendBatch(items []protocol.Outgoing) error {
	conn := h.current()
	if conn == nil {
		return network.ErrNotConnected
	}
	return conn.SendBatch(items)
}

func (h *connHolder) CalibrateFromSnapshot(serverTimeMs int64) {
	if conn := h.current(); conn != nil {
		conn.CalibrateFromSnapshot(serverTimeMs)
	}
}

func (h *connHolder) CalibrateFromPong(p *protocol.Pong) {
	if conn := h.current(); conn != nil {
		conn.CalibrateFromPong(p)
	}
}

// Поверхность диагностики

func (h *connHolder) Stats() network.ConnectionStats {
	if conn := h.current(); conn != nil {
		return conn.Stats()
	}
	return network.ConnectionStats{}
}

func (h *connHolder) RTT() time.Duration {
	if conn := h.current(); conn != nil {
		return conn.RTT()
	}
	return 0
}

func (h *connHolder) Offset() time.Duration {
	if conn := h.current(); conn != nil {
		return conn.Offset()
	}
	return 0
}

func (h *connHolder) ServerNow() time.Time {
	if conn := h.current(); conn != nil {
		return conn.ServerNow()
	}
	return time.Now()
}

func (h *connHolder) Ping() error {
	conn := h.current()
	if conn == nil {
		return network.ErrNotConnected
	}
	return conn.Ping()
}

// gameLoop владеет порядком кадра: применение пакетов, фиксированный шаг
// физики, интерполяция. Всё выполняется на одной горутине.
type gameLoop struct {
	sync    *gsync.Manager
	engine  *physics.Engine
	interp  *render.Interpolator
	conn    *connHolder
	body    *physics.Body
	metrics *metrics.ClientMetrics

	lastSent vec.Vec3Float
}

func (gl *gameLoop) run(ctx context.Context) {
	fixed := gl.interp.FixedStep()

	fixedTicker := time.NewTicker(fixed)
	defer fixedTicker.Stop()
	renderTicker := time.NewTicker(fixed / 2)
	defer renderTicker.Stop()
	statsTicker := time.NewTicker(time.Second)
	defer statsTicker.Stop()
	pingTicker := time.NewTicker(10 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-fixedTicker.C:
			gl.sync.Flush()
			gl.engine.PreFixedUpdate()
			gl.engine.PostFixedUpdate(fixed.Seconds())
			gl.interp.MarkStep(time.Now())
			gl.reportPosition()

		case now := <-renderTicker.C:
			gl.interp.Frame(now)
			gl.metrics.Frames.Inc()

		case <-pingTicker.C:
			if err := gl.conn.Ping(); err != nil {
				logging.Debug("Пинг не отправлен: %v", err)
			}

		case <-statsTicker.C:
			gl.observe()
		}
	}
}

// reportPosition шлёт позицию локального игрока, если она изменилась
func (gl *gameLoop) reportPosition() {
	if gl.body == nil || !gl.sync.SessionActive() {
		return
	}

	pos := gl.body.Position()
	if pos.Sub(gl.lastSent).Length() < 1e-3 {
		return
	}
	gl.lastSent = pos

	if err := gl.sync.SendMove(pos, gl.body.Orientation(), gl.body.Velocity()); err != nil {
		logging.Debug("Отправка перемещения: %v", err)
	}
}

// observe выставляет gauge-метрики по текущему состоянию подсистем
func (gl *gameLoop) observe() {
	gl.metrics.Entities.Set(float64(gl.sync.Registry().Count()))
	gl.metrics.SyncQueueDepth.Set(float64(gl.sync.QueueLen()))

	if conn := gl.conn.current(); conn != nil {
		conn.Metrics().UpdateBandwidth()
		st := conn.Stats()
		gl.metrics.RTT.Set(float64(conn.RTT().Milliseconds()))
		gl.metrics.BytesSent.Set(float64(st.BytesSent))
		gl.metrics.BytesReceived.Set(float64(st.BytesReceived))
	}
}
