package sync

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/vec"
)

// Transport минимальная поверхность соединения, нужная менеджеру синхронизации
type Transport interface {
	IsConnected() bool
	Send(method string, payload interface{}) error
	SendBatch(items []protocol.Outgoing) error
	CalibrateFromSnapshot(serverTimeMs int64)
	CalibrateFromPong(p *protocol.Pong)
}

// LocalActor физическое тело локального игрока, принимающее авторитативные коррекции
type LocalActor interface {
	Position() vec.Vec3Float
	Move(pos vec.Vec3Float, rot vec.Quat)
	Snap(pos vec.Vec3Float, rot vec.Quat)
}

// HeightSampler отдаёт высоту поверхности для диагностики высоты спавна
type HeightSampler interface {
	HeightAt(x, z float64) float64
}

// Cache локальный кеш клиента: настройки, чат, персонажи, сессия
type Cache interface {
	SaveSettings(settings map[string]interface{}) error
	AppendChat(msg protocol.ChatMessage) error
	ClearChat() error
	SaveCharacters(chars []protocol.CharacterInfo) error
	SaveSession(token string) error
}

// Options параметры менеджера синхронизации
type Options struct {
	PendingCap    int     // ёмкость буфера отложенных дельт на сущность
	SnapThreshold float64 // ошибка позиции, выше которой коррекция становится snap
	MinSpawnY     float64 // ниже этой высоты спавн считается неправдоподобным
	SafeSpawnY    float64 // безопасный пол при отсутствии данных ландшафта
}

// DefaultOptions возвращает параметры по умолчанию
func DefaultOptions() Options {
	return Options{
		PendingCap:    64,
		SnapThreshold: 2.0,
		MinSpawnY:     -50.0,
		SafeSpawnY:    2.0,
	}
}

// Manager — менеджер синхронизации сущностей. Принимает кадры от соединения,
// декодирует их и применяет к реестру строго в порядке прибытия. Дельты для
// ещё не созданных сущностей откладываются и воспроизводятся при создании.
//
// Применение пакетов (Flush) выполняется на одной горутине игрового цикла;
// Receive может вызываться из горутины канала.
type Manager struct {
	transport Transport
	codec     *protocol.Codec
	logger    *logging.Logger
	bus       eventbus.EventBus
	opts      Options

	// Очередь входящих пакетов: срез с головным индексом, FIFO
	mu    sync.Mutex
	queue []*protocol.Packet
	head  int

	registry *Registry
	pending  *pendingBuffer
	outbox   *BatchManager

	// Состояние сессии и данные snapshot
	stateMu    sync.RWMutex
	session    bool
	localID    uint64
	apiURL     string
	assetsURL  string
	settings   map[string]interface{}
	chat       []protocol.ChatMessage
	characters []protocol.CharacterInfo
	inventory  []protocol.InventorySlot
	account    *protocol.AccountInfo
	voice      *protocol.VoiceConfig

	actor   LocalActor
	heights HeightSampler
	cache   Cache
}

const maxChatHistory = 256

// NewManager создаёт менеджер синхронизации.
// transport, bus и необязательные зависимости (actor, heights, cache)
// подключаются до начала игрового цикла.
func NewManager(transport Transport, bus eventbus.EventBus, opts Options, logger *logging.Logger) (*Manager, error) {
	codec, err := protocol.NewCodec()
	if err != nil {
		return nil, err
	}

	if opts.PendingCap <= 0 {
		opts.PendingCap = DefaultOptions().PendingCap
	}
	if opts.SnapThreshold <= 0 {
		opts.SnapThreshold = DefaultOptions().SnapThreshold
	}

	return &Manager{
		transport: transport,
		codec:     codec,
		logger:    logger,
		bus:       bus,
		opts:      opts,
		registry:  NewRegistry(),
		pending:   newPendingBuffer(opts.PendingCap),
	}, nil
}

// SetLocalActor подключает физическое тело локального игрока
func (m *Manager) SetLocalActor(actor LocalActor) {
	m.stateMu.Lock()
	m.actor = actor
	m.stateMu.Unlock()
}

// SetHeightSampler подключает сэмплер высот ландшафта
func (m *Manager) SetHeightSampler(h HeightSampler) {
	m.stateMu.Lock()
	m.heights = h
	m.stateMu.Unlock()
}

// SetCache подключает локальный кеш клиента
func (m *Manager) SetCache(c Cache) {
	m.stateMu.Lock()
	m.cache = c
	m.stateMu.Unlock()
}

// AttachOutbox подключает батчер исходящих изменений
func (m *Manager) AttachOutbox(b *BatchManager) {
	m.stateMu.Lock()
	m.outbox = b
	m.stateMu.Unlock()
}

// Registry возвращает реестр сущностей для внешних читателей
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Receive декодирует кадр и ставит пакет в очередь в порядке прибытия.
// Ошибка декодирования отбрасывает только этот кадр.
func (m *Manager) Receive(frame []byte) {
	pkt, err := m.codec.Decode(frame)
	if err != nil {
		m.logger.Warn("Кадр отброшен: %v", err)
		return
	}

	m.mu.Lock()
	m.queue = append(m.queue, pkt)
	m.mu.Unlock()
}

// Flush применяет накопленные пакеты строго FIFO. Паника обработчика гасится,
// дрейн продолжается со следующего пакета. При закрытом соединении — no-op.
func (m *Manager) Flush() {
	if m.transport != nil && !m.transport.IsConnected() {
		return
	}

	for {
		m.mu.Lock()
		if m.head >= len(m.queue) {
			m.queue = m.queue[:0]
			m.head = 0
			m.mu.Unlock()
			return
		}
		pkt := m.queue[m.head]
		m.queue[m.head] = nil
		m.head++
		m.mu.Unlock()

		m.apply(pkt)
	}
}

// QueueLen возвращает число необработанных пакетов в очереди
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) - m.head
}

// apply обрабатывает один пакет по его методу
func (m *Manager) apply(pkt *protocol.Packet) {
	if pkt == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Паника в обработчике %s: %v", pkt.Method, r)
		}
	}()

	switch pkt.Method {
	case protocol.MethodSnapshot:
		m.onSnapshot(pkt.Snapshot)
	case protocol.MethodEntityAdded:
		m.onEntityAdded(pkt.EntityAdded)
	case protocol.MethodEntityModified:
		m.onEntityModified(pkt.EntityDelta)
	case protocol.MethodEntityRemoved:
		if pkt.EntityRemoved != nil {
			m.onEntityRemoved(pkt.EntityRemoved.ID)
		}
	case protocol.MethodSettingsModified:
		m.onSettingsModified(pkt.Settings)
	case protocol.MethodChatAdded:
		m.onChatAdded(pkt.Chat)
	case protocol.MethodChatCleared:
		m.onChatCleared()
	case protocol.MethodResourceSpawned, protocol.MethodResourceDepleted, protocol.MethodResourceRespawned:
		m.onResource(pkt.Method, pkt.Resource)
	case protocol.MethodInventoryUpdated:
		m.onInventoryUpdated(pkt.Inventory)
	case protocol.MethodCharacterList:
		if pkt.CharacterList != nil {
			m.onCharacterList(pkt.CharacterList.Characters)
		}
	case protocol.MethodCharacterCreated:
		m.onCharacterCreated(pkt.Character)
	case protocol.MethodCharacterSelected:
		m.onCharacterSelected(pkt.Selected)
	case protocol.MethodKick:
		m.onKick(pkt.Kick)
	case protocol.MethodPong:
		if m.transport != nil && pkt.Pong != nil {
			m.transport.CalibrateFromPong(pkt.Pong)
		}
	case protocol.MethodBatch:
		for _, inner := range pkt.Batch {
			m.apply(inner)
		}
	case protocol.MethodUnknown:
		m.logger.Warn("Неизвестный метод %q (%d байт) — пакет пропущен", pkt.RawMethod, len(pkt.Raw))
	}
}

// onSnapshot применяет полное состояние мира при (пере)подключении
func (m *Manager) onSnapshot(s *protocol.Snapshot) {
	if s == nil {
		m.logger.Warn("Snapshot без полезной нагрузки — пропущен")
		return
	}

	m.stateMu.Lock()
	m.session = true
	m.localID = s.ID
	m.apiURL = s.APIURL
	m.assetsURL = s.AssetsURL
	if s.Settings != nil {
		m.settings = s.Settings
	}
	if s.Chat != nil {
		m.chat = append(m.chat[:0], s.Chat...)
	}
	if len(s.Characters) > 0 {
		m.characters = append(m.characters[:0], s.Characters...)
	}
	m.account = s.Account
	m.voice = s.VoiceConfig
	cache := m.cache
	m.stateMu.Unlock()

	if m.transport != nil {
		m.transport.CalibrateFromSnapshot(s.ServerTime)
	}

	if cache != nil {
		if s.Settings != nil {
			if err := cache.SaveSettings(s.Settings); err != nil {
				m.logger.Warn("Кеширование настроек: %v", err)
			}
		}
		if len(s.Characters) > 0 {
			if err := cache.SaveCharacters(s.Characters); err != nil {
				m.logger.Warn("Кеширование персонажей: %v", err)
			}
		}
		if s.AuthToken != "" {
			if err := cache.SaveSession(s.AuthToken); err != nil {
				m.logger.Warn("Кеширование токена сессии: %v", err)
			}
		}
	}

	if s.AuthToken != "" {
		m.publish(eventbus.EventTokenRefreshed, map[string]string{"token": s.AuthToken})
	}

	for i := range s.Entities {
		m.onEntityAdded(&s.Entities[i])
	}

	m.logger.Info("✅ Snapshot применён: id=%d, сущностей=%d, персонажей=%d",
		s.ID, len(s.Entities), len(s.Characters))

	// Пустой мир со списком персонажей — этап выбора персонажа
	if len(s.Entities) == 0 && len(s.Characters) > 0 {
		m.publish(eventbus.EventCharacterListReady, &protocol.CharacterList{Characters: s.Characters})
	}
}

// onEntityAdded вставляет сущность и воспроизводит её отложенные дельты
func (m *Manager) onEntityAdded(st *protocol.EntityState) {
	if st == nil {
		m.logger.Warn("entityAdded без полезной нагрузки — пропущен")
		return
	}

	e := entityFromState(st)
	isLocal := e.ID != 0 && e.ID == m.LocalID()
	if isLocal {
		m.guardSpawnHeight(e)
	}

	m.registry.upsert(e)

	if isLocal {
		// Начальный трансформ ставится жёстко, без блендинга от прежней позы
		if actor := m.localActor(); actor != nil {
			actor.Snap(e.Position, e.Orientation)
		}
	}

	// Воспроизводим отложенные дельты в порядке их прибытия
	if pending := m.pending.take(e.ID); len(pending) > 0 {
		m.logger.Debug("Воспроизведение %d отложенных дельт для сущности %d", len(pending), e.ID)
		for _, d := range pending {
			m.applyDelta(d)
		}
	}

	m.publish(eventbus.EventEntityAdded, st)
}

// onEntityModified применяет дельту или откладывает её, если сущность неизвестна
func (m *Manager) onEntityModified(d *protocol.EntityDelta) {
	if d == nil {
		m.logger.Warn("entityModified без полезной нагрузки — пропущен")
		return
	}

	if !m.registry.Has(d.ID) {
		m.pending.add(d)
		return
	}

	m.applyDelta(d)
}

// onEntityRemoved удаляет сущность вместе с её отложенными дельтами
func (m *Manager) onEntityRemoved(id uint64) {
	m.pending.drop(id)
	if !m.registry.remove(id) {
		m.logger.Debug("entityRemoved для неизвестной сущности %d", id)
		return
	}
	m.publish(eventbus.EventEntityRemoved, map[string]uint64{"id": id})
}

// onSettingsModified обновляет одну настройку
func (m *Manager) onSettingsModified(sc *protocol.SettingsChange) {
	if sc == nil {
		return
	}

	m.stateMu.Lock()
	if m.settings == nil {
		m.settings = make(map[string]interface{})
	}
	m.settings[sc.Key] = sc.Value
	snapshot := make(map[string]interface{}, len(m.settings))
	for k, v := range m.settings {
		snapshot[k] = v
	}
	cache := m.cache
	m.stateMu.Unlock()

	if cache != nil {
		if err := cache.SaveSettings(snapshot); err != nil {
			m.logger.Warn("Кеширование настроек: %v", err)
		}
	}
	m.publish(eventbus.EventSettingsChanged, sc)
}

// onChatAdded добавляет сообщение в историю чата
func (m *Manager) onChatAdded(msg *protocol.ChatMessage) {
	if msg == nil {
		return
	}

	m.stateMu.Lock()
	m.chat = append(m.chat, *msg)
	if len(m.chat) > maxChatHistory {
		m.chat = m.chat[len(m.chat)-maxChatHistory:]
	}
	cache := m.cache
	m.stateMu.Unlock()

	if cache != nil {
		if err := cache.AppendChat(*msg); err != nil {
			m.logger.Warn("Кеширование сообщения чата: %v", err)
		}
	}
	m.publish(eventbus.EventChatMessage, msg)
}

// onChatCleared очищает историю чата
func (m *Manager) onChatCleared() {
	m.stateMu.Lock()
	m.chat = m.chat[:0]
	cache := m.cache
	m.stateMu.Unlock()

	if cache != nil {
		if err := cache.ClearChat(); err != nil {
			m.logger.Warn("Очистка кеша чата: %v", err)
		}
	}
	m.publish(eventbus.EventChatCleared, nil)
}

// onResource транслирует событие ресурса наблюдателям
func (m *Manager) onResource(method protocol.Method, ev *protocol.ResourceEvent) {
	if ev == nil {
		return
	}
	m.publish(eventbus.EventResourceChanged, map[string]interface{}{
		"action": method.String(),
		"event":  ev,
	})
}

// onInventoryUpdated замещает слоты инвентаря
func (m *Manager) onInventoryUpdated(inv *protocol.InventoryUpdate) {
	if inv == nil {
		return
	}

	m.stateMu.Lock()
	m.inventory = append(m.inventory[:0], inv.Slots...)
	m.stateMu.Unlock()

	m.publish(eventbus.EventInventoryChanged, inv)
}

// onCharacterList замещает список персонажей аккаунта
func (m *Manager) onCharacterList(chars []protocol.CharacterInfo) {
	m.stateMu.Lock()
	m.characters = append(m.characters[:0], chars...)
	cache := m.cache
	m.stateMu.Unlock()

	if cache != nil {
		if err := cache.SaveCharacters(chars); err != nil {
			m.logger.Warn("Кеширование персонажей: %v", err)
		}
	}
	m.publish(eventbus.EventCharacterListReady, &protocol.CharacterList{Characters: chars})
}

// onCharacterCreated добавляет нового персонажа в список
func (m *Manager) onCharacterCreated(ci *protocol.CharacterInfo) {
	if ci == nil {
		return
	}

	m.stateMu.Lock()
	m.characters = append(m.characters, *ci)
	chars := append([]protocol.CharacterInfo(nil), m.characters...)
	cache := m.cache
	m.stateMu.Unlock()

	if cache != nil {
		if err := cache.SaveCharacters(chars); err != nil {
			m.logger.Warn("Кеширование персонажей: %v", err)
		}
	}
	m.publish(eventbus.EventCharacterListReady, &protocol.CharacterList{Characters: chars})
}

// onCharacterSelected подтверждает выбор персонажа сервером
func (m *Manager) onCharacterSelected(sel *protocol.CharacterSelected) {
	if sel == nil {
		return
	}
	m.logger.Info("🎮 Персонаж выбран: id=%d", sel.ID)
	m.publish(eventbus.EventCharacterSelected, sel)
}

// onKick обрабатывает принудительное отключение сервером
func (m *Manager) onKick(k *protocol.Kick) {
	reason := ""
	if k != nil {
		reason = k.Reason
	}
	m.logger.Warn("👋 Сервер разорвал сессию: %s", reason)

	m.stateMu.Lock()
	m.session = false
	m.stateMu.Unlock()

	m.publish(eventbus.EventConnectionKicked, map[string]string{"reason": reason})
}

// guardSpawnHeight диагностирует неправдоподобно низкую высоту спавна
// локального игрока и поднимает её до безопасного пола
func (m *Manager) guardSpawnHeight(e *Entity) {
	if e.Position.Y >= m.opts.MinSpawnY {
		return
	}

	floor := m.opts.SafeSpawnY
	if h := m.heightSampler(); h != nil {
		ground := h.HeightAt(e.Position.X, e.Position.Z)
		floor = ground + 1.0
		m.logger.Warn("Высота спавна %.2f ниже минимума %.2f (ландшафт в точке: %.2f) — поднята до %.2f",
			e.Position.Y, m.opts.MinSpawnY, ground, floor)
	} else {
		m.logger.Warn("Высота спавна %.2f ниже минимума %.2f — поднята до %.2f",
			e.Position.Y, m.opts.MinSpawnY, floor)
	}
	e.Position.Y = floor
}

// HandleDisconnect очищает очередь пакетов и закрывает сессию.
// Вызывается менеджером соединения при разрыве.
func (m *Manager) HandleDisconnect(cause error) {
	m.mu.Lock()
	dropped := len(m.queue) - m.head
	m.queue = nil
	m.head = 0
	m.mu.Unlock()

	m.stateMu.Lock()
	m.session = false
	m.stateMu.Unlock()

	if dropped > 0 {
		m.logger.Debug("Очередь очищена при разрыве: %d пакетов отброшено", dropped)
	}
}

// publish отправляет событие в шину с коротким таймаутом
func (m *Manager) publish(eventType string, payload interface{}) {
	if m.bus == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, eventbus.NewEnvelope("sync", eventType, payload)); err != nil {
		logging.Warn("Публикация события %s: %v", eventType, err)
	}
}

// Исходящие команды

// SendMove отправляет перемещение локального игрока (через батчер, если подключён)
func (m *Manager) SendMove(pos vec.Vec3Float, rot vec.Quat, velocity vec.Vec3Float) error {
	payload := map[string]interface{}{
		"pos": []float64{pos.X, pos.Y, pos.Z},
		"rot": []float64{rot.X, rot.Y, rot.Z, rot.W},
		"vel": []float64{velocity.X, velocity.Y, velocity.Z},
	}

	if outbox := m.outboxRef(); outbox != nil {
		outbox.Add(Change{Method: "move", Payload: payload, Priority: 3, Timestamp: time.Now()})
		return nil
	}
	if m.transport == nil {
		return nil
	}
	return m.transport.Send("move", payload)
}

// SendChat отправляет сообщение чата
func (m *Manager) SendChat(text string) error {
	if m.transport == nil {
		return nil
	}
	return m.transport.Send("chat", map[string]string{"text": text})
}

// SelectCharacter запрашивает вход выбранным персонажем
func (m *Manager) SelectCharacter(id uint64) error {
	if m.transport == nil {
		return nil
	}
	return m.transport.Send("selectCharacter", map[string]uint64{"id": id})
}

// CreateCharacter запрашивает создание персонажа
func (m *Manager) CreateCharacter(name string) error {
	if m.transport == nil {
		return nil
	}
	return m.transport.Send("createCharacter", map[string]string{"name": name})
}

// Читатели состояния сессии

// LocalID возвращает id сущности локального игрока (0 до snapshot)
func (m *Manager) LocalID() uint64 {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.localID
}

// SessionActive сообщает, применён ли snapshot текущей сессии
func (m *Manager) SessionActive() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.session
}

// Settings возвращает копию текущих настроек
func (m *Manager) Settings() map[string]interface{} {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	out := make(map[string]interface{}, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out
}

// ChatHistory возвращает копию истории чата
func (m *Manager) ChatHistory() []protocol.ChatMessage {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]protocol.ChatMessage(nil), m.chat...)
}

// Characters возвращает копию списка персонажей
func (m *Manager) Characters() []protocol.CharacterInfo {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]protocol.CharacterInfo(nil), m.characters...)
}

// Inventory возвращает копию слотов инвентаря
func (m *Manager) Inventory() []protocol.InventorySlot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]protocol.InventorySlot(nil), m.inventory...)
}

// Account возвращает данные аккаунта из snapshot (nil до подключения)
func (m *Manager) Account() *protocol.AccountInfo {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.account == nil {
		return nil
	}
	acc := *m.account
	return &acc
}

func (m *Manager) localActor() LocalActor {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.actor
}

func (m *Manager) heightSampler() HeightSampler {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.heights
}

func (m *Manager) outboxRef() *BatchManager {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.outbox
}

// Close освобождает ресурсы менеджера: кодек, реестр и буфер ожидания.
// После Close менеджер не используется.
func (m *Manager) Close() {
	m.codec.Close()
	m.registry.Clear()
	m.pending.clear()
}
