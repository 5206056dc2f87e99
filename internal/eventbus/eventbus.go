package eventbus

import (
	"context"
	"sync"
	"time"
)

// Envelope описывает универсальный контейнер события.
// Все поля фиксированы для версиирования и трассировки.
type Envelope struct {
	ID        string            // Глобально уникальный идентификатор (UUID).
	Timestamp time.Time         // Время создания события (UTC).
	Source    string            // Имя компонента-источника (sync, network, physics…).
	EventType string            // Тип события (entity.modified, chat.message…).
	Version   int               // Схема полезной нагрузки.
	Priority  int               // 0=Low … 9=Critical (для backpressure).
	Payload   []byte            // Сериализованный JSON.
	Metadata  map[string]string // Произвольные метаданные.
}

// Filter позволяет подписаться только на нужные события.
type Filter struct {
	Types   []string // Если пусто — все типы.
	Sources []string // Если пусто — все источники.
}

// Subscription возвращается при подписке; позволяет отписаться.
type Subscription interface {
	Unsubscribe()
}

// Handler потребляет события.
type Handler func(ctx context.Context, ev *Envelope)

// Stats агрегированные метрики шины.
type Stats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64
	InFlight  int
}

// EventBus определяет абстракцию шины событий.
// Реализации: внутрипроцессная (memory) и NATS JetStream (релейная).
type EventBus interface {
	Publish(ctx context.Context, ev *Envelope) error
	Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error)
	Metrics() Stats
}

//================ In-Memory implementation =================//

// stickyTypes — события-состояния, а не происшествия: поздний подписчик
// (диагностика, UI) получает последнее сохранённое значение при подписке.
var stickyTypes = map[string]bool{
	EventConnectionEstablished: true,
	EventConnectionLost:        true,
	EventCharacterListReady:    true,
	EventPhysicsDegraded:       true,
}

// subscriberQueueCap ограничивает очередь одного подписчика: медленный
// потребитель теряет события, но не тормозит остальных.
const subscriberQueueCap = 64

type memoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	stats       Stats
	buffer      chan *Envelope
	capacity    int
	retained    map[string]*Envelope
}

// subscriber доставляет события строго в порядке публикации: у каждого
// подписчика своя очередь и одна горутина-дренаж.
type subscriber struct {
	filter  Filter
	handler Handler
	queue   chan *Envelope
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryBus создаёт внутрипроцессную шину с указанным буфером.
func NewMemoryBus(capacity int) EventBus {
	mb := &memoryBus{
		subscribers: make(map[int]*subscriber),
		buffer:      make(chan *Envelope, capacity),
		capacity:    capacity,
		retained:    make(map[string]*Envelope),
	}
	go mb.dispatchLoop()
	return mb
}

func (mb *memoryBus) Publish(ctx context.Context, ev *Envelope) error {
	if stickyTypes[ev.EventType] {
		mb.mu.Lock()
		mb.retained[ev.EventType] = ev
		mb.mu.Unlock()
	}

	select {
	case mb.buffer <- ev:
		mb.mu.Lock()
		mb.stats.Published++
		mb.mu.Unlock()
		return nil
	default:
		// Буфер заполнен — дропаём низкий приоритет (<5)
		if ev.Priority < 5 {
			mb.mu.Lock()
			mb.stats.Dropped++
			mb.mu.Unlock()
			return nil
		}
		// Для High-priority блокируем до освобождения места или отмены контекста
		select {
		case mb.buffer <- ev:
			mb.mu.Lock()
			mb.stats.Published++
			mb.mu.Unlock()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe регистрирует обработчик. Сохранённые события-состояния,
// прошедшие фильтр, кладутся в очередь подписчика до живого потока.
func (mb *memoryBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	cctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		filter:  f,
		handler: h,
		queue:   make(chan *Envelope, subscriberQueueCap),
		ctx:     cctx,
		cancel:  cancel,
	}

	mb.mu.Lock()
	id := mb.nextID
	mb.nextID++
	for _, ev := range mb.retained {
		if matchFilter(ev, f) {
			select {
			case sub.queue <- ev:
			default:
			}
		}
	}
	mb.subscribers[id] = sub
	mb.mu.Unlock()

	go sub.run(mb)
	return &memSub{bus: mb, id: id}, nil
}

func (mb *memoryBus) Metrics() Stats {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	s := mb.stats
	s.InFlight = len(mb.buffer)
	return s
}

// dispatchLoop раскладывает события по очередям подписчиков.
// Отправка неблокирующая: переполненная очередь означает потерю события
// только для этого подписчика.
func (mb *memoryBus) dispatchLoop() {
	for ev := range mb.buffer {
		mb.mu.RLock()
		subs := make([]*subscriber, 0, len(mb.subscribers))
		for _, sub := range mb.subscribers {
			subs = append(subs, sub)
		}
		mb.mu.RUnlock()

		for _, sub := range subs {
			if !matchFilter(ev, sub.filter) {
				continue
			}
			select {
			case sub.queue <- ev:
			default:
				mb.mu.Lock()
				mb.stats.Dropped++
				mb.mu.Unlock()
			}
		}
	}
}

// run последовательно передаёт события обработчику, сохраняя порядок публикации
func (s *subscriber) run(mb *memoryBus) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			s.handler(s.ctx, ev)
			mb.mu.Lock()
			mb.stats.Consumed++
			mb.mu.Unlock()
		}
	}
}

func matchFilter(ev *Envelope, f Filter) bool {
	match := func(val string, arr []string) bool {
		if len(arr) == 0 {
			return true
		}
		for _, v := range arr {
			if v == val {
				return true
			}
		}
		return false
	}
	return match(ev.EventType, f.Types) && match(ev.Source, f.Sources)
}

type memSub struct {
	bus *memoryBus
	id  int
}

func (s *memSub) Unsubscribe() {
	s.bus.mu.Lock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		sub.cancel()
		delete(s.bus.subscribers, s.id)
	}
	s.bus.mu.Unlock()
}
