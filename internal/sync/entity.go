package sync

import (
	"sync"

	"github.com/annel0/mmo-client/internal/vec"
)

// Entity локальная копия сущности мира, собираемая из snapshot и дельт.
// Транспортные поля (трансформ) типизированы, игровые поля лежат в Payload.
type Entity struct {
	ID          uint64
	Type        string
	OwnerID     uint64
	Position    vec.Vec3Float
	Orientation vec.Quat
	Velocity    vec.Vec3Float
	Payload     map[string]interface{}
}

// clone возвращает копию сущности с отдельной картой полей
func (e *Entity) clone() Entity {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return c
}

// Registry реестр сущностей мира. Мутирует его только менеджер синхронизации
// через add/modify/remove; внешние системы читают через Get/All.
type Registry struct {
	mu       sync.RWMutex
	entities map[uint64]*Entity
}

// NewRegistry создаёт пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[uint64]*Entity),
	}
}

// Get возвращает копию сущности по id
func (r *Registry) Get(id uint64) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Has проверяет наличие сущности
func (r *Registry) Has(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[id]
	return ok
}

// All возвращает копии всех сущностей (порядок не определён)
func (r *Registry) All() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.clone())
	}
	return out
}

// Count возвращает число сущностей
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// upsert вставляет или замещает сущность
func (r *Registry) upsert(e *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.ID] = e
}

// mutate выполняет fn над сущностью под write-блокировкой.
// Возвращает false, если сущности нет.
func (r *Registry) mutate(id uint64, fn func(*Entity)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// remove удаляет сущность; возвращает false, если её не было
func (r *Registry) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[id]; !ok {
		return false
	}
	delete(r.entities, id)
	return true
}

// Clear опустошает реестр. Вызывается при полном завершении менеджера,
// но не при разрыве соединения: сущности переживают реконнект.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = make(map[uint64]*Entity)
}
