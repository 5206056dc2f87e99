package physics

import (
	"fmt"
	"math"
	"sync"

	"github.com/annel0/mmo-client/internal/vec"
)

// ContactEventType тип события касания
type ContactEventType int

const (
	ContactBegin ContactEventType = iota
	ContactEnd
	TriggerEnter
	TriggerLeave
)

// ContactPoint одна точка контакта пары тел
type ContactPoint struct {
	Position vec.Vec3Float
	Normal   vec.Vec3Float
	Impulse  float64
}

// ContactEvent событие начала/конца касания, выданное шагом мира.
// Слайс событий переиспользуется между шагами: потребитель не должен удерживать его.
type ContactEvent struct {
	Type   ContactEventType
	A, B   *Body
	Points []ContactPoint // заполнены только для ContactBegin
}

// pairKey упорядоченный ключ пары тел
type pairKey struct{ lo, hi uint64 }

func makePairKey(a, b uint64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// pairState текущее касание пары: тела и признак триггерной пары
type pairState struct {
	a, b    *Body
	trigger bool
}

// WorldConfig параметры создания мира
type WorldConfig struct {
	Gravity    vec.Vec3Float
	CellSize   float64 // размер ячейки broadphase-сетки; 0 — 8.0
	Iterations int     // итерации решателя импульсов; 0 — 4
}

// World контейнер тел и шаг симуляции. Все мутирующие операции
// (AddBody/RemoveBody/Step) вызываются только потоком цикла симуляции;
// mu защищает состав тел от конкурентных читателей диагностики.
type World struct {
	mu      sync.RWMutex
	bodies  []*Body
	byID    map[uint64]*Body
	nextID  uint64
	gravity vec.Vec3Float

	grid       *spatialGrid
	iterations int

	touching  map[pairKey]pairState // пары, касавшиеся на прошлом шаге
	seen      map[pairKey]pairState // пары текущего шага (переиспользуется)
	manifolds []manifold
	events    []ContactEvent
	points    []ContactPoint // общий буфер точек контакта текущего шага
	steps     uint64
}

// NewWorld создаёт мир. Невещественная гравитация или отрицательный размер
// ячейки считаются ошибкой инициализации бэкенда.
func NewWorld(cfg WorldConfig) (*World, error) {
	if math.IsNaN(cfg.Gravity.X) || math.IsInf(cfg.Gravity.X, 0) ||
		math.IsNaN(cfg.Gravity.Y) || math.IsInf(cfg.Gravity.Y, 0) ||
		math.IsNaN(cfg.Gravity.Z) || math.IsInf(cfg.Gravity.Z, 0) {
		return nil, fmt.Errorf("недопустимая гравитация: %+v", cfg.Gravity)
	}
	if cfg.CellSize < 0 {
		return nil, fmt.Errorf("недопустимый размер ячейки: %f", cfg.CellSize)
	}

	cell := cfg.CellSize
	if cell == 0 {
		cell = 8.0
	}
	iters := cfg.Iterations
	if iters <= 0 {
		iters = 4
	}

	return &World{
		byID:       make(map[uint64]*Body),
		gravity:    cfg.Gravity,
		grid:       newSpatialGrid(cell),
		iterations: iters,
		touching:   make(map[pairKey]pairState),
		seen:       make(map[pairKey]pairState),
	}, nil
}

// AddBody создаёт тело по описанию и добавляет его в мир
func (w *World) AddBody(def BodyDef) *Body {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	b := newBody(w.nextID, def)
	w.bodies = append(w.bodies, b)
	w.byID[b.id] = b
	return b
}

// RemoveBody удаляет тело из мира и молча вычищает его пары касаний.
// События конца контакта при удалении не генерируются: синтетические
// колбэки — ответственность уровня движка (Destroy).
func (w *World) RemoveBody(b *Body) {
	if b == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.byID[b.id]; !ok {
		return
	}
	delete(w.byID, b.id)
	for i, cur := range w.bodies {
		if cur == b {
			w.bodies = append(w.bodies[:i], w.bodies[i+1:]...)
			break
		}
	}
	for key := range w.touching {
		if key.lo == b.id || key.hi == b.id {
			delete(w.touching, key)
		}
	}
}

// Body возвращает тело по нативному идентификатору
func (w *World) Body(id uint64) (*Body, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.byID[id]
	return b, ok
}

// BodyCount возвращает число тел в мире
func (w *World) BodyCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bodies)
}

// StepCount возвращает число выполненных шагов
func (w *World) StepCount() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.steps
}

// Clear детерминированно убирает все тела и касания (остановка мира)
func (w *World) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bodies = nil
	w.byID = make(map[uint64]*Body)
	for key := range w.touching {
		delete(w.touching, key)
	}
}

// Step продвигает мир ровно на dt: интеграция, broadphase, узкая фаза,
// решатель импульсов, коррекция позиций, диффинг множества касаний.
// Возвращённый батч событий переиспользуется следующим шагом.
func (w *World) Step(dt float64) []ContactEvent {
	if dt <= 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.steps++

	for _, b := range w.bodies {
		b.integrate(dt, w.gravity)
	}

	w.grid.rebuild(w.bodies)
	pairs := w.grid.potentialPairs()

	// Узкая фаза: манифолды контактных пар, регистрация триггерных пар
	w.manifolds = w.manifolds[:0]
	for key := range w.seen {
		delete(w.seen, key)
	}
	for _, p := range pairs {
		m, ok := collide(p[0], p[1])
		if !ok {
			continue
		}
		key := makePairKey(p[0].id, p[1].id)
		if p[0].trigger || p[1].trigger {
			w.seen[key] = pairState{a: p[0], b: p[1], trigger: true}
			continue
		}
		w.seen[key] = pairState{a: p[0], b: p[1]}
		w.manifolds = append(w.manifolds, m)
	}

	// Решатель: импульсы итеративно, коррекция позиций один раз на манифолд
	for iter := 0; iter < w.iterations; iter++ {
		for i := range w.manifolds {
			resolve(&w.manifolds[i])
		}
	}
	for i := range w.manifolds {
		correctPosition(&w.manifolds[i])
	}

	// Диффинг касаний: новые пары дают begin-события с точками контакта,
	// исчезнувшие — end-события
	w.events = w.events[:0]
	w.points = w.points[:0]
	for key, st := range w.seen {
		if _, was := w.touching[key]; was {
			continue
		}
		ev := ContactEvent{A: st.a, B: st.b}
		if st.trigger {
			ev.Type = TriggerEnter
		} else {
			ev.Type = ContactBegin
			if m := w.findManifold(st.a, st.b); m != nil {
				start := len(w.points)
				w.points = append(w.points, ContactPoint{
					Position: m.point,
					Normal:   m.normal,
					Impulse:  m.impulse,
				})
				ev.Points = w.points[start : start+1]
			}
		}
		w.events = append(w.events, ev)
	}
	for key, st := range w.touching {
		if _, still := w.seen[key]; still {
			continue
		}
		ev := ContactEvent{A: st.a, B: st.b}
		if st.trigger {
			ev.Type = TriggerLeave
		} else {
			ev.Type = ContactEnd
		}
		w.events = append(w.events, ev)
	}

	w.touching, w.seen = w.seen, w.touching
	return w.events
}

func (w *World) findManifold(a, b *Body) *manifold {
	for i := range w.manifolds {
		m := &w.manifolds[i]
		if (m.a == a && m.b == b) || (m.a == b && m.b == a) {
			return m
		}
	}
	return nil
}

// cellKey координаты ячейки пространственной сетки
type cellKey struct{ x, y, z int }

// spatialGrid равномерная хеш-сетка broadphase. Перестраивается каждым шагом,
// слайсы ячеек переиспользуются усечением.
type spatialGrid struct {
	cells    map[cellKey][]*Body
	cellSize float64
	pairBuf  [][2]*Body
	seenBuf  map[pairKey]struct{}
}

func newSpatialGrid(cellSize float64) *spatialGrid {
	return &spatialGrid{
		cells:    make(map[cellKey][]*Body),
		cellSize: cellSize,
		seenBuf:  make(map[pairKey]struct{}),
	}
}

func (g *spatialGrid) cellAt(p vec.Vec3Float) cellKey {
	return cellKey{
		x: int(math.Floor(p.X / g.cellSize)),
		y: int(math.Floor(p.Y / g.cellSize)),
		z: int(math.Floor(p.Z / g.cellSize)),
	}
}

func (g *spatialGrid) rebuild(bodies []*Body) {
	for key := range g.cells {
		g.cells[key] = g.cells[key][:0]
	}
	for _, b := range bodies {
		aabb := b.aabb()
		lo := g.cellAt(aabb.Min)
		hi := g.cellAt(aabb.Max)
		for x := lo.x; x <= hi.x; x++ {
			for y := lo.y; y <= hi.y; y++ {
				for z := lo.z; z <= hi.z; z++ {
					key := cellKey{x, y, z}
					g.cells[key] = append(g.cells[key], b)
				}
			}
		}
	}
}

// potentialPairs собирает кандидатные пары по совместным ячейкам.
// Пары статика-статика отбрасываются, дубликаты схлопываются по ключу.
func (g *spatialGrid) potentialPairs() [][2]*Body {
	g.pairBuf = g.pairBuf[:0]
	for key := range g.seenBuf {
		delete(g.seenBuf, key)
	}

	for _, cell := range g.cells {
		for i := 0; i < len(cell); i++ {
			for j := i + 1; j < len(cell); j++ {
				a, b := cell[i], cell[j]
				if a.kind == BodyStatic && b.kind == BodyStatic {
					continue
				}
				key := makePairKey(a.id, b.id)
				if _, dup := g.seenBuf[key]; dup {
					continue
				}
				g.seenBuf[key] = struct{}{}
				g.pairBuf = append(g.pairBuf, [2]*Body{a, b})
			}
		}
	}
	return g.pairBuf
}
