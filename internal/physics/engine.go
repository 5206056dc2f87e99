package physics

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/vec"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrBackendUnavailable возвращается операциями движка в деградированном режиме
var ErrBackendUnavailable = errors.New("физический бэкенд недоступен")

// EngineOptions параметры создания движка
type EngineOptions struct {
	Gravity      float64 // вертикальная гравитация по Y
	CellSize     float64 // ячейка broadphase-сетки; 0 — значение мира по умолчанию
	Iterations   int     // итерации решателя; 0 — значение мира по умолчанию
	CallbackPool int     // ёмкость арены колбэков; 0 — 256
	OverlapPool  int     // число круговых слайсов overlap-результатов; 0 — 4
}

// DefaultEngineOptions возвращает параметры по умолчанию
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{Gravity: -9.81, CallbackPool: 256, OverlapPool: 4}
}

// EngineMetrics Prometheus-метрики физического движка
type EngineMetrics struct {
	StepDuration prometheus.Histogram
	Bodies       prometheus.Gauge
	Handles      prometheus.Gauge
	Events       prometheus.Counter
}

// NewEngineMetrics создаёт коллекторы без регистрации
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "physics",
			Name:      "step_duration_seconds",
			Help:      "Длительность одного фиксированного шага симуляции.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
		Bodies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "physics",
			Name:      "bodies",
			Help:      "Число тел в мире.",
		}),
		Handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "physics",
			Name:      "handles",
			Help:      "Число привязанных хэндлов.",
		}),
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "physics",
			Name:      "contact_events_total",
			Help:      "Общее число событий контактов и триггеров.",
		}),
	}
}

// Hit результат запроса движка с разрешением тела в хэндл
type Hit struct {
	Handle   *Handle // nil, если тело не привязано
	Body     *Body
	Distance float64
	Point    vec.Vec3Float
	Normal   vec.Vec3Float
}

// Engine фасад физической симуляции: реестр хэндлов 1:1 к нативным телам,
// пакетная диспетчеризация контактных колбэков через арену, тройные буферы
// поз для интерполяции и деградированный режим при отказе бэкенда.
//
// Жизненный цикл кадра: PreFixedUpdate → PostFixedUpdate(fixedDelta) →
// PreUpdate(alpha). Все мутирующие вызовы выполняются потоком цикла
// симуляции; mu защищает реестр хэндлов от конкурентных читателей диагностики.
type Engine struct {
	mu      sync.RWMutex
	world   *World
	handles map[uint64]*Handle

	arena   *callbackArena
	queue   []*CallbackRecord
	overlap *overlapPool
	scratch []*Body
	active  []*Handle

	degraded bool
	logger   *logging.Logger
	bus      eventbus.EventBus
	metrics  *EngineMetrics
}

// NewEngine создаёт движок. Отказ инициализации бэкенда не является фатальным:
// движок продолжает работу в деградированном режиме (шаги пропускаются,
// запросы возвращают пустые результаты), о чём сообщается один раз.
func NewEngine(opts EngineOptions, bus eventbus.EventBus, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewConsoleLogger("physics")
	}

	e := &Engine{
		handles: make(map[uint64]*Handle),
		logger:  logger,
		bus:     bus,
	}

	world, err := NewWorld(WorldConfig{
		Gravity:    vec.Vec3Float{Y: opts.Gravity},
		CellSize:   opts.CellSize,
		Iterations: opts.Iterations,
	})
	if err != nil {
		e.degraded = true
		logger.Error("❌ Физический бэкенд не инициализирован: %v — движок переходит в деградированный режим", err)
		e.publishDegraded(err)
		return e
	}

	e.world = world
	e.arena = newCallbackArena(opts.CallbackPool)
	e.overlap = newOverlapPool(opts.OverlapPool)
	e.metrics = NewEngineMetrics()
	e.registerMetrics()

	logger.Info("✅ Физический движок инициализирован: гравитация=%.2f, арена=%d, overlap-пул=%d",
		opts.Gravity, len(e.arena.records), len(e.overlap.slots))
	return e
}

func (e *Engine) registerMetrics() {
	collectors := []prometheus.Collector{
		e.metrics.StepDuration,
		e.metrics.Bodies,
		e.metrics.Handles,
		e.metrics.Events,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logging.Warn("Не удалось зарегистрировать метрику: %v", err)
			}
		}
	}
}

func (e *Engine) publishDegraded(cause error) {
	if e.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env := eventbus.NewEnvelope("physics", eventbus.EventPhysicsDegraded, map[string]interface{}{
		"reason": cause.Error(),
	})
	if err := e.bus.Publish(ctx, env); err != nil {
		logging.Warn("Не удалось опубликовать событие %s: %v", eventbus.EventPhysicsDegraded, err)
	}
}

// Degraded сообщает, работает ли движок в деградированном режиме
func (e *Engine) Degraded() bool { return e.degraded }

// CreateBody создаёт тело в мире
func (e *Engine) CreateBody(def BodyDef) (*Body, error) {
	if e.degraded {
		return nil, ErrBackendUnavailable
	}
	b := e.world.AddBody(def)
	e.metrics.Bodies.Set(float64(e.world.BodyCount()))
	return b, nil
}

// RemoveBody удаляет тело. Привязанное тело проходит полный путь Destroy
// с синтетическими end-колбэками.
func (e *Engine) RemoveBody(b *Body) {
	if e.degraded || b == nil {
		return
	}
	e.mu.RLock()
	h := e.handles[b.id]
	e.mu.RUnlock()
	if h != nil {
		e.destroy(h)
		return
	}
	e.world.RemoveBody(b)
	e.metrics.Bodies.Set(float64(e.world.BodyCount()))
}

// Attach регистрирует тело в реестре хэндлов (строго 1:1 по нативному
// идентификатору) и возвращает фасад управления. При запрошенной интерполяции
// тройной буфер поз инициализируется текущей позой тела. В деградированном
// режиме возвращается инертный фасад.
func (e *Engine) Attach(actor *Body, h *Handle) *Actor {
	if e.degraded || actor == nil || h == nil {
		return &Actor{engine: e}
	}

	e.mu.RLock()
	old := e.handles[actor.id]
	e.mu.RUnlock()
	if old != nil {
		e.logger.Warn("Повторная привязка тела %d: прежний хэндл '%s' вытесняется", actor.id, old.Tag)
		e.detach(old)
	}

	h.body = actor
	h.contacted = make(map[uint64]*Handle)
	h.triggered = make(map[uint64]*Handle)
	h.active = false
	h.skip = false
	if h.Interpolate {
		pose := actor.Pose()
		h.buf = &poseBuffer{prev: pose, next: pose, curr: pose}
	} else {
		h.buf = nil
	}

	e.mu.Lock()
	e.handles[actor.id] = h
	count := len(e.handles)
	e.mu.Unlock()

	e.metrics.Handles.Set(float64(count))
	return &Actor{engine: e, handle: h}
}

// detach снимает хэндл с тела, не удаляя само тело из мира
func (e *Engine) detach(h *Handle) {
	e.fireSyntheticEnds(h)
	e.mu.Lock()
	if h.body != nil && e.handles[h.body.id] == h {
		delete(e.handles, h.body.id)
	}
	e.mu.Unlock()
	h.active = false
	h.body = nil
}

// destroy шлёт синтетические end-колбэки всем касающимся пирам, затем
// удаляет тело и запись реестра
func (e *Engine) destroy(h *Handle) {
	if h == nil || h.body == nil {
		return
	}

	e.fireSyntheticEnds(h)

	body := h.body
	e.world.RemoveBody(body)

	e.mu.Lock()
	if e.handles[body.id] == h {
		delete(e.handles, body.id)
	}
	count := len(e.handles)
	e.mu.Unlock()

	h.active = false
	h.body = nil

	e.metrics.Handles.Set(float64(count))
	e.metrics.Bodies.Set(float64(e.world.BodyCount()))
}

// fireSyntheticEnds синхронно вызывает contact-end/trigger-leave у каждого
// пира, касающегося h, и вычищает множества касаний обеих сторон
func (e *Engine) fireSyntheticEnds(h *Handle) {
	if h.body == nil {
		return
	}
	bodyID := h.body.id

	for peerID, peer := range h.contacted {
		delete(peer.contacted, bodyID)
		if peer.OnContactEnd != nil {
			rec := e.arena.acquire()
			rec.Type = ContactEnd
			rec.Self = peer
			rec.Other = h
			rec.OtherTag = h.Tag
			rec.OtherOwner = h.Owner
			e.dispatch(peer.OnContactEnd, rec)
			e.arena.release(rec)
		}
		delete(h.contacted, peerID)
	}
	for peerID, peer := range h.triggered {
		delete(peer.triggered, bodyID)
		if peer.OnTriggerLeave != nil {
			rec := e.arena.acquire()
			rec.Type = TriggerLeave
			rec.Self = peer
			rec.Other = h
			rec.OtherTag = h.Tag
			rec.OtherOwner = h.Owner
			e.dispatch(peer.OnTriggerLeave, rec)
			e.arena.release(rec)
		}
		delete(h.triggered, peerID)
	}
}

// PreFixedUpdate очищает множество активных в этом шаге хэндлов.
// Хэндлы с невыданным skip остаются активными: Snap обязан дойти до рендера.
func (e *Engine) PreFixedUpdate() {
	if e.degraded {
		return
	}
	kept := e.active[:0]
	for _, h := range e.active {
		if h.skip {
			kept = append(kept, h)
			continue
		}
		h.active = false
	}
	e.active = kept
}

// PostFixedUpdate продвигает мир ровно на fixedDelta, забирает результаты,
// один раз синхронно исполняет накопленные контактные колбэки и сдвигает
// буферы поз (next→prev, свежая поза в next) для каждого сдвинувшегося тела.
func (e *Engine) PostFixedUpdate(fixedDelta float64) {
	if e.degraded {
		return
	}

	start := time.Now()
	events := e.world.Step(fixedDelta)

	e.mu.RLock()
	for i := range events {
		e.enqueueEvent(&events[i])
	}
	e.mu.RUnlock()

	e.drainQueue()

	e.mu.RLock()
	for _, h := range e.handles {
		if h.buf == nil {
			continue
		}
		pose := h.body.Pose()
		if pose.Position.Equals(h.buf.next.Position) && pose.Orientation.Equals(h.buf.next.Orientation) {
			continue
		}
		h.buf.prev = h.buf.next
		h.buf.next = pose
		e.markActive(h)
	}
	e.mu.RUnlock()

	e.metrics.StepDuration.Observe(time.Since(start).Seconds())
	e.metrics.Bodies.Set(float64(e.world.BodyCount()))
	if len(events) > 0 {
		e.metrics.Events.Add(float64(len(events)))
	}
}

// enqueueEvent обновляет множества касаний пары и ставит колбэки в очередь.
// Вызывается под RLock реестра; сами колбэки исполняются позже, в drainQueue.
func (e *Engine) enqueueEvent(ev *ContactEvent) {
	ha := e.handles[ev.A.id]
	hb := e.handles[ev.B.id]

	switch ev.Type {
	case ContactBegin:
		if ha != nil && hb != nil {
			ha.contacted[ev.B.id] = hb
			hb.contacted[ev.A.id] = ha
		}
		e.queueContact(ha, hb, ContactBegin, ev.Points)
		e.queueContact(hb, ha, ContactBegin, ev.Points)
	case ContactEnd:
		if ha != nil {
			delete(ha.contacted, ev.B.id)
		}
		if hb != nil {
			delete(hb.contacted, ev.A.id)
		}
		e.queueContact(ha, hb, ContactEnd, nil)
		e.queueContact(hb, ha, ContactEnd, nil)
	case TriggerEnter:
		if ha != nil && hb != nil {
			ha.triggered[ev.B.id] = hb
			hb.triggered[ev.A.id] = ha
		}
		e.queueContact(ha, hb, TriggerEnter, nil)
		e.queueContact(hb, ha, TriggerEnter, nil)
	case TriggerLeave:
		if ha != nil {
			delete(ha.triggered, ev.B.id)
		}
		if hb != nil {
			delete(hb.triggered, ev.A.id)
		}
		e.queueContact(ha, hb, TriggerLeave, nil)
		e.queueContact(hb, ha, TriggerLeave, nil)
	}
}

// queueContact ставит в очередь одну запись для self, если колбэк установлен
func (e *Engine) queueContact(self, other *Handle, typ ContactEventType, points []ContactPoint) {
	if self == nil {
		return
	}
	var fn ContactFunc
	switch typ {
	case ContactBegin:
		fn = self.OnContactBegin
	case ContactEnd:
		fn = self.OnContactEnd
	case TriggerEnter:
		fn = self.OnTriggerEnter
	case TriggerLeave:
		fn = self.OnTriggerLeave
	}
	if fn == nil {
		return
	}

	rec := e.arena.acquire()
	rec.Type = typ
	rec.Self = self
	rec.Other = other
	if other != nil {
		rec.OtherTag = other.Tag
		rec.OtherOwner = other.Owner
	}
	rec.Points = append(rec.Points[:0], points...)
	e.queue = append(e.queue, rec)
}

// drainQueue исполняет накопленные записи ровно один раз и возвращает их в арену
func (e *Engine) drainQueue() {
	for _, rec := range e.queue {
		switch rec.Type {
		case ContactBegin:
			e.dispatch(rec.Self.OnContactBegin, rec)
		case ContactEnd:
			e.dispatch(rec.Self.OnContactEnd, rec)
		case TriggerEnter:
			e.dispatch(rec.Self.OnTriggerEnter, rec)
		case TriggerLeave:
			e.dispatch(rec.Self.OnTriggerLeave, rec)
		}
		e.arena.release(rec)
	}
	e.queue = e.queue[:0]
}

// dispatch вызывает колбэк с защитой от паники пользовательского кода
func (e *Engine) dispatch(fn ContactFunc, rec *CallbackRecord) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Паника в колбэке физики: %v", r)
		}
	}()
	fn(rec)
}

// PreUpdate блендирует позы активных интерполируемых хэндлов при alpha ∈ [0,1]:
// позиция линейно, ориентация по кратчайшей дуге. Хэндл с флагом skip выдаёт
// зафиксированную Snap позу без бленда; флаг снимается после одного кадра.
func (e *Engine) PreUpdate(alpha float64) {
	if e.degraded {
		return
	}
	alpha = math.Max(0, math.Min(1, alpha))

	for _, h := range e.active {
		if !h.active || h.buf == nil {
			continue
		}
		if h.skip {
			h.skip = false
		} else {
			h.buf.curr = Pose{
				Position:    h.buf.prev.Position.Lerp(h.buf.next.Position, alpha),
				Orientation: h.buf.prev.Orientation.Slerp(h.buf.next.Orientation, alpha),
			}
		}
		e.emitPose(h)
	}
}

// emitPose выдаёт текущую позу хэндла с защитой от паники
func (e *Engine) emitPose(h *Handle) {
	if h.OnPose == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Паника в колбэке позы: %v", r)
		}
	}()
	h.OnPose(h.buf.curr.Position, h.buf.curr.Orientation)
}

// markActive помечает хэндл участником интерполяции текущего кадра
func (e *Engine) markActive(h *Handle) {
	if h.buf == nil || h.active {
		return
	}
	h.active = true
	e.active = append(e.active, h)
}

// Raycast возвращает ближайшее попадание с разрешением тела в хэндл, либо nil
func (e *Engine) Raycast(origin, dir vec.Vec3Float, maxDist float64, mask uint32) *Hit {
	if e.degraded {
		return nil
	}
	rh := e.world.Raycast(origin, dir, maxDist, mask)
	if rh == nil {
		return nil
	}
	return e.toHit(rh)
}

// Sweep ведёт форму вдоль направления и возвращает ближайшее касание, либо nil
func (e *Engine) Sweep(shape Shape, origin, dir vec.Vec3Float, maxDist float64, mask uint32) *Hit {
	if e.degraded {
		return nil
	}
	rh := e.world.Sweep(shape, origin, dir, maxDist, mask)
	if rh == nil {
		return nil
	}
	return e.toHit(rh)
}

func (e *Engine) toHit(rh *RayHit) *Hit {
	e.mu.RLock()
	h := e.handles[rh.Body.id]
	e.mu.RUnlock()
	return &Hit{
		Handle:   h,
		Body:     rh.Body,
		Distance: rh.Distance,
		Point:    rh.Point,
		Normal:   rh.Normal,
	}
}

var emptyHandles = []*Handle{}

// OverlapSphere возвращает все привязанные хэндлы, чьи тела пересекают сферу.
// Результат никогда не nil и берётся из кругового пула фиксированного размера:
// слайс валиден, пока пул не обойдёт все слоты.
func (e *Engine) OverlapSphere(center vec.Vec3Float, radius float64, mask uint32) []*Handle {
	if e.degraded {
		return emptyHandles
	}

	e.scratch = e.world.OverlapSphere(center, radius, mask, e.scratch[:0])

	out := e.overlap.take()
	e.mu.RLock()
	for _, b := range e.scratch {
		if h := e.handles[b.id]; h != nil {
			out = append(out, h)
		}
	}
	e.mu.RUnlock()
	e.overlap.store(out)
	return out
}

// HandleCount возвращает число привязанных хэндлов
func (e *Engine) HandleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handles)
}

// BodyCount возвращает число тел в мире
func (e *Engine) BodyCount() int {
	if e.degraded {
		return 0
	}
	return e.world.BodyCount()
}

// Close детерминированно очищает реестр и мир без вызова колбэков
func (e *Engine) Close() {
	if e.degraded {
		return
	}

	e.mu.Lock()
	e.handles = make(map[uint64]*Handle)
	e.mu.Unlock()

	e.active = e.active[:0]
	e.queue = e.queue[:0]
	e.world.Clear()

	e.metrics.Bodies.Set(0)
	e.metrics.Handles.Set(0)
	e.logger.Info("🔄 Физический движок остановлен, мир очищен")
}

// overlapPool фиксированный набор слайсов результатов overlap-запросов,
// выдаваемых по кругу. Рост ёмкости слота сохраняется между использованиями.
type overlapPool struct {
	slots [][]*Handle
	next  int
}

func newOverlapPool(n int) *overlapPool {
	if n <= 0 {
		n = 4
	}
	p := &overlapPool{slots: make([][]*Handle, n)}
	for i := range p.slots {
		p.slots[i] = make([]*Handle, 0, 16)
	}
	return p
}

// take возвращает усечённый слайс текущего слота
func (p *overlapPool) take() []*Handle {
	return p.slots[p.next][:0]
}

// store записывает выросший слайс обратно в слот и сдвигает курсор
func (p *overlapPool) store(s []*Handle) {
	p.slots[p.next] = s
	p.next = (p.next + 1) % len(p.slots)
}

// Actor фасад управления привязанным телом. Move игнорируется, пока движок
// владеет симуляцией тела (динамика); Snap жёстко сбрасывает позу и все три
// буфера интерполяции и помечает одноразовый skip. Инертный фасад
// (деградированный режим) безопасно принимает все вызовы.
type Actor struct {
	engine *Engine
	handle *Handle
}

// Valid сообщает, управляет ли фасад живым телом
func (a *Actor) Valid() bool {
	return a != nil && a.handle != nil && a.handle.body != nil
}

// Handle возвращает привязанный хэндл (nil у инертного фасада)
func (a *Actor) Handle() *Handle {
	if a == nil {
		return nil
	}
	return a.handle
}

// Position возвращает позицию тела (ноль у инертного фасада)
func (a *Actor) Position() vec.Vec3Float {
	if !a.Valid() {
		return vec.Vec3Float{}
	}
	return a.handle.body.Position()
}

// Move запрашивает смену позы. Для динамических тел запрос игнорируется:
// симуляцией владеет движок. Нулевой кватернион означает «не менять ориентацию».
func (a *Actor) Move(pos vec.Vec3Float, rot vec.Quat) {
	if !a.Valid() {
		return
	}
	b := a.handle.body
	if b.kind == BodyDynamic {
		return
	}
	if (rot == vec.Quat{}) {
		rot = b.orientation
	}
	b.setPose(pos, rot)
}

// Snap жёстко переставляет тело: поза и все три буфера сбрасываются в pose,
// следующий кадр интерполяции выдаёт её дословно (без бленда от старого буфера)
func (a *Actor) Snap(pos vec.Vec3Float, rot vec.Quat) {
	if !a.Valid() {
		return
	}
	b := a.handle.body
	if (rot == vec.Quat{}) {
		rot = b.orientation
	}
	b.setPose(pos, rot)

	h := a.handle
	if h.buf != nil {
		pose := Pose{Position: pos, Orientation: rot}
		h.buf.prev = pose
		h.buf.next = pose
		h.buf.curr = pose
	}
	h.skip = true
	a.engine.markActive(h)
}

// Destroy шлёт синтетические end-колбэки всем касающимся пирам, затем
// удаляет тело и освобождает запись реестра
func (a *Actor) Destroy() {
	if !a.Valid() {
		return
	}
	a.engine.destroy(a.handle)
}
