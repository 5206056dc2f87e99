package physics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/vec"
)

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	e := NewEngine(opts, nil, logging.NewConsoleLogger("physics-test"))
	t.Cleanup(e.Close)
	return e
}

// mustBody создаёт тело и прерывает тест при ошибке
func mustBody(t *testing.T, e *Engine, def BodyDef) *Body {
	t.Helper()
	b, err := e.CreateBody(def)
	require.NoError(t, err)
	return b
}

// Луч сверху вниз по статическому коллайдеру y∈[-1,1] попадает на дистанции 4 с нормалью (0,1,0)
func TestRaycastStaticCollider(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	ground := mustBody(t, e, BodyDef{
		Kind:  BodyStatic,
		Shape: BoxShape(vec.Vec3Float{X: 5, Y: 1, Z: 5}),
	})
	h := &Handle{Tag: "ground"}
	e.Attach(ground, h)

	// Второй коллайдер глубже: побеждает ближайшее попадание
	mustBody(t, e, BodyDef{
		Kind:     BodyStatic,
		Shape:    BoxShape(vec.Vec3Float{X: 5, Y: 0.5, Z: 5}),
		Position: vec.Vec3Float{Y: -2.5},
	})

	hit := e.Raycast(vec.Vec3Float{Y: 5}, vec.Vec3Float{Y: -1}, 100, LayerAll)
	require.NotNil(t, hit)
	assert.InDelta(t, 4.0, hit.Distance, 1e-9)
	assert.Equal(t, vec.Vec3Float{Y: 1}, hit.Normal)
	assert.Equal(t, vec.Vec3Float{Y: 1}, hit.Point)
	assert.Same(t, ground, hit.Body)
	assert.Same(t, h, hit.Handle)

	// Маска слоя отсекает тело
	assert.Nil(t, e.Raycast(vec.Vec3Float{Y: 5}, vec.Vec3Float{Y: -1}, 100, 0x02))
	// Дистанция короче точки входа
	assert.Nil(t, e.Raycast(vec.Vec3Float{Y: 5}, vec.Vec3Float{Y: -1}, 3, LayerAll))
}

// Destroy шлёт пережившему хэндлу ровно один синтетический contact-end
func TestDestroySyntheticContactEnd(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	bodyA := mustBody(t, e, BodyDef{
		Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1, Damping: 1,
	})
	bodyB := mustBody(t, e, BodyDef{
		Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1, Damping: 1,
		Position: vec.Vec3Float{X: 1.5},
	})

	var beginB, endB, endA int
	hA := &Handle{Tag: "A"}
	hB := &Handle{
		Tag:            "B",
		OnContactBegin: func(rec *CallbackRecord) { beginB++ },
		OnContactEnd: func(rec *CallbackRecord) {
			endB++
			assert.Equal(t, "A", rec.OtherTag)
		},
	}
	hA.OnContactEnd = func(rec *CallbackRecord) { endA++ }

	actorA := e.Attach(bodyA, hA)
	e.Attach(bodyB, hB)

	e.PreFixedUpdate()
	e.PostFixedUpdate(1.0 / 60.0)
	require.Equal(t, 1, beginB)
	require.True(t, hB.IsContacting(bodyA.ID()))

	actorA.Destroy()

	assert.Equal(t, 1, endB, "переживший хэндл получает ровно один синтетический end")
	assert.Equal(t, 0, endA, "уничтожаемый хэндл свои end-колбэки не получает")
	assert.Empty(t, hB.Contacted())
	assert.Equal(t, 1, e.HandleCount())
	assert.Equal(t, 1, e.BodyCount())
	assert.False(t, actorA.Valid())

	// Следующий шаг не дублирует end: пара вычищена из мира молча
	e.PreFixedUpdate()
	e.PostFixedUpdate(1.0 / 60.0)
	assert.Equal(t, 1, endB)
}

// OverlapSphere в пустоте возвращает пустой список, никогда nil
func TestOverlapSphereEmpty(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	res := e.OverlapSphere(vec.Vec3Float{X: 100, Y: 100, Z: 100}, 1, LayerAll)
	require.NotNil(t, res)
	assert.Len(t, res, 0)
}

// OverlapSphere находит привязанные тела и фильтрует по маске слоя
func TestOverlapSphereFindsHandles(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	near := mustBody(t, e, BodyDef{Kind: BodyStatic, Shape: SphereShape(1)})
	hNear := &Handle{Tag: "near"}
	e.Attach(near, hNear)

	masked := mustBody(t, e, BodyDef{
		Kind: BodyStatic, Shape: SphereShape(1), Layer: 0x04,
		Position: vec.Vec3Float{X: 1},
	})
	e.Attach(masked, &Handle{Tag: "masked"})

	// Тело без хэндла в радиусе и далёкое тело в результат не попадают
	mustBody(t, e, BodyDef{Kind: BodyStatic, Shape: SphereShape(1), Position: vec.Vec3Float{Y: 2}})
	mustBody(t, e, BodyDef{Kind: BodyStatic, Shape: SphereShape(1), Position: vec.Vec3Float{X: 50}})

	res := e.OverlapSphere(vec.Vec3Float{}, 3, 0x01)
	require.Len(t, res, 1)
	assert.Same(t, hNear, res[0])

	all := e.OverlapSphere(vec.Vec3Float{}, 3, LayerAll)
	assert.Len(t, all, 2)
}

// Круговой пул результатов: слот переиспользуется после обхода всех слотов
func TestOverlapPoolRoundRobin(t *testing.T) {
	e := newTestEngine(t, EngineOptions{OverlapPool: 2})

	mkTagged := func(x float64, tag string) *Handle {
		b := mustBody(t, e, BodyDef{Kind: BodyStatic, Shape: SphereShape(1), Position: vec.Vec3Float{X: x}})
		h := &Handle{Tag: tag}
		e.Attach(b, h)
		return h
	}
	hA := mkTagged(0, "a")
	hB := mkTagged(100, "b")
	hC := mkTagged(200, "c")

	r1 := e.OverlapSphere(vec.Vec3Float{}, 2, LayerAll)
	require.Len(t, r1, 1)
	assert.Same(t, hA, r1[0])

	r2 := e.OverlapSphere(vec.Vec3Float{X: 100}, 2, LayerAll)
	require.Len(t, r2, 1)
	assert.Same(t, hB, r2[0])

	// Третий вызов повторно использует слот первого: r1 перезаписан
	r3 := e.OverlapSphere(vec.Vec3Float{X: 200}, 2, LayerAll)
	require.Len(t, r3, 1)
	assert.Same(t, hC, r3[0])
	assert.Same(t, hC, r1[0], "удержанный слайс перезаписывается круговым пулом")
}

// Первый PreUpdate после Snap выдаёт позу дословно, без бленда от старого буфера
func TestSnapInvariant(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Gravity: -9.81})

	body := mustBody(t, e, BodyDef{
		Kind: BodyDynamic, Shape: SphereShape(0.5), Mass: 1,
		Position: vec.Vec3Float{Y: 10},
	})

	var last Pose
	var calls int
	h := &Handle{
		Interpolate: true,
		OnPose: func(pos vec.Vec3Float, rot vec.Quat) {
			last = Pose{Position: pos, Orientation: rot}
			calls++
		},
	}
	actor := e.Attach(body, h)

	// Разгон: тело падает, буферы расходятся
	e.PreFixedUpdate()
	e.PostFixedUpdate(1.0 / 60.0)
	e.PreUpdate(0.5)
	require.Equal(t, 1, calls)
	require.Less(t, last.Position.Y, 10.0)

	snapPos := vec.Vec3Float{X: 5, Y: 5, Z: 5}
	actor.Snap(snapPos, vec.QuatIdentity())

	// Поза доходит до рендера дословно даже через полный цикл кадра
	e.PreFixedUpdate()
	e.PostFixedUpdate(1.0 / 60.0)
	e.PreUpdate(0.9)
	require.Equal(t, 2, calls)
	assert.Equal(t, snapPos, last.Position, "первый кадр после Snap выдаёт позу без бленда")
	assert.True(t, last.Orientation.Equals(vec.QuatIdentity()))

	// Флаг одноразовый: следующий кадр снова блендирует
	e.PreFixedUpdate()
	e.PostFixedUpdate(1.0 / 60.0)
	e.PreUpdate(1.0)
	require.Equal(t, 3, calls)
	assert.Less(t, last.Position.Y, 5.0)
	assert.InDelta(t, body.Position().Y, last.Position.Y, 1e-12)

	t.Run("preUpdate сразу после Snap", func(t *testing.T) {
		again := vec.Vec3Float{X: 8, Y: 8, Z: 8}
		actor.Snap(again, vec.QuatIdentity())
		e.PreUpdate(0.4)
		assert.Equal(t, again, last.Position)
	})
}

// Границы интерполяции: alpha=0 даёт prev, alpha=1 даёт next, середина — бленд
func TestInterpolationBounds(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	body := mustBody(t, e, BodyDef{
		Kind: BodyKinematic, Shape: SphereShape(0.5),
		Velocity: vec.Vec3Float{X: 1},
	})

	var last Pose
	h := &Handle{
		Interpolate: true,
		OnPose: func(pos vec.Vec3Float, rot vec.Quat) {
			last = Pose{Position: pos, Orientation: rot}
		},
	}
	actor := e.Attach(body, h)

	e.PreFixedUpdate()
	e.PostFixedUpdate(1.0)

	e.PreUpdate(0)
	assert.Equal(t, vec.Vec3Float{}, last.Position)

	e.PreUpdate(1)
	assert.Equal(t, vec.Vec3Float{X: 1}, last.Position)

	e.PreUpdate(0.5)
	assert.InDelta(t, 0.5, last.Position.X, 1e-12)

	// Значения вне [0,1] прижимаются к границам
	e.PreUpdate(1.5)
	assert.Equal(t, vec.Vec3Float{X: 1}, last.Position)
	e.PreUpdate(-0.3)
	assert.Equal(t, vec.Vec3Float{}, last.Position)

	t.Run("ориентация по кратчайшей дуге", func(t *testing.T) {
		rot90 := vec.QuatFromAxisAngle(vec.Vec3Float{Y: 1}, math.Pi/2)
		actor.Move(vec.Vec3Float{X: 1}, rot90)

		e.PreFixedUpdate()
		e.PostFixedUpdate(1.0)

		e.PreUpdate(0)
		assert.True(t, last.Orientation.Equals(vec.QuatIdentity()))

		e.PreUpdate(1)
		assert.True(t, last.Orientation.Equals(rot90))

		e.PreUpdate(0.5)
		rot45 := vec.QuatFromAxisAngle(vec.Vec3Float{Y: 1}, math.Pi/4)
		assert.InDelta(t, rot45.Y, last.Orientation.Y, 1e-9)
		assert.InDelta(t, rot45.W, last.Orientation.W, 1e-9)
	})
}

// Move игнорируется для динамики (симуляцией владеет движок) и применяется для кинематики
func TestMoveAuthority(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	dyn := mustBody(t, e, BodyDef{Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1})
	aDyn := e.Attach(dyn, &Handle{Tag: "dyn"})
	aDyn.Move(vec.Vec3Float{X: 3, Y: 3, Z: 3}, vec.QuatIdentity())
	assert.Equal(t, vec.Vec3Float{}, dyn.Position(), "динамика не принимает Move")

	kin := mustBody(t, e, BodyDef{Kind: BodyKinematic, Shape: SphereShape(1)})
	aKin := e.Attach(kin, &Handle{Tag: "kin"})
	aKin.Move(vec.Vec3Float{X: 3}, vec.Quat{})
	assert.Equal(t, vec.Vec3Float{X: 3}, kin.Position())
	assert.True(t, kin.Orientation().Equals(vec.QuatIdentity()), "нулевой кватернион сохраняет ориентацию")

	assert.Equal(t, vec.Vec3Float{X: 3}, aKin.Position())
}

// Триггер даёт enter/leave вместо контактов и не влияет на решатель
func TestTriggerEnterLeave(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	zone := mustBody(t, e, BodyDef{
		Kind:    BodyStatic,
		Shape:   BoxShape(vec.Vec3Float{X: 1, Y: 1, Z: 1}),
		Trigger: true,
	})
	mover := mustBody(t, e, BodyDef{
		Kind: BodyDynamic, Shape: SphereShape(0.5), Mass: 1, Damping: 1,
		Position: vec.Vec3Float{X: -3},
		Velocity: vec.Vec3Float{X: 2},
	})

	var enters, leaves, contacts int
	hZone := &Handle{Tag: "zone"}
	hMover := &Handle{
		Tag: "mover",
		OnTriggerEnter: func(rec *CallbackRecord) {
			enters++
			assert.Equal(t, "zone", rec.OtherTag)
		},
		OnTriggerLeave: func(rec *CallbackRecord) { leaves++ },
		OnContactBegin: func(rec *CallbackRecord) { contacts++ },
	}
	e.Attach(zone, hZone)
	e.Attach(mover, hMover)

	for i := 0; i < 5; i++ {
		e.PreFixedUpdate()
		e.PostFixedUpdate(0.5)
	}

	assert.Equal(t, 1, enters)
	assert.Equal(t, 1, leaves)
	assert.Equal(t, 0, contacts, "триггер не порождает контактных событий")
	assert.Equal(t, vec.Vec3Float{X: 2}, mover.Velocity(), "триггер не применяет импульсов")
	assert.Empty(t, hMover.Triggered())
}

// Контактные колбэки несут точки с нормалью и импульсом; записи арены одноразовые
func TestContactBeginPoints(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	a := mustBody(t, e, BodyDef{
		Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1, Damping: 1,
		Restitution: 0.5, Velocity: vec.Vec3Float{X: 1},
	})
	b := mustBody(t, e, BodyDef{
		Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1, Damping: 1,
		Restitution: 0.5, Position: vec.Vec3Float{X: 2.2}, Velocity: vec.Vec3Float{X: -1},
	})

	var gotPoint ContactPoint
	var begins int
	var stale *CallbackRecord
	hA := &Handle{
		Tag:   "a",
		Owner: 77,
		OnContactBegin: func(rec *CallbackRecord) {
			begins++
			require.Len(t, rec.Points, 1)
			gotPoint = rec.Points[0]
			assert.Equal(t, "b", rec.OtherTag)
			stale = rec
		},
	}
	hB := &Handle{Tag: "b"}
	e.Attach(a, hA)
	e.Attach(b, hB)

	e.PreFixedUpdate()
	e.PostFixedUpdate(0.2)

	require.Equal(t, 1, begins)
	assert.InDelta(t, 1.0, math.Abs(gotPoint.Normal.X), 1e-9)
	assert.InDelta(t, 1.5, gotPoint.Impulse, 1e-9, "j = -(1+e)·velN/(invA+invB)")
	assert.InDelta(t, -0.5, a.Velocity().X, 1e-9)
	assert.InDelta(t, 0.5, b.Velocity().X, 1e-9)
	assert.True(t, hA.IsContacting(b.ID()))

	// Запись возвращена в арену сразу после колбэка
	require.NotNil(t, stale)
	assert.False(t, e.arena.Valid(stale), "удержанная запись опознаётся по устаревшему поколению")
	assert.Equal(t, 0, e.arena.InUse())

	// Разлетевшиеся тела дают естественный contact-end
	var ends int
	hA.OnContactEnd = func(rec *CallbackRecord) { ends++ }
	e.PreFixedUpdate()
	e.PostFixedUpdate(0.2)
	assert.Equal(t, 1, ends)
	assert.False(t, hA.IsContacting(b.ID()))
}

// Повторная привязка того же тела вытесняет прежний хэндл, реестр остаётся 1:1
func TestAttachReplacesHandle(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	body := mustBody(t, e, BodyDef{Kind: BodyStatic, Shape: SphereShape(1)})
	h1 := &Handle{Tag: "first"}
	e.Attach(body, h1)

	h2 := &Handle{Tag: "second"}
	e.Attach(body, h2)

	assert.Equal(t, 1, e.HandleCount())
	assert.Nil(t, h1.Body(), "вытесненный хэндл отвязан")
	assert.Same(t, body, h2.Body())

	hit := e.Raycast(vec.Vec3Float{X: -5}, vec.Vec3Float{X: 1}, 10, LayerAll)
	require.NotNil(t, hit)
	assert.Same(t, h2, hit.Handle)
}

// Свип сферы останавливается у ближайшего тела с уточнением дистанции
func TestSweepFindsNearest(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	box := mustBody(t, e, BodyDef{
		Kind:  BodyStatic,
		Shape: BoxShape(vec.Vec3Float{X: 1, Y: 1, Z: 1}),
	})
	h := &Handle{Tag: "wall"}
	e.Attach(box, h)

	hit := e.Sweep(SphereShape(0.5), vec.Vec3Float{X: -5}, vec.Vec3Float{X: 1}, 10, LayerAll)
	require.NotNil(t, hit)
	assert.InDelta(t, 3.5, hit.Distance, 0.01, "сфера касается грани x=-1 центром в x=-1.5")
	assert.InDelta(t, -1.0, hit.Normal.X, 1e-6)
	assert.Same(t, h, hit.Handle)

	assert.Nil(t, e.Sweep(SphereShape(0.5), vec.Vec3Float{X: -5}, vec.Vec3Float{X: 1}, 2, LayerAll))
}

// Отказ инициализации бэкенда переводит движок в инертный режим без падения процесса
func TestDegradedMode(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	got := make(chan *eventbus.Envelope, 1)
	sub, err := bus.Subscribe(context.Background(),
		eventbus.Filter{Types: []string{eventbus.EventPhysicsDegraded}},
		func(ctx context.Context, ev *eventbus.Envelope) {
			select {
			case got <- ev:
			default:
			}
		})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	e := NewEngine(EngineOptions{Gravity: math.NaN()}, bus, logging.NewConsoleLogger("physics-test"))
	require.True(t, e.Degraded())

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("событие physics.degraded не получено")
	}

	body, err := e.CreateBody(BodyDef{Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1})
	assert.Nil(t, body)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	actor := e.Attach(nil, &Handle{Tag: "ghost"})
	require.NotNil(t, actor)
	assert.False(t, actor.Valid())
	assert.NotPanics(t, func() {
		actor.Move(vec.Vec3Float{X: 1}, vec.QuatIdentity())
		actor.Snap(vec.Vec3Float{X: 1}, vec.QuatIdentity())
		actor.Destroy()
	})
	assert.Equal(t, vec.Vec3Float{}, actor.Position())

	assert.NotPanics(t, func() {
		e.PreFixedUpdate()
		e.PostFixedUpdate(1.0 / 60.0)
		e.PreUpdate(0.5)
		e.Close()
	})

	assert.Nil(t, e.Raycast(vec.Vec3Float{}, vec.Vec3Float{X: 1}, 10, LayerAll))
	res := e.OverlapSphere(vec.Vec3Float{}, 1, LayerAll)
	require.NotNil(t, res, "запросы в деградированном режиме возвращают пусто, не nil")
	assert.Len(t, res, 0)
	assert.Equal(t, 0, e.BodyCount())
}

// Паника в пользовательском колбэке не валит цикл симуляции
func TestCallbackPanicRecovered(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})

	a := mustBody(t, e, BodyDef{Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1, Damping: 1})
	b := mustBody(t, e, BodyDef{
		Kind: BodyDynamic, Shape: SphereShape(1), Mass: 1, Damping: 1,
		Position: vec.Vec3Float{X: 1.5},
	})

	var afterPanic int
	e.Attach(a, &Handle{
		Tag:            "boom",
		OnContactBegin: func(rec *CallbackRecord) { panic("обработчик упал") },
	})
	e.Attach(b, &Handle{
		Tag:            "calm",
		OnContactBegin: func(rec *CallbackRecord) { afterPanic++ },
	})

	require.NotPanics(t, func() {
		e.PreFixedUpdate()
		e.PostFixedUpdate(1.0 / 60.0)
	})
	assert.Equal(t, 1, afterPanic, "очередь доигрывается после паники")
	assert.Equal(t, 0, e.arena.InUse(), "записи возвращены в арену несмотря на панику")
}
