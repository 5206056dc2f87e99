package physics

import (
	"github.com/annel0/mmo-client/internal/vec"
)

// BodyKind определяет режим участия тела в симуляции
type BodyKind int

const (
	// BodyStatic неподвижная геометрия (земля, стены); не интегрируется и не получает импульсов
	BodyStatic BodyKind = iota
	// BodyKinematic движется по заданной скорости/позе, импульсы и гравитация игнорируются
	BodyKinematic
	// BodyDynamic полная симуляция: гравитация, импульсы, коррекция позиций
	BodyDynamic
)

// ShapeType тип геометрии коллайдера
type ShapeType int

const (
	ShapeSphere ShapeType = iota
	ShapeBox
)

// LayerAll маска, совпадающая с любым слоем
const LayerAll = ^uint32(0)

// Shape геометрия коллайдера. Боксы осестабилизированы: ориентация тела
// на узкую фазу не влияет, AABB строится по полуразмерам.
type Shape struct {
	Type        ShapeType
	Radius      float64       // для сферы
	HalfExtents vec.Vec3Float // для бокса
}

// SphereShape создаёт сферический коллайдер радиуса r
func SphereShape(r float64) Shape {
	return Shape{Type: ShapeSphere, Radius: r}
}

// BoxShape создаёт осестабилизированный бокс с полуразмерами half
func BoxShape(half vec.Vec3Float) Shape {
	return Shape{Type: ShapeBox, HalfExtents: half}
}

// aabbAt возвращает AABB формы в точке pos
func (s Shape) aabbAt(pos vec.Vec3Float) AABB {
	switch s.Type {
	case ShapeSphere:
		r := vec.Vec3Float{X: s.Radius, Y: s.Radius, Z: s.Radius}
		return AABB{Min: pos.Sub(r), Max: pos.Add(r)}
	default:
		return AABB{Min: pos.Sub(s.HalfExtents), Max: pos.Add(s.HalfExtents)}
	}
}

// minExtent возвращает наименьший линейный размер формы (для шага свипа)
func (s Shape) minExtent() float64 {
	if s.Type == ShapeSphere {
		return s.Radius
	}
	m := s.HalfExtents.X
	if s.HalfExtents.Y < m {
		m = s.HalfExtents.Y
	}
	if s.HalfExtents.Z < m {
		m = s.HalfExtents.Z
	}
	return m
}

// AABB осевой ограничивающий параллелепипед
type AABB struct {
	Min, Max vec.Vec3Float
}

// Overlaps проверяет пересечение двух AABB
func (a AABB) Overlaps(b AABB) bool {
	return a.Min.X <= b.Max.X && a.Max.X >= b.Min.X &&
		a.Min.Y <= b.Max.Y && a.Max.Y >= b.Min.Y &&
		a.Min.Z <= b.Max.Z && a.Max.Z >= b.Min.Z
}

// Contains проверяет, лежит ли точка внутри AABB
func (a AABB) Contains(p vec.Vec3Float) bool {
	return p.X >= a.Min.X && p.X <= a.Max.X &&
		p.Y >= a.Min.Y && p.Y <= a.Max.Y &&
		p.Z >= a.Min.Z && p.Z <= a.Max.Z
}

// Center возвращает центр AABB
func (a AABB) Center() vec.Vec3Float {
	return a.Min.Add(a.Max).Mul(0.5)
}

// Pose позиция и ориентация тела
type Pose struct {
	Position    vec.Vec3Float
	Orientation vec.Quat
}

// BodyDef параметры создания тела. Нулевая ориентация трактуется как identity,
// нулевой Damping — как 0.999 (лёгкое линейное затухание за шаг).
type BodyDef struct {
	Kind        BodyKind
	Shape       Shape
	Position    vec.Vec3Float
	Orientation vec.Quat
	Velocity    vec.Vec3Float
	Mass        float64 // учитывается только для динамических тел
	Restitution float64
	Friction    float64
	Damping     float64
	Layer       uint32 // битовый слой; участвует только в фильтрации запросов
	Trigger     bool   // триггеры дают enter/leave вместо контактов и не влияют на решатель
}

// Body твёрдое тело мира. Поля мутируются только потоком цикла симуляции;
// извне тело читается через геттеры, а меняется через операции World и фасад Actor.
type Body struct {
	id          uint64
	kind        BodyKind
	shape       Shape
	position    vec.Vec3Float
	orientation vec.Quat
	velocity    vec.Vec3Float
	force       vec.Vec3Float

	mass        float64
	invMass     float64
	restitution float64
	friction    float64
	damping     float64

	layer   uint32
	trigger bool
}

func newBody(id uint64, def BodyDef) *Body {
	b := &Body{
		id:          id,
		kind:        def.Kind,
		shape:       def.Shape,
		position:    def.Position,
		orientation: def.Orientation,
		velocity:    def.Velocity,
		restitution: def.Restitution,
		friction:    def.Friction,
		damping:     def.Damping,
		layer:       def.Layer,
		trigger:     def.Trigger,
	}
	if (b.orientation == vec.Quat{}) {
		b.orientation = vec.QuatIdentity()
	}
	if b.damping <= 0 || b.damping > 1 {
		b.damping = 0.999
	}
	if b.layer == 0 {
		b.layer = 1
	}
	if def.Kind == BodyDynamic && def.Mass > 0 {
		b.mass = def.Mass
		b.invMass = 1.0 / def.Mass
	}
	return b
}

// ID возвращает нативный идентификатор тела в мире
func (b *Body) ID() uint64 { return b.id }

// Kind возвращает режим тела
func (b *Body) Kind() BodyKind { return b.kind }

// Shape возвращает геометрию коллайдера
func (b *Body) Shape() Shape { return b.shape }

// Position возвращает позицию тела
func (b *Body) Position() vec.Vec3Float { return b.position }

// Orientation возвращает ориентацию тела
func (b *Body) Orientation() vec.Quat { return b.orientation }

// Velocity возвращает линейную скорость
func (b *Body) Velocity() vec.Vec3Float { return b.velocity }

// Pose возвращает текущую позу тела
func (b *Body) Pose() Pose {
	return Pose{Position: b.position, Orientation: b.orientation}
}

// Layer возвращает битовый слой тела
func (b *Body) Layer() uint32 { return b.layer }

// IsTrigger сообщает, является ли тело триггером
func (b *Body) IsTrigger() bool { return b.trigger }

// SetVelocity задаёт линейную скорость (динамика и кинематика)
func (b *Body) SetVelocity(v vec.Vec3Float) {
	if b.kind == BodyStatic {
		return
	}
	b.velocity = v
}

// ApplyForce накапливает силу до следующего шага (только динамика)
func (b *Body) ApplyForce(f vec.Vec3Float) {
	if b.kind != BodyDynamic {
		return
	}
	b.force = b.force.Add(f)
}

// ApplyImpulse мгновенно меняет скорость пропорционально обратной массе
func (b *Body) ApplyImpulse(imp vec.Vec3Float) {
	if b.kind != BodyDynamic {
		return
	}
	b.velocity = b.velocity.Add(imp.Mul(b.invMass))
}

// aabb возвращает текущий AABB тела
func (b *Body) aabb() AABB {
	return b.shape.aabbAt(b.position)
}

// setPose жёстко переставляет тело (используется фасадом Move/Snap)
func (b *Body) setPose(pos vec.Vec3Float, rot vec.Quat) {
	b.position = pos
	b.orientation = rot
}

// integrate продвигает тело на dt: гравитация, накопленные силы, затухание.
// Статические тела неподвижны, кинематические движутся только по своей скорости.
func (b *Body) integrate(dt float64, gravity vec.Vec3Float) {
	switch b.kind {
	case BodyStatic:
		return
	case BodyKinematic:
		b.position = b.position.Add(b.velocity.Mul(dt))
		return
	}

	acc := gravity.Add(b.force.Mul(b.invMass))
	b.velocity = b.velocity.Add(acc.Mul(dt)).Mul(b.damping)
	b.position = b.position.Add(b.velocity.Mul(dt))
	b.force = vec.Vec3Float{}
}
