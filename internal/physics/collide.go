package physics

import (
	"math"

	"github.com/annel0/mmo-client/internal/vec"
)

// manifold результат узкой фазы для пары тел.
// Нормаль направлена от a к b; impulse заполняется решателем.
type manifold struct {
	a, b        *Body
	normal      vec.Vec3Float
	penetration float64
	point       vec.Vec3Float
	impulse     float64
}

// collide выполняет узкую фазу для пары тел. Возвращает false без пересечения.
func collide(a, b *Body) (manifold, bool) {
	switch {
	case a.shape.Type == ShapeSphere && b.shape.Type == ShapeSphere:
		n, pen, pt, ok := overlapSphereSphere(a.position, b.position, a.shape.Radius, b.shape.Radius)
		if !ok {
			return manifold{}, false
		}
		return manifold{a: a, b: b, normal: n, penetration: pen, point: pt}, true

	case a.shape.Type == ShapeBox && b.shape.Type == ShapeBox:
		n, pen, pt, ok := overlapBoxBox(a.aabb(), b.aabb())
		if !ok {
			return manifold{}, false
		}
		return manifold{a: a, b: b, normal: n, penetration: pen, point: pt}, true

	case a.shape.Type == ShapeSphere && b.shape.Type == ShapeBox:
		n, pen, pt, ok := overlapSphereBox(a.position, a.shape.Radius, b.aabb())
		if !ok {
			return manifold{}, false
		}
		// overlapSphereBox даёт нормаль от бокса к сфере, т.е. b→a; разворачиваем
		return manifold{a: a, b: b, normal: n.Mul(-1), penetration: pen, point: pt}, true

	default: // box-sphere: считаем в обратном порядке и разворачиваем нормаль
		n, pen, pt, ok := overlapSphereBox(b.position, b.shape.Radius, a.aabb())
		if !ok {
			return manifold{}, false
		}
		return manifold{a: a, b: b, normal: n, penetration: pen, point: pt}, true
	}
}

// overlapSphereSphere пересечение двух сфер. Нормаль от a к b.
func overlapSphereSphere(pa, pb vec.Vec3Float, ra, rb float64) (normal vec.Vec3Float, pen float64, point vec.Vec3Float, ok bool) {
	delta := pb.Sub(pa)
	distSq := delta.LengthSq()
	total := ra + rb
	if distSq >= total*total {
		return vec.Vec3Float{}, 0, vec.Vec3Float{}, false
	}

	dist := math.Sqrt(distSq)
	pen = total - dist
	if dist > 0 {
		normal = delta.Mul(1.0 / dist)
	} else {
		// центры совпали: произвольная, но детерминированная нормаль
		normal = vec.Vec3Float{X: 1}
	}
	point = pa.Add(normal.Mul(ra - pen*0.5))
	return normal, pen, point, true
}

// overlapBoxBox пересечение двух AABB по оси наименьшего перекрытия. Нормаль от a к b.
func overlapBoxBox(a, b AABB) (normal vec.Vec3Float, pen float64, point vec.Vec3Float, ok bool) {
	overlapX := math.Min(a.Max.X, b.Max.X) - math.Max(a.Min.X, b.Min.X)
	overlapY := math.Min(a.Max.Y, b.Max.Y) - math.Max(a.Min.Y, b.Min.Y)
	overlapZ := math.Min(a.Max.Z, b.Max.Z) - math.Max(a.Min.Z, b.Min.Z)
	if overlapX <= 0 || overlapY <= 0 || overlapZ <= 0 {
		return vec.Vec3Float{}, 0, vec.Vec3Float{}, false
	}

	ca, cb := a.Center(), b.Center()
	pen = overlapX
	normal = vec.Vec3Float{X: 1}
	if ca.X > cb.X {
		normal = vec.Vec3Float{X: -1}
	}
	if overlapY < pen {
		pen = overlapY
		normal = vec.Vec3Float{Y: 1}
		if ca.Y > cb.Y {
			normal = vec.Vec3Float{Y: -1}
		}
	}
	if overlapZ < pen {
		pen = overlapZ
		normal = vec.Vec3Float{Z: 1}
		if ca.Z > cb.Z {
			normal = vec.Vec3Float{Z: -1}
		}
	}

	point = ca.Add(cb).Mul(0.5)
	return normal, pen, point, true
}

// overlapSphereBox пересечение сферы и AABB через ближайшую точку бокса.
// Нормаль направлена от бокса к сфере.
func overlapSphereBox(center vec.Vec3Float, r float64, box AABB) (normal vec.Vec3Float, pen float64, point vec.Vec3Float, ok bool) {
	closest := vec.Vec3Float{
		X: math.Max(box.Min.X, math.Min(center.X, box.Max.X)),
		Y: math.Max(box.Min.Y, math.Min(center.Y, box.Max.Y)),
		Z: math.Max(box.Min.Z, math.Min(center.Z, box.Max.Z)),
	}

	delta := center.Sub(closest)
	distSq := delta.LengthSq()
	if distSq >= r*r {
		return vec.Vec3Float{}, 0, vec.Vec3Float{}, false
	}

	if distSq > 0 {
		dist := math.Sqrt(distSq)
		return delta.Mul(1.0 / dist), r - dist, closest, true
	}

	// Центр сферы внутри бокса: выталкиваем через ближайшую грань
	bc := box.Center()
	half := box.Max.Sub(bc)
	local := center.Sub(bc)

	dx := half.X - math.Abs(local.X)
	dy := half.Y - math.Abs(local.Y)
	dz := half.Z - math.Abs(local.Z)

	pen = dx + r
	normal = vec.Vec3Float{X: 1}
	if local.X < 0 {
		normal = vec.Vec3Float{X: -1}
	}
	if dy < dx {
		pen = dy + r
		normal = vec.Vec3Float{Y: 1}
		if local.Y < 0 {
			normal = vec.Vec3Float{Y: -1}
		}
	}
	if dz < dx && dz < dy {
		pen = dz + r
		normal = vec.Vec3Float{Z: 1}
		if local.Z < 0 {
			normal = vec.Vec3Float{Z: -1}
		}
	}
	return normal, pen, center, true
}

// shapesOverlap проверяет пересечение двух форм в заданных позициях (для свипов и overlap-запросов)
func shapesOverlap(sa Shape, pa vec.Vec3Float, sb Shape, pb vec.Vec3Float) bool {
	switch {
	case sa.Type == ShapeSphere && sb.Type == ShapeSphere:
		_, _, _, ok := overlapSphereSphere(pa, pb, sa.Radius, sb.Radius)
		return ok
	case sa.Type == ShapeSphere && sb.Type == ShapeBox:
		_, _, _, ok := overlapSphereBox(pa, sa.Radius, sb.aabbAt(pb))
		return ok
	case sa.Type == ShapeBox && sb.Type == ShapeSphere:
		_, _, _, ok := overlapSphereBox(pb, sb.Radius, sa.aabbAt(pa))
		return ok
	default:
		return sa.aabbAt(pa).Overlaps(sb.aabbAt(pb))
	}
}

// resolve применяет импульс столкновения к паре манифолда.
// Формула j = -(1+e)·velN / (invMassA + invMassB), плюс кулоновское трение по касательной.
func resolve(m *manifold) {
	a, b := m.a, m.b
	invSum := a.invMass + b.invMass
	if invSum == 0 {
		return
	}

	rv := b.velocity.Sub(a.velocity)
	velN := rv.Dot(m.normal)
	if velN > 0 {
		// тела уже расходятся
		return
	}

	e := math.Min(a.restitution, b.restitution)
	j := -(1 + e) * velN / invSum
	impulse := m.normal.Mul(j)
	a.velocity = a.velocity.Sub(impulse.Mul(a.invMass))
	b.velocity = b.velocity.Add(impulse.Mul(b.invMass))
	m.impulse += j

	// Трение: касательный импульс, ограниченный конусом Кулона
	rv = b.velocity.Sub(a.velocity)
	tangent := rv.Sub(m.normal.Mul(rv.Dot(m.normal)))
	tSq := tangent.LengthSq()
	if tSq < 1e-8 {
		return
	}
	tangent = tangent.Mul(1.0 / math.Sqrt(tSq))

	jt := -rv.Dot(tangent) / invSum
	mu := math.Sqrt(a.friction * b.friction)
	limit := math.Abs(j) * mu
	if jt > limit {
		jt = limit
	} else if jt < -limit {
		jt = -limit
	}

	fImpulse := tangent.Mul(jt)
	a.velocity = a.velocity.Sub(fImpulse.Mul(a.invMass))
	b.velocity = b.velocity.Add(fImpulse.Mul(b.invMass))
}

// correctPosition выталкивает тела из взаимопроникновения (линейная коррекция).
// Выполняется один раз на манифолд после итераций решателя.
func correctPosition(m *manifold) {
	const percent = 0.4
	const slop = 0.005

	invSum := m.a.invMass + m.b.invMass
	if invSum == 0 || m.penetration <= slop {
		return
	}

	corr := m.normal.Mul((m.penetration - slop) / invSum * percent)
	m.a.position = m.a.position.Sub(corr.Mul(m.a.invMass))
	m.b.position = m.b.position.Add(corr.Mul(m.b.invMass))
}
