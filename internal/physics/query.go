package physics

import (
	"math"

	"github.com/annel0/mmo-client/internal/vec"
)

// RayHit попадание луча или свипа в тело
type RayHit struct {
	Body     *Body
	Distance float64
	Point    vec.Vec3Float
	Normal   vec.Vec3Float
}

// Raycast возвращает ближайшее пересечение луча с телами, чей слой попадает
// в маску, либо nil. Сферы решаются квадратным уравнением, боксы — slab-тестом.
func (w *World) Raycast(origin, dir vec.Vec3Float, maxDist float64, mask uint32) *RayHit {
	d := dir.Normalized()
	if d.LengthSq() == 0 || maxDist <= 0 {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	var best *RayHit
	for _, b := range w.bodies {
		if b.layer&mask == 0 {
			continue
		}

		var t float64
		var normal vec.Vec3Float
		var ok bool
		switch b.shape.Type {
		case ShapeSphere:
			t, ok = raySphere(origin, d, b.position, b.shape.Radius)
			if ok {
				normal = origin.Add(d.Mul(t)).Sub(b.position).Normalized()
			}
		default:
			t, normal, ok = rayAABB(origin, d, b.aabb())
		}

		if !ok || t > maxDist {
			continue
		}
		if best == nil || t < best.Distance {
			best = &RayHit{
				Body:     b,
				Distance: t,
				Point:    origin.Add(d.Mul(t)),
				Normal:   normal,
			}
		}
	}
	return best
}

// raySphere решает |o + t·d − c|² = r²; возвращает ближайший неотрицательный корень
func raySphere(origin, d, center vec.Vec3Float, r float64) (float64, bool) {
	oc := origin.Sub(center)
	bHalf := oc.Dot(d)
	c := oc.LengthSq() - r*r
	disc := bHalf*bHalf - c
	if disc < 0 {
		return 0, false
	}

	sq := math.Sqrt(disc)
	t := -bHalf - sq
	if t < 0 {
		t = -bHalf + sq
	}
	if t < 0 {
		return 0, false
	}
	return t, true
}

// rayAABB slab-тест; нормаль берётся по оси входа. Лучи изнутри бокса промахиваются.
func rayAABB(origin, d vec.Vec3Float, box AABB) (float64, vec.Vec3Float, bool) {
	const eps = 1e-12

	tmin := math.Inf(-1)
	tmax := math.Inf(1)
	var normal vec.Vec3Float

	o := [3]float64{origin.X, origin.Y, origin.Z}
	dir := [3]float64{d.X, d.Y, d.Z}
	lo := [3]float64{box.Min.X, box.Min.Y, box.Min.Z}
	hi := [3]float64{box.Max.X, box.Max.Y, box.Max.Z}

	for i := 0; i < 3; i++ {
		if math.Abs(dir[i]) < eps {
			if o[i] < lo[i] || o[i] > hi[i] {
				return 0, vec.Vec3Float{}, false
			}
			continue
		}

		t1 := (lo[i] - o[i]) / dir[i]
		t2 := (hi[i] - o[i]) / dir[i]
		axisNormal := axisVec(i, -sign(dir[i]))
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin = t1
			normal = axisNormal
		}
		if t2 < tmax {
			tmax = t2
		}
		if tmin > tmax {
			return 0, vec.Vec3Float{}, false
		}
	}

	if tmin < 0 || tmax < 0 {
		return 0, vec.Vec3Float{}, false
	}
	return tmin, normal, true
}

func axisVec(axis int, s float64) vec.Vec3Float {
	switch axis {
	case 0:
		return vec.Vec3Float{X: s}
	case 1:
		return vec.Vec3Float{Y: s}
	default:
		return vec.Vec3Float{Z: s}
	}
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// Sweep ведёт форму вдоль направления консервативными шагами и возвращает
// ближайшее касание, уточнённое бисекцией, либо nil. Форма, пересекающая
// тело уже в начальной точке, даёт попадание на нулевой дистанции.
func (w *World) Sweep(shape Shape, origin, dir vec.Vec3Float, maxDist float64, mask uint32) *RayHit {
	d := dir.Normalized()
	if d.LengthSq() == 0 || maxDist <= 0 {
		return nil
	}

	step := shape.minExtent() * 0.5
	if step < 0.01 {
		step = 0.01
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	for t := 0.0; ; t += step {
		if t > maxDist {
			t = maxDist
		}
		pos := origin.Add(d.Mul(t))

		// Все тела, впервые задетые в этом окне шага, уточняются бисекцией;
		// побеждает минимальная дистанция входа
		var best *RayHit
		for _, b := range w.bodies {
			if b.layer&mask == 0 {
				continue
			}
			if !shapesOverlap(shape, pos, b.shape, b.position) {
				continue
			}

			loT := t - step
			if loT < 0 {
				loT = 0
			}
			hiT := t
			for i := 0; i < 16; i++ {
				mid := (loT + hiT) * 0.5
				if shapesOverlap(shape, origin.Add(d.Mul(mid)), b.shape, b.position) {
					hiT = mid
				} else {
					loT = mid
				}
			}

			if best == nil || hiT < best.Distance {
				hitPos := origin.Add(d.Mul(hiT))
				best = &RayHit{
					Body:     b,
					Distance: hiT,
					Point:    hitPos,
					Normal:   sweepNormal(hitPos, b),
				}
			}
		}
		if best != nil {
			return best
		}

		if t >= maxDist {
			return nil
		}
	}
}

// sweepNormal оценивает нормаль касания как направление от ближайшей точки тела к центру формы
func sweepNormal(pos vec.Vec3Float, b *Body) vec.Vec3Float {
	switch b.shape.Type {
	case ShapeSphere:
		return pos.Sub(b.position).Normalized()
	default:
		box := b.aabb()
		closest := vec.Vec3Float{
			X: math.Max(box.Min.X, math.Min(pos.X, box.Max.X)),
			Y: math.Max(box.Min.Y, math.Min(pos.Y, box.Max.Y)),
			Z: math.Max(box.Min.Z, math.Min(pos.Z, box.Max.Z)),
		}
		n := pos.Sub(closest)
		if n.LengthSq() == 0 {
			n = pos.Sub(b.position)
		}
		return n.Normalized()
	}
}

// OverlapSphere дописывает в out все тела, пересекающие сферу и проходящие маску.
// Буфер результата предоставляет вызывающий (движок использует круговой пул).
func (w *World) OverlapSphere(center vec.Vec3Float, radius float64, mask uint32, out []*Body) []*Body {
	probe := SphereShape(radius)

	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, b := range w.bodies {
		if b.layer&mask == 0 {
			continue
		}
		if shapesOverlap(probe, center, b.shape, b.position) {
			out = append(out, b)
		}
	}
	return out
}
