package vec

import "math"

// Quat представляет кватернион ориентации (X, Y, Z — мнимая часть, W — вещественная)
type Quat struct {
	X, Y, Z, W float64
}

// QuatIdentity возвращает единичный кватернион (без вращения)
func QuatIdentity() Quat {
	return Quat{W: 1}
}

// QuatFromAxisAngle создает кватернион вращения вокруг оси axis на угол angle (радианы)
func QuatFromAxisAngle(axis Vec3Float, angle float64) Quat {
	n := axis.Normalized()
	half := angle * 0.5
	s := math.Sin(half)
	return Quat{
		X: n.X * s,
		Y: n.Y * s,
		Z: n.Z * s,
		W: math.Cos(half),
	}
}

// Dot возвращает скалярное произведение кватернионов
func (q Quat) Dot(other Quat) float64 {
	return q.X*other.X + q.Y*other.Y + q.Z*other.Z + q.W*other.W
}

// Neg возвращает кватернион с обратным знаком (то же вращение)
func (q Quat) Neg() Quat {
	return Quat{X: -q.X, Y: -q.Y, Z: -q.Z, W: -q.W}
}

// Mul возвращает композицию вращений q*other (сначала other, затем q)
func (q Quat) Mul(other Quat) Quat {
	return Quat{
		X: q.W*other.X + q.X*other.W + q.Y*other.Z - q.Z*other.Y,
		Y: q.W*other.Y - q.X*other.Z + q.Y*other.W + q.Z*other.X,
		Z: q.W*other.Z + q.X*other.Y - q.Y*other.X + q.Z*other.W,
		W: q.W*other.W - q.X*other.X - q.Y*other.Y - q.Z*other.Z,
	}
}

// Normalized возвращает нормализованный кватернион
func (q Quat) Normalized() Quat {
	length := math.Sqrt(q.Dot(q))
	if length == 0 {
		return QuatIdentity()
	}
	return Quat{X: q.X / length, Y: q.Y / length, Z: q.Z / length, W: q.W / length}
}

// Slerp выполняет сферическую интерполяцию по кратчайшей дуге при t ∈ [0,1].
// При почти параллельных кватернионах деградирует в nlerp во избежание деления на ноль.
func (q Quat) Slerp(other Quat, t float64) Quat {
	dot := q.Dot(other)

	// Кратчайшая дуга: инвертируем знак второго кватерниона при отрицательном dot
	if dot < 0 {
		other = other.Neg()
		dot = -dot
	}

	if dot > 0.9995 {
		// nlerp при почти совпадающих ориентациях
		return Quat{
			X: q.X + (other.X-q.X)*t,
			Y: q.Y + (other.Y-q.Y)*t,
			Z: q.Z + (other.Z-q.Z)*t,
			W: q.W + (other.W-q.W)*t,
		}.Normalized()
	}

	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Quat{
		X: q.X*wa + other.X*wb,
		Y: q.Y*wa + other.Y*wb,
		Z: q.Z*wa + other.Z*wb,
		W: q.W*wa + other.W*wb,
	}
}

// Equals проверяет точное равенство кватернионов
func (q Quat) Equals(other Quat) bool {
	return q.X == other.X && q.Y == other.Y && q.Z == other.Z && q.W == other.W
}
