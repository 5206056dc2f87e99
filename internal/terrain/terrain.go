package terrain

import (
	"github.com/aquilax/go-perlin"
)

// Surface классифицирует поверхность по нормированной высоте шума
type Surface int

const (
	SurfaceDeepWater Surface = iota
	SurfaceShallowWater
	SurfacePlains
	SurfaceHills
	SurfaceMountains
)

// Пороги нормированной высоты, согласованные с генератором сервера
const (
	deepWaterMax    = 0.20
	shallowWaterMax = 0.30
	hillsStart      = 0.60
	mountainStart   = 0.80
)

// Params параметры восстановления ландшафта
type Params struct {
	Seed      int64
	Scale     float64 // масштаб шума; 0 — 0.05
	Amplitude float64 // высота поверхности в мировых единицах; 0 — 64
}

// Sampler восстанавливает высоту поверхности по тем же параметрам шума Перлина,
// что использует генератор сервера: одинаковый сид даёт одинаковый ландшафт,
// поэтому клиент может проверять пол под спавном и строить меш без запросов чанков.
type Sampler struct {
	noise     *perlin.Perlin
	scale     float64
	amplitude float64
}

// NewSampler создаёт сэмплер ландшафта для указанного сида
func NewSampler(p Params) *Sampler {
	if p.Scale <= 0 {
		p.Scale = 0.05
	}
	if p.Amplitude <= 0 {
		p.Amplitude = 64
	}
	return &Sampler{
		noise:     perlin.NewPerlin(2.0, 2.0, 3, p.Seed),
		scale:     p.Scale,
		amplitude: p.Amplitude,
	}
}

// height01 возвращает нормированную высоту шума в диапазоне [0,1]
func (s *Sampler) height01(x, z float64) float64 {
	n := s.noise.Noise2D(x*s.scale, z*s.scale)
	return (n + 1.0) / 2.0
}

// HeightAt возвращает высоту поверхности в мировых единицах
func (s *Sampler) HeightAt(x, z float64) float64 {
	return s.height01(x, z) * s.amplitude
}

// WaterLevel возвращает уровень воды в мировых единицах
func (s *Sampler) WaterLevel() float64 {
	return shallowWaterMax * s.amplitude
}

// SurfaceAt классифицирует поверхность в точке
func (s *Sampler) SurfaceAt(x, z float64) Surface {
	h := s.height01(x, z)
	switch {
	case h < deepWaterMax:
		return SurfaceDeepWater
	case h < shallowWaterMax:
		return SurfaceShallowWater
	case h < hillsStart:
		return SurfacePlains
	case h < mountainStart:
		return SurfaceHills
	default:
		return SurfaceMountains
	}
}

// IsWater сообщает, находится ли точка под уровнем воды
func (s *Sampler) IsWater(x, z float64) bool {
	return s.height01(x, z) < shallowWaterMax
}
