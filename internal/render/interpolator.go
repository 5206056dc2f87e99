package render

import (
	"time"

	"github.com/annel0/mmo-client/internal/physics"
)

// Interpolator вычисляет коэффициент бленда кадра между предыдущим и следующим
// фиксированным шагом симуляции и делегирует его движку. Только чтение и бленд:
// авторитетное состояние симуляции не изменяется.
type Interpolator struct {
	engine    *physics.Engine
	fixedStep time.Duration
	lastStep  time.Time
}

// NewInterpolator создаёт интерполятор поверх движка. Нулевой fixedStep
// откатывается к 1/60 секунды.
func NewInterpolator(engine *physics.Engine, fixedStep time.Duration) *Interpolator {
	if fixedStep <= 0 {
		fixedStep = time.Second / 60
	}
	return &Interpolator{
		engine:    engine,
		fixedStep: fixedStep,
		lastStep:  time.Now(),
	}
}

// FixedStep возвращает длительность фиксированного шага
func (ip *Interpolator) FixedStep() time.Duration {
	return ip.fixedStep
}

// MarkStep фиксирует момент завершения фиксированного шага симуляции.
// Цикл вызывает его сразу после PostFixedUpdate.
func (ip *Interpolator) MarkStep(now time.Time) {
	ip.lastStep = now
}

// Alpha возвращает долю прошедшего времени между фиксированными шагами,
// прижатую к [0,1]: clamp(elapsed/fixedStep, 0, 1)
func (ip *Interpolator) Alpha(now time.Time) float64 {
	elapsed := now.Sub(ip.lastStep)
	if elapsed <= 0 {
		return 0
	}
	alpha := float64(elapsed) / float64(ip.fixedStep)
	if alpha > 1 {
		return 1
	}
	return alpha
}

// Frame блендирует позы активных хэндлов для момента now и возвращает
// применённый коэффициент
func (ip *Interpolator) Frame(now time.Time) float64 {
	alpha := ip.Alpha(now)
	ip.engine.PreUpdate(alpha)
	return alpha
}
