package physics

import (
	"github.com/annel0/mmo-client/internal/vec"
)

// PoseFunc колбэк выдачи блендированной позы на рендер
type PoseFunc func(pos vec.Vec3Float, rot vec.Quat)

// ContactFunc колбэк контактного или триггерного события. Запись валидна
// только на время вызова: движок возвращает её в арену сразу после возврата.
type ContactFunc func(rec *CallbackRecord)

// Handle связывает нативное тело с игровыми метаданными и колбэками.
// Публичные поля заполняются до Attach; после привязки их меняет только движок.
type Handle struct {
	Tag         string
	Owner       uint64
	Interpolate bool

	OnPose         PoseFunc
	OnContactBegin ContactFunc
	OnContactEnd   ContactFunc
	OnTriggerEnter ContactFunc
	OnTriggerLeave ContactFunc

	body *Body
	buf  *poseBuffer // nil без интерполяции
	skip bool        // одноразовый флаг «выдать позу без бленда»

	active bool // тело двигалось в текущем шаге

	contacted map[uint64]*Handle
	triggered map[uint64]*Handle
}

// poseBuffer тройной буфер поз для интерполяции: prev/next ограничивают
// бленд, curr хранит последнюю выданную на рендер позу.
type poseBuffer struct {
	prev, next, curr Pose
}

// Body возвращает привязанное тело (nil до Attach)
func (h *Handle) Body() *Body { return h.body }

// Contacted возвращает копию множества хэндлов, с которыми есть контакт
func (h *Handle) Contacted() []*Handle {
	out := make([]*Handle, 0, len(h.contacted))
	for _, peer := range h.contacted {
		out = append(out, peer)
	}
	return out
}

// Triggered возвращает копию множества хэндлов, находящихся в триггерном пересечении
func (h *Handle) Triggered() []*Handle {
	out := make([]*Handle, 0, len(h.triggered))
	for _, peer := range h.triggered {
		out = append(out, peer)
	}
	return out
}

// IsContacting сообщает, касается ли хэндл тела с данным идентификатором
func (h *Handle) IsContacting(bodyID uint64) bool {
	_, ok := h.contacted[bodyID]
	return ok
}
