package physics

import (
	"github.com/annel0/mmo-client/internal/logging"
)

// CallbackRecord одна запись контактного или триггерного колбэка, выдаваемая
// ареной на время вызова. Запись валидна только внутри колбэка: после release
// слот переиспользуется, удержанная ссылка опознаётся по устаревшему поколению.
type CallbackRecord struct {
	Type       ContactEventType
	Self       *Handle
	Other      *Handle // nil, если противоположное тело не привязано
	OtherTag   string
	OtherOwner uint64
	Points     []ContactPoint

	slot int // -1 для overflow-записей вне арены
	gen  uint32
}

func (r *CallbackRecord) reset() {
	r.Type = 0
	r.Self = nil
	r.Other = nil
	r.OtherTag = ""
	r.OtherOwner = 0
	r.Points = r.Points[:0]
}

// callbackArena преаллоцированный пул записей колбэков со счётчиком поколений.
// Каждый release инкрементирует поколение слота, так что повторное использование
// освобождённой записи детектируется (Valid возвращает false).
type callbackArena struct {
	records   []CallbackRecord
	gens      []uint32
	free      []int
	overflows uint64
}

func newCallbackArena(capacity int) *callbackArena {
	if capacity <= 0 {
		capacity = 256
	}
	a := &callbackArena{
		records: make([]CallbackRecord, capacity),
		gens:    make([]uint32, capacity),
		free:    make([]int, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		a.records[i].slot = i
		a.records[i].Points = make([]ContactPoint, 0, 4)
		a.free = append(a.free, i)
	}
	return a
}

// acquire выдаёт чистую запись. При исчерпании пула выдаётся разовая запись
// вне арены (slot = -1), чтобы диспетчеризация оставалась без потерь.
func (a *callbackArena) acquire() *CallbackRecord {
	if len(a.free) == 0 {
		a.overflows++
		if powerOfTwo(a.overflows) {
			logging.Warn("Арена колбэков исчерпана (%d переполнений), запись выделена вне пула", a.overflows)
		}
		return &CallbackRecord{slot: -1, Points: make([]ContactPoint, 0, 4)}
	}

	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	rec := &a.records[idx]
	rec.reset()
	rec.gen = a.gens[idx]
	return rec
}

// release возвращает запись в пул и продвигает поколение слота.
// Повторный release той же записи игнорируется с предупреждением.
func (a *callbackArena) release(r *CallbackRecord) {
	if r == nil || r.slot < 0 {
		return
	}
	if r.gen != a.gens[r.slot] {
		logging.Warn("Повторное освобождение записи арены (слот %d)", r.slot)
		return
	}
	a.gens[r.slot]++
	a.free = append(a.free, r.slot)
}

// Valid сообщает, не была ли запись освобождена с момента выдачи
func (a *callbackArena) Valid(r *CallbackRecord) bool {
	if r == nil {
		return false
	}
	if r.slot < 0 {
		return true
	}
	return r.gen == a.gens[r.slot]
}

// InUse возвращает число занятых слотов арены
func (a *callbackArena) InUse() int {
	return len(a.records) - len(a.free)
}

// powerOfTwo проверяет, является ли n степенью двойки (для прореживания логов)
func powerOfTwo(n uint64) bool {
	return n&(n-1) == 0
}
