package sync

import (
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
)

// pendingBuffer хранит дельты для ещё не созданных сущностей до момента их
// появления. Буфер каждого id ограничен ёмкостью: при переполнении вытесняется
// старейшая дельта, оставшиеся воспроизводятся в исходном порядке прибытия.
type pendingBuffer struct {
	capacity int
	byID     map[uint64][]*protocol.EntityDelta
	deferred map[uint64]uint64 // всего отложено на id, для редеющего лога
	evicted  uint64
}

func newPendingBuffer(capacity int) *pendingBuffer {
	if capacity <= 0 {
		capacity = 64
	}
	return &pendingBuffer{
		capacity: capacity,
		byID:     make(map[uint64][]*protocol.EntityDelta),
		deferred: make(map[uint64]uint64),
	}
}

// add откладывает дельту для неизвестной сущности.
// Лог редеет по мере роста счётчика: каждая степень двойки.
func (pb *pendingBuffer) add(d *protocol.EntityDelta) {
	list := pb.byID[d.ID]
	if len(list) >= pb.capacity {
		// Вытесняем старейшую дельту, сдвигая хвост влево
		copy(list, list[1:])
		list[len(list)-1] = d
		pb.evicted++
		if powerOfTwo(pb.evicted) {
			logging.Warn("Буфер отложенных дельт сущности %d переполнен, старейшая вытеснена (вытеснено всего: %d)",
				d.ID, pb.evicted)
		}
	} else {
		list = append(list, d)
	}
	pb.byID[d.ID] = list

	pb.deferred[d.ID]++
	if n := pb.deferred[d.ID]; powerOfTwo(n) {
		logging.Debug("Дельта для неизвестной сущности %d отложена (в буфере %d, всего отложено %d)",
			d.ID, len(list), n)
	}
}

// take изымает буфер указанного id для воспроизведения
func (pb *pendingBuffer) take(id uint64) []*protocol.EntityDelta {
	list := pb.byID[id]
	delete(pb.byID, id)
	delete(pb.deferred, id)
	return list
}

// drop отбрасывает буфер без воспроизведения (удаление сущности)
func (pb *pendingBuffer) drop(id uint64) {
	delete(pb.byID, id)
	delete(pb.deferred, id)
}

// size возвращает длину буфера для id
func (pb *pendingBuffer) size(id uint64) int {
	return len(pb.byID[id])
}

// clear сбрасывает все буферы
func (pb *pendingBuffer) clear() {
	pb.byID = make(map[uint64][]*protocol.EntityDelta)
	pb.deferred = make(map[uint64]uint64)
	pb.evicted = 0
}

func powerOfTwo(n uint64) bool {
	return n&(n-1) == 0
}
