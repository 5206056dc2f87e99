package sync

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
)

// Change — исходящее изменение, ожидающее пакетной отправки
type Change struct {
	Method    string      // метод на проводе: "move", "chat", ...
	Payload   interface{} // полезная нагрузка метода
	Priority  int         // приоритизация для сброса при перегрузке
	Timestamp time.Time   // время создания изменения
}

// BatchManager накапливает исходящие изменения и периодически отправляет их
// одним сжатым batch-кадром через соединение. Частые мелкие пакеты (move)
// склеиваются, редкие важные уходят с ближайшим тиком.
type BatchManager struct {
	mu       sync.Mutex
	buf      []Change
	capacity int

	flushEvery time.Duration
	transport  Transport

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBatchManager создаёт батчер с указанным лимитом буфера и интервалом отправки
func NewBatchManager(transport Transport, capacity int, flushEvery time.Duration) *BatchManager {
	if capacity <= 0 {
		capacity = 128
	}
	if flushEvery <= 0 {
		flushEvery = 50 * time.Millisecond
	}

	bm := &BatchManager{
		capacity:   capacity,
		flushEvery: flushEvery,
		transport:  transport,
		quit:       make(chan struct{}),
	}
	bm.wg.Add(1)
	go bm.loop()
	return bm
}

// Add добавляет изменение в буфер; при переполнении низкоприоритетные
// изменения замещаются более приоритетными
func (bm *BatchManager) Add(ch Change) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if len(bm.buf) >= bm.capacity {
		// ищем самое низкое Priority и заменяем, если новый выше
		lowIdx := -1
		lowPri := ch.Priority
		for i, c := range bm.buf {
			if c.Priority < lowPri {
				lowPri = c.Priority
				lowIdx = i
			}
		}
		if lowIdx >= 0 {
			bm.buf[lowIdx] = ch
			return
		}
		// все изменения >= чем новый — дропаем новый
		bm.reportDropped(ch.Method, 1)
		return
	}
	bm.buf = append(bm.buf, ch)
}

// reportDropped публикует событие о потере исходящих изменений
func (bm *BatchManager) reportDropped(method string, count int) {
	env := eventbus.NewEnvelopePriority("sync", eventbus.EventOutboxDropped, 7, map[string]interface{}{
		"method": method,
		"count":  count,
	})
	if err := eventbus.Publish(context.Background(), env); err != nil {
		logging.Debug("Событие %s не опубликовано: %v", eventbus.EventOutboxDropped, err)
	}
}

func (bm *BatchManager) loop() {
	defer bm.wg.Done()

	ticker := time.NewTicker(bm.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bm.Flush()
		case <-bm.quit:
			return
		}
	}
}

// Flush отсылает накопленные изменения одним batch-кадром.
// При закрытом соединении буфер сбрасывается: команды через разрыв не переносятся.
func (bm *BatchManager) Flush() {
	bm.mu.Lock()
	if len(bm.buf) == 0 {
		bm.mu.Unlock()
		return
	}
	changes := make([]Change, len(bm.buf))
	copy(changes, bm.buf)
	bm.buf = bm.buf[:0]
	bm.mu.Unlock()

	if bm.transport == nil {
		return
	}
	if !bm.transport.IsConnected() {
		logging.Warn("BatchManager: соединение закрыто, %d изменений отброшено", len(changes))
		bm.reportDropped("*", len(changes))
		return
	}

	if len(changes) == 1 {
		if err := bm.transport.Send(changes[0].Method, changes[0].Payload); err != nil {
			logging.Warn("BatchManager: отправка %s: %v", changes[0].Method, err)
		}
		return
	}

	items := make([]protocol.Outgoing, len(changes))
	for i, c := range changes {
		items[i] = protocol.Outgoing{Method: c.Method, Payload: c.Payload}
	}
	if err := bm.transport.SendBatch(items); err != nil {
		logging.Warn("BatchManager: отправка батча из %d изменений: %v", len(items), err)
	}
}

// Stop завершает работу батчера и отправляет оставшиеся изменения
func (bm *BatchManager) Stop() {
	close(bm.quit)
	bm.wg.Wait()
	bm.Flush()
}
