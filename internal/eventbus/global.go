package eventbus

import (
	"context"
	"sync/atomic"
)

// defaultBus шина процесса. Хранится как *EventBus в atomic.Value:
// переустановка при пересоздании рантайма не гонится с публикующими
// горутинами.
var defaultBus atomic.Value

// Init устанавливает глобальную шину процесса. Вызывается из cmd/client
// до запуска игрового цикла; повторный вызов заменяет шину.
func Init(bus EventBus) {
	if bus == nil {
		return
	}
	defaultBus.Store(&bus)
}

// Publish отправляет событие в глобальную шину. До инициализации события
// молча отбрасываются: глубокие слои публикуют диагностику, не зная,
// собран ли уже рантайм.
func Publish(ctx context.Context, ev *Envelope) error {
	v, ok := defaultBus.Load().(*EventBus)
	if !ok {
		return nil
	}
	return (*v).Publish(ctx, ev)
}
