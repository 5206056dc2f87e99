package metrics

import (
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics содержит Prometheus-коллекторы клиентского рантайма:
// синхронизация, сеть и игровой цикл. Метрики физики регистрирует сам
// движок. Gauge-метрики выставляются из цикла статистики (раз в секунду),
// счётчики инкрементируются по месту событий.
type ClientMetrics struct {
	Entities       prometheus.Gauge
	SyncQueueDepth prometheus.Gauge
	Frames         prometheus.Counter
	Reconnects     prometheus.Counter
	RTT            prometheus.Gauge
	BytesSent      prometheus.Gauge
	BytesReceived  prometheus.Gauge
}

// NewClientMetrics создаёт коллекторы и регистрирует их в default-реестре
func NewClientMetrics() *ClientMetrics {
	cm := &ClientMetrics{
		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "client_entities",
			Help: "Количество сущностей в локальном реестре",
		}),
		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "client_sync_queue_depth",
			Help: "Глубина очереди необработанных пакетов синхронизации",
		}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "client_frames_total",
			Help: "Общее количество кадров интерполяции",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "client_reconnects_total",
			Help: "Общее количество разрывов соединения",
		}),
		RTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "client_rtt_ms",
			Help: "Текущий RTT до сервера в миллисекундах",
		}),
		BytesSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "client_net_bytes_sent",
			Help: "Всего байт отправлено по каналу",
		}),
		BytesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "client_net_bytes_received",
			Help: "Всего байт получено по каналу",
		}),
	}

	// Регистрируем Prometheus метрики (игнорируем ошибки дублирования)
	collectors := []prometheus.Collector{
		cm.Entities,
		cm.SyncQueueDepth,
		cm.Frames,
		cm.Reconnects,
		cm.RTT,
		cm.BytesSent,
		cm.BytesReceived,
	}

	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logging.Warn("Не удалось зарегистрировать метрику: %v", err)
			}
		}
	}

	return cm
}
