package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
)

// ConnConfig параметры установления соединения
type ConnConfig struct {
	Addr           string
	Channel        ChannelType
	ConnectTimeout time.Duration
	Key            string // общий ключ шифрования KCP
	KeepAlive      time.Duration
}

// Conn — менеджер соединения клиента: владеет каналом и кодеком,
// калибрует серверное время, отправляет исходящие пакеты.
// Входящие кадры передаются потребителю как есть (декодирует менеджер синхронизации).
type Conn struct {
	channel     NetChannel
	channelType ChannelType
	codec       *protocol.Codec
	logger      *logging.Logger
	bus         eventbus.EventBus
	metrics     *NetworkMetrics

	// Калибровка времени: serverTime − localTime в миллисекундах
	offsetMs int64
	rttMs    int64

	onDisconnect atomic.Value // func(error)
}

// Dial устанавливает соединение с жёстким дедлайном: по истечении
// ConnectTimeout попытка завершается явной ошибкой, а не зависанием.
func Dial(ctx context.Context, cfg *ConnConfig, bus eventbus.EventBus, logger *logging.Logger) (*Conn, error) {
	codec, err := protocol.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("ошибка создания кодека: %w", err)
	}

	chCfg := DefaultChannelConfig(cfg.Channel)
	chCfg.Key = cfg.Key
	if cfg.KeepAlive > 0 {
		chCfg.KeepAlive = cfg.KeepAlive
	}

	factory := NewStandardChannelFactory(logging.GetNetworkLogger())
	channel, err := factory.CreateChannel(chCfg)
	if err != nil {
		codec.Close()
		return nil, err
	}

	conn := &Conn{
		channel:     channel,
		channelType: cfg.Channel,
		codec:       codec,
		logger:      logger,
		bus:         bus,
		metrics:     NewNetworkMetrics(),
	}

	channel.OnDisconnect(func(cause error) {
		conn.handleDisconnect(cause)
	})

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- channel.Connect(connectCtx, cfg.Addr) }()

	select {
	case err := <-errCh:
		if err != nil {
			codec.Close()
			conn.metrics.RecordError("connection", err.Error(), cfg.Channel.String())
			return nil, fmt.Errorf("подключение к %s: %w", cfg.Addr, err)
		}
	case <-connectCtx.Done():
		// Поздно установленное соединение закрываем, чтобы не подтекало
		go func() {
			if err := <-errCh; err == nil {
				_ = channel.Close()
			}
		}()
		codec.Close()
		conn.metrics.RecordError("timeout", "connect deadline exceeded", cfg.Channel.String())
		return nil, fmt.Errorf("таймаут подключения к %s за %v", cfg.Addr, timeout)
	}

	logger.Info("🌐 Соединение установлено: %s через %s", cfg.Addr, cfg.Channel)
	_ = bus.Publish(context.Background(), eventbus.NewEnvelope("network", eventbus.EventConnectionEstablished,
		map[string]interface{}{"addr": cfg.Addr, "channel": cfg.Channel.String()}))

	return conn, nil
}

// OnFrame подписывает потребителя на входящие кадры (в порядке прибытия)
func (c *Conn) OnFrame(handler func(frame []byte)) {
	c.channel.OnMessage(func(frame []byte) {
		c.metrics.RecordMessage(c.channelType, "", len(frame), false, 0)
		handler(frame)
	})
}

// SetDisconnectHandler устанавливает обработчик потери соединения
func (c *Conn) SetDisconnectHandler(handler func(error)) {
	c.onDisconnect.Store(handler)
}

// handleDisconnect публикует событие потери соединения и уведомляет потребителя
func (c *Conn) handleDisconnect(cause error) {
	if cause != nil {
		c.logger.Warn("📡 Соединение потеряно: %v", cause)
	} else {
		c.logger.Info("📡 Соединение закрыто")
	}

	_ = c.bus.Publish(context.Background(), eventbus.NewEnvelope("network", eventbus.EventConnectionLost,
		map[string]interface{}{"reason": fmt.Sprintf("%v", cause)}))

	if handler, ok := c.onDisconnect.Load().(func(error)); ok && handler != nil {
		handler(cause)
	}
}

// Send кодирует и отправляет пакет. Если соединение закрыто, пакет
// отбрасывается с предупреждением — без неявной очереди через разрыв.
func (c *Conn) Send(method string, payload interface{}) error {
	if !c.channel.IsConnected() {
		c.logger.Warn("Отправка %s при закрытом соединении — пакет отброшен", method)
		return ErrNotConnected
	}

	frame, err := c.codec.Encode(method, payload)
	if err != nil {
		c.metrics.RecordError("serialization", err.Error(), c.channelType.String())
		return fmt.Errorf("кодирование %s: %w", method, err)
	}

	if err := c.channel.Send(context.Background(), frame, &SendOptions{Priority: PriorityNormal}); err != nil {
		return fmt.Errorf("отправка %s: %w", method, err)
	}

	c.metrics.RecordMessage(c.channelType, method, len(frame), true, 0)
	return nil
}

// SendBatch упаковывает исходящие изменения в один сжатый кадр
func (c *Conn) SendBatch(items []protocol.Outgoing) error {
	if !c.channel.IsConnected() {
		c.logger.Warn("Отправка батча при закрытом соединении — %d пакетов отброшено", len(items))
		return ErrNotConnected
	}

	frame, err := c.codec.EncodeBatch(items)
	if err != nil {
		c.metrics.RecordError("serialization", err.Error(), c.channelType.String())
		return fmt.Errorf("кодирование батча: %w", err)
	}

	if err := c.channel.Send(context.Background(), frame, &SendOptions{Priority: PriorityNormal}); err != nil {
		return fmt.Errorf("отправка батча: %w", err)
	}

	c.metrics.RecordMessage(c.channelType, "batch", len(frame), true, 0)
	return nil
}

// Ping отправляет ping с текущим локальным временем (для калибровки по pong)
func (c *Conn) Ping() error {
	return c.Send("ping", map[string]int64{"clientTime": time.Now().UnixMilli()})
}

// CalibrateFromSnapshot задаёт смещение серверного времени по snapshot:
// offset = serverTime − localClock
func (c *Conn) CalibrateFromSnapshot(serverTimeMs int64) {
	offset := serverTimeMs - time.Now().UnixMilli()
	atomic.StoreInt64(&c.offsetMs, offset)
	c.logger.Debug("Калибровка времени по snapshot: offset=%dms", offset)
}

// CalibrateFromPong уточняет смещение с учётом половины RTT
func (c *Conn) CalibrateFromPong(p *protocol.Pong) {
	nowMs := time.Now().UnixMilli()
	rtt := nowMs - p.ClientTime
	if rtt < 0 {
		return // часы ушли назад, измерение не имеет смысла
	}

	offset := p.ServerTime + rtt/2 - nowMs
	atomic.StoreInt64(&c.offsetMs, offset)
	atomic.StoreInt64(&c.rttMs, rtt)

	rttDur := time.Duration(rtt) * time.Millisecond
	c.metrics.RecordRTT(rttDur)
	if setter, ok := c.channel.(interface{ SetRTT(time.Duration) }); ok {
		setter.SetRTT(rttDur)
	}
	c.logger.Debug("Калибровка времени по pong: offset=%dms rtt=%dms", offset, rtt)
}

// ServerNow возвращает оценку текущего серверного времени
func (c *Conn) ServerNow() time.Time {
	return time.Now().Add(time.Duration(atomic.LoadInt64(&c.offsetMs)) * time.Millisecond)
}

// Offset возвращает текущее смещение серверного времени
func (c *Conn) Offset() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.offsetMs)) * time.Millisecond
}

// RTT возвращает последний измеренный RTT
func (c *Conn) RTT() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.rttMs)) * time.Millisecond
}

// IsConnected возвращает состояние канала
func (c *Conn) IsConnected() bool {
	return c.channel.IsConnected()
}

// Stats возвращает статистику канала
func (c *Conn) Stats() ConnectionStats {
	return c.channel.Stats()
}

// Metrics возвращает агрегатор сетевых метрик
func (c *Conn) Metrics() *NetworkMetrics {
	return c.metrics
}

// Close закрывает канал и освобождает кодек
func (c *Conn) Close() error {
	err := c.channel.Close()
	c.codec.Close()
	return err
}
