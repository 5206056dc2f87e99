package network

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
)

// kcpSalt используется при выводе AES ключа из общего секрета
const kcpSalt = "mmo-client-kcp"

// KCPChannel реализует NetChannel для KCP (надёжный UDP)
type KCPChannel struct {
	conn   *kcp.UDPSession
	config *ChannelConfig
	logger *logging.Logger

	// Статистика
	stats ConnectionStats

	// Обработчики событий
	onMessage    func(frame []byte)
	onConnect    func()
	onDisconnect func(error)
	onError      func(error)

	// Контроль выполнения
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Буферы кадров
	sendBuffer chan []byte
	recvBuffer chan []byte

	mu sync.RWMutex
}

// NewKCPChannel создаёт новый KCP канал
func NewKCPChannel(config *ChannelConfig, logger *logging.Logger) *KCPChannel {
	ctx, cancel := context.WithCancel(context.Background())

	return &KCPChannel{
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sendBuffer: make(chan []byte, config.BufferSize),
		recvBuffer: make(chan []byte, config.BufferSize),
	}
}

// NewKCPChannelFromConn создаёт KCP канал из установленного соединения
// (используется серверной стороной loopback-тестов)
func NewKCPChannelFromConn(conn *kcp.UDPSession, config *ChannelConfig, logger *logging.Logger) *KCPChannel {
	channel := NewKCPChannel(config, logger)
	channel.conn = conn
	channel.tuneSession(conn)

	channel.stats.Connected = true
	channel.stats.RemoteAddr = conn.RemoteAddr().String()
	channel.stats.LastActivity = time.Now()

	channel.wg.Add(3)
	go channel.sendLoop()
	go channel.receiveLoop()
	go channel.statsLoop()

	if channel.onConnect != nil {
		channel.onConnect()
	}

	logger.Info("KCP канал создан из соединения: addr=%s", conn.RemoteAddr().String())
	return channel
}

// BlockCrypt выводит AES шифратор из общего ключа.
// Пустой ключ означает нешифрованный канал.
func BlockCrypt(key string) (kcp.BlockCrypt, error) {
	if key == "" {
		return nil, nil
	}
	derived := pbkdf2.Key([]byte(key), []byte(kcpSalt), 1024, 32, sha1.New)
	return kcp.NewAESBlockCrypt(derived)
}

// Connect устанавливает соединение с сервером
func (kc *KCPChannel) Connect(ctx context.Context, addr string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if kc.conn != nil {
		return fmt.Errorf("already connected")
	}

	block, err := BlockCrypt(kc.config.Key)
	if err != nil {
		return fmt.Errorf("ошибка создания шифратора: %w", err)
	}

	conn, err := kcp.DialWithOptions(addr, block, 10, 3)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	kc.tuneSession(conn)

	kc.conn = conn
	kc.stats.Connected = true
	kc.stats.RemoteAddr = addr
	kc.stats.LastActivity = time.Now()

	// Запускаем горутины для обработки
	kc.wg.Add(3)
	go kc.sendLoop()
	go kc.receiveLoop()
	go kc.statsLoop()

	// Уведомляем о подключении
	if kc.onConnect != nil {
		kc.onConnect()
	}

	kc.logger.Info("KCP канал подключен: addr=%s", addr)
	return nil
}

// tuneSession настраивает KCP параметры для игрового трафика
func (kc *KCPChannel) tuneSession(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 20, 2, 1) // Агрессивные настройки для игр
	conn.SetWindowSize(512, 512) // Увеличиваем окно для пропускной способности
	conn.SetMtu(1400)            // Стандартный MTU для интернета
}

// Send ставит кадр в очередь отправки
func (kc *KCPChannel) Send(ctx context.Context, frame []byte, opts *SendOptions) error {
	if !kc.IsConnected() {
		return ErrNotConnected
	}

	select {
	case kc.sendBuffer <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-kc.ctx.Done():
		return fmt.Errorf("channel closed")
	}
}

// Receive возвращает следующий принятый кадр
func (kc *KCPChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-kc.recvBuffer:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-kc.ctx.Done():
		return nil, fmt.Errorf("channel closed")
	}
}

// Close закрывает канал
func (kc *KCPChannel) Close() error {
	kc.mu.Lock()
	conn := kc.conn
	kc.conn = nil
	kc.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Останавливаем горутины и закрываем соединение
	kc.cancel()
	err := conn.Close()
	kc.wg.Wait()

	kc.markDisconnected(err)
	kc.logger.Info("KCP канал закрыт")
	return err
}

// markDisconnected переводит канал в отключенное состояние и один раз
// уведомляет обработчик (переход connected → disconnected)
func (kc *KCPChannel) markDisconnected(err error) {
	kc.mu.Lock()
	wasConnected := kc.stats.Connected
	kc.stats.Connected = false
	handler := kc.onDisconnect
	kc.mu.Unlock()

	if wasConnected && handler != nil {
		handler(err)
	}
}

// IsConnected проверяет состояние соединения
func (kc *KCPChannel) IsConnected() bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.conn != nil && kc.stats.Connected
}

// RemoteAddr возвращает адрес удалённого узла
func (kc *KCPChannel) RemoteAddr() string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.stats.RemoteAddr
}

// Stats возвращает статистику соединения
func (kc *KCPChannel) Stats() ConnectionStats {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.stats
}

// RTT возвращает текущий RTT
func (kc *KCPChannel) RTT() time.Duration {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.stats.RTT
}

// SetRTT обновляет измеренный RTT (вычисляется менеджером соединения по pong)
func (kc *KCPChannel) SetRTT(rtt time.Duration) {
	kc.mu.Lock()
	kc.stats.RTT = rtt
	kc.mu.Unlock()
}

// SetTimeout устанавливает таймаут
func (kc *KCPChannel) SetTimeout(timeout time.Duration) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if kc.conn != nil {
		return kc.conn.SetDeadline(time.Now().Add(timeout))
	}
	return nil
}

// SetKeepAlive устанавливает интервал keep-alive
func (kc *KCPChannel) SetKeepAlive(interval time.Duration) error {
	kc.config.KeepAlive = interval
	return nil
}

// OnMessage устанавливает обработчик кадров
func (kc *KCPChannel) OnMessage(handler func(frame []byte)) error {
	kc.onMessage = handler
	return nil
}

// OnConnect устанавливает обработчик подключения
func (kc *KCPChannel) OnConnect(handler func()) error {
	kc.onConnect = handler
	return nil
}

// OnDisconnect устанавливает обработчик отключения
func (kc *KCPChannel) OnDisconnect(handler func(error)) error {
	kc.onDisconnect = handler
	return nil
}

// OnError устанавливает обработчик ошибок
func (kc *KCPChannel) OnError(handler func(error)) error {
	kc.onError = handler
	return nil
}

// sendLoop обрабатывает отправку кадров
func (kc *KCPChannel) sendLoop() {
	defer kc.wg.Done()

	for {
		select {
		case frame := <-kc.sendBuffer:
			if err := kc.writeFrame(frame); err != nil {
				kc.logger.Error("Ошибка отправки кадра: %v", err)
				if kc.onError != nil {
					kc.onError(err)
				}
			}
		case <-kc.ctx.Done():
			return
		}
	}
}

// receiveLoop читает кадры из потока: 4-байтный заголовок длины, затем тело.
// Кадры самодостаточны (формат protocol.Codec), граница кадра известна из заголовка.
func (kc *KCPChannel) receiveLoop() {
	defer kc.wg.Done()

	header := make([]byte, 4)

	for {
		select {
		case <-kc.ctx.Done():
			return
		default:
			kc.mu.RLock()
			conn := kc.conn
			kc.mu.RUnlock()
			if conn == nil {
				return
			}

			// Устанавливаем таймаут чтения
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			if _, err := io.ReadFull(conn, header); err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // Таймаут чтения - это нормально
				}
				if kc.ctx.Err() != nil {
					return
				}
				if kc.onError != nil {
					kc.onError(err)
				}
				kc.markDisconnected(err)
				return
			}

			length := protocol.ReadUint32(header)
			frame := make([]byte, 4+length)
			copy(frame, header)

			conn.SetReadDeadline(time.Now().Add(kc.config.Timeout))
			if _, err := io.ReadFull(conn, frame[4:]); err != nil {
				if kc.ctx.Err() != nil {
					return
				}
				kc.logger.Error("Обрыв кадра при чтении: %v", err)
				kc.markDisconnected(err)
				return
			}

			// Обновляем статистику
			atomic.AddUint64(&kc.stats.PacketsReceived, 1)
			atomic.AddUint64(&kc.stats.BytesReceived, uint64(len(frame)))
			kc.mu.Lock()
			kc.stats.LastActivity = time.Now()
			kc.mu.Unlock()

			// Отправляем кадр в буфер или обработчик
			select {
			case kc.recvBuffer <- frame:
			default:
				kc.logger.Warn("Буфер приёма заполнен, кадр отброшен")
			}

			if kc.onMessage != nil {
				kc.onMessage(frame)
			}
		}
	}
}

// statsLoop следит за живостью соединения
func (kc *KCPChannel) statsLoop() {
	defer kc.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kc.mu.RLock()
			idle := time.Since(kc.stats.LastActivity)
			connected := kc.stats.Connected
			kc.mu.RUnlock()

			if connected && idle > kc.config.KeepAlive*2 {
				kc.logger.Warn("KCP канал неактивен %v, считаем соединение потерянным", idle)
				kc.markDisconnected(fmt.Errorf("keep-alive timeout"))
			}
		case <-kc.ctx.Done():
			return
		}
	}
}

// writeFrame пишет кадр в соединение
func (kc *KCPChannel) writeFrame(frame []byte) error {
	kc.mu.RLock()
	conn := kc.conn
	kc.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	// Обновляем статистику
	atomic.AddUint64(&kc.stats.PacketsSent, 1)
	atomic.AddUint64(&kc.stats.BytesSent, uint64(len(frame)))
	kc.mu.Lock()
	kc.stats.LastActivity = time.Now()
	kc.mu.Unlock()

	return nil
}
