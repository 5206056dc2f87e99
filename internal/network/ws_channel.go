package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/annel0/mmo-client/internal/logging"
)

// WSChannel реализует NetChannel поверх WebSocket (gorilla/websocket).
// Кадры протокола передаются бинарными сообщениями, границы сохраняет сам WebSocket.
type WSChannel struct {
	conn   *websocket.Conn
	config *ChannelConfig
	logger *logging.Logger

	stats ConnectionStats

	onMessage    func(frame []byte)
	onConnect    func()
	onDisconnect func(error)
	onError      func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendBuffer chan []byte
	recvBuffer chan []byte

	mu sync.RWMutex
}

// NewWSChannel создаёт новый WebSocket канал
func NewWSChannel(config *ChannelConfig, logger *logging.Logger) *WSChannel {
	ctx, cancel := context.WithCancel(context.Background())

	return &WSChannel{
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sendBuffer: make(chan []byte, config.BufferSize),
		recvBuffer: make(chan []byte, config.BufferSize),
	}
}

// Connect устанавливает WebSocket соединение с сервером
func (wc *WSChannel) Connect(ctx context.Context, addr string) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	if wc.conn != nil {
		return fmt.Errorf("already connected")
	}

	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + url + "/ws"
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: wc.config.Timeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetPongHandler(func(string) error {
		wc.mu.Lock()
		wc.stats.LastActivity = time.Now()
		wc.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(wc.config.Timeout))
	})

	wc.conn = conn
	wc.stats.Connected = true
	wc.stats.RemoteAddr = url
	wc.stats.LastActivity = time.Now()

	wc.wg.Add(2)
	go wc.sendLoop()
	go wc.receiveLoop()

	if wc.onConnect != nil {
		wc.onConnect()
	}

	wc.logger.Info("WebSocket канал подключен: addr=%s", url)
	return nil
}

// Send ставит кадр в очередь отправки
func (wc *WSChannel) Send(ctx context.Context, frame []byte, opts *SendOptions) error {
	if !wc.IsConnected() {
		return ErrNotConnected
	}

	select {
	case wc.sendBuffer <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wc.ctx.Done():
		return fmt.Errorf("channel closed")
	}
}

// Receive возвращает следующий принятый кадр
func (wc *WSChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-wc.recvBuffer:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wc.ctx.Done():
		return nil, fmt.Errorf("channel closed")
	}
}

// Close закрывает канал
func (wc *WSChannel) Close() error {
	wc.mu.Lock()
	conn := wc.conn
	wc.conn = nil
	wc.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Вежливое закрытие, затем разрыв
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	wc.cancel()
	err := conn.Close()
	wc.wg.Wait()

	wc.markDisconnected(err)
	wc.logger.Info("WebSocket канал закрыт")
	return err
}

// markDisconnected переводит канал в отключенное состояние (уведомление один раз)
func (wc *WSChannel) markDisconnected(err error) {
	wc.mu.Lock()
	wasConnected := wc.stats.Connected
	wc.stats.Connected = false
	handler := wc.onDisconnect
	wc.mu.Unlock()

	if wasConnected && handler != nil {
		handler(err)
	}
}

// IsConnected проверяет состояние соединения
func (wc *WSChannel) IsConnected() bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.conn != nil && wc.stats.Connected
}

// RemoteAddr возвращает адрес удалённого узла
func (wc *WSChannel) RemoteAddr() string {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.stats.RemoteAddr
}

// Stats возвращает статистику соединения
func (wc *WSChannel) Stats() ConnectionStats {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.stats
}

// RTT возвращает текущий RTT
func (wc *WSChannel) RTT() time.Duration {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.stats.RTT
}

// SetRTT обновляет измеренный RTT
func (wc *WSChannel) SetRTT(rtt time.Duration) {
	wc.mu.Lock()
	wc.stats.RTT = rtt
	wc.mu.Unlock()
}

// SetTimeout устанавливает таймаут чтения
func (wc *WSChannel) SetTimeout(timeout time.Duration) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	wc.config.Timeout = timeout
	if wc.conn != nil {
		return wc.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return nil
}

// SetKeepAlive устанавливает интервал ping
func (wc *WSChannel) SetKeepAlive(interval time.Duration) error {
	wc.config.KeepAlive = interval
	return nil
}

// OnMessage устанавливает обработчик кадров
func (wc *WSChannel) OnMessage(handler func(frame []byte)) error {
	wc.onMessage = handler
	return nil
}

// OnConnect устанавливает обработчик подключения
func (wc *WSChannel) OnConnect(handler func()) error {
	wc.onConnect = handler
	return nil
}

// OnDisconnect устанавливает обработчик отключения
func (wc *WSChannel) OnDisconnect(handler func(error)) error {
	wc.onDisconnect = handler
	return nil
}

// OnError устанавливает обработчик ошибок
func (wc *WSChannel) OnError(handler func(error)) error {
	wc.onError = handler
	return nil
}

// sendLoop пишет кадры и поддерживает соединение ping-ами
func (wc *WSChannel) sendLoop() {
	defer wc.wg.Done()

	pinger := time.NewTicker(wc.config.KeepAlive)
	defer pinger.Stop()

	for {
		select {
		case frame := <-wc.sendBuffer:
			if err := wc.writeFrame(frame); err != nil {
				wc.logger.Error("Ошибка отправки кадра: %v", err)
				if wc.onError != nil {
					wc.onError(err)
				}
			}
		case <-pinger.C:
			wc.mu.RLock()
			conn := wc.conn
			wc.mu.RUnlock()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				wc.logger.Warn("Ошибка отправки ping: %v", err)
			}
		case <-wc.ctx.Done():
			return
		}
	}
}

// receiveLoop читает бинарные сообщения; каждое сообщение — один кадр протокола
func (wc *WSChannel) receiveLoop() {
	defer wc.wg.Done()

	for {
		wc.mu.RLock()
		conn := wc.conn
		wc.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(wc.config.Timeout))
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if wc.ctx.Err() != nil {
				return
			}
			if wc.onError != nil {
				wc.onError(err)
			}
			wc.markDisconnected(err)
			return
		}

		if msgType != websocket.BinaryMessage {
			continue
		}

		atomic.AddUint64(&wc.stats.PacketsReceived, 1)
		atomic.AddUint64(&wc.stats.BytesReceived, uint64(len(frame)))
		wc.mu.Lock()
		wc.stats.LastActivity = time.Now()
		wc.mu.Unlock()

		select {
		case wc.recvBuffer <- frame:
		default:
			wc.logger.Warn("Буфер приёма заполнен, кадр отброшен")
		}

		if wc.onMessage != nil {
			wc.onMessage(frame)
		}
	}
}

// writeFrame пишет один кадр бинарным сообщением
func (wc *WSChannel) writeFrame(frame []byte) error {
	wc.mu.RLock()
	conn := wc.conn
	wc.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	atomic.AddUint64(&wc.stats.PacketsSent, 1)
	atomic.AddUint64(&wc.stats.BytesSent, uint64(len(frame)))
	wc.mu.Lock()
	wc.stats.LastActivity = time.Now()
	wc.mu.Unlock()

	return nil
}
