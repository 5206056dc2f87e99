// Package network предоставляет транспортные каналы и менеджер соединения клиента
package network

import (
	"context"
	"errors"
	"time"
)

// ChannelType определяет тип канала связи
type ChannelType int

const (
	ChannelKCP ChannelType = iota
	ChannelWebSocket
)

// String возвращает имя типа канала
func (t ChannelType) String() string {
	switch t {
	case ChannelKCP:
		return "kcp"
	case ChannelWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ErrNotConnected возвращается при операциях над закрытым каналом
var ErrNotConnected = errors.New("канал не подключен")

// ConnectionStats содержит статистику соединения
type ConnectionStats struct {
	RTT             time.Duration // Round-trip time
	PacketsSent     uint64        // Отправлено пакетов
	PacketsReceived uint64        // Получено пакетов
	PacketsLost     uint64        // Потеряно пакетов
	BytesSent       uint64        // Отправлено байт
	BytesReceived   uint64        // Получено байт
	LastActivity    time.Time     // Последняя активность
	Connected       bool          // Статус соединения
	RemoteAddr      string        // Адрес удалённого узла
}

// MessagePriority определяет приоритет сообщения
type MessagePriority int

const (
	PriorityLow MessagePriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// SendOptions настройки отправки сообщения
type SendOptions struct {
	Priority MessagePriority // Приоритет сообщения
	Timeout  time.Duration   // Таймаут отправки
}

// NetChannel представляет унифицированный интерфейс для сетевого канала.
// Канал переносит непрозрачные кадры; кодирование и сжатие живут в protocol.Codec.
type NetChannel interface {
	// Основные операции
	Send(ctx context.Context, frame []byte, opts *SendOptions) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error

	// Управление соединением
	Connect(ctx context.Context, addr string) error
	IsConnected() bool
	RemoteAddr() string

	// Статистика и мониторинг
	Stats() ConnectionStats
	RTT() time.Duration

	// Настройки канала
	SetTimeout(timeout time.Duration) error
	SetKeepAlive(interval time.Duration) error

	// События
	OnMessage(handler func(frame []byte)) error
	OnConnect(handler func()) error
	OnDisconnect(handler func(error)) error
	OnError(handler func(error)) error
}

// ChannelConfig содержит конфигурацию канала
type ChannelConfig struct {
	Type          ChannelType
	BufferSize    int
	Timeout       time.Duration
	KeepAlive     time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	Key           string // общий ключ шифрования KCP; пусто — без шифрования
}

// DefaultChannelConfig возвращает конфигурацию канала по умолчанию
func DefaultChannelConfig(channelType ChannelType) *ChannelConfig {
	return &ChannelConfig{
		Type:          channelType,
		BufferSize:    1024,
		Timeout:       30 * time.Second,
		KeepAlive:     10 * time.Second,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}
}

// ChannelFactory создаёт каналы разных типов
type ChannelFactory interface {
	CreateChannel(config *ChannelConfig) (NetChannel, error)
	SupportedTypes() []ChannelType
}
