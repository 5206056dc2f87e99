package network

import (
	"fmt"

	"github.com/annel0/mmo-client/internal/logging"
)

// StandardChannelFactory реализует ChannelFactory для поддерживаемых клиентом каналов
type StandardChannelFactory struct {
	logger *logging.Logger
}

// NewStandardChannelFactory создаёт новую фабрику каналов
func NewStandardChannelFactory(logger *logging.Logger) *StandardChannelFactory {
	return &StandardChannelFactory{
		logger: logger,
	}
}

// CreateChannel создаёт канал указанного типа с заданной конфигурацией
func (f *StandardChannelFactory) CreateChannel(config *ChannelConfig) (NetChannel, error) {
	switch config.Type {
	case ChannelKCP:
		return NewKCPChannel(config, f.logger), nil
	case ChannelWebSocket:
		return NewWSChannel(config, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported channel type: %v", config.Type)
	}
}

// SupportedTypes возвращает список поддерживаемых типов каналов
func (f *StandardChannelFactory) SupportedTypes() []ChannelType {
	return []ChannelType{
		ChannelKCP,
		ChannelWebSocket,
	}
}

// ParseChannelType преобразует строку конфигурации в тип канала
func ParseChannelType(name string) (ChannelType, error) {
	switch name {
	case "kcp", "":
		return ChannelKCP, nil
	case "websocket", "ws":
		return ChannelWebSocket, nil
	default:
		return ChannelKCP, fmt.Errorf("неизвестный тип канала: %s", name)
	}
}
