package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Типы событий клиентского рантайма.
const (
	EventConnectionEstablished = "connection.established"
	EventConnectionLost        = "connection.lost"
	EventConnectionKicked      = "connection.kicked"

	EventEntityAdded    = "entity.added"
	EventEntityModified = "entity.modified"
	EventEntityRemoved  = "entity.removed"

	EventCharacterListReady = "character.list.ready"
	EventCharacterSelected  = "character.selected"

	EventChatMessage     = "chat.message"
	EventChatCleared     = "chat.cleared"
	EventSettingsChanged = "settings.changed"

	EventResourceChanged  = "resource.changed"
	EventInventoryChanged = "inventory.changed"
	EventOutboxDropped    = "sync.outbox.dropped"

	EventTokenRefreshed = "auth.token.refreshed"
	EventTokenExpiring  = "auth.token.expiring"

	EventPhysicsDegraded = "physics.degraded"
)

// NewEnvelope собирает конверт события с UUID и сериализованной в JSON нагрузкой.
// При ошибке сериализации конверт уходит с пустым Payload: событие важнее нагрузки.
func NewEnvelope(source, eventType string, payload interface{}) *Envelope {
	var data []byte
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}

	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: eventType,
		Version:   1,
		Priority:  5,
		Payload:   data,
	}
}

// NewEnvelopePriority — как NewEnvelope, но с явным приоритетом.
func NewEnvelopePriority(source, eventType string, priority int, payload interface{}) *Envelope {
	env := NewEnvelope(source, eventType, payload)
	env.Priority = priority
	return env
}
