package storage

import (
	"sync"

	"github.com/annel0/mmo-client/internal/protocol"
)

// MemoryCache реализует кеш клиента в памяти.
// Используется как fallback, когда каталог кеша недоступен,
// и для CI/тестов без диска.
// ВНИМАНИЕ: Данные теряются при перезапуске клиента!
type MemoryCache struct {
	mu         sync.RWMutex
	settings   map[string]interface{}
	chat       []protocol.ChatMessage
	characters []protocol.CharacterInfo
	session    string
}

// NewMemoryCache создает новый кеш в памяти
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		settings: make(map[string]interface{}),
	}
}

// SaveSettings сохраняет настройки клиента
func (c *MemoryCache) SaveSettings(settings map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings = make(map[string]interface{}, len(settings))
	for k, v := range settings {
		c.settings[k] = v
	}
	return nil
}

// LoadSettings возвращает копию сохранённых настроек
func (c *MemoryCache) LoadSettings() (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]interface{}, len(c.settings))
	for k, v := range c.settings {
		out[k] = v
	}
	return out, nil
}

// AppendChat дописывает сообщение, обрезая историю по ёмкости
func (c *MemoryCache) AppendChat(msg protocol.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chat = append(c.chat, msg)
	if len(c.chat) > chatCap {
		c.chat = c.chat[len(c.chat)-chatCap:]
	}
	return nil
}

// ChatHistory возвращает последние limit сообщений; limit <= 0 отдаёт всё
func (c *MemoryCache) ChatHistory(limit int) ([]protocol.ChatMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.chat
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]protocol.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ClearChat удаляет историю чата
func (c *MemoryCache) ClearChat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = nil
	return nil
}

// SaveCharacters сохраняет список персонажей
func (c *MemoryCache) SaveCharacters(chars []protocol.CharacterInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.characters = make([]protocol.CharacterInfo, len(chars))
	copy(c.characters, chars)
	return nil
}

// LoadCharacters возвращает копию списка персонажей
func (c *MemoryCache) LoadCharacters() ([]protocol.CharacterInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.CharacterInfo, len(c.characters))
	copy(out, c.characters)
	return out, nil
}

// SaveSession сохраняет токен сессии
func (c *MemoryCache) SaveSession(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = token
	return nil
}

// LoadSession возвращает сохранённый токен сессии
func (c *MemoryCache) LoadSession() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, nil
}

// Close освобождает кеш (no-op для памяти)
func (c *MemoryCache) Close() error {
	return nil
}
