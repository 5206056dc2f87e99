package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/mmo-client/internal/protocol"
)

const chatCap = 256

var (
	keySettings   = []byte("settings")
	keyCharacters = []byte("characters")
	keySession    = []byte("session")
	chatPrefix    = []byte("chat:")
)

// ClientCache локальный кеш клиента поверх BadgerDB: настройки, история чата,
// список персонажей и токен сессии переживают перезапуск процесса.
type ClientCache struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool

	chatMin uint64 // первый занятый порядковый номер чата
	chatSeq uint64 // следующий свободный порядковый номер чата
}

// NewClientCache открывает кеш в подкаталоге cache указанного пути
func NewClientCache(dataPath string) (*ClientCache, error) {
	dbPath := filepath.Join(dataPath, "cache")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	c := &ClientCache{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}
	if err := c.seedChatBounds(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("не удалось прочитать границы чата: %w", err)
	}
	return c, nil
}

// seedChatBounds восстанавливает счётчики чата по ключам в базе
func (c *ClientCache) seedChatBounds() error {
	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = chatPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		first := true
		for it.Rewind(); it.ValidForPrefix(chatPrefix); it.Next() {
			seq := chatSeqFromKey(it.Item().Key())
			if first {
				c.chatMin = seq
				first = false
			}
			c.chatSeq = seq + 1
		}
		if first {
			c.chatMin = 0
			c.chatSeq = 0
		}
		return nil
	})
}

// Close закрывает кеш
func (c *ClientCache) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isReady {
		return nil
	}
	c.isReady = false
	return c.db.Close()
}

func (c *ClientCache) ready() error {
	if !c.isReady {
		return fmt.Errorf("кеш не готов")
	}
	return nil
}

// SaveSettings сохраняет настройки клиента
func (c *ClientCache) SaveSettings(settings map[string]interface{}) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("ошибка сериализации настроек: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keySettings, data)
	})
}

// LoadSettings загружает настройки; отсутствие записи даёт пустую карту
func (c *ClientCache) LoadSettings() (map[string]interface{}, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}

	data, err := c.get(keySettings)
	if err == badger.ErrKeyNotFound {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения настроек: %w", err)
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("ошибка десериализации настроек: %w", err)
	}
	return settings, nil
}

// AppendChat дописывает сообщение в историю чата; старые записи сверх
// ёмкости удаляются в той же транзакции
func (c *ClientCache) AppendChat(msg protocol.ChatMessage) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сообщения: %w", err)
	}

	seq := c.chatSeq
	newMin := c.chatMin
	if seq+1 > newMin+chatCap {
		newMin = seq + 1 - chatCap
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(chatKey(seq), data); err != nil {
			return err
		}
		for old := c.chatMin; old < newMin; old++ {
			if err := txn.Delete(chatKey(old)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка записи чата: %w", err)
	}

	c.chatSeq = seq + 1
	c.chatMin = newMin
	return nil
}

// ChatHistory возвращает последние limit сообщений в порядке поступления;
// limit <= 0 отдаёт всю сохранённую историю
func (c *ClientCache) ChatHistory(limit int) ([]protocol.ChatMessage, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}

	var out []protocol.ChatMessage
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = chatPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(chatPrefix); it.Next() {
			var msg protocol.ChatMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения чата: %w", err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ClearChat удаляет всю историю чата
func (c *ClientCache) ClearChat() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.ready(); err != nil {
		return err
	}

	if err := c.db.DropPrefix(chatPrefix); err != nil {
		return fmt.Errorf("ошибка очистки чата: %w", err)
	}
	c.chatMin = 0
	c.chatSeq = 0
	return nil
}

// SaveCharacters сохраняет список персонажей аккаунта
func (c *ClientCache) SaveCharacters(chars []protocol.CharacterInfo) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(chars)
	if err != nil {
		return fmt.Errorf("ошибка сериализации персонажей: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyCharacters, data)
	})
}

// LoadCharacters загружает список персонажей; отсутствие записи даёт пустой список
func (c *ClientCache) LoadCharacters() ([]protocol.CharacterInfo, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}

	data, err := c.get(keyCharacters)
	if err == badger.ErrKeyNotFound {
		return []protocol.CharacterInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения персонажей: %w", err)
	}

	var chars []protocol.CharacterInfo
	if err := json.Unmarshal(data, &chars); err != nil {
		return nil, fmt.Errorf("ошибка десериализации персонажей: %w", err)
	}
	return chars, nil
}

// SaveSession сохраняет токен сессии; пустой токен стирает запись
func (c *ClientCache) SaveSession(token string) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.ready(); err != nil {
		return err
	}

	return c.db.Update(func(txn *badger.Txn) error {
		if token == "" {
			return txn.Delete(keySession)
		}
		return txn.Set(keySession, []byte(token))
	})
}

// LoadSession возвращает сохранённый токен сессии или пустую строку
func (c *ClientCache) LoadSession() (string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.ready(); err != nil {
		return "", err
	}

	data, err := c.get(keySession)
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ошибка чтения сессии: %w", err)
	}
	return string(data), nil
}

// get читает значение ключа с копированием
func (c *ClientCache) get(key []byte) ([]byte, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	return data, err
}

// chatKey собирает ключ сообщения: префикс + порядковый номер big-endian,
// лексикографический порядок ключей совпадает с хронологическим
func chatKey(seq uint64) []byte {
	key := make([]byte, len(chatPrefix)+8)
	copy(key, chatPrefix)
	binary.BigEndian.PutUint64(key[len(chatPrefix):], seq)
	return key
}

func chatSeqFromKey(key []byte) uint64 {
	if len(key) < len(chatPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(chatPrefix):])
}
