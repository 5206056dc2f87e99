package protocol

import (
	"encoding/json"
	"fmt"
)

// Method идентифицирует тип входящего пакета. Нулевое значение — неизвестный метод.
type Method int

const (
	MethodUnknown Method = iota
	MethodSnapshot
	MethodEntityAdded
	MethodEntityModified
	MethodEntityRemoved
	MethodSettingsModified
	MethodChatAdded
	MethodChatCleared
	MethodResourceSpawned
	MethodResourceDepleted
	MethodResourceRespawned
	MethodInventoryUpdated
	MethodCharacterList
	MethodCharacterCreated
	MethodCharacterSelected
	MethodKick
	MethodPong
	MethodBatch
)

// methodNames таблица имя-на-проводе ↔ Method
var methodNames = map[Method]string{
	MethodSnapshot:          "snapshot",
	MethodEntityAdded:       "entityAdded",
	MethodEntityModified:    "entityModified",
	MethodEntityRemoved:     "entityRemoved",
	MethodSettingsModified:  "settingsModified",
	MethodChatAdded:         "chatAdded",
	MethodChatCleared:       "chatCleared",
	MethodResourceSpawned:   "resourceSpawned",
	MethodResourceDepleted:  "resourceDepleted",
	MethodResourceRespawned: "resourceRespawned",
	MethodInventoryUpdated:  "inventoryUpdated",
	MethodCharacterList:     "characterList",
	MethodCharacterCreated:  "characterCreated",
	MethodCharacterSelected: "characterSelected",
	MethodKick:              "kick",
	MethodPong:              "pong",
	MethodBatch:             "batch",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for method, name := range methodNames {
		m[name] = method
	}
	return m
}()

// ParseMethod возвращает Method по имени на проводе; неизвестные имена дают MethodUnknown
func ParseMethod(name string) Method {
	if m, ok := methodsByName[name]; ok {
		return m
	}
	return MethodUnknown
}

// String возвращает имя метода на проводе
func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "unknown"
}

// Packet — декодированный входящий пакет. Поле, соответствующее Method, заполнено;
// остальные nil. Raw хранит исходную полезную нагрузку (для unknown и отладки).
type Packet struct {
	Method    Method
	RawMethod string // имя на проводе (для MethodUnknown отличается от Method.String())
	Raw       json.RawMessage

	Snapshot      *Snapshot
	EntityAdded   *EntityState
	EntityDelta   *EntityDelta
	EntityRemoved *EntityRemoved
	Settings      *SettingsChange
	Chat          *ChatMessage
	Resource      *ResourceEvent
	Inventory     *InventoryUpdate
	CharacterList *CharacterList
	Character     *CharacterInfo
	Selected      *CharacterSelected
	Kick          *Kick
	Pong          *Pong
	Batch         []*Packet
}

// Snapshot — полное состояние мира при (пере)подключении
type Snapshot struct {
	ID            uint64                 `json:"id"`
	ServerTime    int64                  `json:"serverTime"`
	APIURL        string                 `json:"apiUrl,omitempty"`
	AssetsURL     string                 `json:"assetsUrl,omitempty"`
	MaxUploadSize int64                  `json:"maxUploadSize,omitempty"`
	Settings      map[string]interface{} `json:"settings,omitempty"`
	Chat          []ChatMessage          `json:"chat,omitempty"`
	Entities      []EntityState          `json:"entities"`
	Characters    []CharacterInfo        `json:"characters,omitempty"`
	Account       *AccountInfo           `json:"account,omitempty"`
	VoiceConfig   *VoiceConfig           `json:"voiceConfig,omitempty"`
	AuthToken     string                 `json:"authToken,omitempty"`
}

// EntityState — состояние сущности в snapshot или entityAdded.
// Известные транспортные поля выделены, остальное уходит в Fields.
type EntityState struct {
	ID          uint64
	Type        string
	OwnerID     uint64
	Position    []float64 // [x, y, z]
	Orientation []float64 // [x, y, z, w], опционально
	Velocity    []float64 // [x, y, z], опционально
	Fields      map[string]interface{}
}

// entityStateKnown — транспортные ключи, не попадающие в Fields
var entityStateKnown = map[string]bool{
	"id": true, "type": true, "owner": true,
	"pos": true, "rot": true, "vel": true,
}

// UnmarshalJSON разбирает состояние сущности, складывая неизвестные ключи в Fields
func (e *EntityState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &e.ID); err != nil {
			return fmt.Errorf("поле id: %w", err)
		}
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			return fmt.Errorf("поле type: %w", err)
		}
	}
	if v, ok := raw["owner"]; ok {
		if err := json.Unmarshal(v, &e.OwnerID); err != nil {
			return fmt.Errorf("поле owner: %w", err)
		}
	}
	if v, ok := raw["pos"]; ok {
		if err := json.Unmarshal(v, &e.Position); err != nil {
			return fmt.Errorf("поле pos: %w", err)
		}
	}
	if v, ok := raw["rot"]; ok {
		if err := json.Unmarshal(v, &e.Orientation); err != nil {
			return fmt.Errorf("поле rot: %w", err)
		}
	}
	if v, ok := raw["vel"]; ok {
		if err := json.Unmarshal(v, &e.Velocity); err != nil {
			return fmt.Errorf("поле vel: %w", err)
		}
	}

	for key, value := range raw {
		if entityStateKnown[key] {
			continue
		}
		var field interface{}
		if err := json.Unmarshal(value, &field); err != nil {
			return fmt.Errorf("поле %s: %w", key, err)
		}
		if e.Fields == nil {
			e.Fields = make(map[string]interface{})
		}
		e.Fields[key] = field
	}
	return nil
}

// MarshalJSON собирает состояние сущности обратно в плоский объект
func (e EntityState) MarshalJSON() ([]byte, error) {
	raw := make(map[string]interface{}, len(e.Fields)+6)
	for key, value := range e.Fields {
		raw[key] = value
	}
	raw["id"] = e.ID
	if e.Type != "" {
		raw["type"] = e.Type
	}
	if e.OwnerID != 0 {
		raw["owner"] = e.OwnerID
	}
	if e.Position != nil {
		raw["pos"] = e.Position
	}
	if e.Orientation != nil {
		raw["rot"] = e.Orientation
	}
	if e.Velocity != nil {
		raw["vel"] = e.Velocity
	}
	return json.Marshal(raw)
}

// EntityDelta — нормализованная дельта сущности. Сервер присылает либо
// {id, changes:{...}}, либо плоскую форму {id, поле:значение}; обе формы
// сводятся к одной здесь, на границе декодирования.
type EntityDelta struct {
	ID      uint64
	Changes map[string]interface{}
}

// UnmarshalJSON принимает обе формы дельты и нормализует в ID+Changes
func (d *EntityDelta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	idRaw, ok := raw["id"]
	if !ok {
		return fmt.Errorf("дельта без поля id")
	}
	if err := json.Unmarshal(idRaw, &d.ID); err != nil {
		return fmt.Errorf("поле id: %w", err)
	}

	if changesRaw, ok := raw["changes"]; ok {
		// Вложенная форма {id, changes:{...}}
		if err := json.Unmarshal(changesRaw, &d.Changes); err != nil {
			return fmt.Errorf("поле changes: %w", err)
		}
		return nil
	}

	// Плоская форма {id, поле:значение, ...}
	d.Changes = make(map[string]interface{}, len(raw)-1)
	for key, value := range raw {
		if key == "id" {
			continue
		}
		var field interface{}
		if err := json.Unmarshal(value, &field); err != nil {
			return fmt.Errorf("поле %s: %w", key, err)
		}
		d.Changes[key] = field
	}
	return nil
}

// MarshalJSON всегда пишет вложенную форму
func (d EntityDelta) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"id":      d.ID,
		"changes": d.Changes,
	})
}

// EntityRemoved — удаление сущности
type EntityRemoved struct {
	ID uint64 `json:"id"`
}

// SettingsChange — изменение одной настройки
type SettingsChange struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// ChatMessage — сообщение чата
type ChatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
	Time int64  `json:"time,omitempty"`
}

// ResourceEvent — появление/истощение/восстановление ресурса
type ResourceEvent struct {
	ID       uint64    `json:"id"`
	Kind     string    `json:"kind,omitempty"`
	Position []float64 `json:"pos,omitempty"`
	Amount   int       `json:"amount,omitempty"`
}

// InventorySlot — один слот инвентаря
type InventorySlot struct {
	Index int    `json:"index"`
	Item  string `json:"item"`
	Count int    `json:"count"`
}

// InventoryUpdate — обновление инвентаря
type InventoryUpdate struct {
	Slots []InventorySlot `json:"slots"`
}

// CharacterInfo — персонаж аккаунта
type CharacterInfo struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level,omitempty"`
	Class string `json:"class,omitempty"`
}

// CharacterList — список персонажей аккаунта
type CharacterList struct {
	Characters []CharacterInfo `json:"characters"`
}

// CharacterSelected — подтверждение выбора персонажа
type CharacterSelected struct {
	ID uint64 `json:"id"`
}

// AccountInfo — данные аккаунта из snapshot
type AccountInfo struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// VoiceConfig — параметры голосового сервера
type VoiceConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// Kick — принудительное отключение клиента сервером
type Kick struct {
	Reason string `json:"reason"`
}

// Pong — ответ сервера на ping для калибровки времени
type Pong struct {
	ClientTime int64 `json:"clientTime"`
	ServerTime int64 `json:"serverTime"`
}
