package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Формат кадра: [u32 BE длина остатка][u8 флаги][u16 BE длина метода][метод][payload].
// Payload — JSON, при установленном flagCompressed сжат zstd.
const (
	frameHeaderSize = 4
	flagCompressed  = 0x01
	flagBatch       = 0x02

	// Полезные нагрузки меньше порога не сжимаем: накладные расходы zstd не окупаются
	compressThreshold = 512

	maxMethodLen = 255
)

var (
	ErrFrameTooShort = errors.New("кадр короче заголовка")
	ErrFrameLength   = errors.New("длина кадра не совпадает с заголовком")
)

// Outgoing — пара (метод, полезная нагрузка) для пакетной отправки
type Outgoing struct {
	Method  string
	Payload interface{}
}

// Codec кодирует и декодирует бинарные кадры протокола
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec создает кодек с собственными zstd энкодером и декодером
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания zstd энкодера: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("ошибка создания zstd декодера: %w", err)
	}

	return &Codec{enc: enc, dec: dec}, nil
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

// Encode кодирует пару (метод, полезная нагрузка) в самодостаточный кадр.
// payload == nil дает кадр без полезной нагрузки.
func (c *Codec) Encode(method string, payload interface{}) ([]byte, error) {
	if len(method) == 0 || len(method) > maxMethodLen {
		return nil, fmt.Errorf("недопустимая длина метода: %d", len(method))
	}

	var body []byte
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации payload: %w", err)
		}
		body = jsonData
	}

	var flags byte
	if len(body) >= compressThreshold {
		body = c.enc.EncodeAll(body, nil)
		flags |= flagCompressed
	}

	return c.assemble(flags, method, body), nil
}

// EncodeBatch упаковывает несколько пакетов в один сжатый кадр метода "batch"
func (c *Codec) EncodeBatch(items []Outgoing) ([]byte, error) {
	var inner []byte
	for i := range items {
		frame, err := c.Encode(items[i].Method, items[i].Payload)
		if err != nil {
			return nil, fmt.Errorf("ошибка кодирования элемента батча %d: %w", i, err)
		}
		inner = append(inner, frame...)
	}

	body := c.enc.EncodeAll(inner, nil)
	return c.assemble(flagBatch|flagCompressed, "batch", body), nil
}

// assemble собирает кадр из флагов, метода и готового тела
func (c *Codec) assemble(flags byte, method string, body []byte) []byte {
	rest := 1 + 2 + len(method) + len(body)
	frame := make([]byte, 0, frameHeaderSize+rest)
	frame = append(frame, WriteUint32(uint32(rest))...)
	frame = append(frame, flags)

	var methodLen [2]byte
	binary.BigEndian.PutUint16(methodLen[:], uint16(len(method)))
	frame = append(frame, methodLen[:]...)
	frame = append(frame, method...)
	frame = append(frame, body...)
	return frame
}

// Decode разбирает один кадр в типизированный пакет.
// Неизвестные методы не ошибка: возвращается пакет с MethodUnknown и сырым payload.
func (c *Codec) Decode(frame []byte) (*Packet, error) {
	flags, method, body, err := c.split(frame)
	if err != nil {
		return nil, err
	}

	if flags&flagCompressed != 0 {
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("ошибка распаковки payload: %w", err)
		}
	}

	packet := &Packet{
		Method:    ParseMethod(method),
		RawMethod: method,
		Raw:       body,
	}

	if flags&flagBatch != 0 {
		packet.Method = MethodBatch
		if err := c.decodeBatch(packet, body); err != nil {
			return nil, err
		}
		return packet, nil
	}

	if err := unmarshalPayload(packet, body); err != nil {
		return nil, fmt.Errorf("метод %s: %w", method, err)
	}
	return packet, nil
}

// split проверяет заголовок кадра и возвращает флаги, метод и тело
func (c *Codec) split(frame []byte) (byte, string, []byte, error) {
	if len(frame) < frameHeaderSize+3 {
		return 0, "", nil, ErrFrameTooShort
	}

	rest := ReadUint32(frame[:frameHeaderSize])
	if int(rest) != len(frame)-frameHeaderSize {
		return 0, "", nil, fmt.Errorf("%w: заголовок %d, фактически %d", ErrFrameLength, rest, len(frame)-frameHeaderSize)
	}

	flags := frame[frameHeaderSize]
	methodLen := int(binary.BigEndian.Uint16(frame[frameHeaderSize+1 : frameHeaderSize+3]))
	methodStart := frameHeaderSize + 3
	if methodStart+methodLen > len(frame) {
		return 0, "", nil, fmt.Errorf("%w: метод выходит за границы кадра", ErrFrameLength)
	}

	method := string(frame[methodStart : methodStart+methodLen])
	body := frame[methodStart+methodLen:]
	return flags, method, body, nil
}

// decodeBatch разбирает последовательность вложенных кадров
func (c *Codec) decodeBatch(packet *Packet, body []byte) error {
	offset := 0
	for offset < len(body) {
		if len(body)-offset < frameHeaderSize {
			return fmt.Errorf("обрезанный вложенный кадр в батче (смещение %d)", offset)
		}
		rest := int(ReadUint32(body[offset : offset+frameHeaderSize]))
		end := offset + frameHeaderSize + rest
		if end > len(body) {
			return fmt.Errorf("вложенный кадр выходит за границы батча (смещение %d)", offset)
		}

		inner, err := c.Decode(body[offset:end])
		if err != nil {
			return fmt.Errorf("вложенный кадр (смещение %d): %w", offset, err)
		}
		packet.Batch = append(packet.Batch, inner)
		offset = end
	}
	return nil
}

// unmarshalPayload заполняет типизированное поле пакета по его методу
func unmarshalPayload(packet *Packet, body []byte) error {
	if len(body) == 0 {
		return nil
	}

	switch packet.Method {
	case MethodSnapshot:
		packet.Snapshot = &Snapshot{}
		return json.Unmarshal(body, packet.Snapshot)
	case MethodEntityAdded:
		packet.EntityAdded = &EntityState{}
		return json.Unmarshal(body, packet.EntityAdded)
	case MethodEntityModified:
		packet.EntityDelta = &EntityDelta{}
		return json.Unmarshal(body, packet.EntityDelta)
	case MethodEntityRemoved:
		packet.EntityRemoved = &EntityRemoved{}
		return json.Unmarshal(body, packet.EntityRemoved)
	case MethodSettingsModified:
		packet.Settings = &SettingsChange{}
		return json.Unmarshal(body, packet.Settings)
	case MethodChatAdded:
		packet.Chat = &ChatMessage{}
		return json.Unmarshal(body, packet.Chat)
	case MethodChatCleared:
		return nil
	case MethodResourceSpawned, MethodResourceDepleted, MethodResourceRespawned:
		packet.Resource = &ResourceEvent{}
		return json.Unmarshal(body, packet.Resource)
	case MethodInventoryUpdated:
		packet.Inventory = &InventoryUpdate{}
		return json.Unmarshal(body, packet.Inventory)
	case MethodCharacterList:
		packet.CharacterList = &CharacterList{}
		return json.Unmarshal(body, packet.CharacterList)
	case MethodCharacterCreated:
		packet.Character = &CharacterInfo{}
		return json.Unmarshal(body, packet.Character)
	case MethodCharacterSelected:
		packet.Selected = &CharacterSelected{}
		return json.Unmarshal(body, packet.Selected)
	case MethodKick:
		packet.Kick = &Kick{}
		return json.Unmarshal(body, packet.Kick)
	case MethodPong:
		packet.Pong = &Pong{}
		return json.Unmarshal(body, packet.Pong)
	case MethodBatch:
		return nil
	case MethodUnknown:
		// Сырой payload уже сохранен в Raw
		return nil
	}
	return nil
}

// Вспомогательные функции для работы с бинарными данными

// WriteUint32 записывает uint32 в big-endian формате
func WriteUint32(val uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, val)
	return b
}

// WriteUint64 записывает uint64 в big-endian формате
func WriteUint64(val uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, val)
	return b
}

// ReadUint32 читает uint32 из big-endian формата
func ReadUint32(data []byte) uint32 {
	return binary.BigEndian.Uint32(data)
}

// ReadUint64 читает uint64 из big-endian формата
func ReadUint64(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}
