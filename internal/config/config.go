package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации клиента.
type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Physics     PhysicsConfig     `yaml:"physics"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
	Sync        SyncConfig        `yaml:"sync"`
	Cache       CacheConfig       `yaml:"cache"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Terrain     TerrainConfig     `yaml:"terrain"`
}

type NetworkConfig struct {
	ServerAddr     string `yaml:"server_addr"`
	Channel        string `yaml:"channel"` // kcp | websocket
	ConnectTimeout int    `yaml:"connect_timeout_seconds"`
	KCPKey         string `yaml:"kcp_key"` // общий ключ AES шифрования KCP; пусто — без шифрования
}

type PhysicsConfig struct {
	FixedStep     float64 `yaml:"fixed_step_seconds"`
	Gravity       float64 `yaml:"gravity"`
	CallbackPool  int     `yaml:"callback_pool"`
	OverlapPool   int     `yaml:"overlap_pool"`
	SnapThreshold float64 `yaml:"snap_threshold"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // NATS URL; пусто — внутрипроцессная шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type SyncConfig struct {
	PendingCap int `yaml:"pending_cap"`
	BatchSize  int `yaml:"batch_size"`
	FlushEvery int `yaml:"flush_every_ms"`
}

type CacheConfig struct {
	Dir         string `yaml:"dir"`
	ChatHistory int    `yaml:"chat_history"`
}

type DiagnosticsConfig struct {
	Port int `yaml:"port"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint; пусто — телеметрия выключена
}

type TerrainConfig struct {
	Seed  int64   `yaml:"seed"`
	Scale float64 `yaml:"scale"`
}

// GetServerAddr возвращает адрес сервера с приоритетом: config -> env -> default
func (n *NetworkConfig) GetServerAddr() string {
	if n.ServerAddr != "" {
		return n.ServerAddr
	}
	if addr := os.Getenv("MMO_SERVER_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:7778"
}

// GetChannel возвращает тип канала (kcp по умолчанию)
func (n *NetworkConfig) GetChannel() string {
	if n.Channel != "" {
		return n.Channel
	}
	if ch := os.Getenv("MMO_CHANNEL"); ch != "" {
		return ch
	}
	return "kcp"
}

// GetConnectTimeout возвращает таймаут подключения в секундах
func (n *NetworkConfig) GetConnectTimeout() int {
	if n.ConnectTimeout > 0 {
		return n.ConnectTimeout
	}
	return getIntWithEnvFallback(0, "MMO_CONNECT_TIMEOUT", 10)
}

// GetFixedStep возвращает шаг симуляции физики в секундах
func (p *PhysicsConfig) GetFixedStep() float64 {
	if p.FixedStep > 0 {
		return p.FixedStep
	}
	return 1.0 / 60.0
}

// GetGravity возвращает ускорение свободного падения (по Y вниз)
func (p *PhysicsConfig) GetGravity() float64 {
	if p.Gravity != 0 {
		return p.Gravity
	}
	return -9.81
}

// GetSnapThreshold возвращает порог телепортации при серверной коррекции (метры)
func (p *PhysicsConfig) GetSnapThreshold() float64 {
	if p.SnapThreshold > 0 {
		return p.SnapThreshold
	}
	return 2.0
}

// GetCallbackPool возвращает ёмкость арены контактных колбэков
func (p *PhysicsConfig) GetCallbackPool() int {
	if p.CallbackPool > 0 {
		return p.CallbackPool
	}
	return 256
}

// GetOverlapPool возвращает число круговых слайсов результатов overlap-запросов
func (p *PhysicsConfig) GetOverlapPool() int {
	if p.OverlapPool > 0 {
		return p.OverlapPool
	}
	return 4
}

// GetPendingCap возвращает ёмкость буфера отложенных модификаций на сущность
func (s *SyncConfig) GetPendingCap() int {
	if s.PendingCap > 0 {
		return s.PendingCap
	}
	return 64
}

// GetBatchSize возвращает ёмкость пакета исходящих сообщений
func (s *SyncConfig) GetBatchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 32
}

// GetFlushEvery возвращает период сброса исходящего пакета
func (s *SyncConfig) GetFlushEvery() time.Duration {
	if s.FlushEvery > 0 {
		return time.Duration(s.FlushEvery) * time.Millisecond
	}
	return 50 * time.Millisecond
}

// GetDiagnosticsPort возвращает порт диагностического HTTP сервера
func (d *DiagnosticsConfig) GetDiagnosticsPort() int {
	return getIntWithEnvFallback(d.Port, "MMO_DIAG_PORT", 8099)
}

// GetCacheDir возвращает каталог локального кэша
func (c *CacheConfig) GetCacheDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	if dir := os.Getenv("MMO_CACHE_DIR"); dir != "" {
		return dir
	}
	return "cache"
}

// GetChatHistory возвращает глубину локальной истории чата
func (c *CacheConfig) GetChatHistory() int {
	if c.ChatHistory > 0 {
		return c.ChatHistory
	}
	return 256
}

// GetURL возвращает NATS URL; пустая строка означает внутрипроцессную шину
func (e *EventBusConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	return os.Getenv("MMO_NATS_URL")
}

// GetStream возвращает имя JetStream стрима
func (e *EventBusConfig) GetStream() string {
	if e.Stream != "" {
		return e.Stream
	}
	return "CLIENT_EVENTS"
}

// GetRetention возвращает срок хранения событий в стриме
func (e *EventBusConfig) GetRetention() time.Duration {
	if e.Retention > 0 {
		return time.Duration(e.Retention) * time.Hour
	}
	return 24 * time.Hour
}

// GetEndpoint возвращает OTLP endpoint; пустая строка выключает телеметрию
func (t *TelemetryConfig) GetEndpoint() string {
	if t.Endpoint != "" {
		return t.Endpoint
	}
	return os.Getenv("MMO_OTLP_ENDPOINT")
}

// GetSeed возвращает сид генерации ландшафта, согласованный с сервером
func (t *TerrainConfig) GetSeed() int64 {
	if t.Seed != 0 {
		return t.Seed
	}
	if v := os.Getenv("MMO_WORLD_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return seed
		}
	}
	return 1
}

// GetScale возвращает масштаб шума ландшафта
func (t *TerrainConfig) GetScale() float64 {
	if t.Scale > 0 {
		return t.Scale
	}
	return 0.05
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configVal int, envVar string, defaultVal int) int {
	if configVal > 0 {
		return configVal
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}

	return defaultVal
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV MMO_CONFIG или возвращает nil, nil.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MMO_CONFIG")
		if path == "" {
			return nil, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
