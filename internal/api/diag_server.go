package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/middleware"
	"github.com/annel0/mmo-client/internal/network"
	"github.com/annel0/mmo-client/internal/physics"
	"github.com/annel0/mmo-client/internal/protocol"
	gsync "github.com/annel0/mmo-client/internal/sync"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// CacheInspector поверхность локального кеша, нужная диагностике
type CacheInspector interface {
	LoadSettings() (map[string]interface{}, error)
	ChatHistory(limit int) ([]protocol.ChatMessage, error)
	LoadCharacters() ([]protocol.CharacterInfo, error)
	LoadSession() (string, error)
}

// ConnInfo поверхность соединения, нужная диагностике.
// Реализуется как самим соединением, так и обёрткой переподключения.
type ConnInfo interface {
	IsConnected() bool
	Stats() network.ConnectionStats
	RTT() time.Duration
	Offset() time.Duration
	ServerNow() time.Time
}

// DiagServer локальный диагностический HTTP сервер клиента.
// Отдаёт health/readiness, системную статистику и отладочные срезы
// реестра сущностей, физики и кеша. Поднимается на loopback-порту.
type DiagServer struct {
	router  *gin.Engine
	port    string
	metrics *ProcessMetrics
	sync    *gsync.Manager
	engine  *physics.Engine
	conn    ConnInfo
	cache   CacheInspector
	srv     *http.Server
	logger  *logging.Logger
}

// DiagConfig содержит зависимости диагностического сервера.
// Любая из них может отсутствовать: соответствующие секции ответов
// просто не заполняются.
type DiagConfig struct {
	Port   string // адрес вида ":8099"
	Sync   *gsync.Manager
	Engine *physics.Engine
	Conn   ConnInfo
	Cache  CacheInspector
}

// NewDiagServer создаёт диагностический сервер
func NewDiagServer(cfg DiagConfig, logger *logging.Logger) *DiagServer {
	if cfg.Port == "" {
		cfg.Port = ":8099"
	}

	// Устанавливаем режим релиза для gin
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	loggerMw := middleware.NewRequestLogger()
	router.Use(loggerMw.Handler())

	router.Use(otelgin.Middleware("client_diag"))

	promMw := middleware.NewPrometheusMiddleware("client_diag")
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	ds := &DiagServer{
		router:  router,
		port:    cfg.Port,
		metrics: NewProcessMetrics(),
		sync:    cfg.Sync,
		engine:  cfg.Engine,
		conn:    cfg.Conn,
		cache:   cfg.Cache,
		logger:  logger,
	}

	ds.setupRoutes()

	return ds
}

// setupRoutes настраивает маршруты диагностики
func (ds *DiagServer) setupRoutes() {
	ds.router.GET("/healthz", ds.handleHealthz)
	ds.router.GET("/readyz", ds.handleReadyz)
	ds.router.GET("/status", ds.handleStatus)

	debug := ds.router.Group("/debug")
	{
		debug.GET("/entities", ds.handleEntities)
		debug.GET("/physics", ds.handlePhysics)
		debug.GET("/cache", ds.handleCache)
	}
}

// handleHealthz отвечает, пока процесс жив
func (ds *DiagServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// handleReadyz проверяет готовность: соединение установлено и сессия активна
func (ds *DiagServer) handleReadyz(c *gin.Context) {
	if ds.conn == nil || !ds.conn.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":  false,
			"reason": "нет соединения с сервером",
		})
		return
	}

	if ds.sync == nil || !ds.sync.SessionActive() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":  false,
			"reason": "сессия не установлена",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// handleStatus возвращает сводную статистику клиента
func (ds *DiagServer) handleStatus(c *gin.Context) {
	status := make(map[string]interface{})

	// Метрики процесса
	memoryMB, _ := ds.metrics.GetMemoryUsage()
	cpuPercent, _ := ds.metrics.GetCPUUsage()

	status["process"] = map[string]interface{}{
		"uptime":      ds.metrics.GetUptime(),
		"memory_mb":   fmt.Sprintf("%.2f", memoryMB),
		"cpu_percent": fmt.Sprintf("%.2f", cpuPercent),
		"local_time":  time.Now().Unix(),
	}

	status["system"] = ds.metrics.GetSystemInfo()
	status["memory_detail"] = ds.metrics.GetDetailedMemoryStats()

	// Сеть и калиброванное серверное время
	if ds.conn != nil {
		st := ds.conn.Stats()
		status["network"] = map[string]interface{}{
			"connected":        st.Connected,
			"remote_addr":      st.RemoteAddr,
			"rtt_ms":           ds.conn.RTT().Milliseconds(),
			"clock_offset_ms":  ds.conn.Offset().Milliseconds(),
			"server_time_ms":   ds.conn.ServerNow().UnixMilli(),
			"packets_sent":     st.PacketsSent,
			"packets_received": st.PacketsReceived,
			"packets_lost":     st.PacketsLost,
			"bytes_sent":       st.BytesSent,
			"bytes_received":   st.BytesReceived,
		}
	}

	// Синхронизация
	if ds.sync != nil {
		status["sync"] = map[string]interface{}{
			"entities":    ds.sync.Registry().Count(),
			"queue_depth": ds.sync.QueueLen(),
			"session":     ds.sync.SessionActive(),
			"local_id":    ds.sync.LocalID(),
		}
	}

	// Физика
	if ds.engine != nil {
		status["physics"] = map[string]interface{}{
			"bodies":   ds.engine.BodyCount(),
			"handles":  ds.engine.HandleCount(),
			"degraded": ds.engine.Degraded(),
		}
	}

	c.JSON(http.StatusOK, status)
}

// handleEntities возвращает срез локального реестра сущностей
func (ds *DiagServer) handleEntities(c *gin.Context) {
	if ds.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "менеджер синхронизации не подключен"})
		return
	}

	entities := ds.sync.Registry().All()
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if limit > 0 && limit < len(entities) {
		entities = entities[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"total":    ds.sync.Registry().Count(),
		"entities": entities,
	})
}

// handlePhysics возвращает счётчики физического мира
func (ds *DiagServer) handlePhysics(c *gin.Context) {
	if ds.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "физический движок не подключен"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bodies":   ds.engine.BodyCount(),
		"handles":  ds.engine.HandleCount(),
		"degraded": ds.engine.Degraded(),
	})
}

// handleCache возвращает сводку по локальному кешу
func (ds *DiagServer) handleCache(c *gin.Context) {
	if ds.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "кеш не подключен"})
		return
	}

	summary := make(map[string]interface{})

	if settings, err := ds.cache.LoadSettings(); err == nil {
		summary["settings_keys"] = len(settings)
	} else {
		summary["settings_error"] = err.Error()
	}

	if chat, err := ds.cache.ChatHistory(0); err == nil {
		summary["chat_messages"] = len(chat)
	} else {
		summary["chat_error"] = err.Error()
	}

	if chars, err := ds.cache.LoadCharacters(); err == nil {
		summary["characters"] = len(chars)
	} else {
		summary["characters_error"] = err.Error()
	}

	if token, err := ds.cache.LoadSession(); err == nil {
		summary["session_present"] = token != ""
	} else {
		summary["session_error"] = err.Error()
	}

	c.JSON(http.StatusOK, summary)
}

// Start запускает диагностический сервер в фоне
func (ds *DiagServer) Start() error {
	ds.srv = &http.Server{
		Addr:    ds.port,
		Handler: ds.router,
	}

	go func() {
		if err := ds.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ds.logger.Error("❌ Диагностический сервер: %v", err)
		}
	}()

	ds.logger.Info("📊 Диагностический сервер запущен на %s", ds.port)
	return nil
}

// Stop останавливает сервер с graceful shutdown
func (ds *DiagServer) Stop(ctx context.Context) error {
	if ds.srv == nil {
		return nil
	}
	return ds.srv.Shutdown(ctx)
}
