package handlers

import (
	"context"
	"net/http"
	"time"

	"ibamex-backend/internal/fanout"
	"ibamex-backend/internal/ingestion"
	"ibamex-backend/pkg/redis"

	"github.com/gin-gonic/gin"
)

type MongoPinger func(ctx context.Context) error

type RedisHealth interface {
	HealthCheck() redis.HealthStatus
	GetConnectionStats() map[string]interface{}
}

type MQTTStatus interface {
	IsConnected() bool
}

type IngestionStats interface {
	Stats() ingestion.Stats
}

type NotifierStats interface {
	Stats() fanout.NotifierStats
}

// HealthDeps are all optional; a nil dependency reports unhealthy.
type HealthDeps struct {
	Mongo     MongoPinger
	Redis     RedisHealth
	MQTT      MQTTStatus
	Ingestion IngestionStats
	Notifier  NotifierStats
}

type HealthHandler struct {
	deps    HealthDeps
	timeout time.Duration
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
	Ingestion *ingestion.Stats       `json:"ingestion,omitempty"`
	Fanout    *fanout.NotifierStats  `json:"fanout,omitempty"`
}

func NewHealthHandler(deps HealthDeps) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 5 * time.Second}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Timestamp: time.Now(),
		Services:  make(map[string]interface{}),
	}

	mongoStatus := h.checkMongoDB(c.Request.Context())
	redisStatus := h.checkRedis()
	mqttStatus := h.checkMQTT()
	response.Services["mongodb"] = mongoStatus
	response.Services["redis"] = redisStatus
	response.Services["mqtt"] = mqttStatus

	if h.deps.Ingestion != nil {
		stats := h.deps.Ingestion.Stats()
		response.Ingestion = &stats
	}
	if h.deps.Notifier != nil {
		stats := h.deps.Notifier.Stats()
		response.Fanout = &stats
	}

	healthy := mongoStatus["healthy"].(bool) && redisStatus["healthy"].(bool) && mqttStatus["healthy"].(bool)
	if healthy {
		response.Status = "healthy"
		c.JSON(http.StatusOK, response)
		return
	}
	response.Status = "unhealthy"
	c.JSON(http.StatusServiceUnavailable, response)
}

func (h *HealthHandler) checkMongoDB(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{"service": "mongodb", "healthy": false}
	if h.deps.Mongo == nil {
		status["error"] = "Database client not initialized"
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	if err := h.deps.Mongo(ctx); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["healthy"] = true
	status["responseTime"] = time.Since(start).String()
	return status
}

func (h *HealthHandler) checkRedis() map[string]interface{} {
	status := map[string]interface{}{"service": "redis", "healthy": false}
	if h.deps.Redis == nil {
		status["error"] = "Redis client not initialized"
		return status
	}

	health := h.deps.Redis.HealthCheck()
	status["healthy"] = health.IsConnected
	status["connectionInfo"] = health.ConnectionInfo
	status["responseTime"] = health.ResponseTime.String()
	status["lastPing"] = health.LastPing
	status["connectionStats"] = h.deps.Redis.GetConnectionStats()
	if health.Error != "" {
		status["error"] = health.Error
	}
	return status
}

func (h *HealthHandler) checkMQTT() map[string]interface{} {
	status := map[string]interface{}{"service": "mqtt", "healthy": false}
	if h.deps.MQTT == nil {
		status["error"] = "MQTT client not initialized"
		return status
	}
	status["healthy"] = h.deps.MQTT.IsConnected()
	return status
}
