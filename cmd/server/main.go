package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ibamex-backend/internal/api/handlers"
	"ibamex-backend/internal/api/middleware"
	"ibamex-backend/internal/api/routes"
	"ibamex-backend/internal/config"
	"ibamex-backend/internal/fanout"
	"ibamex-backend/internal/ingestion"
	"ibamex-backend/internal/repository"
	"ibamex-backend/internal/services"
	"ibamex-backend/internal/transport"
	"ibamex-backend/internal/websocket"
	"ibamex-backend/pkg/cache"
	"ibamex-backend/pkg/cleanup"
	"ibamex-backend/pkg/database"
	"ibamex-backend/pkg/jwt"
	"ibamex-backend/pkg/logger"
	"ibamex-backend/pkg/ratelimit"
	"ibamex-backend/pkg/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}

	redisClient := redis.NewClient(cfg.Redis)
	if health := redisClient.HealthCheck(); health.IsConnected {
		log.WithField("address", health.ConnectionInfo).Info("Redis connected")
	} else {
		log.WithField("error", health.Error).Warn("Redis connection failed, will retry automatically")
	}

	busService := services.NewBusService(
		repository.NewBusRepository(db),
		repository.NewOccupancyLogRepository(db),
		log,
	)
	busService.SetCacheManager(cache.NewDefaultCacheManager(redisClient))

	hub := websocket.NewManager(log)
	if err := hub.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start websocket hub")
	}

	var broadcaster fanout.Broadcaster = hub
	var relay *fanout.RedisRelay
	if cfg.Fanout.RedisChannel != "" {
		relay = fanout.NewRedisRelay(redisClient.GetClient(), cfg.Fanout.RedisChannel, hub, log)
		relayCtx, cancelRelay := context.WithTimeout(ctx, 5*time.Second)
		err := relay.Start(relayCtx)
		cancelRelay()
		if err != nil {
			log.WithError(err).Warn("Failed to start Redis relay, events stay local")
			relay = nil
		}
	}

	notifier := fanout.NewNotifier(log, cfg.Fanout.Buffer, broadcasters(broadcaster, relay)...)
	notifier.Start()

	pipeline := ingestion.NewPipeline(busService, notifier, log, ingestion.Config{
		CountTopic:     cfg.MQTT.CountTopic,
		StatusTopic:    cfg.MQTT.StatusTopic,
		StorageTimeout: cfg.Ingestion.StorageTimeout,
		StatusEvents:   cfg.Fanout.StatusEvents,
	})

	mqttClient := transport.NewMQTTClient(cfg.MQTT, log)
	if err := pipeline.Start(mqttClient); err != nil {
		log.WithError(err).Fatal("Failed to subscribe ingestion pipeline")
	}
	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout)
	if err := mqttClient.Connect(connectCtx); err != nil {
		log.WithError(err).WithField("broker", cfg.MQTT.BrokerURL).Warn("MQTT broker unavailable, retrying in background")
	}
	cancelConnect()

	retention := cleanup.NewRetentionService(
		repository.NewOccupancyLogRepository(db),
		cfg.Retention.OccupancyLogs,
		cfg.Retention.Interval,
	)
	go retention.Start()

	limiter, stopLimiter := newRateLimiter(cfg, redisClient, log)

	jwtUtil := jwt.NewJWTUtil(cfg.JWTSecret, cfg.JWTExpiry)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log), cors.New(corsConfig(cfg.AllowedOrigins)))

	routes.SetupRoutes(router, routes.Handlers{
		Bus:       handlers.NewBusHandler(busService),
		WebSocket: handlers.NewWebSocketHandler(hub, jwtUtil, log),
		Health: handlers.NewHealthHandler(handlers.HealthDeps{
			Mongo:     func(ctx context.Context) error { return database.Health(ctx, db) },
			Redis:     redisClient,
			MQTT:      mqttClient,
			Ingestion: pipeline,
			Notifier:  notifier,
		}),
		Tokens:    jwtUtil,
		RateLimit: limiter,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not stop cleanly")
	}

	mqttClient.Close()
	retention.Stop()
	notifier.Stop()
	if err := hub.Stop(); err != nil {
		log.WithError(err).Warn("Websocket hub did not stop cleanly")
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			log.WithError(err).Warn("Failed to close Redis relay")
		}
	}
	stopLimiter()
	if err := redisClient.Close(); err != nil {
		log.WithError(err).Warn("Failed to close Redis client")
	}
	if err := database.Disconnect(db.Client()); err != nil {
		log.WithError(err).Warn("Failed to disconnect from MongoDB")
	}
	log.Info("Shutdown complete")
}

func broadcasters(local fanout.Broadcaster, relay *fanout.RedisRelay) []fanout.Broadcaster {
	if relay == nil {
		return []fanout.Broadcaster{local}
	}
	return []fanout.Broadcaster{local, relay}
}

// newRateLimiter shares limits through Redis when it answered at startup and
// keeps an in-memory limiter as the fallback either way.
func newRateLimiter(cfg *config.Config, redisClient *redis.Client, log logrus.FieldLogger) (gin.HandlerFunc, func()) {
	limitConfig := ratelimit.DefaultConfig()
	limitConfig.Enabled = cfg.RateLimit

	memory := ratelimit.NewMemoryRateLimiter(limitConfig)

	var limiter ratelimit.RateLimiter = memory
	if redisClient.IsConnected() {
		limiter = ratelimit.NewFallbackLimiter(ratelimit.NewRedisRateLimiter(redisClient.GetClient(), limitConfig), memory)
		log.Info("Using Redis rate limiter")
	} else {
		log.Info("Using in-memory rate limiter")
	}

	return middleware.RateLimitMiddleware(limiter, limitConfig, log), memory.Stop
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Burst", "X-RateLimit-Window", "Retry-After"},
	}

	if len(origins) == 1 && origins[0] == "*" {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return config
}
