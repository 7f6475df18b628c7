package routes

import (
	"ibamex-backend/internal/api/handlers"
	"ibamex-backend/internal/api/middleware"
	"ibamex-backend/internal/models"

	"github.com/gin-gonic/gin"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Bus       *handlers.BusHandler
	WebSocket *handlers.WebSocketHandler
	Health    *handlers.HealthHandler

	Tokens    middleware.TokenValidator
	RateLimit gin.HandlerFunc
}

func SetupRoutes(router *gin.Engine, h Handlers) {
	limit := h.RateLimit
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}

	router.GET("/health", limit, h.Health.HealthCheck)

	api := router.Group("/api/v1")
	api.GET("/health", limit, h.Health.HealthCheck)

	// The websocket handshake authenticates itself so browsers can pass
	// the token as a query parameter.
	api.GET("/ws", limit, h.WebSocket.HandleWebSocket)

	protected := api.Group("", middleware.AuthMiddleware(h.Tokens), limit)
	admin := middleware.RequireRole(models.RoleAdmin)

	buses := protected.Group("/buses")
	{
		buses.GET("", h.Bus.GetBuses)
		buses.GET("/:id", h.Bus.GetBus)
		buses.GET("/:id/occupancy", h.Bus.GetOccupancyHistory)
		buses.POST("", admin, h.Bus.CreateBus)
		buses.PATCH("/:id", admin, h.Bus.UpdateBus)
		buses.PUT("/:id", admin, h.Bus.ReplaceBus)
	}

	ws := protected.Group("/ws", admin)
	{
		ws.GET("/clients", h.WebSocket.GetConnectedClients)
		ws.DELETE("/clients/:clientId", h.WebSocket.DisconnectClient)
	}
}
