package handlers

import (
	"errors"
	"net/http"
	"strings"

	"ibamex-backend/internal/api/middleware"
	"ibamex-backend/internal/models"
	"ibamex-backend/internal/websocket"
	"ibamex-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler upgrades realtime sessions and exposes admin controls.
type WebSocketHandler struct {
	manager   *websocket.Manager
	validator middleware.TokenValidator
	logger    logrus.FieldLogger
}

func NewWebSocketHandler(manager *websocket.Manager, validator middleware.TokenValidator, logger logrus.FieldLogger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		validator: validator,
		logger:    logger.WithField("component", "websocket_handler"),
	}
}

// HandleWebSocket authenticates from ?token= or the Authorization header,
// then registers the session with filters parsed from the query string.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = middleware.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		utils.ErrorResponse(c, http.StatusUnauthorized, "Authentication token required", nil)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil || !models.ValidRole(claims.Role) {
		h.logger.WithError(err).Info("WebSocket connection rejected")
		utils.ErrorResponse(c, http.StatusUnauthorized, "Invalid authentication token", nil)
		return
	}

	filters := websocket.SubscriptionFilters{
		BusIDs:   queryList(c, "busIds"),
		RouteIDs: queryList(c, "routeIds"),
		Events:   queryList(c, "events"),
	}

	// Upgrade writes its own error response.
	conn, err := h.manager.GetUpgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	clientID := uuid.New().String()
	if err := h.manager.RegisterClient(clientID, conn, filters); err != nil {
		h.logger.WithError(err).WithField("client_id", clientID).Error("Failed to register client")
		conn.Close()
		return
	}

	h.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"user_id":   claims.UserID,
		"filters":   filters,
	}).Info("WebSocket client connected")
}

func (h *WebSocketHandler) GetConnectedClients(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connected clients retrieved", gin.H{
		"connectedClients": h.manager.GetConnectedClients(),
		"stats":            h.manager.GetClientStats(),
	})
}

func (h *WebSocketHandler) DisconnectClient(c *gin.Context) {
	clientID := c.Param("clientId")

	err := h.manager.UnregisterClient(clientID)
	switch {
	case errors.Is(err, websocket.ErrClientNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "Client not found", nil)
	case err != nil:
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to disconnect client", err)
	default:
		utils.SuccessResponse(c, http.StatusOK, "Client disconnected successfully", nil)
	}
}

// queryList accepts both repeated parameters and comma separated values.
func queryList(c *gin.Context, key string) []string {
	var values []string
	for _, raw := range c.QueryArray(key) {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
	}
	return values
}
