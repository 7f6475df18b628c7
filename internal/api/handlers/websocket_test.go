package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ibamex-backend/internal/fanout"
	"ibamex-backend/internal/models"
	"ibamex-backend/internal/websocket"
	"ibamex-backend/pkg/jwt"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWebSocketServer(t *testing.T) (*httptest.Server, *websocket.Manager, *jwt.JWTUtil) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	manager := websocket.NewManager(logger)
	require.NoError(t, manager.Start())
	t.Cleanup(func() { manager.Stop() })

	jwtUtil := jwt.NewJWTUtil("test-secret", time.Hour)
	handler := NewWebSocketHandler(manager, jwtUtil, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", handler.HandleWebSocket)
	router.GET("/ws/clients", handler.GetConnectedClients)
	router.DELETE("/ws/clients/:clientId", handler.DisconnectClient)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, manager, jwtUtil
}

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
}

func TestWebSocketHandler_RejectsMissingToken(t *testing.T) {
	server, _, _ := setupWebSocketServer(t)

	_, resp, err := gorilla.DefaultDialer.Dial(wsURL(server, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHandler_RejectsInvalidToken(t *testing.T) {
	server, _, _ := setupWebSocketServer(t)

	_, resp, err := gorilla.DefaultDialer.Dial(wsURL(server, "?token=bogus"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHandler_FilteredSession(t *testing.T) {
	server, manager, jwtUtil := setupWebSocketServer(t)

	token, err := jwtUtil.GenerateToken("u1", "p@example.com", models.RolePassenger)
	require.NoError(t, err)

	conn, _, err := gorilla.DefaultDialer.Dial(wsURL(server, "?token="+token+"&busIds=BUS2,BUS3"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return manager.GetConnectedClients() == 1
	}, time.Second, 10*time.Millisecond)

	bus1 := models.NewBus("BUS1", "R1", time.Now())
	bus2 := models.NewBus("BUS2", "R1", time.Now())
	bus2.CurrentOccupancy = 20
	require.NoError(t, manager.Broadcast(fanout.NewOccupancyEvent(bus1)))
	require.NoError(t, manager.Broadcast(fanout.NewOccupancyEvent(bus2)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event string                 `json:"event"`
		Data  fanout.OccupancyUpdate `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, fanout.EventOccupancyUpdate, frame.Event)
	assert.Equal(t, "BUS2", frame.Data.BusID)
	assert.Equal(t, 50, frame.Data.OccupancyPercentage)
}

func TestWebSocketHandler_BearerHeader(t *testing.T) {
	server, manager, jwtUtil := setupWebSocketServer(t)

	token, err := jwtUtil.GenerateToken("u1", "d@example.com", models.RoleDriver)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL(server, ""), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return manager.GetConnectedClients() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_ClientsAndDisconnect(t *testing.T) {
	server, manager, jwtUtil := setupWebSocketServer(t)

	token, err := jwtUtil.GenerateToken("u1", "a@example.com", models.RoleAdmin)
	require.NoError(t, err)
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL(server, "?token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return manager.GetConnectedClients() == 1
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Get(server.URL + "/ws/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			ConnectedClients int                    `json:"connectedClients"`
			Stats            websocket.ClientStats `json:"stats"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Data.ConnectedClients)
	assert.Equal(t, 1, body.Data.Stats.ActiveClients)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/ws/clients/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueryList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/ws?busIds=BUS1,%20BUS2&busIds=BUS3&routeIds=", nil)

	assert.Equal(t, []string{"BUS1", "BUS2", "BUS3"}, queryList(c, "busIds"))
	assert.Nil(t, queryList(c, "routeIds"))
	assert.Nil(t, queryList(c, "events"))
}
