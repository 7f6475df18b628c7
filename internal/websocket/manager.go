package websocket

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"ibamex-backend/internal/fanout"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrBroadcastFull  = errors.New("broadcast channel full")
	ErrNoClients      = errors.New("no connected clients")
	ErrStopped        = errors.New("websocket manager stopped")
	ErrClientNotFound = errors.New("websocket client not found")
)

// Manager implements WebSocketManager and fanout.Broadcaster.
type Manager struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan fanout.Event
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     logrus.FieldLogger

	done     chan struct{}
	stopOnce sync.Once
}

func NewManager(logger logrus.FieldLogger) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan fanout.Event, 1000),
		upgrader: websocket.Upgrader{
			// CORS is enforced by the HTTP layer; browsers and RN clients
			// both connect here.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.WithField("component", "websocket"),
		done:   make(chan struct{}),
	}
}

func (m *Manager) Start() error {
	go m.run()
	m.logger.Info("WebSocket manager started")
	return nil
}

func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.done)

		m.mutex.Lock()
		for id, client := range m.clients {
			delete(m.clients, id)
			close(client.Send)
			if client.Conn != nil {
				client.Conn.Close()
			}
		}
		m.mutex.Unlock()

		m.logger.Info("WebSocket manager stopped")
	})
	return nil
}

func (m *Manager) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-m.register:
			m.mutex.Lock()
			m.clients[client.ID] = client
			m.mutex.Unlock()
			m.logger.WithField("client_id", client.ID).Info("Client registered")
			go m.handleClient(client)

		case client := <-m.unregister:
			m.removeClient(client)

		case event := <-m.broadcast:
			m.broadcastToClients(event)

		case <-ticker.C:
			m.healthCheck()

		case <-m.done:
			return
		}
	}
}

func (m *Manager) RegisterClient(clientID string, conn *websocket.Conn, filters SubscriptionFilters) error {
	client := &Client{
		ID:       clientID,
		Conn:     conn,
		Filters:  filters,
		Send:     make(chan fanout.Event, sendBuffer),
		lastPing: time.Now(),
		isActive: true,
	}

	select {
	case m.register <- client:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

func (m *Manager) UnregisterClient(clientID string) error {
	m.mutex.RLock()
	client, exists := m.clients[clientID]
	m.mutex.RUnlock()

	if !exists {
		return ErrClientNotFound
	}

	select {
	case m.unregister <- client:
	case <-m.done:
	}
	return nil
}

// Broadcast queues event for every matching session. It fails fast instead
// of blocking the fan-out dispatcher.
func (m *Manager) Broadcast(event fanout.Event) error {
	if m.GetConnectedClients() == 0 {
		return ErrNoClients
	}

	select {
	case m.broadcast <- event:
		return nil
	default:
		return ErrBroadcastFull
	}
}

func (m *Manager) GetConnectedClients() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

func (m *Manager) GetClientStats() ClientStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := ClientStats{
		TotalClients: len(m.clients),
	}

	for _, client := range m.clients {
		if client.active() {
			stats.ActiveClients++
		} else {
			stats.InactiveClients++
		}
	}

	return stats
}

func (m *Manager) GetUpgrader() *websocket.Upgrader {
	return &m.upgrader
}

func (m *Manager) removeClient(client *Client) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if current, ok := m.clients[client.ID]; ok && current == client {
		delete(m.clients, client.ID)
		close(client.Send)
		if client.Conn != nil {
			client.Conn.Close()
		}
		m.logger.WithField("client_id", client.ID).Info("Client unregistered")
	}
}

// broadcastToClients is only called from run, so it never races with the
// channel closes in removeClient and healthCheck.
func (m *Manager) broadcastToClients(event fanout.Event) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, client := range m.clients {
		if !client.Filters.Matches(event) {
			continue
		}
		select {
		case client.Send <- event:
			client.setActive(true)
		default:
			// slow session: drop for this client only
			client.setActive(false)
			m.logger.WithField("client_id", client.ID).Warn("Client send buffer full, dropping event")
		}
	}
}

func (m *Manager) updateFilters(client *Client, filters SubscriptionFilters) {
	m.mutex.Lock()
	client.Filters = filters
	m.mutex.Unlock()
}

type inboundMessage struct {
	Type    string              `json:"type"`
	Filters SubscriptionFilters `json:"filters"`
}

func (m *Manager) handleClient(client *Client) {
	defer func() {
		select {
		case m.unregister <- client:
		case <-m.done:
		}
	}()

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.touch()
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go m.writeMessages(client)

	for {
		var message inboundMessage
		if err := client.Conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.WithError(err).WithField("client_id", client.ID).Warn("WebSocket read error")
			}
			return
		}

		client.touch()
		if message.Type == MessageTypeUpdateFilters {
			m.updateFilters(client, message.Filters)
			m.logger.WithField("client_id", client.ID).Debug("Updated client filters")
		}
	}
}

func (m *Manager) writeMessages(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteJSON(map[string]interface{}{
				"event": event.Name,
				"data":  event.Data,
			}); err != nil {
				m.logger.WithError(err).WithField("client_id", client.ID).Warn("Error writing event")
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// healthCheck removes sessions that have been silent for too long.
func (m *Manager) healthCheck() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	for clientID, client := range m.clients {
		if now.Sub(client.lastSeen()) > staleAfter {
			m.logger.WithField("client_id", clientID).Info("Client timed out, removing")
			delete(m.clients, clientID)
			close(client.Send)
			if client.Conn != nil {
				client.Conn.Close()
			}
		}
	}
}
