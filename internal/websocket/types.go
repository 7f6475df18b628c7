package websocket

import (
	"sync"
	"time"

	"ibamex-backend/internal/fanout"

	"github.com/gorilla/websocket"
)

// SubscriptionFilters limits which events a session receives. Empty lists
// match everything.
type SubscriptionFilters struct {
	BusIDs   []string `json:"busIds,omitempty"`
	RouteIDs []string `json:"routeIds,omitempty"`
	Events   []string `json:"events,omitempty"`
}

// Matches reports whether event passes every non-empty filter.
func (f SubscriptionFilters) Matches(event fanout.Event) bool {
	return matchAny(f.BusIDs, event.BusID) &&
		matchAny(f.RouteIDs, event.RouteID) &&
		matchAny(f.Events, event.Name)
}

func matchAny(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

// Client is one realtime session.
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Filters SubscriptionFilters
	Send    chan fanout.Event

	mu       sync.Mutex
	lastPing time.Time
	isActive bool
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

func (c *Client) setActive(active bool) {
	c.mu.Lock()
	c.isActive = active
	c.mu.Unlock()
}

func (c *Client) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isActive
}

// WebSocketManager owns the set of realtime sessions.
type WebSocketManager interface {
	RegisterClient(clientID string, conn *websocket.Conn, filters SubscriptionFilters) error
	UnregisterClient(clientID string) error
	Broadcast(event fanout.Event) error
	GetConnectedClients() int
	GetClientStats() ClientStats
	Start() error
	Stop() error
}

// ClientStats provides statistics about connected clients
type ClientStats struct {
	TotalClients    int `json:"totalClients"`
	ActiveClients   int `json:"activeClients"`
	InactiveClients int `json:"inactiveClients"`
}

// MessageTypeUpdateFilters is the only inbound frame type. Others are ignored.
const MessageTypeUpdateFilters = "update_filters"

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	staleAfter   = 90 * time.Second
	sendBuffer   = 256
)
