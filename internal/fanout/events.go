package fanout

import (
	"time"

	"ibamex-backend/internal/models"
)

const (
	EventOccupancyUpdate = "occupancy-update"
	EventBusStatusUpdate = "bus-status-update"
)

// Event is one realtime notification. Only Name and Data reach clients;
// BusID and RouteID are carried for session filtering and relaying.
type Event struct {
	Name      string      `json:"event"`
	BusID     string      `json:"busId"`
	RouteID   string      `json:"routeId,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type OccupancyUpdate struct {
	BusID               string `json:"busId"`
	OccupancyPercentage int    `json:"occupancyPercentage"`
}

type StatusUpdate struct {
	BusID        string           `json:"busId"`
	RouteID      string           `json:"routeId"`
	Status       models.BusStatus `json:"status"`
	BatteryLevel float64          `json:"batteryLevel"`
}

func NewOccupancyEvent(bus *models.Bus) Event {
	return Event{
		Name:    EventOccupancyUpdate,
		BusID:   bus.BusID,
		RouteID: bus.RouteID,
		Data: OccupancyUpdate{
			BusID:               bus.BusID,
			OccupancyPercentage: bus.OccupancyPercentage(),
		},
		Timestamp: time.Now(),
	}
}

func NewStatusEvent(bus *models.Bus) Event {
	return Event{
		Name:    EventBusStatusUpdate,
		BusID:   bus.BusID,
		RouteID: bus.RouteID,
		Data: StatusUpdate{
			BusID:        bus.BusID,
			RouteID:      bus.RouteID,
			Status:       bus.Status,
			BatteryLevel: bus.BatteryLevel,
		},
		Timestamp: time.Now(),
	}
}
