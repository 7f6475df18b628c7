package models

import (
	"errors"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	DefaultCapacity     = 40
	DefaultBatteryLevel = 100.0
	UnknownRoute        = "UNKNOWN"
)

var (
	ErrBusNotFound = errors.New("bus not found")
	ErrBusExists   = errors.New("bus already exists")
)

type BusStatus string

const (
	StatusActive      BusStatus = "active"
	StatusInactive    BusStatus = "inactive"
	StatusMaintenance BusStatus = "maintenance"
)

// Valid reports whether s is one of the known operational states.
func (s BusStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance:
		return true
	}
	return false
}

type Bus struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	BusID            string             `bson:"bus_id" json:"busId"`
	RouteID          string             `bson:"route_id" json:"routeId"`
	Capacity         int                `bson:"capacity" json:"capacity"`
	CurrentOccupancy int                `bson:"current_occupancy" json:"currentOccupancy"`
	Status           BusStatus          `bson:"status" json:"status"`
	BatteryLevel     float64            `bson:"battery_level" json:"batteryLevel"`
	LastUpdated      time.Time          `bson:"last_updated" json:"lastUpdated"`
	CreatedAt        time.Time          `bson:"created_at" json:"createdAt"`
}

// OccupancyPercentage is the derived load figure pushed to realtime clients.
func (b *Bus) OccupancyPercentage() int {
	return OccupancyPercentage(b.CurrentOccupancy, b.Capacity)
}

// OccupancyPercentage returns round(occupancy/capacity*100). The result is not
// clamped at 100 since observed boardings can exceed nominal capacity.
func OccupancyPercentage(occupancy, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	return int(math.Round(float64(occupancy) * 100 / float64(capacity)))
}

// BusFields is a partial update. Nil fields are left untouched.
type BusFields struct {
	RouteID      *string
	Capacity     *int
	Status       *BusStatus
	BatteryLevel *float64
}

func (f BusFields) IsEmpty() bool {
	return f.RouteID == nil && f.Capacity == nil && f.Status == nil && f.BatteryLevel == nil
}

// Apply copies the present fields onto bus.
func (f BusFields) Apply(bus *Bus) {
	if f.RouteID != nil {
		bus.RouteID = *f.RouteID
	}
	if f.Capacity != nil {
		bus.Capacity = *f.Capacity
	}
	if f.Status != nil {
		bus.Status = *f.Status
	}
	if f.BatteryLevel != nil {
		bus.BatteryLevel = *f.BatteryLevel
	}
}

// NewBus returns a bus carrying the defaults used for implicit creation.
func NewBus(busID, routeID string, now time.Time) *Bus {
	if routeID == "" {
		routeID = UnknownRoute
	}
	return &Bus{
		BusID:        busID,
		RouteID:      routeID,
		Capacity:     DefaultCapacity,
		Status:       StatusActive,
		BatteryLevel: DefaultBatteryLevel,
		LastUpdated:  now,
		CreatedAt:    now,
	}
}
