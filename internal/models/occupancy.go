package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OccupancyLog is an immutable record of one accepted passenger count.
type OccupancyLog struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	BusID     string             `bson:"bus_id" json:"busId"`
	RouteID   string             `bson:"route_id" json:"routeId"`
	Count     int                `bson:"count" json:"count"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
}
