package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ibamex-backend/internal/models"
	"ibamex-backend/pkg/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultTimeout = 10 * time.Second

// BusFilter narrows FindAll. Empty fields match everything.
type BusFilter struct {
	RouteID string
	Status  models.BusStatus
}

type BusRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewBusRepository(db *mongo.Database) *BusRepository {
	return &BusRepository{
		collection: db.Collection(database.BusesCollection),
		timeout:    defaultTimeout,
	}
}

func (r *BusRepository) FindByBusID(ctx context.Context, busID string) (*models.Bus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var bus models.Bus
	err := r.collection.FindOne(ctx, bson.M{"bus_id": busID}).Decode(&bus)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrBusNotFound
		}
		return nil, err
	}

	return &bus, nil
}

func (r *BusRepository) FindAll(ctx context.Context, filter BusFilter) ([]*models.Bus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "bus_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, filterDocument(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	buses := make([]*models.Bus, 0)
	for cursor.Next(ctx) {
		var bus models.Bus
		if err := cursor.Decode(&bus); err != nil {
			return nil, err
		}
		buses = append(buses, &bus)
	}

	return buses, cursor.Err()
}

// UpsertOccupancy records a passenger count. A missing bus is created with the
// implicit-creation defaults; an existing one only has its occupancy and
// lastUpdated touched.
func (r *BusRepository) UpsertOccupancy(ctx context.Context, busID, routeID string, count int, at time.Time) (*models.Bus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var bus models.Bus
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"bus_id": busID}, occupancyUpsertDocument(routeID, count, at), opts).Decode(&bus)
	if err != nil {
		return nil, fmt.Errorf("upsert occupancy for %s: %w", busID, err)
	}

	return &bus, nil
}

// UpsertBus creates or replaces the whole record keyed by BusID.
func (r *BusRepository) UpsertBus(ctx context.Context, bus *models.Bus) (*models.Bus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	replacement := *bus
	replacement.ID = primitive.NilObjectID

	opts := options.FindOneAndReplace().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored models.Bus
	err := r.collection.FindOneAndReplace(ctx, bson.M{"bus_id": bus.BusID}, replacement, opts).Decode(&stored)
	if err != nil {
		return nil, fmt.Errorf("upsert bus %s: %w", bus.BusID, err)
	}

	return &stored, nil
}

// UpdateFields applies a partial update to an existing bus. It never creates.
func (r *BusRepository) UpdateFields(ctx context.Context, busID string, fields models.BusFields, at time.Time) (*models.Bus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var bus models.Bus
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"bus_id": busID}, fieldsUpdateDocument(fields, at), opts).Decode(&bus)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrBusNotFound
		}
		return nil, fmt.Errorf("update bus %s: %w", busID, err)
	}

	return &bus, nil
}

func (r *BusRepository) Create(ctx context.Context, bus *models.Bus) (*models.Bus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.collection.InsertOne(ctx, bus)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, models.ErrBusExists
		}
		return nil, err
	}

	if id, ok := objectID(result.InsertedID); ok {
		bus.ID = id
	}
	return bus, nil
}

func occupancyUpsertDocument(routeID string, count int, at time.Time) bson.M {
	if routeID == "" {
		routeID = models.UnknownRoute
	}
	return bson.M{
		"$set": bson.M{
			"current_occupancy": count,
			"last_updated":      at,
		},
		"$setOnInsert": bson.M{
			"route_id":      routeID,
			"capacity":      models.DefaultCapacity,
			"status":        models.StatusActive,
			"battery_level": models.DefaultBatteryLevel,
			"created_at":    at,
		},
	}
}

func fieldsUpdateDocument(fields models.BusFields, at time.Time) bson.M {
	set := bson.M{"last_updated": at}
	if fields.RouteID != nil {
		set["route_id"] = *fields.RouteID
	}
	if fields.Capacity != nil {
		set["capacity"] = *fields.Capacity
	}
	if fields.Status != nil {
		set["status"] = *fields.Status
	}
	if fields.BatteryLevel != nil {
		set["battery_level"] = *fields.BatteryLevel
	}
	return bson.M{"$set": set}
}

func filterDocument(filter BusFilter) bson.M {
	doc := bson.M{}
	if filter.RouteID != "" {
		doc["route_id"] = filter.RouteID
	}
	if filter.Status != "" {
		doc["status"] = filter.Status
	}
	return doc
}
