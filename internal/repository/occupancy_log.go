package repository

import (
	"context"
	"fmt"
	"time"

	"ibamex-backend/internal/models"
	"ibamex-backend/pkg/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type OccupancyLogRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewOccupancyLogRepository(db *mongo.Database) *OccupancyLogRepository {
	return &OccupancyLogRepository{
		collection: db.Collection(database.OccupancyLogsCollection),
		timeout:    defaultTimeout,
	}
}

func (r *OccupancyLogRepository) Append(ctx context.Context, entry *models.OccupancyLog) (*models.OccupancyLog, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.collection.InsertOne(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("append occupancy log for %s: %w", entry.BusID, err)
	}

	if id, ok := objectID(result.InsertedID); ok {
		entry.ID = id
	}
	return entry, nil
}

// FindByBusID returns the newest entries first.
func (r *OccupancyLogRepository) FindByBusID(ctx context.Context, busID string, limit int64) ([]*models.OccupancyLog, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{"bus_id": busID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	entries := make([]*models.OccupancyLog, 0)
	for cursor.Next(ctx) {
		var entry models.OccupancyLog
		if err := cursor.Decode(&entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	return entries, cursor.Err()
}

func (r *OccupancyLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.collection.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func objectID(v interface{}) (primitive.ObjectID, bool) {
	id, ok := v.(primitive.ObjectID)
	return id, ok
}
