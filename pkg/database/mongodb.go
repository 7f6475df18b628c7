package database

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const (
	DefaultDatabase = "ibamex"

	BusesCollection         = "buses"
	OccupancyLogsCollection = "occupancy_logs"
)

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, mongoURI string) (*mongo.Database, error) {
	cs, err := connstring.ParseAndValidate(mongoURI)
	if err != nil {
		return nil, fmt.Errorf("invalid MongoDB URI: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := cs.Database
	if dbName == "" {
		dbName = DefaultDatabase
	}
	db := client.Database(dbName)

	log.WithField("database", dbName).Info("Connected to MongoDB")

	if err := EnsureIndexes(ctx, db); err != nil {
		log.WithError(err).Warn("Failed to create indexes")
	}

	return db, nil
}

// EnsureIndexes creates the indexes the repositories rely on. bus_id must be
// unique for upsert-on-miss to stay keyed by the external identifier.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	busIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "bus_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "route_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "last_updated", Value: -1}}},
	}
	if _, err := db.Collection(BusesCollection).Indexes().CreateMany(ctx, busIndexes); err != nil {
		return fmt.Errorf("bus indexes: %w", err)
	}

	logIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "bus_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	}
	if _, err := db.Collection(OccupancyLogsCollection).Indexes().CreateMany(ctx, logIndexes); err != nil {
		return fmt.Errorf("occupancy log indexes: %w", err)
	}

	return nil
}

// Disconnect closes the MongoDB connection
func Disconnect(client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}

	log.Info("Disconnected from MongoDB")
	return nil
}

// Health checks the database connection health
func Health(ctx context.Context, db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.Client().Ping(ctx, nil)
}
