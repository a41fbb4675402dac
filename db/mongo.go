// Package db holds the MongoDB connection and the document shapes persisted for
// workloads, measurements, reports and cycles.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const DatabaseName = "lock_contention"

// Connect dials uri and verifies the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", uri, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// Collections bundles the collections the service reads and writes.
type Collections struct {
	Workloads    *mongo.Collection
	Measurements *mongo.Collection
	Reports      *mongo.Collection
	Cycles       *mongo.Collection
}

func NewCollections(client *mongo.Client) Collections {
	database := client.Database(DatabaseName)
	return Collections{
		Workloads:    database.Collection("workloads"),
		Measurements: database.Collection("measurements"),
		Reports:      database.Collection("reports"),
		Cycles:       database.Collection("cycles"),
	}
}

// EnsureIndexes creates the indexes the handlers query by.
func (c Collections) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{c.Measurements, mongo.IndexModel{Keys: bson.D{{Key: "workloadId", Value: 1}, {Key: "createdAt", Value: -1}}}},
		{c.Reports, mongo.IndexModel{
			Keys:    bson.D{{Key: "measurementId", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{c.Cycles, mongo.IndexModel{
			Keys:    bson.D{{Key: "measurementId", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{c.Cycles, mongo.IndexModel{Keys: bson.D{{Key: "measurementId", Value: 1}, {Key: "attempt", Value: 1}}}},
	}
	for _, s := range specs {
		if _, err := s.coll.Indexes().CreateOne(ctx, s.model); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", s.coll.Name(), err)
		}
	}
	return nil
}
