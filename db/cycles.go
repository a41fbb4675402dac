package db

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

const insertBatch = 5000

// CycleDocuments numbers cycles in (attempt, thread) order for measurementID.
func CycleDocuments(measurementID primitive.ObjectID, cycles []types.Cycle) []types.CycleDocument {
	docs := make([]types.CycleDocument, len(cycles))
	for i, c := range cycles {
		docs[i] = types.CycleDocument{MeasurementID: measurementID, Cycle: c}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Attempt != docs[j].Attempt {
			return docs[i].Attempt < docs[j].Attempt
		}
		return docs[i].Thread < docs[j].Thread
	})
	for i := range docs {
		docs[i].Seq = int64(i)
	}
	return docs
}

// ReplaceCycles drops the stored cycles of a measurement and inserts the new set in
// batches.
func ReplaceCycles(ctx context.Context, coll *mongo.Collection, measurementID primitive.ObjectID, cycles []types.Cycle) error {
	if err := DeleteCycles(ctx, coll, measurementID); err != nil {
		return err
	}
	docs := CycleDocuments(measurementID, cycles)
	for lo := 0; lo < len(docs); lo += insertBatch {
		hi := min(lo+insertBatch, len(docs))
		batch := make([]interface{}, 0, hi-lo)
		for _, d := range docs[lo:hi] {
			batch = append(batch, d)
		}
		if _, err := coll.InsertMany(ctx, batch, options.InsertMany().SetOrdered(false)); err != nil {
			return fmt.Errorf("failed to insert cycles %d..%d: %w", lo, hi, err)
		}
	}
	return nil
}

func DeleteCycles(ctx context.Context, coll *mongo.Collection, measurementIDs ...primitive.ObjectID) error {
	if len(measurementIDs) == 0 {
		return nil
	}
	if _, err := coll.DeleteMany(ctx, bson.M{"measurementId": bson.M{"$in": measurementIDs}}); err != nil {
		return fmt.Errorf("failed to delete cycles: %w", err)
	}
	return nil
}

// CycleQuery selects a page of one measurement's cycles.
type CycleQuery struct {
	MeasurementID primitive.ObjectID
	// From and To bound the attempt tsc to [From, To) when Windowed is set.
	Windowed bool
	From     int64
	To       int64
	After    *int64
	Before   *int64
}

// Filter renders the query as a MongoDB filter.
func (q CycleQuery) Filter() bson.M {
	filter := bson.M{"measurementId": q.MeasurementID}
	if q.Windowed {
		filter["attempt"] = bson.M{"$gte": q.From, "$lt": q.To}
	}
	seq := bson.M{}
	if q.After != nil {
		seq["$gt"] = *q.After
	}
	if q.Before != nil {
		seq["$lt"] = *q.Before
	}
	if len(seq) > 0 {
		filter["seq"] = seq
	}
	return filter
}

// Backward reports whether the query pages towards lower sequence numbers.
func (q CycleQuery) Backward() bool {
	return q.Before != nil && q.After == nil
}

// FindCycles returns up to limit cycles in sequence order after skipping skip matches.
// Backward queries take the limit cycles closest to Before.
func FindCycles(ctx context.Context, coll *mongo.Collection, q CycleQuery, skip int64, limit int) ([]types.CycleDocument, error) {
	order := 1
	if q.Backward() {
		order = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: order}}).
		SetLimit(int64(limit))
	if skip > 0 {
		opts.SetSkip(skip)
	}
	cur, err := coll.Find(ctx, q.Filter(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer cur.Close(ctx)

	var docs []types.CycleDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode cycles: %w", err)
	}
	if order < 0 {
		slices.Reverse(docs)
	}
	return docs, nil
}

// LoadCycles returns every stored cycle of a measurement in sequence order.
func LoadCycles(ctx context.Context, coll *mongo.Collection, measurementID primitive.ObjectID) ([]types.Cycle, error) {
	cur, err := coll.Find(ctx, bson.M{"measurementId": measurementID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer cur.Close(ctx)

	var cycles []types.Cycle
	for cur.Next(ctx) {
		var doc types.CycleDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode cycle: %w", err)
		}
		cycles = append(cycles, doc.Cycle)
	}
	return cycles, cur.Err()
}
