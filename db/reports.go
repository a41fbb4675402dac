package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

// HistogramDocument stores the occupancy histogram as a sorted bin list; BSON documents
// only take string keys.
type HistogramDocument struct {
	Policy   types.OverlapPolicy  `bson:"policy"`
	BinWidth int64                `bson:"binWidth"`
	Start    int64                `bson:"start"`
	End      int64                `bson:"end"`
	Bins     int64                `bson:"bins"`
	Counts   []types.OccupancyBin `bson:"counts"`
	Lambda   float64              `bson:"lambda"`
}

// HandoverLevelDocument is one contention level of the handover table.
type HandoverLevelDocument struct {
	Level               int `bson:"level"`
	types.HandoverLevel `bson:",inline"`
}

// ReportDocument is the persisted form of a types.Report.
type ReportDocument struct {
	ID            primitive.ObjectID      `bson:"_id,omitempty"`
	MeasurementID primitive.ObjectID      `bson:"measurementId"`
	CacheKey      string                  `bson:"cacheKey,omitempty"`
	Mode          string                  `bson:"mode"`
	Events        int                     `bson:"events"`
	Cycles        types.CycleSummary      `bson:"cycles"`
	Parallel      *types.SpanSummary      `bson:"parallel,omitempty"`
	Histogram     HistogramDocument       `bson:"histogram"`
	Handover      []HandoverLevelDocument `bson:"handover"`
	Distribution  *types.DistributionFit  `bson:"distribution,omitempty"`
	Overhead      types.OverheadResult    `bson:"overhead"`
	ComputedAt    time.Time               `bson:"computedAt"`
}

// NewReportDocument converts r for storage under measurementID.
func NewReportDocument(measurementID primitive.ObjectID, cacheKey string, r *types.Report) ReportDocument {
	doc := ReportDocument{
		MeasurementID: measurementID,
		CacheKey:      cacheKey,
		Mode:          r.Mode,
		Events:        r.Events,
		Cycles:        r.Cycles,
		Parallel:      r.Parallel,
		Histogram: HistogramDocument{
			Policy:   r.Histogram.Policy,
			BinWidth: r.Histogram.BinWidth,
			Start:    r.Histogram.Start,
			End:      r.Histogram.End,
			Bins:     r.Histogram.Bins,
			Counts:   r.Histogram.Histogram.Bins(),
			Lambda:   r.Histogram.Lambda,
		},
		Handover:     make([]HandoverLevelDocument, 0, len(r.Handover.Levels)),
		Distribution: r.Distribution,
		Overhead:     r.Overhead,
		ComputedAt:   r.ComputedAt,
	}
	for _, level := range r.Handover.SortedLevels() {
		doc.Handover = append(doc.Handover, HandoverLevelDocument{Level: level, HandoverLevel: r.Handover.Levels[level]})
	}
	return doc
}

// Report rebuilds the in-memory report. Raw handover samples are not persisted.
func (d ReportDocument) Report() *types.Report {
	r := &types.Report{
		Mode:   d.Mode,
		Events: d.Events,
		Cycles: d.Cycles,
		Histogram: types.HistogramResult{
			Policy:    d.Histogram.Policy,
			BinWidth:  d.Histogram.BinWidth,
			Start:     d.Histogram.Start,
			End:       d.Histogram.End,
			Bins:      d.Histogram.Bins,
			Histogram: types.HistogramFromBins(d.Histogram.Counts),
			Lambda:    d.Histogram.Lambda,
		},
		Handover:     types.HandoverStats{Levels: make(map[int]types.HandoverLevel, len(d.Handover))},
		Parallel:     d.Parallel,
		Distribution: d.Distribution,
		Overhead:     d.Overhead,
		ComputedAt:   d.ComputedAt,
	}
	for _, l := range d.Handover {
		r.Handover.Levels[l.Level] = l.HandoverLevel
	}
	return r
}

// SaveReport upserts the report of a measurement.
func SaveReport(ctx context.Context, coll *mongo.Collection, doc ReportDocument) error {
	doc.ID = primitive.NilObjectID
	_, err := coll.ReplaceOne(ctx,
		bson.M{"measurementId": doc.MeasurementID},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// LoadReport returns mongo.ErrNoDocuments unwrapped when the measurement has no report.
func LoadReport(ctx context.Context, coll *mongo.Collection, measurementID primitive.ObjectID) (*ReportDocument, error) {
	var doc ReportDocument
	if err := coll.FindOne(ctx, bson.M{"measurementId": measurementID}).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func DeleteReports(ctx context.Context, coll *mongo.Collection, measurementIDs ...primitive.ObjectID) error {
	if len(measurementIDs) == 0 {
		return nil
	}
	if _, err := coll.DeleteMany(ctx, bson.M{"measurementId": bson.M{"$in": measurementIDs}}); err != nil {
		return fmt.Errorf("failed to delete reports: %w", err)
	}
	return nil
}
