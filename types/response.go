package types

import "go.mongodb.org/mongo-driver/bson/primitive"

// CycleDocument is a reconstructed cycle stored alongside its measurement. Seq numbers
// the cycles of one measurement in (attempt, thread) order.
type CycleDocument struct {
	MeasurementID primitive.ObjectID `json:"-" bson:"measurementId"`
	Seq           int64              `json:"seq" bson:"seq"`
	Cycle         `bson:",inline"`
}

// PaginatedCyclesResponse wraps cycles with cursor-based pagination metadata
type PaginatedCyclesResponse struct {
	Data       []CycleDocument      `json:"data"`
	Pagination CursorPaginationMeta `json:"pagination"`
}

// CursorPaginationMeta contains cursor-based pagination metadata. Cursors are cycle
// sequence numbers rendered as decimal strings.
type CursorPaginationMeta struct {
	Limit          int     `json:"limit"`
	HasNext        bool    `json:"hasNext"`
	HasPrevious    bool    `json:"hasPrevious"`
	NextCursor     *string `json:"nextCursor"`
	PreviousCursor *string `json:"previousCursor"`
	TotalCount     *int    `json:"totalCount"` // Optional, expensive to calculate
}

// HandoverLevelResponse is one row of the handover table.
type HandoverLevelResponse struct {
	Level int `json:"level"`
	HandoverLevel
}

// HandoverResponse lists handover statistics by ascending contention level.
type HandoverResponse struct {
	MeasurementID string                  `json:"measurementId"`
	Levels        []HandoverLevelResponse `json:"levels"`
}

// HistogramResponse carries the occupancy histogram as a sorted bin list.
type HistogramResponse struct {
	MeasurementID string         `json:"measurementId"`
	Policy        OverlapPolicy  `json:"policy"`
	BinWidth      int64          `json:"binWidth"`
	Bins          int64          `json:"bins"`
	Lambda        float64        `json:"lambda"`
	Histogram     []OccupancyBin `json:"histogram"`
}

// NewHandoverResponse flattens stats into ascending level order.
func NewHandoverResponse(measurementID string, stats HandoverStats) HandoverResponse {
	resp := HandoverResponse{MeasurementID: measurementID, Levels: []HandoverLevelResponse{}}
	for _, level := range stats.SortedLevels() {
		resp.Levels = append(resp.Levels, HandoverLevelResponse{Level: level, HandoverLevel: stats.Levels[level]})
	}
	return resp
}

// NewHistogramResponse converts a histogram result for the API.
func NewHistogramResponse(measurementID string, h HistogramResult) HistogramResponse {
	return HistogramResponse{
		MeasurementID: measurementID,
		Policy:        h.Policy,
		BinWidth:      h.BinWidth,
		Bins:          h.Bins,
		Lambda:        h.Lambda,
		Histogram:     h.Histogram.Bins(),
	}
}
