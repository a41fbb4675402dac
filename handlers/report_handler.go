package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/bft-labs/lock-contention-analyzer/analysis"
	"github.com/bft-labs/lock-contention-analyzer/db"
	"github.com/bft-labs/lock-contention-analyzer/metrics"
	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/utils"
)

// loadReport fetches the report of the measurement in the "id" path parameter,
// answering 400, 404 or 500 itself on failure.
func loadReport(c *gin.Context, reports *mongo.Collection) (*db.ReportDocument, bool) {
	objectID, ok := objectIDParam(c, "id", "measurement")
	if !ok {
		return nil, false
	}
	doc, err := db.LoadReport(c.Request.Context(), reports, objectID)
	if err == mongo.ErrNoDocuments {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found, process the measurement first"})
		return nil, false
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return nil, false
	}
	return doc, true
}

// GetReportHandler returns the full analysis report of a measurement
func GetReportHandler(reports *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, ok := loadReport(c, reports)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"measurementId": doc.MeasurementID.Hex(),
			"report":        doc.Report(),
		})
	}
}

// histogramQuery holds the optional recompute parameters of the histogram endpoint
type histogramQuery struct {
	binWidth   int64
	policy     types.OverlapPolicy
	window     *metrics.Window
	possession bool // bin lock hold time instead of the whole cycle
}

func (q histogramQuery) recompute() bool {
	return q.binWidth != 0 || q.policy != "" || q.window != nil || q.possession
}

func (q histogramQuery) interval() metrics.Interval[types.Cycle] {
	if q.possession {
		return metrics.PossessionInterval()
	}
	return metrics.DurationInterval()
}

func histogramQueryFromContext(c *gin.Context) (histogramQuery, error) {
	var q histogramQuery
	if s := c.Query("binWidth"); s != "" {
		w, err := strconv.ParseInt(s, 10, 64)
		if err != nil || w <= 0 {
			return q, &types.InvalidInputError{Field: "binWidth", Reason: "must be a positive integer"}
		}
		q.binWidth = w
	}
	if s := c.Query("policy"); s != "" {
		q.policy = types.OverlapPolicy(s)
		if !q.policy.Valid() {
			return q, &types.InvalidInputError{Field: "policy", Reason: "must be strict-overlap or arrival-only"}
		}
	}
	switch c.Query("interval") {
	case "", "duration":
	case "possession":
		q.possession = true
	default:
		return q, &types.InvalidInputError{Field: "interval", Reason: "must be duration or possession"}
	}
	from, to, windowed, err := utils.TSCWindowFromContext(c)
	if err != nil {
		return q, err
	}
	if windowed {
		q.window = &metrics.Window{From: from, To: to}
	}
	return q, nil
}

// GetHistogramHandler returns the occupancy histogram. With binWidth, policy, interval,
// from or to it is recomputed over the stored cycles; unset knobs keep the report's values.
func GetHistogramHandler(cols db.Collections, analyzer *analysis.Analyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := histogramQueryFromContext(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		doc, ok := loadReport(c, cols.Reports)
		if !ok {
			return
		}
		id := doc.MeasurementID.Hex()
		if !q.recompute() {
			c.JSON(http.StatusOK, types.NewHistogramResponse(id, doc.Report().Histogram))
			return
		}

		binWidth, policy := q.binWidth, q.policy
		if binWidth == 0 {
			binWidth = doc.Histogram.BinWidth
		}
		if policy == "" {
			policy = doc.Histogram.Policy
		}

		ctx := c.Request.Context()
		cycles, err := db.LoadCycles(ctx, cols.Cycles, doc.MeasurementID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		result, err := analyzer.ComputeHistogramOver(ctx, cycles, q.interval(), binWidth, policy, q.window)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, types.NewHistogramResponse(id, result))
	}
}

// GetHandoverHandler returns handover latency per contention level
func GetHandoverHandler(reports *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, ok := loadReport(c, reports)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, types.NewHandoverResponse(doc.MeasurementID.Hex(), doc.Report().Handover))
	}
}

// GetOverheadHandler returns the fitted lock overhead
func GetOverheadHandler(reports *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, ok := loadReport(c, reports)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"measurementId": doc.MeasurementID.Hex(),
			"overhead":      doc.Overhead,
		})
	}
}

// GetDistributionHandler returns the occupancy distribution fit
func GetDistributionHandler(reports *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, ok := loadReport(c, reports)
		if !ok {
			return
		}
		if doc.Distribution == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "No distribution fit, the workload has no core count"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"measurementId": doc.MeasurementID.Hex(),
			"distribution":  doc.Distribution,
		})
	}
}
