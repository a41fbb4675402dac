package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

var (
	// analysisTotal counts pipeline runs by outcome
	analysisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_analysis_total",
		Help: "Total trace analyses by outcome",
	}, []string{"mode", "outcome"})

	// stageDuration tracks how long each pipeline stage takes
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lock_analysis_stage_duration_seconds",
		Help:    "Analysis stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
	}, []string{"stage"})

	// cyclesPerReport tracks the number of reconstructed cycles per analysis
	cyclesPerReport = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lock_analysis_cycles",
		Help:    "Reconstructed cycles per analysis",
		Buckets: prometheus.ExponentialBuckets(10, 4, 10),
	})

	// overheadTotal counts overhead fits by status
	overheadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_overhead_fit_total",
		Help: "Total lock overhead fits by status",
	}, []string{"status"})
)

func observeStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// outcomeLabel maps an analysis error to a low-cardinality label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, types.ErrParse):
		return "parse_error"
	case errors.Is(err, types.ErrStructural):
		return "structural_error"
	case errors.Is(err, types.ErrInvalidInput):
		return "invalid_input"
	case types.IsInconclusive(err):
		return "inconclusive"
	default:
		return "error"
	}
}
