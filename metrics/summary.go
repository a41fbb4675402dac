package metrics

import (
	"github.com/montanaflynn/stats"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

// SummarizeCycles computes mean and population standard deviation of cycle durations and
// possessions, and the mean wait.
func SummarizeCycles(cycles []types.Cycle) (types.CycleSummary, error) {
	if len(cycles) == 0 {
		return types.CycleSummary{}, &types.InvalidInputError{Field: "cycles", Reason: "empty cycle list"}
	}

	durations := make(stats.Float64Data, len(cycles))
	possessions := make(stats.Float64Data, len(cycles))
	waits := make(stats.Float64Data, len(cycles))
	threads := make(map[int]struct{})
	for i, c := range cycles {
		durations[i] = float64(c.Duration())
		possessions[i] = float64(c.Possession())
		waits[i] = float64(c.Wait())
		threads[c.Thread] = struct{}{}
	}

	s := types.CycleSummary{Count: len(cycles), Threads: len(threads)}
	// inputs are non-empty, so the stats calls cannot fail
	s.MeanDuration, _ = durations.Mean()
	s.StdDuration, _ = durations.StandardDeviationPopulation()
	s.MeanPossession, _ = possessions.Mean()
	s.StdPossession, _ = possessions.StandardDeviationPopulation()
	s.MeanWait, _ = waits.Mean()
	return s, nil
}

// SummarizeSpans describes span lengths. ExpFitness is mean/std, which is 1 for an
// exponential distribution; it is left at zero when all spans are equal.
func SummarizeSpans(spans []types.Cycle) (types.SpanSummary, error) {
	if len(spans) == 0 {
		return types.SpanSummary{}, &types.InvalidInputError{Field: "spans", Reason: "empty span list"}
	}
	lengths := make(stats.Float64Data, len(spans))
	for i, c := range spans {
		lengths[i] = float64(c.Duration())
	}
	s := types.SpanSummary{Count: len(spans)}
	s.Mean, _ = lengths.Mean()
	s.Std, _ = lengths.StandardDeviationPopulation()
	if s.Std > 0 {
		s.ExpFitness = s.Mean / s.Std
	}
	return s, nil
}
