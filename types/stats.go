package types

import (
	"sort"
	"time"
)

// OverlapPolicy selects which cycles count toward a time bin.
type OverlapPolicy string

const (
	// PolicyStrictOverlap counts every cycle with a nonzero intersection with the bin.
	PolicyStrictOverlap OverlapPolicy = "strict-overlap"
	// PolicyArrivalOnly counts cycles whose start falls inside the bin.
	PolicyArrivalOnly OverlapPolicy = "arrival-only"
)

// Valid reports whether p names a known policy.
func (p OverlapPolicy) Valid() bool {
	return p == PolicyStrictOverlap || p == PolicyArrivalOnly
}

// OccupancyHistogram maps an occupancy level to the number of bins observed at it.
type OccupancyHistogram map[int]int64

// Add merges other into h key-wise.
func (h OccupancyHistogram) Add(other OccupancyHistogram) {
	for k, v := range other {
		h[k] += v
	}
}

// Total is the number of bins the histogram was built from.
func (h OccupancyHistogram) Total() int64 {
	var n int64
	for _, v := range h {
		n += v
	}
	return n
}

// Lambda is the mean occupancy, Σ k·count / Σ count. Zero for an empty histogram.
func (h OccupancyHistogram) Lambda() float64 {
	var weighted, total float64
	for k, v := range h {
		weighted += float64(k) * float64(v)
		total += float64(v)
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// MaxOccupancy returns the highest level present, -1 when empty.
func (h OccupancyHistogram) MaxOccupancy() int {
	max := -1
	for k := range h {
		if k > max {
			max = k
		}
	}
	return max
}

// Bins returns the histogram sorted by occupancy.
func (h OccupancyHistogram) Bins() []OccupancyBin {
	bins := make([]OccupancyBin, 0, len(h))
	for k, v := range h {
		bins = append(bins, OccupancyBin{Occupancy: k, Count: v})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Occupancy < bins[j].Occupancy })
	return bins
}

// Probabilities returns the empirical distribution over 0..n-1, zero-filled.
func (h OccupancyHistogram) Probabilities(n int) []float64 {
	out := make([]float64, n)
	total := float64(h.Total())
	if total == 0 {
		return out
	}
	for k, v := range h {
		if k >= 0 && k < n {
			out[k] = float64(v) / total
		}
	}
	return out
}

// OccupancyBin is one histogram entry in a list form that survives BSON encoding.
type OccupancyBin struct {
	Occupancy int   `json:"occupancy" bson:"occupancy"`
	Count     int64 `json:"count" bson:"count"`
}

// HistogramFromBins rebuilds a histogram from its list form.
func HistogramFromBins(bins []OccupancyBin) OccupancyHistogram {
	h := make(OccupancyHistogram, len(bins))
	for _, b := range bins {
		h[b.Occupancy] += b.Count
	}
	return h
}

// HistogramResult is the output of the contention binning stage.
type HistogramResult struct {
	Policy    OverlapPolicy      `json:"policy"`
	BinWidth  int64              `json:"binWidth"`
	Start     int64              `json:"start"` // left edge of the first bin
	End       int64              `json:"end"`   // scan stops before this tsc
	Bins      int64              `json:"bins"`
	Histogram OccupancyHistogram `json:"histogram"`
	Lambda    float64            `json:"lambda"`
}

// HandoverLevel aggregates handover durations observed at one contention level.
type HandoverLevel struct {
	Occur int     `json:"occur" bson:"occur"`
	Mean  float64 `json:"mean" bson:"mean"`
	Std   float64 `json:"std" bson:"std"`
	Min   int64   `json:"min" bson:"min"`
	Max   int64   `json:"max" bson:"max"`
}

// HandoverStats maps a contention level to its handover statistics.
type HandoverStats struct {
	Levels map[int]HandoverLevel `json:"levels"`
	// Samples holds the raw durations per level; not persisted.
	Samples map[int][]int64 `json:"-"`
}

// SortedLevels returns the level keys in ascending order.
func (s *HandoverStats) SortedLevels() []int {
	keys := make([]int, 0, len(s.Levels))
	for k := range s.Levels {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// CycleSummary describes a set of lock cycles.
type CycleSummary struct {
	Count          int     `json:"count" bson:"count"`
	MeanDuration   float64 `json:"meanDuration" bson:"meanDuration"`
	StdDuration    float64 `json:"stdDuration" bson:"stdDuration"`
	MeanPossession float64 `json:"meanPossession" bson:"meanPossession"`
	StdPossession  float64 `json:"stdPossession" bson:"stdPossession"`
	MeanWait       float64 `json:"meanWait" bson:"meanWait"`
	Threads        int     `json:"threads" bson:"threads"`
}

// SpanSummary describes the parallel (lock-free) phase of a workload.
type SpanSummary struct {
	Count int     `json:"count" bson:"count"`
	Mean  float64 `json:"mean" bson:"mean"`
	Std   float64 `json:"std" bson:"std"`
	// ExpFitness is mean/std; close to 1 when spans look exponentially distributed.
	ExpFitness float64 `json:"expFitness" bson:"expFitness"`
}

// DistributionFit compares the occupancy distribution with Poisson and binomial models.
type DistributionFit struct {
	Lambda               float64   `json:"lambda" bson:"lambda"`
	Empirical            []float64 `json:"empirical" bson:"empirical"`
	Poisson              []float64 `json:"poisson" bson:"poisson"`
	Binomial             []float64 `json:"binomial" bson:"binomial"`
	BinomialTrials       int       `json:"binomialTrials" bson:"binomialTrials"`
	PoissonDistance      float64   `json:"poissonDistance" bson:"poissonDistance"`
	BinomialDistance     float64   `json:"binomialDistance" bson:"binomialDistance"`
	UncontendedEmpirical float64   `json:"uncontendedEmpirical" bson:"uncontendedEmpirical"`
	UncontendedPoisson   float64   `json:"uncontendedPoisson" bson:"uncontendedPoisson"`
}

// OverheadStatus tells whether an overhead estimate could be produced.
type OverheadStatus string

const (
	OverheadSolved       OverheadStatus = "solved"
	OverheadInconclusive OverheadStatus = "inconclusive"
	OverheadSkipped      OverheadStatus = "skipped"
)

// OverheadResult is the per-acquisition lock overhead fitted by the queueing model.
type OverheadResult struct {
	Status           OverheadStatus `json:"status" bson:"status"`
	Delta            float64        `json:"delta" bson:"delta"`
	Iterations       int            `json:"iterations" bson:"iterations"`
	MeasuredResponse float64        `json:"measuredResponse" bson:"measuredResponse"`
	IdealResponse    float64        `json:"idealResponse" bson:"idealResponse"`
	CriticalTime     float64        `json:"criticalTime" bson:"criticalTime"`
	ParallelTime     float64        `json:"parallelTime" bson:"parallelTime"`
	NCore            int            `json:"nCore" bson:"nCore"`
	Reason           string         `json:"reason,omitempty" bson:"reason,omitempty"`
}

// Report collects every result computed for one measurement.
type Report struct {
	Mode         string           `json:"mode"`
	Events       int              `json:"events"`
	Cycles       CycleSummary     `json:"cycles"`
	Parallel     *SpanSummary     `json:"parallel,omitempty"`
	Histogram    HistogramResult  `json:"histogram"`
	Handover     HandoverStats    `json:"handover"`
	Distribution *DistributionFit `json:"distribution,omitempty"`
	Overhead     OverheadResult   `json:"overhead"`
	ComputedAt   time.Time        `json:"computedAt"`
}
