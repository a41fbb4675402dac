package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

// Interval extracts the time extent of a cycle-like value.
type Interval[T any] struct {
	Start func(T) int64
	End   func(T) int64
}

// DurationInterval spans a cycle from first attempt to the end of its release, the
// extent measured by types.Cycle.Duration.
func DurationInterval() Interval[types.Cycle] {
	return Interval[types.Cycle]{
		Start: func(c types.Cycle) int64 { return c.Attempt },
		End:   func(c types.Cycle) int64 { return c.Deviate },
	}
}

// PossessionInterval spans the time a cycle held the lock.
func PossessionInterval() Interval[types.Cycle] {
	return Interval[types.Cycle]{
		Start: func(c types.Cycle) int64 { return c.Acquire },
		End:   func(c types.Cycle) int64 { return c.Release },
	}
}

// Window restricts binning to bins whose left edge lies in [From, To).
type Window struct {
	From int64
	To   int64
}

// HistogramConfig parameterizes ComputeHistogram.
type HistogramConfig struct {
	BinWidth int64
	Policy   types.OverlapPolicy
	Window   *Window
}

// ctxCheckBins is how many bins a worker scans between cancellation checks.
const ctxCheckBins = 1 << 12

type extent struct {
	start, end int64
}

// ComputeHistogram bins [min start, max end) into slots of cfg.BinWidth and counts, per
// bin, how many cycles the overlap policy admits. The result maps each occupancy level to
// the number of bins observed at it. The bin range is split across the pool and the
// partial histograms are summed, so the output does not depend on the pool size. A nil
// pool scans on the calling goroutine.
func ComputeHistogram[T any](ctx context.Context, pool *workers.Pool, cycles []T, iv Interval[T], cfg HistogramConfig) (types.HistogramResult, error) {
	if len(cycles) == 0 {
		return types.HistogramResult{}, &types.InvalidInputError{Field: "cycles", Reason: "empty cycle list"}
	}
	if cfg.BinWidth <= 0 {
		return types.HistogramResult{}, &types.InvalidInputError{Field: "bin width", Reason: fmt.Sprintf("must be positive, got %d", cfg.BinWidth)}
	}
	if !cfg.Policy.Valid() {
		return types.HistogramResult{}, &types.InvalidInputError{Field: "policy", Reason: fmt.Sprintf("unknown overlap policy %q", cfg.Policy)}
	}

	items := make([]extent, len(cycles))
	for i, c := range cycles {
		items[i] = extent{start: iv.Start(c), end: iv.End(c)}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].start != items[j].start {
			return items[i].start < items[j].start
		}
		return items[i].end < items[j].end
	})

	origin := items[0].start
	maxEnd := items[0].end
	for _, it := range items {
		if it.end > maxEnd {
			maxEnd = it.end
		}
	}
	w := cfg.BinWidth
	total := ceilDiv(maxEnd-origin, w)
	if total < 1 {
		total = 1
	}

	lo, hi := int64(0), total
	if win := cfg.Window; win != nil {
		if win.From > origin {
			lo = ceilDiv(win.From-origin, w)
		}
		if end := ceilDiv(win.To-origin, w); end < hi {
			hi = end
		}
		if lo >= hi {
			return types.HistogramResult{}, &types.InvalidInputError{
				Field:  "window",
				Reason: fmt.Sprintf("[%d, %d) contains no bins of the trace range [%d, %d)", win.From, win.To, origin, maxEnd),
			}
		}
	}

	n := int(hi - lo)
	var parts []types.OccupancyHistogram
	if pool == nil {
		h, err := scanBins(ctx, items, origin, w, lo, hi, cfg.Policy)
		if err != nil {
			return types.HistogramResult{}, err
		}
		parts = append(parts, h)
	} else {
		var err error
		parts, err = workers.Map(ctx, pool, n, func(ctx context.Context, c workers.Chunk) (types.OccupancyHistogram, error) {
			return scanBins(ctx, items, origin, w, lo+int64(c.Lo), lo+int64(c.Hi), cfg.Policy)
		})
		if err != nil {
			return types.HistogramResult{}, err
		}
	}

	merged := make(types.OccupancyHistogram)
	for _, h := range parts {
		merged.Add(h)
	}
	return types.HistogramResult{
		Policy:    cfg.Policy,
		BinWidth:  w,
		Start:     origin + lo*w,
		End:       origin + hi*w,
		Bins:      hi - lo,
		Histogram: merged,
		Lambda:    merged.Lambda(),
	}, nil
}

// scanBins counts bins [k0, k1) with a forward-only cursor over items sorted by start.
func scanBins(ctx context.Context, items []extent, origin, w, k0, k1 int64, policy types.OverlapPolicy) (types.OccupancyHistogram, error) {
	h := make(types.OccupancyHistogram)
	strict := policy == types.PolicyStrictOverlap
	cursor := 0
	for k := k0; k < k1; k++ {
		if (k-k0)%ctxCheckBins == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		left := origin + k*w
		right := left + w

		// an item behind the cursor can never count toward this or a later bin
		for cursor < len(items) {
			it := items[cursor]
			if strict && it.end > left || !strict && it.start >= left {
				break
			}
			cursor++
		}

		count := 0
		for _, it := range items[cursor:] {
			if it.start >= right {
				break
			}
			if strict {
				if it.end > left {
					count++
				}
			} else if it.start >= left {
				count++
			}
		}
		h[count]++
	}
	return h, nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
