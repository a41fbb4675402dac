package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

// handoverOrders holds the two index permutations of one lock's cycles, shared
// read-only by all workers.
type handoverOrders struct {
	cycles  []types.Cycle
	acquire []int   // cycle indices by acquire time
	attempt []int   // cycle indices by attempt time
	minRel  []int64 // minRel[i] = min release over acquire[i:]
}

func newHandoverOrders(cycles []types.Cycle) *handoverOrders {
	n := len(cycles)
	o := &handoverOrders{cycles: cycles, acquire: make([]int, n), attempt: make([]int, n), minRel: make([]int64, n)}
	for i := range cycles {
		o.acquire[i] = i
		o.attempt[i] = i
	}
	sort.SliceStable(o.acquire, func(a, b int) bool { return cycles[o.acquire[a]].Acquire < cycles[o.acquire[b]].Acquire })
	sort.SliceStable(o.attempt, func(a, b int) bool { return cycles[o.attempt[a]].Attempt < cycles[o.attempt[b]].Attempt })
	for i := n - 1; i >= 0; i-- {
		rel := cycles[o.acquire[i]].Release
		if i < n-1 && o.minRel[i+1] < rel {
			rel = o.minRel[i+1]
		}
		o.minRel[i] = rel
	}
	return o
}

// handoverPair is a release at acquire-order position pos of one lock.
type handoverPair struct {
	lock *handoverOrders
	pos  int
}

// lockOrders groups cycles by lock, ordered by site then instance, and lists every
// release that is followed by another acquire of the same lock.
func lockOrders(cycles []types.Cycle) []handoverPair {
	byLock := make(map[types.LockID][]types.Cycle)
	for _, c := range cycles {
		byLock[c.Lock] = append(byLock[c.Lock], c)
	}
	locks := make([]types.LockID, 0, len(byLock))
	for id := range byLock {
		locks = append(locks, id)
	}
	sort.Slice(locks, func(a, b int) bool {
		if locks[a].Site != locks[b].Site {
			return locks[a].Site < locks[b].Site
		}
		return locks[a].Instance < locks[b].Instance
	})

	var pairs []handoverPair
	for _, id := range locks {
		o := newHandoverOrders(byLock[id])
		for i := 0; i+1 < len(o.acquire); i++ {
			pairs = append(pairs, handoverPair{lock: o, pos: i})
		}
	}
	return pairs
}

// scanHandovers collects handover samples for pairs[lo:hi].
func scanHandovers(ctx context.Context, pairs []handoverPair, lo, hi int) (map[int][]int64, error) {
	samples := make(map[int][]int64)
	var o *handoverOrders
	cursor := 0
	for p := lo; p < hi; p++ {
		if (p-lo)%ctxCheckBins == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if pairs[p].lock != o {
			o, cursor = pairs[p].lock, 0
		}
		i := pairs[p].pos
		out := o.cycles[o.acquire[i]]
		next := o.cycles[o.acquire[i+1]]

		// cycles acquired before every remaining release can never contend again
		for cursor < len(o.attempt) && o.cycles[o.attempt[cursor]].Acquire <= o.minRel[i] {
			cursor++
		}

		contenders := 0
		for _, j := range o.attempt[cursor:] {
			c := o.cycles[j]
			if c.Attempt > out.Release {
				break
			}
			if c.Acquire > out.Release {
				contenders++
			}
		}
		samples[contenders] = append(samples[contenders], next.Acquire-out.Release)
	}
	return samples, nil
}

// ComputeHandover measures, for each release of a lock, the gap until the next acquire
// of the same lock, bucketed by how many cycles of that lock were waiting at the
// release. Samples of different locks are merged per level, in site/instance order.
// Levels 0..minLevels-1 are always present; empty levels report zero occurrences.
func ComputeHandover(ctx context.Context, pool *workers.Pool, cycles []types.Cycle, minLevels int) (types.HandoverStats, error) {
	if len(cycles) == 0 {
		return types.HandoverStats{}, &types.InvalidInputError{Field: "cycles", Reason: "empty cycle list"}
	}
	if minLevels < 0 {
		return types.HandoverStats{}, &types.InvalidInputError{Field: "levels", Reason: fmt.Sprintf("negative level count %d", minLevels)}
	}

	pairs := lockOrders(cycles)

	var parts []map[int][]int64
	if pool == nil {
		s, err := scanHandovers(ctx, pairs, 0, len(pairs))
		if err != nil {
			return types.HandoverStats{}, err
		}
		parts = append(parts, s)
	} else {
		var err error
		parts, err = workers.Map(ctx, pool, len(pairs), func(ctx context.Context, c workers.Chunk) (map[int][]int64, error) {
			return scanHandovers(ctx, pairs, c.Lo, c.Hi)
		})
		if err != nil {
			return types.HandoverStats{}, err
		}
	}

	samples := make(map[int][]int64)
	for _, part := range parts {
		for level, durations := range part {
			samples[level] = append(samples[level], durations...)
		}
	}
	for level := 0; level < minLevels; level++ {
		if _, ok := samples[level]; !ok {
			samples[level] = nil
		}
	}

	result := types.HandoverStats{Levels: make(map[int]types.HandoverLevel, len(samples)), Samples: samples}
	for level, durations := range samples {
		summary, err := summarizeHandover(durations)
		if err != nil {
			return types.HandoverStats{}, fmt.Errorf("failed to summarize level %d: %w", level, err)
		}
		result.Levels[level] = summary
	}
	return result, nil
}

func summarizeHandover(durations []int64) (types.HandoverLevel, error) {
	if len(durations) == 0 {
		return types.HandoverLevel{}, nil
	}
	data := make(stats.Float64Data, len(durations))
	lvl := types.HandoverLevel{Occur: len(durations), Min: durations[0], Max: durations[0]}
	for i, d := range durations {
		data[i] = float64(d)
		if d < lvl.Min {
			lvl.Min = d
		}
		if d > lvl.Max {
			lvl.Max = d
		}
	}
	var err error
	if lvl.Mean, err = data.Mean(); err != nil {
		return lvl, err
	}
	if lvl.Std, err = data.StandardDeviationPopulation(); err != nil {
		return lvl, err
	}
	return lvl, nil
}
