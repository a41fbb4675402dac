package metrics

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

func TestHandoverLevels(t *testing.T) {
	cycles := []types.Cycle{
		{Attempt: 25, Acquire: 34, Release: 40, Deviate: 41},
		{Attempt: 0, Acquire: 1, Release: 10, Deviate: 11},
		{Attempt: 5, Acquire: 23, Release: 30, Deviate: 31},
		{Attempt: 2, Acquire: 12, Release: 20, Deviate: 21},
	}
	res, err := ComputeHandover(context.Background(), nil, cycles, 4)
	if err != nil {
		t.Fatalf("ComputeHandover failed: %v", err)
	}

	if got := res.SortedLevels(); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Fatalf("levels = %v", got)
	}
	// two waiters when the first holder releases at 10
	if l := res.Levels[2]; l.Occur != 1 || l.Mean != 2 || l.Std != 0 {
		t.Fatalf("level 2 = %+v", l)
	}
	if l := res.Levels[1]; l.Occur != 2 || l.Mean != 3.5 || l.Std != 0.5 || l.Min != 3 || l.Max != 4 {
		t.Fatalf("level 1 = %+v", l)
	}
	for _, level := range []int{0, 3} {
		if l := res.Levels[level]; l != (types.HandoverLevel{}) {
			t.Fatalf("empty level %d = %+v", level, l)
		}
	}
}

func TestHandoverEdgeCases(t *testing.T) {
	if _, err := ComputeHandover(context.Background(), nil, nil, 2); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("empty input accepted: %v", err)
	}
	res, err := ComputeHandover(context.Background(), nil, []types.Cycle{{Attempt: 0, Acquire: 1, Release: 2, Deviate: 3}}, 2)
	if err != nil {
		t.Fatalf("single cycle failed: %v", err)
	}
	for level, l := range res.Levels {
		if l.Occur != 0 || math.IsNaN(l.Mean) || math.IsNaN(l.Std) {
			t.Fatalf("level %d of a single cycle = %+v", level, l)
		}
	}
}

func randomCycles(rng *rand.Rand, n, locks int) []types.Cycle {
	cycles := make([]types.Cycle, n)
	for i := range cycles {
		attempt := int64(rng.Intn(50000))
		acquire := attempt + int64(rng.Intn(400))
		release := acquire + 1 + int64(rng.Intn(200))
		lock := types.LockID{Site: int32(rng.Intn(locks)), Instance: 1}
		cycles[i] = types.Cycle{Lock: lock, Attempt: attempt, Acquire: acquire, Release: release, Deviate: release + 1}
	}
	return cycles
}

func bruteForceHandover(cycles []types.Cycle) map[int][]int64 {
	var locks []types.LockID
	seen := make(map[types.LockID]bool)
	for _, c := range cycles {
		if !seen[c.Lock] {
			seen[c.Lock] = true
			locks = append(locks, c.Lock)
		}
	}
	sort.Slice(locks, func(a, b int) bool {
		if locks[a].Site != locks[b].Site {
			return locks[a].Site < locks[b].Site
		}
		return locks[a].Instance < locks[b].Instance
	})

	samples := make(map[int][]int64)
	for _, id := range locks {
		var same []types.Cycle
		for _, c := range cycles {
			if c.Lock == id {
				same = append(same, c)
			}
		}
		sort.SliceStable(same, func(a, b int) bool { return same[a].Acquire < same[b].Acquire })
		for i := 0; i+1 < len(same); i++ {
			out := same[i]
			level := 0
			for _, c := range same {
				if c.Attempt <= out.Release && c.Acquire > out.Release {
					level++
				}
			}
			samples[level] = append(samples[level], same[i+1].Acquire-out.Release)
		}
	}
	return samples
}

// exclusiveCycles builds locks whose holds never overlap, with waiters attempting
// while an earlier holder still owns the lock. Sites start at 10.
func exclusiveCycles(rng *rand.Rand, locks, perLock int) []types.Cycle {
	var cycles []types.Cycle
	for l := 0; l < locks; l++ {
		id := types.LockID{Site: int32(10 + l), Instance: 1}
		release := int64(rng.Intn(100))
		for k := 0; k < perLock; k++ {
			acquire := release + int64(rng.Intn(20))
			attempt := acquire - int64(rng.Intn(60))
			release = acquire + 1 + int64(rng.Intn(30))
			cycles = append(cycles, types.Cycle{Lock: id, Attempt: attempt, Acquire: acquire, Release: release, Deviate: release + 1})
		}
	}
	return cycles
}

func TestHandoverPerLock(t *testing.T) {
	a := types.LockID{Site: 0, Instance: 1}
	b := types.LockID{Site: 1, Instance: 2}
	cycles := []types.Cycle{
		{Lock: a, Attempt: 0, Acquire: 1, Release: 10, Deviate: 11},
		{Lock: b, Attempt: 2, Acquire: 3, Release: 8, Deviate: 9},
		{Lock: a, Attempt: 4, Acquire: 12, Release: 15, Deviate: 16},
		{Lock: b, Attempt: 5, Acquire: 11, Release: 14, Deviate: 15},
	}
	res, err := ComputeHandover(context.Background(), nil, cycles, 0)
	if err != nil {
		t.Fatalf("ComputeHandover failed: %v", err)
	}
	// the waiter on b does not count against a's release at 10
	want := map[int][]int64{1: {2, 3}}
	if !reflect.DeepEqual(res.Samples, want) {
		t.Fatalf("samples = %v, want %v", res.Samples, want)
	}

	cycles = append(cycles, exclusiveCycles(rand.New(rand.NewSource(11)), 4, 200)...)
	pool, _ := workers.NewPool(4)
	res, err = ComputeHandover(context.Background(), pool, cycles, 0)
	if err != nil {
		t.Fatalf("ComputeHandover failed: %v", err)
	}
	for level, durations := range res.Samples {
		for _, d := range durations {
			if d < 0 {
				t.Fatalf("negative handover %d at level %d", d, level)
			}
		}
	}
}

func TestHandoverPartitionInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 10; round++ {
		cycles := randomCycles(rng, 100+rng.Intn(400), 1+round%3)
		want := bruteForceHandover(cycles)

		reference, err := ComputeHandover(context.Background(), nil, cycles, 0)
		if err != nil {
			t.Fatalf("sequential run failed: %v", err)
		}
		if !reflect.DeepEqual(reference.Samples, want) {
			t.Fatalf("round %d: cursor scan differs from brute force", round)
		}
		for _, size := range []int{1, 2, 8} {
			pool, _ := workers.NewPool(size)
			got, err := ComputeHandover(context.Background(), pool, cycles, 0)
			if err != nil {
				t.Fatalf("pool of %d failed: %v", size, err)
			}
			if !reflect.DeepEqual(got.Levels, reference.Levels) || !reflect.DeepEqual(got.Samples, reference.Samples) {
				t.Fatalf("round %d: pool of %d differs from the sequential result", round, size)
			}
		}
	}
}
