package metrics

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

func callEvents(thread int, function string, lock types.LockID, enter, exit int64) []types.TraceEvent {
	return []types.TraceEvent{
		{Function: function, Thread: thread, Process: 1, Kind: types.KindEnterArg, TSC: enter, Arg: lock.Pack(), HasArg: true},
		{Function: function, Thread: thread, Process: 1, Kind: types.KindExit, TSC: exit},
	}
}

func twoPhaseEvents(thread int, lock types.LockID, attempt, acquire, release, deviate int64) []types.TraceEvent {
	evs := callEvents(thread, "mutex_enable", lock, attempt, acquire)
	return append(evs, callEvents(thread, "mutex_disable", lock, release, deviate)...)
}

func fourPhaseEvents(thread int, attempt, acquire, release, deviate int64) []types.TraceEvent {
	return []types.TraceEvent{
		{Function: "critical_section", Thread: thread, Process: 1, Kind: types.KindEnter, TSC: attempt},
		{Function: "critical_load", Thread: thread, Process: 1, Kind: types.KindEnter, TSC: acquire},
		{Function: "critical_load", Thread: thread, Process: 1, Kind: types.KindExit, TSC: release},
		{Function: "critical_section", Thread: thread, Process: 1, Kind: types.KindExit, TSC: deviate},
	}
}

func TestReconstructTwoPhase(t *testing.T) {
	a := types.LockID{Site: 1, Instance: 7}
	b := types.LockID{Site: 2, Instance: -3}
	var events []types.TraceEvent
	// nested: acquire a, acquire b, release b, release a
	events = append(events, callEvents(1, "mutex_enable", a, 10, 12)...)
	events = append(events, callEvents(1, "mutex_enable", b, 20, 25)...)
	events = append(events, callEvents(1, "mutex_disable", b, 30, 31)...)
	events = append(events, callEvents(1, "mutex_disable", a, 40, 44)...)
	// a second thread, delivered out of tsc order
	second := twoPhaseEvents(2, a, 50, 55, 60, 62)
	events = append(events, second[2], second[3], second[0], second[1])

	cycles, err := ReconstructCycles(context.Background(), events, ModeTwoPhase)
	if err != nil {
		t.Fatalf("ReconstructCycles failed: %v", err)
	}
	if len(cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(cycles))
	}
	inner := cycles[0]
	if inner.Lock != b || inner.Attempt != 20 || inner.Acquire != 25 || inner.Release != 30 || inner.Deviate != 31 {
		t.Fatalf("inner cycle is wrong: %v", inner)
	}
	if inner.Wait() != 5 || inner.Hold() != 5 || inner.Life() != 10 {
		t.Fatalf("derived durations are wrong: wait=%d hold=%d life=%d", inner.Wait(), inner.Hold(), inner.Life())
	}
	if cycles[1].Lock != a || cycles[1].Attempt != 10 || cycles[1].Deviate != 44 {
		t.Fatalf("outer cycle is wrong: %v", cycles[1])
	}
	if cycles[2].Thread != 2 || cycles[2].Attempt != 50 {
		t.Fatalf("second thread cycle is wrong: %v", cycles[2])
	}
}

func TestReconstructTwoPhaseErrors(t *testing.T) {
	a := types.LockID{Site: 1, Instance: 1}
	b := types.LockID{Site: 1, Instance: 2}

	mismatched := append(callEvents(1, "mutex_enable", a, 1, 2), callEvents(1, "mutex_disable", b, 3, 4)...)
	unreleased := callEvents(1, "mutex_enable", a, 1, 2)
	orphan := callEvents(1, "mutex_disable", a, 1, 2)
	odd := twoPhaseEvents(1, a, 1, 2, 3, 4)[:3]
	unknown := callEvents(1, "mutex_frob", a, 1, 2)
	zeroHold := twoPhaseEvents(1, a, 1, 5, 5, 6)

	tests := []struct {
		name   string
		events []types.TraceEvent
	}{
		{"mismatched ids", mismatched},
		{"never released", unreleased},
		{"release without acquire", orphan},
		{"odd count", odd},
		{"unknown op", unknown},
		{"zero hold", zeroHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycles, err := ReconstructCycles(context.Background(), tt.events, ModeTwoPhase)
			if !errors.Is(err, types.ErrStructural) {
				t.Fatalf("expected a structural error, got %v", err)
			}
			if cycles != nil {
				t.Fatalf("cycles returned alongside an error")
			}
		})
	}
}

func TestReconstructFourPhase(t *testing.T) {
	var events []types.TraceEvent
	events = append(events, fourPhaseEvents(3, 100, 110, 150, 155)...)
	events = append(events, fourPhaseEvents(3, 200, 230, 240, 241)...)
	events = append(events, fourPhaseEvents(4, 105, 150, 160, 170)...)

	cycles, err := ReconstructCycles(context.Background(), events, ModeFourPhase)
	if err != nil {
		t.Fatalf("ReconstructCycles failed: %v", err)
	}
	if len(cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(cycles))
	}
	if c := cycles[0]; c.Duration() != 55 || c.Possession() != 40 || c.Shape != types.ShapeFourPhase {
		t.Fatalf("first cycle is wrong: %v", c)
	}

	swapped := fourPhaseEvents(3, 1, 2, 3, 4)
	swapped[1].Function = "critical_section"
	if _, err := ReconstructCycles(context.Background(), swapped, ModeFourPhase); !errors.Is(err, types.ErrStructural) {
		t.Fatalf("role mismatch not detected: %v", err)
	}
	if _, err := ReconstructCycles(context.Background(), events[:6], ModeFourPhase); !errors.Is(err, types.ErrStructural) {
		t.Fatalf("partial group not detected: %v", err)
	}
}

func TestReconstructSpans(t *testing.T) {
	events := []types.TraceEvent{
		{Function: "parallel_work", Thread: 1, Process: 1, Kind: types.KindEnter, TSC: 0},
		{Function: "parallel_work", Thread: 1, Process: 1, Kind: types.KindExit, TSC: 30},
		{Function: "parallel_work", Thread: 1, Process: 1, Kind: types.KindEnter, TSC: 40},
		{Function: "parallel_work", Thread: 1, Process: 1, Kind: types.KindExit, TSC: 45},
	}
	cycles, err := ReconstructCycles(context.Background(), events, ModeSpan)
	if err != nil {
		t.Fatalf("ReconstructCycles failed: %v", err)
	}
	if len(cycles) != len(events)/2 || cycles[0].Duration() != 30 || cycles[1].Duration() != 5 {
		t.Fatalf("spans are wrong: %v", cycles)
	}
}

func TestReconstructUnknownMode(t *testing.T) {
	if _, err := ReconstructCycles(context.Background(), nil, Mode("three-phase")); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("unknown mode accepted: %v", err)
	}
}

// randomTrace builds per-thread sequences of non-overlapping sections with strictly
// increasing timestamps, then shuffles the whole trace.
func randomTrace(rng *rand.Rand, threads, perThread int, mode Mode) []types.TraceEvent {
	var events []types.TraceEvent
	for tid := 1; tid <= threads; tid++ {
		tsc := int64(rng.Intn(100))
		for i := 0; i < perThread; i++ {
			attempt := tsc + 1 + int64(rng.Intn(50))
			acquire := attempt + 1 + int64(rng.Intn(20))
			release := acquire + 1 + int64(rng.Intn(30))
			deviate := release + 1 + int64(rng.Intn(5))
			switch mode {
			case ModeTwoPhase:
				lock := types.LockID{Site: int32(rng.Intn(3)), Instance: int32(rng.Intn(5) - 2)}
				events = append(events, twoPhaseEvents(tid, lock, attempt, acquire, release, deviate)...)
			case ModeFourPhase:
				events = append(events, fourPhaseEvents(tid, attempt, acquire, release, deviate)...)
			}
			tsc = deviate
		}
	}
	rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
	return events
}

func TestReconstructProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool, _ := workers.NewPool(4)
	for round := 0; round < 50; round++ {
		threads := 1 + rng.Intn(6)
		perThread := 1 + rng.Intn(20)
		for _, mode := range []Mode{ModeTwoPhase, ModeFourPhase} {
			events := randomTrace(rng, threads, perThread, mode)
			cycles, err := ReconstructCycles(context.Background(), events, mode, WithPool(pool))
			if err != nil {
				t.Fatalf("round %d %s: %v", round, mode, err)
			}
			// both shapes consume four events per cycle
			if len(cycles) != len(events)/4 {
				t.Fatalf("round %d %s: %d cycles from %d events", round, mode, len(cycles), len(events))
			}
			for _, c := range cycles {
				if c.Attempt > c.Acquire || c.Acquire > c.Release || c.Release > c.Deviate ||
					c.Duration() <= 0 || c.Possession() <= 0 {
					t.Fatalf("round %d %s: invalid cycle %v", round, mode, c)
				}
			}
			sequential, err := ReconstructCycles(context.Background(), events, mode)
			if err != nil || len(sequential) != len(cycles) {
				t.Fatalf("round %d %s: sequential run differs", round, mode)
			}
			for i := range cycles {
				if cycles[i] != sequential[i] {
					t.Fatalf("round %d %s: cycle %d differs between pooled and sequential runs", round, mode, i)
				}
			}

			// dropping one event always breaks the per-thread count
			broken := append([]types.TraceEvent(nil), events[1:]...)
			if _, err := ReconstructCycles(context.Background(), broken, mode); !errors.Is(err, types.ErrStructural) {
				t.Fatalf("round %d %s: truncated trace accepted: %v", round, mode, err)
			}
		}
	}
}

func TestFilterSites(t *testing.T) {
	cycles := []types.Cycle{
		{Lock: types.LockID{Site: 0}}, {Lock: types.LockID{Site: 1}}, {Lock: types.LockID{Site: 2}},
	}
	if got := FilterSites(cycles, nil); len(got) != 3 {
		t.Fatalf("empty site list should keep everything")
	}
	got := FilterSites(cycles, []int32{0, 2})
	if len(got) != 2 || got[0].Lock.Site != 0 || got[1].Lock.Site != 2 {
		t.Fatalf("FilterSites returned %v", got)
	}
}
