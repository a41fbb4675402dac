package queueing

import (
	"context"
	"fmt"
	"math"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

const (
	// MaxIterations caps residual evaluations per solve, bracket search included.
	MaxIterations = 100
	// RelTolerance is the relative step size at which a solve is accepted.
	RelTolerance = 1e-9
)

// Solution is a fitted lock overhead.
type Solution struct {
	Delta      float64
	Iterations int
	Residual   float64
}

type solver struct {
	ctx      context.Context
	model    Model
	measured float64
	evals    int
	last     float64
	lastRes  float64
}

func (s *solver) eval(delta float64) (float64, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	if s.evals >= MaxIterations {
		return 0, &types.ConvergenceError{Iterations: s.evals, Last: s.last, Residual: s.lastRes}
	}
	s.evals++
	r, err := SolveLockOverhead(delta, s.model, s.measured)
	if err != nil {
		return 0, err
	}
	s.last, s.lastRes = delta, r
	return r, nil
}

// SolveOverhead finds delta with ComputeResponseTime(critical+delta) == measured.
//
// The residual is increasing in delta on (-critical, ∞) and tends to -measured at the
// lower end, so the solver brackets the root upward from guess and then runs secant
// steps, falling back to bisection whenever a step leaves the bracket or stalls.
func SolveOverhead(ctx context.Context, m Model, measured, guess float64) (Solution, error) {
	if err := validate(m.ParallelTime, m.NCore); err != nil {
		return Solution{}, err
	}
	if !finite(m.CriticalTime) || m.CriticalTime <= 0 {
		return Solution{}, &types.ModelDivergenceError{
			CriticalTime: m.CriticalTime, ParallelTime: m.ParallelTime, NCore: m.NCore,
			Reason: "critical time must be positive and finite",
		}
	}
	if !finite(measured) || measured <= 0 {
		return Solution{}, &types.InvalidInputError{Field: "measured response", Reason: fmt.Sprintf("must be positive and finite, got %g", measured)}
	}

	s := &solver{ctx: ctx, model: m, measured: measured}
	c := m.CriticalTime
	lo, flo := -c, -measured
	if !finite(guess) || guess <= lo {
		guess = 0
	}

	// bracket: grow hi until the residual turns non-negative
	hi := guess
	fhi, err := s.eval(hi)
	if err != nil {
		return Solution{}, err
	}
	step := math.Max(math.Abs(guess), c)
	for fhi < 0 {
		lo, flo = hi, fhi
		hi += step
		step *= 2
		if fhi, err = s.eval(hi); err != nil {
			return Solution{}, err
		}
	}
	if fhi == 0 {
		return Solution{Delta: hi, Iterations: s.evals}, nil
	}

	scale := func(x float64) float64 { return RelTolerance * math.Max(math.Abs(x), c) }
	prev, fprev := lo, flo
	x, fx := hi, fhi
	stalled := 0
	for {
		width := hi - lo
		next := x - fx*(x-prev)/(fx-fprev)
		if !finite(next) || next <= lo || next >= hi || stalled >= 2 {
			next = lo + width/2
			stalled = 0
		}
		fnext, err := s.eval(next)
		if err != nil {
			return Solution{}, err
		}
		if fnext == 0 || math.Abs(next-x) <= scale(next) {
			return Solution{Delta: next, Iterations: s.evals, Residual: fnext}, nil
		}
		if fnext < 0 {
			lo, flo = next, fnext
		} else {
			hi = next
		}
		if hi-lo > width/2 {
			stalled++
		} else {
			stalled = 0
		}
		if hi-lo <= scale(next) {
			return Solution{Delta: next, Iterations: s.evals, Residual: fnext}, nil
		}
		prev, fprev = x, fx
		x, fx = next, fnext
	}
}
