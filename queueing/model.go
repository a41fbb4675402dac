// Package queueing fits a closed machine-repair queueing model to lock measurements.
//
// NCore threads alternate between a parallel phase, exponentially distributed with mean
// ParallelTime, and a single shared lock held for a deterministic CriticalTime. The
// response time of the lock as seen by a thread follows from the probability p0 that
// the lock is idle.
package queueing

import (
	"fmt"
	"math"
	"math/big"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

// precision of the series arithmetic, in mantissa bits
const precision = 256

// maxExponent bounds the natural exponent of the largest blocking term, keeping it well
// inside the big.Float exponent range.
const maxExponent = 1e9

// Model is an immutable set of queueing parameters.
type Model struct {
	CriticalTime float64 `json:"criticalTime"`
	ParallelTime float64 `json:"parallelTime"`
	NCore        int     `json:"nCore"`
}

func (m Model) String() string {
	return fmt.Sprintf("critical=%g parallel=%g cores=%d", m.CriticalTime, m.ParallelTime, m.NCore)
}

// Params converts the model to its persisted form.
func (m Model) Params() types.ModelParams {
	return types.ModelParams{CriticalTime: m.CriticalTime, ParallelTime: m.ParallelTime, NCore: m.NCore}
}

// FromParams rebuilds a model from its persisted form.
func FromParams(p types.ModelParams) Model {
	return Model{CriticalTime: p.CriticalTime, ParallelTime: p.ParallelTime, NCore: p.NCore}
}

// IdealResponseTime is the response time with no lock overhead.
func (m Model) IdealResponseTime() (float64, error) {
	return ComputeResponseTime(m.CriticalTime, m.ParallelTime, m.NCore)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validate(parallel float64, nCore int) error {
	if !finite(parallel) || parallel <= 0 {
		return &types.InvalidInputError{Field: "parallel time", Reason: fmt.Sprintf("must be positive and finite, got %g", parallel)}
	}
	if nCore <= 0 {
		return &types.InvalidInputError{Field: "core count", Reason: fmt.Sprintf("must be positive, got %d", nCore)}
	}
	return nil
}

// ComputeResponseTime evaluates the mean lock response time of the machine-repair model.
//
// With y_i = i·critical/parallel the blocking terms are b(n) = Π_{i≤n} (e^{y_i} - 1), the
// idle probability is p0 = 1/(1+X) with X = N·critical·σ/parallel and
// σ = Σ_{n<N} C(N-1, n)·b(n), and the response time is N·critical/(1-p0) - parallel.
// The series runs in 256-bit floating point so that no term overflows.
func ComputeResponseTime(critical, parallel float64, nCore int) (float64, error) {
	if err := validate(parallel, nCore); err != nil {
		return 0, err
	}
	diverged := func(reason string, args ...any) error {
		return &types.ModelDivergenceError{CriticalTime: critical, ParallelTime: parallel, NCore: nCore, Reason: fmt.Sprintf(reason, args...)}
	}
	if !finite(critical) || critical <= 0 {
		return 0, diverged("critical time must be positive and finite")
	}
	ratio := critical / parallel
	// b(N-1) = Π e^{y_i} grows like e^{N(N-1)/2 · ratio}
	if exponent := float64(nCore) * float64(nCore-1) / 2 * ratio; exponent > maxExponent {
		return 0, diverged("series exponent %g out of range", exponent)
	}

	sigma := new(big.Float).SetPrec(precision).SetInt64(1)
	b := new(big.Float).SetPrec(precision).SetInt64(1)
	coeff := new(big.Float).SetPrec(precision)
	term := new(big.Float).SetPrec(precision)
	binom := new(big.Int)
	for n := 1; n < nCore; n++ {
		b.Mul(b, expm1(float64(n)*ratio))
		coeff.SetInt(binom.Binomial(int64(nCore-1), int64(n)))
		term.Mul(coeff, b)
		sigma.Add(sigma, term)
	}
	if sigma.IsInf() {
		return 0, diverged("blocking series is not finite")
	}

	// X = N·critical·σ/parallel, p0 = 1/(1+X)
	x := new(big.Float).SetPrec(precision).SetFloat64(float64(nCore) * ratio)
	x.Mul(x, sigma)
	p0 := new(big.Float).SetPrec(precision).SetInt64(1)
	p0.Quo(p0, new(big.Float).SetPrec(precision).Add(x, big.NewFloat(1)))
	idle, _ := p0.Float64()
	if !finite(idle) || idle <= 0 || idle >= 1 {
		return 0, diverged("idle probability %g outside (0, 1)", idle)
	}

	// N·critical/(1-p0) - parallel rewritten as N·critical + parallel/σ - parallel
	s, _ := sigma.Float64()
	resp := float64(nCore)*critical + parallel/s - parallel
	if !finite(resp) {
		return 0, diverged("response time is not finite")
	}
	return resp, nil
}

// expm1 returns e^y - 1 as a big.Float, past the float64 range of e^y if needed.
func expm1(y float64) *big.Float {
	z := new(big.Float).SetPrec(precision)
	if y < 700 {
		return z.SetFloat64(math.Expm1(y))
	}
	// e^y = 2^(y/ln2) = 2^k · 2^f
	k, f := math.Modf(y / math.Ln2)
	z.SetMantExp(new(big.Float).SetPrec(precision).SetFloat64(math.Exp2(f)), int(k))
	return z.Sub(z, big.NewFloat(1))
}

// SolveLockOverhead is the residual whose root is the per-acquisition overhead delta:
// the modelled response time with critical time critical+delta minus the measured one.
func SolveLockOverhead(delta float64, m Model, measured float64) (float64, error) {
	resp, err := ComputeResponseTime(m.CriticalTime+delta, m.ParallelTime, m.NCore)
	if err != nil {
		return 0, err
	}
	return resp - measured, nil
}
