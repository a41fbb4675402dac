package types

import (
	"errors"
	"fmt"
)

// Sentinel errors usable as errors.Is targets for the typed errors below.
var (
	ErrParse           = errors.New("trace parse error")
	ErrStructural      = errors.New("structural invariant violated")
	ErrInvalidInput    = errors.New("invalid input")
	ErrModelDivergence = errors.New("queueing model diverged")
	ErrConvergence     = errors.New("root finder did not converge")
)

// ParseError reports a trace record that does not match the record schema.
type ParseError struct {
	Line   int    // 1-based line or record index
	Record string // offending line or record, verbatim
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at record %d: %s: %q", e.Line, e.Reason, e.Record)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// StructuralInvariantError reports a trace that parsed but cannot be paired into cycles:
// odd per-thread counts, mismatched lock ids, non-monotonic timestamps within a cycle.
type StructuralInvariantError struct {
	Thread int
	Index  int // position of the first offending event within the thread, -1 if not applicable
	Reason string
}

func (e *StructuralInvariantError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("thread %d: %s", e.Thread, e.Reason)
	}
	return fmt.Sprintf("thread %d, event %d: %s", e.Thread, e.Index, e.Reason)
}

func (e *StructuralInvariantError) Is(target error) bool { return target == ErrStructural }

// InvalidInputError is raised at the API boundary before any computation starts.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// ModelDivergenceError means the machine-repair series produced a non-finite or
// out-of-range idle probability for the given inputs.
type ModelDivergenceError struct {
	CriticalTime float64
	ParallelTime float64
	NCore        int
	Reason       string
}

func (e *ModelDivergenceError) Error() string {
	return fmt.Sprintf("model diverged (critical=%g parallel=%g cores=%d): %s",
		e.CriticalTime, e.ParallelTime, e.NCore, e.Reason)
}

func (e *ModelDivergenceError) Is(target error) bool { return target == ErrModelDivergence }

// ConvergenceError means the overhead solver ran out of iterations.
type ConvergenceError struct {
	Iterations int
	Last       float64
	Residual   float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("no convergence after %d iterations (last delta=%g, residual=%g)",
		e.Iterations, e.Last, e.Residual)
}

func (e *ConvergenceError) Is(target error) bool { return target == ErrConvergence }

// IsInconclusive reports whether err marks a single data point as inconclusive
// rather than a broken measurement. Batch callers log these and move on.
func IsInconclusive(err error) bool {
	return errors.Is(err, ErrModelDivergence) || errors.Is(err, ErrConvergence)
}
