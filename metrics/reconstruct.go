package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

// Mode selects how trace events are paired into cycles.
type Mode string

const (
	// ModeTwoPhase pairs acquire and release calls on a per-thread stack.
	ModeTwoPhase Mode = "two-phase"
	// ModeFourPhase groups events in runs of four: outer enter, inner enter, inner exit, outer exit.
	ModeFourPhase Mode = "four-phase"
	// ModeSpan pairs consecutive enter/exit events of the same function.
	ModeSpan Mode = "span"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeTwoPhase, ModeFourPhase, ModeSpan:
		return m, nil
	}
	return "", &types.InvalidInputError{Field: "mode", Reason: fmt.Sprintf("unknown reconstruction mode %q", s)}
}

// OpMatcher classifies two-phase calls by function name substrings.
type OpMatcher struct {
	Acquire string
	Release string
}

// DefaultOpMatcher matches the lock wrappers emitted by the lock insertion pass.
var DefaultOpMatcher = OpMatcher{Acquire: "enable", Release: "disable"}

type opClass int

const (
	opOther opClass = iota
	opAcquire
	opRelease
)

func (m OpMatcher) classify(function string) opClass {
	// release first: a release name may embed the acquire substring
	switch {
	case strings.Contains(function, m.Release):
		return opRelease
	case strings.Contains(function, m.Acquire):
		return opAcquire
	}
	return opOther
}

// SectionGrammar names the outer and inner functions of a four-phase critical section.
type SectionGrammar struct {
	Outer string
	Inner string
}

// DefaultSectionGrammar matches the section wrappers of the instrumented benchmarks.
var DefaultSectionGrammar = SectionGrammar{Outer: "critical_section", Inner: "critical_load"}

// Option tunes ReconstructCycles.
type Option func(*reconstructor)

// WithOpMatcher overrides DefaultOpMatcher.
func WithOpMatcher(m OpMatcher) Option {
	return func(r *reconstructor) { r.ops = m }
}

// WithSectionGrammar overrides DefaultSectionGrammar.
func WithSectionGrammar(g SectionGrammar) Option {
	return func(r *reconstructor) { r.grammar = g }
}

// WithPool reconstructs thread groups concurrently on p.
func WithPool(p *workers.Pool) Option {
	return func(r *reconstructor) { r.pool = p }
}

type reconstructor struct {
	mode    Mode
	ops     OpMatcher
	grammar SectionGrammar
	pool    *workers.Pool
}

// ThreadGroup is the events of one thread sorted by tsc.
type ThreadGroup struct {
	Thread int
	Events []types.TraceEvent
}

// GroupByThread splits events by thread id and stably sorts each group by tsc. Groups are
// returned in ascending thread id order.
func GroupByThread(events []types.TraceEvent) []ThreadGroup {
	byThread := make(map[int][]types.TraceEvent)
	for _, ev := range events {
		byThread[ev.Thread] = append(byThread[ev.Thread], ev)
	}
	groups := make([]ThreadGroup, 0, len(byThread))
	for tid, evs := range byThread {
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].TSC < evs[j].TSC })
		groups = append(groups, ThreadGroup{Thread: tid, Events: evs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Thread < groups[j].Thread })
	return groups
}

// ReconstructCycles pairs trace events into cycles. Any structural problem aborts the
// whole reconstruction and no cycles are returned.
func ReconstructCycles(ctx context.Context, events []types.TraceEvent, mode Mode, opts ...Option) ([]types.Cycle, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	r := &reconstructor{mode: mode, ops: DefaultOpMatcher, grammar: DefaultSectionGrammar}
	for _, opt := range opts {
		opt(r)
	}

	groups := GroupByThread(events)
	perThread := make([][]types.Cycle, len(groups))

	if r.pool == nil {
		for i, g := range groups {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			cycles, err := r.thread(g)
			if err != nil {
				return nil, err
			}
			perThread[i] = cycles
		}
	} else {
		err := r.pool.Run(ctx, len(groups), func(_ context.Context, i int) error {
			cycles, err := r.thread(groups[i])
			if err != nil {
				return err
			}
			perThread[i] = cycles
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var all []types.Cycle
	for _, cycles := range perThread {
		all = append(all, cycles...)
	}
	return all, nil
}

func (r *reconstructor) thread(g ThreadGroup) ([]types.Cycle, error) {
	switch r.mode {
	case ModeTwoPhase:
		return r.twoPhase(g)
	case ModeFourPhase:
		return r.fourPhase(g)
	default:
		return r.spans(g)
	}
}

func structural(tid, index int, format string, args ...any) error {
	return &types.StructuralInvariantError{Thread: tid, Index: index, Reason: fmt.Sprintf(format, args...)}
}

// call is one folded enter/exit pair of a lock wrapper.
type call struct {
	index    int
	function string
	lock     types.LockID
	process  int
	enter    int64
	exit     int64
}

func (r *reconstructor) twoPhase(g ThreadGroup) ([]types.Cycle, error) {
	evs := g.Events
	if len(evs)%2 != 0 {
		return nil, structural(g.Thread, -1, "odd event count %d", len(evs))
	}

	var stack []call
	var cycles []types.Cycle
	for i := 0; i < len(evs); i += 2 {
		enter, exit := evs[i], evs[i+1]
		if !enter.HasArg || !enter.Kind.IsEntry() {
			return nil, structural(g.Thread, i, "expected an entry carrying a lock id, got %s", enter)
		}
		if exit.Kind != types.KindExit || exit.Function != enter.Function {
			return nil, structural(g.Thread, i+1, "expected exit of %s, got %s", enter.Function, exit)
		}
		if enter.Process != exit.Process {
			return nil, structural(g.Thread, i+1, "call of %s spans processes %d and %d", enter.Function, enter.Process, exit.Process)
		}
		lock, _ := enter.Lock()
		c := call{index: i, function: enter.Function, lock: lock, process: enter.Process, enter: enter.TSC, exit: exit.TSC}

		switch r.ops.classify(c.function) {
		case opAcquire:
			stack = append(stack, c)
		case opRelease:
			if len(stack) == 0 {
				return nil, structural(g.Thread, i, "release of %s with no outstanding acquire", c.lock)
			}
			acq := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if acq.lock != c.lock {
				return nil, structural(g.Thread, i, "release of %s does not match acquire of %s", c.lock, acq.lock)
			}
			if acq.process != c.process {
				return nil, structural(g.Thread, i, "acquire and release of %s in processes %d and %d", c.lock, acq.process, c.process)
			}
			cycle := types.Cycle{
				Shape:    types.ShapeTwoPhase,
				Lock:     c.lock,
				Function: acq.function,
				Thread:   g.Thread,
				Process:  c.process,
				Attempt:  acq.enter,
				Acquire:  acq.exit,
				Release:  c.enter,
				Deviate:  c.exit,
			}
			if err := cycle.Validate(); err != nil {
				return nil, structural(g.Thread, acq.index, "%v", err)
			}
			cycles = append(cycles, cycle)
		default:
			return nil, structural(g.Thread, i, "%s is neither an acquire nor a release", c.function)
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return nil, structural(g.Thread, top.index, "%d acquires never released, last on %s", len(stack), top.lock)
	}
	return cycles, nil
}

func (r *reconstructor) fourPhase(g ThreadGroup) ([]types.Cycle, error) {
	evs := g.Events
	if len(evs)%4 != 0 {
		return nil, structural(g.Thread, -1, "event count %d is not a multiple of 4", len(evs))
	}

	roles := [4]struct {
		function string
		entry    bool
	}{
		{r.grammar.Outer, true},
		{r.grammar.Inner, true},
		{r.grammar.Inner, false},
		{r.grammar.Outer, false},
	}

	cycles := make([]types.Cycle, 0, len(evs)/4)
	for i := 0; i < len(evs); i += 4 {
		for off, role := range roles {
			ev := evs[i+off]
			if ev.Function != role.function || ev.Kind.IsEntry() != role.entry {
				return nil, structural(g.Thread, i+off, "offset %d expects %s %s, got %s",
					off, role.function, map[bool]string{true: "entry", false: "exit"}[role.entry], ev)
			}
			if ev.Process != evs[i].Process {
				return nil, structural(g.Thread, i+off, "section spans processes %d and %d", evs[i].Process, ev.Process)
			}
		}
		cycle := types.Cycle{
			Shape:    types.ShapeFourPhase,
			Function: evs[i].Function,
			Thread:   g.Thread,
			Process:  evs[i].Process,
			Attempt:  evs[i].TSC,
			Acquire:  evs[i+1].TSC,
			Release:  evs[i+2].TSC,
			Deviate:  evs[i+3].TSC,
		}
		if lock, ok := evs[i].Lock(); ok {
			cycle.Lock = lock
		} else if lock, ok := evs[i+1].Lock(); ok {
			cycle.Lock = lock
		}
		if err := cycle.Validate(); err != nil {
			return nil, structural(g.Thread, i, "%v", err)
		}
		cycles = append(cycles, cycle)
	}
	return cycles, nil
}

func (r *reconstructor) spans(g ThreadGroup) ([]types.Cycle, error) {
	evs := g.Events
	if len(evs)%2 != 0 {
		return nil, structural(g.Thread, -1, "odd event count %d", len(evs))
	}
	cycles := make([]types.Cycle, 0, len(evs)/2)
	for i := 0; i < len(evs); i += 2 {
		enter, exit := evs[i], evs[i+1]
		if !enter.Kind.IsEntry() || exit.Kind != types.KindExit || enter.Function != exit.Function {
			return nil, structural(g.Thread, i, "expected enter/exit of one function, got %s then %s", enter, exit)
		}
		if enter.Process != exit.Process {
			return nil, structural(g.Thread, i, "span of %s crosses processes %d and %d", enter.Function, enter.Process, exit.Process)
		}
		if exit.TSC <= enter.TSC {
			return nil, structural(g.Thread, i, "span of %s has non-positive length %d", enter.Function, exit.TSC-enter.TSC)
		}
		lock, _ := enter.Lock()
		cycles = append(cycles, types.Cycle{
			Shape:    types.ShapeSpan,
			Lock:     lock,
			Function: enter.Function,
			Thread:   g.Thread,
			Process:  enter.Process,
			Attempt:  enter.TSC,
			Acquire:  enter.TSC,
			Release:  exit.TSC,
			Deviate:  exit.TSC,
		})
	}
	return cycles, nil
}

// FilterSites keeps the cycles whose lock site is listed. An empty list keeps everything.
func FilterSites(cycles []types.Cycle, sites []int32) []types.Cycle {
	if len(sites) == 0 {
		return cycles
	}
	keep := make(map[int32]bool, len(sites))
	for _, s := range sites {
		keep[s] = true
	}
	var out []types.Cycle
	for _, c := range cycles {
		if keep[c.Lock.Site] {
			out = append(out, c)
		}
	}
	return out
}
