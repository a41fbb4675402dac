package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bft-labs/lock-contention-analyzer/metrics"
	"github.com/bft-labs/lock-contention-analyzer/queueing"
	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

type traceBuilder struct {
	strings.Builder
}

func (b *traceBuilder) event(function string, thread int, kind string, tsc int64) {
	fmt.Fprintf(b, "  - { type: 0, func-id: 1, function: %s, cpu: 0, thread: %d, process: 1, kind: function-%s, tsc: %d, data: '' }\n",
		function, thread, kind, tsc)
}

func (b *traceBuilder) section(thread int, attempt, acquire, release, deviate int64) {
	b.event("critical_section", thread, "enter", attempt)
	b.event("critical_load", thread, "enter", acquire)
	b.event("critical_load", thread, "exit", release)
	b.event("critical_section", thread, "exit", deviate)
}

func (b *traceBuilder) parallel(thread int, enter, exit int64) {
	b.event("parallel_work", thread, "enter", enter)
	b.event("parallel_work", thread, "exit", exit)
}

// baselineTrace is two threads alternating four-phase sections and parallel spans.
func baselineTrace() string {
	var b traceBuilder
	b.WriteString("---\nrecords:\n")
	b.section(1, 0, 2, 8, 10)
	b.section(2, 5, 9, 15, 20)
	b.parallel(1, 11, 29)
	b.parallel(2, 21, 35)
	b.section(1, 30, 31, 37, 40)
	b.section(2, 36, 39, 45, 50)
	b.WriteString("...\n")
	return b.String()
}

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	pool, err := workers.NewPool(4)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	a, err := New(pool, nil, WithBinWidth(5))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestAnalyzeBaseline(t *testing.T) {
	a := newTestAnalyzer(t)
	events, err := a.ParseTrace(strings.NewReader(baselineTrace()))
	if err != nil {
		t.Fatalf("ParseTrace failed: %v", err)
	}

	report, err := a.Analyze(context.Background(), events, Request{
		Params: types.AnalysisParams{Mode: "four-phase", ParallelFunction: "parallel"},
		NCore:  2,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if report.Events != 20 || report.Cycles.Count != 4 || report.Cycles.Threads != 2 {
		t.Fatalf("unexpected counts: events=%d cycles=%+v", report.Events, report.Cycles)
	}
	if report.Cycles.MeanPossession != 6 || report.Cycles.MeanDuration != 12.25 {
		t.Fatalf("cycle summary = %+v", report.Cycles)
	}
	if report.Parallel == nil || report.Parallel.Count != 2 || report.Parallel.Mean != 16 {
		t.Fatalf("parallel summary = %+v", report.Parallel)
	}
	if report.Histogram.BinWidth != 5 || report.Histogram.Policy != types.PolicyStrictOverlap || report.Histogram.Lambda <= 0 {
		t.Fatalf("histogram = %+v", report.Histogram)
	}
	for _, level := range []int{0, 1} {
		if _, ok := report.Handover.Levels[level]; !ok {
			t.Fatalf("handover level %d missing: %v", level, report.Handover.Levels)
		}
	}
	if report.Distribution == nil || report.Distribution.BinomialTrials != 2 {
		t.Fatalf("distribution = %+v", report.Distribution)
	}

	o := report.Overhead
	if o.Status != types.OverheadSolved {
		t.Fatalf("overhead = %+v", o)
	}
	if o.CriticalTime != 6 || o.ParallelTime != 16 || o.NCore != 2 || o.MeasuredResponse != 12.25 {
		t.Fatalf("overhead model = %+v", o)
	}
	resp, err := queueing.ComputeResponseTime(o.CriticalTime+o.Delta, o.ParallelTime, o.NCore)
	if err != nil || math.Abs(resp-o.MeasuredResponse) > 1e-6 {
		t.Fatalf("fitted delta %g gives response %g (%v), want %g", o.Delta, resp, err, o.MeasuredResponse)
	}
	if report.ComputedAt.IsZero() {
		t.Fatalf("ComputedAt not set")
	}

	model, err := a.Baseline(report, 2)
	if err != nil || model != (queueing.Model{CriticalTime: 6, ParallelTime: 16, NCore: 2}) {
		t.Fatalf("Baseline = %v, %v", model, err)
	}
}

func TestAnalyzeOverheadStatus(t *testing.T) {
	a := newTestAnalyzer(t)
	events, err := a.ParseTrace(strings.NewReader(baselineTrace()))
	if err != nil {
		t.Fatalf("ParseTrace failed: %v", err)
	}
	params := types.AnalysisParams{Mode: "four-phase", ParallelFunction: "parallel"}

	tests := []struct {
		name  string
		req   Request
		want  types.OverheadStatus
		nCore int
	}{
		{"no model", Request{Params: types.AnalysisParams{Mode: "four-phase", ParallelFunction: "parallel"}}, types.OverheadSkipped, 0},
		{"candidate model", Request{Params: params, Model: &queueing.Model{CriticalTime: 5, ParallelTime: 16, NCore: 2}}, types.OverheadSolved, 2},
		{"diverging model", Request{Params: params, Model: &queueing.Model{CriticalTime: 1, ParallelTime: 1, NCore: 128}}, types.OverheadInconclusive, 128},
		{"fit out of iterations", Request{Params: params, Model: &queueing.Model{CriticalTime: 1e-30, ParallelTime: 1e-15, NCore: 1}}, types.OverheadInconclusive, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := a.Analyze(context.Background(), events, tt.req)
			if err != nil {
				t.Fatalf("Analyze failed: %v", err)
			}
			if report.Overhead.Status != tt.want {
				t.Fatalf("overhead = %+v, want status %s", report.Overhead, tt.want)
			}
			if tt.want != types.OverheadSolved && report.Overhead.Reason == "" {
				t.Fatalf("non-solved overhead has no reason")
			}
			if len(report.Handover.Levels) < tt.nCore {
				t.Fatalf("expected at least %d handover levels, got %d", tt.nCore, len(report.Handover.Levels))
			}
		})
	}
}

func TestAnalyzeErrors(t *testing.T) {
	a := newTestAnalyzer(t)
	events, err := a.ParseTrace(strings.NewReader(baselineTrace()))
	if err != nil {
		t.Fatalf("ParseTrace failed: %v", err)
	}

	tests := []struct {
		name   string
		events []types.TraceEvent
		params types.AnalysisParams
		target error
	}{
		{"unknown mode", events, types.AnalysisParams{Mode: "three-phase"}, types.ErrInvalidInput},
		// parallel spans left in break the four-phase grammar
		{"structural", events, types.AnalysisParams{Mode: "four-phase"}, types.ErrStructural},
		{"no cycles", nil, types.AnalysisParams{Mode: "span"}, types.ErrInvalidInput},
		{"bad policy", events, types.AnalysisParams{Mode: "four-phase", ParallelFunction: "parallel", Policy: "fuzzy"}, types.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := a.Analyze(context.Background(), tt.events, Request{Params: tt.params, NCore: 2})
			if !errors.Is(err, tt.target) {
				t.Fatalf("got %v, want %v", err, tt.target)
			}
			if report != nil {
				t.Fatalf("report returned alongside a fatal error")
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Analyze(ctx, events, Request{Params: types.AnalysisParams{Mode: "four-phase", ParallelFunction: "parallel"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled analysis returned %v", err)
	}
}

func TestParseFiles(t *testing.T) {
	a := newTestAnalyzer(t)
	dir := t.TempDir()
	var paths []string
	for i, content := range []string{baselineTrace(), "---\nrecords:\n...\n"} {
		path := filepath.Join(dir, fmt.Sprintf("trace-%d.yaml", i))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		paths = append(paths, path)
	}

	events, err := a.ParseFiles(context.Background(), paths)
	if err != nil {
		t.Fatalf("ParseFiles failed: %v", err)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("not a trace\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := a.ParseFiles(context.Background(), []string{paths[0], bad}); !errors.Is(err, types.ErrParse) {
		t.Fatalf("bad file returned %v", err)
	}
}

func TestWindowedHistogram(t *testing.T) {
	a := newTestAnalyzer(t)
	cycles := []types.Cycle{
		{Attempt: 0, Acquire: 1, Release: 9, Deviate: 10},
		{Attempt: 20, Acquire: 21, Release: 29, Deviate: 30},
	}
	full, err := a.ComputeHistogram(context.Background(), cycles, 0, "", nil)
	if err != nil {
		t.Fatalf("ComputeHistogram failed: %v", err)
	}
	if full.Bins != 6 || full.Histogram[1] != 4 || full.Histogram[0] != 2 {
		t.Fatalf("full histogram = %+v", full)
	}
	part, err := a.ComputeHistogram(context.Background(), cycles, 5, types.PolicyStrictOverlap, &metrics.Window{From: 10, To: 20})
	if err != nil {
		t.Fatalf("windowed ComputeHistogram failed: %v", err)
	}
	if part.Bins != 2 || part.Histogram[0] != 2 {
		t.Fatalf("windowed histogram = %+v", part)
	}
}

func TestNewValidation(t *testing.T) {
	pool, _ := workers.NewPool(1)
	if _, err := New(nil, nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("nil pool accepted: %v", err)
	}
	if _, err := New(pool, nil, WithBinWidth(-1)); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("negative bin width accepted: %v", err)
	}
	if _, err := New(pool, nil, WithPolicy("nope")); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("unknown policy accepted: %v", err)
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&types.ParseError{Line: 1}, "parse_error"},
		{fmt.Errorf("wrapped: %w", &types.StructuralInvariantError{}), "structural_error"},
		{&types.InvalidInputError{}, "invalid_input"},
		{&types.ConvergenceError{}, "inconclusive"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestParseFilesBlockYAML(t *testing.T) {
	a := newTestAnalyzer(t)
	var b strings.Builder
	b.WriteString("---\nheader:\n  version: 1\n  type: 0\n  constant-tsc: true\n  nonstop-tsc: true\n  cycle-frequency: 2400000000\nrecords:\n")
	for i, fn := range []string{"critical_section", "critical_load", "critical_load", "critical_section"} {
		kind := "function-enter"
		if i >= 2 {
			kind = "function-exit"
		}
		fmt.Fprintf(&b, "  - type: 0\n    func-id: 1\n    function: %s\n    cpu: 0\n    thread: 7\n    process: 1\n    kind: %s\n    tsc: %d\n    data: ''\n",
			fn, kind, 10*(i+1))
	}
	b.WriteString("...\n")

	path := filepath.Join(t.TempDir(), "block.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	events, err := a.ParseFiles(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("ParseFiles failed: %v", err)
	}
	if len(events) != 4 || events[3].TSC != 40 || events[0].Thread != 7 {
		t.Fatalf("events = %v", events)
	}
	cycles, err := a.SelectCycles(context.Background(), events, types.AnalysisParams{Mode: "four-phase"})
	if err != nil || len(cycles) != 1 {
		t.Fatalf("SelectCycles = %v, %v", cycles, err)
	}
	if c := cycles[0]; c.Attempt != 10 || c.Acquire != 20 || c.Release != 30 || c.Deviate != 40 {
		t.Fatalf("cycle = %+v", c)
	}
}

func TestPossessionHistogram(t *testing.T) {
	a := newTestAnalyzer(t)
	cycles := []types.Cycle{
		{Attempt: 0, Acquire: 5, Release: 10, Deviate: 12},
		{Attempt: 0, Acquire: 10, Release: 15, Deviate: 20},
	}
	whole, err := a.ComputeHistogram(context.Background(), cycles, 5, types.PolicyStrictOverlap, nil)
	if err != nil {
		t.Fatalf("ComputeHistogram failed: %v", err)
	}
	held, err := a.ComputeHistogramOver(context.Background(), cycles, metrics.PossessionInterval(), 5, types.PolicyStrictOverlap, nil)
	if err != nil {
		t.Fatalf("ComputeHistogramOver failed: %v", err)
	}
	if held.Start != 5 || whole.Start != 0 {
		t.Fatalf("histograms start at %d and %d", held.Start, whole.Start)
	}
	if held.Lambda >= whole.Lambda {
		t.Fatalf("hold occupancy %g not below duration occupancy %g", held.Lambda, whole.Lambda)
	}
}
