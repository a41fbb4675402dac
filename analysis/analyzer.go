// Package analysis runs the lock contention pipeline: trace parsing, cycle
// reconstruction, occupancy and handover statistics, and the queueing overhead fit.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bft-labs/lock-contention-analyzer/metrics"
	"github.com/bft-labs/lock-contention-analyzer/queueing"
	"github.com/bft-labs/lock-contention-analyzer/trace"
	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

const (
	DefaultBinWidth int64 = 1000
	DefaultPolicy         = types.PolicyStrictOverlap
)

// Analyzer holds the shared pool and defaults for every analysis it runs. It is safe for
// concurrent use.
type Analyzer struct {
	pool     *workers.Pool
	logger   *slog.Logger
	binWidth int64
	policy   types.OverlapPolicy
	matcher  metrics.OpMatcher
	grammar  metrics.SectionGrammar
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithBinWidth sets the bin width used when a request leaves it unset.
func WithBinWidth(w int64) Option {
	return func(a *Analyzer) { a.binWidth = w }
}

// WithPolicy sets the overlap policy used when a request leaves it unset.
func WithPolicy(p types.OverlapPolicy) Option {
	return func(a *Analyzer) { a.policy = p }
}

// WithOpMatcher sets the acquire and release names of two-phase traces.
func WithOpMatcher(m metrics.OpMatcher) Option {
	return func(a *Analyzer) { a.matcher = m }
}

// WithSectionGrammar sets the function names of four-phase sections.
func WithSectionGrammar(g metrics.SectionGrammar) Option {
	return func(a *Analyzer) { a.grammar = g }
}

// New creates an Analyzer. A nil logger discards log output.
func New(pool *workers.Pool, logger *slog.Logger, opts ...Option) (*Analyzer, error) {
	if pool == nil {
		return nil, &types.InvalidInputError{Field: "pool", Reason: "a worker pool is required"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Analyzer{
		pool:     pool,
		logger:   logger,
		binWidth: DefaultBinWidth,
		policy:   DefaultPolicy,
		matcher:  metrics.DefaultOpMatcher,
		grammar:  metrics.DefaultSectionGrammar,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.binWidth <= 0 {
		return nil, &types.InvalidInputError{Field: "bin width", Reason: fmt.Sprintf("must be positive, got %d", a.binWidth)}
	}
	if !a.policy.Valid() {
		return nil, &types.InvalidInputError{Field: "policy", Reason: fmt.Sprintf("unknown overlap policy %q", a.policy)}
	}
	return a, nil
}

// Pool returns the worker pool shared by every stage.
func (a *Analyzer) Pool() *workers.Pool { return a.pool }

// ParseTrace reads one trace log in the llvm-xray YAML line format.
func (a *Analyzer) ParseTrace(r io.Reader) ([]types.TraceEvent, error) {
	defer observeStage("parse", time.Now())
	return trace.ParseText(r)
}

// ParseFiles parses every file in order and concatenates the events.
func (a *Analyzer) ParseFiles(ctx context.Context, paths []string) ([]types.TraceEvent, error) {
	var events []types.TraceEvent
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evs, err := a.parseFile(path)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("parsed trace file", "path", path, "events", len(evs))
		events = append(events, evs...)
	}
	return events, nil
}

// parseFile reads path with the line parser and retries with the full YAML decoder
// when the file uses another YAML layout. The line parser's error is reported when
// both fail.
func (a *Analyzer) parseFile(path string) ([]types.TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file %s: %w", path, err)
	}
	defer f.Close()
	events, err := a.ParseTrace(f)
	if err == nil {
		return events, nil
	}
	if _, seekErr := f.Seek(0, io.SeekStart); seekErr == nil {
		start := time.Now()
		header, yamlEvents, yamlErr := trace.ParseYAML(f)
		observeStage("parse", start)
		if yamlErr == nil {
			a.logger.Debug("parsed trace as a YAML document", "path", path, "cycleFrequency", header.CycleFrequency)
			return yamlEvents, nil
		}
	}
	return nil, fmt.Errorf("failed to parse trace file %s: %w", path, err)
}

// ReconstructCycles pairs events into cycles, one thread group per pool task.
func (a *Analyzer) ReconstructCycles(ctx context.Context, events []types.TraceEvent, mode metrics.Mode) ([]types.Cycle, error) {
	defer observeStage("reconstruct", time.Now())
	return metrics.ReconstructCycles(ctx, events, mode,
		metrics.WithPool(a.pool),
		metrics.WithOpMatcher(a.matcher),
		metrics.WithSectionGrammar(a.grammar),
	)
}

// ComputeHistogram bins cycle lifetimes (attempt to deviate). Zero binWidth or an empty
// policy fall back to the analyzer defaults; window may be nil.
func (a *Analyzer) ComputeHistogram(ctx context.Context, cycles []types.Cycle, binWidth int64, policy types.OverlapPolicy, window *metrics.Window) (types.HistogramResult, error) {
	return a.ComputeHistogramOver(ctx, cycles, metrics.DurationInterval(), binWidth, policy, window)
}

// ComputeHistogramOver is ComputeHistogram over an arbitrary cycle interval, such as
// metrics.PossessionInterval for lock hold occupancy.
func (a *Analyzer) ComputeHistogramOver(ctx context.Context, cycles []types.Cycle, iv metrics.Interval[types.Cycle], binWidth int64, policy types.OverlapPolicy, window *metrics.Window) (types.HistogramResult, error) {
	defer observeStage("histogram", time.Now())
	if binWidth == 0 {
		binWidth = a.binWidth
	}
	if policy == "" {
		policy = a.policy
	}
	return metrics.ComputeHistogram(ctx, a.pool, cycles, iv, metrics.HistogramConfig{
		BinWidth: binWidth,
		Policy:   policy,
		Window:   window,
	})
}

// ComputeHandover reports handover latency per contention level, always including
// levels 0..minLevels-1.
func (a *Analyzer) ComputeHandover(ctx context.Context, cycles []types.Cycle, minLevels int) (types.HandoverStats, error) {
	defer observeStage("handover", time.Now())
	return metrics.ComputeHandover(ctx, a.pool, cycles, minLevels)
}

// SolveOverhead fits the per-acquisition overhead that explains the measured response.
func (a *Analyzer) SolveOverhead(ctx context.Context, m queueing.Model, measured float64) (queueing.Solution, error) {
	defer observeStage("overhead", time.Now())
	return queueing.SolveOverhead(ctx, m, measured, 0)
}

// Baseline derives the queueing model of a workload from an ideal-lock run: the mean
// possession is the critical time and the mean parallel span is the parallel time.
func (a *Analyzer) Baseline(report *types.Report, nCore int) (queueing.Model, error) {
	if report.Parallel == nil || report.Parallel.Count == 0 {
		return queueing.Model{}, &types.InvalidInputError{Field: "parallel", Reason: "baseline run has no parallel spans"}
	}
	if nCore <= 0 {
		return queueing.Model{}, &types.InvalidInputError{Field: "core count", Reason: fmt.Sprintf("must be positive, got %d", nCore)}
	}
	return queueing.Model{
		CriticalTime: report.Cycles.MeanPossession,
		ParallelTime: report.Parallel.Mean,
		NCore:        nCore,
	}, nil
}

// Request describes one measurement to analyse.
type Request struct {
	Params types.AnalysisParams
	// NCore is the thread count of the run; falls back to Model.NCore.
	NCore int
	// Model is the workload's calibrated model. When nil and the run carries parallel
	// spans, the run calibrates its own model.
	Model *queueing.Model
}

// SelectCycles reconstructs the lock cycles of events: parallel spans are set aside,
// the rest is paired per mode and restricted to the requested sites.
func (a *Analyzer) SelectCycles(ctx context.Context, events []types.TraceEvent, params types.AnalysisParams) ([]types.Cycle, error) {
	mode, err := metrics.ParseMode(params.Mode)
	if err != nil {
		return nil, err
	}
	locked := events
	if fn := params.ParallelFunction; fn != "" {
		_, locked = trace.SplitFunctions(events, fn)
	}
	cycles, err := a.ReconstructCycles(ctx, locked, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct cycles: %w", err)
	}
	cycles = metrics.FilterSites(cycles, params.Sites)
	if len(cycles) == 0 {
		return nil, &types.InvalidInputError{Field: "trace", Reason: "no lock cycles found"}
	}
	return cycles, nil
}

// Analyze runs the full pipeline on events. Model divergence and solver failures are
// recorded as an inconclusive overhead; every other error aborts.
func (a *Analyzer) Analyze(ctx context.Context, events []types.TraceEvent, req Request) (*types.Report, error) {
	report, _, err := a.AnalyzeWithCycles(ctx, events, req)
	return report, err
}

// AnalyzeWithCycles is Analyze that also returns the reconstructed cycles.
func (a *Analyzer) AnalyzeWithCycles(ctx context.Context, events []types.TraceEvent, req Request) (report *types.Report, cycles []types.Cycle, err error) {
	mode, err := metrics.ParseMode(req.Params.Mode)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	defer func() {
		analysisTotal.WithLabelValues(string(mode), outcomeLabel(err)).Inc()
		observeStage("total", start)
	}()

	nCore := req.NCore
	if nCore <= 0 && req.Model != nil {
		nCore = req.Model.NCore
	}

	if cycles, err = a.SelectCycles(ctx, events, req.Params); err != nil {
		return nil, nil, err
	}
	cyclesPerReport.Observe(float64(len(cycles)))

	report = &types.Report{Mode: string(mode), Events: len(events)}
	if report.Cycles, err = metrics.SummarizeCycles(cycles); err != nil {
		return nil, nil, err
	}
	if report.Histogram, err = a.ComputeHistogram(ctx, cycles, req.Params.BinWidth, req.Params.Policy, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to compute occupancy histogram: %w", err)
	}
	if report.Handover, err = a.ComputeHandover(ctx, cycles, nCore); err != nil {
		return nil, nil, fmt.Errorf("failed to compute handover: %w", err)
	}
	if nCore > 0 {
		fit, err := metrics.FitDistribution(report.Histogram.Histogram, nCore)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fit occupancy distribution: %w", err)
		}
		report.Distribution = &fit
	}

	if fn := req.Params.ParallelFunction; fn != "" {
		parallel, _ := trace.SplitFunctions(events, fn)
		spans, err := a.ReconstructCycles(ctx, parallel, metrics.ModeSpan)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reconstruct parallel spans: %w", err)
		}
		summary, err := metrics.SummarizeSpans(spans)
		if err != nil {
			return nil, nil, err
		}
		report.Parallel = &summary
	}

	model := req.Model
	if model == nil && report.Parallel != nil && nCore > 0 {
		m, err := a.Baseline(report, nCore)
		if err != nil {
			return nil, nil, err
		}
		model = &m
	}
	if report.Overhead, err = a.overhead(ctx, model, report.Cycles.MeanDuration); err != nil {
		return nil, nil, err
	}
	report.ComputedAt = time.Now().UTC().Truncate(time.Millisecond)

	a.logger.Info("analysis completed",
		"mode", mode,
		"events", report.Events,
		"cycles", report.Cycles.Count,
		"lambda", report.Histogram.Lambda,
		"overhead", report.Overhead.Status,
		"duration", time.Since(start),
	)
	return report, cycles, nil
}

func (a *Analyzer) overhead(ctx context.Context, model *queueing.Model, measured float64) (types.OverheadResult, error) {
	res := types.OverheadResult{MeasuredResponse: measured}
	if model == nil {
		res.Status = types.OverheadSkipped
		res.Reason = "no queueing model for this workload"
		overheadTotal.WithLabelValues(string(res.Status)).Inc()
		return res, nil
	}
	res.CriticalTime, res.ParallelTime, res.NCore = model.CriticalTime, model.ParallelTime, model.NCore

	inconclusive := func(err error) (types.OverheadResult, error) {
		a.logger.Warn("lock overhead fit inconclusive", "model", model.String(), "measured", measured, "error", err)
		res.Status = types.OverheadInconclusive
		res.Reason = err.Error()
		overheadTotal.WithLabelValues(string(res.Status)).Inc()
		return res, nil
	}

	ideal, err := model.IdealResponseTime()
	if err != nil {
		if types.IsInconclusive(err) {
			return inconclusive(err)
		}
		return types.OverheadResult{}, err
	}
	res.IdealResponse = ideal

	sol, err := a.SolveOverhead(ctx, *model, measured)
	if err != nil {
		var invalid *types.InvalidInputError
		if types.IsInconclusive(err) || errors.As(err, &invalid) {
			return inconclusive(err)
		}
		return types.OverheadResult{}, err
	}
	res.Status = types.OverheadSolved
	res.Delta = sol.Delta
	res.Iterations = sol.Iterations
	overheadTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}
