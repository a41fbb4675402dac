package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/bft-labs/lock-contention-analyzer/analysis"
	"github.com/bft-labs/lock-contention-analyzer/cache"
	"github.com/bft-labs/lock-contention-analyzer/db"
	"github.com/bft-labs/lock-contention-analyzer/queueing"
	"github.com/bft-labs/lock-contention-analyzer/types"
)

// writeBackTimeout bounds the final status update, which runs even after shutdown began.
const writeBackTimeout = 10 * time.Second

var measurementsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lock_measurements_processed_total",
	Help: "Total measurement processing runs by final status",
}, []string{"status", "cache"})

// Processor analyses measurements in the background and writes reports back.
type Processor struct {
	cols     db.Collections
	analyzer *analysis.Analyzer
	cache    *cache.Store // nil disables caching
	logger   *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// NewProcessor creates a Processor whose runs are cancelled with ctx.
func NewProcessor(ctx context.Context, cols db.Collections, analyzer *analysis.Analyzer, store *cache.Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		cols:     cols,
		analyzer: analyzer,
		cache:    store,
		logger:   logger,
		ctx:      ctx,
	}
}

// Start processes m in its own goroutine.
func (p *Processor) Start(m types.Measurement) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(m)
	}()
}

// Wait blocks until every started run has written its result.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) process(m types.Measurement) {
	startTime := time.Now()
	logger := p.logger.With("measurement", m.ID.Hex(), "workload", m.WorkloadID.Hex())
	logger.Info("processing measurement", "files", m.TraceFileCount(), "mode", m.Params.Mode)

	out, err := p.run(p.ctx, m, logger)

	result := types.ProcessingResult{
		TotalFiles:     m.TraceFileCount(),
		ProcessingTime: time.Since(startTime).Milliseconds(),
		ProcessedAt:    time.Now(),
	}
	status := types.ProcessingStatusCompleted
	measurementStatus := types.MeasurementStatusProcessed
	if err != nil {
		status = types.ProcessingStatusFailed
		measurementStatus = types.MeasurementStatusFailed
		result.ErrorMessage = err.Error()
		logger.Error("measurement processing failed", "error", err)
	} else {
		result.ProcessedFiles = m.TraceFileCount()
		result.Events = out.report.Events
		result.Cycles = out.report.Cycles.Count
		result.Overhead = out.report.Overhead.Status
		result.CacheHit = out.cacheHit
		logger.Info("measurement processed",
			"cycles", result.Cycles,
			"overhead", result.Overhead,
			"cacheHit", result.CacheHit,
			"duration", time.Since(startTime),
		)
	}
	cacheLabel := "miss"
	if out != nil && out.cacheHit {
		cacheLabel = "hit"
	}
	measurementsProcessed.WithLabelValues(string(status), cacheLabel).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), writeBackTimeout)
	defer cancel()
	finalUpdate := bson.M{
		"$set": bson.M{
			"status":           measurementStatus,
			"processingStatus": status,
			"processingResult": result,
			"updatedAt":        time.Now(),
		},
	}
	if _, err := p.cols.Measurements.UpdateOne(ctx, bson.M{"_id": m.ID}, finalUpdate); err != nil {
		logger.Error("failed to write processing result", "error", err)
	}
}

type outcome struct {
	report   *types.Report
	cycles   []types.Cycle // nil when the stored cycles are current
	cacheHit bool
}

// run analyses m and persists the report, its cycles and, for baselines, the workload model.
func (p *Processor) run(ctx context.Context, m types.Measurement, logger *slog.Logger) (*outcome, error) {
	var workload types.Workload
	if err := p.cols.Workloads.FindOne(ctx, bson.M{"_id": m.WorkloadID}).Decode(&workload); err != nil {
		return nil, fmt.Errorf("failed to load workload: %w", err)
	}

	req := requestFor(m, workload)
	var modelParams *types.ModelParams
	if req.Model != nil {
		mp := req.Model.Params()
		modelParams = &mp
	}
	paths := m.TraceFilePaths()
	key, err := cache.Key(m.Params, req.NCore, modelParams, paths...)
	if err != nil {
		return nil, err
	}

	cyclesStored := false
	existing, err := db.LoadReport(ctx, p.cols.Reports, m.ID)
	switch {
	case err == nil:
		cyclesStored = existing.CacheKey == key
	case !errors.Is(err, mongo.ErrNoDocuments):
		return nil, err
	}

	out, err := p.analyze(ctx, key, paths, req, cyclesStored)
	if err != nil {
		return nil, err
	}

	if out.cycles != nil {
		if err := db.ReplaceCycles(ctx, p.cols.Cycles, m.ID, out.cycles); err != nil {
			return nil, err
		}
	}
	if err := db.SaveReport(ctx, p.cols.Reports, db.NewReportDocument(m.ID, key, out.report)); err != nil {
		return nil, err
	}

	if m.Role == types.RoleBaseline {
		if err := p.calibrate(ctx, workload, m.ID, out.report); err != nil {
			// the report stands on its own; only the workload model is missing
			logger.Warn("baseline did not calibrate the workload model", "error", err)
		}
	}
	return out, nil
}

// requestFor builds the analysis request of m. Candidates are judged against the
// workload model; baselines calibrate their own.
func requestFor(m types.Measurement, w types.Workload) analysis.Request {
	req := analysis.Request{Params: m.Params, NCore: w.NCore}
	if m.Role == types.RoleCandidate && w.Model != nil {
		model := queueing.FromParams(*w.Model)
		req.Model = &model
	}
	return req
}

// analyze produces the report for key, from the cache when possible. Cycles are
// reconstructed unless cyclesStored says the stored ones match key.
func (p *Processor) analyze(ctx context.Context, key string, paths []string, req analysis.Request, cyclesStored bool) (*outcome, error) {
	out := &outcome{}
	if p.cache != nil {
		report, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			p.logger.Warn("report cache read failed", "key", key, "error", err)
		} else if ok {
			out.report, out.cacheHit = report, true
		}
	}
	if out.cacheHit && cyclesStored {
		return out, nil
	}

	events, err := p.analyzer.ParseFiles(ctx, paths)
	if err != nil {
		return nil, err
	}
	if out.cacheHit {
		if out.cycles, err = p.analyzer.SelectCycles(ctx, events, req.Params); err != nil {
			return nil, err
		}
		return out, nil
	}

	if out.report, out.cycles, err = p.analyzer.AnalyzeWithCycles(ctx, events, req); err != nil {
		return nil, err
	}
	if cyclesStored {
		out.cycles = nil
	}
	if p.cache != nil {
		if err := p.cache.Put(ctx, key, out.report); err != nil {
			p.logger.Warn("report cache write failed", "key", key, "error", err)
		}
	}
	return out, nil
}

// calibrate stores the model derived from a baseline report on its workload.
func (p *Processor) calibrate(ctx context.Context, w types.Workload, baselineID primitive.ObjectID, report *types.Report) error {
	model, err := p.analyzer.Baseline(report, w.NCore)
	if err != nil {
		return err
	}
	if _, err := model.IdealResponseTime(); err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{
			"model":      model.Params(),
			"baselineId": baselineID,
			"updatedAt":  time.Now(),
		},
	}
	if _, err := p.cols.Workloads.UpdateOne(ctx, bson.M{"_id": w.ID}, update); err != nil {
		return fmt.Errorf("failed to update workload model: %w", err)
	}
	p.logger.Info("workload model calibrated", "workload", w.ID.Hex(), "model", model.String())
	return nil
}
