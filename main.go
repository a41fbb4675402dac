package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bft-labs/lock-contention-analyzer/analysis"
	"github.com/bft-labs/lock-contention-analyzer/cache"
	"github.com/bft-labs/lock-contention-analyzer/config"
	"github.com/bft-labs/lock-contention-analyzer/db"
	"github.com/bft-labs/lock-contention-analyzer/handlers"
	"github.com/bft-labs/lock-contention-analyzer/middleware"
	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/workers"
)

const (
	cacheMaxAge     = 30 * 24 * time.Hour
	shutdownTimeout = 30 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := db.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	cols := db.NewCollections(client)
	if err := cols.EnsureIndexes(ctx); err != nil {
		return err
	}

	store, err := cache.Open(ctx, cfg.CachePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if n, err := store.Prune(ctx, cacheMaxAge); err != nil {
		logger.Warn("failed to prune report cache", "error", err)
	} else if n > 0 {
		logger.Info("pruned report cache", "entries", n)
	}

	pool, err := workers.NewPool(cfg.Workers)
	if err != nil {
		return err
	}
	analyzer, err := analysis.New(pool, logger.With("component", "analyzer"),
		analysis.WithBinWidth(cfg.BinWidth),
		analysis.WithPolicy(types.OverlapPolicy(cfg.Policy)),
	)
	if err != nil {
		return err
	}
	proc := handlers.NewProcessor(ctx, cols, analyzer, store, logger.With("component", "processor"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RequestLogger(logger.With("component", "http")))
	router.Use(gin.Recovery())

	// Add security middleware
	router.Use(middleware.SecurityHeadersMiddleware(false))
	router.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))
	router.Use(middleware.RequestValidationMiddleware("/metrics"))
	router.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(ctx, cfg.RateLimitPerMinute, cfg.RateLimitBurst)))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", handlers.HealthHandler(client))

	v1 := router.Group("/v1")
	{
		// Workload endpoints
		v1.POST("/workloads", handlers.CreateWorkloadHandler(cols.Workloads))
		v1.GET("/workloads", handlers.ListWorkloadsHandler(cols.Workloads))
		v1.GET("/workloads/:workloadId", handlers.GetWorkloadHandler(cols.Workloads))
		v1.PUT("/workloads/:workloadId", handlers.UpdateWorkloadHandler(cols.Workloads))
		v1.DELETE("/workloads/:workloadId", handlers.DeleteWorkloadHandler(cols, cfg.UploadDir, logger))

		// Measurement endpoints
		v1.POST("/workloads/:workloadId/measurements", handlers.CreateMeasurementHandler(cols, cfg.UploadDir, proc))
		v1.GET("/workloads/:workloadId/measurements", handlers.ListMeasurementsHandler(cols.Measurements))
		v1.GET("/measurements/:id", handlers.GetMeasurementHandler(cols.Measurements))
		v1.PUT("/measurements/:id", handlers.UpdateMeasurementHandler(cols.Measurements))
		v1.DELETE("/measurements/:id", handlers.DeleteMeasurementHandler(cols, cfg.UploadDir, logger))
		v1.POST("/measurements/:id/upload", handlers.UploadTraceFilesHandler(cols.Measurements, cfg.UploadDir))
		v1.POST("/measurements/:id/process", handlers.ProcessMeasurementHandler(cols.Measurements, proc))

		// Analysis results
		v1.GET("/measurements/:id/report", handlers.GetReportHandler(cols.Reports))
		v1.GET("/measurements/:id/report/histogram", handlers.GetHistogramHandler(cols, analyzer))
		v1.GET("/measurements/:id/report/handover", handlers.GetHandoverHandler(cols.Reports))
		v1.GET("/measurements/:id/report/overhead", handlers.GetOverheadHandler(cols.Reports))
		v1.GET("/measurements/:id/report/distribution", handlers.GetDistributionHandler(cols.Reports))
		v1.GET("/measurements/:id/cycles", handlers.GetCyclesHandler(cols.Cycles))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "workers", pool.Size())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	proc.Wait()
	return err
}
