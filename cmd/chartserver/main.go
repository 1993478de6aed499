// Package main serves the charts of a finished run over HTTP.
//
// The server opens <output_directory>/charts.db read-only and exposes the
// config snapshot and every subset under /v1. The store file is locked by a
// running job, so point it at runs that have closed their dispatcher.
//
// Run locally: go run ./cmd/chartserver -config experiment.yaml
// or: go run ./cmd/chartserver -dir output/my-run -addr :9090
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/trainlog/internal/chartsapi"
	"github.com/JakeFAU/trainlog/internal/chartstore"
	"github.com/JakeFAU/trainlog/internal/config"
	"github.com/JakeFAU/trainlog/internal/logging"
	"github.com/JakeFAU/trainlog/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	dir := flag.String("dir", "", "Run output directory (overrides output_directory)")
	addr := flag.String("addr", "", "Listen address (overrides service.listen_addr)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.OutputDir = *dir
	}
	if *addr != "" {
		cfg.Service.ListenAddr = *addr
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Service.Development,
		Level:       cfg.Service.LogLevel,
		File:        cfg.Service.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("chart server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Experiment, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := chartstore.Open(chartstore.Config{Dir: cfg.OutputDir, ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close chart store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorSet, err := metrics.New(reg)
	if err != nil {
		return err
	}

	api := chartsapi.NewServer(store, chartsapi.Config{
		Logger:   logger.Named("api"),
		Metrics:  collectorSet,
		Gatherer: reg,
	})
	srv := &http.Server{
		Addr:              cfg.Service.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.String("addr", cfg.Service.ListenAddr),
			zap.String("store", store.Path()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
