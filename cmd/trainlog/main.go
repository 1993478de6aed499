// Package main feeds log entries from a JSON-lines stream into a run.
//
// Each input line is {"subset": "...", "name": "...", "value": ..., "step": N}
// and is passed to the dispatcher as one log call, so a trainer written in any
// language can pipe its metrics through the same local store and external
// sink as a Go caller.
//
//	trainer | go run ./cmd/trainlog -config experiment.yaml
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/trainlog/internal/config"
	"github.com/JakeFAU/trainlog/internal/configload"
	"github.com/JakeFAU/trainlog/internal/logging"
	"github.com/JakeFAU/trainlog/internal/metriclog"
	"github.com/JakeFAU/trainlog/internal/metriclog/sinks"
	"github.com/JakeFAU/trainlog/internal/metrics"
)

const maxLineBytes = 16 << 20

func main() {
	cfgPath := flag.String("config", "", "Overlay file applied to the config record")
	source := flag.String("source", configload.DefaultSource, "Config source")
	name := flag.String("name", configload.DefaultName, "Config record name within the source")
	flag.Parse()

	cfg, err := loadExperiment(configload.Default(), *source, *name, *cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
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
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, logger); err != nil {
		logger.Error("trainlog failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadExperiment(loader *configload.Loader, source, name, overlay string) (*config.Experiment, error) {
	if overlay != "" {
		loader.WithOverlay(source, overlay)
	}
	record, err := loader.Load(source, name)
	if err != nil {
		return nil, err
	}
	cfg, ok := record.(*config.Experiment)
	if !ok {
		return nil, fmt.Errorf("%s/%s is %T, not an experiment config", source, name, record)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ConfigSource = source
	cfg.ConfigClassName = name
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Experiment, in io.Reader, logger *zap.Logger) error {
	collectors, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	d, err := sinks.NewDispatcher(ctx, cfg,
		metriclog.WithLogger(logger.Named("metriclog")),
		metriclog.WithMetrics(collectors),
	)
	if err != nil {
		return err
	}

	n, replayErr := replay(ctx, in, d)
	logger.Info("entries logged",
		zap.Int("count", n),
		zap.String("output_directory", cfg.OutputDir),
		zap.Bool("external_active", d.ExternalActive()),
	)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(replayErr, d.Close(closeCtx))
}

type entryLogger interface {
	Log(ctx context.Context, subset, name string, value any, step *int64) error
}

type line struct {
	Subset string          `json:"subset"`
	Name   string          `json:"name"`
	Value  json.RawMessage `json:"value"`
	Step   *int64          `json:"step"`
}

// replay logs every line of in and returns how many entries were logged.
// Malformed lines are an error; so is a failing local sink.
func replay(ctx context.Context, in io.Reader, d entryLogger) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	count := 0
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return count, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if l.Subset == "" || l.Name == "" {
			return count, fmt.Errorf("line %d: subset and name are required", lineNo)
		}
		var value any
		if len(l.Value) > 0 {
			if err := json.Unmarshal(l.Value, &value); err != nil {
				return count, fmt.Errorf("line %d value: %w", lineNo, err)
			}
		}
		if err := d.Log(ctx, l.Subset, l.Name, value, l.Step); err != nil {
			return count, fmt.Errorf("line %d: %w", lineNo, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read input: %w", err)
	}
	return count, nil
}
