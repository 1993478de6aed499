package metriclog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/trainlog/internal/config"
	"github.com/JakeFAU/trainlog/internal/metrics"
	"github.com/JakeFAU/trainlog/internal/snapshot"
)

// Sink slot labels used in logs and metrics.
const (
	slotLocal    = "local"
	slotExternal = "external"
)

// validationPredictions marks artifacts that are never shipped to the
// external sink.
const validationPredictions = "validation_predictions"

// RunConfig is the configuration record a Dispatcher is built from. The
// record itself is flattened into the run's config snapshot.
type RunConfig interface {
	OutputDirectory() string
	Name() string
	LoggingConfig() config.Logging
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records routing decisions and failures.
func WithMetrics(c *metrics.Collectors) Option {
	return func(d *Dispatcher) {
		d.metrics = c
	}
}

// WithSnapshotOptions customises how the config snapshot is extracted.
func WithSnapshotOptions(opts ...snapshot.Option) Option {
	return func(d *Dispatcher) {
		d.snapshotOpts = append(d.snapshotOpts, opts...)
	}
}

// Dispatcher owns a local sink and an external sink and fans every log call
// out to both according to the routing rules. Calls are serialised; the
// dispatcher adds no buffering or reordering of its own.
type Dispatcher struct {
	mu           sync.Mutex
	local        Sink
	external     Sink
	externalName string
	logger       *zap.Logger
	metrics      *metrics.Collectors
	snapshotOpts []snapshot.Option
}

// New builds the local sink with local and the external sink named by
// cfg.LoggingConfig().Logger from reg. A local failure is returned; an
// external failure is logged once and replaced by NullSink.
func New(ctx context.Context, cfg RunConfig, local Factory, reg *Registry, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("run config is required")
	}
	if local == nil {
		return nil, errors.New("local sink factory is required")
	}
	d := &Dispatcher{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	snap, err := snapshot.Extract(cfg, d.snapshotOpts...)
	if err != nil {
		return nil, fmt.Errorf("extract config snapshot: %w", err)
	}
	settings := Settings{
		OutputDir:  cfg.OutputDirectory(),
		Experiment: cfg.Name(),
		Logging:    cfg.LoggingConfig(),
		Snapshot:   snap,
		Logger:     d.logger,
	}

	localSink, err := local(ctx, settings)
	if err == nil && localSink == nil {
		err = errors.New("factory returned no sink")
	}
	if err != nil {
		if localSink != nil {
			_ = localSink.Close(ctx)
		}
		return nil, &InitError{Sink: slotLocal, Err: err}
	}
	d.local = localSink

	d.externalName = settings.Logging.Logger
	d.external = d.buildExternal(ctx, reg.Resolve(d.externalName), settings)
	return d, nil
}

func (d *Dispatcher) buildExternal(ctx context.Context, factory Factory, settings Settings) Sink {
	settings.Logger = d.logger.Named(slotExternal)
	sink, err := callFactory(ctx, factory, settings)
	if err == nil && sink != nil {
		return sink
	}
	if err == nil {
		err = errors.New("factory returned no sink")
	}
	if sink != nil {
		if closeErr := sink.Close(ctx); closeErr != nil {
			d.logger.Debug("close partial external sink", zap.Error(closeErr))
		}
	}
	d.metrics.ObserveInitFailure(d.externalName)
	d.logger.Warn(
		"external logger init failed; continuing with local logging only. "+
			"Check the logger configuration and network connectivity.",
		zap.String("logger", d.externalName),
		zap.Error(&InitError{Sink: d.externalName, Err: err}),
	)
	return NullSink{}
}

// callFactory runs f, converting a panic into an error.
func callFactory(ctx context.Context, f Factory, settings Settings) (sink Sink, err error) {
	defer func() {
		if r := recover(); r != nil {
			sink = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f(ctx, settings)
}

// Log forwards one entry to the local sink and, unless a routing rule
// withholds it, to the external sink. Internal entries stay local and
// validation prediction artifacts are never sent externally. An external
// failure is logged and swallowed; a local failure is returned after the
// external sink has still been given the entry.
func (d *Dispatcher) Log(ctx context.Context, subset, name string, value any, step *int64) error {
	e := Entry{Subset: subset, Name: name, Value: value, Step: step}

	d.mu.Lock()
	defer d.mu.Unlock()

	localErr := d.forward(ctx, slotLocal, d.local, e)
	if reason, skip := routeExternal(e); skip {
		d.metrics.ObserveSkip(slotExternal, reason)
	} else if err := d.forward(ctx, slotExternal, d.external, e); err != nil {
		d.logger.Warn("external sink log failed",
			zap.String("logger", d.externalName),
			zap.String("subset", subset),
			zap.String("name", name),
			zap.Error(err),
		)
	}
	if localErr != nil {
		return fmt.Errorf("local sink: %w", localErr)
	}
	return nil
}

func routeExternal(e Entry) (string, bool) {
	if strings.Contains(e.Name, validationPredictions) {
		return validationPredictions, true
	}
	if e.Subset == SubsetInternal {
		return SubsetInternal, true
	}
	return "", false
}

func (d *Dispatcher) forward(ctx context.Context, slot string, sink Sink, e Entry) (err error) {
	if sink == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
		if err != nil {
			d.metrics.ObserveFailure(slot)
		}
	}()
	if err = sink.Log(ctx, e); err != nil {
		return err
	}
	d.metrics.ObserveEntry(slot)
	return nil
}

// ResetExternal closes the external sink and replaces it with NullSink for
// the rest of the run. There is no way to re-enable it.
func (d *Dispatcher) ResetExternal(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.external
	d.external = NullSink{}
	if old == nil {
		return
	}
	if err := old.Close(ctx); err != nil {
		d.logger.Warn("close external sink failed", zap.String("logger", d.externalName), zap.Error(err))
	}
}

// ExternalActive reports whether a real external sink is attached.
func (d *Dispatcher) ExternalActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, null := d.external.(NullSink)
	return !null
}

// Close closes both sinks and returns their combined error.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if err := d.local.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close local sink: %w", err))
	}
	if err := d.external.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close external sink: %w", err))
	}
	d.external = NullSink{}
	return errors.Join(errs...)
}
