// Package metriclog routes training metrics, images and HTML artifacts to a
// local store of record and one optional external tracking sink. Failures of
// the external sink, at construction or on any later call, never reach the
// training job; failures of the local sink always do.
package metriclog

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"go.uber.org/zap"

	"github.com/JakeFAU/trainlog/internal/config"
	"github.com/JakeFAU/trainlog/internal/snapshot"
)

// Well-known subsets.
const (
	SubsetInternal = "internal"
	SubsetImage    = "image"
	SubsetHTML     = "html"
)

// Entry is a single log call.
type Entry struct {
	// Subset classifies the entry: internal, image, html or a metric group.
	Subset string
	// Name identifies the metric or artifact within its subset.
	Name string
	// Value is numeric for metric subsets and an artifact for image/html.
	Value any
	// Step is nil when the caller logs without a step.
	Step *int64
}

// IsArtifact reports whether the entry carries an image or HTML payload.
func (e Entry) IsArtifact() bool {
	return e.Subset == SubsetImage || e.Subset == SubsetHTML
}

// Step returns a pointer to n for use as an Entry step.
func Step(n int64) *int64 {
	return &n
}

// Numeric converts v to a float64. NaN, infinities and values that are not
// numbers yield nil, the missing-value marker.
func Numeric(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		f = n
	case float32:
		f = float64(n)
	case bool:
		if n {
			f = 1
		}
	case *float64:
		if n == nil {
			return nil
		}
		f = *n
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			f = float64(rv.Uint())
		case reflect.Float32, reflect.Float64:
			f = rv.Float()
		default:
			return nil
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Sink is a logging backend. Log must not retain e.Value after returning.
type Sink interface {
	Log(ctx context.Context, e Entry) error
	Close(ctx context.Context) error
}

// Settings is what a Factory receives to build a sink.
type Settings struct {
	OutputDir  string
	Experiment string
	Logging    config.Logging
	Snapshot   *snapshot.Snapshot
	Logger     *zap.Logger
}

// Factory builds a Sink. A non-nil error means the sink is unusable; any
// partially built sink returned alongside it is closed by the caller.
type Factory func(ctx context.Context, s Settings) (Sink, error)

// InitError reports a sink that failed to initialise.
type InitError struct {
	Sink string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s sink: %v", e.Sink, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// NullSink discards everything.
type NullSink struct{}

// NewNullSink is the Factory for NullSink; it never fails.
func NewNullSink(context.Context, Settings) (Sink, error) {
	return NullSink{}, nil
}

// Log implements Sink; it performs no action.
func (NullSink) Log(context.Context, Entry) error {
	return nil
}

// Close implements Sink; it performs no action.
func (NullSink) Close(context.Context) error {
	return nil
}
