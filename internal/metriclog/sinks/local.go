// Package sinks provides the concrete metriclog sinks: the local chart store
// and the remote tracking services, plus the default registry wiring them up.
package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/trainlog/internal/chartstore"
	"github.com/JakeFAU/trainlog/internal/metriclog"
)

// LocalSink writes every entry to the run's chart store. It is the store of
// record: metrics append to series, artifacts replace by name.
type LocalSink struct {
	mu    sync.Mutex
	store *chartstore.Store
}

// NewLocalSink opens <output dir>/charts.db and records the config snapshot.
func NewLocalSink(_ context.Context, s metriclog.Settings) (metriclog.Sink, error) {
	store, err := chartstore.Open(chartstore.Config{Dir: s.OutputDir})
	if err != nil {
		return nil, err
	}
	sink := &LocalSink{store: store}
	if s.Snapshot != nil {
		if err := store.PutConfig(s.Snapshot); err != nil {
			return sink, fmt.Errorf("store config snapshot: %w", err)
		}
	}
	return sink, nil
}

// Store exposes the underlying chart store.
func (l *LocalSink) Store() *chartstore.Store {
	return l.store
}

// Log implements metriclog.Sink.
func (l *LocalSink) Log(_ context.Context, e metriclog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.IsArtifact() {
		return l.store.PutArtifact(e.Subset, e.Name, e.Value)
	}
	return l.store.AppendPoint(e.Subset, e.Name, e.Step, metriclog.Numeric(e.Value))
}

// Close implements metriclog.Sink.
func (l *LocalSink) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Close()
}
