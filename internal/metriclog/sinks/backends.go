package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/trainlog/internal/config"
	"github.com/JakeFAU/trainlog/internal/metriclog"
	"github.com/JakeFAU/trainlog/internal/storage"
	"github.com/JakeFAU/trainlog/internal/storage/gcs"
	"github.com/JakeFAU/trainlog/internal/storage/local"
	"github.com/JakeFAU/trainlog/internal/tracking"
	"github.com/JakeFAU/trainlog/internal/tracking/blob"
	"github.com/JakeFAU/trainlog/internal/tracking/neptune"
	"github.com/JakeFAU/trainlog/internal/tracking/postgres"
	"github.com/JakeFAU/trainlog/internal/tracking/pubsub"
	"github.com/JakeFAU/trainlog/internal/tracking/pushgateway"
)

// Registered external sink names.
const (
	NameNeptune     = "Neptune"
	NamePubSub      = "PubSub"
	NamePostgres    = "Postgres"
	NamePushgateway = "Pushgateway"
	NameGCS         = "GCS"
)

var backends = []remote{
	{
		name:       NameNeptune,
		project:    func(l config.Logging) string { return l.NeptuneProject },
		credential: func(l config.Logging) string { return l.NeptuneAPIToken },
		dial: func(ctx context.Context, s metriclog.Settings, run tracking.Run) (tracking.Client, error) {
			return neptune.New(ctx, run, neptune.Config{Endpoint: s.Logging.NeptuneEndpoint})
		},
	},
	{
		name:    NamePubSub,
		project: func(l config.Logging) string { return l.PubSubProject },
		dial: func(ctx context.Context, s metriclog.Settings, run tracking.Run) (tracking.Client, error) {
			return pubsub.New(ctx, run, pubsub.Config{Project: s.Logging.PubSubProject, Topic: s.Logging.PubSubTopic})
		},
	},
	{
		name: NamePostgres,
		dial: func(ctx context.Context, s metriclog.Settings, run tracking.Run) (tracking.Client, error) {
			return postgres.New(ctx, run, postgres.Config{DSN: s.Logging.PostgresDSN, Table: s.Logging.PostgresTable})
		},
	},
	{
		name: NamePushgateway,
		dial: func(_ context.Context, s metriclog.Settings, run tracking.Run) (tracking.Client, error) {
			return pushgateway.New(run, pushgateway.Config{URL: s.Logging.PushgatewayURL, Job: s.Logging.PushgatewayJob})
		},
	},
	{
		name: NameGCS,
		dial: dialBlob,
	},
}

// dialBlob archives to GCS, or to a directory when the bucket is file://.
func dialBlob(ctx context.Context, s metriclog.Settings, run tracking.Run) (tracking.Client, error) {
	bucket := s.Logging.GCSBucket
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var store storage.BlobStore
	if dir, ok := storage.IsLocal(bucket); ok {
		ls, err := local.New(local.Config{BaseDir: dir})
		if err != nil {
			return nil, err
		}
		store = ls
	} else {
		gs, err := gcs.Dial(ctx, gcs.Config{Bucket: bucket})
		if err != nil {
			return nil, err
		}
		store = gs
	}
	client, err := blob.New(store, run, blob.Config{Prefix: s.Logging.GCSPrefix})
	if err != nil {
		if c, ok := store.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return client, nil
}

// DefaultRegistry returns the registry of every built-in external sink.
func DefaultRegistry() *metriclog.Registry {
	factories := map[string]metriclog.Factory{
		metriclog.NullSinkName: metriclog.NewNullSink,
	}
	for _, b := range backends {
		factories[b.name] = b.factory()
	}
	return metriclog.NewRegistry(factories)
}

// NewDispatcher builds a dispatcher with the chart store as local sink and
// the built-in registry for the external one.
func NewDispatcher(ctx context.Context, cfg metriclog.RunConfig, opts ...metriclog.Option) (*metriclog.Dispatcher, error) {
	return metriclog.New(ctx, cfg, NewLocalSink, DefaultRegistry(), opts...)
}
