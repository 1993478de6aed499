package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/trainlog/internal/chartstore"
	"github.com/JakeFAU/trainlog/internal/config"
	"github.com/JakeFAU/trainlog/internal/metriclog"
	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/tracking"
	"github.com/JakeFAU/trainlog/internal/tracking/memory"
)

func newExperiment(t *testing.T, logger, mode string) *config.Experiment {
	t.Helper()
	cfg := config.NewExperiment()
	cfg.ExperimentName = "exp"
	cfg.OutputDir = t.TempDir()
	cfg.Logging.Logger = logger
	cfg.Logging.Mode = mode
	cfg.Logging.Timeout = 2 * time.Second
	return cfg
}

func openStore(t *testing.T, dir string) *chartstore.Store {
	t.Helper()
	store, err := chartstore.Open(chartstore.Config{Dir: dir, ReadOnly: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLocalSinkMissingValuesBecomeNull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := newExperiment(t, metriclog.NullSinkName, config.ModeAsync)
	d, err := NewDispatcher(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, d.Log(ctx, "train", "loss", 0.5, metriclog.Step(1)))
	require.NoError(t, d.Log(ctx, "train", "loss", math.NaN(), metriclog.Step(2)))
	require.NoError(t, d.Log(ctx, "train", "loss", 0.25, metriclog.Step(3)))
	require.NoError(t, d.Close(ctx))

	store := openStore(t, cfg.OutputDir)
	series, err := store.Series("train", "loss")
	require.NoError(t, err)
	require.Len(t, series.Values, 3)
	assert.Equal(t, 0.5, *series.Values[0])
	assert.Nil(t, series.Values[1])
	assert.Equal(t, 0.25, *series.Values[2])
	assert.Equal(t, int64(3), *series.Steps[2])

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestLocalSinkAcceptsCfgMetricGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := newExperiment(t, metriclog.NullSinkName, config.ModeAsync)
	d, err := NewDispatcher(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, d.Log(ctx, "cfg", "loss", 0.5, metriclog.Step(1)))
	require.NoError(t, d.Close(ctx))

	store := openStore(t, cfg.OutputDir)
	series, err := store.Series("cfg", "loss")
	require.NoError(t, err)
	assert.Equal(t, 0.5, *series.Values[0])

	var snap snapshot.Snapshot
	require.NoError(t, store.Config(&snap))
	got, ok := snap.Get("experiment_name")
	require.True(t, ok)
	assert.Equal(t, "exp", got)
}

func TestLocalSinkStoresConfigAndArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := newExperiment(t, metriclog.NullSinkName, config.ModeAsync)
	cfg.Logging.NeptuneAPIToken = "secret"
	d, err := NewDispatcher(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, d.Log(ctx, metriclog.SubsetHTML, "report", "<p>v1</p>", nil))
	require.NoError(t, d.Log(ctx, metriclog.SubsetHTML, "report", "<p>v2</p>", nil))
	require.NoError(t, d.Log(ctx, metriclog.SubsetImage, "validation_predictions", "png-bytes", metriclog.Step(5)))
	require.NoError(t, d.Log(ctx, metriclog.SubsetInternal, "lr", 1e-4, metriclog.Step(0)))
	require.NoError(t, d.Close(ctx))

	store := openStore(t, cfg.OutputDir)
	html, err := store.Artifacts(metriclog.SubsetHTML)
	require.NoError(t, err)
	assert.JSONEq(t, `"<p>v2</p>"`, string(html["report"]))

	images, err := store.Artifacts(metriclog.SubsetImage)
	require.NoError(t, err)
	assert.Contains(t, images, "validation_predictions")

	subsets, err := store.Subsets()
	require.NoError(t, err)
	assert.Equal(t, []string{"html", "image", "internal"}, subsets)

	var snap snapshot.Snapshot
	require.NoError(t, store.Config(&snap))
	keys := snap.Keys()
	assert.Equal(t, "experiment_name", keys[0])
	assert.Contains(t, keys, "logger")
	assert.Contains(t, keys, "neptune_project")
	for _, k := range keys {
		assert.NotContains(t, k, "api", "secret-bearing key %s leaked", k)
		assert.NotEqual(t, "listen_addr", k)
		assert.False(t, strings.HasPrefix(k, "_"), k)
	}
}

func TestDebugModeKeepsEverythingInProcess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	snap, err := snapshot.Extract(struct {
		LR float64 `mapstructure:"lr"`
	}{LR: 0.1})
	require.NoError(t, err)

	settings := metriclog.Settings{
		OutputDir:  t.TempDir(),
		Experiment: "exp",
		Logging:    config.Logging{Logger: NameNeptune, Mode: config.ModeDebug},
		Snapshot:   snap,
	}
	sink, err := DefaultRegistry().Resolve(NameNeptune)(ctx, settings)
	require.NoError(t, err)

	remote, ok := sink.(*RemoteSink)
	require.True(t, ok)
	client, ok := remote.Client().(*memory.Client)
	require.True(t, ok)
	require.Equal(t, config.ModeDebug, remote.Run().Mode)

	require.NoError(t, sink.Log(ctx, metriclog.Entry{Subset: "train", Name: "loss", Value: 0.5, Step: metriclog.Step(1)}))
	require.NoError(t, sink.Log(ctx, metriclog.Entry{Subset: "val", Name: "acc", Value: math.Inf(1)}))
	require.NoError(t, sink.Log(ctx, metriclog.Entry{Subset: metriclog.SubsetImage, Name: "sample", Value: []byte{1, 2, 3}}))
	require.NoError(t, sink.Close(ctx))

	params, ok := client.ParamsFor(ParamsName)
	require.True(t, ok)
	require.Equal(t, []string{"lr"}, params.Keys())

	points := client.Points()
	require.Len(t, points, 3)
	assert.Equal(t, "train/loss", points[0].Name)
	assert.Equal(t, 0.5, *points[0].Value)
	assert.Equal(t, "val/acc", points[1].Name)
	assert.Nil(t, points[1].Value)
	assert.Equal(t, "image/sample", points[2].Name)
	assert.Equal(t, "AQID", points[2].Artifact)
	assert.True(t, client.Closed())
}

type neptuneServer struct {
	mu     sync.Mutex
	points []tracking.Point
	params int
}

func (n *neptuneServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case r.URL.Path == "/api/v1/runs":
		_, _ = w.Write([]byte(`{"id":"R1"}`))
	case strings.HasSuffix(r.URL.Path, "/params"):
		n.params++
	case strings.HasSuffix(r.URL.Path, "/points"):
		var body struct {
			Points []tracking.Point `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		n.points = append(n.points, body.Points...)
	}
}

func TestNeptuneSyncEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := &neptuneServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := newExperiment(t, NameNeptune, config.ModeSync)
	cfg.Logging.NeptuneProject = "team/proj"
	cfg.Logging.NeptuneAPIToken = "token"
	cfg.Logging.NeptuneEndpoint = ts.URL

	d, err := NewDispatcher(ctx, cfg)
	require.NoError(t, err)
	require.True(t, d.ExternalActive())

	require.NoError(t, d.Log(ctx, "train", "loss", 0.5, metriclog.Step(1)))
	require.NoError(t, d.Log(ctx, metriclog.SubsetInternal, "grad_norm", 3.0, metriclog.Step(1)))
	require.NoError(t, d.Log(ctx, metriclog.SubsetImage, "validation_predictions", "png", nil))
	require.NoError(t, d.Close(ctx))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Equal(t, 1, srv.params)
	require.Len(t, srv.points, 1)
	require.Equal(t, "train/loss", srv.points[0].Name)
}

func TestExternalInitFailureKeepsLocalLogging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer ts.Close()

	cfg := newExperiment(t, NameNeptune, config.ModeSync)
	cfg.Logging.NeptuneProject = "team/proj"
	cfg.Logging.NeptuneAPIToken = "token"
	cfg.Logging.NeptuneEndpoint = ts.URL

	core, logs := observer.New(zap.WarnLevel)
	d, err := NewDispatcher(ctx, cfg, metriclog.WithLogger(zap.New(core)))
	require.NoError(t, err)
	require.False(t, d.ExternalActive())
	require.Equal(t, 1, logs.FilterMessageSnippet("external logger init failed").Len())

	require.NoError(t, d.Log(ctx, "train", "loss", 0.5, metriclog.Step(1)))
	require.NoError(t, d.Close(ctx))

	series, err := openStore(t, cfg.OutputDir).Series("train", "loss")
	require.NoError(t, err)
	require.Len(t, series.Values, 1)
}

func TestGCSLocalBucketAsync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	archive := t.TempDir()
	cfg := newExperiment(t, NameGCS, config.ModeAsync)
	cfg.Logging.GCSBucket = "file://" + archive
	cfg.Logging.GCSPrefix = "runs"

	d, err := NewDispatcher(ctx, cfg)
	require.NoError(t, err)
	require.True(t, d.ExternalActive())
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, d.Log(ctx, "train", "loss", 1/float64(i), metriclog.Step(i)))
	}
	require.NoError(t, d.Close(ctx))

	runs, err := os.ReadDir(filepath.Join(archive, "runs"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	root := filepath.Join(archive, "runs", runs[0].Name())

	_, err = os.Stat(filepath.Join(root, "cfg.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "run.json"))
	require.NoError(t, err)

	batches, err := os.ReadDir(filepath.Join(root, "points"))
	require.NoError(t, err)
	var steps []int64
	for _, b := range batches {
		f, err := os.Open(filepath.Join(root, "points", b.Name()))
		require.NoError(t, err)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var p tracking.Point
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
			steps = append(steps, *p.Step)
		}
		require.NoError(t, f.Close())
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, steps)
}

func TestMissingBackendSettingsFallBackToNull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, name := range []string{NameNeptune, NamePubSub, NamePostgres, NamePushgateway, NameGCS} {
		cfg := newExperiment(t, name, config.ModeSync)
		d, err := NewDispatcher(ctx, cfg)
		require.NoError(t, err, name)
		require.False(t, d.ExternalActive(), name)
		require.NoError(t, d.Log(ctx, "train", "loss", 1.0, nil), name)
		require.NoError(t, d.Close(ctx), name)
	}
}

func TestDefaultRegistryNames(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		[]string{"GCS", "Neptune", "None", "Postgres", "PubSub", "Pushgateway"},
		DefaultRegistry().Names(),
	)
}

type label string

func (l label) String() string { return "label:" + string(l) }

func TestArtifactString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", artifactString(nil))
	assert.Equal(t, "<p/>", artifactString("<p/>"))
	assert.Equal(t, "AQI=", artifactString([]byte{1, 2}))
	assert.Equal(t, "label:x", artifactString(label("x")))
	assert.Equal(t, `{"w":2}`, artifactString(map[string]int{"w": 2}))
}
