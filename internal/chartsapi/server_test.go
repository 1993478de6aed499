package chartsapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trainlog/internal/chartstore"
	"github.com/JakeFAU/trainlog/internal/metrics"
	"github.com/JakeFAU/trainlog/internal/snapshot"
)

func seededStore(t *testing.T) *chartstore.Store {
	t.Helper()
	store, err := chartstore.Open(chartstore.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	snap, err := snapshot.Extract(struct {
		ExperimentName string  `mapstructure:"experiment_name"`
		LearningRate   float64 `mapstructure:"learning_rate"`
	}{ExperimentName: "exp", LearningRate: 0.001})
	require.NoError(t, err)
	require.NoError(t, store.PutConfig(snap))

	one, half := int64(1), 0.5
	two := int64(2)
	require.NoError(t, store.AppendPoint("train", "loss", &one, &half))
	require.NoError(t, store.AppendPoint("train", "loss", &two, nil))
	require.NoError(t, store.PutArtifact("html", "report", "<p>ok</p>"))
	return store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Config{})
	rec := get(t, srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestConfigJSONAndYAML(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Config{})

	rec := get(t, srv.Handler(), "/v1/cfg")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"experiment_name":"exp","learning_rate":0.001}`, strings.TrimSpace(rec.Body.String()))

	rec = get(t, srv.Handler(), "/v1/cfg?format=yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	require.Equal(t, "experiment_name: exp\nlearning_rate: 0.001\n", rec.Body.String())
}

func TestCharts(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Config{})

	rec := get(t, srv.Handler(), "/v1/charts")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"subsets":["html","train"]}`, rec.Body.String())

	rec = get(t, srv.Handler(), "/v1/charts/train/loss")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"steps":[1,2],"values":[0.5,null]}`, rec.Body.String())

	rec = get(t, srv.Handler(), "/v1/charts/html")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"report":"<p>ok</p>"}`, rec.Body.String())
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Config{})
	for _, path := range []string{"/v1/charts/val", "/v1/charts/train/acc", "/v1/charts/cfg", "/v1/charts/cfg/x"} {
		rec := get(t, srv.Handler(), path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), path)
		assert.NotEmpty(t, body["error"], path)
	}
}

type brokenStore struct{}

func (brokenStore) Config(any) error { return errors.New("disk on fire") }
func (brokenStore) Artifacts(string) (map[string]json.RawMessage, error) {
	panic("unexpected")
}
func (brokenStore) Subsets() ([]string, error) { return nil, nil }

func TestStoreFailures(t *testing.T) {
	t.Parallel()

	srv := NewServer(brokenStore{}, Config{})

	rec := get(t, srv.Handler(), "/v1/cfg")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "disk on fire")

	rec = get(t, srv.Handler(), "/v1/charts/train")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = get(t, srv.Handler(), "/v1/charts")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"subsets":[]}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(seededStore(t), Config{Metrics: collectors, Gatherer: reg}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/charts/train/loss")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `trainlog_http_requests_total{code="200",method="GET"} 1`)
	require.Contains(t, string(body), `route="/v1/charts/{subset}/{name}"`)
}
