// Package chartsapi exposes a read-only HTTP view of a run's chart store.
package chartsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/trainlog/internal/chartstore"
	"github.com/JakeFAU/trainlog/internal/metrics"
	"github.com/JakeFAU/trainlog/internal/snapshot"
)

const defaultRequestTimeout = 30 * time.Second

// Reader is the subset of chartstore.Store the server needs.
type Reader interface {
	Config(dst any) error
	Artifacts(subset string) (map[string]json.RawMessage, error)
	Subsets() ([]string, error)
}

// Config wires optional collaborators.
type Config struct {
	Logger         *zap.Logger
	Metrics        *metrics.Collectors
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
}

// Server serves the charts of one run.
type Server struct {
	router  chi.Router
	store   Reader
	logger  *zap.Logger
	metrics *metrics.Collectors
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Reader, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{store: store, logger: logger, metrics: cfg.Metrics}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/cfg", s.getConfig)
		r.Route("/charts", func(r chi.Router) {
			r.Get("/", s.listSubsets)
			r.Get("/{subset}", s.getSubset)
			r.Get("/{subset}/{name}", s.getChart)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	var snap snapshot.Snapshot
	if err := s.store.Config(&snap); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "yaml" {
		data, err := yaml.Marshal(&snap)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode config")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, &snap)
}

func (s *Server) listSubsets(w http.ResponseWriter, _ *http.Request) {
	subsets, err := s.store.Subsets()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if subsets == nil {
		subsets = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"subsets": subsets})
}

func (s *Server) getSubset(w http.ResponseWriter, r *http.Request) {
	subset := chi.URLParam(r, "subset")
	doc, err := s.store.Artifacts(subset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) getChart(w http.ResponseWriter, r *http.Request) {
	subset := chi.URLParam(r, "subset")
	name := chi.URLParam(r, "name")
	doc, err := s.store.Artifacts(subset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	raw, ok := doc[name]
	if !ok {
		writeError(w, http.StatusNotFound, "chart not found")
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, chartstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("chart store read failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "chart store read failed")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, ww.status, elapsed)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
