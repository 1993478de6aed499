// Package pushgateway exposes the latest value of every run metric on a
// Prometheus Pushgateway, grouped by run.
package pushgateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/tracking"
)

const defaultJob = "trainlog"

// Config captures the parameters required to reach the gateway.
type Config struct {
	URL string
	Job string
}

// Client implements tracking.Client by pushing gauges.
type Client struct {
	mu     sync.Mutex
	pusher *push.Pusher
	value  *prometheus.GaugeVec
	step   *prometheus.GaugeVec
	param  *prometheus.GaugeVec
}

// New builds a pusher for run. Nothing is sent until the first upload.
func New(run tracking.Run, cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("pushgateway url is required")
	}
	job := cfg.Job
	if job == "" {
		job = defaultJob
	}
	c := &Client{
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainlog_metric",
			Help: "Latest logged value per metric.",
		}, []string{"name"}),
		step: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainlog_metric_step",
			Help: "Step of the latest logged value per metric.",
		}, []string{"name"}),
		param: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainlog_param",
			Help: "Numeric run configuration values.",
		}, []string{"key"}),
	}
	c.pusher = push.New(url, job).
		Collector(c.value).
		Collector(c.step).
		Collector(c.param).
		Grouping("run_id", run.ID)
	if run.Name != "" {
		c.pusher = c.pusher.Grouping("experiment", run.Name)
	}
	return c, nil
}

// Params records numeric config values and pushes.
func (c *Client) Params(ctx context.Context, _ string, params *snapshot.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	params.Range(func(key string, value any) bool {
		if f, ok := paramValue(value); ok {
			c.param.WithLabelValues(key).Set(f)
		}
		return true
	})
	return c.push(ctx)
}

// Write updates the gauges with the batch and pushes once.
func (c *Client) Write(ctx context.Context, batch []tracking.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, p := range batch {
		if p.Value == nil {
			continue
		}
		c.value.WithLabelValues(p.Name).Set(*p.Value)
		if p.Step != nil {
			c.step.WithLabelValues(p.Name).Set(float64(*p.Step))
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return c.push(ctx)
}

// Close is a no-op; the last pushed values stay on the gateway.
func (c *Client) Close(context.Context) error {
	return nil
}

func (c *Client) push(ctx context.Context) error {
	if err := c.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

func paramValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
