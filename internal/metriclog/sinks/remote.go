package sinks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trainlog/internal/config"
	"github.com/JakeFAU/trainlog/internal/metriclog"
	"github.com/JakeFAU/trainlog/internal/tracking"
	"github.com/JakeFAU/trainlog/internal/tracking/memory"
)

const (
	// ParamsName is the name the config snapshot is uploaded under.
	ParamsName     = "cfg"
	defaultTimeout = 10 * time.Second
)

// RemoteSink forwards entries to a tracking.Client as "<subset>/<name>"
// points. In async mode the client is wrapped in a tracking.Batcher.
type RemoteSink struct {
	client  tracking.Client
	run     tracking.Run
	timeout time.Duration
	now     func() time.Time
}

// Run returns the run the sink writes to.
func (r *RemoteSink) Run() tracking.Run {
	return r.run
}

// Client returns the client entries are written to.
func (r *RemoteSink) Client() tracking.Client {
	return r.client
}

// Log implements metriclog.Sink.
func (r *RemoteSink) Log(ctx context.Context, e metriclog.Entry) error {
	p := tracking.Point{
		Name: e.Subset + "/" + e.Name,
		Step: e.Step,
		TS:   r.now().UTC(),
	}
	if e.IsArtifact() {
		p.Artifact = artifactString(e.Value)
	} else {
		p.Value = metriclog.Numeric(e.Value)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Write(ctx, []tracking.Point{p}); err != nil {
		return fmt.Errorf("write %s: %w", p.Name, err)
	}
	return nil
}

// Close implements metriclog.Sink. Queued async points are drained first.
func (r *RemoteSink) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// dialFunc connects a backend for run.
type dialFunc func(ctx context.Context, s metriclog.Settings, run tracking.Run) (tracking.Client, error)

// remote describes one tracking backend.
type remote struct {
	name       string
	project    func(config.Logging) string
	credential func(config.Logging) string
	dial       dialFunc
}

// factory adapts the backend into a metriclog.Factory. Debug mode swaps the
// backend for an in-process recorder so nothing leaves the machine.
func (b remote) factory() metriclog.Factory {
	return func(ctx context.Context, s metriclog.Settings) (metriclog.Sink, error) {
		lc := s.Logging
		logger := s.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		var project, credential string
		if b.project != nil {
			project = b.project(lc)
		}
		if b.credential != nil {
			credential = b.credential(lc)
		}
		mode := lc.Mode
		if mode == "" {
			mode = config.ModeAsync
		}
		run := tracking.NewRun(project, s.Experiment, credential, mode)
		timeout := lc.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		var client tracking.Client
		if mode == config.ModeDebug {
			client = memory.New()
		} else {
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			c, err := b.dial(dialCtx, s, run)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("connect %s: %w", b.name, err)
			}
			client = c
		}
		if mode == config.ModeAsync {
			client = tracking.NewBatcher(client, tracking.BatcherConfig{
				BufferSize:   lc.AsyncBuffer,
				WriteTimeout: timeout,
				Logger:       logger,
			})
		}

		sink := &RemoteSink{client: client, run: run, timeout: timeout, now: time.Now}
		paramsCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Params(paramsCtx, ParamsName, s.Snapshot); err != nil {
			return sink, fmt.Errorf("upload %s params: %w", b.name, err)
		}
		logger.Info("external tracking run started",
			zap.String("logger", b.name),
			zap.String("run_id", run.ID),
			zap.String("mode", mode),
		)
		return sink, nil
	}
}

// artifactString renders an image or HTML payload for remote upload.
func artifactString(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return a
	case []byte:
		return base64.StdEncoding.EncodeToString(a)
	case fmt.Stringer:
		return a.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
