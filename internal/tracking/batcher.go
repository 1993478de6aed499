package tracking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trainlog/internal/snapshot"
)

// BatcherConfig controls buffering and batching for the Batcher.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchPoints: flush once this many points queue (default 100).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 1s).
//   - WriteTimeout: timeout for each downstream Write (default 10s).
//   - Logger: optional structured logger used for warnings.
type BatcherConfig struct {
	BufferSize     int
	MaxBatchPoints int
	MaxBatchWait   time.Duration
	WriteTimeout   time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchPoints = 100
	defaultMaxBatchWait   = time.Second
	defaultWriteTimeout   = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Batcher wraps a Client so that Write never blocks: points are queued and
// uploaded in batches from a background goroutine. When the queue is full
// points are dropped with a rate-limited warning. Order is preserved for the
// points that are accepted.
type Batcher struct {
	cfg         BatcherConfig
	client      Client
	points      chan Point
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce  sync.Once
	closeCtx   context.Context
	clientOnce sync.Once
	clientErr  error
}

// NewBatcher starts the background upload goroutine for client.
func NewBatcher(client Client, cfg BatcherConfig) *Batcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchPoints <= 0 {
		cfg.MaxBatchPoints = defaultMaxBatchPoints
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		cfg:         cfg,
		client:      client,
		points:      make(chan Point, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go b.run()
	return b
}

// Params is passed straight through; the config is uploaded once and the
// caller expects to know whether it arrived.
func (b *Batcher) Params(ctx context.Context, name string, params *snapshot.Snapshot) error {
	return b.client.Params(ctx, name, params)
}

// Write enqueues the batch and returns immediately.
func (b *Batcher) Write(_ context.Context, batch []Point) error {
	if b.closed.Load() {
		return fmt.Errorf("tracking batcher closed")
	}
	for _, p := range batch {
		select {
		case b.points <- p:
		default:
			b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("tracking points dropped due to backpressure", zap.Int64("dropped", count))
			}
		}
	}
	return nil
}

// Close drains queued points, closes the client and waits for the background
// goroutine. It is safe to call more than once.
func (b *Batcher) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.closeCtx = ctx
		close(b.stopCh)
	})
	select {
	case <-b.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("tracking batcher close wait: %w", ctx.Err())
	}
	b.clientOnce.Do(func() {
		if err := b.client.Close(ctx); err != nil {
			b.clientErr = fmt.Errorf("close tracking client: %w", err)
		}
	})
	return b.clientErr
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	batch := make([]Point, 0, b.cfg.MaxBatchPoints)
	timer := time.NewTimer(b.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case p := <-b.points:
			batch = append(batch, p)
			if len(batch) >= b.cfg.MaxBatchPoints {
				b.flush(context.Background(), batch)
				batch = batch[:0]
				stopTimer(timer, &timerActive)
			} else if !timerActive {
				timer.Reset(b.cfg.MaxBatchWait)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				b.flush(context.Background(), batch)
				batch = batch[:0]
			}
		case <-b.stopCh:
			stopTimer(timer, &timerActive)
			b.drain(b.closeCtx, batch)
			return
		}
	}
}

// drain runs after stopCh is closed, so closeCtx is safe to read.
func (b *Batcher) drain(ctx context.Context, batch []Point) {
	for {
		select {
		case p := <-b.points:
			batch = append(batch, p)
			if len(batch) >= b.cfg.MaxBatchPoints {
				b.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				b.flush(ctx, batch)
			}
			return
		}
	}
}

func (b *Batcher) flush(base context.Context, batch []Point) {
	ctx, cancel := context.WithTimeout(base, b.cfg.WriteTimeout)
	defer cancel()
	if err := b.client.Write(ctx, append([]Point(nil), batch...)); err != nil {
		b.logger.Warn("tracking batch upload failed", zap.Int("points", len(batch)), zap.Error(err))
	}
}

func stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
