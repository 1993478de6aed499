// Package memory records tracking calls in-process. It backs the debug mode,
// where nothing leaves the machine, and doubles as a test fake.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/tracking"
)

// Client stores params and points for inspection.
type Client struct {
	mu     sync.RWMutex
	params map[string]*snapshot.Snapshot
	points []tracking.Point
	closed bool
}

// New returns an empty Client.
func New() *Client {
	return &Client{params: make(map[string]*snapshot.Snapshot)}
}

// Params records the snapshot under name.
func (c *Client) Params(_ context.Context, name string, params *snapshot.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[name] = params
	return nil
}

// Write records the batch.
func (c *Client) Write(_ context.Context, batch []tracking.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = append(c.points, batch...)
	return nil
}

// Close marks the client closed.
func (c *Client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Points returns the recorded points.
func (c *Client) Points() []tracking.Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]tracking.Point, len(c.points))
	copy(out, c.points)
	return out
}

// ParamsFor returns the snapshot recorded under name.
func (c *Client) ParamsFor(name string) (*snapshot.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.params[name]
	return p, ok
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
