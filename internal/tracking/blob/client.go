// Package blob archives runs as objects: the config as JSON and each uploaded
// batch as a JSON-lines object, under <prefix>/<run id>/.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/storage"
	"github.com/JakeFAU/trainlog/internal/tracking"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"
	defaultPrefix    = "runs"
)

// Config controls object naming.
type Config struct {
	Prefix string
}

// Manifest is written on Close and summarizes the archived run.
type Manifest struct {
	RunID      string    `json:"run_id"`
	Project    string    `json:"project,omitempty"`
	Experiment string    `json:"experiment"`
	Batches    int       `json:"batches"`
	Points     int       `json:"points"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Client implements tracking.Client on top of a storage.BlobStore.
type Client struct {
	store storage.BlobStore
	run   tracking.Run
	root  string
	now   func() time.Time

	mu      sync.Mutex
	batches int
	points  int
}

// New returns a client writing under cfg.Prefix.
func New(store storage.BlobStore, run tracking.Run, cfg Config) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if run.ID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Client{
		store: store,
		run:   run,
		root:  path.Join(prefix, run.ID),
		now:   time.Now,
	}, nil
}

// Root returns the object prefix of the run.
func (c *Client) Root() string {
	return c.root
}

// Params writes <root>/<name>.json.
func (c *Client) Params(ctx context.Context, name string, params *snapshot.Snapshot) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if _, err := c.store.PutObject(ctx, path.Join(c.root, name+".json"), contentTypeJSON, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put params: %w", err)
	}
	return nil
}

// Write stores the batch as the next numbered JSON-lines object.
func (c *Client) Write(ctx context.Context, batch []tracking.Point) error {
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range batch {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encode point %q: %w", p.Name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	name := path.Join(c.root, "points", fmt.Sprintf("%06d.jsonl", c.batches+1))
	if _, err := c.store.PutObject(ctx, name, contentTypeJSONL, &buf); err != nil {
		return fmt.Errorf("put points: %w", err)
	}
	c.batches++
	c.points += len(batch)
	return nil
}

// Close writes the run manifest and closes the store when it is closable.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	manifest := Manifest{
		RunID:      c.run.ID,
		Project:    c.run.Project,
		Experiment: c.run.Name,
		Batches:    c.batches,
		Points:     c.points,
		ClosedAt:   c.now().UTC(),
	}
	c.mu.Unlock()

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := c.store.PutObject(ctx, path.Join(c.root, "run.json"), contentTypeJSON, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}
	if closer, ok := c.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close blob store: %w", err)
		}
	}
	return nil
}
