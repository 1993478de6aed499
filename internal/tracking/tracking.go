// Package tracking defines the contract for remote experiment-tracking
// services and the async batcher used to upload to them without blocking the
// training loop. Concrete services live in sub-packages.
package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/trainlog/internal/snapshot"
)

// Run identifies the remote run a client writes to.
type Run struct {
	// ID is a client-generated run identifier.
	ID string
	// Project scopes the run on the remote service.
	Project string
	// Name is the human-readable run name, normally the experiment name.
	Name string
	// Credential authenticates against the service; never logged.
	Credential string
	// Mode is the upload mode requested by configuration.
	Mode string
}

// NewRun returns a Run with a fresh random ID.
func NewRun(project, name, credential, mode string) Run {
	return Run{
		ID:         uuid.NewString(),
		Project:    project,
		Name:       name,
		Credential: credential,
		Mode:       mode,
	}
}

// Point is one remote log call.
type Point struct {
	// Name is the subset-qualified name, e.g. "train/loss".
	Name string `json:"name"`
	// Value is nil for missing values and for artifacts.
	Value *float64 `json:"value"`
	// Artifact holds image/html payloads.
	Artifact string `json:"artifact,omitempty"`
	// Step is nil when the caller logged without a step.
	Step *int64 `json:"step"`
	// TS is when the point was logged.
	TS time.Time `json:"ts"`
}

// Client uploads to a remote tracking service. Implementations own their
// network resources and must honor ctx deadlines.
type Client interface {
	// Params uploads the run configuration once, under name.
	Params(ctx context.Context, name string, params *snapshot.Snapshot) error
	// Write uploads a batch of points in order.
	Write(ctx context.Context, batch []Point) error
	// Close flushes and releases the client.
	Close(ctx context.Context) error
}
