// Package pubsub streams run params and points to a Google Cloud Pub/Sub topic.
// Each log call becomes one JSON message ordered by run.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/tracking"
)

// Message kinds carried in the "kind" attribute.
const (
	KindParams = "params"
	KindPoint  = "point"
)

// Config captures the parameters required to publish.
type Config struct {
	Project string
	Topic   string
}

// Client implements tracking.Client on top of a Pub/Sub topic.
type Client struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	run        tracking.Run
	ownsClient bool
}

type paramsMessage struct {
	Name   string             `json:"name"`
	Params *snapshot.Snapshot `json:"params"`
}

// New dials Pub/Sub and binds to an existing topic.
func New(ctx context.Context, run tracking.Run, cfg Config, opts ...option.ClientOption) (*Client, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("pubsub project is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	c, err := NewWithClient(ctx, client, run, cfg.Topic)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.ownsClient = true
	return c, nil
}

// NewWithClient binds to topicID using an existing client. The caller keeps
// ownership of client.
func NewWithClient(ctx context.Context, client *pubsub.Client, run tracking.Run, topicID string) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("topic %q does not exist", topicID)
	}
	topic.EnableMessageOrdering = true
	return &Client{client: client, topic: topic, run: run}, nil
}

// Params publishes the configuration snapshot.
func (c *Client) Params(ctx context.Context, name string, params *snapshot.Snapshot) error {
	data, err := json.Marshal(paramsMessage{Name: name, Params: params})
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	res := c.topic.Publish(ctx, c.message(KindParams, data))
	if _, err := res.Get(ctx); err != nil {
		c.topic.ResumePublish(c.run.ID)
		return fmt.Errorf("publish params: %w", err)
	}
	return nil
}

// Write publishes every point and waits for the server acknowledgements.
func (c *Client) Write(ctx context.Context, batch []tracking.Point) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, p := range batch {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal point %q: %w", p.Name, err)
		}
		results = append(results, c.topic.Publish(ctx, c.message(KindPoint, data)))
	}
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			c.topic.ResumePublish(c.run.ID)
			return fmt.Errorf("publish point: %w", err)
		}
	}
	return nil
}

// Close flushes outstanding messages and releases the client when owned.
func (c *Client) Close(context.Context) error {
	c.topic.Stop()
	if !c.ownsClient {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (c *Client) message(kind string, data []byte) *pubsub.Message {
	return &pubsub.Message{
		Data:        data,
		OrderingKey: c.run.ID,
		Attributes: map[string]string{
			"run_id":     c.run.ID,
			"project":    c.run.Project,
			"experiment": c.run.Name,
			"kind":       kind,
		},
	}
}
