// Package neptune uploads runs to a Neptune-style tracking server over its
// JSON HTTP API.
package neptune

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/tracking"
)

const (
	apiPrefix      = "/api/v1/runs"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Config captures the parameters required to reach the server.
type Config struct {
	Endpoint   string
	HTTPClient *http.Client
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("neptune %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client implements tracking.Client against one remote run.
type Client struct {
	http     *http.Client
	endpoint string
	token    string
	runID    string
}

type createRunRequest struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	RunID   string `json:"run_id"`
	Mode    string `json:"mode"`
}

type createRunResponse struct {
	ID string `json:"id"`
}

type paramsRequest struct {
	Name   string             `json:"name"`
	Params *snapshot.Snapshot `json:"params"`
}

type pointsRequest struct {
	Points []tracking.Point `json:"points"`
}

// New creates the remote run and returns a client bound to it.
func New(ctx context.Context, run tracking.Run, cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("neptune endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("parse neptune endpoint: %w", err)
	}
	if run.Project == "" {
		return nil, fmt.Errorf("neptune project is required")
	}
	if run.Credential == "" {
		return nil, fmt.Errorf("neptune api token is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	c := &Client{http: httpClient, endpoint: endpoint, token: run.Credential}

	var created createRunResponse
	req := createRunRequest{Project: run.Project, Name: run.Name, RunID: run.ID, Mode: run.Mode}
	if err := c.do(ctx, apiPrefix, req, &created); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("create run: server returned empty run id")
	}
	c.runID = created.ID
	return c, nil
}

// RunID returns the server-assigned run identifier.
func (c *Client) RunID() string {
	return c.runID
}

// Params uploads the configuration snapshot.
func (c *Client) Params(ctx context.Context, name string, params *snapshot.Snapshot) error {
	if err := c.do(ctx, c.runPath("params"), paramsRequest{Name: name, Params: params}, nil); err != nil {
		return fmt.Errorf("upload params: %w", err)
	}
	return nil
}

// Write uploads a batch of points.
func (c *Client) Write(ctx context.Context, batch []tracking.Point) error {
	if len(batch) == 0 {
		return nil
	}
	if err := c.do(ctx, c.runPath("points"), pointsRequest{Points: batch}, nil); err != nil {
		return fmt.Errorf("upload points: %w", err)
	}
	return nil
}

// Close marks the run finished on the server.
func (c *Client) Close(ctx context.Context) error {
	if err := c.do(ctx, c.runPath("close"), struct{}{}, nil); err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

func (c *Client) runPath(suffix string) string {
	return apiPrefix + "/" + url.PathEscape(c.runID) + "/" + suffix
}

func (c *Client) do(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: http.MethodPost,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
