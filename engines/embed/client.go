// Package embed talks to an Ollama-compatible embedding endpoint.
package embed

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/pulse/resilience"
)

const embedPath = "/api/embed"

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client implements pipeline.Embedder over POST /api/embed.
type Client struct {
	model   string
	baseURL string
	client  *resty.Client
	logger  *zap.SugaredLogger
}

var _ pipeline.Embedder = (*Client)(nil)

// New creates a client for cfg.BaseURL.
func New(cfg am.EmbedConfig, log *zap.SugaredLogger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.NewInvalidRequestError("engines.embed.base_url is required")
	}
	if cfg.Model == "" {
		return nil, errors.NewInvalidRequestError("engines.embed.model is required")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}

	client := resty.New()
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")

	return &Client{model: cfg.Model, baseURL: baseURL, client: client, logger: log.Named("embed")}, nil
}

// Model implements pipeline.Embedder.
func (c *Client) Model() string { return c.model }

// Close releases idle connections.
func (c *Client) Close() error { return c.client.Close() }

// Embed implements pipeline.Embedder. Vectors come back in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out embedResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: c.model, Input: texts}).
		SetResult(&out).
		Post(embedPath)
	if err != nil {
		return nil, errors.Wrap(err, "embedding request failed")
	}
	if resp.IsError() {
		body := resp.String()
		var apiErr errorResponse
		if json.Unmarshal([]byte(body), &apiErr) == nil && apiErr.Error != "" {
			body = apiErr.Error
		}
		return nil, &resilience.HTTPStatusError{
			StatusCode: resp.StatusCode(),
			URL:        c.baseURL + embedPath,
			Body:       body,
		}
	}
	if len(out.Embeddings) != len(texts) {
		return nil, errors.NewIntegrityError("embedding endpoint returned %d vectors for %d inputs",
			len(out.Embeddings), len(texts))
	}

	c.logger.Debugw("Embedded batch", logger.FieldBatchSize, len(texts), "model", c.model)
	return out.Embeddings, nil
}
