// Package embedclient is an HTTP client for the embedding model server
// (spec.md §4.J, §6.3): embed, embed_batch, check_health. The server itself
// is explicitly out of scope for this repo.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Dim is the reference model's fixed embedding dimension (spec.md §3.7,
// §6.3). Vector search and memory_embeddings.dim both assume this.
const Dim = 1024

// ErrUnavailable is returned when the embedding server could not be reached
// or is unhealthy after retries. Callers decide whether to degrade to
// fts_search (spec.md §4.G's find()).
var ErrUnavailable = errors.New("embedclient: embedding server unavailable")

// Client talks to a single embedding server over HTTP.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	maxElapsed time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (timeouts, transport).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxElapsed overrides the retry policy's total time budget.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Client) { c.maxElapsed = d }
}

// New creates a Client for baseURL (e.g. "http://localhost:8081") using
// model for embed requests.
func New(baseURL, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxElapsed: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) retryBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.WithContext(bo, ctx)
}

// embedRequest/embedResponse follow the Ollama-shaped wire contract spec.md
// §6.3 pins exactly: POST /api/embeddings {model, prompt} -> {embedding}.
// There is no batch endpoint in that contract; EmbedBatch is a client-side
// loop over one request per text.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns text's embedding vector. Retries transient failures
// (network errors, 5xx responses) with exponential backoff, matching the
// teacher's newServerRetryBackoff pattern; any other non-200 response or a
// malformed body is non-retryable.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	op := func() error {
		vec, retryable, err := c.doEmbed(ctx, text)
		if err != nil {
			if retryable {
				return err
			}
			return backoff.Permanent(err)
		}
		result = vec
		return nil
	}

	if err := backoff.Retry(op, c.retryBackoff(ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

// EmbedBatch returns one embedding vector per input text, in order, by
// calling Embed once per text (spec.md §6.3 defines no batch endpoint).
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		result[i] = vec
	}
	return result, nil
}

// doEmbed makes one attempt. retryable distinguishes a transient failure
// (network error, 5xx) worth another attempt from a permanent one (4xx,
// malformed response) that would just fail the same way again.
func (c *Client) doEmbed(ctx context.Context, text string) (vec []float32, retryable bool, err error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, false, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("embed server error: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("embed request rejected: %s: %s", resp.Status, data)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, false, fmt.Errorf("embed response carried no embedding")
	}
	return out.Embedding, false, nil
}

// HealthStatus is check_health's result (spec.md §4.G: embedder_available,
// model?).
type HealthStatus struct {
	Available bool   `json:"embedder_available"`
	Model     string `json:"model,omitempty"`
}

// tagsResponse is /api/tags's response shape (spec.md §6.3 health route):
// a list of locally available models.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// CheckHealth reports whether the embedding server is reachable, without
// retrying — health checks should fail fast.
func (c *Client) CheckHealth(ctx context.Context) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return HealthStatus{Available: false}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{Available: false}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthStatus{Available: false}
	}

	var out tagsResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	status := HealthStatus{Available: true}
	if len(out.Models) > 0 {
		status.Model = out.Models[0].Name
	}
	return status
}

