// Package embed generates vector embeddings for transcript segments,
// document sections, motions, and key statements so they can be
// searched semantically. Vectors are written together with the hash of
// the text that produced them; rows whose text has not changed are
// never re-embedded.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hansard/internal/config"
)

const (
	defaultEmbedEndpoint = "https://api.openai.com/v1/embeddings"
	defaultEmbedTimeout  = 60 * time.Second

	maxEmbedAttempts       = 4
	embedRetryInitialDelay = time.Second
	embedRetryMaxDelay     = 10 * time.Second
)

// Client wraps an OpenAI-compatible embeddings endpoint.
type Client struct {
	cfg        config.Embeddings
	endpoint   string
	httpClient *http.Client
}

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs an embeddings client from configuration.
func NewClient(cfg config.Embeddings, opts ...ClientOption) *Client {
	timeout := defaultEmbedTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg:        cfg,
		endpoint:   strings.TrimSpace(cfg.BaseURL),
		httpClient: &http.Client{Timeout: timeout},
	}
	if client.endpoint == "" {
		client.endpoint = defaultEmbedEndpoint
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("embeddings request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Embed returns one vector per input, in input order. The provider may
// reorder its response; results are re-sorted by the returned index.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errors.New("embed: api key required")
	}

	// The API rejects empty strings outright.
	clean := make([]string, len(inputs))
	for i, input := range inputs {
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			trimmed = " "
		}
		clean[i] = trimmed
	}

	var vectors [][]float32
	operation := func() error {
		result, err := c.send(ctx, clean)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vectors = result
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = embedRetryInitialDelay
	bo.MaxInterval = embedRetryMaxDelay
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxEmbedAttempts-1), ctx)); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (c *Client) send(ctx context.Context, inputs []string) ([][]float32, error) {
	encoded, err := json.Marshal(embeddingsRequest{Model: c.cfg.Model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("embed: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload embeddingsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if payload.Error != nil {
		return nil, fmt.Errorf("embed: provider error: %s", payload.Error.Message)
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range payload.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embed: response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, fmt.Errorf("embed: no vector returned for input %d", i)
		}
	}
	return vectors, nil
}

func retryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode >= 500
	}
	return true
}
