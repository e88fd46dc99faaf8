// Package embed provides the client for the embedding service.
//
// The service is Ollama's native /api/embeddings endpoint, consumed as an
// opaque network dependency: one request per input text, bounded batches,
// retry with exponential backoff on transient failures, and a shared rate
// limiter across calls.
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

	"golang.org/x/time/rate"

	"github.com/lappie/filesearcher/internal/log"
	"github.com/lappie/filesearcher/internal/retry"
)

var (
	// ErrService indicates the embedding service failed after the retry
	// budget was exhausted. Callers may retry the whole operation later.
	ErrService = errors.New("embedding service error")

	// ErrEmptyEmbedding indicates the service returned no vector.
	ErrEmptyEmbedding = errors.New("empty embedding returned")

	// ErrInconsistentDimensions indicates vectors of different lengths
	// within one response set, which can never be stored.
	ErrInconsistentDimensions = errors.New("inconsistent embedding dimensions")
)

// DefaultMaxBatch caps how many texts one EmbedTexts call processes per
// slice; it bounds working memory, not a wire payload, since Ollama
// takes one prompt per request.
const DefaultMaxBatch = 32

// Client calls the embedding endpoint. Safe for concurrent use.
type Client struct {
	baseURL  string
	model    string
	http     *http.Client
	limiter  *rate.Limiter
	maxBatch int
	retry    retry.Config
	logger   log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLimiter sets the request rate limiter. Default: unlimited.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMaxBatch sets the batch cap for EmbedTexts.
func WithMaxBatch(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

// WithRetry sets the retry policy.
func WithRetry(rc retry.Config) Option {
	return func(c *Client) { c.retry = rc }
}

// New creates a Client for the Ollama endpoint at baseURL.
func New(baseURL, model string, timeout time.Duration, logger log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Client{
		baseURL:  normalizeBaseURL(baseURL),
		model:    model,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Inf, 1),
		maxBatch: DefaultMaxBatch,
		retry:    retry.DefaultConfig(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// normalizeBaseURL strips trailing slashes and a legacy /v1 suffix.
func normalizeBaseURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	u = strings.TrimSuffix(u, "/v1")
	return u
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedText embeds a single text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds texts in input order, one vector per text. A failure
// on any text fails the whole batch so callers never see partial
// results.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.maxBatch {
		end := min(start+c.maxBatch, len(texts))
		for _, text := range texts[start:end] {
			vec, err := c.embedOne(ctx, text)
			if err != nil {
				return nil, err
			}
			vecs = append(vecs, vec)
		}
	}

	for i, v := range vecs {
		if len(v) != len(vecs[0]) {
			return nil, fmt.Errorf("%w: text %d has %d, text 0 has %d",
				ErrInconsistentDimensions, i, len(v), len(vecs[0]))
		}
	}
	return vecs, nil
}

// embedOne issues one embedding request with retry.
func (c *Client) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var vec []float32
	err = retry.Do(ctx, c.retry, c.logger, "embed", func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		v, err := c.doRequest(ctx, body)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEmptyEmbedding) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}
	return vec, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return parsed.Embedding, nil
}
