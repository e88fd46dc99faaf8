package chat

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

	"github.com/lappie/filesearcher/internal/log"
	"github.com/lappie/filesearcher/internal/retry"
)

// ErrService indicates the chat model failed after retries. The caller
// decides what to persist; no assistant message exists for this turn.
var ErrService = errors.New("chat service error")

// Message roles on the model wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModelMessage is one message in a model conversation.
type ModelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls the Ollama chat endpoint. Safe for concurrent use.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	retry   retry.Config
	logger  log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the retry policy.
func WithRetry(rc retry.Config) ClientOption {
	return func(c *Client) { c.retry = rc }
}

// NewClient creates a Client for the Ollama endpoint at baseURL.
func NewClient(baseURL, model string, timeout time.Duration, logger log.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   model,
		http:    &http.Client{Timeout: timeout},
		retry:   retry.DefaultConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []ModelMessage `json:"messages"`
	Stream   bool           `json:"stream"`
}

type chatResponse struct {
	Message ModelMessage `json:"message"`
}

// Chat sends a full conversation and returns the model's reply.
func (c *Client) Chat(ctx context.Context, messages []ModelMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var reply string
	err = retry.Do(ctx, c.retry, c.logger, "chat", func() error {
		r, err := c.doRequest(ctx, body)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrService, err)
	}
	return reply, nil
}

// Complete sends a single-prompt conversation. It satisfies the
// rerank.Completer interface.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.Chat(ctx, []ModelMessage{{Role: RoleUser, Content: prompt}})
}

func (c *Client) doRequest(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if strings.TrimSpace(parsed.Message.Content) == "" {
		return "", errors.New("empty model reply")
	}
	return parsed.Message.Content, nil
}
