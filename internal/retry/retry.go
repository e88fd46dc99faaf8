// Package retry runs operations against flaky network services with
// exponential backoff. Transience is judged by error text because the
// local model server and the drivers in between return plain formatted
// errors rather than typed ones.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lappie/filesearcher/internal/log"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig suits local model servers.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a permanent error, or the retry
// budget runs out. The delay doubles per attempt up to MaxInterval.
func Do(ctx context.Context, cfg Config, logger log.Logger, op string, fn func() error) error {
	if logger == nil {
		logger = log.NewNop()
	}

	var lastErr error
	delay := cfg.InitialInterval
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Debug("retrying after transient error",
			"op", op, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, cfg.MaxInterval)
		}
	}
	return fmt.Errorf("%s: after %d retries: %w", op, cfg.MaxRetries, lastErr)
}

// retryablePatterns match error text from transient network and server
// conditions. Status-code patterns cover formatted HTTP failures.
var retryablePatterns = [][]string{
	{"connection refused", "connection reset", "broken pipe"},
	{"timeout", "deadline exceeded", "temporary failure"},
	{"no such host", "network is unreachable"},
	{"429", "500", "502", "503", "504"},
}

// Retryable reports whether err is worth another attempt. Cancellation
// is never retryable; per-request deadline errors are, since HTTP
// client timeouts surface as one.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := err.Error()
	// EOF matched case-sensitively: lowercasing would let the letters
	// inside an unrelated word pass for a dropped connection.
	if strings.Contains(msg, "EOF") {
		return true
	}

	msg = strings.ToLower(msg)
	for _, group := range retryablePatterns {
		if containsAny(msg, group) {
			return true
		}
	}
	return false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
