package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func fast() Config {
	return Config{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(), nil, "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("schema violation")
	calls := 0
	err := Do(context.Background(), fast(), nil, "op", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want wrapped permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(), nil, "op", func() error {
		calls++
		return errors.New("timeout waiting for server")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (initial + 3 retries)", calls)
	}
}

func TestDoRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fast(), nil, "op", func() error {
		calls++
		return errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"http 503", errors.New("request failed: 503 overloaded"), true},
		{"http 429", errors.New("request failed: 429 too many requests"), true},
		{"client timeout", errors.New("context deadline exceeded (Client.Timeout exceeded)"), true},
		{"wrapped eof", fmt.Errorf("read response: %w", io.ErrUnexpectedEOF), true},
		{"eof in message", errors.New("unexpected EOF"), true},
		{"eof letters inside a word", errors.New("leofric is not a known host alias"), false},
		{"canceled", context.Canceled, false},
		{"bad request", errors.New("request failed: 400 bad request"), false},
		{"parse error", errors.New("decode response: invalid character"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
