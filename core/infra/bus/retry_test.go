package bus

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRetryableError(t *testing.T) {
	err := &RetryableError{Err: errors.New("boom")}
	if !strings.Contains(err.Error(), "boom") || strings.Contains(err.Error(), "after") {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	if err.Unwrap() == nil {
		t.Fatalf("expected unwrap error")
	}

	err = &RetryableError{Err: errors.New("later"), Delay: 2 * time.Second}
	if !strings.Contains(err.Error(), "retry after 2s") {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestRetryDelayThroughWrapping(t *testing.T) {
	err := fmt.Errorf("correlate: %w", RetryAfter(errors.New("redis down"), 5*time.Second))
	delay, ok := RetryDelay(err)
	if !ok || delay != 5*time.Second {
		t.Fatalf("unexpected retry delay: %v %v", delay, ok)
	}
}

func TestRetryDelayNonRetryable(t *testing.T) {
	if delay, ok := RetryDelay(errors.New("no")); ok || delay != 0 {
		t.Fatalf("expected no retry delay")
	}
}

func TestRetryAfterClamp(t *testing.T) {
	err := RetryAfter(nil, -5*time.Second)
	if delay, ok := RetryDelay(err); !ok || delay != 0 {
		t.Fatalf("expected clamped delay")
	}
}
