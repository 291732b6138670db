package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func TestMonitorCheck(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Minute)
	m := NewMonitor(start, 30*time.Minute, func() time.Time { return now })
	if err := m.Check(); err != nil {
		t.Fatalf("unexpected error inside budget: %v", err)
	}
	if got := m.Remaining(); got != 20*time.Minute {
		t.Fatalf("remaining = %s", got)
	}

	now = start.Add(31 * time.Minute)
	err := m.Check()
	var timeout research.SessionTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("expected SessionTimeout, got %v", err)
	}
	if timeout.Budget != 30*time.Minute || timeout.Elapsed != 31*time.Minute {
		t.Fatalf("unexpected timeout %+v", timeout)
	}
	if m.Remaining() != 0 {
		t.Fatalf("remaining should clamp at zero")
	}
}

func TestMonitorDisabled(t *testing.T) {
	m := NewMonitor(time.Now().Add(-time.Hour), 0, nil)
	if err := m.Check(); err != nil {
		t.Fatalf("disabled budget reported %v", err)
	}
	ctx, cancel := m.Bind(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Fatalf("disabled budget should not set a deadline")
	}
}

func TestBindExpiresWithTimeoutCause(t *testing.T) {
	m := NewMonitor(time.Now(), 20*time.Millisecond, nil)
	ctx, cancel := m.Bind(context.Background())
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("bound context never expired")
	}
	if !Exceeded(ctx, ctx.Err()) {
		t.Fatalf("expected cause to be a session timeout, got %v", context.Cause(ctx))
	}
}

func TestExceededIgnoresPlainCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Exceeded(ctx, ctx.Err()) {
		t.Fatalf("plain cancellation is not a budget overrun")
	}
}
