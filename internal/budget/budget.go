// Package budget tracks the wall-clock budget of a research session. The
// clock starts at session creation, so a resumed session keeps spending
// the budget it had before the restart.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// Monitor compares elapsed session time against a fixed limit.
type Monitor struct {
	start time.Time
	limit time.Duration
	now   func() time.Time
}

// NewMonitor starts tracking from start. A non-positive limit disables the
// budget. now defaults to time.Now.
func NewMonitor(start time.Time, limit time.Duration, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{start: start, limit: limit, now: now}
}

// Elapsed returns the time spent since the session was created.
func (m *Monitor) Elapsed() time.Duration {
	return m.now().Sub(m.start)
}

// Remaining returns the unspent budget, never negative.
func (m *Monitor) Remaining() time.Duration {
	if m.limit <= 0 {
		return 0
	}
	left := m.limit - m.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// Check returns research.SessionTimeout once the budget is spent.
func (m *Monitor) Check() error {
	if m.limit <= 0 {
		return nil
	}
	if elapsed := m.Elapsed(); elapsed >= m.limit {
		return research.SessionTimeout{Budget: m.limit, Elapsed: elapsed}
	}
	return nil
}

// Bind derives a context that expires when the remaining budget runs out.
// context.Cause on the expired context is a research.SessionTimeout.
func (m *Monitor) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.limit <= 0 {
		return context.WithCancel(ctx)
	}
	cause := research.SessionTimeout{Budget: m.limit, Elapsed: m.limit}
	return context.WithDeadlineCause(ctx, time.Now().Add(m.Remaining()), cause)
}

// Exceeded reports whether err, or the cause of ctx, is a budget overrun.
func Exceeded(ctx context.Context, err error) bool {
	var timeout research.SessionTimeout
	if errors.As(err, &timeout) {
		return true
	}
	if ctx != nil && ctx.Err() != nil {
		return errors.As(context.Cause(ctx), &timeout)
	}
	return false
}
