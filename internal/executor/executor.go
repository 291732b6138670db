package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

// DefaultConcurrency is used when RunAll is given a non-positive limit.
const DefaultConcurrency = 6

// Task is one worker invocation keyed by the sub-question it serves.
type Task struct {
	ID      string
	Request worker.Request
}

// TaskResult is the classified outcome of one task.
type TaskResult struct {
	TaskID     string
	Status     research.WorkerStatus
	Payload    json.RawMessage
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the task ran.
func (r TaskResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Finding converts the result into a finding record for the given attempt.
func (r TaskResult) Finding(attempt int) research.Finding {
	f := research.Finding{
		SubQuestionID: r.TaskID,
		Attempt:       attempt,
		WorkerStatus:  r.Status,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	if r.Status == research.WorkerOK {
		f.Payload = r.Payload
	}
	if r.Err != nil {
		f.Error = r.Err.Error()
	}
	return f
}

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	Started  func(context.Context, Task)
	Finished func(context.Context, Task, TaskResult)
}

// Pool runs worker invocations under a concurrency bound with per-task
// timeouts. Failures are recorded as data; siblings are never aborted.
type Pool struct {
	invoker worker.Invoker
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures pool behaviour.
type Option func(*Pool)

// WithMetrics sets pool metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the clock used for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a pool backed by invoker.
func New(invoker worker.Invoker, opts ...Option) *Pool {
	p := &Pool{invoker: invoker, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunAll executes tasks with at most limit in flight and returns results
// keyed by task id. Results arrive in completion order over a channel; the
// map makes consumers independent of that order.
//
// The limit counts slots, not invoker calls. A slot is freed when its task
// times out, so an invoker that ignores ctx keeps running in the background
// and the number of live Invoke calls can exceed limit until it returns.
func (p *Pool) RunAll(ctx context.Context, tasks []Task, limit int, perTaskTimeout time.Duration) map[string]TaskResult {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	out := make(map[string]TaskResult, len(tasks))
	if len(tasks) == 0 {
		return out
	}

	results := make(chan TaskResult, len(tasks))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range results {
			out[r.TaskID] = r
		}
	}()

	var g errgroup.Group
	g.SetLimit(limit)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			results <- p.Run(ctx, task, perTaskTimeout)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-collected
	return out
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// Run executes a single task. A worker that ignores its context still
// releases the caller at the deadline; its late result is dropped.
func (p *Pool) Run(ctx context.Context, task Task, timeout time.Duration) TaskResult {
	res := TaskResult{TaskID: task.ID, StartedAt: p.now()}
	if err := ctx.Err(); err != nil {
		res.Status = research.WorkerCancelled
		res.Err = err
		res.FinishedAt = res.StartedAt
		return res
	}
	if p.metrics.Started != nil {
		p.metrics.Started(ctx, task)
	}

	var (
		tctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		tctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req := task.Request
	if req.TaskID == "" {
		req.TaskID = task.ID
	}
	req.Timeout = timeout

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		payload, err := p.invoker.Invoke(tctx, req)
		done <- outcome{payload: payload, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tctx.Done():
		o.err = tctx.Err()
	}
	res.FinishedAt = p.now()
	res.Status, res.Err = classify(ctx, tctx, o)
	if res.Status == research.WorkerOK {
		res.Payload = o.payload
	}

	p.logger.Debug("task finished",
		zap.String("task_id", task.ID),
		zap.String("kind", string(req.Kind)),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration()),
		zap.Error(res.Err),
	)
	if p.metrics.Finished != nil {
		p.metrics.Finished(ctx, task, res)
	}
	return res
}

// classify maps an outcome to a worker status. Parent cancellation wins
// over everything so a cancelled task is never reported as failed.
func classify(parent, tctx context.Context, o outcome) (research.WorkerStatus, error) {
	if err := parent.Err(); err != nil {
		return research.WorkerCancelled, err
	}
	if o.err == nil {
		if len(o.payload) == 0 {
			return research.WorkerError, errors.New("worker returned an empty payload")
		}
		if !json.Valid(o.payload) {
			return research.WorkerError, errors.New("worker returned invalid JSON")
		}
		return research.WorkerOK, nil
	}
	if errors.Is(o.err, worker.ErrTimeout) || errors.Is(o.err, context.DeadlineExceeded) ||
		errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return research.WorkerTimeout, o.err
	}
	return research.WorkerError, o.err
}
