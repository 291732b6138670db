package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

type peakInvoker struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
}

func (p *peakInvoker) Invoke(ctx context.Context, req worker.Request) (json.RawMessage, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.RawMessage(`{"task":"` + req.TaskID + `"}`), nil
}

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		id := fmt.Sprintf("sq-%02d", i+1)
		tasks[i] = Task{ID: id, Request: worker.Request{Kind: worker.KindSearch}}
	}
	return tasks
}

func TestRunAllNeverExceedsConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	for _, tc := range []struct{ tasks, limit int }{{1, 1}, {5, 2}, {12, 6}, {30, 4}, {3, 10}} {
		inv := &peakInvoker{delay: 5 * time.Millisecond}
		pool := New(inv)
		results := pool.RunAll(context.Background(), makeTasks(tc.tasks), tc.limit, time.Second)
		if len(results) != tc.tasks {
			t.Fatalf("tasks=%d: expected %d results, got %d", tc.tasks, tc.tasks, len(results))
		}
		if peak := inv.peak.Load(); peak > int64(tc.limit) {
			t.Fatalf("tasks=%d limit=%d: peak concurrency %d", tc.tasks, tc.limit, peak)
		}
		for id, r := range results {
			if r.Status != research.WorkerOK || r.TaskID != id {
				t.Fatalf("unexpected result for %s: %+v", id, r)
			}
		}
	}
}

func TestRunAllTimeoutDoesNotBlockSiblings(t *testing.T) {
	release := make(chan struct{})
	defer goleak.VerifyNone(t)
	defer close(release)

	inv := worker.InvokerFunc(func(ctx context.Context, req worker.Request) (json.RawMessage, error) {
		if req.TaskID == "sq-01" {
			// ignores ctx entirely
			<-release
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	start := time.Now()
	results := New(inv).RunAll(context.Background(), makeTasks(4), 2, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("pool blocked on a non-cooperative worker for %s", elapsed)
	}
	if results["sq-01"].Status != research.WorkerTimeout {
		t.Fatalf("expected timeout, got %+v", results["sq-01"])
	}
	if results["sq-01"].Payload != nil {
		t.Fatalf("timed out task must not carry a payload")
	}
	for _, id := range []string{"sq-02", "sq-03", "sq-04"} {
		if results[id].Status != research.WorkerOK {
			t.Fatalf("sibling %s not ok: %+v", id, results[id])
		}
	}
}

func TestRunAllFreesSlotsOfIgnoredTimeouts(t *testing.T) {
	release := make(chan struct{})
	defer goleak.VerifyNone(t)

	var live atomic.Int64
	inv := worker.InvokerFunc(func(ctx context.Context, req worker.Request) (json.RawMessage, error) {
		live.Add(1)
		defer live.Add(-1)
		<-release
		return json.RawMessage(`{}`), nil
	})
	results := New(inv).RunAll(context.Background(), makeTasks(3), 1, 20*time.Millisecond)
	for id, r := range results {
		if r.Status != research.WorkerTimeout {
			t.Fatalf("%s: expected timeout, got %+v", id, r)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for live.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	n := live.Load()
	close(release)
	if n != 3 {
		t.Fatalf("expected all 3 ignored invocations still running past limit 1, got %d", n)
	}
	deadline = time.Now().Add(2 * time.Second)
	for live.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunAllRecordsErrorsWithoutAbortingSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)
	inv := worker.InvokerFunc(func(ctx context.Context, req worker.Request) (json.RawMessage, error) {
		switch req.TaskID {
		case "sq-02":
			return nil, errors.New("upstream 500")
		case "sq-03":
			panic("boom")
		case "sq-04":
			return nil, nil
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	results := New(inv).RunAll(context.Background(), makeTasks(5), 3, time.Second)
	want := map[string]research.WorkerStatus{
		"sq-01": research.WorkerOK,
		"sq-02": research.WorkerError,
		"sq-03": research.WorkerError,
		"sq-04": research.WorkerError,
		"sq-05": research.WorkerOK,
	}
	for id, status := range want {
		if results[id].Status != status {
			t.Fatalf("%s: expected %s, got %+v", id, status, results[id])
		}
	}
}

func TestRunAllCancellationMarksTasksCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	inv := worker.InvokerFunc(func(ictx context.Context, req worker.Request) (json.RawMessage, error) {
		once.Do(cancel)
		<-ictx.Done()
		return json.RawMessage(`{"partial":true}`), nil
	})
	results := New(inv).RunAll(ctx, makeTasks(6), 2, time.Minute)
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	for id, r := range results {
		if r.Status != research.WorkerCancelled {
			t.Fatalf("%s: expected cancelled, got %s", id, r.Status)
		}
		if r.Payload != nil {
			t.Fatalf("%s: cancelled task kept partial payload", id)
		}
	}
}

func TestRunInvokesMetricsAndFinding(t *testing.T) {
	var started, finished atomic.Int64
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := New(worker.InvokerFunc(func(ctx context.Context, req worker.Request) (json.RawMessage, error) {
		if req.Timeout != time.Second || req.TaskID != "sq-07" {
			t.Errorf("request not stamped: %+v", req)
		}
		return json.RawMessage(`{"x":1}`), nil
	}), WithMetrics(Metrics{
		Started:  func(context.Context, Task) { started.Add(1) },
		Finished: func(context.Context, Task, TaskResult) { finished.Add(1) },
	}), WithClock(func() time.Time { return clock }))

	res := pool.Run(context.Background(), Task{ID: "sq-07"}, time.Second)
	if started.Load() != 1 || finished.Load() != 1 {
		t.Fatalf("metrics not called: started=%d finished=%d", started.Load(), finished.Load())
	}
	f := res.Finding(2)
	if f.SubQuestionID != "sq-07" || f.Attempt != 2 || !f.Usable() || !f.FinishedAt.Equal(clock) {
		t.Fatalf("unexpected finding %+v", f)
	}
}
