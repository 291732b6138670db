package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/deepsearch/internal/executor"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// Instruments are the metrics recorded by the pipeline.
type Instruments struct {
	taskDuration   otelmetric.Float64Histogram
	taskStatus     otelmetric.Int64Counter
	tasksInFlight  otelmetric.Int64UpDownCounter
	transitions    otelmetric.Int64Counter
	judgeDecisions otelmetric.Int64Counter
}

// NewInstruments registers the pipeline instruments on meter.
func NewInstruments(meter otelmetric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	if in.taskDuration, err = meter.Float64Histogram("deepsearch_task_duration_seconds",
		otelmetric.WithDescription("Worker task duration"), otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}
	if in.taskStatus, err = meter.Int64Counter("deepsearch_tasks_total",
		otelmetric.WithDescription("Worker tasks by kind and status")); err != nil {
		return nil, err
	}
	if in.tasksInFlight, err = meter.Int64UpDownCounter("deepsearch_tasks_in_flight",
		otelmetric.WithDescription("Worker tasks currently running")); err != nil {
		return nil, err
	}
	if in.transitions, err = meter.Int64Counter("deepsearch_session_transitions_total",
		otelmetric.WithDescription("Session state transitions")); err != nil {
		return nil, err
	}
	if in.judgeDecisions, err = meter.Int64Counter("deepsearch_judge_decisions_total",
		otelmetric.WithDescription("A/B adoption decisions")); err != nil {
		return nil, err
	}
	return &in, nil
}

// PoolMetrics returns executor callbacks backed by the instruments.
func (in *Instruments) PoolMetrics() executor.Metrics {
	if in == nil {
		return executor.Metrics{}
	}
	return executor.Metrics{
		Started: func(ctx context.Context, t executor.Task) {
			in.tasksInFlight.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", string(t.Request.Kind))))
		},
		Finished: func(ctx context.Context, t executor.Task, r executor.TaskResult) {
			attrs := otelmetric.WithAttributes(
				attribute.String("kind", string(t.Request.Kind)),
				attribute.String("status", string(r.Status)),
			)
			// ctx may already be cancelled; metrics are recorded regardless
			bg := context.WithoutCancel(ctx)
			in.tasksInFlight.Add(bg, -1, otelmetric.WithAttributes(attribute.String("kind", string(t.Request.Kind))))
			in.taskStatus.Add(bg, 1, attrs)
			in.taskDuration.Record(bg, r.Duration().Seconds(), attrs)
		},
	}
}

// RecordTransition counts one session state change.
func (in *Instruments) RecordTransition(ctx context.Context, from, to research.Status) {
	if in == nil {
		return
	}
	in.transitions.Add(context.WithoutCancel(ctx), 1, otelmetric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// RecordDecision counts one A/B decision.
func (in *Instruments) RecordDecision(ctx context.Context, d research.Decision) {
	if in == nil {
		return
	}
	in.judgeDecisions.Add(context.WithoutCancel(ctx), 1, otelmetric.WithAttributes(attribute.String("decision", string(d))))
}
