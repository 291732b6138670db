// Package orchestrator drives research sessions through the phase state
// machine, persisting a snapshot on every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/budget"
	"github.com/mohammad-safakhou/deepsearch/internal/events"
	"github.com/mohammad-safakhou/deepsearch/internal/executor"
	"github.com/mohammad-safakhou/deepsearch/internal/phase"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
)

// MaxTopicLength bounds the topic in characters.
const MaxTopicLength = 500

var orchestratorTracer trace.Tracer = otel.Tracer("deepsearch/internal/orchestrator")

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	Transition func(ctx context.Context, from, to research.Status)
}

// StepResult describes the transition one Advance produced.
type StepResult struct {
	Session research.Session
	From    research.Status
	To      research.Status
	Seq     int
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator owns session state. It is the only component that writes
// to the store.
type Orchestrator struct {
	store    store.SessionStore
	pipeline config.PipelineConfig
	locker   store.Locker
	sink     events.Sink
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() (string, error)

	planning     *phase.Planning
	searching    *phase.Searching
	evaluating   *phase.Evaluating
	synthesizing *phase.Synthesizing

	mu      sync.Mutex
	running map[string]*run
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLocker sets the single-writer lock. Defaults to a process-local lock.
func WithLocker(l store.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithSink sets where transition events are published.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithMetrics sets orchestrator metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for timestamps and budget checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// New wires an orchestrator around a store and a task pool.
func New(st store.SessionStore, pool *executor.Pool, pipeline config.PipelineConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		pipeline: pipeline.Normalize(),
		locker:   store.NewLocalLocker(),
		sink:     events.NopSink{},
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newSessionID,
		running:  make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	deps := phase.Deps{Pool: pool, Pipeline: o.pipeline, Logger: o.logger.Named("phase"), Now: o.now}
	o.planning = &phase.Planning{Deps: deps}
	o.searching = &phase.Searching{Deps: deps}
	o.evaluating = &phase.Evaluating{Deps: deps}
	o.synthesizing = &phase.Synthesizing{Deps: deps}
	return o
}

func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ValidateTopic trims the topic and rejects empty, oversized or control
// character input.
func ValidateTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("%w: topic is empty", research.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(topic); n > MaxTopicLength {
		return "", fmt.Errorf("%w: topic has %d characters, limit is %d", research.ErrInvalidInput, n, MaxTopicLength)
	}
	if !utf8.ValidString(topic) {
		return "", fmt.Errorf("%w: topic is not valid UTF-8", research.ErrInvalidInput)
	}
	for _, r := range topic {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: topic contains control characters", research.ErrInvalidInput)
		}
	}
	return topic, nil
}

// StartSession validates the request and persists the created snapshot.
func (o *Orchestrator) StartSession(ctx context.Context, topic string, tier int) (research.Session, error) {
	topic, err := ValidateTopic(topic)
	if err != nil {
		return research.Session{}, err
	}
	if _, _, err := research.TierBounds(tier); err != nil {
		return research.Session{}, err
	}
	id, err := o.newID()
	if err != nil {
		return research.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := o.now()
	sess := research.Session{
		ID:        id,
		Topic:     topic,
		DepthTier: tier,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    research.StatusCreated,
		OutputDir: o.outputDir(id),
	}
	snap := research.Snapshot{
		Seq:     1,
		Session: sess,
		History: []research.Transition{{To: research.StatusCreated, At: now}},
	}
	if err := o.store.Save(ctx, snap); err != nil {
		return research.Session{}, err
	}
	o.logger.Info("session created",
		zap.String("session_id", id),
		zap.Int("depth_tier", tier),
		zap.String("output_dir", sess.OutputDir),
	)
	o.publish(ctx, snap, "", "")
	return sess, nil
}

func (o *Orchestrator) outputDir(id string) string {
	if d, ok := o.store.(interface{ SessionDir(string) string }); ok {
		return d.SessionDir(id)
	}
	return ""
}

// Status returns the latest snapshot of a session.
func (o *Orchestrator) Status(ctx context.Context, id string) (research.Snapshot, error) {
	snap, ok, err := o.store.Latest(ctx, id)
	if err != nil {
		return research.Snapshot{}, err
	}
	if !ok {
		return research.Snapshot{}, fmt.Errorf("%w: %s", research.ErrUnknownSession, id)
	}
	return snap, nil
}

// List returns every known session, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]research.Session, error) {
	return o.store.List(ctx)
}

// Run advances the session until it reaches a terminal state or a step
// fails.
func (o *Orchestrator) Run(ctx context.Context, id string) (research.Session, error) {
	for {
		res, err := o.Advance(ctx, id)
		if err != nil {
			return res.Session, err
		}
		if res.Session.Status.Terminal() {
			return res.Session, nil
		}
	}
}

// Cancel stops in-flight work for the session, if any runs in this
// process, and marks a non-terminal session failed with cause
// "cancelled".
func (o *Orchestrator) Cancel(ctx context.Context, id string) (research.Session, error) {
	o.mu.Lock()
	r := o.running[id]
	o.mu.Unlock()
	if r != nil {
		r.cancel(research.ErrCancelled)
		select {
		case <-r.done:
		case <-ctx.Done():
			return research.Session{}, ctx.Err()
		}
	}

	unlock, err := o.locker.Lock(ctx, id)
	if err != nil {
		return research.Session{}, err
	}
	defer unlock()

	snap, err := o.Status(ctx, id)
	if err != nil {
		return research.Session{}, err
	}
	if snap.Session.Status.Terminal() {
		if snap.Session.Cause == "cancelled" {
			return snap.Session, nil
		}
		return snap.Session, fmt.Errorf("%w: %s", research.ErrTerminal, snap.Session.Status)
	}
	next := snap.Clone()
	next.Session.FailedPhase = snap.Session.Status.Phase()
	next.Session.Cause = "cancelled"
	if err := o.commit(ctx, &next, research.StatusFailed, "cancelled"); err != nil {
		return snap.Session, err
	}
	return next.Session, nil
}

// Advance runs exactly one step of the state machine for the session.
func (o *Orchestrator) Advance(ctx context.Context, id string) (StepResult, error) {
	unlock, err := o.locker.Lock(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	done := make(chan struct{})
	defer func() {
		unlock()
		close(done)
	}()

	snap, err := o.Status(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	from := snap.Session.Status
	if from.Terminal() {
		return StepResult{Session: snap.Session, From: from, To: from, Seq: snap.Seq},
			fmt.Errorf("%w: %s", research.ErrTerminal, from)
	}

	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.advance", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("session.status", string(from)),
	))
	defer span.End()

	monitor := budget.NewMonitor(snap.Session.CreatedAt, o.pipeline.SessionBudget, o.now)
	if err := monitor.Check(); err != nil {
		return o.timeout(ctx, span, snap, err)
	}

	runCtx, release := o.track(ctx, id, monitor, done)
	defer release()

	next, stepErr := o.step(runCtx, ctx, snap)
	res := StepResult{Session: next.Session, From: from, To: next.Session.Status, Seq: next.Seq}
	if stepErr != nil {
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, stepErr.Error())
		return res, stepErr
	}
	span.SetAttributes(attribute.String("session.next_status", string(res.To)))
	return res, nil
}

// track registers in-flight work so Cancel can interrupt it. done is
// closed by Advance once the session lock is released.
func (o *Orchestrator) track(ctx context.Context, id string, monitor *budget.Monitor, done chan struct{}) (context.Context, func()) {
	bctx, stop := monitor.Bind(ctx)
	cctx, cancel := context.WithCancelCause(bctx)
	o.mu.Lock()
	o.running[id] = &run{cancel: cancel, done: done}
	o.mu.Unlock()
	return cctx, func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		cancel(nil)
		stop()
	}
}

// step executes the phase for the current status. runCtx carries the
// budget deadline and cancellation; commits use ctx so an interrupted
// phase can still record its terminal state.
func (o *Orchestrator) step(runCtx, ctx context.Context, snap research.Snapshot) (research.Snapshot, error) {
	next := snap.Clone()
	switch snap.Session.Status {
	case research.StatusCreated:
		if err := o.commit(ctx, &next, research.StatusPlanning, ""); err != nil {
			return snap, err
		}
		return o.plan(runCtx, ctx, next)
	case research.StatusPlanning:
		return o.plan(runCtx, ctx, next)
	case research.StatusSearching:
		return o.search(runCtx, ctx, next)
	case research.StatusEvaluating:
		return o.evaluate(runCtx, ctx, next)
	case research.StatusGapFilling:
		return o.gapFill(ctx, next)
	case research.StatusSynthesizing:
		return o.synthesize(runCtx, ctx, next)
	}
	return snap, fmt.Errorf("%w: unknown status %q", research.ErrInvalidInput, snap.Session.Status)
}

func (o *Orchestrator) plan(runCtx, ctx context.Context, snap research.Snapshot) (research.Snapshot, error) {
	pctx, span := orchestratorTracer.Start(runCtx, "phase.planning")
	plan, attempts, err := o.planning.Run(pctx, snap.Session)
	span.End()
	snap.PlanAttempts += attempts
	if err != nil {
		return o.fail(runCtx, ctx, snap, err)
	}
	snap.Plan = plan
	snap.SearchQueue = nil
	if err := o.commit(ctx, &snap, research.StatusSearching, fmt.Sprintf("%d sub-questions", len(plan))); err != nil {
		return snap, err
	}
	return snap, nil
}

func (o *Orchestrator) search(runCtx, ctx context.Context, snap research.Snapshot) (research.Snapshot, error) {
	targets := phase.Targets(snap)
	pctx, span := orchestratorTracer.Start(runCtx, "phase.searching", trace.WithAttributes(attribute.Int("targets", len(targets))))
	findings := o.searching.Run(pctx, snap.Session, targets, snap.Attempts())
	span.End()

	for _, f := range findings {
		if f.WorkerStatus == research.WorkerCancelled {
			f.Payload = nil
		}
		snap.Findings = append(snap.Findings, f)
	}
	if runCtx.Err() != nil {
		return o.fail(runCtx, ctx, snap, runCtx.Err())
	}
	snap.SearchQueue = nil
	ok := 0
	for _, f := range findings {
		if f.Usable() {
			ok++
		}
	}
	if err := o.commit(ctx, &snap, research.StatusEvaluating, fmt.Sprintf("%d of %d searches usable", ok, len(findings))); err != nil {
		return snap, err
	}
	return snap, nil
}

func (o *Orchestrator) evaluate(runCtx, ctx context.Context, snap research.Snapshot) (research.Snapshot, error) {
	pctx, span := orchestratorTracer.Start(runCtx, "phase.evaluating")
	ev, err := o.evaluating.Run(pctx, snap)
	span.End()
	if err != nil {
		return o.fail(runCtx, ctx, snap, err)
	}
	snap.Evaluations = append(snap.Evaluations, ev)

	to := research.StatusSynthesizing
	note := "coverage accepted"
	if ev.RequiresGapFill {
		switch {
		case snap.Session.GapFills >= o.pipeline.MaxGapFills:
			note = fmt.Sprintf("gap fill limit %d reached", o.pipeline.MaxGapFills)
		default:
			if fill, ferr := phase.PlanGapFill(snap); ferr == nil && len(fill.Queue) > 0 {
				to = research.StatusGapFilling
				note = fmt.Sprintf("%d gaps", len(ev.CoverageGaps))
			} else {
				note = "no searchable gaps"
			}
		}
	}
	if err := o.commit(ctx, &snap, to, note); err != nil {
		return snap, err
	}
	return snap, nil
}

func (o *Orchestrator) gapFill(ctx context.Context, snap research.Snapshot) (research.Snapshot, error) {
	fill, err := phase.PlanGapFill(snap)
	if err != nil {
		return o.fail(ctx, ctx, snap, research.PhaseError{Phase: "gap_filling", Err: err})
	}
	snap.Plan = append(snap.Plan, fill.Added...)
	snap.SearchQueue = fill.Queue
	snap.Session.GapFills++
	note := fmt.Sprintf("re-searching %d sub-questions, %d new", len(fill.Queue), len(fill.Added))
	if err := o.commit(ctx, &snap, research.StatusSearching, note); err != nil {
		return snap, err
	}
	return snap, nil
}

func (o *Orchestrator) synthesize(runCtx, ctx context.Context, snap research.Snapshot) (research.Snapshot, error) {
	pctx, span := orchestratorTracer.Start(runCtx, "phase.synthesizing")
	report, err := o.synthesizing.Run(pctx, snap)
	span.End()
	if err != nil {
		return o.fail(runCtx, ctx, snap, err)
	}
	snap.Report = &report
	if err := o.commit(ctx, &snap, research.StatusCompleted, fmt.Sprintf("%d findings cited", len(report.Provenance))); err != nil {
		return snap, err
	}
	return snap, nil
}

// fail decides what a phase error means for the session. Budget overruns
// become timed_out, Cancel becomes failed/cancelled, a caller that simply
// went away leaves the session resumable, and anything else fails the
// phase.
func (o *Orchestrator) fail(runCtx, ctx context.Context, snap research.Snapshot, err error) (research.Snapshot, error) {
	ph := snap.Session.Status.Phase()
	switch {
	case budget.Exceeded(runCtx, err):
		var timeout research.SessionTimeout
		if !errors.As(err, &timeout) {
			errors.As(context.Cause(runCtx), &timeout)
		}
		timeout.Elapsed = o.now().Sub(snap.Session.CreatedAt)
		snap.Session.FailedPhase = ph
		snap.Session.Cause = timeout.Error()
		if cerr := o.commit(ctx, &snap, research.StatusTimedOut, "session budget exceeded"); cerr != nil {
			return snap, cerr
		}
		return snap, timeout
	case runCtx.Err() != nil && errors.Is(context.Cause(runCtx), research.ErrCancelled):
		snap.Session.FailedPhase = ph
		snap.Session.Cause = "cancelled"
		if cerr := o.commit(ctx, &snap, research.StatusFailed, "cancelled"); cerr != nil {
			return snap, cerr
		}
		return snap, research.PhaseError{Phase: ph, Err: research.ErrCancelled}
	case ctx.Err() != nil:
		return snap, ctx.Err()
	}

	var serr research.StoreError
	if errors.As(err, &serr) {
		return snap, err
	}
	snap.Session.FailedPhase = ph
	snap.Session.Cause = err.Error()
	if cerr := o.commit(ctx, &snap, research.StatusFailed, err.Error()); cerr != nil {
		return snap, cerr
	}
	var verr research.ValidationError
	var perr research.PhaseError
	if errors.As(err, &verr) || errors.As(err, &perr) {
		return snap, err
	}
	return snap, research.PhaseError{Phase: ph, Err: err}
}

func (o *Orchestrator) timeout(ctx context.Context, span trace.Span, snap research.Snapshot, err error) (StepResult, error) {
	from := snap.Session.Status
	next := snap.Clone()
	next.Session.FailedPhase = from.Phase()
	next.Session.Cause = err.Error()
	if cerr := o.commit(ctx, &next, research.StatusTimedOut, "session budget exceeded"); cerr != nil {
		return StepResult{Session: snap.Session, From: from, To: from, Seq: snap.Seq}, cerr
	}
	span.SetStatus(codes.Error, err.Error())
	return StepResult{Session: next.Session, From: from, To: next.Session.Status, Seq: next.Seq}, err
}

// commit appends a transition to snap and persists it; snap is only
// updated once the write succeeded. The write ignores cancellation of ctx
// so terminal states are recorded even when the caller is going away.
func (o *Orchestrator) commit(ctx context.Context, snap *research.Snapshot, to research.Status, note string) error {
	from := snap.Session.Status
	if !research.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	now := o.now()
	next := snap.Clone()
	next.Seq++
	next.Session.Status = to
	next.Session.UpdatedAt = now
	next.History = append(next.History, research.Transition{From: from, To: to, At: now, Note: note})

	if err := o.store.Save(context.WithoutCancel(ctx), next); err != nil {
		return err
	}
	*snap = next
	o.logger.Info("session transition",
		zap.String("session_id", snap.Session.ID),
		zap.Int("seq", snap.Seq),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("note", note),
	)
	if o.metrics.Transition != nil {
		o.metrics.Transition(ctx, from, to)
	}
	o.publish(ctx, *snap, from, note)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, snap research.Snapshot, from research.Status, note string) {
	t := events.Transition{
		SessionID: snap.Session.ID,
		Seq:       snap.Seq,
		From:      from,
		To:        snap.Session.Status,
		Phase:     from.Phase(),
		Cause:     snap.Session.Cause,
		At:        snap.Session.UpdatedAt,
	}
	if t.Cause == "" {
		t.Cause = note
	}
	if err := o.sink.Publish(context.WithoutCancel(ctx), t); err != nil {
		o.logger.Warn("publish transition event", zap.String("session_id", t.SessionID), zap.Error(err))
	}
}
