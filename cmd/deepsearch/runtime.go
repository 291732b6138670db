package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/internal/events"
	"github.com/mohammad-safakhou/deepsearch/internal/executor"
	"github.com/mohammad-safakhou/deepsearch/internal/judge"
	"github.com/mohammad-safakhou/deepsearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

// runtime is the wired component graph behind a command.
type runtime struct {
	Store        store.SessionStore
	Orchestrator *orchestrator.Orchestrator
	Scorer       *judge.Scorer
	Telemetry    *telemetry.Telemetry

	rdb *redis.Client
}

// open builds store, locker, event sink, telemetry, worker, pool,
// orchestrator and judge from the loaded config.
func (a *app) open(ctx context.Context) (*runtime, error) {
	cfg := a.cfg
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, version, a.logger.Named("telemetry"))
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	rt.Telemetry = tel
	inst, err := telemetry.NewInstruments(tel.Meter)
	if err != nil {
		return fail(fmt.Errorf("instruments: %w", err))
	}

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	rt.Store = st

	if cfg.Locking.Backend == "redis" || cfg.Events.RedisStream != "" {
		rt.rdb = store.NewRedisClient(cfg.Storage.Redis)
	}
	locker, err := store.NewLocker(cfg.Locking, rt.rdb)
	if err != nil {
		return fail(err)
	}

	invoker, err := worker.New(ctx, cfg.Worker, a.logger.Named("worker"))
	if err != nil {
		return fail(fmt.Errorf("worker: %w", err))
	}
	pool := executor.New(invoker,
		executor.WithMetrics(inst.PoolMetrics()),
		executor.WithLogger(a.logger.Named("executor")),
	)

	opts := []orchestrator.Option{
		orchestrator.WithLocker(locker),
		orchestrator.WithMetrics(orchestrator.Metrics{Transition: inst.RecordTransition}),
		orchestrator.WithLogger(a.logger.Named("orchestrator")),
	}
	if cfg.Events.RedisStream != "" {
		opts = append(opts, orchestrator.WithSink(events.NewRedisStreamSink(rt.rdb, cfg.Events.RedisStream, cfg.Events.MaxLen)))
	}
	rt.Orchestrator = orchestrator.New(st, pool, cfg.Pipeline, opts...)

	rubric, err := judge.LoadRubric(cfg.Judge.RubricFile)
	if err != nil {
		return fail(err)
	}
	if cfg.Judge.AdoptionThreshold != nil {
		rubric.AdoptionThreshold = *cfg.Judge.AdoptionThreshold
	}
	rt.Scorer = judge.New(invoker, rubric,
		judge.WithTimeout(cfg.Judge.Timeout),
		judge.WithMetrics(judge.Metrics{Decision: inst.RecordDecision}),
		judge.WithLogger(a.logger.Named("judge")),
	)
	return rt, nil
}

// Close releases everything open built, in reverse order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.rdb != nil {
		errs = append(errs, rt.rdb.Close())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if rt.Telemetry != nil {
		errs = append(errs, rt.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// withRuntime opens the runtime for the duration of fn.
func (a *app) withRuntime(ctx context.Context, fn func(*runtime) error) error {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("shutdown", zap.Error(cerr))
		}
	}()
	return fn(rt)
}
