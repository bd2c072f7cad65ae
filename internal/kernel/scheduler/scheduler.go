// Package scheduler implements the bounded worker-pool scheduler (C3):
// it pulls ready tasks from a task.DAG, dispatches them to workers up
// to a configured concurrency limit, and re-feeds the ready queue as
// dependencies resolve. The admission control follows this lineage's
// bounded-fan-out idiom (a weighted semaphore) rather than a
// hand-rolled counting channel.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/spoloxs/automata-kernel/internal/kernel/resolver"
	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

// Executor runs one task to completion. worker.Worker satisfies this
// without the scheduler needing to import the worker package directly,
// keeping the dependency direction one-way.
type Executor interface {
	Execute(ctx context.Context, t task.Task) (task.Result, error)
}

// WorkerFactory builds a fresh Executor for one task dispatch. The
// scheduler calls it once per task so each dispatch gets its own
// worker identity and LLM thread_id.
type WorkerFactory func(workerID string) Executor

// Config carries the pool-level policy knobs.
type Config struct {
	MaxWorkers      int
	GlobalDeadline  time.Duration
	DeadlockPollInt time.Duration
}

func DefaultConfig() Config {
	return Config{MaxWorkers: 3, GlobalDeadline: 5 * time.Minute, DeadlockPollInt: 500 * time.Millisecond}
}

// Scheduler dispatches a DAG's tasks to a bounded pool of workers.
type Scheduler struct {
	dag     *task.DAG
	factory WorkerFactory
	cfg     Config
	sem     *semaphore.Weighted

	tracer trace.Tracer
	meter  metric.Meter
}

func New(d *task.DAG, factory WorkerFactory, cfg Config) *Scheduler {
	return &Scheduler{
		dag:     d,
		factory: factory,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		tracer:  otel.Tracer("kernel-scheduler"),
		meter:   otel.Meter("kernel-scheduler"),
	}
}

// Summary is returned once the DAG reaches a terminal state (complete,
// deadline exceeded, or deadlock with no supervisor attached).
type Summary struct {
	Counts   task.Counts
	Elapsed  time.Duration
	Deadlock bool
	TimedOut bool
}

// DeadlockHandler is invoked when the scheduler detects a deadlock. It
// receives the DAG for inspection and returns true if it mutated the
// DAG (e.g. skipped or bridged a task) such that the scheduler should
// keep running. The AI supervisor implements this; a nil handler means
// "deadlock is terminal".
type DeadlockHandler func(ctx context.Context, d *task.DAG) (handled bool)

// FailureHandler is consulted before a task that errored or failed
// verification is marked Failed. It receives the attempted result and
// returns (handled, abortErr): handled=true means it already mutated
// the DAG itself (skip/retry/bridge/replan) and the scheduler must not
// also call MarkFailed; a non-nil abortErr means the run must stop.
// The AI supervisor implements this via HandleFailure.
type FailureHandler func(ctx context.Context, t task.Task, attempted task.Result) (handled bool, abortErr error)

// ReplanHandler is consulted after a task completes successfully but
// with Result.NeedsReplan set. The task is already marked Completed;
// the handler may insert follow-up or corrective tasks and returns a
// non-nil error only if the run must abort entirely. The AI supervisor
// implements this via HandleReplan.
type ReplanHandler func(ctx context.Context, t task.Task) (abortErr error)

// Run dispatches every task in the DAG to completion, subject to
// cfg.GlobalDeadline. onDeadlock, if non-nil, is consulted whenever the
// DAG reports a deadlock before the scheduler gives up. onFailure,
// if non-nil, gets first refusal on every task failure. onReplan, if
// non-nil, is notified whenever a completed task carries
// Result.NeedsReplan.
func (s *Scheduler) Run(ctx context.Context, onDeadlock DeadlockHandler, onFailure FailureHandler, onReplan ReplanHandler) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.Int64("scheduler.estimated_parallel_seconds", int64(resolver.EstimateParallelTime(s.dag).Seconds())),
		attribute.Int64("scheduler.estimated_sequential_seconds", int64(resolver.EstimateSequentialTime(s.dag).Seconds())),
	))
	defer span.End()

	parallelism, _ := s.meter.Int64Gauge("kernel_scheduler_parallelism")
	taskFailures, _ := s.meter.Int64Counter("kernel_scheduler_task_failures_total")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GlobalDeadline)
	defer cancel()

	start := time.Now()

	type dispatchResult struct {
		id     string
		result task.Result
		err    error
	}

	results := make(chan dispatchResult, 64)

	var mu sync.Mutex
	enqueued := make(map[string]bool)
	inFlight := 0

	dispatch := func(t task.Task) {
		if err := s.dag.MarkRunning(t.ID, t.ID+"-worker"); err != nil {
			return // lost the claim race or already terminal; fine
		}
		mu.Lock()
		inFlight++
		parallelism.Record(ctx, int64(inFlight))
		mu.Unlock()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			inFlight--
			mu.Unlock()
			results <- dispatchResult{id: t.ID, err: err}
			return
		}
		go func() {
			defer s.sem.Release(1)
			w := s.factory(t.ID + "-worker")
			r, err := w.Execute(ctx, t)
			results <- dispatchResult{id: t.ID, result: r, err: err}
		}()
	}

	feed := func() {
		for _, t := range s.dag.ReadyTasks() {
			mu.Lock()
			already := enqueued[t.ID]
			if !already {
				enqueued[t.ID] = true
			}
			mu.Unlock()
			if !already {
				dispatch(t)
			}
		}
	}

	feed()

	ticker := time.NewTicker(s.cfg.DeadlockPollInt)
	defer ticker.Stop()

	for {
		if s.dag.IsComplete() {
			break
		}
		select {
		case <-ctx.Done():
			s.cancelOutstanding()
			return Summary{Counts: s.dag.Counts(), Elapsed: time.Since(start), TimedOut: true}, ctx.Err()

		case dr := <-results:
			mu.Lock()
			inFlight--
			mu.Unlock()

			if dr.err == nil && dr.result.Success {
				_ = s.dag.MarkCompleted(dr.id, dr.result)
				if dr.result.NeedsReplan && onReplan != nil {
					t, _ := s.dag.Get(dr.id)
					if abortErr := onReplan(ctx, t); abortErr != nil {
						s.cancelOutstanding()
						return Summary{Counts: s.dag.Counts(), Elapsed: time.Since(start)}, abortErr
					}
				}
				feed()
				continue
			}

			taskFailures.Add(ctx, 1)
			attempted := dr.result
			if dr.err != nil {
				attempted.Success = false
				attempted.Error = dr.err.Error()
			}
			t, _ := s.dag.Get(dr.id)
			if onFailure != nil {
				if handled, abortErr := onFailure(ctx, t, attempted); handled || abortErr != nil {
					if abortErr != nil {
						s.cancelOutstanding()
						return Summary{Counts: s.dag.Counts(), Elapsed: time.Since(start)}, abortErr
					}
					feed()
					continue
				}
			}
			_ = s.dag.MarkFailed(dr.id, attempted)
			feed()

		case <-ticker.C:
			if s.dag.IsDeadlocked() {
				mu.Lock()
				busy := inFlight > 0
				mu.Unlock()
				if busy {
					continue
				}
				if onDeadlock != nil && onDeadlock(ctx, s.dag) {
					feed()
					continue
				}
				return Summary{Counts: s.dag.Counts(), Elapsed: time.Since(start), Deadlock: true},
					fmt.Errorf("scheduler: deadlock with %d non-terminal tasks", s.dag.Counts().Total-s.dag.Counts().Completed-s.dag.Counts().Failed-s.dag.Counts().Skipped)
			}
		}
	}

	return Summary{Counts: s.dag.Counts(), Elapsed: time.Since(start)}, nil
}

func (s *Scheduler) cancelOutstanding() {
	for _, t := range s.dag.All() {
		if t.Status == task.Running {
			_ = s.dag.MarkFailed(t.ID, task.Result{Success: false, Error: "time_limit exceeded"})
		}
	}
}
