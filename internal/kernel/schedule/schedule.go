// Package schedule registers goals to run unattended on a cron
// expression, on top of the kernel rather than as part of it. This is
// the ambient convenience the CLI's `schedule` subcommand exposes; the
// kernel itself has no notion of recurring execution.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/spoloxs/automata-kernel/internal/kernel/orchestrator"
)

// GoalRunner executes one goal to completion and reports its result.
// orchestrator.ExecuteGoal (bound with its own Collaborators/Config)
// satisfies this.
type GoalRunner func(ctx context.Context, goal, startingURL string) (orchestrator.ExecutionResult, error)

// Entry is one registered recurring goal.
type Entry struct {
	Goal        string
	StartingURL string
	CronExpr    string
	cronID      cron.EntryID
}

// Runner drives a set of cron-scheduled goals against a single
// GoalRunner, logging each execution's outcome.
type Runner struct {
	cron   *cron.Cron
	runner GoalRunner
	log    *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry

	runs   metric.Int64Counter
	fails  metric.Int64Counter
	tracer trace.Tracer
}

// New constructs a Runner. log may be nil (slog.Default() is used).
func New(runner GoalRunner, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("kernel-schedule")
	runs, _ := meter.Int64Counter("kernel_schedule_runs_total")
	fails, _ := meter.Int64Counter("kernel_schedule_failures_total")
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		runner:  runner,
		log:     log,
		entries: make(map[string]*Entry),
		runs:    runs,
		fails:   fails,
		tracer:  otel.Tracer("kernel-schedule"),
	}
}

// Start begins firing registered cron entries.
func (r *Runner) Start() { r.cron.Start() }

// Stop waits for in-flight cron jobs to finish, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add registers goal to run on cronExpr (standard 6-field, seconds
// first). The name must be unique among currently registered entries.
func (r *Runner) Add(name, goal, startingURL, cronExpr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("schedule: entry %q already registered", name)
	}

	entry := &Entry{Goal: goal, StartingURL: startingURL, CronExpr: cronExpr}
	id, err := r.cron.AddFunc(cronExpr, func() {
		r.fire(name, entry)
	})
	if err != nil {
		return fmt.Errorf("schedule: add cron entry: %w", err)
	}
	entry.cronID = id
	r.entries[name] = entry
	r.log.Info("schedule registered", slog.String("name", name), slog.String("cron", cronExpr))
	return nil
}

// Remove unregisters a previously added entry. No-op if unknown.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return
	}
	r.cron.Remove(entry.cronID)
	delete(r.entries, name)
}

// List returns the currently registered entry names.
func (r *Runner) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

func (r *Runner) fire(name string, entry *Entry) {
	ctx, span := r.tracer.Start(context.Background(), "schedule.fire", trace.WithAttributes(
		attribute.String("schedule.name", name),
	))
	defer span.End()

	start := time.Now()
	result, err := r.runner(ctx, entry.Goal, entry.StartingURL)
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))

	if err != nil || !result.Success {
		r.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
		r.log.Warn("scheduled goal did not succeed",
			slog.String("name", name), slog.Any("error", err), slog.Duration("elapsed", time.Since(start)))
		return
	}
	r.log.Info("scheduled goal completed",
		slog.String("name", name), slog.Float64("confidence", result.Confidence), slog.Duration("elapsed", time.Since(start)))
}
