// Package orchestrator wires the DAG, scheduler, worker pool, and
// supervisor into the single entry point the CLI calls: ExecuteGoal.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spoloxs/automata-kernel/internal/kernel/cache"
	"github.com/spoloxs/automata-kernel/internal/kernel/contracts"
	"github.com/spoloxs/automata-kernel/internal/kernel/scheduler"
	"github.com/spoloxs/automata-kernel/internal/kernel/store"
	"github.com/spoloxs/automata-kernel/internal/kernel/supervisor"
	"github.com/spoloxs/automata-kernel/internal/kernel/task"
	"github.com/spoloxs/automata-kernel/internal/kernel/worker"
)

// ExecutionResult is the value ExecuteGoal returns: an aggregate view
// over every task's terminal result plus whether the run as a whole
// succeeded.
type ExecutionResult struct {
	Goal                   string
	TaskResults            map[string]task.Result
	Success                bool
	Confidence             float64
	StartedAt              time.Time
	EndedAt                time.Time
	SupervisorIntervention []contracts.SupervisorDecision
	AbortedReason          string
}

// Config bundles the policy knobs ExecuteGoal needs beyond what the
// scheduler/worker/supervisor packages already default.
type Config struct {
	Scheduler   scheduler.Config
	Worker      worker.Config
	Supervisor  supervisor.Config
	ExecutionID string // if empty, a uuid is generated
}

func DefaultConfig() Config {
	return Config{
		Scheduler:  scheduler.DefaultConfig(),
		Worker:     worker.DefaultConfig(),
		Supervisor: supervisor.DefaultConfig(),
	}
}

// Collaborators bundles every external dependency ExecuteGoal needs.
// Store is optional; a nil Store disables persistence entirely.
type Collaborators struct {
	Perception contracts.Perception
	Browser    contracts.Browser
	Decision   contracts.DecisionLLM
	Planner    contracts.Planner
	Supervisor contracts.SupervisorLLM
	Store      *store.Store
}

// BuildDAGFromPlan converts a planner's step list into a task.DAG,
// translating the plan's 1-based step numbers into task ids of the
// form "step-N" and its in-plan dependency numbers into DAG edges.
func BuildDAGFromPlan(plan contracts.Plan, skipSatisfiesDependency bool) (*task.DAG, error) {
	d := task.NewDAG(skipSatisfiesDependency)
	idFor := func(n int) string { return fmt.Sprintf("step-%d", n) }

	for _, step := range plan.Steps {
		t := task.Task{
			ID:          idFor(step.Number),
			Description: step.Description,
			Priority:    task.Normal,
			Metadata: map[string]interface{}{
				"name":              step.Name,
				"type":              step.Type,
				"estimated_time_s":  step.EstimatedTimeSec,
				"fallback_strategy": step.FallbackStrategy,
			},
		}
		if err := d.AddTask(t); err != nil {
			return nil, fmt.Errorf("orchestrator: add task for step %d: %w", step.Number, err)
		}
	}
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			if err := d.AddDependency(idFor(step.Number), idFor(dep)); err != nil {
				return nil, fmt.Errorf("orchestrator: add dependency step %d -> %d: %w", step.Number, dep, err)
			}
		}
	}
	return d, nil
}

// ExecuteGoal plans (if a planner is supplied and dag is nil), then
// runs the resulting DAG to completion through the scheduler, with the
// supervisor mediating every failure and deadlock.
func ExecuteGoal(ctx context.Context, goal, startingURL string, d *task.DAG, collab Collaborators, cfg Config, log *slog.Logger) (ExecutionResult, error) {
	tracer := otel.Tracer("kernel-orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.execute_goal", trace.WithAttributes(attribute.String("goal", goal)))
	defer span.End()

	res := ExecutionResult{Goal: goal, StartedAt: time.Now(), TaskResults: map[string]task.Result{}}

	if d == nil {
		if collab.Planner == nil {
			return res, fmt.Errorf("orchestrator: no dag and no planner supplied")
		}
		plan, err := collab.Planner.Plan(ctx, goal, startingURL)
		if err != nil {
			res.EndedAt = time.Now()
			res.AbortedReason = fmt.Sprintf("planning failed: %v", err)
			return res, fmt.Errorf("orchestrator: plan: %w", err)
		}
		d, err = BuildDAGFromPlan(plan, true)
		if err != nil {
			res.EndedAt = time.Now()
			res.AbortedReason = fmt.Sprintf("plan conversion failed: %v", err)
			return res, err
		}
	}

	sup := supervisor.New(d, collab.Supervisor, goal, cfg.Supervisor, log)

	browserMu := &sync.Mutex{}
	perceptionCache := cache.NewPerception(cfg.Worker.PerceptionCacheTTL)

	var interventions []contracts.SupervisorDecision
	var intervMu sync.Mutex

	factory := func(workerID string) scheduler.Executor {
		return worker.New(workerID, worker.Deps{
			Perception: collab.Perception,
			Browser:    collab.Browser,
			Decision:   collab.Decision,
			Cache:      perceptionCache,
			BrowserMu:  browserMu,
		}, cfg.Worker)
	}

	onFailure := func(ctx context.Context, t task.Task, attempted task.Result) (bool, error) {
		decision, err := sup.HandleFailure(ctx, task.Task{ID: t.ID, Description: t.Description, Dependencies: t.Dependencies, Result: &attempted})
		if err != nil {
			// Supervisor could not reach or apply a decision (LLM call
			// failed, it decided to abort, the recovery budget is spent,
			// the decision kind is unknown, or the DAG rejected the
			// change). Treat any error here as fatal to the run.
			return false, err
		}
		intervMu.Lock()
		interventions = append(interventions, decision)
		intervMu.Unlock()
		return true, nil
	}

	onDeadlock := func(ctx context.Context, dag *task.DAG) bool {
		handled := sup.HandleDeadlock(ctx, dag)
		return handled
	}

	onReplan := func(ctx context.Context, t task.Task) error {
		decision, err := sup.HandleReplan(ctx, t)
		if err != nil {
			return err
		}
		intervMu.Lock()
		interventions = append(interventions, decision)
		intervMu.Unlock()
		return nil
	}

	sched := scheduler.New(d, factory, cfg.Scheduler)
	summary, err := sched.Run(ctx, onDeadlock, onFailure, onReplan)

	res.EndedAt = time.Now()
	res.SupervisorIntervention = interventions

	var confSum float64
	var confN int
	for _, t := range d.All() {
		if t.Result != nil {
			res.TaskResults[t.ID] = *t.Result
			if t.Status == task.Completed && t.Result.Verification != nil {
				confSum += t.Result.Verification.Confidence
				confN++
			}
		}
	}
	if confN > 0 {
		res.Confidence = confSum / float64(confN)
	}

	res.Success = err == nil && summary.Counts.Failed == 0 && summary.Counts.Completed == summary.Counts.Total-summary.Counts.Skipped
	if err != nil {
		res.AbortedReason = err.Error()
	}

	if collab.Store != nil {
		executionID := cfg.ExecutionID
		if executionID == "" {
			executionID = uuid.NewString()
		}
		_ = collab.Store.PutExecution(store.ExecutionRecord{
			ExecutionID:   executionID,
			Goal:          goal,
			Success:       res.Success,
			Confidence:    res.Confidence,
			StartedAt:     res.StartedAt,
			EndedAt:       res.EndedAt,
			TaskResults:   res.TaskResults,
			AbortedReason: res.AbortedReason,
			Interventions: len(interventions),
		})
	}

	return res, err
}
