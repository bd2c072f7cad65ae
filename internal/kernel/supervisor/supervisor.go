// Package supervisor implements the AI-driven recovery layer (C5):
// on-demand health snapshots (Health), failure classification, and an
// LLM-backed decision engine that may retry, skip, bridge, replan or
// abort. Nothing in the package polls Health on a timer.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"log/slog"

	"github.com/spoloxs/automata-kernel/internal/kernel/contracts"
	kernelerrors "github.com/spoloxs/automata-kernel/internal/kernel/errors"
	"github.com/spoloxs/automata-kernel/internal/kernel/progress"
	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

// Config carries the policy knobs from section 4.5/6.6.
type Config struct {
	StuckThreshold            time.Duration
	DegradedSuccessRate       float64
	DegradedStuckSeconds      time.Duration
	CriticalFailureMultiplier float64
	RecoveryBudgetFactor      float64
}

func DefaultConfig() Config {
	return Config{
		StuckThreshold:            60 * time.Second,
		DegradedSuccessRate:       0.3,
		DegradedStuckSeconds:      120 * time.Second,
		CriticalFailureMultiplier: 2.0,
		RecoveryBudgetFactor:      2.0,
	}
}

// Supervisor monitors a single execution's DAG and mediates recovery.
type Supervisor struct {
	dag  *task.DAG
	llm  contracts.SupervisorLLM
	cls  *kernelerrors.Classifier
	cfg  Config
	goal string

	mu              sync.Mutex
	initialCount    int
	insertedCount   int
	lastSuccessAt   time.Time
	executionStart  time.Time
	totalDuration   time.Duration
	terminalSamples int

	tracer trace.Tracer
	meter  metric.Meter
	log    *slog.Logger
}

// New constructs a Supervisor bound to dag for the given goal. Call
// immediately after the initial plan is loaded so initialCount
// reflects the planner's output, not later supervisor insertions.
func New(dag *task.DAG, llm contracts.SupervisorLLM, goal string, cfg Config, log *slog.Logger) *Supervisor {
	counts := dag.Counts()
	return &Supervisor{
		dag:            dag,
		llm:            llm,
		cls:            kernelerrors.NewClassifier(),
		cfg:            cfg,
		goal:           goal,
		initialCount:   counts.Total,
		executionStart: time.Now(),
		lastSuccessAt:  time.Now(),
		tracer:         otel.Tracer("kernel-supervisor"),
		meter:          otel.Meter("kernel-supervisor"),
		log:            log,
	}
}

// RecordCompletion lets the scheduler tell the supervisor about a
// terminal task without requiring the supervisor to poll the DAG for
// timing data the DAG itself doesn't retain.
func (s *Supervisor) RecordCompletion(success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.lastSuccessAt = time.Now()
	}
	s.totalDuration += duration
	s.terminalSamples++
}

// Health computes ExecutionHealth from the DAG's current snapshot.
// Pure: calling it repeatedly never mutates task state.
func (s *Supervisor) Health() ExecutionHealth {
	counts := s.dag.Counts()
	s.mu.Lock()
	lastSuccess := s.lastSuccessAt
	avg := time.Duration(0)
	if s.terminalSamples > 0 {
		avg = s.totalDuration / time.Duration(s.terminalSamples)
	}
	elapsed := time.Since(s.executionStart)
	s.mu.Unlock()

	h := ExecutionHealth{
		Completed:       counts.Completed,
		Failed:          counts.Failed,
		Total:           counts.Total,
		Elapsed:         elapsed,
		AvgTaskDuration: avg,
		IsDeadlocked:    s.dag.IsDeadlocked(),
	}
	terminal := counts.Completed + counts.Failed
	if terminal > 0 {
		h.SuccessRate = float64(counts.Completed) / float64(terminal)
	}
	h.IsStuck = time.Since(lastSuccess) > s.cfg.StuckThreshold

	switch {
	case h.IsDeadlocked && counts.Total > counts.Completed+counts.Failed+counts.Skipped:
		h.Status = Critical
		h.Concerns = append(h.Concerns, "deadlocked with incomplete tasks")
	case counts.Failed >= 3 && float64(counts.Failed) > s.cfg.CriticalFailureMultiplier*float64(counts.Completed):
		h.Status = Critical
		h.Concerns = append(h.Concerns, "failure rate far exceeds completion rate")
	case terminal >= 5 && h.SuccessRate < s.cfg.DegradedSuccessRate:
		h.Status = Degraded
		h.Concerns = append(h.Concerns, "success rate below threshold")
	case h.IsStuck && time.Since(lastSuccess) > s.cfg.DegradedStuckSeconds:
		h.Status = Degraded
		h.Concerns = append(h.Concerns, "no successful task in a while")
	default:
		h.Status = Healthy
	}
	return h
}

// budgetRemainingLocked returns how many more supervisor-inserted tasks
// fit within budget (zero or less when spent). Caller holds s.mu.
func (s *Supervisor) budgetRemainingLocked() int {
	max := int(float64(s.initialCount) * s.cfg.RecoveryBudgetFactor)
	return max - s.insertedCount
}

// ErrBudgetExhausted is returned when the recovery budget is spent.
var ErrBudgetExhausted = fmt.Errorf("supervisor: recovery task budget exhausted")

// HandleFailure classifies failedTask's error, asks the supervisor LLM
// for a recovery decision, and applies it to the DAG. Returns the
// decision actually applied and an error only when the run must abort.
func (s *Supervisor) HandleFailure(ctx context.Context, failedTask task.Task) (contracts.SupervisorDecision, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.handle_failure", trace.WithAttributes(
		attribute.String("task.id", failedTask.ID),
	))
	defer span.End()

	interventions, _ := s.meter.Int64Counter("kernel_supervisor_interventions_total")

	var rawErr string
	var progressMetrics *progress.Metrics
	if failedTask.Result != nil {
		rawErr = failedTask.Result.Error
		progressMetrics = failedTask.Result.Progress
	}
	structured := s.cls.Classify(fmt.Errorf("%s", rawErr), progressMetrics)

	req := contracts.SupervisorRequest{
		Goal:          s.goal,
		FailedTaskID:  failedTask.ID,
		FailureReason: structured.Message,
		DAGState:      map[string]interface{}{"counts": s.dag.Counts()},
	}
	decision, err := s.llm.Decide(ctx, req)
	if err != nil {
		return contracts.SupervisorDecision{}, fmt.Errorf("supervisor: decision request: %w", err)
	}

	if err := s.apply(decision, &failedTask); err != nil {
		return decision, err
	}
	interventions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(decision.Kind))))
	if s.log != nil {
		s.log.Info("supervisor applied recovery decision",
			slog.String("task_id", failedTask.ID),
			slog.String("decision", string(decision.Kind)))
	}
	return decision, nil
}

// HandleDeadlock asks the supervisor LLM to break a deadlock. It
// satisfies scheduler.DeadlockHandler's signature by returning whether
// it successfully mutated the DAG to unblock progress.
func (s *Supervisor) HandleDeadlock(ctx context.Context, dag *task.DAG) bool {
	req := contracts.SupervisorRequest{
		Goal:          s.goal,
		FailureReason: "deadlock: no ready tasks remain with incomplete work outstanding",
		DAGState:      map[string]interface{}{"counts": dag.Counts()},
	}
	decision, err := s.llm.Decide(ctx, req)
	if err != nil {
		return false
	}
	return s.apply(decision, nil) == nil
}

// HandleReplan asks the supervisor LLM to react to a worker-reported
// need to replan on an otherwise-successful task (task.Result.NeedsReplan).
// The task itself is already marked Completed by the caller; this only
// decides whether to insert follow-up or corrective tasks.
func (s *Supervisor) HandleReplan(ctx context.Context, completedTask task.Task) (contracts.SupervisorDecision, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.handle_replan", trace.WithAttributes(
		attribute.String("task.id", completedTask.ID),
	))
	defer span.End()

	reason := "worker reported needs_replan on a successful task"
	if completedTask.Result != nil && completedTask.Result.ReplanReason != "" {
		reason = completedTask.Result.ReplanReason
	}
	req := contracts.SupervisorRequest{
		Goal:          s.goal,
		FailedTaskID:  completedTask.ID,
		FailureReason: reason,
		DAGState:      map[string]interface{}{"counts": s.dag.Counts()},
	}
	decision, err := s.llm.Decide(ctx, req)
	if err != nil {
		return contracts.SupervisorDecision{}, fmt.Errorf("supervisor: replan decision request: %w", err)
	}
	if err := s.apply(decision, &completedTask); err != nil {
		return decision, err
	}
	if s.log != nil {
		s.log.Info("supervisor applied replan decision",
			slog.String("task_id", completedTask.ID),
			slog.String("decision", string(decision.Kind)))
	}
	return decision, nil
}

// apply mutates the DAG per decision. originalTask, when non-nil, is
// the task the decision was made about (the failed or replan-flagged
// task); its Description/Dependencies are reused so inserted
// retry/bridge tasks preserve the original dependency edges instead of
// starting deps-less. When originalTask is nil (the deadlock path) or
// its ID doesn't match decision.TaskID, the DAG itself is consulted.
func (s *Supervisor) apply(decision contracts.SupervisorDecision, originalTask *task.Task) error {
	resolveOriginal := func() (task.Task, bool) {
		if originalTask != nil && originalTask.ID == decision.TaskID {
			return *originalTask, true
		}
		return s.dag.Get(decision.TaskID)
	}

	switch decision.Kind {
	case contracts.DecisionSkip:
		return s.dag.MarkSkipped(decision.TaskID, task.Result{Success: false, ReplanReason: "skipped by supervisor"})

	case contracts.DecisionRetry:
		spec := contracts.NewTaskSpec{Description: "retry: " + decision.TaskID}
		if orig, ok := resolveOriginal(); ok {
			spec = contracts.NewTaskSpec{Description: orig.Description, Dependencies: orig.Dependencies}
		}
		return s.insertTasks([]contracts.NewTaskSpec{spec})

	case contracts.DecisionBridge:
		spec := contracts.NewTaskSpec{Description: "bridge for " + decision.TaskID}
		if orig, ok := resolveOriginal(); ok {
			spec = contracts.NewTaskSpec{Description: "bridge for " + orig.Description, Dependencies: orig.Dependencies}
		}
		return s.insertTasks([]contracts.NewTaskSpec{spec})

	case contracts.DecisionReplan:
		return s.insertTasks(decision.NewTasks)

	case contracts.DecisionAbort:
		return fmt.Errorf("supervisor: aborted: %s", decision.AbortReason)

	default:
		return fmt.Errorf("supervisor: unknown decision kind %q", decision.Kind)
	}
}

func (s *Supervisor) insertTasks(specs []contracts.NewTaskSpec) error {
	s.mu.Lock()
	if len(specs) > s.budgetRemainingLocked() {
		s.mu.Unlock()
		return ErrBudgetExhausted
	}
	s.insertedCount += len(specs)
	s.mu.Unlock()

	for _, spec := range specs {
		if err := s.dag.AddTask(task.Task{
			ID:           uuid.NewString(),
			Description:  spec.Description,
			Dependencies: spec.Dependencies,
			Priority:     task.High,
		}); err != nil {
			return fmt.Errorf("supervisor: insert recovery task: %w", err)
		}
	}
	return nil
}
