// Package task defines the Task type and its lifecycle.
package task

import (
	"time"

	"github.com/spoloxs/automata-kernel/internal/kernel/progress"
)

// Status is the lifecycle state of a Task. Terminal statuses are
// Completed, Failed and Skipped; once a task reaches one of those it is
// immutable.
type Status string

const (
	Pending   Status = "pending"
	Ready     Status = "ready"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Skipped   Status = "skipped"
)

// Terminal reports whether s is one from which no further transition is
// legal.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Skipped:
		return true
	default:
		return false
	}
}

// Priority orders otherwise-ready tasks for dispatch. Ties within a
// priority are broken by insertion order.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// ActionResult records the outcome of a single action a worker applied
// while executing a Task.
type ActionResult struct {
	ActionType string                 `json:"action_type"`
	Success    bool                   `json:"success"`
	Target     string                 `json:"target,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// VerificationResult is returned by the verifier when a worker believes
// a task is complete.
type VerificationResult struct {
	Completed  bool     `json:"completed"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Evidence   []string `json:"evidence,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// Result is the terminal outcome attached to a Task once it leaves the
// Running state.
type Result struct {
	TaskID        string                 `json:"task_id"`
	Success       bool                   `json:"success"`
	ActionHistory []ActionResult         `json:"action_history,omitempty"`
	ExtractedData map[string]interface{} `json:"extracted_data,omitempty"`
	Verification  *VerificationResult    `json:"verification,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	EndedAt       time.Time              `json:"ended_at"`
	Duration      time.Duration          `json:"duration"`
	WorkerID      string                 `json:"worker_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
	NeedsReplan   bool                   `json:"needs_replan,omitempty"`
	ReplanReason  string                 `json:"replan_reason,omitempty"`
	Progress      *progress.Metrics      `json:"-"`
}

// Task is a single unit of work in a TaskDAG.
type Task struct {
	ID             string                 `json:"id"`
	Description    string                 `json:"description"`
	Dependencies   []string               `json:"dependencies,omitempty"`
	Status         Status                 `json:"status"`
	Priority       Priority               `json:"priority"`
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Result         *Result                `json:"result,omitempty"`

	seq int // insertion order, used for fairness and level tie-breaks
}

// EstimatedDuration reads metadata.estimated_time_s, defaulting to 30s
// when absent or malformed, per the resolver's time-estimation rule.
func (t *Task) EstimatedDuration() time.Duration {
	const defaultEstimate = 30 * time.Second
	if t.Metadata == nil {
		return defaultEstimate
	}
	v, ok := t.Metadata["estimated_time_s"]
	if !ok {
		return defaultEstimate
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	default:
		return defaultEstimate
	}
}

// Clone returns a deep-enough copy for safe handoff outside the DAG's
// lock. The dependencies slice is copied; Metadata and Result are
// shared with the original, so callers must not mutate them in place.
func (t Task) Clone() Task {
	cp := t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return cp
}
