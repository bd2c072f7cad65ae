package supervisor

import "time"

// HealthStatus is the coarse-grained signal surfaced to operators and
// to the decision engine.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Degraded HealthStatus = "degraded"
	Critical HealthStatus = "critical"
)

// ExecutionHealth summarizes an in-flight execution without mutating
// any task state.
type ExecutionHealth struct {
	Status          HealthStatus
	Completed       int
	Failed          int
	Total           int
	Elapsed         time.Duration
	SuccessRate     float64
	AvgTaskDuration time.Duration
	Concerns        []string
	IsStuck         bool
	IsDeadlocked    bool
}
