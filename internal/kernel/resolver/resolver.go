// Package resolver provides pure, read-only queries over a task.DAG:
// topological levels, critical path and time estimates. None of these
// operations mutate the DAG.
package resolver

import (
	"time"

	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

// ExecutionLevels groups every task by the length of its longest
// dependency chain, via repeated Kahn-style peeling over a DAG
// snapshot. Level 0 has no dependencies; level i depends only on
// tasks in levels < i.
func ExecutionLevels(d *task.DAG) [][]task.Task {
	all := d.All()
	byID := make(map[string]task.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	indegree := make(map[string]int, len(all))
	children := make(map[string][]string, len(all))
	for _, t := range all {
		n := 0
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; ok {
				n++
				children[dep] = append(children[dep], t.ID)
			}
		}
		indegree[t.ID] = n
	}

	var levels [][]task.Task
	remaining := len(all)
	for remaining > 0 {
		var frontier []string
		for _, t := range all {
			if n, ok := indegree[t.ID]; ok && n == 0 {
				frontier = append(frontier, t.ID)
			}
		}
		if len(frontier) == 0 {
			break // cycle; validate() is the place to surface that
		}
		var level []task.Task
		for _, id := range frontier {
			level = append(level, byID[id])
			delete(indegree, id)
			remaining--
		}
		for _, id := range frontier {
			for _, child := range children[id] {
				if _, ok := indegree[child]; ok {
					indegree[child]--
				}
			}
		}
		levels = append(levels, level)
	}
	return levels
}

// CanRun reports whether id is currently eligible to run. Thin wrapper
// kept here so resolver is the single documented entry point for
// readiness queries even though the DAG itself also exposes it.
func CanRun(d *task.DAG, id string) bool { return d.CanRun(id) }

// CriticalPath returns the single longest path by estimated duration,
// ties broken by insertion/level order.
func CriticalPath(d *task.DAG) []task.Task {
	levels := ExecutionLevels(d)
	byID := make(map[string]task.Task)
	for _, level := range levels {
		for _, t := range level {
			byID[t.ID] = t
		}
	}

	longest := make(map[string]time.Duration)
	prev := make(map[string]string)
	for _, level := range levels {
		for _, t := range level {
			best := t.EstimatedDuration()
			bestParent := ""
			for _, dep := range t.Dependencies {
				if _, ok := byID[dep]; !ok {
					continue
				}
				if d := longest[dep] + t.EstimatedDuration(); d > best {
					best = d
					bestParent = dep
				}
			}
			longest[t.ID] = best
			if bestParent != "" {
				prev[t.ID] = bestParent
			}
		}
	}

	// Walk levels/tasks in the same deterministic order ExecutionLevels
	// produced them (level order, then insertion order within a level) rather
	// than ranging over the longest map, whose iteration order is
	// randomized; a strict > keeps the first-seen (earliest-inserted)
	// task on a tie.
	var endID string
	var endDur time.Duration
	for _, level := range levels {
		for _, t := range level {
			if dur := longest[t.ID]; dur > endDur {
				endDur = dur
				endID = t.ID
			}
		}
	}
	if endID == "" {
		return nil
	}
	var path []task.Task
	for id := endID; id != ""; id = prev[id] {
		path = append([]task.Task{byID[id]}, path...)
	}
	return path
}

// EstimateParallelTime sums each level's maximum estimated duration —
// an optimistic bound assuming unbounded parallelism within a level.
func EstimateParallelTime(d *task.DAG) time.Duration {
	var total time.Duration
	for _, level := range ExecutionLevels(d) {
		var max time.Duration
		for _, t := range level {
			if e := t.EstimatedDuration(); e > max {
				max = e
			}
		}
		total += max
	}
	return total
}

// EstimateSequentialTime sums every task's estimated duration.
func EstimateSequentialTime(d *task.DAG) time.Duration {
	var total time.Duration
	for _, t := range d.All() {
		total += t.EstimatedDuration()
	}
	return total
}
