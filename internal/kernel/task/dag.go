package task

import (
	"fmt"
	"sort"
	"sync"
)

// DAG is the single mutable store of Tasks and their dependency edges.
// All status transitions are serialized behind one mutex; ownership of
// a Task lives here, workers only hold a borrow while it is Running.
type DAG struct {
	mu             sync.RWMutex
	tasks          map[string]*Task
	dependents     map[string][]string // parent -> children
	nextSeq        int
	skipSatisfies  bool // policy: does a Skipped dependency satisfy its children?
}

// NewDAG constructs an empty DAG. skipSatisfiesDependency controls
// whether a Skipped task counts as satisfying a child's dependency on
// it (default true per policy).
func NewDAG(skipSatisfiesDependency bool) *DAG {
	return &DAG{
		tasks:         make(map[string]*Task),
		dependents:    make(map[string][]string),
		skipSatisfies: skipSatisfiesDependency,
	}
}

// ErrNotFound is returned when a referenced task id does not exist.
type ErrNotFound struct{ ID string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("task: unknown id %q", e.ID) }

// ErrCycle is returned when adding an edge would create a cycle.
type ErrCycle struct{ Child, Parent string }

func (e ErrCycle) Error() string {
	return fmt.Sprintf("task: dependency %s -> %s would create a cycle", e.Child, e.Parent)
}

// ErrBadTransition is returned for an illegal status transition.
type ErrBadTransition struct {
	ID   string
	From Status
	To   Status
}

func (e ErrBadTransition) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// AddTask inserts a new task. The id must be unique. Dependencies are
// not required to resolve yet — a supervisor may add tasks whose
// dependency ids appear later.
func (d *DAG) AddTask(t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[t.ID]; exists {
		return fmt.Errorf("task: duplicate id %q", t.ID)
	}
	if t.Status == "" {
		t.Status = Pending
	}
	t.seq = d.nextSeq
	d.nextSeq++
	cp := t.Clone()
	d.tasks[t.ID] = &cp
	for _, dep := range t.Dependencies {
		d.dependents[dep] = append(d.dependents[dep], t.ID)
	}
	return nil
}

// AddDependency records that child depends on parent. Both ids must
// already exist. The edge is rejected if it would create a cycle.
func (d *DAG) AddDependency(childID, parentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	child, ok := d.tasks[childID]
	if !ok {
		return ErrNotFound{childID}
	}
	if _, ok := d.tasks[parentID]; !ok {
		return ErrNotFound{parentID}
	}
	if d.reachableLocked(parentID, childID) {
		return ErrCycle{Child: childID, Parent: parentID}
	}
	for _, existing := range child.Dependencies {
		if existing == parentID {
			return nil // already present
		}
	}
	child.Dependencies = append(child.Dependencies, parentID)
	d.dependents[parentID] = append(d.dependents[parentID], childID)
	return nil
}

// reachableLocked reports whether to is reachable from from by walking
// dependency edges forward (from -> dependents -> ... ). Caller holds
// d.mu.
func (d *DAG) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range d.dependents[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// MarkRunning atomically claims task id for workerID. Exactly one
// caller across concurrent goroutines will succeed for a given task.
func (d *DAG) MarkRunning(id, workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return ErrNotFound{id}
	}
	if t.Status != Pending && t.Status != Ready {
		return ErrBadTransition{ID: id, From: t.Status, To: Running}
	}
	t.Status = Running
	t.AssignedWorker = workerID
	return nil
}

// MarkCompleted, MarkFailed and MarkSkipped transition id to a terminal
// status and attach result. Completed/Failed require the task to be
// Running; Skipped may be applied to any non-terminal task (a
// supervisor may skip a task that never started).
func (d *DAG) MarkCompleted(id string, result Result) error { return d.markTerminal(id, Completed, result, false) }
func (d *DAG) MarkFailed(id string, result Result) error    { return d.markTerminal(id, Failed, result, false) }
func (d *DAG) MarkSkipped(id string, result Result) error   { return d.markTerminal(id, Skipped, result, true) }

func (d *DAG) markTerminal(id string, to Status, result Result, allowAnyNonTerminal bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return ErrNotFound{id}
	}
	if t.Status.Terminal() {
		return ErrBadTransition{ID: id, From: t.Status, To: to}
	}
	if !allowAnyNonTerminal && t.Status != Running {
		return ErrBadTransition{ID: id, From: t.Status, To: to}
	}
	t.Status = to
	result.TaskID = id
	t.Result = &result
	return nil
}

// depSatisfiedLocked reports whether dependency depID is satisfied for
// the purpose of readiness, under the skip-satisfies policy.
func (d *DAG) depSatisfiedLocked(depID string) bool {
	dep, ok := d.tasks[depID]
	if !ok {
		return false // dangling reference: never satisfied
	}
	if dep.Status == Completed {
		return true
	}
	if dep.Status == Skipped && d.skipSatisfies {
		return true
	}
	return false
}

// ReadyTasks returns, without mutating anything, every task whose
// dependencies are all satisfied and whose status is Pending or Ready,
// ordered by priority (descending) then insertion order.
func (d *DAG) ReadyTasks() []Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Task
	for _, t := range d.tasks {
		if t.Status != Pending && t.Status != Ready {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !d.depSatisfiedLocked(dep) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// CanRun reports whether the task identified by id is currently
// eligible to run: it exists, is non-terminal and every dependency is
// satisfied. Unlike ReadyTasks, a Running task also reports true.
func (d *DAG) CanRun(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	for _, dep := range t.Dependencies {
		if !d.depSatisfiedLocked(dep) {
			return false
		}
	}
	return true
}

// Get returns a copy of the task, if present.
func (d *DAG) Get(id string) (Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// All returns a snapshot copy of every task in the DAG.
func (d *DAG) All() []Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// IsComplete reports whether every task in the DAG is terminal.
func (d *DAG) IsComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range d.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Counts summarizes terminal/total state for health reporting.
type Counts struct {
	Completed, Failed, Skipped, Running, Pending, Total int
}

func (d *DAG) Counts() Counts {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c Counts
	c.Total = len(d.tasks)
	for _, t := range d.tasks {
		switch t.Status {
		case Completed:
			c.Completed++
		case Failed:
			c.Failed++
		case Skipped:
			c.Skipped++
		case Running:
			c.Running++
		default:
			c.Pending++
		}
	}
	return c
}

// IsDeadlocked reports whether at least one task is non-terminal, none
// is Running and no task is ready, without mutating any state. Safe to
// call repeatedly.
func (d *DAG) IsDeadlocked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	anyNonTerminal := false
	for _, t := range d.tasks {
		if !t.Status.Terminal() {
			anyNonTerminal = true
			if t.Status == Running {
				return false // something is actively making progress
			}
		}
	}
	if !anyNonTerminal {
		return false
	}
	for _, t := range d.tasks {
		if t.Status != Pending && t.Status != Ready {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !d.depSatisfiedLocked(dep) {
				ready = false
				break
			}
		}
		if ready {
			return false
		}
	}
	return true
}

// Validate reports cycles and dangling dependency references without
// mutating the DAG.
type ValidationReport struct {
	Cycles   [][]string
	Dangling []string // "child -> missing-parent"
}

func (d *DAG) Validate() ValidationReport {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var report ValidationReport
	for id, t := range d.tasks {
		for _, dep := range t.Dependencies {
			if _, ok := d.tasks[dep]; !ok {
				report.Dangling = append(report.Dangling, fmt.Sprintf("%s -> %s", id, dep))
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.tasks))
	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		t := d.tasks[id]
		if t != nil {
			for _, dep := range t.Dependencies {
				if _, ok := d.tasks[dep]; !ok {
					continue
				}
				switch color[dep] {
				case white:
					if cyc := visit(dep); cyc != nil {
						return cyc
					}
				case gray:
					cyc := append([]string(nil), path...)
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}
	for id := range d.tasks {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				report.Cycles = append(report.Cycles, cyc)
			}
		}
	}
	return report
}
