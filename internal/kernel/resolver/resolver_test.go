package resolver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

func buildDiamond(t *testing.T) *task.DAG {
	t.Helper()
	d := task.NewDAG(true)
	require.NoError(t, d.AddTask(task.Task{ID: "a"}))
	require.NoError(t, d.AddTask(task.Task{ID: "b", Dependencies: []string{"a"}}))
	require.NoError(t, d.AddTask(task.Task{ID: "c", Dependencies: []string{"a"}}))
	require.NoError(t, d.AddTask(task.Task{ID: "d", Dependencies: []string{"b", "c"}}))
	return d
}

func TestExecutionLevels(t *testing.T) {
	d := buildDiamond(t)
	levels := ExecutionLevels(d)
	require.Len(t, levels, 3)
	require.Len(t, levels[0], 1)
	require.Equal(t, "a", levels[0][0].ID)
	require.Len(t, levels[1], 2)
	require.Len(t, levels[2], 1)
	require.Equal(t, "d", levels[2][0].ID)
}

func TestCriticalPathFollowsLongestChain(t *testing.T) {
	d := task.NewDAG(true)
	require.NoError(t, d.AddTask(task.Task{ID: "a", Metadata: map[string]interface{}{"estimated_time_s": 10}}))
	require.NoError(t, d.AddTask(task.Task{ID: "b", Dependencies: []string{"a"}, Metadata: map[string]interface{}{"estimated_time_s": 5}}))
	require.NoError(t, d.AddTask(task.Task{ID: "c", Dependencies: []string{"a"}, Metadata: map[string]interface{}{"estimated_time_s": 50}}))
	require.NoError(t, d.AddTask(task.Task{ID: "d", Dependencies: []string{"b", "c"}, Metadata: map[string]interface{}{"estimated_time_s": 1}}))

	path := CriticalPath(d)
	var ids []string
	for _, t := range path {
		ids = append(ids, t.ID)
	}
	require.Equal(t, []string{"a", "c", "d"}, ids)
}

func TestCriticalPathBreaksTiesByInsertionOrderDeterministically(t *testing.T) {
	build := func() *task.DAG {
		d := task.NewDAG(true)
		require.NoError(t, d.AddTask(task.Task{ID: "a", Metadata: map[string]interface{}{"estimated_time_s": 10}}))
		require.NoError(t, d.AddTask(task.Task{ID: "d1", Dependencies: []string{"a"}, Metadata: map[string]interface{}{"estimated_time_s": 20}}))
		require.NoError(t, d.AddTask(task.Task{ID: "d2", Dependencies: []string{"a"}, Metadata: map[string]interface{}{"estimated_time_s": 20}}))
		return d
	}

	// Two sink nodes tie on total duration (a+d1 == a+d2). The result
	// must be the same task on every call, not whichever a map
	// iteration happened to land on last.
	var first []string
	for i := 0; i < 20; i++ {
		path := CriticalPath(build())
		var ids []string
		for _, t := range path {
			ids = append(ids, t.ID)
		}
		if first == nil {
			first = ids
		}
		require.Equal(t, first, ids, "critical path must be deterministic across runs on a tie")
	}
	require.Equal(t, []string{"a", "d1"}, first)
}

func TestEstimateParallelFasterThanSequential(t *testing.T) {
	d := buildDiamond(t)
	require.LessOrEqual(t, EstimateParallelTime(d), EstimateSequentialTime(d))
}
