package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetExecutionRoundTrip(t *testing.T) {
	s := openTest(t)
	rec := ExecutionRecord{
		ExecutionID: "exec-1",
		Goal:        "book a flight",
		Success:     true,
		Confidence:  0.9,
		StartedAt:   time.Now().Add(-time.Minute),
		EndedAt:     time.Now(),
		TaskResults: map[string]task.Result{
			"t1": {Success: true},
		},
	}
	require.NoError(t, s.PutExecution(rec))

	got, err := s.GetExecution("exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.Goal, got.Goal)
	require.True(t, got.TaskResults["t1"].Success)
}

func TestGetExecutionMissingReturnsNilNoError(t *testing.T) {
	s := openTest(t)
	got, err := s.GetExecution("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetExecutionServesFromHotCacheWithoutHittingDisk(t *testing.T) {
	s := openTest(t)
	rec := ExecutionRecord{ExecutionID: "exec-2", Goal: "g"}
	require.NoError(t, s.PutExecution(rec))

	s.mu.Lock()
	s.hot["exec-2"].Goal = "mutated in cache only"
	s.mu.Unlock()

	got, err := s.GetExecution("exec-2")
	require.NoError(t, err)
	require.Equal(t, "mutated in cache only", got.Goal, "cache hit must skip the disk read entirely")
}

func TestHotCacheEvictsOldestWhenFull(t *testing.T) {
	s := openTest(t)
	s.maxHotCache = 2
	base := time.Now()
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.PutExecution(ExecutionRecord{
			ExecutionID: id,
			StartedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	s.mu.RLock()
	_, hasOldest := s.hot["e1"]
	_, hasNewest := s.hot["e3"]
	s.mu.RUnlock()
	require.False(t, hasOldest, "oldest entry should have been evicted")
	require.True(t, hasNewest)
}

func TestPutGoalVersionDoesNotError(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.PutGoalVersion("goal-1", 1, "book a flight"))
	require.NoError(t, s.PutGoalVersion("goal-1", 2, "book a flight to NYC"))
}
