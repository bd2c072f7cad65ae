package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spoloxs/automata-kernel/internal/kernel/orchestrator"
)

func TestAddRejectsDuplicateName(t *testing.T) {
	r := New(func(ctx context.Context, goal, url string) (orchestrator.ExecutionResult, error) {
		return orchestrator.ExecutionResult{Success: true}, nil
	}, nil)

	require.NoError(t, r.Add("daily", "goal", "https://example.com", "*/1 * * * * *"))
	require.Error(t, r.Add("daily", "goal", "https://example.com", "*/1 * * * * *"))
}

func TestFireInvokesRunnerOnSchedule(t *testing.T) {
	var calls int64
	r := New(func(ctx context.Context, goal, url string) (orchestrator.ExecutionResult, error) {
		atomic.AddInt64(&calls, 1)
		return orchestrator.ExecutionResult{Success: true}, nil
	}, nil)

	require.NoError(t, r.Add("every-second", "goal", "https://example.com", "*/1 * * * * *"))
	r.Start()
	defer func() { _ = r.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestRemoveStopsFutureFires(t *testing.T) {
	var calls int64
	r := New(func(ctx context.Context, goal, url string) (orchestrator.ExecutionResult, error) {
		atomic.AddInt64(&calls, 1)
		return orchestrator.ExecutionResult{Success: true}, nil
	}, nil)

	require.NoError(t, r.Add("once", "goal", "https://example.com", "*/1 * * * * *"))
	r.Remove("once")
	r.Start()
	defer func() { _ = r.Stop(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int64(0), atomic.LoadInt64(&calls))
	require.Empty(t, r.List())
}
