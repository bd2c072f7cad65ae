package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spoloxs/automata-kernel/internal/kernel/contracts"
	"github.com/spoloxs/automata-kernel/internal/kernel/scheduler"
	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

type stubPerception struct{}

func (stubPerception) CaptureScreenshot(ctx context.Context) ([]byte, error) { return []byte("shot"), nil }
func (stubPerception) Parse(ctx context.Context, screenshot []byte) ([]contracts.Element, error) {
	return []contracts.Element{{ID: 1, Type: "button", Center: [2]float64{0.5, 0.5}, Interactivity: true}}, nil
}
func (stubPerception) QueryDOMBatch(ctx context.Context, pts [][2]int) ([]*contracts.DOMDetails, error) {
	return nil, nil
}
func (stubPerception) AnalyzeVisual(ctx context.Context, shot []byte, question string) ([]contracts.Element, error) {
	return nil, nil
}

type stubBrowser struct {
	mu  sync.Mutex
	url string
}

func (b *stubBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.url = url
	return nil
}
func (b *stubBrowser) Click(ctx context.Context, x, y int) error                { return nil }
func (b *stubBrowser) TypeText(ctx context.Context, text string) error          { return nil }
func (b *stubBrowser) PressKey(ctx context.Context, name string) error          { return nil }
func (b *stubBrowser) Scroll(ctx context.Context, dx, dy int) error             { return nil }
func (b *stubBrowser) Wait(ctx context.Context, d float64) error                { return nil }
func (b *stubBrowser) GetURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url, nil
}
func (b *stubBrowser) Evaluate(ctx context.Context, js string) (interface{}, error) { return nil, nil }
func (b *stubBrowser) Cleanup(ctx context.Context) error                            { return nil }

// stubDecision clicks element 1 once per task thread, then marks
// complete; verification always succeeds with high confidence.
type stubDecision struct {
	mu      sync.Mutex
	clicked map[string]bool
}

func newStubDecision() *stubDecision { return &stubDecision{clicked: map[string]bool{}} }

func (d *stubDecision) Decide(ctx context.Context, threadID, taskDescription string, obs contracts.Observation, storedData map[string]interface{}) (contracts.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.clicked[threadID] {
		d.clicked[threadID] = true
		return contracts.Decision{Tool: contracts.ToolClick, ElementID: 1}, nil
	}
	return contracts.Decision{Tool: contracts.ToolMarkTaskComplete}, nil
}

func (d *stubDecision) Verify(ctx context.Context, threadID string, req contracts.VerificationRequest) (contracts.VerificationOutcome, error) {
	return contracts.VerificationOutcome{Completed: true, Confidence: 0.9}, nil
}
func (d *stubDecision) ClearContext(ctx context.Context, threadID string) error { return nil }
func (d *stubDecision) ActiveSessions(ctx context.Context) (int, error)         { return 0, nil }

func TestExecuteGoalLinearPlanAllSucceed(t *testing.T) {
	d := task.NewDAG(true)
	require.NoError(t, d.AddTask(task.Task{ID: "t1"}))
	require.NoError(t, d.AddTask(task.Task{ID: "t2", Dependencies: []string{"t1"}}))
	require.NoError(t, d.AddTask(task.Task{ID: "t3", Dependencies: []string{"t2"}}))

	cfg := DefaultConfig()
	cfg.Worker.MaxIterations = 5
	cfg.Scheduler = scheduler.Config{MaxWorkers: 2, GlobalDeadline: 5_000_000_000, DeadlockPollInt: 5_000_000}

	collab := Collaborators{
		Perception: stubPerception{},
		Browser:    &stubBrowser{},
		Decision:   newStubDecision(),
	}

	res, err := ExecuteGoal(context.Background(), "book a flight", "https://example.com", d, collab, cfg, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.TaskResults, 3)
	require.InDelta(t, 0.9, res.Confidence, 0.0001)
}

func TestExecuteGoalRequiresPlannerWhenNoDAGGiven(t *testing.T) {
	_, err := ExecuteGoal(context.Background(), "goal", "https://example.com", nil, Collaborators{}, DefaultConfig(), nil)
	require.Error(t, err)
}
