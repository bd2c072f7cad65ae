package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spoloxs/automata-kernel/internal/kernel/cache"
	"github.com/spoloxs/automata-kernel/internal/kernel/contracts"
	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

type fakePerception struct{ n int }

func (f *fakePerception) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	f.n++
	return []byte{byte(f.n)}, nil
}
func (f *fakePerception) Parse(ctx context.Context, shot []byte) ([]contracts.Element, error) {
	return []contracts.Element{{ID: 1, Type: "button", Center: [2]float64{0.5, 0.5}, Content: "Submit", Interactivity: true}}, nil
}
func (f *fakePerception) QueryDOMBatch(ctx context.Context, pts [][2]int) ([]*contracts.DOMDetails, error) {
	return nil, nil
}
func (f *fakePerception) AnalyzeVisual(ctx context.Context, shot []byte, question string) ([]contracts.Element, error) {
	return nil, nil
}

type fakeBrowser struct {
	mu  sync.Mutex
	url string
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error { b.mu.Lock(); b.url = url; b.mu.Unlock(); return nil }
func (b *fakeBrowser) Click(ctx context.Context, x, y int) error      { return nil }
func (b *fakeBrowser) TypeText(ctx context.Context, text string) error { return nil }
func (b *fakeBrowser) PressKey(ctx context.Context, name string) error { return nil }
func (b *fakeBrowser) Scroll(ctx context.Context, dx, dy int) error    { return nil }
func (b *fakeBrowser) Wait(ctx context.Context, d float64) error       { return nil }
func (b *fakeBrowser) GetURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.url == "" {
		return "https://example.com", nil
	}
	return b.url, nil
}
func (b *fakeBrowser) Evaluate(ctx context.Context, js string) (interface{}, error) { return nil, nil }
func (b *fakeBrowser) Cleanup(ctx context.Context) error                           { return nil }

// fakeDecisionLLM completes immediately after one click, with a
// configurable sequence of verification outcomes.
type fakeDecisionLLM struct {
	clicked   bool
	verifyOut []contracts.VerificationOutcome
	idx       int
}

func (f *fakeDecisionLLM) Decide(ctx context.Context, threadID, desc string, obs contracts.Observation, stored map[string]interface{}) (contracts.Decision, error) {
	if !f.clicked {
		f.clicked = true
		return contracts.Decision{Tool: contracts.ToolClick, ElementID: 1}, nil
	}
	return contracts.Decision{Tool: contracts.ToolMarkTaskComplete}, nil
}
func (f *fakeDecisionLLM) Verify(ctx context.Context, threadID string, req contracts.VerificationRequest) (contracts.VerificationOutcome, error) {
	out := f.verifyOut[f.idx]
	if f.idx < len(f.verifyOut)-1 {
		f.idx++
	}
	return out, nil
}
func (f *fakeDecisionLLM) ClearContext(ctx context.Context, threadID string) error { return nil }
func (f *fakeDecisionLLM) ActiveSessions(ctx context.Context) (int, error)         { return 0, nil }

func newTestWorker(decision contracts.DecisionLLM) *Worker {
	deps := Deps{
		Perception: &fakePerception{},
		Browser:    &fakeBrowser{},
		Decision:   decision,
		Cache:      cache.NewPerception(time.Minute),
		BrowserMu:  &sync.Mutex{},
	}
	return New("w1", deps, DefaultConfig())
}

func TestExecuteSucceedsOnFirstVerification(t *testing.T) {
	llm := &fakeDecisionLLM{verifyOut: []contracts.VerificationOutcome{{Completed: true, Confidence: 0.9}}}
	w := newTestWorker(llm)

	result, err := w.Execute(context.Background(), task.Task{ID: "t1", Description: "submit the form"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.ActionHistory)
}

func TestExecuteRetriesOnLowConfidenceVerification(t *testing.T) {
	llm := &fakeDecisionLLM{verifyOut: []contracts.VerificationOutcome{
		{Completed: false, Confidence: 0.1},
		{Completed: false, Confidence: 0.2},
		{Completed: true, Confidence: 0.8},
	}}
	w := newTestWorker(llm)

	result, err := w.Execute(context.Background(), task.Task{ID: "t1", Description: "submit the form"})
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestExecuteFailsAtIterationCap(t *testing.T) {
	llm := &fakeDecisionLLM{verifyOut: []contracts.VerificationOutcome{{Completed: false, Confidence: 0}}}
	w := newTestWorker(llm)
	w.cfg.MaxIterations = 2

	result, err := w.Execute(context.Background(), task.Task{ID: "t1", Description: "submit the form"})
	require.Error(t, err)
	require.False(t, result.Success)
}
