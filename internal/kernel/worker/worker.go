// Package worker implements the per-task perceive -> decide -> act ->
// verify execution loop (C4). One Worker executes one task at a time
// against a browser session shared with every other worker in the
// pool.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/spoloxs/automata-kernel/internal/kernel/cache"
	"github.com/spoloxs/automata-kernel/internal/kernel/contracts"
	"github.com/spoloxs/automata-kernel/internal/kernel/progress"
	"github.com/spoloxs/automata-kernel/internal/kernel/task"
	"github.com/spoloxs/automata-kernel/internal/resilience"
)

// Config carries the policy knobs from section 6.6 of the
// specification that govern a single task's execution loop.
type Config struct {
	MaxIterations      int
	VerifyThreshold    float64
	ActionRetryCap     int
	PerceptionCacheTTL time.Duration
	ViewportWidth      int
	ViewportHeight     int
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      50,
		VerifyThreshold:    0.6,
		ActionRetryCap:     3,
		PerceptionCacheTTL: 2 * time.Minute,
		ViewportWidth:      1280,
		ViewportHeight:     800,
	}
}

// Worker executes one task end to end. BrowserMu must be the same
// *sync.Mutex shared by every worker in the pool: it serializes
// mutating browser calls while allowing perception to proceed
// concurrently.
type Worker struct {
	ID         string
	cfg        Config
	perception contracts.Perception
	browser    contracts.Browser
	decision   contracts.DecisionLLM
	cache      *cache.Perception
	browserMu  *sync.Mutex
	limiter    *resilience.RateLimiter
	threadID   string

	tracer trace.Tracer
	meter  metric.Meter
}

// Deps bundles a Worker's external collaborators.
type Deps struct {
	Perception contracts.Perception
	Browser    contracts.Browser
	Decision   contracts.DecisionLLM
	Cache      *cache.Perception
	BrowserMu  *sync.Mutex
}

// New constructs a Worker with a fresh thread_id for its LLM
// conversation. Dropped via Cleanup once the worker is done.
func New(id string, deps Deps, cfg Config) *Worker {
	return &Worker{
		ID:         id,
		cfg:        cfg,
		perception: deps.Perception,
		browser:    deps.Browser,
		decision:   deps.Decision,
		cache:      deps.Cache,
		browserMu:  deps.BrowserMu,
		limiter:    resilience.NewRateLimiter(20, 5, time.Minute, 120),
		threadID:   uuid.NewString(),
		tracer:     otel.Tracer("kernel-worker"),
		meter:      otel.Meter("kernel-worker"),
	}
}

// Cleanup drops the worker's LLM conversation. Must be called on every
// exit path (success, failure, cancellation).
func (w *Worker) Cleanup(ctx context.Context) {
	_ = w.decision.ClearContext(ctx, w.threadID)
}

type loopState struct {
	iteration      int
	actions        []task.ActionResult
	progress       *progress.Metrics
	storedData     map[string]interface{}
	lastURL        string
	visualElements map[int]contracts.Element // populated by analyze_visual_content, id >= VisualAnalysisElementFloor
}

// Execute runs the perceive/decide/act/verify loop for t until it
// completes, fails, or the context is cancelled.
func (w *Worker) Execute(ctx context.Context, t task.Task) (task.Result, error) {
	ctx, span := w.tracer.Start(ctx, "worker.execute_task", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("worker.id", w.ID),
	))
	defer span.End()
	defer w.Cleanup(context.Background())

	taskDuration, _ := w.meter.Float64Histogram("kernel_worker_task_duration_seconds")
	iterationCounter, _ := w.meter.Int64Counter("kernel_worker_iterations_total")

	start := time.Now()
	st := &loopState{progress: progress.New(), storedData: make(map[string]interface{}), visualElements: make(map[int]contracts.Element)}

	result, err := w.loop(ctx, t, st, iterationCounter)
	result.StartedAt = start
	result.EndedAt = time.Now()
	result.Duration = result.EndedAt.Sub(start)
	result.WorkerID = w.ID
	result.ActionHistory = st.actions
	result.Progress = st.progress

	taskDuration.Record(ctx, result.Duration.Seconds(), metric.WithAttributes(
		attribute.Bool("success", result.Success),
	))
	return result, err
}

// stalledAfterIterations is how many iterations without meaningful
// progress (per progress.Metrics.HasMeaningfulProgress) mark a task's
// execution as converged/stuck, per the progress-tracking contract.
const stalledAfterIterations = 5

func (w *Worker) loop(ctx context.Context, t task.Task, st *loopState, iterationCounter metric.Int64Counter) (task.Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return task.Result{Success: false, Error: "time_limit exceeded: " + err.Error()}, fmt.Errorf("worker: deadline: timeout: %w", err)
		}
		if st.iteration >= w.cfg.MaxIterations {
			return task.Result{Success: false, Error: "max_iterations exceeded"}, fmt.Errorf("worker: timeout: max_iterations exhausted")
		}
		iterationCounter.Add(ctx, 1)

		obs, err := w.perceive(ctx, st)
		if err != nil {
			return task.Result{Success: false, Error: err.Error()}, fmt.Errorf("worker: perceive: %w", err)
		}

		decision, err := w.decision.Decide(ctx, w.threadID, t.Description, obs, st.storedData)
		if err != nil {
			return task.Result{Success: false, Error: err.Error()}, fmt.Errorf("worker: action_failed: decide: %w", err)
		}

		if decision.Tool == contracts.ToolMarkTaskComplete {
			verified, v, err := w.verify(ctx, t, obs, st)
			if err != nil {
				return task.Result{Success: false, Error: err.Error()}, fmt.Errorf("worker: verification_failed: %w", err)
			}
			if verified {
				return task.Result{
					Success:       true,
					ExtractedData: st.storedData,
					Verification:  v,
				}, nil
			}
			st.progress.RecordAction(false)
			st.iteration++
			if st.iteration >= stalledAfterIterations && !st.progress.HasMeaningfulProgress() {
				st.progress.MarkConverged("no_state_change_before_complete", st.progress.SuccessRate())
				return task.Result{
					Success:       true,
					ExtractedData: st.storedData,
					Verification:  v,
					NeedsReplan:   true,
					ReplanReason:  "mark_task_complete requested repeatedly without verification passing or observable state change",
				}, nil
			}
			continue
		}

		ar := w.apply(ctx, decision, obs, st)
		st.actions = append(st.actions, ar)
		st.progress.RecordAction(ar.Success)
		st.iteration++
	}
}

func (w *Worker) perceive(ctx context.Context, st *loopState) (contracts.Observation, error) {
	ctx, span := w.tracer.Start(ctx, "worker.perceive")
	defer span.End()

	shot, err := w.perception.CaptureScreenshot(ctx)
	if err != nil {
		return contracts.Observation{}, fmt.Errorf("capture screenshot: %w", err)
	}
	url, err := w.browser.GetURL(ctx)
	if err != nil {
		return contracts.Observation{}, fmt.Errorf("get url: %w", err)
	}

	key := cache.Key(url, shot)
	if cached, ok := w.cache.Get(key); ok {
		elems := make([]contracts.Element, 0, len(cached))
		for _, c := range cached {
			if el, ok := c.(contracts.Element); ok {
				elems = append(elems, el)
			}
		}
		st.progress.RecordState(fingerprint(url, elems))
		return contracts.Observation{URL: url, Screenshot: shot, Elements: elems}, nil
	}

	elems, err := w.perception.Parse(ctx, shot)
	if err != nil {
		return contracts.Observation{}, fmt.Errorf("parse elements: %w", err)
	}
	cachePayload := make(cache.Elements, len(elems))
	for i, e := range elems {
		cachePayload[i] = e
	}
	w.cache.Put(key, cachePayload)
	st.progress.RecordState(fingerprint(url, elems))
	st.lastURL = url
	return contracts.Observation{URL: url, Screenshot: shot, Elements: elems}, nil
}

func fingerprint(url string, elems []contracts.Element) string {
	h := sha256.New()
	h.Write([]byte(url))
	for _, e := range elems {
		h.Write([]byte(e.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// apply executes a single decision. Mutating actions are serialized by
// browserMu; non-mutating tools (store_data, get_accomplishments,
// analyze_visual_content, get_element_details) never touch the
// browser mutex and may run alongside other workers' perception.
func (w *Worker) apply(ctx context.Context, d contracts.Decision, obs contracts.Observation, st *loopState) task.ActionResult {
	ctx, span := w.tracer.Start(ctx, "worker.act", trace.WithAttributes(attribute.String("tool", string(d.Tool))))
	defer span.End()

	ar := task.ActionResult{ActionType: string(d.Tool), Timestamp: time.Now()}

	elementByID := make(map[int]contracts.Element, len(obs.Elements)+len(st.visualElements))
	for _, e := range obs.Elements {
		elementByID[e.ID] = e
	}
	for id, e := range st.visualElements {
		elementByID[id] = e
	}
	pixelFor := func(id int) (int, int) {
		if e, ok := elementByID[id]; ok {
			if id >= contracts.VisualAnalysisElementFloor {
				return int(e.Center[0]), int(e.Center[1])
			}
			return int(e.Center[0] * float64(w.cfg.ViewportWidth)), int(e.Center[1] * float64(w.cfg.ViewportHeight))
		}
		return 0, 0
	}

	switch d.Tool {
	case contracts.ToolStoreData:
		st.storedData[d.Key] = d.Value
		ar.Success = true
		return ar

	case contracts.ToolGetAccomplishments:
		// Surfaces what has already happened so the decision LLM can
		// avoid repeating itself; fed back through storedData on the
		// next Decide call rather than through a dedicated field.
		summary := map[string]interface{}{
			"actions_completed": len(st.actions),
			"stored_data":       st.storedData,
		}
		st.storedData["accomplishments"] = summary
		ar.Metadata = summary
		ar.Success = true
		return ar

	case contracts.ToolGetElementDetails:
		ids := d.ElementIDs
		if len(ids) == 0 && d.ElementID != 0 {
			ids = []int{d.ElementID}
		}
		points := make([][2]int, len(ids))
		for i, id := range ids {
			x, y := pixelFor(id)
			points[i] = [2]int{x, y}
		}
		details, err := w.perception.QueryDOMBatch(ctx, points)
		if err != nil {
			ar.Success = false
			ar.Error = err.Error()
			return ar
		}
		byID := make(map[int]*contracts.DOMDetails, len(ids))
		for i, id := range ids {
			if i < len(details) {
				byID[id] = details[i]
			}
		}
		st.storedData["element_details"] = byID
		ar.Metadata = map[string]interface{}{"element_details": byID}
		ar.Success = true
		return ar

	case contracts.ToolAnalyzeVisualContent:
		elems, err := w.perception.AnalyzeVisual(ctx, obs.Screenshot, d.Question)
		if err != nil {
			ar.Success = false
			ar.Error = err.Error()
			return ar
		}
		for _, e := range elems {
			st.visualElements[e.ID] = e
		}
		st.storedData["visual_elements"] = elems
		ar.Metadata = map[string]interface{}{"visual_elements_found": len(elems)}
		ar.Success = true
		return ar
	}

	if !w.limiter.Allow() {
		ar.Success = false
		ar.Error = "rate limited"
		return ar
	}

	w.browserMu.Lock()
	defer w.browserMu.Unlock()

	var err error
	switch d.Tool {
	case contracts.ToolClick:
		x, y := pixelFor(d.ElementID)
		err = w.retrying(ctx, func() error { return w.browser.Click(ctx, x, y) })
		ar.Target = fmt.Sprintf("element:%d", d.ElementID)
	case contracts.ToolType:
		x, y := pixelFor(d.ElementID)
		err = w.retrying(ctx, func() error {
			if cerr := w.browser.Click(ctx, x, y); cerr != nil {
				return cerr
			}
			return w.browser.TypeText(ctx, d.Text)
		})
		ar.Target = fmt.Sprintf("element:%d", d.ElementID)
	case contracts.ToolPressEnter:
		err = w.retrying(ctx, func() error { return w.browser.PressKey(ctx, "Enter") })
	case contracts.ToolNavigate:
		err = w.retrying(ctx, func() error { return w.browser.Navigate(ctx, d.URL) })
		ar.Target = d.URL
	case contracts.ToolScroll:
		amount := d.Amount
		if amount == 0 {
			amount = 500
		}
		dx, dy := 0, amount
		if d.Direction == "left" {
			dx, dy = -amount, 0
		} else if d.Direction == "right" {
			dx, dy = amount, 0
		} else if d.Direction == "up" {
			dx, dy = 0, -amount
		}
		err = w.retrying(ctx, func() error { return w.browser.Scroll(ctx, dx, dy) })
	case contracts.ToolWait:
		err = w.browser.Wait(ctx, d.Seconds)
	case contracts.ToolScrollToResult:
		err = w.retrying(ctx, func() error { return w.browser.Scroll(ctx, 0, 500) })
	default:
		err = fmt.Errorf("unknown tool %q", d.Tool)
	}

	if err != nil {
		ar.Success = false
		ar.Error = err.Error()
		return ar
	}
	ar.Success = true

	if url, uerr := w.browser.GetURL(ctx); uerr == nil {
		w.cache.InvalidateURL(url)
	}
	return ar
}

// retrying wraps a single mutating browser call with bounded in-loop
// retries and full-jitter backoff, per the action-failure recovery
// contract.
func (w *Worker) retrying(ctx context.Context, fn func() error) error {
	_, err := resilience.Retry(ctx, w.cfg.ActionRetryCap, 100*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (w *Worker) verify(ctx context.Context, t task.Task, obs contracts.Observation, st *loopState) (bool, *task.VerificationResult, error) {
	ctx, span := w.tracer.Start(ctx, "worker.verify")
	defer span.End()

	history := make([]string, 0, len(st.actions))
	for _, a := range st.actions {
		history = append(history, a.ActionType)
	}
	out, err := w.decision.Verify(ctx, w.threadID, contracts.VerificationRequest{
		TaskDescription: t.Description,
		Elements:        obs.Elements,
		URL:             obs.URL,
		StoredData:      st.storedData,
		ActionHistory:   history,
	})
	if err != nil {
		return false, nil, err
	}
	v := &task.VerificationResult{
		Completed:  out.Completed,
		Confidence: out.Confidence,
		Reasoning:  out.Reasoning,
		Evidence:   out.Evidence,
		Issues:     out.Issues,
	}
	span.SetAttributes(attribute.Float64("verification.confidence", v.Confidence))
	return v.Completed && v.Confidence >= w.cfg.VerifyThreshold, v, nil
}
