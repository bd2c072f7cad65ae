// Package contracts defines the typed boundaries to every external
// collaborator the kernel depends on: perception, the browser driver,
// the decision/planner/supervisor LLMs. These are out-of-core per the
// exercise's scope, but the kernel only ever talks to them through
// these interfaces.
package contracts

import "context"

// Element is one perceived, addressable region of the page.
type Element struct {
	ID            int         `json:"id"`
	Type          string      `json:"type"`
	BBox          [4]float64  `json:"bbox"` // x1,y1,x2,y2 normalized to [0,1]
	Center        [2]float64  `json:"center"`
	Content       string      `json:"content"`
	Interactivity bool        `json:"interactivity"`
	DOM           *DOMDetails `json:"dom,omitempty"`
}

// VisualAnalysisElementFloor is the first id reserved for elements
// synthesized by analyze_visual_content; such elements carry absolute
// pixel coordinates rather than normalized ones.
const VisualAnalysisElementFloor = 9000

// DOMDetails is optional enrichment returned by query_dom_batch.
type DOMDetails struct {
	Tag         string `json:"tag"`
	ID          string `json:"id,omitempty"`
	Class       string `json:"class,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Observation is what perceive() produces for one iteration.
type Observation struct {
	URL        string
	Screenshot []byte
	Elements   []Element
}

// Perception captures a screenshot, parses it into Elements, and can
// optionally enrich individual points with DOM details or run a
// slower vision-model pass over the screenshot for elements the fast
// parse missed.
type Perception interface {
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	Parse(ctx context.Context, screenshot []byte) ([]Element, error)
	QueryDOMBatch(ctx context.Context, pointsPx [][2]int) ([]*DOMDetails, error)
	// AnalyzeVisual answers question about screenshot using a vision
	// model; any Elements it returns carry ids >= VisualAnalysisElementFloor
	// and absolute pixel centers rather than normalized ones.
	AnalyzeVisual(ctx context.Context, screenshot []byte, question string) ([]Element, error)
}

// Browser issues the primitive actions a worker applies to the shared
// session. Only one worker may call a mutating method at a time (see
// the kernel's browser mutex); Navigate/Click/TypeText/PressKey/Scroll
// are mutating, GetURL/Evaluate are not.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, xPx, yPx int) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, name string) error
	Scroll(ctx context.Context, dxPx, dyPx int) error
	Wait(ctx context.Context, d float64) error
	GetURL(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, js string) (interface{}, error)
	Cleanup(ctx context.Context) error
}

// ToolName is the closed catalog of decisions a worker may receive
// from the decision LLM.
type ToolName string

const (
	ToolClick                ToolName = "click"
	ToolType                 ToolName = "type"
	ToolPressEnter           ToolName = "press_enter"
	ToolNavigate             ToolName = "navigate"
	ToolScroll               ToolName = "scroll"
	ToolWait                 ToolName = "wait"
	ToolScrollToResult       ToolName = "scroll_to_result"
	ToolAnalyzeVisualContent ToolName = "analyze_visual_content"
	ToolGetElementDetails    ToolName = "get_element_details"
	ToolStoreData            ToolName = "store_data"
	ToolGetAccomplishments   ToolName = "get_accomplishments"
	ToolMarkTaskComplete     ToolName = "mark_task_complete"
)

// Decision is one tool invocation returned by the decision LLM. Only
// the fields relevant to Tool are populated; the worker loop validates
// that the required fields are present for the given tool before
// acting on it.
type Decision struct {
	Tool        ToolName `json:"tool"`
	ElementID   int      `json:"element_id,omitempty"`
	ElementIDs  []int    `json:"element_ids,omitempty"`
	Text        string   `json:"text,omitempty"`
	URL         string   `json:"url,omitempty"`
	Direction   string   `json:"direction,omitempty"`
	Amount      int      `json:"amount,omitempty"`
	Seconds     float64  `json:"seconds,omitempty"`
	Question    string   `json:"question,omitempty"`
	Key         string   `json:"key,omitempty"`
	Value       string   `json:"value,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
}

// VerificationRequest bundles everything the verifier needs to judge
// whether a task is complete.
type VerificationRequest struct {
	TaskDescription string
	Elements        []Element
	URL             string
	StoredData      map[string]interface{}
	ActionHistory   []string
	Screenshot      []byte
}

// DecisionLLM produces the next tool invocation and verifies
// completion, both scoped to a worker's thread_id conversation.
type DecisionLLM interface {
	Decide(ctx context.Context, threadID, taskDescription string, obs Observation, storedData map[string]interface{}) (Decision, error)
	Verify(ctx context.Context, threadID string, req VerificationRequest) (VerificationOutcome, error)
	ClearContext(ctx context.Context, threadID string) error
	ActiveSessions(ctx context.Context) (int, error)
}

// VerificationOutcome mirrors task.VerificationResult at the contract
// boundary to avoid an import cycle back into the task package.
type VerificationOutcome struct {
	Completed  bool
	Confidence float64
	Reasoning  string
	Evidence   []string
	Issues     []string
}

// PlanStep is one planner-produced step, before conversion to a task.
type PlanStep struct {
	Number           int
	Name             string
	Description      string
	Type             string // "direct" | "delegate"
	Dependencies     []int  // step numbers
	EstimatedTimeSec float64
	FallbackStrategy string
}

// Plan is the planner's structured output.
type Plan struct {
	Steps      []PlanStep
	Complexity string // "simple" | "moderate" | "complex"
}

// Planner turns a goal and starting URL into a structured plan.
type Planner interface {
	Plan(ctx context.Context, goal, startingURL string) (Plan, error)
}

// SupervisorRequest is what the supervisor sends the decision LLM when
// a task fails or the scheduler deadlocks.
type SupervisorRequest struct {
	Goal           string
	FailedTaskID   string
	FailureReason  string
	ExecutionState map[string]interface{}
	DAGState       map[string]interface{}
	RecentHistory  []string
}

// DecisionKind is the closed set of supervisor recovery actions.
type DecisionKind string

const (
	DecisionRetry  DecisionKind = "retry"
	DecisionSkip   DecisionKind = "skip"
	DecisionReplan DecisionKind = "replan"
	DecisionBridge DecisionKind = "bridge"
	DecisionAbort  DecisionKind = "abort"
)

// NewTaskSpec is one task the supervisor wants inserted into the DAG.
type NewTaskSpec struct {
	Description  string
	Dependencies []string
}

// SupervisorDecision is the typed response from the supervisor LLM.
type SupervisorDecision struct {
	Kind         DecisionKind
	TaskID       string        // for Retry/Skip/Bridge
	NewTasks     []NewTaskSpec // for Replan
	AbortReason  string
}

// SupervisorLLM decides how to recover from a task failure or
// deadlock.
type SupervisorLLM interface {
	Decide(ctx context.Context, req SupervisorRequest) (SupervisorDecision, error)
}
