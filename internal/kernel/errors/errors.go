// Package errors classifies raw collaborator failures into the
// StructuredError taxonomy the supervisor reasons over.
package errors

import (
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/spoloxs/automata-kernel/internal/kernel/progress"
)

// Category is the closed taxonomy of recoverable/fatal failure kinds.
type Category string

const (
	Timeout             Category = "timeout"
	ElementNotFound     Category = "element_not_found"
	ActionFailed        Category = "action_failed"
	NavigationError     Category = "navigation_error"
	VerificationFailed  Category = "verification_failed"
	SystemError         Category = "system_error"
	Unknown             Category = "unknown"
)

// SuggestedAction is the classifier's recommendation; the supervisor
// may override it based on broader execution context.
type SuggestedAction string

const (
	ActionRetry    SuggestedAction = "retry"
	ActionContinue SuggestedAction = "continue"
	ActionSkip     SuggestedAction = "skip"
	ActionAbort    SuggestedAction = "abort"
)

// TimeoutReason narrows a Timeout category.
type TimeoutReason string

const (
	TimeoutMaxIterations TimeoutReason = "max_iterations"
	TimeoutTimeLimit     TimeoutReason = "time_limit"
)

// Structured is the typed classification of a task-level failure.
type Structured struct {
	Category        Category
	Message         string
	Progress        *progress.Metrics
	TimeoutReason   TimeoutReason
	IsRecoverable   bool
	SuggestedAction SuggestedAction
	Context         map[string]interface{}
	cause           error
}

func (e *Structured) Error() string { return string(e.Category) + ": " + e.Message }

// Unwrap exposes the original collaborator error for errors.Is/As.
func (e *Structured) Unwrap() error { return e.cause }

// Classifier turns a raw error plus task progress into a Structured
// error. Category inference reads the error text because the
// collaborators (driver, perception, LLM) are external processes that
// surface failures as plain strings; this is the one place in the
// kernel that does so.
type Classifier struct{}

func NewClassifier() *Classifier { return &Classifier{} }

// Classify inspects err and m and returns a Structured error with a
// suggested action per the default policy table.
func (c *Classifier) Classify(err error, m *progress.Metrics) *Structured {
	if err == nil {
		return nil
	}
	wrapped := pkgerrors.WithStack(err)
	msg := err.Error()
	lower := strings.ToLower(msg)

	s := &Structured{Message: msg, Progress: m, cause: wrapped, Context: map[string]interface{}{}}

	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		s.Category = Timeout
		if strings.Contains(lower, "iteration") || strings.Contains(lower, "max_iter") {
			s.TimeoutReason = TimeoutMaxIterations
		} else {
			s.TimeoutReason = TimeoutTimeLimit
		}
		if m != nil && m.HasMeaningfulProgress() {
			s.IsRecoverable = true
			s.SuggestedAction = ActionContinue
		} else {
			s.IsRecoverable = true
			s.SuggestedAction = ActionRetry
		}
	case strings.Contains(lower, "element") && (strings.Contains(lower, "not found") || strings.Contains(lower, "no such")):
		s.Category = ElementNotFound
		s.IsRecoverable = true
		s.SuggestedAction = ActionRetry
	case strings.Contains(lower, "navigat"):
		s.Category = NavigationError
		s.IsRecoverable = true
		s.SuggestedAction = ActionRetry
	case strings.Contains(lower, "verif"):
		s.Category = VerificationFailed
		s.IsRecoverable = true
		s.SuggestedAction = ActionSkip
	case strings.Contains(lower, "action") && strings.Contains(lower, "fail"):
		s.Category = ActionFailed
		s.IsRecoverable = true
		s.SuggestedAction = ActionRetry
	case strings.Contains(lower, "panic") || strings.Contains(lower, "invariant") || strings.Contains(lower, "system"):
		s.Category = SystemError
		s.IsRecoverable = false
		s.SuggestedAction = ActionAbort
	default:
		s.Category = Unknown
		s.IsRecoverable = true
		s.SuggestedAction = ActionRetry
	}
	return s
}
