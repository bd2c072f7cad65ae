package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spoloxs/automata-kernel/internal/kernel/progress"
)

func TestClassifyTimeoutWithProgressContinues(t *testing.T) {
	c := NewClassifier()
	m := progress.New()
	m.RecordAction(true)
	m.RecordState("url1")
	m.RecordState("url2")

	s := c.Classify(errors.New("context deadline exceeded: timeout"), m)
	require.Equal(t, Timeout, s.Category)
	require.Equal(t, ActionContinue, s.SuggestedAction)
	require.True(t, s.IsRecoverable)
}

func TestClassifyTimeoutWithoutProgressRetries(t *testing.T) {
	c := NewClassifier()
	s := c.Classify(errors.New("timeout waiting for max_iterations"), progress.New())
	require.Equal(t, Timeout, s.Category)
	require.Equal(t, TimeoutMaxIterations, s.TimeoutReason)
	require.Equal(t, ActionRetry, s.SuggestedAction)
}

func TestClassifySystemErrorIsNotRecoverable(t *testing.T) {
	c := NewClassifier()
	s := c.Classify(errors.New("system invariant violated"), nil)
	require.Equal(t, SystemError, s.Category)
	require.False(t, s.IsRecoverable)
	require.Equal(t, ActionAbort, s.SuggestedAction)
}

func TestStructuredUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("element not found: #submit")
	c := NewClassifier()
	s := c.Classify(cause, nil)
	require.ErrorContains(t, errors.Unwrap(s), "element not found")
}
