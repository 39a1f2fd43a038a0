package agent

import "fmt"

// ModelInvocationError wraps a failure to obtain a model response.
// Unlike tool failures, which become conversation content the model can
// react to, a model failure is fatal to the turn.
type ModelInvocationError struct {
	Err error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation failed: %v", e.Err)
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Err
}

// ConfirmationNotFoundError is returned when a decision references a
// tool call ID with no pending confirmation. This is a client error,
// not a server fault.
type ConfirmationNotFoundError struct {
	CallID string
}

func (e *ConfirmationNotFoundError) Error() string {
	return fmt.Sprintf("no pending confirmation for tool call %q", e.CallID)
}
