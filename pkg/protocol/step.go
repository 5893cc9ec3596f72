// Package protocol defines the contracts between the engine and pluggable
// step executors.
package protocol

import (
	"context"

	"github.com/weftworks/weft/pkg/envelope"
)

// ExecutionState is the read-only view of a run that a step executes against.
type ExecutionState struct {
	ExecutionID string
	WorkflowID  string
	Input       *envelope.Envelope
	StepOutputs map[string]any
	Variables   map[string]any
	TriggerData map[string]any
}

// Result is the tagged outcome of a step handler: a value, or an explicit
// skip. Handler errors are returned separately and classified as business
// failures.
type Result struct {
	Value      any
	Skipped    bool
	SkipReason string
}

// Ok wraps a produced value.
func Ok(value any) *Result {
	return &Result{Value: value}
}

// Skip marks the step as deliberately not executed.
func Skip(reason string) *Result {
	return &Result{Skipped: true, SkipReason: reason}
}

// Handler executes one unit of step logic against a resolved configuration.
type Handler interface {
	Execute(ctx context.Context, config map[string]any, state ExecutionState) (*Result, error)
}

// HandlerFactory creates handler instances and describes the step type.
type HandlerFactory interface {
	// Create builds a handler for the given (already resolved) configuration.
	Create(config map[string]any) (Handler, error)

	// ID returns the stable type id this factory is registered under.
	ID() string

	// Name returns the human-readable name for this step type.
	Name() string

	// Schema returns the JSON schema step configs are validated against.
	Schema() map[string]any
}
