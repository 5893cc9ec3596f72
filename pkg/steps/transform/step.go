// Package transform provides the data transformation step for workflow graphs.
package transform

import (
	"context"
	"errors"

	"github.com/weftworks/weft/pkg/protocol"
	"github.com/weftworks/weft/pkg/template"
)

// Step evaluates a template expression against the execution context and
// emits the result.
type Step struct {
	expression any
}

// New creates a transform step from config.
func New(config map[string]any) (*Step, error) {
	expression, ok := config["expression"]
	if !ok {
		return nil, errors.New("missing required field 'expression'")
	}

	return &Step{expression: expression}, nil
}

// Execute resolves the expression. A string expression still containing
// template markers is rendered here; anything else (including values already
// resolved upstream) passes through unchanged.
func (s *Step) Execute(_ context.Context, _ map[string]any, state protocol.ExecutionState) (*protocol.Result, error) {
	text, ok := s.expression.(string)
	if !ok {
		return protocol.Ok(s.expression), nil
	}

	var input any
	if state.Input != nil {
		input = state.Input.Value
	}

	result, err := template.RenderWithContext(text, &template.Context{
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Input:       input,
		StepOutputs: state.StepOutputs,
		Variables:   state.Variables,
		TriggerData: state.TriggerData,
	})
	if err != nil {
		return nil, err
	}

	return protocol.Ok(result), nil
}
