package models

import "time"

// ExecutionStatus is the lifecycle state of one run of a graph.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

// IsTerminal reports whether the status admits no further transitions.
// Paused and failed are resumable; everything else past running is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	default:
		return false
	}
}

// IsResumable reports whether a run in this status may re-enter running.
func (s ExecutionStatus) IsResumable() bool {
	return s == ExecutionStatusPaused || s == ExecutionStatusFailed
}

// TriggerDescriptor records what started an execution.
type TriggerDescriptor struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Execution is one run of a graph. It is owned exclusively by the engine for
// its lifetime and becomes immutable once terminal.
type Execution struct {
	ID         string            `json:"id"`
	GraphID    string            `json:"graph_id"`
	Status     ExecutionStatus   `json:"status"`
	Trigger    TriggerDescriptor `json:"trigger"`
	Generation int               `json:"generation"`
	Variables  map[string]any    `json:"variables,omitempty"`
	// Context accumulates the latest output per step, keyed by step id. It is
	// what resume rebuilds graph state from.
	Context    map[string]any `json:"context,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      *ErrorRecord   `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// StepStatus is the lifecycle state of one step attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether a step attempt reached its final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepExecution is one attempt of one step within one execution. Rows are
// never mutated after reaching a terminal status; a retry creates a new row
// with Attempt+1 and RetryOf pointing at its predecessor.
type StepExecution struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	StepID      string       `json:"step_id"`
	Attempt     int          `json:"attempt"`
	Status      StepStatus   `json:"status"`
	Input       any          `json:"input,omitempty"`
	Output      any          `json:"output,omitempty"`
	InputHash   string       `json:"input_hash,omitempty"`
	OutputHash  string       `json:"output_hash,omitempty"`
	Error       *ErrorRecord `json:"error,omitempty"`
	RetryOf     string       `json:"retry_of,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
}
