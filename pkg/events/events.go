// Package events defines the lifecycle events emitted around workflow
// executions. Delivery is best-effort: a broadcast failure is logged by the
// publisher, never fatal to the run.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/weftworks/weft/pkg/models"
)

type EventType string

// Topics.
const (
	Topic         = "weft.events"    // Lifecycle events.
	CallableTopic = "weft.callables" // Remote-node dispatch traffic.
)

const EventKeyMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionRequestedEvent EventType = "execution.requested"
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionPausedEvent    EventType = "execution.paused"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	StepStartedEvent   EventType = "step.started"
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"

	CallableRequestedEvent EventType = "callable.requested"
	CallableCompletedEvent EventType = "callable.completed"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
	}
}

type ExecutionRequested struct {
	BaseEvent

	GraphID     string         `json:"graph_id"`
	TriggerType string         `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

func (e ExecutionRequested) GetType() EventType { return ExecutionRequestedEvent }

type ExecutionStarted struct {
	BaseEvent

	GraphID string `json:"graph_id"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionCompleted struct {
	BaseEvent

	Output   any           `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	Error    *models.ErrorRecord `json:"error"`
	Duration time.Duration       `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionPaused struct {
	BaseEvent

	Generation int `json:"generation"`
}

func (e ExecutionPaused) GetType() EventType { return ExecutionPausedEvent }

type ExecutionCancelled struct {
	BaseEvent
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type StepStarted struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

func (e StepStarted) GetType() EventType { return StepStartedEvent }

type StepCompleted struct {
	BaseEvent

	StepID     string `json:"step_id"`
	Attempt    int    `json:"attempt"`
	DurationMS int64  `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType { return StepCompletedEvent }

type StepFailed struct {
	BaseEvent

	StepID  string              `json:"step_id"`
	Attempt int                 `json:"attempt"`
	Error   *models.ErrorRecord `json:"error"`
}

func (e StepFailed) GetType() EventType { return StepFailedEvent }

// CallableRequested carries a serialized unit of work to a named remote node.
type CallableRequested struct {
	BaseEvent

	InvocationID string         `json:"invocation_id"`
	NodeID       string         `json:"node_id"`
	StepType     string         `json:"step_type"`
	Config       map[string]any `json:"config,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

func (e CallableRequested) GetType() EventType { return CallableRequestedEvent }

// CallableCompleted is the reply to a CallableRequested.
type CallableCompleted struct {
	BaseEvent

	InvocationID string `json:"invocation_id"`
	NodeID       string `json:"node_id"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (e CallableCompleted) GetType() EventType { return CallableCompletedEvent }
