// Package executor takes one (step, input) pair to a terminal outcome:
// resolving expressions, dispatching to the step's compute target, enforcing
// the timeout budget, retrying per policy, and persisting one immutable
// attempt row per try.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/dispatch"
	"github.com/weftworks/weft/pkg/envelope"
	"github.com/weftworks/weft/pkg/eventbus"
	"github.com/weftworks/weft/pkg/events"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence"
	"github.com/weftworks/weft/pkg/protocol"
	"github.com/weftworks/weft/pkg/template"
)

// Result is the terminal outcome of executing one step against one input.
// A skipped step carries a nil Output, which downstream consumers interpret
// as "produce nothing".
type Result struct {
	StepID   string
	Status   models.StepStatus
	Output   *envelope.Envelope
	Error    *models.ErrorRecord
	Attempts int
}

// Executor runs individual steps. It owns retry policy and attempt
// persistence; routing to compute targets is delegated to the dispatcher.
type Executor struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	steps      persistence.StepExecutionRepository
	publisher  eventbus.EventPublisher
}

// Option configures optional collaborators on an executor.
type Option func(*Executor)

// WithPublisher enables best-effort step lifecycle events.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Executor) {
		e.publisher = publisher
	}
}

// NewExecutor builds an executor persisting attempts through the given
// repository.
func NewExecutor(logger *slog.Logger, dispatcher *dispatch.Dispatcher, steps persistence.StepExecutionRepository, opts ...Option) *Executor {
	e := &Executor{
		logger:     logger.With("module", "executor"),
		dispatcher: dispatcher,
		steps:      steps,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs one step to completion. The input envelope may be nil for
// entry steps started without payload; execution.Context supplies upstream
// step outputs for expression resolution.
func (e *Executor) Execute(ctx context.Context, graph *models.Graph, execution *models.Execution, step *models.Step, input *envelope.Envelope) Result {
	logger := e.logger.With("execution_id", execution.ID, "step_id", step.ID)

	if !step.Enabled {
		logger.DebugContext(ctx, "step disabled, skipping")

		return e.skip(ctx, execution, step, input, "step disabled")
	}

	if step.TriggerType != "" && step.TriggerType != execution.Trigger.Type {
		logger.DebugContext(ctx, "trigger type mismatch, skipping",
			"step_trigger", step.TriggerType, "execution_trigger", execution.Trigger.Type)

		return e.skip(ctx, execution, step, input, "trigger type mismatch")
	}

	if step.PinnedFresh() {
		logger.DebugContext(ctx, "pinned output fresh, short-circuiting")

		return e.pinned(ctx, execution, step, input)
	}

	// One budget covers expression resolution, dispatch and retry backoff.
	runCtx := ctx

	if step.TimeoutMS > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var inputValue any
	if input != nil {
		inputValue = input.Value
	}

	tmplCtx := &template.Context{
		ExecutionID: execution.ID,
		WorkflowID:  graph.ID,
		Input:       inputValue,
		StepOutputs: execution.Context,
		Variables:   mergeVariables(graph.Variables, execution.Variables),
		TriggerData: execution.Trigger.Payload,
	}

	resolved, err := template.EvaluateDeep(step.Config, tmplCtx)
	if err != nil {
		rec := &models.ErrorRecord{
			Kind:    models.ErrorKindExpression,
			Message: fmt.Sprintf("resolving step config: %v", err),
		}

		row := e.openAttempt(ctx, execution, step, input, 1, "")
		e.closeAttempt(ctx, row, models.StepStatusFailed, nil, "", rec)
		e.publishFailed(ctx, execution.ID, step.ID, 1, rec)

		logger.ErrorContext(ctx, "step config resolution failed", "error", err)

		return Result{StepID: step.ID, Status: models.StepStatusFailed, Error: rec, Attempts: 1}
	}

	target := models.ResolveTarget(step, graph)

	callable := dispatch.Callable{
		StepType: step.Type,
		Config:   resolved,
		State: protocol.ExecutionState{
			ExecutionID: execution.ID,
			WorkflowID:  graph.ID,
			Input:       input,
			StepOutputs: execution.Context,
			Variables:   tmplCtx.Variables,
			TriggerData: execution.Trigger.Payload,
		},
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 0 {
		maxAttempts = step.Retry.MaxAttempts
	}

	retryOf := ""

	for attempt := 1; ; attempt++ {
		row := e.openAttempt(runCtx, execution, step, input, attempt, retryOf)
		e.publishStarted(runCtx, execution.ID, step.ID, attempt)

		result, dispatchErr := e.dispatcher.Dispatch(runCtx, target, callable)

		if dispatchErr == nil && result != nil && result.Skipped {
			logger.InfoContext(ctx, "step skipped by handler", "reason", result.SkipReason)
			e.closeAttempt(ctx, row, models.StepStatusSkipped, nil, "", nil)

			return Result{StepID: step.ID, Status: models.StepStatusSkipped, Attempts: attempt}
		}

		if dispatchErr == nil {
			var value any
			if result != nil {
				value = result.Value
			}

			output := e.wrapOutput(execution, step, input, value)
			e.closeAttempt(ctx, row, models.StepStatusCompleted, output.Value, output.Metadata.FactHash, nil)
			e.publishCompleted(ctx, execution.ID, step.ID, attempt, row.DurationMS)

			logger.InfoContext(ctx, "step completed",
				"attempt", attempt, "duration_ms", row.DurationMS, "target", target.Type)

			return Result{StepID: step.ID, Status: models.StepStatusCompleted, Output: output, Attempts: attempt}
		}

		rec := classify(runCtx, dispatchErr)
		e.closeAttempt(ctx, row, models.StepStatusFailed, nil, "", rec)
		e.publishFailed(ctx, execution.ID, step.ID, attempt, rec)

		logger.WarnContext(ctx, "step attempt failed",
			"attempt", attempt, "kind", rec.Kind, "error", dispatchErr)

		if !rec.Kind.Retryable() || attempt >= maxAttempts {
			return Result{StepID: step.ID, Status: models.StepStatusFailed, Error: rec, Attempts: attempt}
		}

		delay := RetryDelay(attempt, step.Retry.BaseDelayMS, step.Retry.MaxDelayMS)

		select {
		case <-time.After(delay):
		case <-runCtx.Done():
			rec = &models.ErrorRecord{
				Kind:    models.ErrorKindTimeout,
				Message: fmt.Sprintf("timeout budget exceeded while waiting to retry: %v", runCtx.Err()),
			}

			return Result{StepID: step.ID, Status: models.StepStatusFailed, Error: rec, Attempts: attempt}
		}

		retryOf = row.ID
	}
}

func (e *Executor) skip(ctx context.Context, execution *models.Execution, step *models.Step, input *envelope.Envelope, reason string) Result {
	row := e.openAttempt(ctx, execution, step, input, 1, "")
	e.closeAttempt(ctx, row, models.StepStatusSkipped, map[string]any{"_skip_reason": reason}, "", nil)

	return Result{StepID: step.ID, Status: models.StepStatusSkipped, Attempts: 1}
}

func (e *Executor) pinned(ctx context.Context, execution *models.Execution, step *models.Step, input *envelope.Envelope) Result {
	output := e.wrapOutput(execution, step, input, step.Pinned.Output)

	row := e.openAttempt(ctx, execution, step, input, 1, "")
	e.closeAttempt(ctx, row, models.StepStatusCompleted, output.Value, output.Metadata.FactHash, nil)
	e.publishCompleted(ctx, execution.ID, step.ID, 1, row.DurationMS)

	return Result{StepID: step.ID, Status: models.StepStatusCompleted, Output: output, Attempts: 1}
}

func (e *Executor) wrapOutput(execution *models.Execution, step *models.Step, input *envelope.Envelope, value any) *envelope.Envelope {
	extra := map[string]any{"step_name": step.ID}

	if input != nil {
		return input.Transform(value, extra)
	}

	return envelope.New(value, envelope.SourceStep, execution.ID, extra)
}

// openAttempt persists the running row for a new attempt. Persistence
// failures are logged, not fatal; losing an audit row must not fail the step.
func (e *Executor) openAttempt(ctx context.Context, execution *models.Execution, step *models.Step, input *envelope.Envelope, attempt int, retryOf string) *models.StepExecution {
	row := &models.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: execution.ID,
		StepID:      step.ID,
		Attempt:     attempt,
		Status:      models.StepStatusRunning,
		RetryOf:     retryOf,
		StartedAt:   time.Now().UTC(),
	}

	if input != nil {
		row.Input = snapshotValue(input.Value)
		row.InputHash = input.Metadata.FactHash
	}

	if err := e.steps.Save(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist step attempt",
			"execution_id", execution.ID, "step_id", step.ID, "attempt", attempt, "error", err)
	}

	return row
}

func (e *Executor) closeAttempt(ctx context.Context, row *models.StepExecution, status models.StepStatus, output any, outputHash string, rec *models.ErrorRecord) {
	now := time.Now().UTC()
	row.Status = status
	row.Output = snapshotValue(output)
	row.OutputHash = outputHash
	row.Error = rec
	row.FinishedAt = &now
	row.DurationMS = now.Sub(row.StartedAt).Milliseconds()

	if err := e.steps.Save(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist step attempt outcome",
			"execution_id", row.ExecutionID, "step_id", row.StepID, "attempt", row.Attempt, "error", err)
	}
}

func (e *Executor) publishStarted(ctx context.Context, executionID, stepID string, attempt int) {
	if e.publisher == nil {
		return
	}

	event := events.StepStarted{
		BaseEvent: events.NewBaseEvent(events.StepStartedEvent, executionID),
		StepID:    stepID,
		Attempt:   attempt,
	}

	if err := e.publisher.Publish(ctx, executionID, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish step started event", "error", err)
	}
}

func (e *Executor) publishCompleted(ctx context.Context, executionID, stepID string, attempt int, durationMS int64) {
	if e.publisher == nil {
		return
	}

	event := events.StepCompleted{
		BaseEvent:  events.NewBaseEvent(events.StepCompletedEvent, executionID),
		StepID:     stepID,
		Attempt:    attempt,
		DurationMS: durationMS,
	}

	if err := e.publisher.Publish(ctx, executionID, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish step completed event", "error", err)
	}
}

func (e *Executor) publishFailed(ctx context.Context, executionID, stepID string, attempt int, rec *models.ErrorRecord) {
	if e.publisher == nil {
		return
	}

	event := events.StepFailed{
		BaseEvent: events.NewBaseEvent(events.StepFailedEvent, executionID),
		StepID:    stepID,
		Attempt:   attempt,
		Error:     rec,
	}

	if err := e.publisher.Publish(ctx, executionID, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish step failed event", "error", err)
	}
}

// classify maps dispatch failures onto the error taxonomy. Dispatch-layer
// errors carry their own kind; a blown timeout budget wins over whatever the
// runner surfaced; anything else is an error the handler itself reported.
func classify(ctx context.Context, err error) *models.ErrorRecord {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &models.ErrorRecord{
			Kind:    models.ErrorKindTimeout,
			Message: fmt.Sprintf("step timed out: %v", err),
		}
	}

	var dispatchErr *dispatch.Error
	if errors.As(err, &dispatchErr) {
		return &models.ErrorRecord{
			Kind:    dispatchErr.Kind,
			Message: dispatchErr.Err.Error(),
		}
	}

	return &models.ErrorRecord{
		Kind:    models.ErrorKindBusiness,
		Message: err.Error(),
	}
}

func mergeVariables(graphVars, executionVars map[string]any) map[string]any {
	if len(graphVars) == 0 && len(executionVars) == 0 {
		return nil
	}

	merged := make(map[string]any, len(graphVars)+len(executionVars))

	for k, v := range graphVars {
		merged[k] = v
	}

	for k, v := range executionVars {
		merged[k] = v
	}

	return merged
}
