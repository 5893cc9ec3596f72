// Package engine runs workflow graphs generation by generation: each wave
// executes every runnable step concurrently, a barrier collects the wave's
// facts, and the next wave is computed from what was produced. The engine
// owns execution lifecycle and checkpointing; per-step concerns (retry,
// timeout, persistence of attempts) live in the executor.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/envelope"
	"github.com/weftworks/weft/pkg/eventbus"
	"github.com/weftworks/weft/pkg/events"
	"github.com/weftworks/weft/pkg/executor"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence"
)

// CancelPolicy selects what happens to the in-flight wave when an execution
// is cancelled.
type CancelPolicy string

const (
	// CancelLetFinish lets the current wave run to completion, then discards
	// its results. This is the default.
	CancelLetFinish CancelPolicy = "let-finish"
	// CancelInterrupt propagates cancellation into running steps immediately.
	CancelInterrupt CancelPolicy = "interrupt"
)

// Runner drives executions of workflow graphs.
type Runner struct {
	logger       *slog.Logger
	executor     *executor.Executor
	persistence  persistence.Persistence
	publisher    eventbus.EventPublisher
	cancelPolicy CancelPolicy

	mu          sync.Mutex
	pauseWanted map[string]struct{}
}

// Option configures optional runner behavior.
type Option func(*Runner)

// WithPublisher enables execution lifecycle events.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

// WithCancelPolicy overrides the default let-finish cancellation behavior.
func WithCancelPolicy(policy CancelPolicy) Option {
	return func(r *Runner) {
		r.cancelPolicy = policy
	}
}

// NewRunner builds a runner that executes steps through the given executor
// and checkpoints through the given persistence backend.
func NewRunner(logger *slog.Logger, exec *executor.Executor, persist persistence.Persistence, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger.With("module", "engine"),
		executor:     exec,
		persistence:  persist,
		cancelPolicy: CancelLetFinish,
		pauseWanted:  make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start creates an execution for the graph and runs it to a terminal status.
// Graph loading and validation failures are build errors reported before any
// step runs.
func (r *Runner) Start(ctx context.Context, graphID string, trigger models.TriggerDescriptor) (*models.Execution, error) {
	graph, err := r.persistence.Graphs().GetByID(ctx, graphID)
	if err != nil {
		if persistence.IsGraphNotFound(err) {
			return nil, &models.ErrorRecord{
				Kind:    models.ErrorKindBuild,
				Message: fmt.Sprintf("no definition for graph %s", graphID),
			}
		}

		return nil, fmt.Errorf("loading graph %s: %w", graphID, err)
	}

	if err := graph.Validate(); err != nil {
		return nil, &models.ErrorRecord{
			Kind:    models.ErrorKindBuild,
			Message: fmt.Sprintf("graph %s failed to build: %v", graphID, err),
		}
	}

	execution := &models.Execution{
		ID:        uuid.NewString(),
		GraphID:   graphID,
		Status:    models.ExecutionStatusRunning,
		Trigger:   trigger,
		Context:   map[string]any{},
		StartedAt: time.Now().UTC(),
	}

	if err := r.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("persisting execution: %w", err)
	}

	r.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, execution.ID),
		GraphID:   graphID,
	})

	r.logger.InfoContext(ctx, "execution started",
		"execution_id", execution.ID, "graph_id", graphID, "trigger", trigger.Type)

	if err := r.run(ctx, graph, execution); err != nil {
		return execution, err
	}

	return execution, nil
}

// Resume continues a paused or failed execution from its last checkpoint.
// Steps that already produced output are not re-run.
func (r *Runner) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := r.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", executionID, err)
	}

	if !execution.Status.IsResumable() {
		return nil, fmt.Errorf("execution %s is %s, not resumable", executionID, execution.Status)
	}

	graph, err := r.persistence.Graphs().GetByID(ctx, execution.GraphID)
	if err != nil {
		return nil, fmt.Errorf("loading graph %s: %w", execution.GraphID, err)
	}

	execution.Status = models.ExecutionStatusRunning
	execution.Error = nil

	if err := r.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("persisting execution: %w", err)
	}

	r.logger.InfoContext(ctx, "execution resumed",
		"execution_id", executionID, "generation", execution.Generation)

	if err := r.run(ctx, graph, execution); err != nil {
		return execution, err
	}

	return execution, nil
}

// Pause asks an execution running in this runner to stop at its next
// generation barrier. The in-flight wave finishes and is checkpointed, the
// execution persists as paused, and Resume picks it up from there.
func (r *Runner) Pause(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pauseWanted[executionID] = struct{}{}
}

func (r *Runner) takePauseRequest(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pauseWanted[executionID]; !ok {
		return false
	}

	delete(r.pauseWanted, executionID)

	return true
}

// run is the generation loop. Facts produced by one wave make the next wave's
// steps runnable; the loop ends when nothing new can run.
func (r *Runner) run(ctx context.Context, graph *models.Graph, execution *models.Execution) error {
	if execution.Context == nil {
		execution.Context = map[string]any{}
	}

	produced := make(map[string]*envelope.Envelope, len(graph.Steps))

	// Resume path: rebuild facts from the checkpointed context.
	for stepID, value := range execution.Context {
		produced[stepID] = envelope.New(value, envelope.SourceStep, execution.ID,
			map[string]any{"step_name": stepID})
	}

	trigger := envelope.New(execution.Trigger.Payload, envelope.SourceInput, execution.ID, nil)

	for {
		if ctx.Err() != nil {
			return r.cancel(execution)
		}

		wave := runnableSteps(graph, produced)
		if len(wave) == 0 {
			return r.complete(ctx, graph, execution, produced)
		}

		results := r.runWave(ctx, graph, execution, wave, produced, trigger)

		// Cancellation during the wave discards whatever it produced.
		if ctx.Err() != nil {
			return r.cancel(execution)
		}

		// Fold every non-failed sibling first so a resume after a failure
		// does not re-run steps that already completed in this wave.
		var failedRes *stepResult

		for i, res := range results {
			if res.status == models.StepStatusFailed {
				if failedRes == nil {
					failedRes = &results[i]
				}

				continue
			}

			produced[res.step.ID] = res.output

			if res.output != nil {
				execution.Context[res.step.ID] = res.output.Value
			}
		}

		if failedRes != nil {
			return r.fail(ctx, execution, *failedRes)
		}

		execution.Generation++

		if r.takePauseRequest(execution.ID) {
			return r.pause(ctx, execution)
		}

		if err := r.persistence.Executions().Save(ctx, execution); err != nil {
			r.logger.ErrorContext(ctx, "failed to checkpoint execution",
				"execution_id", execution.ID, "error", err)
		}
	}
}

// runnableSteps returns every step that has not run yet and whose upstream
// steps have all produced a fact (including a nil one).
func runnableSteps(graph *models.Graph, produced map[string]*envelope.Envelope) []*models.Step {
	var wave []*models.Step

	for _, step := range graph.Steps {
		if _, done := produced[step.ID]; done {
			continue
		}

		ready := true

		for _, conn := range graph.Incoming(step.ID) {
			if _, ok := produced[conn.SourceStep]; !ok {
				ready = false

				break
			}
		}

		if ready {
			wave = append(wave, step)
		}
	}

	return wave
}

func (r *Runner) complete(ctx context.Context, graph *models.Graph, execution *models.Execution, produced map[string]*envelope.Envelope) error {
	var outputs []*envelope.Envelope

	var outputIDs []string

	for _, step := range graph.TerminalSteps() {
		if fact := produced[step.ID]; fact != nil {
			outputs = append(outputs, fact)
			outputIDs = append(outputIDs, step.ID)
		}
	}

	switch len(outputs) {
	case 0:
		execution.Output = nil
	case 1:
		execution.Output = outputs[0].Value
	default:
		combined := make(map[string]any, len(outputs))
		for i, fact := range outputs {
			combined[outputIDs[i]] = fact.Value
		}

		execution.Output = combined
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusCompleted
	execution.FinishedAt = &now

	if err := r.persistence.Executions().Save(ctx, execution); err != nil {
		return fmt.Errorf("persisting completed execution: %w", err)
	}

	r.publish(ctx, execution.ID, events.ExecutionCompleted{
		BaseEvent: events.NewBaseEvent(events.ExecutionCompletedEvent, execution.ID),
		Output:    execution.Output,
		Duration:  now.Sub(execution.StartedAt),
	})

	r.logger.InfoContext(ctx, "execution completed",
		"execution_id", execution.ID, "generations", execution.Generation)

	return nil
}

func (r *Runner) fail(ctx context.Context, execution *models.Execution, res stepResult) error {
	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusFailed
	execution.Error = res.err
	execution.FinishedAt = &now

	if res.err != nil && res.err.Kind == models.ErrorKindTimeout {
		execution.Status = models.ExecutionStatusTimeout
	}

	if err := r.persistence.Executions().Save(ctx, execution); err != nil {
		return fmt.Errorf("persisting failed execution: %w", err)
	}

	r.publish(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, execution.ID),
		Error:     res.err,
		Duration:  now.Sub(execution.StartedAt),
	})

	r.logger.WarnContext(ctx, "execution failed",
		"execution_id", execution.ID, "step_id", res.step.ID, "error", res.err)

	return nil
}

// pause checkpoints the execution as paused at a generation barrier.
func (r *Runner) pause(ctx context.Context, execution *models.Execution) error {
	execution.Status = models.ExecutionStatusPaused

	if err := r.persistence.Executions().Save(ctx, execution); err != nil {
		return fmt.Errorf("persisting paused execution: %w", err)
	}

	r.publish(ctx, execution.ID, events.ExecutionPaused{
		BaseEvent:  events.NewBaseEvent(events.ExecutionPausedEvent, execution.ID),
		Generation: execution.Generation,
	})

	r.logger.InfoContext(ctx, "execution paused",
		"execution_id", execution.ID, "generation", execution.Generation)

	return nil
}

// cancel finalizes a cancelled execution. The parent context is already done,
// so persistence and events use a fresh one.
func (r *Runner) cancel(execution *models.Execution) error {
	ctx := context.Background()

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusCancelled
	execution.FinishedAt = &now

	if err := r.persistence.Executions().Save(ctx, execution); err != nil {
		return fmt.Errorf("persisting cancelled execution: %w", err)
	}

	r.publish(ctx, execution.ID, events.ExecutionCancelled{
		BaseEvent: events.NewBaseEvent(events.ExecutionCancelledEvent, execution.ID),
	})

	r.logger.InfoContext(ctx, "execution cancelled", "execution_id", execution.ID)

	return nil
}

func (r *Runner) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	if err := r.publisher.Publish(ctx, key, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish execution event",
			"event_type", event.GetType(), "error", err)
	}
}
