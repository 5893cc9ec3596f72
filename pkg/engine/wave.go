package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftworks/weft/pkg/envelope"
	"github.com/weftworks/weft/pkg/models"
)

// stepResult is one step's contribution to a wave. A nil output with skipped
// status means the step produced nothing and downstream consumers of only
// this step will be skipped in turn.
type stepResult struct {
	step   *models.Step
	status models.StepStatus
	output *envelope.Envelope
	err    *models.ErrorRecord
}

// runWave executes every runnable step of the current generation concurrently
// and blocks until all of them reach a terminal state.
func (r *Runner) runWave(ctx context.Context, graph *models.Graph, execution *models.Execution, wave []*models.Step, produced map[string]*envelope.Envelope, trigger *envelope.Envelope) []stepResult {
	stepCtx := ctx
	if r.cancelPolicy == CancelLetFinish {
		// In-flight steps run to completion even if the execution is
		// cancelled mid-wave; the loop discards their results afterwards.
		stepCtx = context.WithoutCancel(ctx)
	}

	results := make([]stepResult, len(wave))

	var wg sync.WaitGroup

	for i, step := range wave {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i] = r.runStep(stepCtx, graph, execution, step, produced, trigger)
		}()
	}

	wg.Wait()

	return results
}

func (r *Runner) runStep(ctx context.Context, graph *models.Graph, execution *models.Execution, step *models.Step, produced map[string]*envelope.Envelope, trigger *envelope.Envelope) stepResult {
	input, hasFact := r.stepInput(graph, execution, step, produced, trigger)
	if !hasFact {
		r.logger.DebugContext(ctx, "no upstream facts, skipping step",
			"execution_id", execution.ID, "step_id", step.ID)

		return stepResult{step: step, status: models.StepStatusSkipped}
	}

	if step.Mode == models.ModeMap {
		return r.runMapStep(ctx, graph, execution, step, input)
	}

	res := r.executor.Execute(ctx, graph, execution, step, input)

	return stepResult{step: step, status: res.Status, output: res.Output, err: res.Error}
}

// stepInput assembles the input envelope for a step from its upstream facts.
// The second return is false when every upstream step produced nothing, which
// cascades the skip.
func (r *Runner) stepInput(graph *models.Graph, execution *models.Execution, step *models.Step, produced map[string]*envelope.Envelope, trigger *envelope.Envelope) (*envelope.Envelope, bool) {
	incoming := graph.Incoming(step.ID)
	if len(incoming) == 0 {
		return trigger, true
	}

	var facts []*envelope.Envelope

	for _, conn := range incoming {
		if fact := produced[conn.SourceStep]; fact != nil {
			facts = append(facts, fact)
		}
	}

	if len(facts) == 0 {
		return nil, false
	}

	if step.Mode == models.ModeReduce {
		values := make([]any, len(facts))
		for i, fact := range facts {
			values[i] = fact.Value
		}

		return envelope.New(values, envelope.SourceAccumulator, execution.ID,
			map[string]any{"step_name": step.ID}), true
	}

	return facts[0], true
}

// runMapStep fans a list input out over per-item executions, at most
// batch_size of them in flight at a time, and folds the item outputs back
// into one ordered list.
func (r *Runner) runMapStep(ctx context.Context, graph *models.Graph, execution *models.Execution, step *models.Step, input *envelope.Envelope) stepResult {
	items, ok := input.Value.([]any)
	if !ok {
		// A scalar input degrades to a single-item fan-out.
		items = []any{input.Value}
	}

	if len(items) == 0 {
		output := input.Transform([]any{}, map[string]any{"step_name": step.ID})

		return stepResult{step: step, status: models.StepStatusCompleted, output: output}
	}

	batch := step.BatchSize
	if batch <= 0 || batch > len(items) {
		batch = len(items)
	}

	outputs := make([]any, len(items))
	failures := make([]*models.ErrorRecord, len(items))

	sem := make(chan struct{}, batch)

	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)

		go func() {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			itemStep := *step
			itemStep.ID = fmt.Sprintf("%s[%d]", step.ID, i)
			itemStep.Mode = models.ModePassthrough
			itemStep.BatchSize = 0

			itemInput := input.Transform(item, map[string]any{"step_name": step.ID})

			res := r.executor.Execute(ctx, graph, execution, &itemStep, itemInput)

			switch res.Status {
			case models.StepStatusCompleted:
				outputs[i] = res.Output.Value
			case models.StepStatusFailed:
				failures[i] = res.Error
			default:
				// Skipped items leave a nil slot.
			}
		}()
	}

	wg.Wait()

	failed := 0

	var firstErr *models.ErrorRecord

	for _, rec := range failures {
		if rec != nil {
			failed++

			if firstErr == nil {
				firstErr = rec
			}
		}
	}

	// Any item failing terminally fails the fan-out as a whole; completed
	// requires every item to have completed.
	if failed > 0 {
		r.logger.WarnContext(ctx, "map step failed",
			"execution_id", execution.ID, "step_id", step.ID,
			"failed", failed, "total", len(items))

		return stepResult{step: step, status: models.StepStatusFailed, err: firstErr}
	}

	output := input.Transform(outputs, map[string]any{"step_name": step.ID})

	return stepResult{step: step, status: models.StepStatusCompleted, output: output}
}
