package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/dispatch"
	"github.com/weftworks/weft/pkg/envelope"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence/memory"
	"github.com/weftworks/weft/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func testGraph(step *models.Step) *models.Graph {
	return &models.Graph{
		ID:    "graph-1",
		Name:  "test graph",
		Steps: []*models.Step{step},
	}
}

func testExecution() *models.Execution {
	return &models.Execution{
		ID:      "exec-1",
		GraphID: "graph-1",
		Status:  models.ExecutionStatusRunning,
		Trigger: models.TriggerDescriptor{Type: "manual"},
		Context: map[string]any{},
	}
}

func newTestExecutor(t *testing.T, invoker dispatch.Invoker) (*Executor, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	dispatcher := dispatch.NewDispatcher(testLogger(), invoker)

	return NewExecutor(testLogger(), dispatcher, store.StepExecutions()), store
}

func TestExecute_Completed(t *testing.T) {
	exec, store := newTestExecutor(t, func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		return protocol.Ok(42), nil
	})

	step := &models.Step{ID: "double", Type: "transform", Enabled: true}
	input := envelope.New(21, envelope.SourceInput, "exec-1", nil)

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, input)

	require.Equal(t, models.StepStatusCompleted, result.Status)
	require.NotNil(t, result.Output)
	assert.Equal(t, 42, result.Output.Value)
	assert.Equal(t, input.Metadata.FactHash, result.Output.Metadata.ParentHash)
	assert.Equal(t, "double", result.Output.Metadata.StepName)
	assert.Equal(t, 1, result.Attempts)

	rows, err := store.StepExecutions().ListByStep(context.Background(), "exec-1", "double")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusCompleted, rows[0].Status)
	assert.Equal(t, input.Metadata.FactHash, rows[0].InputHash)
	assert.NotEmpty(t, rows[0].OutputHash)
	assert.NotNil(t, rows[0].FinishedAt)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32

	exec, store := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		if calls.Add(1) < 3 {
			return nil, &dispatch.Error{Kind: models.ErrorKindCompute, Err: fmt.Errorf("transient")}
		}

		return protocol.Ok("done"), nil
	})

	step := &models.Step{
		ID:      "flaky",
		Type:    "transform",
		Enabled: true,
		Retry:   &models.RetryPolicy{MaxAttempts: 3, BaseDelayMS: 1, MaxDelayMS: 5},
	}

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, nil)

	require.Equal(t, models.StepStatusCompleted, result.Status)
	assert.Equal(t, 3, result.Attempts)

	rows, err := store.StepExecutions().ListByStep(context.Background(), "exec-1", "flaky")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, models.StepStatusFailed, rows[0].Status)
	assert.Equal(t, models.StepStatusFailed, rows[1].Status)
	assert.Equal(t, models.StepStatusCompleted, rows[2].Status)

	assert.Empty(t, rows[0].RetryOf)
	assert.Equal(t, rows[0].ID, rows[1].RetryOf)
	assert.Equal(t, rows[1].ID, rows[2].RetryOf)
}

func TestExecute_ExpressionErrorNeverRetried(t *testing.T) {
	var calls atomic.Int32

	exec, store := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		calls.Add(1)

		return protocol.Ok(nil), nil
	})

	step := &models.Step{
		ID:      "broken",
		Type:    "transform",
		Enabled: true,
		Config:  map[string]any{"expression": "{{.steps.missing.value}}"},
		Retry:   &models.RetryPolicy{MaxAttempts: 5, BaseDelayMS: 1},
	}

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, nil)

	require.Equal(t, models.StepStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrorKindExpression, result.Error.Kind)
	assert.Equal(t, 1, result.Attempts)
	assert.Zero(t, calls.Load(), "handler must not run when config resolution fails")

	rows, err := store.StepExecutions().ListByStep(context.Background(), "exec-1", "broken")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusFailed, rows[0].Status)
}

func TestExecute_HandlerErrorIsBusiness(t *testing.T) {
	exec, _ := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		return nil, fmt.Errorf("order already shipped")
	})

	step := &models.Step{ID: "ship", Type: "transform", Enabled: true}

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, nil)

	require.Equal(t, models.StepStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrorKindBusiness, result.Error.Kind)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecute_TimeoutBudget(t *testing.T) {
	exec, store := newTestExecutor(t, func(ctx context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return protocol.Ok("too late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	step := &models.Step{ID: "slow", Type: "transform", Enabled: true, TimeoutMS: 10}

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, nil)

	require.Equal(t, models.StepStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrorKindTimeout, result.Error.Kind)

	rows, err := store.StepExecutions().ListByStep(context.Background(), "exec-1", "slow")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, models.ErrorKindTimeout, rows[0].Error.Kind)
}

func TestExecute_DisabledStepSkipped(t *testing.T) {
	var calls atomic.Int32

	exec, store := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		calls.Add(1)

		return protocol.Ok(nil), nil
	})

	step := &models.Step{ID: "off", Type: "transform", Enabled: false}

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, nil)

	require.Equal(t, models.StepStatusSkipped, result.Status)
	assert.Nil(t, result.Output)
	assert.Zero(t, calls.Load())

	rows, err := store.StepExecutions().ListByStep(context.Background(), "exec-1", "off")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusSkipped, rows[0].Status)
}

func TestExecute_TriggerTypeMismatchSkipped(t *testing.T) {
	exec, _ := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		return protocol.Ok(nil), nil
	})

	step := &models.Step{ID: "on-schedule", Type: "transform", Enabled: true, TriggerType: "schedule"}
	execution := testExecution() // triggered by "manual"

	result := exec.Execute(context.Background(), testGraph(step), execution, step, nil)

	assert.Equal(t, models.StepStatusSkipped, result.Status)
	assert.Nil(t, result.Output)
}

func TestExecute_PinnedOutputShortCircuits(t *testing.T) {
	var calls atomic.Int32

	exec, _ := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		calls.Add(1)

		return protocol.Ok("live"), nil
	})

	step := &models.Step{ID: "pinned", Type: "transform", Enabled: true}
	step.Pinned = &models.PinnedOutput{Output: "frozen", Signature: step.ConfigSignature()}

	input := envelope.New("in", envelope.SourceInput, "exec-1", nil)
	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, input)

	require.Equal(t, models.StepStatusCompleted, result.Status)
	require.NotNil(t, result.Output)
	assert.Equal(t, "frozen", result.Output.Value)
	assert.Zero(t, calls.Load(), "pinned step must not dispatch")
}

func TestExecute_StalePinnedOutputRunsLive(t *testing.T) {
	exec, _ := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		return protocol.Ok("live"), nil
	})

	step := &models.Step{ID: "stale", Type: "transform", Enabled: true}
	step.Pinned = &models.PinnedOutput{Output: "frozen", Signature: "stale-signature"}

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, nil)

	require.Equal(t, models.StepStatusCompleted, result.Status)
	assert.Equal(t, "live", result.Output.Value)
}

func TestExecute_HandlerSkipPropagatesNil(t *testing.T) {
	exec, _ := newTestExecutor(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		return protocol.Skip("nothing to do"), nil
	})

	step := &models.Step{ID: "maybe", Type: "transform", Enabled: true}

	result := exec.Execute(context.Background(), testGraph(step), testExecution(), step, nil)

	assert.Equal(t, models.StepStatusSkipped, result.Status)
	assert.Nil(t, result.Output)
}

func TestExecute_ConfigResolvesAgainstStepOutputs(t *testing.T) {
	var seen map[string]any

	exec, _ := newTestExecutor(t, func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		seen = c.Config

		return protocol.Ok(nil), nil
	})

	step := &models.Step{
		ID:      "use-upstream",
		Type:    "transform",
		Enabled: true,
		Config:  map[string]any{"expression": "{{.steps.fetch.total}}"},
	}

	execution := testExecution()
	execution.Context = map[string]any{"fetch": map[string]any{"total": 7}}

	result := exec.Execute(context.Background(), testGraph(step), execution, step, nil)

	require.Equal(t, models.StepStatusCompleted, result.Status)
	require.NotNil(t, seen)
	assert.EqualValues(t, 7, seen["expression"])
}
