package engine

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
	"github.com/weftworks/weft/pkg/executor"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence/memory"
	"github.com/weftworks/weft/pkg/protocol"
	"github.com/weftworks/weft/pkg/registry"
	"github.com/weftworks/weft/pkg/steps/transform"
)

func newRunner(t *testing.T, invoker dispatch.Invoker, opts ...Option) (*Runner, *memory.Persistence) {
	t.Helper()

	logger := slog.Default()
	store := memory.NewPersistence()
	dispatcher := dispatch.NewDispatcher(logger, invoker)
	exec := executor.NewExecutor(logger, dispatcher, store.StepExecutions())

	return NewRunner(logger, exec, store, opts...), store
}

func registryInvoker(t *testing.T) dispatch.Invoker {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	reg.Register(transform.NewFactory())

	return func(ctx context.Context, c dispatch.Callable) (*protocol.Result, error) {
		handler, err := reg.CreateHandler(c.StepType, c.Config)
		if err != nil {
			return nil, err
		}

		return handler.Execute(ctx, c.Config, c.State)
	}
}

func saveGraph(t *testing.T, store *memory.Persistence, graph *models.Graph) {
	t.Helper()
	require.NoError(t, store.Graphs().Save(context.Background(), graph))
}

func TestStart_LinearGraph(t *testing.T) {
	runner, store := newRunner(t, registryInvoker(t))

	saveGraph(t, store, &models.Graph{
		ID:   "linear",
		Name: "linear",
		Steps: []*models.Step{
			{ID: "A", Type: "transform", Enabled: true,
				Config: map[string]any{"expression": "{{json .trigger_data}}"}},
			{ID: "B", Type: "transform", Enabled: true,
				Config: map[string]any{"expression": "{{json .steps.A}}"}},
		},
		Connections: []*models.Connection{
			{SourceStep: "A", TargetStep: "B"},
		},
	})

	execution, err := runner.Start(context.Background(), "linear", models.TriggerDescriptor{
		Type:    "manual",
		Payload: map[string]any{"value": 15},
	})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, map[string]any{"value": float64(15)}, execution.Output)
	assert.Equal(t, 2, execution.Generation)
	assert.NotNil(t, execution.FinishedAt)

	rows, err := store.StepExecutions().ListByExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, models.StepStatusCompleted, row.Status)
	}
}

func TestStart_GraphNotFound(t *testing.T) {
	runner, _ := newRunner(t, registryInvoker(t))

	_, err := runner.Start(context.Background(), "missing", models.TriggerDescriptor{Type: "manual"})

	require.Error(t, err)

	var rec *models.ErrorRecord
	require.ErrorAs(t, err, &rec)
	assert.Equal(t, models.ErrorKindBuild, rec.Kind)
}

func TestStart_CyclicGraphFailsToBuild(t *testing.T) {
	runner, store := newRunner(t, registryInvoker(t))

	// Save bypasses validation; Start must still reject the cycle.
	saveGraph(t, store, &models.Graph{
		ID:   "cyclic",
		Name: "cyclic",
		Steps: []*models.Step{
			{ID: "A", Type: "transform", Enabled: true, Config: map[string]any{"expression": "1"}},
			{ID: "B", Type: "transform", Enabled: true, Config: map[string]any{"expression": "2"}},
		},
		Connections: []*models.Connection{
			{SourceStep: "A", TargetStep: "B"},
			{SourceStep: "B", TargetStep: "A"},
		},
	})

	_, err := runner.Start(context.Background(), "cyclic", models.TriggerDescriptor{Type: "manual"})

	var rec *models.ErrorRecord
	require.ErrorAs(t, err, &rec)
	assert.Equal(t, models.ErrorKindBuild, rec.Kind)
}

func TestStart_StepFailureFailsExecution(t *testing.T) {
	runner, store := newRunner(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		return nil, fmt.Errorf("downstream rejected the order")
	})

	saveGraph(t, store, &models.Graph{
		ID:    "failing",
		Name:  "failing",
		Steps: []*models.Step{{ID: "A", Type: "work", Enabled: true}},
	})

	execution, err := runner.Start(context.Background(), "failing", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, models.ErrorKindBusiness, execution.Error.Kind)
}

func TestStart_StepTimeoutTimesOutExecution(t *testing.T) {
	runner, store := newRunner(t, func(ctx context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return protocol.Ok("late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	saveGraph(t, store, &models.Graph{
		ID:    "slow",
		Name:  "slow",
		Steps: []*models.Step{{ID: "A", Type: "work", Enabled: true, TimeoutMS: 10}},
	})

	execution, err := runner.Start(context.Background(), "slow", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusTimeout, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, models.ErrorKindTimeout, execution.Error.Kind)
}

func TestStart_MapFanOutBoundedByBatchSize(t *testing.T) {
	var inFlight, peak atomic.Int32

	invoker := func(ctx context.Context, c dispatch.Callable) (*protocol.Result, error) {
		if c.StepType == "emit" {
			return protocol.Ok([]any{1, 2, 3, 4, 5}), nil
		}

		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)

		return protocol.Ok(c.State.Input.Value), nil
	}

	runner, store := newRunner(t, invoker)

	saveGraph(t, store, &models.Graph{
		ID:   "fanout",
		Name: "fanout",
		Steps: []*models.Step{
			{ID: "list", Type: "emit", Enabled: true},
			{ID: "each", Type: "work", Enabled: true, Mode: models.ModeMap, BatchSize: 2},
		},
		Connections: []*models.Connection{
			{SourceStep: "list", TargetStep: "each"},
		},
	})

	execution, err := runner.Start(context.Background(), "fanout", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, []any{1, 2, 3, 4, 5}, execution.Output)
	assert.LessOrEqual(t, peak.Load(), int32(2), "fan-out concurrency must respect batch_size")
}

func TestStart_MapAllItemsFailedFailsStep(t *testing.T) {
	invoker := func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		if c.StepType == "emit" {
			return protocol.Ok([]any{1, 2, 3}), nil
		}

		return nil, fmt.Errorf("item rejected")
	}

	runner, store := newRunner(t, invoker)

	saveGraph(t, store, &models.Graph{
		ID:   "fanout-fail",
		Name: "fanout-fail",
		Steps: []*models.Step{
			{ID: "list", Type: "emit", Enabled: true},
			{ID: "each", Type: "work", Enabled: true, Mode: models.ModeMap, BatchSize: 3},
		},
		Connections: []*models.Connection{
			{SourceStep: "list", TargetStep: "each"},
		},
	})

	execution, err := runner.Start(context.Background(), "fanout-fail", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
}

func TestStart_MapSingleItemFailureFailsStep(t *testing.T) {
	invoker := func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		if c.StepType == "emit" {
			return protocol.Ok([]any{1, 2, 3}), nil
		}

		if v, ok := c.State.Input.Value.(int); ok && v == 2 {
			return nil, fmt.Errorf("item rejected")
		}

		return protocol.Ok(c.State.Input.Value), nil
	}

	runner, store := newRunner(t, invoker)

	saveGraph(t, store, &models.Graph{
		ID:   "fanout-partial",
		Name: "fanout-partial",
		Steps: []*models.Step{
			{ID: "list", Type: "emit", Enabled: true},
			{ID: "each", Type: "work", Enabled: true, Mode: models.ModeMap},
		},
		Connections: []*models.Connection{
			{SourceStep: "list", TargetStep: "each"},
		},
	})

	execution, err := runner.Start(context.Background(), "fanout-partial", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Contains(t, execution.Error.Message, "item rejected")
	assert.Nil(t, execution.Output, "a failed fan-out must not surface a partial output")
}

func TestStart_ReduceFansIn(t *testing.T) {
	invoker := func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		switch c.StepType {
		case "one":
			return protocol.Ok(1), nil
		case "two":
			return protocol.Ok(2), nil
		default:
			items, _ := c.State.Input.Value.([]any)

			sum := 0
			for _, item := range items {
				if v, ok := item.(int); ok {
					sum += v
				}
			}

			return protocol.Ok(sum), nil
		}
	}

	runner, store := newRunner(t, invoker)

	saveGraph(t, store, &models.Graph{
		ID:   "fanin",
		Name: "fanin",
		Steps: []*models.Step{
			{ID: "A", Type: "one", Enabled: true},
			{ID: "B", Type: "two", Enabled: true},
			{ID: "sum", Type: "sum", Enabled: true, Mode: models.ModeReduce},
		},
		Connections: []*models.Connection{
			{SourceStep: "A", TargetStep: "sum"},
			{SourceStep: "B", TargetStep: "sum"},
		},
	})

	execution, err := runner.Start(context.Background(), "fanin", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 3, execution.Output)
	assert.Equal(t, 2, execution.Generation)
}

func TestStart_SkipCascades(t *testing.T) {
	var called atomic.Int32

	runner, store := newRunner(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		called.Add(1)

		return protocol.Ok("never"), nil
	})

	saveGraph(t, store, &models.Graph{
		ID:   "skippy",
		Name: "skippy",
		Steps: []*models.Step{
			{ID: "A", Type: "work", Enabled: false},
			{ID: "B", Type: "work", Enabled: true},
		},
		Connections: []*models.Connection{
			{SourceStep: "A", TargetStep: "B"},
		},
	})

	execution, err := runner.Start(context.Background(), "skippy", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Nil(t, execution.Output)
	assert.Zero(t, called.Load(), "downstream of a skipped step must not run")
}

func TestStart_CancelDiscardsInFlightWave(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	runner, store := newRunner(t, func(_ context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		close(entered)
		<-release

		return protocol.Ok("finished anyway"), nil
	})

	saveGraph(t, store, &models.Graph{
		ID:    "cancellable",
		Name:  "cancellable",
		Steps: []*models.Step{{ID: "A", Type: "work", Enabled: true}},
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *models.Execution, 1)

	go func() {
		execution, _ := runner.Start(ctx, "cancellable", models.TriggerDescriptor{Type: "manual"})
		done <- execution
	}()

	<-entered
	cancel()
	close(release)

	execution := <-done
	require.NotNil(t, execution)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.NotContains(t, execution.Context, "A", "cancelled wave results must be discarded")

	stored, err := store.Executions().GetByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
}

func TestStart_InterruptPolicyStopsSteps(t *testing.T) {
	runner, store := newRunner(t, func(ctx context.Context, _ dispatch.Callable) (*protocol.Result, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}, WithCancelPolicy(CancelInterrupt))

	saveGraph(t, store, &models.Graph{
		ID:    "interruptible",
		Name:  "interruptible",
		Steps: []*models.Step{{ID: "A", Type: "work", Enabled: true}},
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	execution, err := runner.Start(ctx, "interruptible", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
}

func TestResume_SkipsAlreadyProducedSteps(t *testing.T) {
	var calledTypes []string

	runner, store := newRunner(t, func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		calledTypes = append(calledTypes, c.StepType)

		return protocol.Ok("resumed"), nil
	})

	saveGraph(t, store, &models.Graph{
		ID:   "resumable",
		Name: "resumable",
		Steps: []*models.Step{
			{ID: "A", Type: "first", Enabled: true},
			{ID: "B", Type: "second", Enabled: true},
		},
		Connections: []*models.Connection{
			{SourceStep: "A", TargetStep: "B"},
		},
	})

	paused := &models.Execution{
		ID:         "exec-paused",
		GraphID:    "resumable",
		Status:     models.ExecutionStatusPaused,
		Trigger:    models.TriggerDescriptor{Type: "manual"},
		Generation: 1,
		Context:    map[string]any{"A": "already done"},
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Executions().Save(context.Background(), paused))

	execution, err := runner.Resume(context.Background(), "exec-paused")

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, []string{"second"}, calledTypes, "only the unfinished step runs")
	assert.Equal(t, "resumed", execution.Output)
}

func TestPause_CheckpointsAtGenerationBarrier(t *testing.T) {
	execIDs := make(chan string, 1)
	release := make(chan struct{})

	runner, store := newRunner(t, func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		if c.StepType == "first" {
			execIDs <- c.State.ExecutionID
			<-release

			return protocol.Ok("first done"), nil
		}

		return protocol.Ok("second done"), nil
	})

	saveGraph(t, store, &models.Graph{
		ID:   "pausable",
		Name: "pausable",
		Steps: []*models.Step{
			{ID: "A", Type: "first", Enabled: true},
			{ID: "B", Type: "second", Enabled: true},
		},
		Connections: []*models.Connection{
			{SourceStep: "A", TargetStep: "B"},
		},
	})

	done := make(chan *models.Execution, 1)

	go func() {
		execution, _ := runner.Start(context.Background(), "pausable", models.TriggerDescriptor{Type: "manual"})
		done <- execution
	}()

	runner.Pause(<-execIDs)
	close(release)

	paused := <-done
	require.NotNil(t, paused)
	require.Equal(t, models.ExecutionStatusPaused, paused.Status)
	assert.Equal(t, 1, paused.Generation)
	assert.Contains(t, paused.Context, "A", "the finished wave must be checkpointed before pausing")

	stored, err := store.Executions().GetByID(context.Background(), paused.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, stored.Status)

	resumed, err := runner.Resume(context.Background(), paused.ID)

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, "second done", resumed.Output)
}

func TestStart_FailedWaveKeepsSiblingOutputs(t *testing.T) {
	var okCalls, badCalls atomic.Int32

	runner, store := newRunner(t, func(_ context.Context, c dispatch.Callable) (*protocol.Result, error) {
		if c.StepType == "ok" {
			okCalls.Add(1)

			return protocol.Ok("alpha"), nil
		}

		if badCalls.Add(1) == 1 {
			return nil, fmt.Errorf("first attempt rejected")
		}

		return protocol.Ok("recovered"), nil
	})

	saveGraph(t, store, &models.Graph{
		ID:   "half-failed",
		Name: "half-failed",
		Steps: []*models.Step{
			{ID: "A", Type: "ok", Enabled: true},
			{ID: "B", Type: "bad", Enabled: true},
		},
	})

	execution, err := runner.Start(context.Background(), "half-failed", models.TriggerDescriptor{Type: "manual"})

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Context, "A", "completed siblings of a failed step must be folded in")

	resumed, err := runner.Resume(context.Background(), execution.ID)

	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, int32(1), okCalls.Load(), "resume must not re-run the already completed sibling")
	assert.Equal(t, map[string]any{"A": "alpha", "B": "recovered"}, resumed.Output)
}

func TestResume_RejectsTerminalExecution(t *testing.T) {
	runner, store := newRunner(t, registryInvoker(t))

	completed := &models.Execution{
		ID:      "exec-done",
		GraphID: "whatever",
		Status:  models.ExecutionStatusCompleted,
	}
	require.NoError(t, store.Executions().Save(context.Background(), completed))

	_, err := runner.Resume(context.Background(), "exec-done")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not resumable")
}
