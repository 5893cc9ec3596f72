package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	return NewPersistence(t.TempDir())
}

func TestGraphRepository_SaveAndGet(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	graph := &models.Graph{
		ID:   "wf-1",
		Name: "test graph",
		Steps: []*models.Step{
			{ID: "a", Type: "transform", Enabled: true},
		},
	}

	require.NoError(t, p.Graphs().Save(ctx, graph))

	loaded, err := p.Graphs().GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "test graph", loaded.Name)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "a", loaded.Steps[0].ID)
}

func TestGraphRepository_NotFound(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.Graphs().GetByID(context.Background(), "ghost")
	assert.True(t, persistence.IsGraphNotFound(err))
}

func TestExecutionRepository_RoundTrip(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	execution := &models.Execution{
		ID:        "exec-1",
		GraphID:   "wf-1",
		Status:    models.ExecutionStatusRunning,
		Trigger:   models.TriggerDescriptor{Type: "webhook"},
		StartedAt: time.Now().UTC(),
	}

	require.NoError(t, p.Executions().Save(ctx, execution))

	loaded, err := p.Executions().GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, loaded.Status)
	assert.Equal(t, "webhook", loaded.Trigger.Type)

	byGraph, err := p.Executions().ListByGraph(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, byGraph, 1)
}

func TestStepExecutionRepository_AttemptRowsAreIndependent(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	first := &models.StepExecution{
		ID: "se-1", ExecutionID: "exec-1", StepID: "a", Attempt: 1,
		Status: models.StepStatusFailed, StartedAt: time.Now().UTC(),
	}
	second := &models.StepExecution{
		ID: "se-2", ExecutionID: "exec-1", StepID: "a", Attempt: 2,
		Status: models.StepStatusCompleted, RetryOf: "se-1", StartedAt: time.Now().UTC(),
	}

	require.NoError(t, p.StepExecutions().Save(ctx, first))
	require.NoError(t, p.StepExecutions().Save(ctx, second))

	rows, err := p.StepExecutions().ListByStep(ctx, "exec-1", "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Attempt)
	assert.Equal(t, 2, rows[1].Attempt)
	assert.Equal(t, "se-1", rows[1].RetryOf)
}

func TestStepExecutionRepository_TerminalRowIsWriteOnce(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	row := &models.StepExecution{
		ID: "se-1", ExecutionID: "exec-1", StepID: "a", Attempt: 1,
		Status: models.StepStatusCompleted, StartedAt: time.Now().UTC(),
	}

	require.NoError(t, p.StepExecutions().Save(ctx, row))

	row.Status = models.StepStatusFailed
	err := p.StepExecutions().Save(ctx, row)
	assert.True(t, persistence.IsStepExecutionTerminal(err))
}

func TestStepExecutionRepository_RunningRowMayAdvance(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	row := &models.StepExecution{
		ID: "se-1", ExecutionID: "exec-1", StepID: "a", Attempt: 1,
		Status: models.StepStatusRunning, StartedAt: time.Now().UTC(),
	}

	require.NoError(t, p.StepExecutions().Save(ctx, row))

	row.Status = models.StepStatusCompleted
	require.NoError(t, p.StepExecutions().Save(ctx, row))
}
