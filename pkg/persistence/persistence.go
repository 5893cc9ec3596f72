// Package persistence provides the storage abstraction for graphs, executions
// and step-execution history.
package persistence

import (
	"context"

	"github.com/weftworks/weft/pkg/models"
)

// GraphRepository stores workflow graph definitions.
type GraphRepository interface {
	Save(ctx context.Context, graph *models.Graph) error
	GetByID(ctx context.Context, id string) (*models.Graph, error)
	List(ctx context.Context) ([]*models.Graph, error)
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores execution records.
type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	ListByGraph(ctx context.Context, graphID string) ([]*models.Execution, error)
}

// StepExecutionRepository stores step attempt rows. Rows are keyed by
// (execution_id, step_id, attempt); saving a new attempt must never lose
// prior rows, and a row that reached a terminal status is write-once.
type StepExecutionRepository interface {
	Save(ctx context.Context, stepExecution *models.StepExecution) error
	ListByExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error)
	ListByStep(ctx context.Context, executionID, stepID string) ([]*models.StepExecution, error)
}

// Persistence aggregates the repositories behind one backend.
type Persistence interface {
	Graphs() GraphRepository
	Executions() ExecutionRepository
	StepExecutions() StepExecutionRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
