// Package memory provides the in-memory persistence backend used for tests
// and single-process runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence"
)

type Persistence struct {
	graphs         *GraphRepository
	executions     *ExecutionRepository
	stepExecutions *StepExecutionRepository
}

func NewPersistence() *Persistence {
	return &Persistence{
		graphs:         &GraphRepository{graphs: make(map[string]*models.Graph)},
		executions:     &ExecutionRepository{executions: make(map[string]*models.Execution)},
		stepExecutions: &StepExecutionRepository{rows: make(map[string]*models.StepExecution)},
	}
}

func (p *Persistence) Graphs() persistence.GraphRepository { return p.graphs }

func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executions }

func (p *Persistence) StepExecutions() persistence.StepExecutionRepository {
	return p.stepExecutions
}

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }

type GraphRepository struct {
	mu     sync.RWMutex
	graphs map[string]*models.Graph
}

func (r *GraphRepository) Save(_ context.Context, graph *models.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.graphs[graph.ID] = graph

	return nil
}

func (r *GraphRepository) GetByID(_ context.Context, id string) (*models.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph, ok := r.graphs[id]
	if !ok {
		return nil, persistence.ErrGraphNotFound
	}

	return graph, nil
}

func (r *GraphRepository) List(_ context.Context) ([]*models.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graphs := make([]*models.Graph, 0, len(r.graphs))
	for _, graph := range r.graphs {
		graphs = append(graphs, graph)
	}

	sort.Slice(graphs, func(i, j int) bool { return graphs[i].ID < graphs[j].ID })

	return graphs, nil
}

func (r *GraphRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.graphs[id]; !ok {
		return persistence.ErrGraphNotFound
	}

	delete(r.graphs, id)

	return nil
}

type ExecutionRepository struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
}

func (r *ExecutionRepository) Save(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executions[execution.ID] = cloneExecution(execution)

	return nil
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return cloneExecution(execution), nil
}

func (r *ExecutionRepository) ListByGraph(_ context.Context, graphID string) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var executions []*models.Execution

	for _, execution := range r.executions {
		if execution.GraphID == graphID {
			executions = append(executions, cloneExecution(execution))
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})

	return executions, nil
}

// cloneExecution detaches the stored record from the caller's maps. The
// engine keeps mutating Context between checkpoints; without the copy a
// concurrent reader would race on the live map.
func cloneExecution(execution *models.Execution) *models.Execution {
	copied := *execution
	copied.Context = cloneMap(execution.Context)
	copied.Variables = cloneMap(execution.Variables)

	return &copied
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	copied := make(map[string]any, len(m))
	for k, v := range m {
		copied[k] = v
	}

	return copied
}

type StepExecutionRepository struct {
	mu   sync.RWMutex
	rows map[string]*models.StepExecution
}

func rowKey(executionID, stepID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, stepID, attempt)
}

// Save upserts a row until it reaches a terminal status; after that the row
// is write-once and further saves fail with ErrStepExecutionTerminal.
func (r *StepExecutionRepository) Save(_ context.Context, row *models.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rowKey(row.ExecutionID, row.StepID, row.Attempt)

	if existing, ok := r.rows[key]; ok && existing.Status.IsTerminal() {
		return fmt.Errorf("row %s: %w", key, persistence.ErrStepExecutionTerminal)
	}

	copied := *row
	r.rows[key] = &copied

	return nil
}

func (r *StepExecutionRepository) ListByExecution(_ context.Context, executionID string) ([]*models.StepExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []*models.StepExecution

	for _, row := range r.rows {
		if row.ExecutionID == executionID {
			copied := *row
			rows = append(rows, &copied)
		}
	}

	sortRows(rows)

	return rows, nil
}

func (r *StepExecutionRepository) ListByStep(_ context.Context, executionID, stepID string) ([]*models.StepExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []*models.StepExecution

	for _, row := range r.rows {
		if row.ExecutionID == executionID && row.StepID == stepID {
			copied := *row
			rows = append(rows, &copied)
		}
	}

	sortRows(rows)

	return rows, nil
}

// sortRows orders by step id, then attempt, giving the total per-step attempt
// order callers rely on.
func sortRows(rows []*models.StepExecution) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StepID != rows[j].StepID {
			return rows[i].StepID < rows[j].StepID
		}

		return rows[i].Attempt < rows[j].Attempt
	})
}
