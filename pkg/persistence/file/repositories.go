package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence"
)

const fileMode = 0o644

// GraphRepository stores graphs under <root>/graphs/<id>.json.
type GraphRepository struct {
	mu   sync.Mutex
	root string
}

func (r *GraphRepository) dir() string { return filepath.Join(r.root, "graphs") }

func (r *GraphRepository) Save(_ context.Context, graph *models.Graph) error {
	if !validateID(graph.ID) {
		return fmt.Errorf("graph id %q is not file-safe", graph.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return writeJSON(filepath.Join(r.dir(), graph.ID+".json"), graph)
}

func (r *GraphRepository) GetByID(_ context.Context, id string) (*models.Graph, error) {
	if !validateID(id) {
		return nil, persistence.ErrGraphNotFound
	}

	var graph models.Graph
	if err := readJSON(filepath.Join(r.dir(), id+".json"), &graph); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrGraphNotFound
		}

		return nil, err
	}

	return &graph, nil
}

func (r *GraphRepository) List(ctx context.Context) ([]*models.Graph, error) {
	ids, err := listIDs(r.dir())
	if err != nil {
		return nil, err
	}

	graphs := make([]*models.Graph, 0, len(ids))

	for _, id := range ids {
		graph, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		graphs = append(graphs, graph)
	}

	return graphs, nil
}

func (r *GraphRepository) Delete(_ context.Context, id string) error {
	if !validateID(id) {
		return persistence.ErrGraphNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(filepath.Join(r.dir(), id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return persistence.ErrGraphNotFound
	}

	return err
}

// ExecutionRepository stores executions under <root>/executions/<id>.json.
type ExecutionRepository struct {
	mu   sync.Mutex
	root string
}

func (r *ExecutionRepository) dir() string { return filepath.Join(r.root, "executions") }

func (r *ExecutionRepository) Save(_ context.Context, execution *models.Execution) error {
	if !validateID(execution.ID) {
		return fmt.Errorf("execution id %q is not file-safe", execution.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return writeJSON(filepath.Join(r.dir(), execution.ID+".json"), execution)
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	if !validateID(id) {
		return nil, persistence.ErrExecutionNotFound
	}

	var execution models.Execution
	if err := readJSON(filepath.Join(r.dir(), id+".json"), &execution); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, err
	}

	return &execution, nil
}

func (r *ExecutionRepository) ListByGraph(ctx context.Context, graphID string) ([]*models.Execution, error) {
	ids, err := listIDs(r.dir())
	if err != nil {
		return nil, err
	}

	var executions []*models.Execution

	for _, id := range ids {
		execution, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if execution.GraphID == graphID {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})

	return executions, nil
}

// StepExecutionRepository stores attempt rows under
// <root>/step_executions/<execution_id>/<step_id>.<attempt>.json so new
// attempts never touch prior rows.
type StepExecutionRepository struct {
	mu   sync.Mutex
	root string
}

func (r *StepExecutionRepository) dir(executionID string) string {
	return filepath.Join(r.root, "step_executions", executionID)
}

func (r *StepExecutionRepository) Save(_ context.Context, row *models.StepExecution) error {
	if !validateID(row.ExecutionID) || !validateID(row.StepID) {
		return fmt.Errorf("step execution key %q/%q is not file-safe", row.ExecutionID, row.StepID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.dir(row.ExecutionID), fmt.Sprintf("%s.%d.json", row.StepID, row.Attempt))

	var existing models.StepExecution
	if err := readJSON(path, &existing); err == nil && existing.Status.IsTerminal() {
		return fmt.Errorf("row %s/%s/%d: %w",
			row.ExecutionID, row.StepID, row.Attempt, persistence.ErrStepExecutionTerminal)
	}

	return writeJSON(path, row)
}

func (r *StepExecutionRepository) ListByExecution(_ context.Context, executionID string) ([]*models.StepExecution, error) {
	if !validateID(executionID) {
		return nil, nil
	}

	entries, err := os.ReadDir(r.dir(executionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	var rows []*models.StepExecution

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		var row models.StepExecution
		if err := readJSON(filepath.Join(r.dir(executionID), entry.Name()), &row); err != nil {
			return nil, err
		}

		rows = append(rows, &row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StepID != rows[j].StepID {
			return rows[i].StepID < rows[j].StepID
		}

		return rows[i].Attempt < rows[j].Attempt
	})

	return rows, nil
}

func (r *StepExecutionRepository) ListByStep(ctx context.Context, executionID, stepID string) ([]*models.StepExecution, error) {
	rows, err := r.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var filtered []*models.StepExecution

	for _, row := range rows {
		if row.StepID == stepID {
			filtered = append(filtered, row)
		}
	}

	return filtered, nil
}

func writeJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	return os.WriteFile(path, data, fileMode)
}

func readJSON(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, into)
}

func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	var ids []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}

	sort.Strings(ids)

	return ids, nil
}
