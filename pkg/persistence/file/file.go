// Package file provides file-based persistence: one JSON document per record
// under a root directory.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/weftworks/weft/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
type Persistence struct {
	root           string
	graphs         *GraphRepository
	executions     *ExecutionRepository
	stepExecutions *StepExecutionRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// A "file://" prefix is stripped so database-url style flags work.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		graphs:         &GraphRepository{root: cleanRoot},
		executions:     &ExecutionRepository{root: cleanRoot},
		stepExecutions: &StepExecutionRepository{root: cleanRoot},
	}
}

func (p *Persistence) Graphs() persistence.GraphRepository { return p.graphs }

func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executions }

func (p *Persistence) StepExecutions() persistence.StepExecutionRepository {
	return p.stepExecutions
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error { return nil }

// validateID rejects ids that are unsafe as file names.
func validateID(id string) bool {
	if id == "" {
		return false
	}

	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}
