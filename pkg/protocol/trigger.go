package protocol

import (
	"context"
	"log/slog"

	"github.com/weftworks/weft/pkg/models"
)

// TriggerCallback is invoked when a trigger fires, asking the engine to start
// the given graph.
type TriggerCallback func(ctx context.Context, graphID string, trigger models.TriggerDescriptor) error

// Trigger watches an external source and fires executions.
type Trigger interface {
	Start(ctx context.Context, callback TriggerCallback) error
	Stop(ctx context.Context) error
}

// TriggerFactory builds trigger instances from config.
type TriggerFactory interface {
	Create(config map[string]any, logger *slog.Logger) (Trigger, error)
	ID() string
}
