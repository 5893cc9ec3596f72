// Package logstep provides the logging step for workflow graphs. It records a
// message and passes its input through unchanged, which makes it a cheap probe
// inside a graph.
package logstep

import (
	"context"
	"errors"
	"log/slog"

	"github.com/weftworks/weft/pkg/protocol"
)

type Step struct {
	message string
	level   string
	logger  *slog.Logger
}

func New(config map[string]any, logger *slog.Logger) (*Step, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}

	return &Step{message: message, level: level, logger: logger}, nil
}

func (s *Step) Execute(ctx context.Context, _ map[string]any, state protocol.ExecutionState) (*protocol.Result, error) {
	logger := s.logger.With("execution_id", state.ExecutionID, "workflow_id", state.WorkflowID)

	switch s.level {
	case "debug":
		logger.DebugContext(ctx, s.message)
	case "warn":
		logger.WarnContext(ctx, s.message)
	case "error":
		logger.ErrorContext(ctx, s.message)
	default:
		logger.InfoContext(ctx, s.message)
	}

	if state.Input == nil {
		return protocol.Ok(nil), nil
	}

	return protocol.Ok(state.Input.Value), nil
}
