package logstep

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/envelope"
	"github.com/weftworks/weft/pkg/protocol"
)

func TestNew_RequiresMessage(t *testing.T) {
	_, err := New(map[string]any{}, slog.Default())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "message")
}

func TestExecute_PassesInputThrough(t *testing.T) {
	step, err := New(map[string]any{"message": "checkpoint"}, slog.Default())
	require.NoError(t, err)

	input := envelope.New(map[string]any{"order_id": "o-1"}, envelope.SourceInput, "exec-1", nil)

	result, err := step.Execute(context.Background(), nil, protocol.ExecutionState{
		ExecutionID: "exec-1",
		Input:       input,
	})

	require.NoError(t, err)
	assert.Equal(t, input.Value, result.Value)
}

func TestExecute_NilInput(t *testing.T) {
	step, err := New(map[string]any{"message": "checkpoint", "level": "debug"}, slog.Default())
	require.NoError(t, err)

	result, err := step.Execute(context.Background(), nil, protocol.ExecutionState{})

	require.NoError(t, err)
	assert.Nil(t, result.Value)
}
