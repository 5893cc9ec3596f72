package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearGraph() *Graph {
	return &Graph{
		ID:   "wf-1",
		Name: "linear",
		Steps: []*Step{
			{ID: "a", Type: "transform", Enabled: true},
			{ID: "b", Type: "transform", Enabled: true},
		},
		Connections: []*Connection{
			{SourceStep: "a", TargetStep: "b"},
		},
	}
}

func TestGraphValidate_OK(t *testing.T) {
	require.NoError(t, linearGraph().Validate())
}

func TestGraphValidate_DuplicateStepID(t *testing.T) {
	g := linearGraph()
	g.Steps = append(g.Steps, &Step{ID: "a", Type: "log"})

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestGraphValidate_KeyUnsafeID(t *testing.T) {
	g := linearGraph()
	g.Steps[0].ID = "bad id!"

	require.Error(t, g.Validate())
}

func TestGraphValidate_DanglingConnection(t *testing.T) {
	g := linearGraph()
	g.Connections = append(g.Connections, &Connection{SourceStep: "b", TargetStep: "ghost"})

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-existent target step")
}

func TestGraphValidate_CycleRejected(t *testing.T) {
	g := linearGraph()
	g.Connections = append(g.Connections, &Connection{SourceStep: "b", TargetStep: "a"})

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestEntryAndTerminalSteps(t *testing.T) {
	g := linearGraph()

	entries := g.EntrySteps()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)

	terminals := g.TerminalSteps()
	require.Len(t, terminals, 1)
	assert.Equal(t, "b", terminals[0].ID)
}

func TestSignature_InvariantUnderReordering(t *testing.T) {
	g := &Graph{
		ID:   "wf-sig",
		Name: "sig",
		Steps: []*Step{
			{ID: "a", Type: "transform", Config: map[string]any{"expr": "1"}},
			{ID: "b", Type: "log"},
			{ID: "c", Type: "transform"},
		},
		Connections: []*Connection{
			{SourceStep: "a", TargetStep: "b"},
			{SourceStep: "b", TargetStep: "c"},
		},
	}

	original := g.Signature()

	g.Steps = []*Step{g.Steps[2], g.Steps[0], g.Steps[1]}
	g.Connections = []*Connection{g.Connections[1], g.Connections[0]}

	assert.Equal(t, original, g.Signature())
}

func TestSignature_IgnoresCosmeticFields(t *testing.T) {
	g := linearGraph()
	original := g.Signature()

	g.Steps[0].PositionX = 400
	g.Steps[0].PositionY = 20
	g.Steps[0].Name = "renamed"

	assert.Equal(t, original, g.Signature())
}

func TestSignature_ChangesWithConfig(t *testing.T) {
	g := linearGraph()
	original := g.Signature()

	g.Steps[0].Config = map[string]any{"expression": "{{.value}}"}

	assert.NotEqual(t, original, g.Signature())
}

func TestPinnedFresh(t *testing.T) {
	step := &Step{ID: "a", Type: "transform", Config: map[string]any{"x": 1}}
	step.Pinned = &PinnedOutput{Output: "frozen", Signature: step.ConfigSignature()}

	assert.True(t, step.PinnedFresh())

	step.Config["x"] = 2

	assert.False(t, step.PinnedFresh())
}

func TestResolveTarget_Precedence(t *testing.T) {
	graph := &Graph{DefaultTarget: &ComputeTarget{Type: TargetRemoteNode, ID: "node-1"}}
	step := &Step{ID: "a", Target: &ComputeTarget{Type: TargetElasticPool, ID: "heavy"}}

	assert.Equal(t, TargetElasticPool, ResolveTarget(step, graph).Type)
	assert.Equal(t, TargetRemoteNode, ResolveTarget(&Step{ID: "b"}, graph).Type)
	assert.Equal(t, TargetLocal, ResolveTarget(&Step{ID: "c"}, &Graph{}).Type)
}

func TestStatusMachines(t *testing.T) {
	assert.True(t, ExecutionStatusCompleted.IsTerminal())
	assert.True(t, ExecutionStatusCancelled.IsTerminal())
	assert.False(t, ExecutionStatusPaused.IsTerminal())
	assert.True(t, ExecutionStatusPaused.IsResumable())
	assert.True(t, ExecutionStatusFailed.IsResumable())
	assert.False(t, ExecutionStatusRunning.IsResumable())

	assert.True(t, StepStatusSkipped.IsTerminal())
	assert.False(t, StepStatusRunning.IsTerminal())
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrorKindTimeout.Retryable())
	assert.True(t, ErrorKindCompute.Retryable())
	assert.True(t, ErrorKindRPC.Retryable())
	assert.True(t, ErrorKindPool.Retryable())
	assert.True(t, ErrorKindBusiness.Retryable())
	assert.False(t, ErrorKindExpression.Retryable())
	assert.False(t, ErrorKindBuild.Retryable())
}
