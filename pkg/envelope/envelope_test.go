package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	env := New(map[string]any{"value": 10}, SourceInput, "trace-1", nil)

	assert.Equal(t, SourceInput, env.Metadata.Source)
	assert.Equal(t, "trace-1", env.Metadata.TraceID)
	assert.NotEmpty(t, env.Metadata.FactHash)
	assert.Empty(t, env.Metadata.ParentHash)
	assert.False(t, env.Metadata.Timestamp.IsZero())
}

func TestTransform_ChainsParentHash(t *testing.T) {
	original := New(map[string]any{"value": 10}, SourceInput, "trace-1", nil)
	transformed := original.Transform(map[string]any{"value": 15}, map[string]any{"step_name": "add-five"})

	assert.Equal(t, original.Metadata.FactHash, transformed.Metadata.ParentHash)
	assert.NotEqual(t, original.Metadata.FactHash, transformed.Metadata.FactHash)
	assert.Equal(t, "add-five", transformed.Metadata.StepName)
	assert.Equal(t, "trace-1", transformed.Metadata.TraceID)

	// The input envelope is untouched.
	assert.Equal(t, map[string]any{"value": 10}, original.Value)
	assert.Empty(t, original.Metadata.ParentHash)
}

func TestTransform_ChainReconstructsProvenance(t *testing.T) {
	first := New("a", SourceInput, "trace-2", nil)
	second := first.Transform("b", map[string]any{"step_name": "s1"})
	third := second.Transform("c", map[string]any{"step_name": "s2"})

	assert.Equal(t, second.Metadata.FactHash, third.Metadata.ParentHash)
	assert.Equal(t, first.Metadata.FactHash, second.Metadata.ParentHash)
}

func TestToMapFromMap_RoundTrip(t *testing.T) {
	original := New(map[string]any{"count": "3"}, SourceStep, "trace-3", map[string]any{"step_name": "counter"})
	transformed := original.Transform(map[string]any{"count": "4"}, nil)

	restored, err := FromMap(transformed.ToMap())
	require.NoError(t, err)

	assert.Equal(t, transformed.Value, restored.Value)
	assert.Equal(t, transformed.Metadata.Source, restored.Metadata.Source)
	assert.Equal(t, transformed.Metadata.TraceID, restored.Metadata.TraceID)
	assert.Equal(t, transformed.Metadata.FactHash, restored.Metadata.FactHash)
	assert.Equal(t, transformed.Metadata.ParentHash, restored.Metadata.ParentHash)
	assert.True(t, transformed.Metadata.Timestamp.Equal(restored.Metadata.Timestamp))
}

func TestFromMap_RawInputWithoutMetadata(t *testing.T) {
	raw := map[string]any{"body": "hello", "status": 200}

	env, err := FromMap(raw)
	require.NoError(t, err)

	assert.Equal(t, SourceUnknown, env.Metadata.Source)
	assert.Equal(t, raw, env.Value)
}

func TestFromMap_InvalidTimestamp(t *testing.T) {
	_, err := FromMap(map[string]any{
		"value":    "x",
		"metadata": map[string]any{"source": "step", "timestamp": "not-a-time"},
	})
	require.Error(t, err)
}
