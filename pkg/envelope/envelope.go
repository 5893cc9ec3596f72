// Package envelope wraps values crossing step boundaries with lineage metadata.
// Every transformation produces a new envelope whose parent hash points at the
// previous fact hash, forming a causal chain that survives serialization.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies where an envelope's value originated.
type Source string

const (
	SourceInput       Source = "input"
	SourceStep        Source = "step"
	SourceRule        Source = "rule"
	SourceAccumulator Source = "accumulator"
	SourceExternal    Source = "external"
	SourceUnknown     Source = "unknown"
)

// Metadata carries the lineage information attached to a value.
type Metadata struct {
	Source     Source    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id"`
	FactHash   string    `json:"fact_hash,omitempty"`
	ParentHash string    `json:"parent_hash,omitempty"`
	StepName   string    `json:"step_name,omitempty"`
}

// Envelope is a value plus its lineage metadata.
type Envelope struct {
	Value    any      `json:"value"`
	Metadata Metadata `json:"metadata"`
}

// New wraps a value in a fresh envelope. The extra map may set "step_name" to
// record which step produced the value.
func New(value any, source Source, traceID string, extra map[string]any) *Envelope {
	env := &Envelope{
		Value: value,
		Metadata: Metadata{
			Source:    source,
			Timestamp: time.Now().UTC(),
			TraceID:   traceID,
		},
	}

	if extra != nil {
		if name, ok := extra["step_name"].(string); ok {
			env.Metadata.StepName = name
		}
	}

	env.Metadata.FactHash = hashFact(value, env.Metadata)

	return env
}

// Transform produces a new envelope carrying newValue, chaining the parent hash
// to this envelope's fact hash. The receiver is never mutated.
func (e *Envelope) Transform(newValue any, extra map[string]any) *Envelope {
	next := &Envelope{
		Value: newValue,
		Metadata: Metadata{
			Source:     SourceStep,
			Timestamp:  time.Now().UTC(),
			TraceID:    e.Metadata.TraceID,
			ParentHash: e.Metadata.FactHash,
		},
	}

	if extra != nil {
		if name, ok := extra["step_name"].(string); ok {
			next.Metadata.StepName = name
		}

		if source, ok := extra["source"].(string); ok {
			next.Metadata.Source = Source(source)
		}
	}

	next.Metadata.FactHash = hashFact(newValue, next.Metadata)

	return next
}

// ToMap renders the envelope as a transport-safe map with string keys and an
// ISO-8601 timestamp.
func (e *Envelope) ToMap() map[string]any {
	metadata := map[string]any{
		"source":    string(e.Metadata.Source),
		"timestamp": e.Metadata.Timestamp.Format(time.RFC3339Nano),
		"trace_id":  e.Metadata.TraceID,
	}

	if e.Metadata.FactHash != "" {
		metadata["fact_hash"] = e.Metadata.FactHash
	}

	if e.Metadata.ParentHash != "" {
		metadata["parent_hash"] = e.Metadata.ParentHash
	}

	if e.Metadata.StepName != "" {
		metadata["step_name"] = e.Metadata.StepName
	}

	return map[string]any{
		"value":    e.Value,
		"metadata": metadata,
	}
}

// FromMap rebuilds an envelope from its transport representation. Raw inputs
// that do not look like an envelope are wrapped as-is with unknown source, so
// legacy payloads keep flowing.
func FromMap(data map[string]any) (*Envelope, error) {
	rawMetadata, ok := data["metadata"].(map[string]any)
	if !ok {
		return &Envelope{
			Value:    data,
			Metadata: Metadata{Source: SourceUnknown, Timestamp: time.Now().UTC()},
		}, nil
	}

	value, hasValue := data["value"]
	if !hasValue {
		return nil, fmt.Errorf("envelope map has metadata but no value")
	}

	env := &Envelope{Value: value}
	env.Metadata.Source = SourceUnknown

	if source, ok := rawMetadata["source"].(string); ok {
		env.Metadata.Source = Source(source)
	}

	if traceID, ok := rawMetadata["trace_id"].(string); ok {
		env.Metadata.TraceID = traceID
	}

	if factHash, ok := rawMetadata["fact_hash"].(string); ok {
		env.Metadata.FactHash = factHash
	}

	if parentHash, ok := rawMetadata["parent_hash"].(string); ok {
		env.Metadata.ParentHash = parentHash
	}

	if stepName, ok := rawMetadata["step_name"].(string); ok {
		env.Metadata.StepName = stepName
	}

	if rawTimestamp, ok := rawMetadata["timestamp"].(string); ok {
		timestamp, err := time.Parse(time.RFC3339Nano, rawTimestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse envelope timestamp %q: %w", rawTimestamp, err)
		}

		env.Metadata.Timestamp = timestamp
	}

	return env, nil
}

// hashFact computes the fact hash over the canonical JSON of the value and the
// chain-relevant metadata. encoding/json sorts map keys, which keeps the hash
// stable across map iteration order.
func hashFact(value any, metadata Metadata) string {
	payload := map[string]any{
		"value":       value,
		"trace_id":    metadata.TraceID,
		"parent_hash": metadata.ParentHash,
		"step_name":   metadata.StepName,
		"timestamp":   metadata.Timestamp.Format(time.RFC3339Nano),
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		serialized = []byte(fmt.Sprintf("%v", payload))
	}

	sum := sha256.Sum256(serialized)

	return hex.EncodeToString(sum[:])
}
