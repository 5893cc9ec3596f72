package models

// TargetType selects which runner executes a step's unit of work.
type TargetType string

const (
	TargetLocal       TargetType = "local"
	TargetRemoteNode  TargetType = "remote-node"
	TargetElasticPool TargetType = "elastic-pool"
)

// ComputeTarget describes where a step's logic should run. It is resolved per
// step at dispatch time and never persisted as executable state.
type ComputeTarget struct {
	Type   TargetType     `json:"type"`
	ID     string         `json:"id,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// ResolveTarget picks the effective compute target for a step: step override
// first, then the graph default, then local.
func ResolveTarget(step *Step, graph *Graph) ComputeTarget {
	if step != nil && step.Target != nil {
		return *step.Target
	}

	if graph != nil && graph.DefaultTarget != nil {
		return *graph.DefaultTarget
	}

	return ComputeTarget{Type: TargetLocal}
}
