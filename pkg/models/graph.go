// Package models defines the core domain models for graph-based workflow execution.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ExecutionMode controls how a step consumes a fan-out input collection.
type ExecutionMode string

const (
	// ModePassthrough executes the step once with whatever input arrives.
	ModePassthrough ExecutionMode = "passthrough"
	// ModeMap expands a collection input into one execution per item.
	ModeMap ExecutionMode = "map"
	// ModeReduce waits for the full upstream collection and executes once.
	ModeReduce ExecutionMode = "reduce"
)

// DefaultPort is the connection slot used when none is specified.
const DefaultPort = "main"

// RetryPolicy bounds how a failed step attempt is retried.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"           validate:"min=1"`
	BaseDelayMS int `json:"base_delay_ms"          validate:"min=0"`
	MaxDelayMS  int `json:"max_delay_ms,omitempty" validate:"min=0"`
}

// PinnedOutput freezes a user-supplied output for a step. While the recorded
// signature matches the step's current config signature the executor is
// bypassed entirely.
type PinnedOutput struct {
	Output    any    `json:"output"`
	Signature string `json:"signature"`
}

// Step is one typed node in a workflow graph.
type Step struct {
	ID        string         `json:"id"        validate:"required"`
	Type      string         `json:"type"      validate:"required"`
	Name      string         `json:"name,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	Mode      ExecutionMode  `json:"mode,omitempty"`
	BatchSize int            `json:"batch_size,omitempty" validate:"min=0"`
	Retry     *RetryPolicy   `json:"retry,omitempty"`
	TimeoutMS int            `json:"timeout_ms,omitempty" validate:"min=0"`
	Enabled   bool           `json:"enabled"`
	Target    *ComputeTarget `json:"target,omitempty"`
	Pinned    *PinnedOutput  `json:"pinned,omitempty"`
	// TriggerType, when set, marks the step as a trigger entry that only
	// activates for executions started by a matching trigger type.
	TriggerType string `json:"trigger_type,omitempty"`
	PositionX   int    `json:"position_x,omitempty"`
	PositionY   int    `json:"position_y,omitempty"`
}

// Connection is a directed edge between two step slots.
type Connection struct {
	SourceStep string `json:"source_step" validate:"required"`
	SourcePort string `json:"source_port,omitempty"`
	TargetStep string `json:"target_step" validate:"required"`
	TargetPort string `json:"target_port,omitempty"`
}

// Graph is an immutable, versioned workflow definition.
type Graph struct {
	ID            string         `json:"id"   validate:"required"`
	Name          string         `json:"name" validate:"required,min=3"`
	Version       int            `json:"version"`
	Steps         []*Step        `json:"steps"`
	Connections   []*Connection  `json:"connections"`
	Variables     map[string]any `json:"variables,omitempty"`
	DefaultTarget *ComputeTarget `json:"default_target,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

var stepIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validate checks the structural invariants a graph must satisfy before it can
// be executed: unique key-safe step ids, connections referencing existing
// steps, and acyclicity. A graph that violates any of these is rejected at
// build time, never at run time.
func (g *Graph) Validate() error {
	if len(g.Steps) == 0 {
		return errors.New("graph has no steps")
	}

	seen := make(map[string]bool, len(g.Steps))

	for _, step := range g.Steps {
		if step.ID == "" {
			return errors.New("found step with empty id")
		}

		if !stepIDPattern.MatchString(step.ID) {
			return fmt.Errorf("step id %q is not a key-safe identifier", step.ID)
		}

		if seen[step.ID] {
			return fmt.Errorf("duplicate step id: %s", step.ID)
		}

		seen[step.ID] = true

		if step.Type == "" {
			return fmt.Errorf("step %s has no type", step.ID)
		}
	}

	for _, conn := range g.Connections {
		if !seen[conn.SourceStep] {
			return fmt.Errorf("connection references non-existent source step: %s", conn.SourceStep)
		}

		if !seen[conn.TargetStep] {
			return fmt.Errorf("connection references non-existent target step: %s", conn.TargetStep)
		}
	}

	return g.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the connection edges.
func (g *Graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.Steps))
	adjacency := make(map[string][]string, len(g.Steps))

	for _, step := range g.Steps {
		indegree[step.ID] = 0
	}

	for _, conn := range g.Connections {
		adjacency[conn.SourceStep] = append(adjacency[conn.SourceStep], conn.TargetStep)
		indegree[conn.TargetStep]++
	}

	queue := make([]string, 0, len(g.Steps))

	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range adjacency[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(g.Steps) {
		return errors.New("graph contains a cycle")
	}

	return nil
}

// StepByID returns the step with the given id.
func (g *Graph) StepByID(id string) (*Step, bool) {
	for _, step := range g.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// Incoming returns the connections targeting the given step.
func (g *Graph) Incoming(stepID string) []*Connection {
	var incoming []*Connection

	for _, conn := range g.Connections {
		if conn.TargetStep == stepID {
			incoming = append(incoming, conn)
		}
	}

	return incoming
}

// Outgoing returns the connections leaving the given step.
func (g *Graph) Outgoing(stepID string) []*Connection {
	var outgoing []*Connection

	for _, conn := range g.Connections {
		if conn.SourceStep == stepID {
			outgoing = append(outgoing, conn)
		}
	}

	return outgoing
}

// EntrySteps returns the steps with no incoming connections. Trigger input is
// planted on these at generation zero.
func (g *Graph) EntrySteps() []*Step {
	hasIncoming := make(map[string]bool)

	for _, conn := range g.Connections {
		hasIncoming[conn.TargetStep] = true
	}

	var entries []*Step

	for _, step := range g.Steps {
		if !hasIncoming[step.ID] {
			entries = append(entries, step)
		}
	}

	return entries
}

// TerminalSteps returns the steps with no outgoing connections. Their facts
// form the final production of a run.
func (g *Graph) TerminalSteps() []*Step {
	hasOutgoing := make(map[string]bool)

	for _, conn := range g.Connections {
		hasOutgoing[conn.SourceStep] = true
	}

	var terminals []*Step

	for _, step := range g.Steps {
		if !hasOutgoing[step.ID] {
			terminals = append(terminals, step)
		}
	}

	return terminals
}

// FromPort returns the source slot name, defaulting to DefaultPort.
func (c *Connection) FromPort() string {
	if c.SourcePort == "" {
		return DefaultPort
	}

	return c.SourcePort
}

// ToPort returns the target slot name, defaulting to DefaultPort.
func (c *Connection) ToPort() string {
	if c.TargetPort == "" {
		return DefaultPort
	}

	return c.TargetPort
}
