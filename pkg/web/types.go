// Package web provides the HTTP API for managing graphs and executions.
package web

import "github.com/weftworks/weft/pkg/models"

// CreateGraphRequest is the request body for registering a graph definition.
type CreateGraphRequest struct {
	ID            string                `json:"id"   validate:"required"`
	Name          string                `json:"name" validate:"required,min=3"`
	Steps         []*models.Step        `json:"steps"`
	Connections   []*models.Connection  `json:"connections"`
	Variables     map[string]any        `json:"variables,omitempty"`
	DefaultTarget *models.ComputeTarget `json:"default_target,omitempty"`
}

// TriggerRequest is the request body for starting an execution.
type TriggerRequest struct {
	TriggerType string         `json:"trigger_type,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// ExecutionResponse is the API view of an execution.
type ExecutionResponse struct {
	ID         string                 `json:"id"`
	GraphID    string                 `json:"graph_id"`
	Status     models.ExecutionStatus `json:"status"`
	Generation int                    `json:"generation"`
	Output     any                    `json:"output,omitempty"`
	Error      *models.ErrorRecord    `json:"error,omitempty"`
}

func toExecutionResponse(execution *models.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:         execution.ID,
		GraphID:    execution.GraphID,
		Status:     execution.Status,
		Generation: execution.Generation,
		Output:     execution.Output,
		Error:      execution.Error,
	}
}
