package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/weftworks/weft/pkg/engine"
	"github.com/weftworks/weft/pkg/eventbus"
	"github.com/weftworks/weft/pkg/events"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence"
)

// APIHandlers serves the graph and execution endpoints. Runs requested with
// wait=true execute synchronously through the runner; everything else is
// published for a worker to pick up.
type APIHandlers struct {
	persistence persistence.Persistence
	runner      *engine.Runner
	publisher   eventbus.EventPublisher
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	persist persistence.Persistence,
	runner *engine.Runner,
	publisher eventbus.EventPublisher,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: persist,
		runner:      runner,
		publisher:   publisher,
		validator:   validate,
		logger:      logger.With("module", "web"),
	}
}

// RegisterRoutes wires every endpoint onto the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/graphs", h.ListGraphs)
	app.Post("/graphs", h.CreateGraph)
	app.Get("/graphs/:id", h.GetGraph)
	app.Delete("/graphs/:id", h.DeleteGraph)

	app.Post("/graphs/:id/run", h.RunGraph)
	app.Get("/graphs/:id/executions", h.ListExecutions)

	app.Get("/executions/:id", h.GetExecution)
	app.Get("/executions/:id/steps", h.ListStepExecutions)
	app.Post("/executions/:id/resume", h.ResumeExecution)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}

func (h *APIHandlers) ListGraphs(c fiber.Ctx) error {
	graphs, err := h.persistence.Graphs().List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"graphs": graphs, "total_count": len(graphs)})
}

func (h *APIHandlers) CreateGraph(c fiber.Ctx) error {
	var req CreateGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	graph := &models.Graph{
		ID:            req.ID,
		Name:          req.Name,
		Steps:         req.Steps,
		Connections:   req.Connections,
		Variables:     req.Variables,
		DefaultTarget: req.DefaultTarget,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := graph.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.Graphs().Save(c.Context(), graph); err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "graph registered", "graph_id", graph.ID, "steps", len(graph.Steps))

	return c.Status(fiber.StatusCreated).JSON(graph)
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	graph, err := h.persistence.Graphs().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsGraphNotFound(err) {
			return notFound(c, "graph not found")
		}

		return internalError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) DeleteGraph(c fiber.Ctx) error {
	if err := h.persistence.Graphs().Delete(c.Context(), c.Params("id")); err != nil {
		if persistence.IsGraphNotFound(err) {
			return notFound(c, "graph not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) RunGraph(c fiber.Ctx) error {
	graphID := c.Params("id")

	var req TriggerRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "invalid request body: "+err.Error())
		}
	}

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = "api"
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if wait {
		execution, err := h.runner.Start(c.Context(), graphID, models.TriggerDescriptor{
			Type:    triggerType,
			Payload: req.Payload,
		})
		if err != nil {
			var rec *models.ErrorRecord
			if errors.As(err, &rec) && rec.Kind == models.ErrorKindBuild {
				return badRequest(c, rec.Message)
			}

			return internalError(c, err)
		}

		return c.JSON(toExecutionResponse(execution))
	}

	// Confirm the graph exists before accepting the run.
	if _, err := h.persistence.Graphs().GetByID(c.Context(), graphID); err != nil {
		if persistence.IsGraphNotFound(err) {
			return notFound(c, "graph not found")
		}

		return internalError(c, err)
	}

	event := events.ExecutionRequested{
		BaseEvent:   events.NewBaseEvent(events.ExecutionRequestedEvent, ""),
		GraphID:     graphID,
		TriggerType: triggerType,
		TriggerData: req.Payload,
	}

	if err := h.publisher.Publish(c.Context(), graphID, event); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"graph_id": graphID,
		"status":   "accepted",
	})
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	executions, err := h.persistence.Executions().ListByGraph(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}

	responses := make([]ExecutionResponse, 0, len(executions))
	for _, execution := range executions {
		responses = append(responses, toExecutionResponse(execution))
	}

	return c.JSON(fiber.Map{"executions": responses, "total_count": len(responses)})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.persistence.Executions().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return notFound(c, "execution not found")
		}

		return internalError(c, err)
	}

	return c.JSON(toExecutionResponse(execution))
}

func (h *APIHandlers) ListStepExecutions(c fiber.Ctx) error {
	rows, err := h.persistence.StepExecutions().ListByExecution(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"step_executions": rows, "total_count": len(rows)})
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	execution, err := h.runner.Resume(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return notFound(c, "execution not found")
		}

		return conflict(c, err.Error())
	}

	return c.JSON(toExecutionResponse(execution))
}
