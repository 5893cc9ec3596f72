package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftworks/weft/pkg/cmd"
	"github.com/weftworks/weft/pkg/dispatch"
	"github.com/weftworks/weft/pkg/engine"
	"github.com/weftworks/weft/pkg/eventbus"
	"github.com/weftworks/weft/pkg/events"
	"github.com/weftworks/weft/pkg/executor"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/otelhelper"
	"github.com/weftworks/weft/pkg/persistence"
)

type WorkerConfig struct {
	ID          string
	NodeID      string
	Tracing     bool
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	CallableBus eventbus.EventBus
	Logger      *slog.Logger
}

// Worker consumes execution requests from the event bus, runs them through
// the engine, and optionally serves remote-node callables.
type Worker struct {
	id          string
	nodeID      string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	callableBus eventbus.EventBus
	runner      *engine.Runner
	nodeClient  *dispatch.BusNodeClient
	server      *dispatch.CallableServer
	triggers    *TriggerManager
	tracer      trace.Tracer
}

func NewWorker(config WorkerConfig) (*Worker, error) {
	logger := config.Logger.With("module", "worker")

	reg := cmd.NewRegistry(logger)
	invoker := cmd.NewRegistryInvoker(reg)

	pools := dispatch.NewPoolManager(invoker, logger)
	nodeClient := dispatch.NewBusNodeClient(config.CallableBus, logger)

	dispatcher := dispatch.NewDispatcher(logger, invoker,
		dispatch.WithRemote(nodeClient),
		dispatch.WithPools(pools),
	)

	exec := executor.NewExecutor(logger, dispatcher, config.Persistence.StepExecutions(),
		executor.WithPublisher(config.EventBus))

	runner := engine.NewRunner(logger, exec, config.Persistence,
		engine.WithPublisher(config.EventBus))

	worker := &Worker{
		id:          config.ID,
		nodeID:      config.NodeID,
		logger:      logger,
		persistence: config.Persistence,
		eventBus:    config.EventBus,
		callableBus: config.CallableBus,
		runner:      runner,
		nodeClient:  nodeClient,
	}

	worker.triggers = NewTriggerManager(config.Persistence, config.EventBus, logger)

	if config.NodeID != "" {
		worker.server = dispatch.NewCallableServer(config.CallableBus, config.NodeID, invoker, logger)
	}

	if config.Tracing {
		tracer, err := otelhelper.NewTracer(context.Background(), "weft-worker")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		worker.tracer = tracer
	}

	return worker, nil
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "node_id", w.nodeID)

	if err := w.eventBus.Handle(events.ExecutionRequestedEvent, w.handleExecutionRequested); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	// The callable bus carries both sides of remote dispatch. Register the
	// reply handler (for calls this worker makes) and, when serving a node
	// id, the request handler, then subscribe the bus once.
	if err := w.nodeClient.Register(); err != nil {
		return fmt.Errorf("failed to register node client: %w", err)
	}

	if w.server != nil {
		if err := w.server.Register(); err != nil {
			return fmt.Errorf("failed to register callable server: %w", err)
		}
	}

	if err := w.callableBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to callable bus: %w", err)
	}

	if err := w.triggers.Start(ctx); err != nil {
		return fmt.Errorf("failed to start triggers: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return w.triggers.Stop(context.Background())
}

func (w *Worker) handleExecutionRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.ExecutionRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionRequested")

		return nil
	}

	logger := w.logger.With("graph_id", requested.GraphID, "event_id", requested.ID)
	logger.InfoContext(ctx, "Processing execution request")

	var span trace.Span

	if w.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, w.tracer, "execution.run",
			attribute.String(otelhelper.GraphIDKey, requested.GraphID),
			attribute.String(otelhelper.TriggerTypeKey, requested.TriggerType),
			attribute.String(otelhelper.WorkerIDKey, w.id),
		)
		defer span.End()
	}

	execution, err := w.startExecution(ctx, requested)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to run execution", "error", err)

		if span != nil {
			otelhelper.SetError(span, err)
		}

		return nil
	}

	if span != nil && execution != nil {
		span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))
	}

	return nil
}

func (w *Worker) startExecution(ctx context.Context, requested *events.ExecutionRequested) (*models.Execution, error) {
	triggerType := requested.TriggerType
	if triggerType == "" {
		triggerType = "api"
	}

	return w.runner.Start(ctx, requested.GraphID, models.TriggerDescriptor{
		Type:    triggerType,
		Payload: requested.TriggerData,
	})
}
