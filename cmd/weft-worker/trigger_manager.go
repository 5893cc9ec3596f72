package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/pkg/cmd"
	"github.com/weftworks/weft/pkg/eventbus"
	"github.com/weftworks/weft/pkg/events"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/persistence"
	"github.com/weftworks/weft/pkg/protocol"
)

// TriggerManager starts one trigger per trigger-typed entry step across every
// registered graph. When a trigger fires, an execution request is published
// for a worker to pick up.
type TriggerManager struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	factories   map[string]protocol.TriggerFactory
	logger      *slog.Logger

	running []protocol.Trigger
}

func NewTriggerManager(persist persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *TriggerManager {
	return &TriggerManager{
		persistence: persist,
		publisher:   publisher,
		factories:   cmd.NativeTriggerFactories(),
		logger:      logger.With("module", "trigger_manager"),
	}
}

func (m *TriggerManager) Start(ctx context.Context) error {
	graphs, err := m.persistence.Graphs().List(ctx)
	if err != nil {
		return fmt.Errorf("listing graphs: %w", err)
	}

	for _, graph := range graphs {
		for _, step := range graph.Steps {
			if step.TriggerType == "" || !step.Enabled {
				continue
			}

			factory, ok := m.factories[step.TriggerType]
			if !ok {
				m.logger.WarnContext(ctx, "no factory for trigger type",
					"graph_id", graph.ID, "step_id", step.ID, "trigger_type", step.TriggerType)

				continue
			}

			config := make(map[string]any, len(step.Config)+1)
			for k, v := range step.Config {
				config[k] = v
			}

			config["graph_id"] = graph.ID

			trigger, err := factory.Create(config, m.logger)
			if err != nil {
				m.logger.ErrorContext(ctx, "failed to create trigger",
					"graph_id", graph.ID, "step_id", step.ID, "error", err)

				continue
			}

			if err := trigger.Start(ctx, m.fire); err != nil {
				m.logger.ErrorContext(ctx, "failed to start trigger",
					"graph_id", graph.ID, "step_id", step.ID, "error", err)

				continue
			}

			m.running = append(m.running, trigger)
			m.logger.InfoContext(ctx, "trigger started",
				"graph_id", graph.ID, "step_id", step.ID, "trigger_type", step.TriggerType)
		}
	}

	return nil
}

func (m *TriggerManager) fire(ctx context.Context, graphID string, trigger models.TriggerDescriptor) error {
	event := events.ExecutionRequested{
		BaseEvent:   events.NewBaseEvent(events.ExecutionRequestedEvent, ""),
		GraphID:     graphID,
		TriggerType: trigger.Type,
		TriggerData: trigger.Payload,
	}

	return m.publisher.Publish(ctx, graphID, event)
}

func (m *TriggerManager) Stop(ctx context.Context) error {
	for _, trigger := range m.running {
		if err := trigger.Stop(ctx); err != nil {
			m.logger.ErrorContext(ctx, "failed to stop trigger", "error", err)
		}
	}

	m.running = nil

	return nil
}
