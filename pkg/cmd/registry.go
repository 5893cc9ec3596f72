// Package cmd provides common initialization for the command-line binaries.
package cmd

import (
	"context"
	"log/slog"

	"github.com/weftworks/weft/pkg/dispatch"
	"github.com/weftworks/weft/pkg/protocol"
	"github.com/weftworks/weft/pkg/registry"
	"github.com/weftworks/weft/pkg/steps/httprequest"
	"github.com/weftworks/weft/pkg/steps/logstep"
	"github.com/weftworks/weft/pkg/steps/transform"
	"github.com/weftworks/weft/pkg/triggers/queue"
	"github.com/weftworks/weft/pkg/triggers/schedule"
)

// NewRegistry builds the step registry with every native step type.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.Register(transform.NewFactory())
	reg.Register(httprequest.NewFactory())
	reg.Register(logstep.NewFactory(logger))

	return reg
}

// NativeTriggerFactories returns the built-in trigger factories keyed by id.
func NativeTriggerFactories() map[string]protocol.TriggerFactory {
	factories := map[string]protocol.TriggerFactory{}

	for _, factory := range []protocol.TriggerFactory{
		schedule.NewFactory(),
		queue.NewFactory(),
	} {
		factories[factory.ID()] = factory
	}

	return factories
}

// NewRegistryInvoker adapts the registry into the dispatcher's invoker shape:
// resolve the step type, validate the config, execute.
func NewRegistryInvoker(reg *registry.Registry) dispatch.Invoker {
	return func(ctx context.Context, callable dispatch.Callable) (*protocol.Result, error) {
		handler, err := reg.CreateHandler(callable.StepType, callable.Config)
		if err != nil {
			return nil, err
		}

		return handler.Execute(ctx, callable.Config, callable.State)
	}
}
