// Package registry resolves step type ids to their executor factories.
// The registry is populated at process start and read-only afterward.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.HandlerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]protocol.HandlerFactory),
	}
}

// Register adds a step factory under its type id. Later registrations of the
// same id win, which lets tests swap in fakes before the registry is used.
func (r *Registry) Register(factory protocol.HandlerFactory) {
	r.factories[factory.ID()] = factory
}

// Resolve returns the factory registered for a type id.
func (r *Registry) Resolve(typeID string) (protocol.HandlerFactory, error) {
	factory, ok := r.factories[typeID]
	if !ok {
		return nil, fmt.Errorf("step type '%s' not registered", typeID)
	}

	return factory, nil
}

// CreateHandler validates config against the factory's schema and builds a
// handler instance.
func (r *Registry) CreateHandler(typeID string, config map[string]any) (protocol.Handler, error) {
	factory, err := r.Resolve(typeID)
	if err != nil {
		return nil, err
	}

	if schema := factory.Schema(); schema != nil {
		if err := validateConfig(schema, config); err != nil {
			return nil, fmt.Errorf("invalid config for step type '%s': %w", typeID, err)
		}
	}

	return factory.Create(config)
}

// TypeIDs returns the registered type ids.
func (r *Registry) TypeIDs() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}

	return ids
}

func validateConfig(schema map[string]any, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return fmt.Errorf("config field %s: %s", first.Field(), first.Description())
	}

	return nil
}
