package queue

import (
	"log/slog"

	"github.com/weftworks/weft/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Trigger, error) {
	return NewTrigger(config, logger)
}

func (f *Factory) ID() string {
	return "queue"
}
