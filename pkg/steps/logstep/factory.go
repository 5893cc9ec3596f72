package logstep

import (
	"log/slog"

	"github.com/weftworks/weft/pkg/protocol"
)

type Factory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: logger}
}

func (f *Factory) Create(config map[string]any) (protocol.Handler, error) {
	return New(config, f.logger)
}

func (f *Factory) ID() string {
	return "log"
}

func (f *Factory) Name() string {
	return "Log"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"message"},
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
			"level":   map[string]any{"type": "string", "enum": []any{"debug", "info", "warn", "error"}},
		},
	}
}
