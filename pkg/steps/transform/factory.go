package transform

import "github.com/weftworks/weft/pkg/protocol"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any) (protocol.Handler, error) {
	return New(config)
}

func (f *Factory) ID() string {
	return "transform"
}

func (f *Factory) Name() string {
	return "Transform"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"expression"},
		"properties": map[string]any{
			"expression": map[string]any{
				"description": "Template expression evaluated against the execution context",
			},
		},
	}
}
