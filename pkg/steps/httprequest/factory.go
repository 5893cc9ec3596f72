package httprequest

import "github.com/weftworks/weft/pkg/protocol"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any) (protocol.Handler, error) {
	return New(config)
}

func (f *Factory) ID() string {
	return "http_request"
}

func (f *Factory) Name() string {
	return "HTTP Request"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url":    map[string]any{"type": "string"},
			"method": map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
			"headers": map[string]any{
				"type": "object",
			},
			"body":    map[string]any{"type": "string"},
			"timeout": map[string]any{"type": "number", "minimum": 0},
		},
	}
}
