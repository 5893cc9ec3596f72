// Package template resolves {{ }} expressions in step configuration against
// the execution context.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Context is the variable set expressions are resolved against.
type Context struct {
	ExecutionID string
	WorkflowID  string
	Input       any
	StepOutputs map[string]any
	Variables   map[string]any
	TriggerData map[string]any
}

// Render resolves a single template string. Rendered output that parses as
// JSON, a number or a boolean is returned as that value rather than a string,
// so expressions can produce structured config.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("config").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) string {
				encoded, err := json.Marshal(v)
				if err != nil {
					return ""
				}

				return string(encoded)
			},
		}).
		Option("missingkey=error").
		Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		if err := json.Unmarshal([]byte(result), &jsonResult); err == nil {
			return jsonResult, nil
		}
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderWithContext resolves one template string against the standard
// execution variables.
func RenderWithContext(input string, ctx *Context) (any, error) {
	return Render(input, contextData(ctx))
}

// EvaluateDeep walks a config map and resolves every string value containing
// a template expression. Nested maps and slices are resolved recursively; the
// input map is never mutated. The first failing expression aborts resolution.
func EvaluateDeep(config map[string]any, ctx *Context) (map[string]any, error) {
	data := contextData(ctx)

	resolved, err := resolveValue(config, data)
	if err != nil {
		return nil, err
	}

	result, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config resolved to %T, expected map", resolved)
	}

	return result, nil
}

func resolveValue(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}

		return Render(v, data)
	case map[string]any:
		resolved := make(map[string]any, len(v))

		for key, nested := range v {
			resolvedNested, err := resolveValue(nested, data)
			if err != nil {
				return nil, err
			}

			resolved[key] = resolvedNested
		}

		return resolved, nil
	case []any:
		resolved := make([]any, len(v))

		for i, nested := range v {
			resolvedNested, err := resolveValue(nested, data)
			if err != nil {
				return nil, err
			}

			resolved[i] = resolvedNested
		}

		return resolved, nil
	default:
		return value, nil
	}
}

func contextData(ctx *Context) map[string]any {
	if ctx == nil {
		return map[string]any{}
	}

	return map[string]any{
		"input":        ctx.Input,
		"steps":        ctx.StepOutputs,
		"variables":    ctx.Variables,
		"vars":         ctx.Variables,
		"trigger_data": ctx.TriggerData,
		"execution": map[string]any{
			"id":          ctx.ExecutionID,
			"workflow_id": ctx.WorkflowID,
		},
	}
}
