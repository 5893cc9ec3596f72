// Package httprequest provides the HTTP call step for workflow graphs.
package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/weftworks/weft/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

// Step performs one HTTP request per execution.
type Step struct {
	method  string
	url     string
	headers map[string]string
	body    string
	client  *http.Client
}

// New creates an HTTP request step from config.
func New(config map[string]any) (*Step, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("missing required field 'url'")
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	body, _ := config["body"].(string)

	headers := make(map[string]string)

	if rawHeaders, ok := config["headers"].(map[string]any); ok {
		for key, value := range rawHeaders {
			if text, ok := value.(string); ok {
				headers[key] = text
			}
		}
	}

	timeout := defaultTimeout
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &Step{
		method:  strings.ToUpper(method),
		url:     url,
		headers: headers,
		body:    body,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Execute performs the request and returns status, headers and the decoded
// body. Non-2xx statuses are reported as errors so the retry policy applies.
func (s *Step) Execute(ctx context.Context, _ map[string]any, _ protocol.ExecutionState) (*protocol.Result, error) {
	var requestBody io.Reader
	if s.body != "" {
		requestBody = strings.NewReader(s.body)
	}

	request, err := http.NewRequestWithContext(ctx, s.method, s.url, requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, value := range s.headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	rawBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if response.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("request returned status %d", response.StatusCode)
	}

	return protocol.Ok(map[string]any{
		"status_code": response.StatusCode,
		"headers":     flattenHeaders(response.Header),
		"body":        decodeBody(rawBody),
	}), nil
}

func decodeBody(raw []byte) any {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded
	}

	return string(raw)
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}

	return flat
}
