package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPTool makes HTTP requests on behalf of a workflow.
//
// It supports GET and POST and reports the response as the result value:
//
//	{"status_code": 200, "headers": {...}, "body": "..."}
//
// Parameters:
//   - url (string, required): target URL
//   - method (string): "GET" or "POST", defaults to "GET"
//   - headers (map): optional request headers
//   - body (string): optional request body for POST
//
// Non-2xx responses are still successful invocations; callers inspect
// status_code. Transport failures are reported as network-level errors.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTP tool using a default client. Timeouts are
// delivered through the invocation context.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{client: &http.Client{}}
}

// NewHTTPToolWithClient creates an HTTP tool with a caller-supplied client.
func NewHTTPToolWithClient(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTool{client: client}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return "http_request" }

// Description implements Tool.
func (h *HTTPTool) Description() string {
	return "performs an HTTP GET or POST request and returns status, headers and body"
}

// Schema implements Tool.
func (h *HTTPTool) Schema() Schema {
	return Schema{Params: []Param{
		{Name: "url", Type: TypeString, Required: true, Description: "target URL"},
		{Name: "method", Type: TypeString, Description: "GET or POST (default GET)"},
		{Name: "headers", Type: TypeMap, Description: "request headers"},
		{Name: "body", Type: TypeString, Description: "request body for POST"},
	}}
}

// CanExecute implements Tool.
func (h *HTTPTool) CanExecute(params map[string]any) bool {
	return h.Schema().Validate(params) == nil
}

// Execute implements Tool.
func (h *HTTPTool) Execute(ctx context.Context, params map[string]any, _ Context) (Result, error) {
	urlStr, ok := params["url"].(string)
	if !ok || urlStr == "" {
		return Result{}, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return Result{}, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var body io.Reader
	if bodyStr, ok := params["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]any)
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return Result{
		OK: resp.StatusCode < 400,
		Value: map[string]any{
			"status_code": resp.StatusCode,
			"headers":     respHeaders,
			"body":        string(respBody),
		},
	}, nil
}
