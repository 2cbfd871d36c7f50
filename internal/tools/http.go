package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/agentscript/pkg/schema"
)

// HTTPConfig bounds the http.request tool.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client overrides the transport, mainly for tests.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 << 20
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPTool returns the http.request tool.
func HTTPTool(cfg HTTPConfig) Tool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	h := &httpTool{cfg: cfg}
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "http.request",
			Description: "Send an HTTP request and return status, headers and body",
			Parameters: []ParameterDef{
				{Name: "url", Type: "string", Required: true},
				{Name: "method", Type: "string", Default: "GET"},
				{Name: "headers", Type: "object"},
				{Name: "body"},
				{Name: "body_encoding", Type: "string", Description: "json, form, text or raw", Default: "json"},
				{Name: "auth", Type: "object", Description: "bearer, basic or api_key credentials"},
				{Name: "timeout", Type: "string", Description: "Go duration"},
				{Name: "follow_redirects", Type: "boolean", Default: true},
				{Name: "max_redirects", Type: "integer", Default: 10},
				{Name: "tls_skip_verify", Type: "boolean"},
				{Name: "fail_on_error_status", Type: "boolean"},
			},
			Returns: "object",
		},
		Cat:      "network",
		Level:    SecurityRestricted,
		Requires: SecurityRequirements{Network: true},
		Validate: validateURL,
		Run:      h.run,
	}
}

type httpTool struct {
	cfg HTTPConfig
}

func validateURL(in Input) error {
	raw := stringParam(in.Parameters, "url", "")
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request requires 'url' parameter")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", raw)
	}
	return nil
}

func (h *httpTool) run(ctx context.Context, in Input, ec ExecutionContext) (*Output, error) {
	p := in.Parameters
	if p == nil {
		p = map[string]any{}
	}
	method := strings.ToUpper(stringParam(p, "method", http.MethodGet))
	rawURL := stringParam(p, "url", "")

	timeout := h.cfg.DefaultTimeout
	if ts := stringParam(p, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: bad timeout %q", ts)
		}
		timeout = d
	}

	body, contentType, err := encodeBody(p["body"], stringParam(p, "body_encoding", "json"))
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := p["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if auth, ok := p["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}

	start := time.Now()
	resp, err := h.client(p).Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %s %s failed", method, rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: read body").WithCause(err)
	}
	ct := resp.Header.Get("Content-Type")
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         decodeBody(raw, ct),
		"content_type": ct,
		"duration_ms":  elapsed.Milliseconds(),
	}
	if ec.Logger != nil {
		ec.Logger.DebugContext(ctx, "http request", "method", method, "url", rawURL, "status", resp.StatusCode)
	}

	if boolParam(p, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		// 4xx will not change on retry; 5xx may.
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http.request: server returned %d", resp.StatusCode).WithDetails(result)
	}
	return &Output{Result: result}, nil
}

func (h *httpTool) client(p map[string]any) *http.Client {
	if h.cfg.Client != nil {
		return h.cfg.Client
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(p, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per request
	}
	c := &http.Client{Transport: transport}
	switch limit := intParam(p, "max_redirects", 10); {
	case !boolParam(p, "follow_redirects", true):
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	case limit > 0:
		c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return c
}

func encodeBody(v any, encoding string) (io.Reader, string, error) {
	if v == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be an object")
		}
		vals := url.Values{}
		for k, item := range m {
			vals.Set(k, fmt.Sprint(item))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(v)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(v)), "", nil
	case "json", "":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: encode body").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
	return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "http.request: unknown body_encoding %q", encoding)
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func stringParam(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

func boolParam(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}

func intParam(m map[string]any, key string, def int) int {
	if f, ok := toFloat(m[key]); ok {
		return int(f)
	}
	return def
}
