package activity

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/pkg/schema"
)

// HTTPConfig configures the http activity.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpConfigSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false},
    "output_key": {"type": "string"}
  },
  "required": ["url"]
}`

const httpOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPActivity implements the "http" node type: one outbound HTTP request
// per invocation, with the response folded into state under the node's
// output key.
type HTTPActivity struct {
	config HTTPConfig
}

// NewHTTPActivity creates the http activity.
func NewHTTPActivity(cfg HTTPConfig) *HTTPActivity {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPActivity{config: cfg}
}

func (a *HTTPActivity) Name() string { return "http" }

func (a *HTTPActivity) Descriptor() Descriptor {
	return Descriptor{
		Description:  "Execute an HTTP request with control over method, headers, body, auth, and redirects.",
		ConfigSchema: json.RawMessage(httpConfigSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
	}
}

func (a *HTTPActivity) Validate(config map[string]any) error {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http: missing required param 'url'")
	}
	// Interpolated URLs are only checkable at execution time.
	if strings.Contains(rawURL, "${") {
		return nil
	}
	return checkURL(rawURL)
}

func checkURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}
	return nil
}

// httpCall is one decoded request: everything Execute needs, pulled out
// of the node config up front.
type httpCall struct {
	method       string
	url          string
	headers      map[string]any
	auth         map[string]any
	body         any
	hasBody      bool
	encoding     string
	timeout      time.Duration
	follow       bool
	maxRedirects int
	insecure     bool
	failOnStatus bool
}

func (a *HTTPActivity) decodeCall(params map[string]any) (*httpCall, error) {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: missing required param 'url'")
	}
	if err := checkURL(rawURL); err != nil {
		return nil, err
	}

	call := &httpCall{
		method:       strings.ToUpper(stringParam(params, "method", "GET")),
		url:          rawURL,
		encoding:     stringParam(params, "body_encoding", "json"),
		timeout:      a.config.DefaultTimeout,
		follow:       boolParam(params, "follow_redirects", true),
		maxRedirects: intParam(params, "max_redirects", 10),
		insecure:     boolParam(params, "tls_skip_verify", false),
		failOnStatus: boolParam(params, "fail_on_error_status", false),
	}
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			call.timeout = d
		}
	}
	call.headers, _ = params["headers"].(map[string]any)
	call.auth, _ = params["auth"].(map[string]any)
	call.body, call.hasBody = params["body"]
	if call.body == nil {
		call.hasBody = false
	}
	return call, nil
}

// encodeBody renders the configured body; the reader is nil when the
// call carries none.
func (c *httpCall) encodeBody() (io.Reader, string, error) {
	if !c.hasBody {
		return nil, "", nil
	}
	switch c.encoding {
	case "form":
		form, ok := c.body.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", c.body)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", c.body)), "", nil
	default: // json
		b, err := json.Marshal(c.body)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "http: failed to marshal body as JSON").WithCause(err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

func (c *httpCall) buildRequest(ctx context.Context) (*http.Request, error) {
	body, contentType, err := c.encodeBody()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	c.applyAuth(req)
	return req, nil
}

func (c *httpCall) applyAuth(req *http.Request) {
	switch stringParam(c.auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(c.auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(c.auth, "username", ""), stringParam(c.auth, "password", ""))
	case "api_key":
		if name := stringParam(c.auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(c.auth, "header_value", ""))
		}
	}
}

// client builds a fresh client per call: node config must not leak into
// shared transport state.
func (c *httpCall) client() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	cl := &http.Client{Transport: transport}
	switch {
	case !c.follow:
		cl.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case c.maxRedirects > 0:
		limit := c.maxRedirects
		cl.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return cl
}

// decodeBody parses a response body: JSON when the content type says so,
// raw string otherwise, nil when empty.
func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func (a *HTTPActivity) Execute(ctx context.Context, in Input) (*Result, error) {
	call, err := a.decodeCall(in.Config)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	req, err := call.buildRequest(reqCtx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := call.client().Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: failed to read response body").WithCause(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	contentType := resp.Header.Get("Content-Type")

	report := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         decodeBody(contentType, raw),
		"content_type": contentType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if call.failOnStatus && resp.StatusCode >= 400 {
		// Server errors may clear up; client errors will not.
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http: server returned %d", resp.StatusCode).
			WithDetails(report)
	}

	out, err := Output(in, report)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: failed to marshal output").WithCause(err)
	}
	return &Result{Output: out}, nil
}
