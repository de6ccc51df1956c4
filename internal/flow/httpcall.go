package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultHTTPTimeout bounds http and webhook node calls that configure no timeout.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPRequest is an outbound call issued by an http or webhook node.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// HTTPResponse is the part of a response the engine uses.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *HTTPResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPCaller performs outbound HTTP calls for http and webhook nodes.
type HTTPCaller interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// RestyCaller is the default HTTPCaller.
type RestyCaller struct {
	client *resty.Client
}

// NewRestyCaller creates an HTTPCaller backed by a shared resty client.
func NewRestyCaller() *RestyCaller {
	return &RestyCaller{
		client: resty.New().SetHeader("User-Agent", "FlowPipe"),
	}
}

// Do issues req. Non-2xx responses are returned without error; transport failures and
// timeouts are returned as errors.
func (c *RestyCaller) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	r := c.client.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Body != "" {
		if _, set := req.Headers["Content-Type"]; !set && json.Valid([]byte(req.Body)) {
			r.SetHeader("Content-Type", "application/json")
		}
		r.SetBody(req.Body)
	}
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	return &HTTPResponse{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}

// buildHTTPRequest renders an http node's configuration against the session context.
func buildHTTPRequest(p *models.HTTPProps, vars map[string]any) HTTPRequest {
	req := HTTPRequest{
		Method:  p.Method,
		URL:     strings.TrimSpace(Interpolate(p.URL, vars)),
		Headers: make(map[string]string, len(p.Headers)+1),
		Body:    Interpolate(p.Body, vars),
		Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
	}
	for k, v := range p.Headers {
		req.Headers[k] = Interpolate(v, vars)
	}
	switch p.Auth.Type {
	case models.AuthBearer:
		req.Headers["Authorization"] = "Bearer " + Interpolate(p.Auth.Token, vars)
	case models.AuthBasic:
		creds := Interpolate(p.Auth.Username, vars) + ":" + Interpolate(p.Auth.Password, vars)
		req.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	case models.AuthAPIKey:
		name := p.Auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		req.Headers[name] = Interpolate(p.Auth.APIKey, vars)
	}
	return req
}

// decodeResponseBody returns the body as JSON data when it parses, else as a string.
func decodeResponseBody(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}
