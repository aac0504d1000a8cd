// Package backendclient implements the typed HTTP/JSON client the supervisor
// uses to talk to the project backend: GET with query parameters,
// POST with compact JSON, every response required to be a JSON object, and a
// fixed error-kind/status/retryable mapping applied at the boundary.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	resperr "github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/telemetry"
	"golang.org/x/time/rate"
)

// Options configures a Client. A nil HTTPClient falls back to one with
// Timeout (default 15s); Logger/Metrics fall back to no-ops.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
	// RequestsPerSec throttles outbound calls client-side.
	// Zero disables throttling.
	RequestsPerSec float64
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
}

// Client is the typed backend client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     telemetry.Logger
	metrics telemetry.Metrics
}

// New constructs a Client from Options.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), int(math.Ceil(opts.RequestsPerSec)))
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		limiter: limiter,
		log:     log,
		metrics: metrics,
	}
}

// GetJSON issues a GET request with optional query parameters and decodes the
// response as a JSON object, applying the error mapping above.
func (c *Client) GetJSON(ctx context.Context, path string, params map[string]string) (map[string]any, error) {
	u := c.buildURL(path, params)
	return c.do(ctx, http.MethodGet, u, nil)
}

// PostJSON issues a POST request with a compact JSON body and decodes the
// response as a JSON object, applying the error mapping above.
func (c *Client) PostJSON(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	u := c.buildURL(path, nil)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, resperr.Wrap(resperr.KindHTTP, "backend_invalid_payload", "failed to marshal request body", err)
	}
	return c.do(ctx, http.MethodPost, u, data)
}

func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.baseURL + path
	if len(params) == 0 {
		return u
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return u + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, resperr.Wrap(resperr.KindHTTP, "backend_unreachable", "rate limiter wait interrupted", err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, resperr.Wrap(resperr.KindHTTP, "backend_unreachable", "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncCounter("backend_request_failed", 1, "method", method)
		return nil, resperr.Wrap(resperr.KindHTTP, "backend_unreachable", fmt.Sprintf("backend request failed: %s %s", method, rawURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resperr.Wrap(resperr.KindHTTP, "backend_unreachable", "failed to read backend response body", err)
	}
	c.metrics.RecordTimer("backend_request_duration", time.Since(start), "method", method, "status", fmt.Sprintf("%d", resp.StatusCode))

	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = map[string]any{"raw": string(raw)}
		}
	} else {
		payload = map[string]any{}
	}

	if resp.StatusCode >= 400 {
		e := &resperr.Error{
			Kind:    resperr.KindHTTP,
			Code:    "backend_http_error",
			Message: fmt.Sprintf("backend returned HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
		c.log.Warn(ctx, "backend request returned an error status", "method", method, "url", rawURL, "status", resp.StatusCode)
		return nil, e
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, &resperr.Error{
			Kind:    resperr.KindHTTP,
			Code:    "backend_invalid_payload",
			Message: "backend JSON payload must be an object",
			Status:  resp.StatusCode,
		}
	}
	return obj, nil
}

// Preflight calls GET /internal/preflight?role=ORCHESTRATOR.
func (c *Client) Preflight(ctx context.Context) (map[string]any, error) {
	return c.GetJSON(ctx, "/internal/preflight", map[string]string{"role": "ORCHESTRATOR"})
}

// GetAgentContext calls GET /internal/agent-context?role=<role>, returning the
// base-instructions bundle the worker driver passes verbatim to the agent.
func (c *Client) GetAgentContext(ctx context.Context, role string) (map[string]any, error) {
	return c.GetJSON(ctx, "/internal/agent-context", map[string]string{"role": role})
}

// PostFieldUpdate calls POST /internal/project-item/update-field, the only
// endpoint through which the supervisor ever mutates the board.
func (c *Client) PostFieldUpdate(ctx context.Context, body map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/project-item/update-field", body)
}

// PostPlanApply calls POST /internal/plan-apply with a sanitized scope draft.
func (c *Client) PostPlanApply(ctx context.Context, draft map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/plan-apply", draft)
}

// PostResolveLinkedPR calls POST /internal/reviewer/resolve-linked-pr.
func (c *Client) PostResolveLinkedPR(ctx context.Context, body map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/reviewer/resolve-linked-pr", body)
}

// GetProjectItemsMetadata calls GET /internal/metadata/project-items?role=<role>&sprint=<sprint>.
func (c *Client) GetProjectItemsMetadata(ctx context.Context, role, sprint string) (map[string]any, error) {
	return c.GetJSON(ctx, "/internal/metadata/project-items", map[string]string{"role": role, "sprint": sprint})
}

// PostTranscriptEvent calls POST /internal/logs/events. Best-effort: the
// caller (transcript sink) is expected to log and discard any error rather
// than propagate it into the supervisor's failure path.
func (c *Client) PostTranscriptEvent(ctx context.Context, body map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/logs/events", body)
}
