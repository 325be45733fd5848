package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/engine"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

const (
	apiKeyHeader = "X-N8N-API-KEY"
	apiPrefix    = "/api/v1"

	// maxErrorBody caps how much of an error response is kept for the message.
	maxErrorBody = 512
)

// Client is an n8n public API client. It is safe for concurrent use.
type Client struct {
	cfg    *Config
	base   string
	http   *http.Client
	logger *telemetry.Logger
}

var _ engine.ProviderClient = (*Client)(nil)

// New creates a client for cfg.
func New(cfg *Config, logger *telemetry.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:    cfg,
		base:   cfg.baseURL(),
		http:   httpClient,
		logger: logger.NewComponentLogger("n8n-client"),
	}, nil
}

// Factory returns an engine.ClientFactory that builds Clients.
func Factory(logger *telemetry.Logger) engine.ClientFactory {
	return engine.ClientFactoryFunc(func(baseURL, apiKey string, timeout time.Duration) engine.ProviderClient {
		cfg := DefaultConfig(baseURL, apiKey)
		if timeout > 0 {
			cfg.Timeout = timeout
		}
		c, err := New(cfg, logger)
		if err != nil {
			return invalidClient{err: engine.NewValidationError("invalid provider connection settings", err)}
		}
		return c
	})
}

// Probe lists a single workflow to check the key, then reads the instance
// version. A missing version is not an error.
func (c *Client) Probe(ctx context.Context) (engine.ConnectionResult, error) {
	var page engine.WorkflowPage
	if err := c.getJSON(ctx, apiPrefix+"/workflows", url.Values{"limit": {"1"}}, &page); err != nil {
		return engine.ConnectionResult{}, err
	}
	return engine.ConnectionResult{Version: c.version(ctx)}, nil
}

func (c *Client) version(ctx context.Context) string {
	var settings struct {
		Data struct {
			VersionCli string `json:"versionCli"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/rest/settings", nil, &settings); err != nil {
		c.logger.WithError(err).Debug("instance version unavailable")
		return ""
	}
	return settings.Data.VersionCli
}

// ListWorkflows returns one page of workflows.
func (c *Client) ListWorkflows(ctx context.Context, cursor string) (*engine.WorkflowPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page engine.WorkflowPage
	if err := c.getJSON(ctx, apiPrefix+"/workflows", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListExecutions returns one page of executions, newest first. n8n lists
// executions in descending id order, which follows start order for
// executions that have started; the engine's incremental stop relies on it.
func (c *Client) ListExecutions(ctx context.Context, query engine.ExecutionQuery) (*engine.ExecutionPage, error) {
	q := url.Values{}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Cursor != "" {
		q.Set("cursor", query.Cursor)
	}
	if query.IncludeData {
		q.Set("includeData", "true")
	}

	var page engine.ExecutionPage
	if err := c.getJSON(ctx, apiPrefix+"/executions", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetExecution fetches one execution with its node data.
func (c *Client) GetExecution(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := apiPrefix + "/executions/" + url.PathEscape(id)
	if err := c.getJSON(ctx, path, url.Values{"includeData": {"true"}}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return engine.NewValidationError("failed to build request", err)
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(map[string]interface{}{
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("provider request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return classifyTransportError(ctx, err)
		}
		return engine.NewProviderError("invalid response body", resp.StatusCode, err)
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	detail := payload.Message
	if detail == "" {
		detail = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return engine.NewAuthError("API key rejected", status)
	case status == http.StatusNotFound:
		e := engine.NewNotFoundError("resource not found", errors.New(detail))
		e.StatusCode = status
		return e
	default:
		return engine.NewProviderError(fmt.Sprintf("unexpected status %d", status), status, errors.New(detail))
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.NewConnectionError("request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.NewConnectionError("request timed out", err)
	}
	return engine.NewConnectionError("connection failed", err)
}

// invalidClient fails every call with the error that prevented building a Client.
type invalidClient struct {
	err error
}

func (c invalidClient) Probe(context.Context) (engine.ConnectionResult, error) {
	return engine.ConnectionResult{}, c.err
}

func (c invalidClient) ListWorkflows(context.Context, string) (*engine.WorkflowPage, error) {
	return nil, c.err
}

func (c invalidClient) ListExecutions(context.Context, engine.ExecutionQuery) (*engine.ExecutionPage, error) {
	return nil, c.err
}

func (c invalidClient) GetExecution(context.Context, string) (json.RawMessage, error) {
	return nil, c.err
}
