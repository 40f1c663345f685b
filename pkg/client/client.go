package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ResponseTimeHeader is set by the emulator on every invocation.
const ResponseTimeHeader = "X-Response-Time"

// Client talks to the emulator control API over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	calls   *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds control requests. Invocations are bounded only by
	// the caller's context.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// APIError is a non-2xx answer from the emulator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8008",
		Timeout: 10 * time.Second,
	}
}

// New creates a new emulator API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		calls:   &http.Client{Transport: transport},
	}
}

// BaseURL returns the emulator address this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the emulator answers its identity probe.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Emulator unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ProjectID returns the project id the emulator was started with.
func (c *Client) ProjectID(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/?project=true", &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Environment returns the project id and debug flag of the emulator.
func (c *Client) Environment(ctx context.Context) (EnvInfo, error) {
	var info EnvInfo
	err := c.do(ctx, http.MethodGet, "/?env=true", &info)
	return info, err
}

// Shutdown asks the emulator to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	c.logger.Debug("Requesting emulator shutdown")
	return c.do(ctx, http.MethodDelete, "/", nil)
}

// Deploy registers the export name of the module at modulePath. trigger
// is "H"/"HTTP" or "B"/"BACKGROUND"; empty means background.
func (c *Client) Deploy(ctx context.Context, name, modulePath, trigger string) (Function, error) {
	c.logger.Debug("Deploying function", "name", name, "path", modulePath, "trigger", trigger)
	q := url.Values{}
	q.Set("path", modulePath)
	if trigger != "" {
		q.Set("type", trigger)
	}
	var fn Function
	err := c.do(ctx, http.MethodPost, "/function/"+url.PathEscape(name)+"?"+q.Encode(), &fn)
	return fn, err
}

// Undeploy removes name and returns the functions still deployed.
func (c *Client) Undeploy(ctx context.Context, name string) (Functions, error) {
	var fns Functions
	err := c.do(ctx, http.MethodDelete, "/function/"+url.PathEscape(name), &fns)
	return fns, err
}

// Clear removes every deployed function.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/function", nil)
}

// List returns every deployed function.
func (c *Client) List(ctx context.Context) (Functions, error) {
	var fns Functions
	err := c.do(ctx, http.MethodGet, "/function", &fns)
	return fns, err
}

// Describe returns one function. A missing function yields an *APIError
// for which IsNotFound is true.
func (c *Client) Describe(ctx context.Context, name string) (Function, error) {
	var fn Function
	err := c.do(ctx, http.MethodGet, "/function/"+url.PathEscape(name), &fn)
	return fn, err
}

// Call invokes name with data as request body. Any HTTP status is a
// successful call; only transport failures are errors.
func (c *Client) Call(ctx context.Context, name string, data []byte) (*CallResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+url.PathEscape(name), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(data) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.calls.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &CallResult{
		StatusCode:   resp.StatusCode,
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		ResponseTime: resp.Header.Get(ResponseTimeHeader),
	}, nil
}

// do performs a control request. out may be nil, a *bytes.Buffer for raw
// text, or a value JSON is decoded into.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(v, resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
