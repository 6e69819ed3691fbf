package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sse "github.com/tmaxmax/go-sse"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is the bearer token identifying the user.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Watch never applies the timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the research session API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or Token is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("research: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("research: Token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		client:       httpClient,
		streamClient: &http.Client{Transport: httpClient.Transport},
	}, nil
}

// Start submits a new research session. The session is running when Start
// returns.
func (c *Client) Start(ctx context.Context, req StartRequest) (*Started, error) {
	var resp Started
	if err := c.post(ctx, "/research/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the caller's session. Sessions that do not exist and
// sessions owned by someone else both return an error for which IsNotFound
// is true.
func (c *Client) Status(ctx context.Context, id string) (*Session, error) {
	var resp Session
	if err := c.get(ctx, "/research?id="+url.QueryEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns the caller's sessions, newest first. limit <= 0 uses the
// server default.
func (c *Client) List(ctx context.Context, limit int) ([]Session, error) {
	path := "/research/sessions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Session
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Terminate stops the session. Terminating a session that already finished
// succeeds and reports its final status.
func (c *Client) Terminate(ctx context.Context, id string) (*CommandResult, error) {
	return c.command(ctx, id, ActionTerminate)
}

// ExtendTimeout asks the worker to add an extension to the session's budget.
// The server only records the request; the budget grows when the worker next
// polls, so Status does not reflect it immediately.
func (c *Client) ExtendTimeout(ctx context.Context, id string) (*CommandResult, error) {
	return c.command(ctx, id, ActionExtendTimeout)
}

func (c *Client) command(ctx context.Context, id string, action Action) (*CommandResult, error) {
	body := map[string]any{"researchId": id, "action": action}
	var resp CommandResult
	if err := c.post(ctx, "/research", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the server health. No authentication is sent.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("research: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("research: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watch follows the session's status stream and calls fn for every update,
// starting with the current state. It returns nil once the session reaches a
// terminal status, or the context error if ctx ends first.
func (c *Client) Watch(ctx context.Context, id string, fn func(Session)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/research/stream?id="+url.QueryEscape(id), nil)
	if err != nil {
		return fmt.Errorf("research: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	var (
		finished bool
		cbErr    error
	)
	client := &sse.Client{
		HTTPClient: c.streamClient,
		ResponseValidator: func(resp *http.Response) error {
			if resp.StatusCode >= 400 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
				return parseErrorResponse(resp.StatusCode, body)
			}
			return sse.DefaultValidator(resp)
		},
	}
	conn := client.NewConnection(req)
	conn.SubscribeEvent("status", func(ev sse.Event) {
		var s Session
		if err := json.Unmarshal([]byte(ev.Data), &s); err != nil {
			cbErr = fmt.Errorf("research: decode status event: %w", err)
			cancel()
			return
		}
		fn(s)
	})
	conn.SubscribeEvent("done", func(sse.Event) {
		finished = true
		cancel()
	})

	err = conn.Connect()
	switch {
	case cbErr != nil:
		return cbErr
	case finished:
		return nil
	case err == nil:
		return fmt.Errorf("research: stream closed before the session finished")
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("research: watch %s: %w", id, err)
}

// ── HTTP helpers ──────────────────────────────────────────────────────────────

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("research: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("research: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("research: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("research: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("research: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope dataEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("research: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Commands and health are not wrapped.
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		return &Error{StatusCode: statusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	return &Error{
		StatusCode: statusCode,
		Code:       http.StatusText(statusCode),
		Message:    strings.TrimSpace(string(body)),
	}
}
