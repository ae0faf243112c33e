package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/universal-console/agentlink/internal/logging"
)

// DefaultUserAgent identifies the client to the server.
const DefaultUserAgent = "agentlink/1.0"

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 8 << 10

// Decorator adds headers (auth, directory scoping) to an outgoing request.
type Decorator func(*http.Request) error

// Client talks to the server's REST endpoints.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	decorate    Decorator
	validator   *RequestValidator
	logger      *logging.Logger
	userAgent   string
	directory   string
	baseTimeout time.Duration

	mutex     sync.RWMutex
	stats     Statistics
	lastError error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Nil is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithDecorator adds headers to every request, such as credentials.
func WithDecorator(d Decorator) Option {
	return func(c *Client) {
		c.decorate = d
	}
}

// WithDirectory scopes every request to a project directory via X-Directory.
func WithDirectory(dir string) Option {
	return func(c *Client) {
		c.directory = dir
	}
}

// WithTimeout sets the base request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseTimeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger replaces the protocol component logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: missing host", baseURL)
	}

	c := &Client{
		baseURL:     u,
		httpClient:  &http.Client{},
		validator:   NewRequestValidator(),
		logger:      logging.GetProtocolLogger(),
		userAgent:   DefaultUserAgent,
		baseTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Statistics returns a snapshot of request metrics.
func (c *Client) Statistics() Statistics {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.stats
}

// LastError returns the most recent request failure.
func (c *Client) LastError() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.lastError
}

// TimeoutFor returns the request timeout for path. Message and prompt
// submissions wait on model output and get a longer floor.
func (c *Client) TimeoutFor(path string) time.Duration {
	if strings.Contains(path, "message") || strings.Contains(path, "prompt") {
		return max(c.baseTimeout, LongRequestTimeout)
	}
	return c.baseTimeout
}

func (c *Client) buildURL(path string) string {
	return c.baseURL.String() + path
}

func sessionPath(id string, rest ...string) string {
	p := EndpointSessions + "/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) createJSONRequest(ctx context.Context, method, path, requestID string, payload any) (*http.Request, int64, error) {
	var body io.Reader
	var size int64
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if c.directory != "" {
		req.Header.Set("X-Directory", c.directory)
	}
	if c.decorate != nil {
		if err := c.decorate(req); err != nil {
			return nil, 0, fmt.Errorf("failed to apply request headers: %w", err)
		}
	}
	return req, size, nil
}

// do executes one JSON request and decodes the response into out when out
// is non-nil and the body is non-empty.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	requestID := uuid.NewString()
	timeout := c.TimeoutFor(path)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, sent, err := c.createJSONRequest(ctx, method, path, requestID, payload)
	if err != nil {
		return c.wrapProtocolError(method, path, requestID, "failed to create request", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.updateRequestStatistics(elapsed, false, sent, 0)
		c.logger.LogHTTPRequest(method, path, 0, elapsed)
		return c.wrapNetworkError(ctx, method, path, requestID, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.logger.LogHTTPRequest(method, path, resp.StatusCode, elapsed)
	if err != nil {
		c.updateRequestStatistics(elapsed, false, sent, int64(len(body)))
		return c.wrapNetworkError(ctx, method, path, requestID, timeout, fmt.Errorf("failed to read response body: %w", err))
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.updateRequestStatistics(elapsed, ok, sent, int64(len(body)))
	if !ok {
		return c.handleHTTPError(method, path, requestID, resp, body)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return c.wrapProtocolError(method, path, requestID, "invalid response body", err)
	}
	return nil
}

func (c *Client) wrapNetworkError(ctx context.Context, method, path, requestID string, timeout time.Duration, err error) error {
	kind := "network_failure"
	var ne net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		kind = "canceled"
	case errors.As(err, &ne) && ne.Timeout():
		kind = "timeout"
	}
	pe := &ProtocolError{
		Type:          ErrorTypeNetwork,
		Message:       fmt.Sprintf("%s %s failed: %v", method, path, err),
		Method:        method,
		Path:          path,
		RequestID:     requestID,
		OriginalError: err,
		Timestamp:     time.Now(),
		Recoverable:   kind != "canceled",
		NetworkDetails: &NetworkErrorDetails{
			ErrorType:   kind,
			Timeout:     timeout,
			LastAttempt: time.Now(),
		},
	}
	c.setLastError(pe)
	return pe
}

func (c *Client) wrapProtocolError(method, path, requestID, message string, err error) error {
	pe := &ProtocolError{
		Type:          ErrorTypeProtocol,
		Message:       fmt.Sprintf("%s %s: %s: %v", method, path, message, err),
		Method:        method,
		Path:          path,
		RequestID:     requestID,
		OriginalError: err,
		Timestamp:     time.Now(),
	}
	c.setLastError(pe)
	return pe
}

// errorBody matches the error envelopes servers commonly return.
type errorBody struct {
	Message string `json:"message"`
	Error   any    `json:"error"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e errorBody) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Data.Message != "":
		return e.Data.Message
	}
	switch v := e.Error.(type) {
	case string:
		return v
	case map[string]any:
		if m, ok := v["message"].(string); ok {
			return m
		}
	}
	return ""
}

func (c *Client) handleHTTPError(method, path, requestID string, resp *http.Response, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	message := fmt.Sprintf("%s %s: HTTP %d", method, path, resp.StatusCode)
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if text := eb.text(); text != "" {
			message += ": " + text
		}
	}

	pe := &ProtocolError{
		Type:        ErrorTypeHTTP,
		Message:     message,
		Method:      method,
		Path:        path,
		RequestID:   requestID,
		Timestamp:   time.Now(),
		Recoverable: resp.StatusCode >= 500,
		HTTPDetails: &HTTPErrorDetails{
			StatusCode:  resp.StatusCode,
			StatusText:  resp.Status,
			Body:        string(body),
			ContentType: resp.Header.Get("Content-Type"),
			RetryAfter:  resp.Header.Get("Retry-After"),
		},
	}
	c.setLastError(pe)
	return pe
}

func (c *Client) setLastError(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastError = err
}

func (c *Client) updateRequestStatistics(responseTime time.Duration, success bool, sent, received int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := &c.stats
	stats.TotalRequests++
	stats.LastRequestTime = time.Now()
	stats.BytesSent += sent
	stats.BytesReceived += received

	if success {
		stats.SuccessfulRequests++
	} else {
		stats.FailedRequests++
	}

	if stats.TotalRequests == 1 {
		stats.AverageResponseTime = responseTime
	} else {
		total := stats.AverageResponseTime * time.Duration(stats.TotalRequests-1)
		stats.AverageResponseTime = (total + responseTime) / time.Duration(stats.TotalRequests)
	}
}
