// Package health checks whether the remote service is reachable and
// answering its health endpoint. A check never returns an error: every
// failure is folded into an unhealthy Result.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/universal-console/agentlink/internal/logging"
)

const (
	// DefaultTimeout bounds each endpoint request.
	DefaultTimeout = 2 * time.Second
	// DefaultEndpoint is the only endpoint checked unless configured otherwise.
	DefaultEndpoint = "/health"

	maxBodyBytes = 64 << 10
)

// Severity levels attached to unhealthy results.
const (
	SeverityNone     = ""
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Result is produced fresh by every Check.
type Result struct {
	IsHealthy        bool           `json:"isHealthy"`
	StatusCode       int            `json:"statusCode,omitempty"`
	Error            string         `json:"error,omitempty"`
	CheckedEndpoints []string       `json:"checkedEndpoints,omitempty"`
	ResponseTime     time.Duration  `json:"responseTime"`
	Severity         string         `json:"severity,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	CheckedAt        time.Time      `json:"checkedAt"`
}

// Doer is the subset of *http.Client the probe needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober is implemented by Probe and by test fakes.
type Prober interface {
	Check(ctx context.Context) Result
}

// Probe issues GET requests against the configured health endpoints.
type Probe struct {
	baseURL   string
	endpoints []string
	timeout   time.Duration
	client    Doer
	decorate  func(*http.Request)
	history   *History
	logger    *logging.Logger
}

// Option configures a Probe.
type Option func(*Probe)

// WithEndpoints sets the endpoints tried in order.
func WithEndpoints(endpoints ...string) Option {
	return func(p *Probe) {
		if len(endpoints) > 0 {
			p.endpoints = append([]string(nil), endpoints...)
		}
	}
}

// WithTimeout overrides the per-endpoint timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c Doer) Option {
	return func(p *Probe) {
		p.client = c
	}
}

// WithRequestDecorator adds headers (authentication, directory) to every request.
func WithRequestDecorator(fn func(*http.Request)) Option {
	return func(p *Probe) {
		p.decorate = fn
	}
}

// WithHistory records every result into h.
func WithHistory(h *History) Option {
	return func(p *Probe) {
		p.history = h
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Probe) {
		p.logger = l
	}
}

// NewProbe creates a probe for the service at baseURL.
func NewProbe(baseURL string, opts ...Option) *Probe {
	p := &Probe{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: []string{DefaultEndpoint},
		timeout:   DefaultTimeout,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   DefaultTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        4,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
		logger: logging.GetHealthLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// History returns the recorder attached to the probe, if any.
func (p *Probe) History() *History {
	return p.history
}

// Check tries each endpoint in order and returns the first healthy result,
// or the last unhealthy one.
func (p *Probe) Check(ctx context.Context) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Error:    fmt.Sprintf("health check panicked: %v", r),
				Severity: SeverityCritical,
			}
		}
		result.ResponseTime = time.Since(start)
		result.CheckedAt = time.Now()
		if p.history != nil {
			p.history.Record(result)
		}
	}()

	var checked []string
	for _, endpoint := range p.endpoints {
		checked = append(checked, endpoint)
		result = p.checkEndpoint(ctx, endpoint)
		result.CheckedEndpoints = checked
		if result.IsHealthy {
			return result
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(checked) == 0 {
		result = Result{Error: "no health endpoints configured", Severity: SeverityHigh}
	}
	return result
}

func (p *Probe) checkEndpoint(ctx context.Context, endpoint string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	url := p.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{
			Error:    fmt.Sprintf("invalid health request: %v", err),
			Severity: SeverityHigh,
		}
	}
	req.Header.Set("Accept", "application/json")
	if p.decorate != nil {
		p.decorate(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.LogHealthCheck(endpoint, false, time.Since(start), err)
		return Result{
			Error:    fmt.Sprintf("health request failed: %v", err),
			Severity: SeverityCritical,
			Details: map[string]any{
				"url":       url,
				"errorType": classifyNetworkError(err),
			},
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		p.logger.LogHealthCheck(endpoint, false, time.Since(start), err)
		return Result{
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("failed to read health response: %v", err),
			Severity:   SeverityMedium,
		}
	}

	res := classify(resp.StatusCode, resp.Header.Get("Content-Type"), body)
	var logErr error
	if !res.IsHealthy {
		logErr = fmt.Errorf("%s", res.Error)
	}
	p.logger.LogHealthCheck(endpoint, res.IsHealthy, time.Since(start), logErr)
	return res
}

// classify turns a response into a Result. A 2xx with an empty or JSON body
// is healthy unless the JSON says "healthy": false. A 2xx with any other
// body is unhealthy at low severity.
func classify(status int, contentType string, body []byte) Result {
	res := Result{StatusCode: status}
	if status < 200 || status > 299 {
		res.Error = fmt.Sprintf("health endpoint returned HTTP %d", status)
		res.Severity = SeverityHigh
		return res
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		res.IsHealthy = true
		return res
	}

	var payload any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		res.Error = "health endpoint returned a non-JSON body"
		res.Severity = SeverityLow
		res.Details = map[string]any{"contentType": contentType}
		return res
	}

	if obj, ok := payload.(map[string]any); ok {
		res.Details = obj
		if healthy, ok := obj["healthy"].(bool); ok && !healthy {
			res.Error = "health endpoint reported unhealthy"
			res.Severity = SeverityMedium
			return res
		}
	}
	res.IsHealthy = true
	return res
}

func classifyNetworkError(err error) string {
	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "connection refused"):
		return "connection_refused"
	case strings.Contains(errStr, "deadline exceeded"), strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "no such host"):
		return "dns_failure"
	case strings.Contains(errStr, "network is unreachable"):
		return "network_unreachable"
	case strings.Contains(errStr, "context canceled"):
		return "canceled"
	}
	return "unknown_network_error"
}
