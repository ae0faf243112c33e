package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/universal-console/agentlink/internal/logging"
)

// DefaultEventPath is the server's event feed.
const DefaultEventPath = "/event"

// StatusError reports a non-2xx response to the stream request.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("event stream returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("event stream returned %s", e.Status)
}

// Doer is the subset of *http.Client used to open the feed.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource opens the event feed with a long-lived GET request.
type HTTPSource struct {
	baseURL  string
	path     string
	client   Doer
	decorate func(*http.Request)
	logger   *logging.Logger
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithPath overrides the event path.
func WithPath(path string) HTTPOption {
	return func(s *HTTPSource) {
		if path != "" {
			s.path = path
		}
	}
}

// WithClient replaces the HTTP client. It must not set a total request
// timeout, as the response body stays open for the life of the stream.
func WithClient(c Doer) HTTPOption {
	return func(s *HTTPSource) {
		s.client = c
	}
}

// WithRequestDecorator adds headers to the stream request.
func WithRequestDecorator(fn func(*http.Request)) HTTPOption {
	return func(s *HTTPSource) {
		s.decorate = fn
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *logging.Logger) HTTPOption {
	return func(s *HTTPSource) {
		s.logger = l
	}
}

// NewHTTPSource creates a source for the service at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    DefaultEventPath,
		client:  &http.Client{},
		logger:  logging.GetStreamLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the feed address.
func (s *HTTPSource) URL() string {
	return s.baseURL + s.path
}

// Open issues the stream request. The returned stream is bound to ctx:
// canceling it aborts the request and closes the body.
func (s *HTTPSource) Open(ctx context.Context, lastEventID string) (Stream, error) {
	start := time.Now()
	url := s.URL()
	s.logger.LogConnectionAttempt(url, lastEventID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	if s.decorate != nil {
		s.decorate(req)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.LogConnectionFailure(url, err, time.Since(start))
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
		s.logger.LogConnectionFailure(url, serr, time.Since(start))
		return nil, serr
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/event-stream") {
		s.logger.Warn("Unexpected event stream content type", "content_type", ct)
	}

	s.logger.Debug("Event stream opened", "url", url, "duration", time.Since(start))
	return NewReader(resp.Body, lastEventID), nil
}
