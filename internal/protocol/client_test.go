package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-console/agentlink/internal/logging"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, append([]Option{WithLogger(logging.NewNop())}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "http://", "::bad"} {
		_, err := NewClient(raw)
		assert.Error(t, err, raw)
	}
}

func TestTimeoutFor(t *testing.T) {
	c, err := NewClient("http://localhost:4096")
	require.NoError(t, err)

	assert.Equal(t, DefaultRequestTimeout, c.TimeoutFor("/session"))
	assert.Equal(t, LongRequestTimeout, c.TimeoutFor("/session/s1/message"))
	assert.Equal(t, LongRequestTimeout, c.TimeoutFor("/session/s1/prompt"))

	c, err = NewClient("http://localhost:4096", WithTimeout(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, c.TimeoutFor("/session/s1/message"))
	assert.Equal(t, 90*time.Second, c.TimeoutFor("/session"))
}

func TestCreateSessionSendsStandardHeaders(t *testing.T) {
	var got http.Header
	var body CreateSessionRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		got = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"ses_1","title":"demo","time":{"created":1700000000000}}`)
	}),
		WithDirectory("/work/proj"),
		WithDecorator(func(r *http.Request) error {
			r.Header.Set("Authorization", "Bearer t0k")
			return nil
		}),
	)

	s, err := c.CreateSession(context.Background(), CreateSessionRequest{Title: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "ses_1", s.ID)
	assert.Equal(t, "demo", body.Title)
	assert.Equal(t, time.UnixMilli(1700000000000), s.CreatedAt())

	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "/work/proj", got.Get("X-Directory"))
	assert.Equal(t, "Bearer t0k", got.Get("Authorization"))
	assert.Len(t, got.Get("X-Request-ID"), 36)
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestCreateSessionWithoutIDIsProtocolError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"title":"x"}`)
	}))
	_, err := c.CreateSession(context.Background(), CreateSessionRequest{})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorTypeProtocol, pe.Type)
}

func TestSendMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/ses_1/message", r.URL.Path)
		var req MessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Parts, 1)
		assert.Equal(t, "hi", req.Parts[0].Text)
		_, _ = io.WriteString(w, `{"info":{"id":"msg_1","role":"assistant"},"parts":[{"type":"text","text":"Hel"},{"type":"reasoning","text":"?"},{"type":"text","text":"lo"}]}`)
	}))

	resp, err := c.SendMessage(context.Background(), "ses_1", MessageRequest{Parts: []Part{TextPart("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.Info.ID)
	assert.Equal(t, "Hello", resp.Text())
}

func TestValidationHappensBeforeTransport(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))

	_, err := c.SendMessage(context.Background(), "ses_1", MessageRequest{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "parts", ve.Field)

	_, err = c.SendCommand(context.Background(), "", CommandRequest{Command: "init"})
	require.ErrorAs(t, err, &ve)

	err = c.DeleteSession(context.Background(), "a/b")
	require.ErrorAs(t, err, &ve)

	assert.Zero(t, calls)
}

func TestHTTPErrorBecomesProtocolError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"warming up"}}`)
	}))

	_, err := c.GetSession(context.Background(), "ses_1")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorTypeHTTP, pe.Type)
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode())
	assert.Equal(t, "3", pe.HTTPDetails.RetryAfter)
	assert.Contains(t, pe.Error(), "warming up")
	assert.True(t, pe.IsRetryable())
	assert.Same(t, pe, c.LastError())

	stats := c.Statistics()
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.FailedRequests)
}

func TestNotFoundIsNotRetryable(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	err := c.AbortSession(context.Background(), "ses_1")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusNotFound, pe.StatusCode())
	assert.False(t, pe.IsRetryable())
}

func TestNetworkErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, WithLogger(logging.NewNop()))
	require.NoError(t, err)

	_, err = c.ListSessions(context.Background())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorTypeNetwork, pe.Type)
	assert.True(t, pe.IsRetryable())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ListSessions(ctx)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "canceled", pe.NetworkDetails.ErrorType)
	assert.False(t, pe.IsRetryable())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithTimeout(50*time.Millisecond))
	defer close(release)

	_, err := c.ListSessions(context.Background())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "timeout", pe.NetworkDetails.ErrorType)
}

func TestRespondPermission(t *testing.T) {
	var got []PermissionResponse
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/ses_1/permissions/perm_9", r.URL.Path)
		var body PermissionResponse
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)
		_, _ = io.WriteString(w, `true`)
	}))

	require.NoError(t, c.RespondPermission(context.Background(), "ses_1", "perm_9", true, ""))
	require.NoError(t, c.RespondPermission(context.Background(), "ses_1", "perm_9", false, "not allowed"))
	assert.Equal(t, []PermissionResponse{
		{Response: PermissionOnce},
		{Response: PermissionReject, Reason: "not allowed"},
	}, got)
}

func TestListAndDeleteSessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"a"},{"id":"b","title":"second"}]`)
	})
	deleted := ""
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)

	list, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[1].Title)

	require.NoError(t, c.DeleteSession(context.Background(), "b"))
	assert.Equal(t, "b", deleted)
	assert.Equal(t, 2, c.Statistics().SuccessfulRequests)
}
