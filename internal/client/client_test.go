package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-console/agentlink/internal/config"
	"github.com/universal-console/agentlink/internal/connection"
	"github.com/universal-console/agentlink/internal/events"
	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/stream"
)

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNop()), WithSleep(noSleep)}, opts...)
	c, err := New(&config.Profile{Name: "test", ServerURL: srv.URL}, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func writeFrame(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	w.(http.Flusher).Flush()
}

func TestStreamsTokensInOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeFrame(w, `{"type":"message.part.updated","properties":{"part":{"type":"text","sessionID":"s1"},"delta":"Hel"}}`)
		writeFrame(w, `{"type":"message.part.updated","properties":{"part":{"type":"text","sessionID":"s1"},"delta":"lo"}}`)
		writeFrame(w, `{"type":"session.idle","properties":{"sessionID":"s1"}}`)
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newClient(t, srv)

	tokens := make(chan events.StreamToken, 8)
	c.Events().OnToken(func(tok events.StreamToken) {
		tokens <- tok
	})
	frames := make(chan stream.Frame, 8)
	c.OnFrame(func(f stream.Frame) {
		frames <- f
	})

	c.Connect(context.Background())

	want := []events.StreamToken{
		{SessionID: "s1", Text: "Hel"},
		{SessionID: "s1", Text: "lo"},
		{SessionID: "s1", Done: true},
	}
	for _, w := range want {
		select {
		case got := <-tokens:
			assert.Equal(t, w, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %+v", w)
		}
	}
	assert.Len(t, frames, 3)
	assert.Equal(t, connection.StateConnected, c.State())
	assert.True(t, c.Healthy())

	c.Disconnect()
	assert.Equal(t, connection.StateDisconnected, c.State())
}

func TestUnreachableServerEndsInError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newClient(t, srv)

	errs := make(chan events.ErrorEvent, 4)
	c.Events().OnError(func(e events.ErrorEvent) {
		errs <- e
	})

	c.Connect(context.Background())

	select {
	case e := <-errs:
		assert.True(t, errors.Is(e.Err, connection.ErrServerUnhealthy), "got %v", e.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
	assert.Equal(t, connection.StateError, c.State())
	assert.Error(t, c.LastError())
	assert.False(t, c.Healthy())
	assert.NotEmpty(t, c.HealthHistory(0))
}

func TestSessionRoundTripClearsInFlightOnIdle(t *testing.T) {
	idle := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-idle:
			writeFrame(w, `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`)
		case <-r.Context().Done():
			return
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "ses_1", "title": "demo", "time": map[string]any{"created": 1}})
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"info":  map[string]any{"id": "msg_1", "sessionID": r.PathValue("id"), "role": "assistant"},
			"parts": []map[string]any{{"type": "text", "text": "hi there"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newClient(t, srv)
	done := make(chan struct{}, 1)
	c.Events().OnToken(func(tok events.StreamToken) {
		if tok.Done {
			done <- struct{}{}
		}
	})
	c.Connect(context.Background())

	ctx := context.Background()
	s, err := c.CreateSession(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", s.ID)
	assert.Equal(t, "ses_1", c.Sessions().Current())

	res, err := c.SendText(ctx, s.ID, "hello")
	require.NoError(t, err)
	require.False(t, res.Pending)
	assert.Equal(t, "hi there", res.Response.Text())

	close(idle)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no idle token")
	}

	stats := c.Statistics()
	assert.Equal(t, 2, stats.TotalRequests)
	assert.Equal(t, 2, stats.SuccessfulRequests)
}

func TestSessionEndedOnStreamDropsSession(t *testing.T) {
	ended := make(chan struct{})
	received := make(chan struct{}, 1)
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-ended:
			writeFrame(w, `{"type":"session.ended","properties":{"sessionID":"ses_1","reason":"deleted"}}`)
		case <-r.Context().Done():
			return
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "ses_1", "title": "demo", "time": map[string]any{"created": 1}})
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"info": map[string]any{"id": "msg_1", "sessionID": r.PathValue("id"), "role": "assistant"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newClient(t, srv)
	reasons := make(chan string, 1)
	c.Events().OnSessionEnd(func(e events.SessionEnd) {
		reasons <- e.Reason
	})
	c.Connect(context.Background())

	ctx := context.Background()
	_, err := c.CreateSession(ctx, "demo")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.State() == connection.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendText(ctx, "ses_1", "hello")
		errc <- err
	}()
	<-received
	id, busy := c.InFlight()
	require.True(t, busy)
	assert.Equal(t, "ses_1", id)

	close(ended)
	select {
	case reason := <-reasons:
		assert.Equal(t, "deleted", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no session end event")
	}

	assert.False(t, c.Sessions().Has("ses_1"))
	assert.Equal(t, "", c.Sessions().Current())
	_, busy = c.InFlight()
	assert.False(t, busy)

	close(release)
	require.NoError(t, <-errc)
}

func TestNewRejectsInvalidProfile(t *testing.T) {
	_, err := New(&config.Profile{Name: "bad", ServerURL: "ftp://nowhere"}, WithLogger(logging.NewNop()))
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)

	_, err = New(&config.Profile{
		Name:      "bad-auth",
		ServerURL: "http://localhost:1",
		Auth:      config.AuthConfig{Type: config.AuthBearer, Token: "x"},
	}, WithLogger(logging.NewNop()))
	assert.Error(t, err)
}

func TestRequestsCarryAuthAndDirectory(t *testing.T) {
	seen := make(chan http.Header, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(&config.Profile{
		Name:      "auth",
		ServerURL: srv.URL,
		Directory: "/work/repo",
		Auth:      config.AuthConfig{Type: config.AuthBearer, Token: "abcdefgh123"},
	}, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	res := c.CheckHealth(context.Background())
	assert.True(t, res.IsHealthy)

	h := <-seen
	assert.Equal(t, "Bearer abcdefgh123", h.Get("Authorization"))
	assert.Equal(t, "/work/repo", h.Get("X-Directory"))
}
