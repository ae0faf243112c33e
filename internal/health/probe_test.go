package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-console/agentlink/internal/logging"
)

func newTestProbe(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Probe, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithLogger(logging.NewNop()), WithHTTPClient(srv.Client())}, opts...)
	return NewProbe(srv.URL, opts...), srv
}

func TestCheckHealthyJSON(t *testing.T) {
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"healthy":true,"version":"0.5.1"}`))
	})

	res := p.Check(context.Background())
	assert.True(t, res.IsHealthy)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []string{"/health"}, res.CheckedEndpoints)
	assert.Empty(t, res.Error)
}

func TestCheckEmptyBodyIsHealthy(t *testing.T) {
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	assert.True(t, p.Check(context.Background()).IsHealthy)
}

func TestCheckNonJSONBodyIsUnhealthyLowSeverity(t *testing.T) {
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<!doctype html><html><body>app</body></html>"))
	})

	res := p.Check(context.Background())
	assert.False(t, res.IsHealthy)
	assert.Equal(t, SeverityLow, res.Severity)
	assert.Contains(t, res.Error, "non-JSON")
}

func TestCheckExplicitUnhealthy(t *testing.T) {
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"healthy":false}`))
	})
	res := p.Check(context.Background())
	assert.False(t, res.IsHealthy)
	assert.Equal(t, SeverityMedium, res.Severity)
}

func TestCheckNon2xx(t *testing.T) {
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	res := p.Check(context.Background())
	assert.False(t, res.IsHealthy)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, res.Error, "503")
}

func TestCheckUnreachableNeverErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProbe(url, WithLogger(logging.NewNop()))
	res := p.Check(context.Background())
	assert.False(t, res.IsHealthy)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, SeverityCritical, res.Severity)
}

func TestCheckTimesOut(t *testing.T) {
	block := make(chan struct{})
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))
	defer close(block)

	start := time.Now()
	res := p.Check(context.Background())
	assert.False(t, res.IsHealthy)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckFallsBackAcrossEndpoints(t *testing.T) {
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/global/health" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}, WithEndpoints("/health", "/global/health"))

	res := p.Check(context.Background())
	assert.True(t, res.IsHealthy)
	assert.Equal(t, []string{"/health", "/global/health"}, res.CheckedEndpoints)
}

func TestCheckAppliesDecoratorAndRecordsHistory(t *testing.T) {
	hist := NewHistory(2)
	p, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}, WithHistory(hist), WithRequestDecorator(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer t")
	}))

	for i := 0; i < 3; i++ {
		require.True(t, p.Check(context.Background()).IsHealthy)
	}

	recent := hist.Recent(0)
	assert.Len(t, recent, 2)
	tr := hist.Trends(0)
	assert.Equal(t, 2, tr.Checks)
	assert.InDelta(t, 100.0, tr.UptimePercent, 0.001)
}

func TestHistoryTrendsCountsFailures(t *testing.T) {
	h := NewHistory(10)
	now := time.Now()
	h.Record(Result{IsHealthy: true, CheckedAt: now, ResponseTime: 10 * time.Millisecond})
	h.Record(Result{Error: "down", CheckedAt: now, ResponseTime: 30 * time.Millisecond})
	h.Record(Result{Error: "still down", CheckedAt: now, ResponseTime: 20 * time.Millisecond})

	tr := h.Trends(time.Minute)
	assert.Equal(t, 3, tr.Checks)
	assert.Equal(t, 1, tr.Healthy)
	assert.Equal(t, 2, tr.ConsecutiveFailures)
	assert.Equal(t, "still down", tr.LastError)
	assert.Equal(t, 20*time.Millisecond, tr.AverageResponseTime)
	assert.Len(t, h.Recent(1), 1)
}
