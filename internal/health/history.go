package health

import (
	"sync"
	"time"
)

const defaultHistorySize = 100

// History keeps the most recent check results for display. The probe never
// consults it when deciding health.
type History struct {
	mu      sync.RWMutex
	results []Result
	max     int
}

// Trends summarizes a window of results.
type Trends struct {
	Checks              int           `json:"checks"`
	Healthy             int           `json:"healthy"`
	UptimePercent       float64       `json:"uptimePercent"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastError           string        `json:"lastError,omitempty"`
}

// NewHistory creates a history holding at most size results.
func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{max: size}
}

// Record appends a result, dropping the oldest when full.
func (h *History) Record(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.results = append(h.results, r)
	if len(h.results) > h.max {
		h.results = h.results[len(h.results)-h.max:]
	}
}

// Recent returns up to limit results, newest last. limit <= 0 returns all.
func (h *History) Recent(limit int) []Result {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if limit > 0 && len(h.results) > limit {
		start = len(h.results) - limit
	}
	out := make([]Result, len(h.results)-start)
	copy(out, h.results[start:])
	return out
}

// Trends computes statistics over results checked within the last window.
// A zero window covers the whole history.
func (h *History) Trends(window time.Duration) Trends {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var t Trends
	var total time.Duration
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	for _, r := range h.results {
		if !cutoff.IsZero() && r.CheckedAt.Before(cutoff) {
			continue
		}
		t.Checks++
		total += r.ResponseTime
		if r.IsHealthy {
			t.Healthy++
			t.ConsecutiveFailures = 0
		} else {
			t.ConsecutiveFailures++
			t.LastError = r.Error
		}
	}

	if t.Checks > 0 {
		t.UptimePercent = float64(t.Healthy) / float64(t.Checks) * 100
		t.AverageResponseTime = total / time.Duration(t.Checks)
	}
	return t
}
