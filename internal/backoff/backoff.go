// Package backoff computes reconnect delays: exponential growth from a base
// delay, a fixed ceiling, and up to 25% random jitter.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond
	DefaultMaxAttempts = 10

	// Multiplier and JitterFraction are fixed.
	Multiplier     = 2
	JitterFraction = 0.25
)

// Config holds the caller-supplied reconnection settings.
type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int // 0 means unlimited
	AutoReconnect bool
}

// DefaultConfig returns the default reconnection settings.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		MaxAttempts:   DefaultMaxAttempts,
		AutoReconnect: true,
	}
}

// Policy maps an attempt counter to a delay. It holds no mutable state and
// is safe for concurrent use as long as the random source is.
type Policy struct {
	cfg    Config
	random func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(p *Policy) {
		p.random = fn
	}
}

// NewPolicy creates a policy. Non-positive delays fall back to the defaults
// and a negative attempt limit is treated as unlimited.
func NewPolicy(cfg Config, opts ...Option) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	p := &Policy{cfg: cfg, random: rand.Float64}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the settings the policy was built with.
func (p *Policy) Config() Config {
	return p.cfg
}

// MaxAttempts returns the attempt limit, 0 meaning unlimited.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Base returns the pre-jitter delay for attempt: base * 2^(n-1) capped at
// the ceiling, where n is attempt clamped to MaxAttempts when one is set.
func (p *Policy) Base(attempt int) time.Duration {
	n := attempt
	if n < 1 {
		n = 1
	}
	if p.cfg.MaxAttempts > 0 && n > p.cfg.MaxAttempts {
		n = p.cfg.MaxAttempts
	}

	d := p.cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= Multiplier
		if d >= p.cfg.MaxDelay || d <= 0 {
			return p.cfg.MaxDelay
		}
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

// Delay returns Base(attempt) plus jitter drawn uniformly from
// [0, floor(0.25 * Base(attempt))) at millisecond resolution.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.Base(attempt)
	window := int64(float64(d.Milliseconds()) * JitterFraction)
	if window <= 0 {
		return d
	}
	jitter := int64(p.random() * float64(window))
	if jitter >= window {
		jitter = window - 1
	}
	return d + time.Duration(jitter)*time.Millisecond
}

// ShouldRetry reports whether attempt may proceed.
func (p *Policy) ShouldRetry(attempt int) bool {
	if !p.cfg.AutoReconnect {
		return false
	}
	return p.cfg.MaxAttempts == 0 || attempt < p.cfg.MaxAttempts
}
