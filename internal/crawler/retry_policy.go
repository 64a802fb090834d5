package crawler

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryConfig configures ExponentialRetryPolicy.
type RetryConfig struct {
	MaxAttempts      int
	ParseMaxAttempts int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	// JitterFraction spreads each delay by +/- this fraction. Zero disables jitter.
	JitterFraction float64
}

// DefaultRetryConfig returns three attempts, two for parse failures, and
// 500ms doubling backoff capped at 10s with 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      3,
		ParseMaxAttempts: 2,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		JitterFraction:   0.2,
	}
}

// ExponentialRetryPolicy implements RetryPolicy with bounded, jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts      int
	parseMaxAttempts int
	baseDelay        time.Duration
	maxDelay         time.Duration
	jitter           float64
}

// NewExponentialRetryPolicy builds a policy, filling zero fields from
// DefaultRetryConfig.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ParseMaxAttempts <= 0 {
		cfg.ParseMaxAttempts = def.ParseMaxAttempts
	}
	if cfg.ParseMaxAttempts > cfg.MaxAttempts {
		cfg.ParseMaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction >= 1 {
		cfg.JitterFraction = 0
	}
	return &ExponentialRetryPolicy{
		maxAttempts:      cfg.MaxAttempts,
		parseMaxAttempts: cfg.ParseMaxAttempts,
		baseDelay:        cfg.BaseDelay,
		maxDelay:         cfg.MaxDelay,
		jitter:           cfg.JitterFraction,
	}
}

// MaxAttempts returns the attempt ceiling for retryable errors.
func (p *ExponentialRetryPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have failed with err.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if Classify(err) != ClassRetryable {
		return false
	}
	limit := p.maxAttempts
	if errors.Is(err, ErrParse) {
		limit = p.parseMaxAttempts
	}
	return attempt < limit
}

// Backoff returns the wait before the attempt following attempt:
// base * 2^(attempt-1), capped at the maximum, then jittered.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if p.jitter == 0 {
		return time.Duration(delay)
	}
	spread := time.Duration(delay * p.jitter)
	return time.Duration(delay) - spread + p.randomJitter(2*spread)
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
