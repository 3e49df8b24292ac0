package routing

import (
	"math"
	"time"

	"github.com/vietddude/brokerdata/internal/core/fault"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiple"`
	RetryableKinds  []fault.Kind  `yaml:"retryable_kinds"`
}

// DefaultRetryConfig follows the brokers' session retry strategy:
// three attempts, 200ms base, doubling, capped at 5s.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    200 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
	RetryableKinds: []fault.Kind{
		fault.TransientNetwork,
		fault.RateLimited,
		fault.ServerError,
		fault.ParseError,
	},
}

// Merge returns c with every zero field of override replaced by c's value.
func (c RetryConfig) Merge(override RetryConfig) RetryConfig {
	if override.MaxAttempts > 0 {
		c.MaxAttempts = override.MaxAttempts
	}
	if override.InitialDelay > 0 {
		c.InitialDelay = override.InitialDelay
	}
	if override.MaxDelay > 0 {
		c.MaxDelay = override.MaxDelay
	}
	if override.BackoffMultiple > 0 {
		c.BackoffMultiple = override.BackoffMultiple
	}
	if override.RetryableKinds != nil {
		c.RetryableKinds = override.RetryableKinds
	}
	return c
}

// neverRetry holds kinds that terminate the loop whatever the configuration says.
var neverRetry = map[fault.Kind]bool{
	fault.BadRequest: true,
	fault.AuthFailed: true,
	fault.NotFound:   true,
	fault.Canceled:   true,
	fault.Unknown:    true,
}

// NeverRetried reports whether kind terminates the loop under any configuration.
func NeverRetried(kind fault.Kind) bool {
	return neverRetry[kind]
}

// Decision is the outcome of a single policy consultation.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Err is the final error when Retry is false.
	Err *fault.Error
}

// Policy decides whether a failed attempt is retried and after how long.
// It is a pure function of its configuration and inputs.
type Policy struct {
	cfg       RetryConfig
	retryable map[fault.Kind]bool
}

// NewPolicy builds a policy, filling unset fields from DefaultRetryConfig.
func NewPolicy(cfg RetryConfig) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.BackoffMultiple < 1 {
		cfg.BackoffMultiple = DefaultRetryConfig.BackoffMultiple
	}
	if cfg.RetryableKinds == nil {
		cfg.RetryableKinds = DefaultRetryConfig.RetryableKinds
	}

	retryable := make(map[fault.Kind]bool, len(cfg.RetryableKinds))
	for _, k := range cfg.RetryableKinds {
		if !neverRetry[k] {
			retryable[k] = true
		}
	}

	return &Policy{cfg: cfg, retryable: retryable}
}

// Config returns the effective configuration.
func (p *Policy) Config() RetryConfig {
	return p.cfg
}

// MaxAttempts returns the attempt bound.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Retryable reports whether kind is eligible for retry under this policy.
func (p *Policy) Retryable(kind fault.Kind) bool {
	return p.retryable[kind]
}

// Next decides what to do after attempt (1-based) failed with last.
func (p *Policy) Next(attempt int, last *fault.Error) Decision {
	if last == nil {
		last = fault.New(fault.Unknown, "attempt failed without a cause")
	}
	if attempt >= p.cfg.MaxAttempts {
		return Decision{Err: last}
	}
	if !p.retryable[last.Kind] {
		return Decision{Err: last}
	}

	delay := p.Backoff(attempt)
	if last.Kind == fault.RateLimited && last.RetryAfter > 0 {
		delay = last.RetryAfter
		if delay < p.cfg.InitialDelay {
			delay = p.cfg.InitialDelay
		}
	}
	return Decision{Retry: true, Delay: delay}
}

// Backoff returns InitialDelay × BackoffMultiple^(attempt-1), capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffMultiple, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) || math.IsInf(delay, 0) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}
