package provider

import (
	"strings"
	"sync"
	"time"
)

// Status represents the observed health of a broker endpoint.
type Status int

const (
	StatusHealthy   Status = iota // Broker is working normally
	StatusDegraded                // Broker is slow or failing often
	StatusThrottled               // Broker is rate limiting
	StatusBlocked                 // Broker has refused this client (403)
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	}
	return "unknown"
}

// MarshalText renders the status as its name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// throttlePatterns are phrases brokers use in bodies when they throttle.
var throttlePatterns = []string{
	"rate limit",
	"too many requests",
	"exceeding access rate",
	"access rate",
	"request limit exceeded",
	"throttl",
}

// IsThrottleMessage reports whether message contains a known throttle phrase.
func IsThrottleMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range throttlePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// MonitorStats is a snapshot of a Monitor.
type MonitorStats struct {
	Status           Status        `json:"status"`
	AverageLatency   time.Duration `json:"average_latency"`
	Requests         int           `json:"requests"`
	Failures         int           `json:"failures"`
	ThrottleCount429 int           `json:"throttle_429"`
	ThrottleCount403 int           `json:"throttle_403"`
	LastThrottleAt   time.Time     `json:"last_throttle_at,omitempty"`
}

// Monitor tracks latency, failures and throttling for one broker.
type Monitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	requests       int
	failures       int
	status429Count int
	status403Count int
	lastThrottle   time.Time
	cooldown       time.Duration

	slowResponseThreshold time.Duration
	degradedThreshold     float64

	now func() time.Time
}

// NewMonitor creates a monitor with default thresholds.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:       make([]time.Duration, 0, 100),
		maxLatencyWindow:      100,
		slowResponseThreshold: 3 * time.Second,
		degradedThreshold:     0.3, // 30% error rate
		now:                   time.Now,
	}
}

// RecordRequest records a successful request with its latency.
func (m *Monitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}
}

// RecordFailure records a failed request that was not a throttle.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.failures++
}

// RecordThrottle records a 429 or 403 response.
func (m *Monitor) RecordThrottle(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.failures++
	m.lastThrottle = m.now()

	switch statusCode {
	case 429:
		m.status429Count++
		m.cooldown = time.Minute
	case 403:
		m.status403Count++
		m.cooldown = 10 * time.Minute // Longer for IP block
	}
}

// Status returns the current status of the broker endpoint.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	inCooldown := !m.lastThrottle.IsZero() && m.now().Sub(m.lastThrottle) < m.cooldown

	if m.status403Count > 0 && inCooldown {
		return StatusBlocked
	}
	if m.status429Count > 0 && inCooldown {
		return StatusThrottled
	}

	if len(m.recentLatencies) > 10 && m.averageLatencyLocked() > m.slowResponseThreshold {
		return StatusDegraded
	}
	if m.requests >= 10 && float64(m.failures)/float64(m.requests) > m.degradedThreshold {
		return StatusDegraded
	}

	return StatusHealthy
}

func (m *Monitor) averageLatencyLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

// Stats returns current monitoring statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MonitorStats{
		Status:           m.statusLocked(),
		AverageLatency:   m.averageLatencyLocked(),
		Requests:         m.requests,
		Failures:         m.failures,
		ThrottleCount429: m.status429Count,
		ThrottleCount403: m.status403Count,
		LastThrottleAt:   m.lastThrottle,
	}
}
