// Package budget handles per-broker request quotas and rate limiting.
//
// This package contains:
//   - Tracker: per-broker daily quota and sliding interval limits
//   - Transport: a provider.Transport decorator that refuses calls over budget
package budget

import (
	"sync"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
)

// UsageStats holds quota usage statistics.
type UsageStats struct {
	TotalCalls      int            `json:"total_calls"`
	CallsPerHour    int            `json:"calls_per_hour"`
	DailyLimit      int            `json:"daily_limit"`
	RemainingCalls  int            `json:"remaining_calls"`
	UsagePercentage float64        `json:"usage_percentage"`
	NextResetAt     time.Time      `json:"next_reset_at"`
	Endpoints       map[string]int `json:"endpoints,omitempty"`
}

// Limits holds the request budget of one broker. Zero values disable a limit.
type Limits struct {
	DailyQuota       int           `yaml:"daily_quota"`
	IntervalLimit    int           `yaml:"interval_limit"`
	IntervalDuration time.Duration `yaml:"interval_duration"`
}

type brokerBudget struct {
	limits        Limits
	totalCalls    int
	callsThisHour int
	hourStartTime time.Time
	endpointCalls map[string]int
	// window holds call times inside the current interval
	window []time.Time
}

// Tracker manages per-broker request budgets. Daily quotas reset at midnight
// exchange time.
type Tracker struct {
	mu        sync.Mutex
	brokers   map[domain.BrokerID]*brokerBudget
	resetTime time.Time
	now       func() time.Time
}

// NewTracker creates a tracker with the given per-broker limits. Brokers
// without an entry are tracked but never refused.
func NewTracker(limits map[domain.BrokerID]Limits) *Tracker {
	return newTracker(limits, time.Now)
}

func newTracker(limits map[domain.BrokerID]Limits, now func() time.Time) *Tracker {
	t := &Tracker{
		brokers: make(map[domain.BrokerID]*brokerBudget),
		now:     now,
	}
	t.resetTime = nextMidnight(now())
	for id, l := range limits {
		t.brokers[id] = t.newBudget(l)
	}
	return t
}

func nextMidnight(now time.Time) time.Time {
	ist := now.In(domain.IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, 0, 0, 0, 0, domain.IST)
}

func (t *Tracker) newBudget(l Limits) *brokerBudget {
	return &brokerBudget{
		limits:        l,
		hourStartTime: t.now(),
		endpointCalls: make(map[string]int),
	}
}

func (t *Tracker) budgetLocked(id domain.BrokerID) *brokerBudget {
	now := t.now()
	if !now.Before(t.resetTime) {
		t.resetLocked()
	}
	b, ok := t.brokers[id]
	if !ok {
		b = t.newBudget(Limits{})
		t.brokers[id] = b
	}
	if now.Sub(b.hourStartTime) >= time.Hour {
		b.callsThisHour = 0
		b.hourStartTime = now
	}
	if b.limits.IntervalDuration > 0 {
		cutoff := now.Add(-b.limits.IntervalDuration)
		i := 0
		for i < len(b.window) && !b.window[i].After(cutoff) {
			i++
		}
		b.window = b.window[i:]
	}
	return b
}

// Reserve records a call to endpoint if the broker has budget left. When it
// does not, Reserve returns false and how long to wait before trying again.
func (t *Tracker) Reserve(id domain.BrokerID, endpoint string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(id)
	now := t.now()

	if b.limits.DailyQuota > 0 && b.totalCalls >= b.limits.DailyQuota {
		return false, t.resetTime.Sub(now)
	}
	if b.limits.IntervalLimit > 0 && b.limits.IntervalDuration > 0 &&
		len(b.window) >= b.limits.IntervalLimit {
		return false, b.window[0].Add(b.limits.IntervalDuration).Sub(now)
	}

	b.totalCalls++
	b.callsThisHour++
	b.endpointCalls[endpoint]++
	if b.limits.IntervalDuration > 0 {
		b.window = append(b.window, now)
	}
	return true, 0
}

// GetUsage returns usage statistics for a broker.
func (t *Tracker) GetUsage(id domain.BrokerID) UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageLocked(t.budgetLocked(id))
}

// Snapshot returns usage statistics for every tracked broker.
func (t *Tracker) Snapshot() map[domain.BrokerID]UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[domain.BrokerID]UsageStats, len(t.brokers))
	for id := range t.brokers {
		out[id] = t.usageLocked(t.budgetLocked(id))
	}
	return out
}

func (t *Tracker) usageLocked(b *brokerBudget) UsageStats {
	endpoints := make(map[string]int, len(b.endpointCalls))
	for k, v := range b.endpointCalls {
		endpoints[k] = v
	}
	stats := UsageStats{
		TotalCalls:   b.totalCalls,
		CallsPerHour: b.callsThisHour,
		DailyLimit:   b.limits.DailyQuota,
		NextResetAt:  t.resetTime,
		Endpoints:    endpoints,
	}
	if b.limits.DailyQuota > 0 {
		stats.RemainingCalls = max(b.limits.DailyQuota-b.totalCalls, 0)
		stats.UsagePercentage = float64(b.totalCalls) / float64(b.limits.DailyQuota) * 100
	}
	return stats
}

// Reset resets all usage counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Tracker) resetLocked() {
	now := t.now()
	for _, b := range t.brokers {
		b.totalCalls = 0
		b.callsThisHour = 0
		b.hourStartTime = now
		b.endpointCalls = make(map[string]int)
		b.window = nil
	}
	t.resetTime = nextMidnight(now)
}
