package provider

import (
	"testing"
	"time"
)

func TestMonitor_Accumulates(t *testing.T) {
	m := NewMonitor()

	m.RecordRequest(100 * time.Millisecond)
	for i := 0; i < 100; i++ {
		m.RecordRequest(50 * time.Millisecond)
	}

	stats := m.Stats()
	if stats.Requests != 101 {
		t.Errorf("Expected 101 requests, got %d", stats.Requests)
	}
	if stats.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", stats.Status)
	}
}

func TestMonitor_ThrottleCooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)
	m := NewMonitor()
	m.now = func() time.Time { return now }

	m.RecordThrottle(429)
	if got := m.Status(); got != StatusThrottled {
		t.Fatalf("Expected throttled, got %s", got)
	}

	now = now.Add(2 * time.Minute)
	if got := m.Status(); got != StatusHealthy {
		t.Errorf("Expected healthy after cooldown, got %s", got)
	}

	m.RecordThrottle(403)
	if got := m.Status(); got != StatusBlocked {
		t.Errorf("Expected blocked, got %s", got)
	}
}

func TestMonitor_DegradedOnErrorRate(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 6; i++ {
		m.RecordRequest(10 * time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		m.RecordFailure()
	}

	if got := m.Status(); got != StatusDegraded {
		t.Errorf("Expected degraded at 40%% errors, got %s", got)
	}
}

func TestIsThrottleMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Access denied because of exceeding access rate", true},
		{"Too many requests", true},
		{"project rate limit exceeded", true},
		{"Invalid Token", false},
	}
	for _, tt := range tests {
		if got := IsThrottleMessage(tt.msg); got != tt.want {
			t.Errorf("IsThrottleMessage(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
