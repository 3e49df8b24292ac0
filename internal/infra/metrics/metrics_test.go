package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/rpc/budget"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
)

// sampleValue returns the value of the series of name whose labels include want.
func sampleValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestObserver_RecordsCallLifecycle(t *testing.T) {
	obs := NewObserver()
	base := routing.AttemptRecord{
		CallID:       "call-1",
		Broker:       "metrics-test",
		QueryKind:    domain.KindQuote,
		InstrumentID: "NSE:RELIANCE",
	}

	retry := base
	retry.Attempt = 1
	retry.Outcome = fault.ServerError
	retry.Delay = 200 * time.Millisecond
	retry.Latency = 30 * time.Millisecond
	obs.ObserveAttempt(retry)

	done := base
	done.Attempt = 2
	done.Latency = 20 * time.Millisecond
	done.Final = true
	obs.ObserveAttempt(done)

	if got := sampleValue(t, "brokerdata_attempts_total", map[string]string{"broker": "metrics-test"}); got != 2 {
		t.Errorf("attempts = %v, want 2", got)
	}
	if got := sampleValue(t, "brokerdata_attempt_errors_total", map[string]string{"broker": "metrics-test", "error_kind": "SERVER_ERROR"}); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := sampleValue(t, "brokerdata_queries_total", map[string]string{"broker": "metrics-test", "outcome": "success"}); got != 1 {
		t.Errorf("queries = %v, want 1", got)
	}
	if got := sampleValue(t, "brokerdata_retry_delay_seconds", map[string]string{"broker": "metrics-test"}); got != 1 {
		t.Errorf("retry delay samples = %v, want 1", got)
	}
}

func TestObserver_RejectedCallHasNoTransportAttempt(t *testing.T) {
	NewObserver().ObserveAttempt(routing.AttemptRecord{
		QueryKind: domain.KindHistoricalBar,
		Attempt:   1,
		Outcome:   fault.BadRequest,
		Final:     true,
	})

	if got := sampleValue(t, "brokerdata_queries_total", map[string]string{"broker": "unrouted", "outcome": "BAD_REQUEST"}); got != 1 {
		t.Errorf("queries = %v, want 1", got)
	}
	if got := sampleValue(t, "brokerdata_attempts_total", map[string]string{"broker": "unrouted"}); got != 0 {
		t.Errorf("rejected call should not count an attempt, got %v", got)
	}
}

func TestRecordTransportStats(t *testing.T) {
	RecordTransportStats(map[string]provider.MonitorStats{
		"metrics-status": {Status: provider.StatusThrottled},
	})
	if got := sampleValue(t, "brokerdata_broker_status", map[string]string{"broker": "metrics-status"}); got != float64(provider.StatusThrottled) {
		t.Errorf("status = %v, want %v", got, float64(provider.StatusThrottled))
	}
}

func TestRecordBudget(t *testing.T) {
	RecordBudget(map[domain.BrokerID]budget.UsageStats{
		"metrics-budget": {UsagePercentage: 42.5},
	})
	if got := sampleValue(t, "brokerdata_budget_usage_percent", map[string]string{"broker": "metrics-budget"}); got != 42.5 {
		t.Errorf("budget usage = %v, want 42.5", got)
	}
}
