package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/rpc/budget"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
)

var (
	// QueriesTotal tracks finished calls per broker, query kind and outcome
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerdata_queries_total",
			Help: "Total number of finished broker queries",
		},
		[]string{"broker", "kind", "outcome"},
	)

	// AttemptsTotal tracks transport attempts per broker and query kind
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerdata_attempts_total",
			Help: "Total number of broker call attempts",
		},
		[]string{"broker", "kind"},
	)

	// AttemptErrorsTotal tracks failed attempts per broker and error kind
	AttemptErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerdata_attempt_errors_total",
			Help: "Total number of failed broker call attempts",
		},
		[]string{"broker", "error_kind"},
	)

	// AttemptLatency tracks attempt latency
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brokerdata_attempt_latency_seconds",
			Help:    "Broker call attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"broker", "kind"},
	)

	// RetryDelay tracks backoff delays chosen before retries
	RetryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brokerdata_retry_delay_seconds",
			Help:    "Backoff delay before a retry in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"broker"},
	)

	// BrokerStatus tracks transport health (0 healthy, 1 degraded, 2 throttled, 3 blocked)
	BrokerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brokerdata_broker_status",
			Help: "Transport health status of the broker",
		},
		[]string{"broker"},
	)

	// InstrumentsLoaded tracks the size of each broker's instrument table
	InstrumentsLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brokerdata_instruments_loaded",
			Help: "Number of instruments in the broker's token table",
		},
		[]string{"broker"},
	)

	// JournalWritesTotal tracks failed-query journal writes
	JournalWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerdata_journal_writes_total",
			Help: "Total number of failed-query journal writes",
		},
		[]string{"result"},
	)

	// BudgetUsage tracks the share of each broker's daily quota spent
	BudgetUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brokerdata_budget_usage_percent",
			Help: "Percentage of the broker's daily request quota used",
		},
		[]string{"broker"},
	)

	// DBConnectionPoolUsage tracks the percentage of open journal DB connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brokerdata_db_connection_pool_usage",
			Help: "Percentage of the journal database pool in use",
		},
	)
)

// Observer exports attempt records as prometheus metrics.
type Observer struct{}

// NewObserver creates a metrics sink for the executor.
func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) ObserveAttempt(rec routing.AttemptRecord) {
	broker := string(rec.Broker)
	if broker == "" {
		broker = "unrouted"
	}
	kind := string(rec.QueryKind)

	// Attempts that never reached the transport carry no latency.
	if rec.Latency > 0 {
		AttemptsTotal.WithLabelValues(broker, kind).Inc()
		AttemptLatency.WithLabelValues(broker, kind).Observe(rec.Latency.Seconds())
	}
	if !rec.Succeeded() {
		AttemptErrorsTotal.WithLabelValues(broker, string(rec.Outcome)).Inc()
	}
	if !rec.Final {
		RetryDelay.WithLabelValues(broker).Observe(rec.Delay.Seconds())
		return
	}

	outcome := "success"
	if !rec.Succeeded() {
		outcome = string(rec.Outcome)
	}
	QueriesTotal.WithLabelValues(broker, kind, outcome).Inc()
}

// RecordTransportStats publishes per-broker transport health.
func RecordTransportStats(stats map[string]provider.MonitorStats) {
	for broker, s := range stats {
		BrokerStatus.WithLabelValues(broker).Set(float64(s.Status))
	}
}

// RecordBudget publishes per-broker quota usage.
func RecordBudget(usage map[domain.BrokerID]budget.UsageStats) {
	for broker, u := range usage {
		BudgetUsage.WithLabelValues(string(broker)).Set(u.UsagePercentage)
	}
}
