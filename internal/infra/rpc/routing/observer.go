package routing

import (
	"log/slog"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
)

// AttemptRecord is the structured diagnostic emitted after every attempt.
type AttemptRecord struct {
	CallID       string
	Broker       domain.BrokerID
	QueryKind    domain.QueryKind
	InstrumentID string
	Attempt      int
	// Outcome is empty on success.
	Outcome fault.Kind
	// Delay is the backoff chosen before the next attempt, zero when giving up.
	Delay   time.Duration
	Latency time.Duration
	Final   bool
	Err     error
}

// Succeeded reports whether the attempt produced a record.
func (r AttemptRecord) Succeeded() bool {
	return r.Outcome == ""
}

// Observer receives attempt records. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveAttempt(rec AttemptRecord)
}

// Observers fans a record out to several observers.
type Observers []Observer

func (o Observers) ObserveAttempt(rec AttemptRecord) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveAttempt(rec)
		}
	}
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(AttemptRecord) {}

// LogObserver writes attempt records to a slog logger.
type LogObserver struct {
	log *slog.Logger
}

// NewLogObserver creates a log sink; a nil logger uses slog.Default().
func NewLogObserver(log *slog.Logger) *LogObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LogObserver{log: log}
}

func (o *LogObserver) ObserveAttempt(rec AttemptRecord) {
	attrs := []any{
		"call_id", rec.CallID,
		"broker", rec.Broker,
		"kind", rec.QueryKind,
		"instrument", rec.InstrumentID,
		"attempt", rec.Attempt,
		"latency", rec.Latency,
	}

	switch {
	case rec.Succeeded():
		o.log.Debug("Broker call succeeded", attrs...)
	case rec.Final:
		o.log.Warn("Broker call failed",
			append(attrs, "error_kind", rec.Outcome, "error", rec.Err)...)
	default:
		o.log.Info("Retrying broker call",
			append(attrs, "error_kind", rec.Outcome, "delay", rec.Delay, "error", rec.Err)...)
	}
}
