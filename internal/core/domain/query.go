package domain

import (
	"time"

	"github.com/vietddude/brokerdata/internal/core/fault"
)

// QueryKind selects the kind of record a query asks for.
type QueryKind string

const (
	KindQuote          QueryKind = "QUOTE"
	KindHistoricalBar  QueryKind = "HISTORICAL_BAR"
	KindInstrumentMeta QueryKind = "INSTRUMENT_META"
)

// QueryKinds lists every query kind in a stable order.
var QueryKinds = []QueryKind{KindQuote, KindHistoricalBar, KindInstrumentMeta}

// Valid reports whether k is a known query kind.
func (k QueryKind) Valid() bool {
	return k == KindQuote || k == KindHistoricalBar || k == KindInstrumentMeta
}

// BarInterval is the granularity of historical bars.
type BarInterval string

const (
	Interval1Minute  BarInterval = "1m"
	Interval3Minute  BarInterval = "3m"
	Interval5Minute  BarInterval = "5m"
	Interval10Minute BarInterval = "10m"
	Interval15Minute BarInterval = "15m"
	Interval30Minute BarInterval = "30m"
	Interval1Hour    BarInterval = "1h"
	Interval1Day     BarInterval = "1d"
)

// DefaultInterval is used for historical queries that do not name one.
const DefaultInterval = Interval1Day

// Valid reports whether i is a supported interval.
func (i BarInterval) Valid() bool {
	switch i {
	case Interval1Minute, Interval3Minute, Interval5Minute, Interval10Minute,
		Interval15Minute, Interval30Minute, Interval1Hour, Interval1Day:
		return true
	}
	return false
}

// TimeRange is an inclusive [Start, End] window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Query is a broker-agnostic request descriptor.
type Query struct {
	InstrumentID string      `json:"instrument_id"`
	Kind         QueryKind   `json:"kind"`
	Range        *TimeRange  `json:"range,omitempty"`
	Interval     BarInterval `json:"interval,omitempty"`
	BrokerHint   BrokerID    `json:"broker_hint,omitempty"`
}

// Validate checks the structural invariants of q. Failures are BAD_REQUEST.
func (q Query) Validate() error {
	if !q.Kind.Valid() {
		return fault.Newf(fault.BadRequest, "unknown query kind %q", q.Kind)
	}
	if _, _, err := ParseInstrumentID(q.InstrumentID); err != nil {
		return fault.Wrap(fault.BadRequest, err, "invalid instrument")
	}

	if q.Kind == KindHistoricalBar {
		if q.Range == nil {
			return fault.New(fault.BadRequest, "historical query requires a range")
		}
		if q.Range.Start.IsZero() || q.Range.End.IsZero() {
			return fault.New(fault.BadRequest, "range start and end must be set")
		}
		if q.Range.Start.After(q.Range.End) {
			return fault.Newf(fault.BadRequest, "range start %s is after end %s",
				q.Range.Start.Format(time.RFC3339), q.Range.End.Format(time.RFC3339))
		}
		if q.Interval != "" && !q.Interval.Valid() {
			return fault.Newf(fault.BadRequest, "unsupported interval %q", q.Interval)
		}
		return nil
	}

	if q.Range != nil {
		return fault.Newf(fault.BadRequest, "range is only allowed for %s queries", KindHistoricalBar)
	}
	if q.Interval != "" {
		return fault.Newf(fault.BadRequest, "interval is only allowed for %s queries", KindHistoricalBar)
	}
	return nil
}

// BarInterval returns the interval to use for a historical query.
func (q Query) BarInterval() BarInterval {
	if q.Interval == "" {
		return DefaultInterval
	}
	return q.Interval
}
