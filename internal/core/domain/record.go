package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is the broker-agnostic result of a query. The concrete type is one of
// *Quote, *BarSeries or *InstrumentMeta.
type Record interface {
	RecordKind() QueryKind
	isRecord()
}

// Quote is a point-in-time market snapshot.
type Quote struct {
	InstrumentID string          `json:"instrument_id"`
	Broker       BrokerID        `json:"broker"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	PrevClose    decimal.Decimal `json:"prev_close"`
	Volume       int64           `json:"volume"`
	Timestamp    time.Time       `json:"timestamp"`   // UTC
	ExchangeTZ   string          `json:"exchange_tz"` // zone the exchange reported in
}

// Bar is one OHLCV candle. Time is the UTC start of the bar.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// BarSeries is the result of a historical query.
type BarSeries struct {
	InstrumentID string      `json:"instrument_id"`
	Broker       BrokerID    `json:"broker"`
	Interval     BarInterval `json:"interval"`
	Bars         []Bar       `json:"bars"`
	ExchangeTZ   string      `json:"exchange_tz"`
}

// InstrumentMeta describes a tradable instrument.
type InstrumentMeta struct {
	InstrumentID   string          `json:"instrument_id"`
	Broker         BrokerID        `json:"broker"`
	Exchange       Exchange        `json:"exchange"`
	Symbol         string          `json:"symbol"`
	TradingSymbol  string          `json:"trading_symbol"`
	Token          string          `json:"token"`
	Name           string          `json:"name"`
	InstrumentType string          `json:"instrument_type"`
	LotSize        int64           `json:"lot_size"`
	TickSize       decimal.Decimal `json:"tick_size"`
	Expiry         *time.Time      `json:"expiry,omitempty"`
	Strike         decimal.Decimal `json:"strike"`
	ExchangeTZ     string          `json:"exchange_tz"`
}

func (*Quote) RecordKind() QueryKind          { return KindQuote }
func (*BarSeries) RecordKind() QueryKind      { return KindHistoricalBar }
func (*InstrumentMeta) RecordKind() QueryKind { return KindInstrumentMeta }

func (*Quote) isRecord()          {}
func (*BarSeries) isRecord()      {}
func (*InstrumentMeta) isRecord() {}
