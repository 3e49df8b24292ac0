package zerodha

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

// envelope wraps every Kite Connect JSON response.
type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

type quoteRow struct {
	InstrumentToken json.Number `json:"instrument_token"`
	Timestamp       string      `json:"timestamp"`
	LastTradeTime   string      `json:"last_trade_time"`
	LastPrice       json.Number `json:"last_price"`
	Volume          json.Number `json:"volume"`
	OHLC            struct {
		Open  json.Number `json:"open"`
		High  json.Number `json:"high"`
		Low   json.Number `json:"low"`
		Close json.Number `json:"close"`
	} `json:"ohlc"`
}

type candleData struct {
	Candles [][]any `json:"candles"`
}

var errorTypes = map[string]fault.Kind{
	"TokenException":      fault.AuthFailed,
	"PermissionException": fault.AuthFailed,
	"UserException":       fault.AuthFailed,
	"TwoFAException":      fault.AuthFailed,
	"InputException":      fault.BadRequest,
	"NetworkException":    fault.TransientNetwork,
	"DataException":       fault.ServerError,
	"GeneralException":    fault.ServerError,
}

func envelopeError(env envelope) *fault.Error {
	msg := env.Message
	if env.ErrorType != "" {
		msg = env.ErrorType + " " + msg
	}
	if provider.IsThrottleMessage(env.Message) {
		return fault.New(fault.RateLimited, msg)
	}
	if kind, ok := errorTypes[env.ErrorType]; ok {
		return fault.New(kind, msg)
	}
	return fault.New(fault.Unknown, msg)
}

// decodeEnvelope checks the status field and decodes data into v.
func decodeEnvelope(body []byte, v any) error {
	var env envelope
	if err := broker.DecodeJSON(body, &env); err != nil {
		return err
	}
	if env.Status != "success" {
		return envelopeError(env)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return broker.DecodeJSON(env.Data, v)
}

func (a *Adapter) parseQuote(q domain.Query, data map[string]quoteRow) (*domain.Quote, error) {
	exch, sym, _ := domain.ParseInstrumentID(q.InstrumentID)
	id := domain.InstrumentID(exch, sym)

	row, ok := data[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "zerodha returned no quote for %s", id)
	}

	loc, tz := exch.Location()
	quote := &domain.Quote{
		InstrumentID: id,
		Broker:       a.ID(),
		ExchangeTZ:   tz,
	}

	var err error
	if quote.LastPrice, err = broker.Decimal("last_price", row.LastPrice); err != nil {
		return nil, err
	}
	if quote.Open, err = broker.Decimal("ohlc.open", row.OHLC.Open); err != nil {
		return nil, err
	}
	if quote.High, err = broker.Decimal("ohlc.high", row.OHLC.High); err != nil {
		return nil, err
	}
	if quote.Low, err = broker.Decimal("ohlc.low", row.OHLC.Low); err != nil {
		return nil, err
	}
	if quote.PrevClose, err = broker.Decimal("ohlc.close", row.OHLC.Close); err != nil {
		return nil, err
	}
	if row.Volume != "" {
		if quote.Volume, err = broker.Int("volume", row.Volume); err != nil {
			return nil, err
		}
	}

	stamp := row.Timestamp
	if stamp == "" {
		stamp = row.LastTradeTime
	}
	ts, err := time.ParseInLocation(quoteTimeFormat, stamp, loc)
	if err != nil {
		return nil, fault.Wrap(fault.ParseError, err, "field timestamp")
	}
	quote.Timestamp = ts.UTC()

	return quote, nil
}

func (a *Adapter) parseCandles(q domain.Query, rows [][]any) (*domain.BarSeries, error) {
	exch, sym, _ := domain.ParseInstrumentID(q.InstrumentID)
	_, tz := exch.Location()

	series := &domain.BarSeries{
		InstrumentID: domain.InstrumentID(exch, sym),
		Broker:       a.ID(),
		Interval:     q.BarInterval(),
		Bars:         make([]domain.Bar, 0, len(rows)),
		ExchangeTZ:   tz,
	}

	for i, row := range rows {
		bar, err := parseCandle(row)
		if err != nil {
			return nil, fault.Wrap(fault.ParseError, err, "candle "+strconv.Itoa(i))
		}
		series.Bars = append(series.Bars, bar)
	}
	return series, nil
}

// parseCandle reads [timestamp, open, high, low, close, volume, (oi)].
func parseCandle(row []any) (domain.Bar, error) {
	var bar domain.Bar

	stamp, err := broker.StringAt(row, 0, "timestamp")
	if err != nil {
		return bar, err
	}
	ts, err := time.Parse(candleTimeFormat, stamp)
	if err != nil {
		return bar, fault.Wrap(fault.ParseError, err, "field timestamp")
	}
	bar.Time = ts.UTC()

	prices := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close}
	names := []string{"open", "high", "low", "close"}
	for i, dst := range prices {
		n, err := broker.NumberAt(row, i+1, names[i])
		if err != nil {
			return bar, err
		}
		if *dst, err = broker.Decimal(names[i], n); err != nil {
			return bar, err
		}
	}

	n, err := broker.NumberAt(row, 5, "volume")
	if err != nil {
		return bar, err
	}
	bar.Volume, err = broker.Int("volume", n)
	return bar, err
}

var requiredColumns = []string{"instrument_token", "tradingsymbol", "exchange"}

// ParseInstruments parses the instrument dump CSV. Rows are keyed by trading
// symbol; tick sizes and strikes are already in rupees.
func ParseInstruments(payload []byte) ([]broker.Instrument, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fault.New(fault.ParseError, "empty instrument dump")
	}

	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fault.Wrap(fault.ParseError, err, "instrument dump header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fault.Newf(fault.ParseError, "instrument dump missing column %s", name)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []broker.Instrument
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.ParseError, err, "instrument dump row")
		}

		exch := domain.Exchange(strings.ToUpper(field(rec, "exchange")))
		symbol := field(rec, "tradingsymbol")
		token := field(rec, "instrument_token")
		if !exch.Valid() || symbol == "" || token == "" {
			continue
		}

		inst := broker.Instrument{
			Exchange:       exch,
			Symbol:         strings.ToUpper(symbol),
			TradingSymbol:  symbol,
			Token:          token,
			Name:           field(rec, "name"),
			InstrumentType: field(rec, "instrument_type"),
			LotSize:        1,
		}
		if tick, err := decimal.NewFromString(field(rec, "tick_size")); err == nil {
			inst.TickSize = tick
		}
		if lot, err := decimal.NewFromString(field(rec, "lot_size")); err == nil && lot.IsPositive() {
			inst.LotSize = lot.IntPart()
		}
		if strike, err := decimal.NewFromString(field(rec, "strike")); err == nil && strike.IsPositive() {
			inst.Strike = strike
		}
		if exp := field(rec, "expiry"); exp != "" {
			loc, _ := exch.Location()
			if t, err := time.ParseInLocation("2006-01-02", exp, loc); err == nil {
				utc := t.UTC()
				inst.Expiry = &utc
			}
		}

		out = append(out, inst)
	}
	return out, nil
}
