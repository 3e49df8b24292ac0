package angelone

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

type quoteRequest struct {
	Mode           string              `json:"mode"`
	ExchangeTokens map[string][]string `json:"exchangeTokens"`
}

type candleRequest struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

// envelope wraps every SmartAPI response.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

type quoteData struct {
	Fetched   []quoteRow      `json:"fetched"`
	Unfetched []unfetchedItem `json:"unfetched"`
}

type quoteRow struct {
	Exchange      string      `json:"exchange"`
	TradingSymbol string      `json:"tradingSymbol"`
	SymbolToken   string      `json:"symbolToken"`
	LTP           json.Number `json:"ltp"`
	Open          json.Number `json:"open"`
	High          json.Number `json:"high"`
	Low           json.Number `json:"low"`
	Close         json.Number `json:"close"`
	TradeVolume   json.Number `json:"tradeVolume"`
	ExchFeedTime  string      `json:"exchFeedTime"`
}

type unfetchedItem struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symbolToken"`
	Message     string `json:"message"`
	ErrorCode   string `json:"errorCode"`
}

// scripRow is one entry of the public scrip master. Every field is a string.
type scripRow struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

var (
	authCodes = map[string]bool{
		"AG8001": true, // Invalid Token
		"AG8002": true, // Token Expired
		"AG8003": true, // Token missing
		"AB8050": true, // Invalid Refresh Token
		"AB8051": true, // Refresh Token Expired
		"AB1010": true, // AMX Session Expired
		"AB1000": true, // Invalid Email Or Password
		"AB1005": true, // User Type Must Be USER
		"AB1006": true, // Client is Blocked For Trading
	}
	notFoundCodes = map[string]bool{
		"AB1009": true, // Symbol Not Found
		"AB1018": true, // Failed to get symbol details
	}
	serverCodes = map[string]bool{
		"AB1004": true, // Something Went Wrong, Please Try After Sometime
		"AB2001": true, // Internal Error, Please try after sometime
	}
	badRequestCodes = map[string]bool{
		"AB4008": true,
		"AB1012": true, // Invalid Product Type
		"AB1008": true, // Invalid Order Variety
	}
)

func envelopeError(env envelope) *fault.Error {
	msg := env.Message
	if env.ErrorCode != "" {
		msg = env.ErrorCode + " " + msg
	}

	switch {
	case provider.IsThrottleMessage(env.Message):
		return fault.New(fault.RateLimited, msg)
	case authCodes[env.ErrorCode]:
		return fault.New(fault.AuthFailed, msg)
	case notFoundCodes[env.ErrorCode]:
		return fault.New(fault.NotFound, msg)
	case serverCodes[env.ErrorCode]:
		return fault.New(fault.ServerError, msg)
	case badRequestCodes[env.ErrorCode]:
		return fault.New(fault.BadRequest, msg)
	}
	return fault.New(fault.Unknown, msg)
}

// decodeEnvelope checks the status flag and decodes data into v.
func decodeEnvelope(body []byte, v any) error {
	var env envelope
	if err := broker.DecodeJSON(body, &env); err != nil {
		return err
	}
	if !env.Status {
		return envelopeError(env)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return broker.DecodeJSON(env.Data, v)
}

func (a *Adapter) parseQuote(q domain.Query, data quoteData) (*domain.Quote, error) {
	if len(data.Fetched) == 0 {
		if len(data.Unfetched) > 0 {
			return nil, fault.Newf(fault.NotFound, "angelone could not quote %s: %s",
				q.InstrumentID, data.Unfetched[0].Message)
		}
		return nil, fault.New(fault.ParseError, "quote response has no fetched rows")
	}
	row := data.Fetched[0]

	exch, sym, _ := domain.ParseInstrumentID(q.InstrumentID)
	loc, tz := exch.Location()

	quote := &domain.Quote{
		InstrumentID: domain.InstrumentID(exch, sym),
		Broker:       a.ID(),
		ExchangeTZ:   tz,
	}

	var err error
	if quote.LastPrice, err = broker.Decimal("ltp", row.LTP); err != nil {
		return nil, err
	}
	if quote.Open, err = broker.Decimal("open", row.Open); err != nil {
		return nil, err
	}
	if quote.High, err = broker.Decimal("high", row.High); err != nil {
		return nil, err
	}
	if quote.Low, err = broker.Decimal("low", row.Low); err != nil {
		return nil, err
	}
	if quote.PrevClose, err = broker.Decimal("close", row.Close); err != nil {
		return nil, err
	}
	if quote.Volume, err = broker.Int("tradeVolume", row.TradeVolume); err != nil {
		return nil, err
	}

	ts, err := time.ParseInLocation(feedTimeFormat, row.ExchFeedTime, loc)
	if err != nil {
		return nil, fault.Wrap(fault.ParseError, err, "field exchFeedTime")
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

// parseCandle reads [timestamp, open, high, low, close, volume].
func parseCandle(row []any) (domain.Bar, error) {
	var bar domain.Bar

	stamp, err := broker.StringAt(row, 0, "timestamp")
	if err != nil {
		return bar, err
	}
	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return bar, fault.Wrap(fault.ParseError, err, "field timestamp")
	}
	bar.Time = ts.UTC()

	fields := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &bar.Open},
		{"high", &bar.High},
		{"low", &bar.Low},
		{"close", &bar.Close},
	}
	for i, f := range fields {
		n, err := broker.NumberAt(row, i+1, f.name)
		if err != nil {
			return bar, err
		}
		if *f.dst, err = broker.Decimal(f.name, n); err != nil {
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

var hundred = decimal.NewFromInt(100)

// ParseScripMaster parses the public scrip master. Tick sizes and strikes are
// published in paise and converted to rupees. NSE equities ("-EQ" series) are
// keyed by company name; everything else by trading symbol.
func ParseScripMaster(payload []byte) ([]broker.Instrument, error) {
	var rows []scripRow
	if err := broker.DecodeJSON(payload, &rows); err != nil {
		return nil, err
	}

	out := make([]broker.Instrument, 0, len(rows))
	for _, r := range rows {
		exch := domain.Exchange(strings.ToUpper(r.ExchSeg))
		if !exch.Valid() || r.Token == "" || r.Symbol == "" {
			continue
		}

		symbol := r.Symbol
		if exch == domain.ExchangeNSE && strings.HasSuffix(r.Symbol, "-EQ") && r.Name != "" {
			symbol = r.Name
		}

		inst := broker.Instrument{
			Exchange:       exch,
			Symbol:         strings.ToUpper(symbol),
			TradingSymbol:  r.Symbol,
			Token:          r.Token,
			Name:           r.Name,
			InstrumentType: r.InstrumentType,
			LotSize:        1,
		}

		if tick, err := decimal.NewFromString(r.TickSize); err == nil {
			inst.TickSize = tick.Div(hundred)
		}
		if lot, err := decimal.NewFromString(r.LotSize); err == nil && lot.IsPositive() {
			inst.LotSize = lot.IntPart()
		}
		if strike, err := decimal.NewFromString(r.Strike); err == nil && strike.IsPositive() {
			inst.Strike = strike.Div(hundred)
		}
		if r.Expiry != "" {
			loc, _ := exch.Location()
			if exp, err := time.ParseInLocation("02Jan2006", r.Expiry, loc); err == nil {
				utc := exp.UTC()
				inst.Expiry = &utc
			}
		}

		out = append(out, inst)
	}
	return out, nil
}
