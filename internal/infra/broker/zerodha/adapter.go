// Package zerodha implements the broker adapter for Zerodha Kite Connect v3.
package zerodha

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

const (
	DefaultBaseURL = "https://api.kite.trade"

	kiteVersion = "3"

	// rangeTimeFormat is the layout of from/to in historical requests (IST).
	rangeTimeFormat = "2006-01-02 15:04:05"
	// quoteTimeFormat is the layout of quote timestamps (IST).
	quoteTimeFormat = "2006-01-02 15:04:05"
	// candleTimeFormat is the layout of candle timestamps.
	candleTimeFormat = "2006-01-02T15:04:05-0700"

	instrumentsTimeout = 2 * time.Minute
)

var capabilities = []domain.QueryKind{
	domain.KindQuote,
	domain.KindHistoricalBar,
	domain.KindInstrumentMeta,
}

var intervals = map[domain.BarInterval]string{
	domain.Interval1Minute:  "minute",
	domain.Interval3Minute:  "3minute",
	domain.Interval5Minute:  "5minute",
	domain.Interval10Minute: "10minute",
	domain.Interval15Minute: "15minute",
	domain.Interval30Minute: "30minute",
	domain.Interval1Hour:    "60minute",
	domain.Interval1Day:     "day",
}

// Config holds endpoint settings.
type Config struct {
	BaseURL string
	Kinds   []domain.QueryKind
}

// Adapter implements broker.Adapter for Zerodha.
type Adapter struct {
	cfg         Config
	creds       broker.CredentialSource
	instruments *broker.InstrumentTable
	kinds       broker.KindSet
}

// NewAdapter creates a Zerodha adapter. Quotes address instruments by
// trading symbol; historical data needs the instrument token from instruments.
func NewAdapter(cfg Config, creds broker.CredentialSource, instruments *broker.InstrumentTable) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Adapter{
		cfg:         cfg,
		creds:       creds,
		instruments: instruments,
		kinds:       broker.NewKindSet(capabilities, cfg.Kinds),
	}
}

func (a *Adapter) ID() domain.BrokerID {
	return domain.BrokerZerodha
}

func (a *Adapter) Supports(kind domain.QueryKind) bool {
	return a.kinds.Has(kind)
}

// BuildRequest translates q into a Kite Connect call.
func (a *Adapter) BuildRequest(q domain.Query) (provider.Request, error) {
	if !a.kinds.Has(q.Kind) {
		return provider.Request{}, broker.Unsupported(string(a.ID()), string(q.Kind))
	}

	exch, sym, err := domain.ParseInstrumentID(q.InstrumentID)
	if err != nil {
		return provider.Request{}, fault.Wrap(fault.BadRequest, err, "invalid instrument")
	}

	switch q.Kind {
	case domain.KindQuote:
		return a.authed("quote", a.cfg.BaseURL+"/quote", url.Values{
			"i": {domain.InstrumentID(exch, sym)},
		})

	case domain.KindHistoricalBar:
		inst, ok := a.instruments.Lookup(q.InstrumentID)
		if !ok {
			return provider.Request{}, fault.Newf(fault.NotFound, "zerodha has no token for %s", q.InstrumentID)
		}
		interval, ok := intervals[q.BarInterval()]
		if !ok {
			return provider.Request{}, fault.Newf(fault.BadRequest, "interval %s not offered by zerodha", q.BarInterval())
		}
		if q.Range == nil {
			return provider.Request{}, fault.New(fault.BadRequest, "historical query requires a range")
		}
		loc, _ := exch.Location()
		return a.authed("candles",
			a.cfg.BaseURL+"/instruments/historical/"+url.PathEscape(inst.Token)+"/"+interval,
			url.Values{
				"from": {q.Range.Start.In(loc).Format(rangeTimeFormat)},
				"to":   {q.Range.End.In(loc).Format(rangeTimeFormat)},
			})

	case domain.KindInstrumentMeta:
		req, err := a.authed("instruments", a.cfg.BaseURL+"/instruments/"+string(exch), nil)
		if err != nil {
			return provider.Request{}, err
		}
		req.Header.Set("Accept", "text/csv")
		req.Timeout = instrumentsTimeout
		return req, nil
	}

	return provider.Request{}, broker.Unsupported(string(a.ID()), string(q.Kind))
}

// ParseResponse normalizes a Kite Connect payload.
func (a *Adapter) ParseResponse(q domain.Query, raw *provider.Response) (domain.Record, error) {
	if raw == nil {
		return nil, fault.New(fault.ParseError, "nil response")
	}

	switch q.Kind {
	case domain.KindQuote:
		var data map[string]quoteRow
		if err := decodeEnvelope(raw.Body, &data); err != nil {
			return nil, err
		}
		return a.parseQuote(q, data)

	case domain.KindHistoricalBar:
		var data candleData
		if err := decodeEnvelope(raw.Body, &data); err != nil {
			return nil, err
		}
		return a.parseCandles(q, data.Candles)

	case domain.KindInstrumentMeta:
		list, err := ParseInstruments(raw.Body)
		if err != nil {
			return nil, err
		}
		inst, ok := broker.NewInstrumentTable(list).Lookup(q.InstrumentID)
		if !ok {
			return nil, fault.Newf(fault.NotFound, "zerodha has no instrument %s", q.InstrumentID)
		}
		return inst.Meta(a.ID()), nil
	}

	return nil, broker.Unsupported(string(a.ID()), string(q.Kind))
}

// TranslateError maps Kite error bodies carried on non-2xx responses.
func (a *Adapter) TranslateError(se *provider.StatusError) *fault.Error {
	var env envelope
	if err := json.Unmarshal(se.Body, &env); err != nil || env.ErrorType == "" {
		return nil
	}
	fe := envelopeError(env)
	if fe.Kind == fault.Unknown {
		return nil
	}
	fe.Cause = se
	return fe
}

func (a *Adapter) authed(name, endpoint string, query url.Values) (provider.Request, error) {
	creds := a.creds.Credentials()
	if creds.APIKey == "" || creds.AccessToken == "" {
		return provider.Request{}, fault.New(fault.AuthFailed, "zerodha api key or access token missing")
	}

	h := http.Header{}
	h.Set("X-Kite-Version", kiteVersion)
	h.Set("Authorization", "token "+creds.APIKey+":"+creds.AccessToken)
	h.Set("Accept", "application/json")

	return provider.Request{
		Broker: string(domain.BrokerZerodha),
		Name:   name,
		Method: http.MethodGet,
		URL:    endpoint,
		Query:  query,
		Header: h,
	}, nil
}

// InstrumentsRequest builds the instrument dump download used to seed the
// token table. An empty exchange downloads every segment.
func InstrumentsRequest(baseURL string, creds broker.Credentials, exch domain.Exchange) provider.Request {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/instruments"
	if exch != "" {
		endpoint += "/" + string(exch)
	}

	h := http.Header{}
	h.Set("X-Kite-Version", kiteVersion)
	h.Set("Accept", "text/csv")
	if creds.APIKey != "" && creds.AccessToken != "" {
		h.Set("Authorization", "token "+creds.APIKey+":"+creds.AccessToken)
	}

	return provider.Request{
		Broker:  string(domain.BrokerZerodha),
		Name:    "instruments",
		Method:  http.MethodGet,
		URL:     endpoint,
		Header:  h,
		Timeout: instrumentsTimeout,
	}
}
