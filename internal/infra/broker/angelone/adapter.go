// Package angelone implements the broker adapter for Angel One SmartAPI.
package angelone

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

const (
	DefaultBaseURL        = "https://apiconnect.angelbroking.com/rest/secure/angelbroking"
	DefaultScripMasterURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"

	// requestTimeFormat is the layout of fromdate/todate in candle requests (IST).
	requestTimeFormat = "2006-01-02 15:04"
	// feedTimeFormat is the layout of exchFeedTime in quote responses (IST).
	feedTimeFormat = "02-Jan-2006 15:04:05"

	scripMasterTimeout = 2 * time.Minute
)

var capabilities = []domain.QueryKind{
	domain.KindQuote,
	domain.KindHistoricalBar,
	domain.KindInstrumentMeta,
}

var intervals = map[domain.BarInterval]string{
	domain.Interval1Minute:  "ONE_MINUTE",
	domain.Interval3Minute:  "THREE_MINUTE",
	domain.Interval5Minute:  "FIVE_MINUTE",
	domain.Interval10Minute: "TEN_MINUTE",
	domain.Interval15Minute: "FIFTEEN_MINUTE",
	domain.Interval30Minute: "THIRTY_MINUTE",
	domain.Interval1Hour:    "ONE_HOUR",
	domain.Interval1Day:     "ONE_DAY",
}

// Config holds endpoint and client identification settings.
type Config struct {
	BaseURL        string
	ScripMasterURL string
	Kinds          []domain.QueryKind
	ClientLocalIP  string
	ClientPublicIP string
	MACAddress     string
}

// Adapter implements broker.Adapter for Angel One.
type Adapter struct {
	cfg         Config
	creds       broker.CredentialSource
	instruments *broker.InstrumentTable
	kinds       broker.KindSet
}

// NewAdapter creates an Angel One adapter. instruments resolves symbols to
// the symbol tokens SmartAPI addresses instruments by.
func NewAdapter(cfg Config, creds broker.CredentialSource, instruments *broker.InstrumentTable) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ScripMasterURL == "" {
		cfg.ScripMasterURL = DefaultScripMasterURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = "127.0.0.1"
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = "127.0.0.1"
	}
	if cfg.MACAddress == "" {
		cfg.MACAddress = "00:00:00:00:00:00"
	}

	return &Adapter{
		cfg:         cfg,
		creds:       creds,
		instruments: instruments,
		kinds:       broker.NewKindSet(capabilities, cfg.Kinds),
	}
}

func (a *Adapter) ID() domain.BrokerID {
	return domain.BrokerAngelOne
}

func (a *Adapter) Supports(kind domain.QueryKind) bool {
	return a.kinds.Has(kind)
}

// BuildRequest translates q into a SmartAPI call.
func (a *Adapter) BuildRequest(q domain.Query) (provider.Request, error) {
	if !a.kinds.Has(q.Kind) {
		return provider.Request{}, broker.Unsupported(string(a.ID()), string(q.Kind))
	}

	switch q.Kind {
	case domain.KindQuote:
		inst, err := a.lookup(q.InstrumentID)
		if err != nil {
			return provider.Request{}, err
		}
		return a.authed("quote", a.cfg.BaseURL+"/market/v1/quote/", quoteRequest{
			Mode:           "FULL",
			ExchangeTokens: map[string][]string{string(inst.Exchange): {inst.Token}},
		})

	case domain.KindHistoricalBar:
		inst, err := a.lookup(q.InstrumentID)
		if err != nil {
			return provider.Request{}, err
		}
		interval, ok := intervals[q.BarInterval()]
		if !ok {
			return provider.Request{}, fault.Newf(fault.BadRequest, "interval %s not offered by angelone", q.BarInterval())
		}
		if q.Range == nil {
			return provider.Request{}, fault.New(fault.BadRequest, "historical query requires a range")
		}
		loc, _ := inst.Exchange.Location()
		return a.authed("candles", a.cfg.BaseURL+"/historical/v1/getCandleData", candleRequest{
			Exchange:    string(inst.Exchange),
			SymbolToken: inst.Token,
			Interval:    interval,
			FromDate:    q.Range.Start.In(loc).Format(requestTimeFormat),
			ToDate:      q.Range.End.In(loc).Format(requestTimeFormat),
		})

	case domain.KindInstrumentMeta:
		if _, _, err := domain.ParseInstrumentID(q.InstrumentID); err != nil {
			return provider.Request{}, fault.Wrap(fault.BadRequest, err, "invalid instrument")
		}
		return ScripMasterRequest(a.cfg.ScripMasterURL), nil
	}

	return provider.Request{}, broker.Unsupported(string(a.ID()), string(q.Kind))
}

// ParseResponse normalizes a SmartAPI payload.
func (a *Adapter) ParseResponse(q domain.Query, raw *provider.Response) (domain.Record, error) {
	if raw == nil {
		return nil, fault.New(fault.ParseError, "nil response")
	}

	switch q.Kind {
	case domain.KindQuote:
		var data quoteData
		if err := decodeEnvelope(raw.Body, &data); err != nil {
			return nil, err
		}
		return a.parseQuote(q, data)

	case domain.KindHistoricalBar:
		var rows [][]any
		if err := decodeEnvelope(raw.Body, &rows); err != nil {
			return nil, err
		}
		return a.parseCandles(q, rows)

	case domain.KindInstrumentMeta:
		list, err := ParseScripMaster(raw.Body)
		if err != nil {
			return nil, err
		}
		inst, ok := broker.NewInstrumentTable(list).Lookup(q.InstrumentID)
		if !ok {
			return nil, fault.Newf(fault.NotFound, "angelone has no instrument %s", q.InstrumentID)
		}
		return inst.Meta(a.ID()), nil
	}

	return nil, broker.Unsupported(string(a.ID()), string(q.Kind))
}

// TranslateError maps SmartAPI error envelopes carried on non-2xx responses.
func (a *Adapter) TranslateError(se *provider.StatusError) *fault.Error {
	var env envelope
	if err := json.Unmarshal(se.Body, &env); err != nil || env.ErrorCode == "" {
		return nil
	}
	fe := envelopeError(env)
	if fe.Kind == fault.Unknown {
		return nil
	}
	fe.Cause = se
	return fe
}

func (a *Adapter) lookup(id string) (broker.Instrument, error) {
	if _, _, err := domain.ParseInstrumentID(id); err != nil {
		return broker.Instrument{}, fault.Wrap(fault.BadRequest, err, "invalid instrument")
	}
	inst, ok := a.instruments.Lookup(id)
	if !ok {
		return broker.Instrument{}, fault.Newf(fault.NotFound, "angelone has no token for %s", id)
	}
	return inst, nil
}

func (a *Adapter) authed(name, url string, payload any) (provider.Request, error) {
	creds := a.creds.Credentials()
	if creds.AccessToken == "" || creds.APIKey == "" {
		return provider.Request{}, fault.New(fault.AuthFailed, "angelone session token or api key missing")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return provider.Request{}, fault.Wrap(fault.BadRequest, err, "encode request")
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("Authorization", "Bearer "+creds.AccessToken)
	h.Set("X-PrivateKey", creds.APIKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	h.Set("X-ClientLocalIP", a.cfg.ClientLocalIP)
	h.Set("X-ClientPublicIP", a.cfg.ClientPublicIP)
	h.Set("X-MACAddress", a.cfg.MACAddress)

	return provider.Request{
		Broker: string(domain.BrokerAngelOne),
		Name:   name,
		Method: http.MethodPost,
		URL:    url,
		Header: h,
		Body:   body,
	}, nil
}

// ScripMasterRequest builds the unauthenticated instrument master download.
func ScripMasterRequest(url string) provider.Request {
	if url == "" {
		url = DefaultScripMasterURL
	}
	h := http.Header{}
	h.Set("Accept", "application/json")
	return provider.Request{
		Broker:  string(domain.BrokerAngelOne),
		Name:    "instruments",
		Method:  http.MethodGet,
		URL:     url,
		Header:  h,
		Timeout: scripMasterTimeout,
	}
}
