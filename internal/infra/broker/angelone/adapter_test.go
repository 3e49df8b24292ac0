package angelone

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

func newTestAdapter(kinds ...domain.QueryKind) *Adapter {
	table := broker.NewInstrumentTable([]broker.Instrument{
		{Exchange: domain.ExchangeNSE, Symbol: "RELIANCE", TradingSymbol: "RELIANCE-EQ", Token: "2885"},
		{Exchange: domain.ExchangeBSE, Symbol: "RELIANCE", TradingSymbol: "RELIANCE", Token: "500325"},
	})
	creds := broker.NewStaticCredentials(broker.Credentials{APIKey: "key", AccessToken: "jwt"})
	return NewAdapter(Config{BaseURL: "https://smartapi.test/rest/secure/angelbroking/", Kinds: kinds}, creds, table)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// encodeQuote is the test-only inverse of parseQuote.
func encodeQuote(t *testing.T, q *domain.Quote) []byte {
	t.Helper()
	row := map[string]any{
		"exchange":      "NSE",
		"tradingSymbol": "RELIANCE-EQ",
		"symbolToken":   "2885",
		"ltp":           json.Number(q.LastPrice.String()),
		"open":          json.Number(q.Open.String()),
		"high":          json.Number(q.High.String()),
		"low":           json.Number(q.Low.String()),
		"close":         json.Number(q.PrevClose.String()),
		"tradeVolume":   q.Volume,
		"exchFeedTime":  q.Timestamp.In(domain.IST).Format(feedTimeFormat),
	}
	return mustEnvelope(t, map[string]any{"fetched": []any{row}, "unfetched": []any{}})
}

// encodeCandles is the test-only inverse of parseCandles.
func encodeCandles(t *testing.T, bars []domain.Bar) []byte {
	t.Helper()
	rows := make([][]any, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, []any{
			b.Time.In(domain.IST).Format(time.RFC3339),
			json.Number(b.Open.String()),
			json.Number(b.High.String()),
			json.Number(b.Low.String()),
			json.Number(b.Close.String()),
			b.Volume,
		})
	}
	return mustEnvelope(t, rows)
}

func mustEnvelope(t *testing.T, data any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"status": true, "message": "SUCCESS", "errorcode": "", "data": data,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestAdapter_BuildQuoteRequest(t *testing.T) {
	a := newTestAdapter()
	req, err := a.BuildRequest(domain.Query{InstrumentID: "NSE:RELIANCE", Kind: domain.KindQuote})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Method != http.MethodPost || req.URL != "https://smartapi.test/rest/secure/angelbroking/market/v1/quote/" {
		t.Errorf("unexpected endpoint %s %s", req.Method, req.URL)
	}
	if req.Header.Get("Authorization") != "Bearer jwt" || req.Header.Get("X-PrivateKey") != "key" {
		t.Errorf("missing auth headers: %v", req.Header)
	}

	var body quoteRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Mode != "FULL" || len(body.ExchangeTokens["NSE"]) != 1 || body.ExchangeTokens["NSE"][0] != "2885" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestAdapter_BuildCandleRequest(t *testing.T) {
	a := newTestAdapter()
	start := time.Date(2024, 3, 1, 3, 45, 0, 0, time.UTC) // 09:15 IST
	req, err := a.BuildRequest(domain.Query{
		InstrumentID: "BSE:RELIANCE",
		Kind:         domain.KindHistoricalBar,
		Range:        &domain.TimeRange{Start: start, End: start.Add(6 * time.Hour)},
		Interval:     domain.Interval15Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body candleRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	want := candleRequest{
		Exchange: "BSE", SymbolToken: "500325", Interval: "FIFTEEN_MINUTE",
		FromDate: "2024-03-01 09:15", ToDate: "2024-03-01 15:15",
	}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestAdapter_BuildRequestFailures(t *testing.T) {
	tests := []struct {
		name    string
		adapter *Adapter
		q       domain.Query
		want    fault.Kind
	}{
		{"unknown token", newTestAdapter(), domain.Query{InstrumentID: "NSE:TCS", Kind: domain.KindQuote}, fault.NotFound},
		{"bad instrument", newTestAdapter(), domain.Query{InstrumentID: "TCS", Kind: domain.KindQuote}, fault.BadRequest},
		{"disabled kind", newTestAdapter(domain.KindQuote), domain.Query{InstrumentID: "NSE:RELIANCE", Kind: domain.KindInstrumentMeta}, fault.BadRequest},
		{"no instrument table", NewAdapter(Config{}, broker.NewStaticCredentials(broker.Credentials{}), nil), domain.Query{InstrumentID: "NSE:RELIANCE", Kind: domain.KindQuote}, fault.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.adapter.BuildRequest(tt.q)
			if got := fault.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestAdapter_MissingCredentials(t *testing.T) {
	a := newTestAdapter()
	a.creds = broker.NewStaticCredentials(broker.Credentials{APIKey: "key"})

	_, err := a.BuildRequest(domain.Query{InstrumentID: "NSE:RELIANCE", Kind: domain.KindQuote})
	if fault.KindOf(err) != fault.AuthFailed {
		t.Errorf("expected AUTH_FAILED, got %v", err)
	}
}

func TestAdapter_QuoteRoundTrip(t *testing.T) {
	a := newTestAdapter()
	want := &domain.Quote{
		InstrumentID: "NSE:RELIANCE",
		Broker:       domain.BrokerAngelOne,
		LastPrice:    dec("2945.35"),
		Open:         dec("2931.00"),
		High:         dec("2951.9"),
		Low:          dec("2925.05"),
		PrevClose:    dec("2930.1"),
		Volume:       5123411,
		Timestamp:    time.Date(2024, 3, 1, 7, 32, 5, 0, time.UTC),
		ExchangeTZ:   domain.ExchangeTZName,
	}

	q := domain.Query{InstrumentID: "NSE:RELIANCE", Kind: domain.KindQuote}
	rec, err := a.ParseResponse(q, &provider.Response{StatusCode: 200, Body: encodeQuote(t, want)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := rec.(*domain.Quote)
	if !ok {
		t.Fatalf("expected *domain.Quote, got %T", rec)
	}
	if !got.LastPrice.Equal(want.LastPrice) || !got.Open.Equal(want.Open) || !got.High.Equal(want.High) ||
		!got.Low.Equal(want.Low) || !got.PrevClose.Equal(want.PrevClose) {
		t.Errorf("prices differ: got %+v want %+v", got, want)
	}
	if got.Volume != want.Volume || !got.Timestamp.Equal(want.Timestamp) || got.Timestamp.Location() != time.UTC {
		t.Errorf("volume/time differ: got %d %s", got.Volume, got.Timestamp)
	}
	if got.ExchangeTZ != domain.ExchangeTZName || got.Broker != domain.BrokerAngelOne {
		t.Errorf("unexpected origin fields %+v", got)
	}
}

func TestAdapter_CandlesRoundTrip(t *testing.T) {
	a := newTestAdapter()
	base := time.Date(2024, 3, 1, 3, 45, 0, 0, time.UTC)
	want := []domain.Bar{
		{Time: base, Open: dec("2931"), High: dec("2940.5"), Low: dec("2929.15"), Close: dec("2938.4"), Volume: 120034},
		{Time: base.Add(15 * time.Minute), Open: dec("2938.4"), High: dec("2951.9"), Low: dec("2936"), Close: dec("2945.35"), Volume: 98211},
	}
	q := domain.Query{
		InstrumentID: "NSE:RELIANCE",
		Kind:         domain.KindHistoricalBar,
		Range:        &domain.TimeRange{Start: base, End: base.Add(time.Hour)},
		Interval:     domain.Interval15Minute,
	}

	rec, err := a.ParseResponse(q, &provider.Response{StatusCode: 200, Body: encodeCandles(t, want)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	series := rec.(*domain.BarSeries)
	if series.Interval != domain.Interval15Minute || len(series.Bars) != len(want) {
		t.Fatalf("unexpected series %+v", series)
	}
	for i, b := range series.Bars {
		w := want[i]
		if !b.Time.Equal(w.Time) || !b.Open.Equal(w.Open) || !b.High.Equal(w.High) ||
			!b.Low.Equal(w.Low) || !b.Close.Equal(w.Close) || b.Volume != w.Volume {
			t.Errorf("bar %d = %+v, want %+v", i, b, w)
		}
	}
}

func TestAdapter_EmptyCandles(t *testing.T) {
	a := newTestAdapter()
	start := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	q := domain.Query{InstrumentID: "NSE:RELIANCE", Kind: domain.KindHistoricalBar, Range: &domain.TimeRange{Start: start, End: start}}

	rec, err := a.ParseResponse(q, &provider.Response{Body: []byte(`{"status":true,"message":"SUCCESS","errorcode":"","data":null}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.(*domain.BarSeries).Bars) != 0 {
		t.Errorf("expected no bars")
	}
}

func TestAdapter_ParseFailures(t *testing.T) {
	a := newTestAdapter()
	q := domain.Query{InstrumentID: "NSE:RELIANCE", Kind: domain.KindQuote}

	tests := []struct {
		name string
		body string
		want fault.Kind
	}{
		{"truncated", `{"status":true,"data":{"fetched":[{"ltp":29`, fault.ParseError},
		{"empty", ``, fault.ParseError},
		{"missing ltp", `{"status":true,"data":{"fetched":[{"open":1,"high":1,"low":1,"close":1,"tradeVolume":1,"exchFeedTime":"01-Mar-2024 13:02:05"}]}}`, fault.ParseError},
		{"bad time", `{"status":true,"data":{"fetched":[{"ltp":1,"open":1,"high":1,"low":1,"close":1,"tradeVolume":1,"exchFeedTime":"yesterday"}]}}`, fault.ParseError},
		{"unfetched", `{"status":true,"data":{"fetched":[],"unfetched":[{"exchange":"NSE","symbolToken":"2885","message":"Invalid token","errorCode":"AB4019"}]}}`, fault.NotFound},
		{"expired token", `{"status":false,"message":"Invalid Token","errorcode":"AG8001","data":null}`, fault.AuthFailed},
		{"server fault", `{"status":false,"message":"Something Went Wrong, Please Try After Sometime","errorcode":"AB1004","data":null}`, fault.ServerError},
		{"throttled", `{"status":false,"message":"Access denied because of exceeding access rate","errorcode":"","data":null}`, fault.RateLimited},
		{"unknown code", `{"status":false,"message":"new thing","errorcode":"AB9999","data":null}`, fault.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseResponse(q, &provider.Response{StatusCode: 200, Body: []byte(tt.body)})
			if got := fault.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestAdapter_TranslateError(t *testing.T) {
	a := newTestAdapter()

	fe := a.TranslateError(&provider.StatusError{
		StatusCode: 401,
		Body:       []byte(`{"status":false,"message":"Token Expired","errorcode":"AG8002"}`),
	})
	if fe == nil || fe.Kind != fault.AuthFailed {
		t.Errorf("expected AUTH_FAILED, got %v", fe)
	}

	if a.TranslateError(&provider.StatusError{StatusCode: 502, Body: []byte("<html>bad gateway</html>")}) != nil {
		t.Errorf("non-envelope bodies should defer to the generic classifier")
	}
}

func TestAdapter_Supports(t *testing.T) {
	a := newTestAdapter(domain.KindQuote, domain.KindHistoricalBar)
	if !a.Supports(domain.KindQuote) || !a.Supports(domain.KindHistoricalBar) || a.Supports(domain.KindInstrumentMeta) {
		t.Errorf("unexpected supported kinds %v", broker.SupportedKinds(a))
	}
}

const scripMaster = `[
 {"token":"2885","symbol":"RELIANCE-EQ","name":"RELIANCE","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"NSE","tick_size":"5.000000"},
 {"token":"9999","symbol":"RELIANCE-BE","name":"RELIANCE","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"NSE","tick_size":"5.000000"},
 {"token":"500325","symbol":"RELIANCE","name":"RELIANCE","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"bse","tick_size":"5.000000"},
 {"token":"35001","symbol":"NIFTY28MAR2422000CE","name":"NIFTY","expiry":"28MAR2024","strike":"2200000.000000","lotsize":"50","instrumenttype":"OPTIDX","exch_seg":"NFO","tick_size":"5.000000"},
 {"token":"1","symbol":"JUNK","name":"JUNK","exch_seg":"XX"},
 {"token":"","symbol":"NOTOKEN","name":"NOTOKEN","exch_seg":"NSE"}
]`

func TestParseScripMaster(t *testing.T) {
	list, err := ParseScripMaster([]byte(scripMaster))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("got %d instruments, want 4", len(list))
	}

	table := broker.NewInstrumentTable(list)

	eq, ok := table.Lookup("NSE:RELIANCE")
	if !ok || eq.Token != "2885" || eq.TradingSymbol != "RELIANCE-EQ" {
		t.Errorf("NSE equity should be keyed by name, got %+v", eq)
	}
	if !eq.TickSize.Equal(dec("0.05")) {
		t.Errorf("tick size = %s, want 0.05 rupees", eq.TickSize)
	}
	if _, ok := table.Lookup("NSE:RELIANCE-BE"); !ok {
		t.Errorf("non-EQ series should be keyed by trading symbol")
	}

	bse, ok := table.Lookup("BSE:RELIANCE")
	if !ok || bse.Token != "500325" {
		t.Errorf("lowercase exchange segment should be accepted, got %+v", bse)
	}

	opt, ok := table.Lookup("NFO:NIFTY28MAR2422000CE")
	if !ok {
		t.Fatal("option not indexed")
	}
	if !opt.Strike.Equal(dec("22000")) || opt.LotSize != 50 {
		t.Errorf("unexpected option row %+v", opt)
	}
	wantExpiry := time.Date(2024, 3, 27, 18, 30, 0, 0, time.UTC)
	if opt.Expiry == nil || !opt.Expiry.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", opt.Expiry, wantExpiry)
	}
}

func TestParseScripMaster_Malformed(t *testing.T) {
	if _, err := ParseScripMaster([]byte(`{"not":"a list"}`)); !fault.Is(err, fault.ParseError) {
		t.Errorf("expected PARSE_ERROR, got %v", err)
	}
}

func TestAdapter_RecordsUseCanonicalInstrumentID(t *testing.T) {
	a := newTestAdapter()
	start := time.Date(2024, 3, 1, 3, 45, 0, 0, time.UTC)
	quote := &domain.Quote{
		LastPrice: dec("2945.35"),
		Open:      dec("2931"),
		High:      dec("2951.9"),
		Low:       dec("2925.05"),
		PrevClose: dec("2930.1"),
		Volume:    10,
		Timestamp: start,
	}
	bars := []domain.Bar{{Time: start, Open: dec("1"), High: dec("1"), Low: dec("1"), Close: dec("1"), Volume: 1}}

	tests := []struct {
		name string
		q    domain.Query
		body []byte
	}{
		{"quote", domain.Query{InstrumentID: "nse:reliance", Kind: domain.KindQuote}, encodeQuote(t, quote)},
		{"candles", domain.Query{
			InstrumentID: "Nse:Reliance",
			Kind:         domain.KindHistoricalBar,
			Range:        &domain.TimeRange{Start: start, End: start.Add(time.Hour)},
		}, encodeCandles(t, bars)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := a.ParseResponse(tt.q, &provider.Response{StatusCode: 200, Body: tt.body})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var id string
			switch r := rec.(type) {
			case *domain.Quote:
				id = r.InstrumentID
			case *domain.BarSeries:
				id = r.InstrumentID
			}
			if id != "NSE:RELIANCE" {
				t.Errorf("instrument id = %q, want NSE:RELIANCE", id)
			}
		})
	}
}
