package control

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/vietddude/brokerdata/internal/core/config"
	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
)

const scripMaster = `[
 {"token":"2885","symbol":"RELIANCE-EQ","name":"RELIANCE","lotsize":"1","exch_seg":"NSE","tick_size":"5.000000"},
 {"token":"500325","symbol":"RELIANCE","name":"RELIANCE","lotsize":"1","exch_seg":"BSE","tick_size":"5.000000"},
 {"token":"35001","symbol":"NIFTY28MAR2422000CE","name":"NIFTY","expiry":"28MAR2024","strike":"2200000","lotsize":"50","instrumenttype":"OPTIDX","exch_seg":"NFO","tick_size":"5.000000"}
]`

const quoteBody = `{"status":true,"message":"SUCCESS","errorcode":"","data":{"fetched":[
 {"exchange":"NSE","tradingSymbol":"RELIANCE-EQ","symbolToken":"2885","ltp":2950.55,"open":2931,"high":2961.2,"low":2925.1,"close":2940,"tradeVolume":123456,"exchFeedTime":"01-Mar-2024 13:02:05"}
],"unfetched":[]}}`

// fakeTransport answers by request name and counts calls.
type fakeTransport struct {
	mu        sync.Mutex
	calls     map[string]int
	responses map[string]*provider.Response
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls: make(map[string]int),
		responses: map[string]*provider.Response{
			"instruments": {StatusCode: http.StatusOK, Body: []byte(scripMaster)},
			"quote":       {StatusCode: http.StatusOK, Body: []byte(quoteBody)},
		},
	}
}

func (f *fakeTransport) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Name]++
	resp, ok := f.responses[req.Name]
	if !ok || resp.StatusCode >= 300 {
		code := http.StatusNotFound
		if ok {
			code = resp.StatusCode
		}
		return nil, &provider.StatusError{Broker: req.Broker, StatusCode: code}
	}
	return resp, nil
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func newTestService(t *testing.T, yaml string, tr provider.Transport) *Service {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	svc, err := NewService(context.Background(), cfg, WithTransport(tr))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

const angelOneConfig = `
retry:
  max_attempts: 2
  initial_delay: 1ms
  max_delay: 1ms
brokers:
  - id: angelone
    exchanges: [NSE, BSE]
    credentials:
      api_key: key
      access_token: jwt
`

func TestService_LoadsInstrumentsAndServesQuotes(t *testing.T) {
	tr := newFakeTransport()
	svc := newTestService(t, angelOneConfig, tr)

	if got := svc.InstrumentCounts()[domain.BrokerAngelOne]; got != 2 {
		t.Errorf("instruments = %d, want 2 after exchange filter", got)
	}

	if svc.Budget().GetUsage(domain.BrokerAngelOne).TotalCalls != 0 {
		t.Errorf("startup instrument download should not count against the request budget")
	}

	q, err := svc.Client().Quote(context.Background(), "NSE:RELIANCE")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Broker != domain.BrokerAngelOne || q.LastPrice.String() != "2950.55" {
		t.Errorf("unexpected quote %+v", q)
	}

	meta, err := svc.Client().Instrument(context.Background(), "BSE:RELIANCE")
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if meta.Token != "500325" {
		t.Errorf("token = %s, want 500325", meta.Token)
	}

}

func TestService_JournalsFailures(t *testing.T) {
	svc := newTestService(t, angelOneConfig, newFakeTransport())
	ctx := context.Background()

	_, err := svc.Client().Quote(ctx, "NSE:UNLISTED")
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	if svc.Journal() == nil {
		t.Fatal("memory journal expected by default")
	}
	n, err := svc.Journal().Count(ctx, domain.BrokerAngelOne)
	if err != nil || n != 1 {
		t.Errorf("journal count = %d (%v), want 1", n, err)
	}
}

func TestService_InstrumentFailureDegrades(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["instruments"] = &provider.Response{StatusCode: http.StatusForbidden}
	svc := newTestService(t, angelOneConfig, tr)

	if got := svc.InstrumentCounts()[domain.BrokerAngelOne]; got != 0 {
		t.Errorf("instruments = %d, want 0", got)
	}
	if tr.count("instruments") != 1 {
		t.Errorf("client errors should not be retried, downloads = %d", tr.count("instruments"))
	}

	_, err := svc.Client().Quote(context.Background(), "NSE:RELIANCE")
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NOT_FOUND without a token table, got %v", err)
	}
}

func TestService_BudgetRefusesOverQuota(t *testing.T) {
	tr := newFakeTransport()
	svc := newTestService(t, angelOneConfig+`    budget:
      daily_quota: 1
`, tr)
	ctx := context.Background()

	if _, err := svc.Client().Quote(ctx, "NSE:RELIANCE"); err != nil {
		t.Fatalf("first quote: %v", err)
	}
	_, err := svc.Client().Quote(ctx, "NSE:RELIANCE")
	var ce *routing.CallError
	if !errors.As(err, &ce) || ce.Kind() != fault.RateLimited {
		t.Fatalf("expected RATE_LIMITED call error, got %v", err)
	}
	if len(ce.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(ce.Attempts))
	}
	if tr.count("quote") != 1 {
		t.Errorf("refused quotes reached the transport, calls = %d", tr.count("quote"))
	}
}

func TestService_BrokerRetryOverride(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["quote"] = &provider.Response{StatusCode: http.StatusServiceUnavailable}
	svc := newTestService(t, angelOneConfig+`    retry:
      max_attempts: 1
`, tr)

	_, err := svc.Client().Quote(context.Background(), "NSE:RELIANCE")
	if !fault.Is(err, fault.ServerError) {
		t.Fatalf("expected SERVER_ERROR, got %v", err)
	}
	if tr.count("quote") != 1 {
		t.Errorf("broker policy should allow one attempt, got %d", tr.count("quote"))
	}
}

func TestService_BrokerRetryOverrideInheritsGlobal(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["quote"] = &provider.Response{StatusCode: http.StatusServiceUnavailable}
	svc := newTestService(t, `
retry:
  max_attempts: 2
  initial_delay: 1ms
  max_delay: 1ms
  retryable_kinds: [RATE_LIMITED]
brokers:
  - id: angelone
    credentials:
      api_key: key
      access_token: jwt
    retry:
      max_attempts: 4
`, tr)

	_, err := svc.Client().Quote(context.Background(), "NSE:RELIANCE")
	if !fault.Is(err, fault.ServerError) {
		t.Fatalf("expected SERVER_ERROR, got %v", err)
	}
	if tr.count("quote") != 1 {
		t.Errorf("globally non-retryable kind should stop after one attempt, got %d", tr.count("quote"))
	}
}

func TestService_NoBrokers(t *testing.T) {
	svc := newTestService(t, "journal:\n  backend: none\n", newFakeTransport())

	if svc.Journal() != nil {
		t.Errorf("journal should be disabled")
	}
	_, err := svc.Client().Quote(context.Background(), "NSE:RELIANCE")
	if !fault.Is(err, fault.BadRequest) {
		t.Errorf("expected routing failure, got %v", err)
	}
	if err := svc.Health(context.Background()); err != nil {
		t.Errorf("health without stores should pass: %v", err)
	}
}
