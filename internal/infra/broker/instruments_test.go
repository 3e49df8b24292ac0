package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
}

func (c *memCache) GetInstruments(_ context.Context, broker string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[broker]
	return v, ok, nil
}

func (c *memCache) SetInstruments(_ context.Context, broker string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[broker] = payload
	c.ttl = ttl
	return nil
}

// parseLines treats each line "EXCH,SYMBOL,TOKEN" as an instrument.
func parseLines(payload []byte) ([]Instrument, error) {
	var out []Instrument
	for _, line := range strings.Split(strings.TrimSpace(string(payload)), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, errors.New("bad line")
		}
		out = append(out, Instrument{Exchange: domain.Exchange(parts[0]), Symbol: parts[1], Token: parts[2]})
	}
	return out, nil
}

func testSource() InstrumentSource {
	return InstrumentSource{
		Broker:  "fake",
		Request: provider.Request{Broker: "fake", Name: "instruments", URL: "http://example.invalid/master"},
		Parse:   parseLines,
	}
}

var fastLoader = LoaderConfig{TTL: time.Hour, MaxRetries: 3, InitialBackoff: time.Millisecond}

func TestInstrumentTable_FirstDuplicateWins(t *testing.T) {
	table := NewInstrumentTable([]Instrument{
		{Exchange: domain.ExchangeNSE, Symbol: "RELIANCE", Token: "2885"},
		{Exchange: domain.ExchangeNSE, Symbol: "RELIANCE", Token: "9999"},
		{Exchange: domain.ExchangeBSE, Symbol: "RELIANCE", Token: "500325"},
	})

	if table.Len() != 2 {
		t.Fatalf("expected 2 instruments, got %d", table.Len())
	}
	inst, ok := table.Lookup("nse:reliance")
	if !ok || inst.Token != "2885" {
		t.Errorf("expected first NSE row, got %+v ok=%v", inst, ok)
	}
	if _, ok := table.Lookup("NSE:TCS"); ok {
		t.Errorf("unexpected hit for missing instrument")
	}

	var nilTable *InstrumentTable
	if _, ok := nilTable.Lookup("NSE:RELIANCE"); ok || nilTable.Len() != 0 {
		t.Errorf("nil table should be empty")
	}
}

func TestLoadInstruments_DownloadsAndCaches(t *testing.T) {
	calls := 0
	tr := provider.TransportFunc(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		if calls == 1 {
			return nil, &provider.StatusError{StatusCode: 503}
		}
		return &provider.Response{StatusCode: 200, Body: []byte("NSE,INFY,1594\nNSE,TCS,11536\n")}, nil
	})
	cache := &memCache{}

	table, err := LoadInstruments(context.Background(), tr, cache, testSource(), fastLoader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected one retry, got %d calls", calls)
	}
	if table.Len() != 2 {
		t.Errorf("expected 2 instruments, got %d", table.Len())
	}
	if _, ok := cache.data["fake"]; !ok || cache.ttl != time.Hour {
		t.Errorf("expected payload cached with ttl, got ttl %v", cache.ttl)
	}

	// Second load is served from cache.
	if _, err := LoadInstruments(context.Background(), tr, cache, testSource(), fastLoader); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected cache hit, transport called %d times", calls)
	}
}

func TestLoadInstruments_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	tr := provider.TransportFunc(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		return nil, &provider.StatusError{StatusCode: 404}
	})

	_, err := LoadInstruments(context.Background(), tr, nil, testSource(), fastLoader)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestLoadInstruments_EmptyMaster(t *testing.T) {
	tr := provider.TransportFunc(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		return &provider.Response{StatusCode: 200, Body: []byte("  ")}, nil
	})
	src := testSource()
	src.Parse = func([]byte) ([]Instrument, error) { return nil, nil }

	_, err := LoadInstruments(context.Background(), tr, nil, src, fastLoader)
	if !errors.Is(err, ErrEmptyMaster) {
		t.Errorf("expected ErrEmptyMaster, got %v", err)
	}
}
