package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

// Instrument is one row of a broker's instrument master.
type Instrument struct {
	Exchange       domain.Exchange
	Symbol         string // canonical symbol used in instrument ids
	TradingSymbol  string // broker's own symbol, e.g. "RELIANCE-EQ"
	Token          string
	Name           string
	InstrumentType string
	LotSize        int64
	TickSize       decimal.Decimal
	Expiry         *time.Time
	Strike         decimal.Decimal
}

// ID returns the exchange-qualified instrument id.
func (i Instrument) ID() string {
	return domain.InstrumentID(i.Exchange, i.Symbol)
}

// Meta converts the row into a canonical metadata record.
func (i Instrument) Meta(b domain.BrokerID) *domain.InstrumentMeta {
	_, tz := i.Exchange.Location()
	return &domain.InstrumentMeta{
		InstrumentID:   i.ID(),
		Broker:         b,
		Exchange:       i.Exchange,
		Symbol:         i.Symbol,
		TradingSymbol:  i.TradingSymbol,
		Token:          i.Token,
		Name:           i.Name,
		InstrumentType: i.InstrumentType,
		LotSize:        i.LotSize,
		TickSize:       i.TickSize,
		Expiry:         i.Expiry,
		Strike:         i.Strike,
		ExchangeTZ:     tz,
	}
}

// InstrumentTable is a read-only index of instruments by id.
type InstrumentTable struct {
	byID map[string]Instrument
}

// NewInstrumentTable indexes list. When two rows share an id the first wins.
func NewInstrumentTable(list []Instrument) *InstrumentTable {
	t := &InstrumentTable{byID: make(map[string]Instrument, len(list))}
	for _, inst := range list {
		id := inst.ID()
		if _, dup := t.byID[id]; dup {
			continue
		}
		t.byID[id] = inst
	}
	return t
}

// Lookup finds an instrument by id ("NSE:RELIANCE"). Safe on a nil table.
func (t *InstrumentTable) Lookup(id string) (Instrument, bool) {
	if t == nil {
		return Instrument{}, false
	}
	exch, sym, err := domain.ParseInstrumentID(id)
	if err != nil {
		return Instrument{}, false
	}
	inst, ok := t.byID[domain.InstrumentID(exch, sym)]
	return inst, ok
}

// Len returns the number of indexed instruments.
func (t *InstrumentTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byID)
}

// InstrumentCache stores raw instrument master payloads between restarts.
type InstrumentCache interface {
	GetInstruments(ctx context.Context, broker string) ([]byte, bool, error)
	SetInstruments(ctx context.Context, broker string, payload []byte, ttl time.Duration) error
}

// InstrumentSource describes where a broker publishes its instrument master.
type InstrumentSource struct {
	Broker  domain.BrokerID
	Request provider.Request
	Parse   func(payload []byte) ([]Instrument, error)
}

// LoaderConfig controls instrument master downloads.
type LoaderConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	MaxRetries     uint64        `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// DefaultLoaderConfig caches masters for a day.
var DefaultLoaderConfig = LoaderConfig{
	TTL:            24 * time.Hour,
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
}

// ErrEmptyMaster is returned when a broker publishes no usable instruments.
var ErrEmptyMaster = errors.New("instrument master is empty")

// LoadInstruments returns the instrument table for src, preferring a cached
// payload and falling back to a download. A nil cache disables caching.
func LoadInstruments(
	ctx context.Context,
	t provider.Transport,
	cache InstrumentCache,
	src InstrumentSource,
	cfg LoaderConfig,
) (*InstrumentTable, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLoaderConfig.TTL
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultLoaderConfig.InitialBackoff
	}
	log := slog.With("broker", src.Broker)
	key := string(src.Broker)

	if cache != nil {
		payload, ok, err := cache.GetInstruments(ctx, key)
		switch {
		case err != nil:
			log.Warn("Instrument cache read failed", "error", err)
		case ok:
			list, err := src.Parse(payload)
			if err == nil && len(list) > 0 {
				log.Info("Loaded instruments from cache", "count", len(list))
				return NewInstrumentTable(list), nil
			}
			log.Warn("Discarding unusable cached instruments", "error", err)
		}
	}

	var payload []byte
	backoff := retry.WithMaxRetries(cfg.MaxRetries, retry.NewExponential(cfg.InitialBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := t.Send(ctx, src.Request)
		if err != nil {
			var se *provider.StatusError
			if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 &&
				se.StatusCode != 408 && se.StatusCode != 429 {
				return err
			}
			log.Warn("Instrument download failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		payload = resp.Body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s instruments: %w", src.Broker, err)
	}

	list, err := src.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s instruments: %w", src.Broker, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%s: %w", src.Broker, ErrEmptyMaster)
	}

	if cache != nil {
		if err := cache.SetInstruments(ctx, key, payload, cfg.TTL); err != nil {
			log.Warn("Instrument cache write failed", "error", err)
		}
	}

	log.Info("Downloaded instruments", "count", len(list))
	return NewInstrumentTable(list), nil
}
