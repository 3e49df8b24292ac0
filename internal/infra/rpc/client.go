package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
)

const journalTimeout = 5 * time.Second

// FailureJournal persists terminal call failures.
type FailureJournal interface {
	Add(ctx context.Context, fq *domain.FailedQuery) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithFailureJournal records every terminal failure except caller cancellation.
func WithFailureJournal(j FailureJournal) ClientOption {
	return func(c *Client) {
		c.journal = j
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client is the broker-agnostic entry point. It resolves an adapter for each
// query and hands it to the executor, which owns the shared transport.
type Client struct {
	registry *routing.Registry
	executor *routing.Executor
	journal  FailureJournal
	log      *slog.Logger
	now      func() time.Time
}

// NewClient creates a client over an immutable registry.
func NewClient(registry *routing.Registry, executor *routing.Executor, opts ...ClientOption) *Client {
	c := &Client{
		registry: registry,
		executor: executor,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query validates q, routes it and executes it. Every failure is a
// *routing.CallError carrying the attempt history.
func (c *Client) Query(ctx context.Context, q domain.Query) (domain.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, c.reject(ctx, q, "", err)
	}

	a, err := c.registry.Resolve(q)
	if err != nil {
		return nil, c.reject(ctx, q, q.BrokerHint, err)
	}

	rec, err := c.executor.Execute(ctx, a, q)
	if err != nil {
		c.record(ctx, err)
		return nil, err
	}
	return rec, nil
}

// Quote fetches the latest quote for an instrument id.
func (c *Client) Quote(ctx context.Context, instrumentID string) (*domain.Quote, error) {
	rec, err := c.Query(ctx, domain.Query{InstrumentID: instrumentID, Kind: domain.KindQuote})
	if err != nil {
		return nil, err
	}
	return asRecord[*domain.Quote](rec)
}

// Bars fetches historical bars in [from, to] at interval.
func (c *Client) Bars(
	ctx context.Context,
	instrumentID string,
	from, to time.Time,
	interval domain.BarInterval,
) (*domain.BarSeries, error) {
	rec, err := c.Query(ctx, domain.Query{
		InstrumentID: instrumentID,
		Kind:         domain.KindHistoricalBar,
		Range:        &domain.TimeRange{Start: from, End: to},
		Interval:     interval,
	})
	if err != nil {
		return nil, err
	}
	return asRecord[*domain.BarSeries](rec)
}

// Instrument fetches instrument metadata.
func (c *Client) Instrument(ctx context.Context, instrumentID string) (*domain.InstrumentMeta, error) {
	rec, err := c.Query(ctx, domain.Query{InstrumentID: instrumentID, Kind: domain.KindInstrumentMeta})
	if err != nil {
		return nil, err
	}
	return asRecord[*domain.InstrumentMeta](rec)
}

// Result is the outcome of one query in a batch.
type Result struct {
	Query  domain.Query
	Record domain.Record
	Err    error
}

// QueryMany runs queries concurrently, at most limit at a time (unbounded
// when limit <= 0). Results are in input order; one failure does not cancel
// the others.
func (c *Client) QueryMany(ctx context.Context, qs []domain.Query, limit int) []Result {
	results := make([]Result, len(qs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, q := range qs {
		g.Go(func() error {
			rec, err := c.Query(ctx, q)
			results[i] = Result{Query: q, Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// BrokerInfo describes a registered broker.
type BrokerInfo struct {
	ID          domain.BrokerID    `json:"id"`
	Kinds       []domain.QueryKind `json:"kinds"`
	MaxAttempts int                `json:"max_attempts"`
}

// Brokers lists registered brokers in routing order.
func (c *Client) Brokers() []BrokerInfo {
	ids := c.registry.IDs()
	out := make([]BrokerInfo, 0, len(ids))
	for _, id := range ids {
		a, _ := c.registry.Lookup(id)
		out = append(out, BrokerInfo{
			ID:          id,
			Kinds:       broker.SupportedKinds(a),
			MaxAttempts: c.executor.PolicyFor(id).MaxAttempts(),
		})
	}
	return out
}

// reject turns a validation or routing failure into a single-attempt CallError.
func (c *Client) reject(ctx context.Context, q domain.Query, b domain.BrokerID, err error) error {
	fe := routing.Classify(err)
	callErr := &routing.CallError{
		CallID: uuid.NewString(),
		Broker: b,
		Query:  q,
		Attempts: []routing.Attempt{{
			Number: 1,
			Kind:   fe.Kind,
			Cause:  fe.Error(),
		}},
		Err: fe,
	}

	c.executor.Observer().ObserveAttempt(routing.AttemptRecord{
		CallID:       callErr.CallID,
		Broker:       b,
		QueryKind:    q.Kind,
		InstrumentID: q.InstrumentID,
		Attempt:      1,
		Outcome:      fe.Kind,
		Final:        true,
		Err:          fe,
	})

	c.record(ctx, callErr)
	return callErr
}

// record writes a terminal failure to the journal. Journal errors are logged,
// never returned to the caller.
func (c *Client) record(ctx context.Context, err error) {
	if c.journal == nil {
		return
	}
	ce, ok := routing.AsCallError(err)
	if !ok || ce.Kind() == fault.Canceled {
		return
	}

	fq := FailedQueryFrom(ce, c.now())
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	if err := c.journal.Add(jctx, fq); err != nil {
		c.log.Warn("Failed to journal failed query",
			"call_id", ce.CallID, "broker", ce.Broker, "error", err)
	}
}

// FailedQueryFrom converts a terminal call error into a journal entry.
func FailedQueryFrom(ce *routing.CallError, at time.Time) *domain.FailedQuery {
	attempts := make([]domain.AttemptEntry, 0, len(ce.Attempts))
	for _, a := range ce.Attempts {
		attempts = append(attempts, domain.AttemptEntry{
			Number:  a.Number,
			Kind:    string(a.Kind),
			Cause:   a.Cause,
			Delay:   a.Delay,
			Latency: a.Latency,
		})
	}

	msg := ""
	if ce.Err != nil {
		msg = ce.Err.Error()
	}

	return &domain.FailedQuery{
		ID:           uuid.NewString(),
		CallID:       ce.CallID,
		Broker:       ce.Broker,
		InstrumentID: ce.Query.InstrumentID,
		Kind:         ce.Query.Kind,
		ErrorKind:    string(ce.Kind()),
		Error:        msg,
		Attempts:     attempts,
		CreatedAt:    at.UTC(),
	}
}

func asRecord[T domain.Record](rec domain.Record) (T, error) {
	typed, ok := rec.(T)
	if !ok {
		var zero T
		return zero, fault.New(fault.ParseError, fmt.Sprintf("unexpected record type %T", rec))
	}
	return typed, nil
}
