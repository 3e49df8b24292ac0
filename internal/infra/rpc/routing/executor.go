package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

// Attempt is the diagnostic entry kept for one attempt of a call.
type Attempt struct {
	Number int           `json:"number"`
	Kind   fault.Kind    `json:"kind"`
	Cause  string        `json:"cause"`
	Delay  time.Duration `json:"delay"`
	// Latency is zero for attempts that never reached the transport.
	Latency time.Duration `json:"latency"`
}

// CallError is the terminal error of a call. It unwraps to the final
// classified error, so fault.KindOf works on it directly.
type CallError struct {
	CallID   string
	Broker   domain.BrokerID
	Query    domain.Query
	Attempts []Attempt
	Err      *fault.Error
}

func (e *CallError) Error() string {
	broker := string(e.Broker)
	if broker == "" {
		broker = "unrouted"
	}
	return fmt.Sprintf("%s %s %s failed after %d attempt(s): %v",
		broker, e.Query.Kind, e.Query.InstrumentID, len(e.Attempts), e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Kind returns the kind of the final error.
func (e *CallError) Kind() fault.Kind {
	if e.Err == nil {
		return fault.Unknown
	}
	return e.Err.Kind
}

// AsCallError extracts a CallError from err.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver sets the sink that receives every attempt record.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithBrokerPolicy overrides the retry policy for one broker.
func WithBrokerPolicy(id domain.BrokerID, p *Policy) ExecutorOption {
	return func(e *Executor) {
		if p != nil {
			e.brokerPolicies[id] = p
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSleep replaces the backoff sleep. The function must return ctx.Err()
// when ctx is done before d elapses.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithClock replaces the clock used for deadline checks and latency.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor drives one logical call through build, send, parse and the retry
// loop. It holds no per-call state and is safe for concurrent use.
type Executor struct {
	transport      provider.Transport
	policy         *Policy
	brokerPolicies map[domain.BrokerID]*Policy
	observer       Observer
	log            *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
}

// NewExecutor creates an executor. A nil policy uses DefaultRetryConfig.
func NewExecutor(transport provider.Transport, policy *Policy, opts ...ExecutorOption) *Executor {
	if policy == nil {
		policy = NewPolicy(DefaultRetryConfig)
	}
	e := &Executor{
		transport:      transport,
		policy:         policy,
		brokerPolicies: make(map[domain.BrokerID]*Policy),
		observer:       nopObserver{},
		log:            slog.Default(),
		sleep:          sleepContext,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PolicyFor returns the policy applied to calls on broker id.
func (e *Executor) PolicyFor(id domain.BrokerID) *Policy {
	if p, ok := e.brokerPolicies[id]; ok {
		return p
	}
	return e.policy
}

// Observer returns the attempt sink.
func (e *Executor) Observer() Observer {
	return e.observer
}

// Execute runs q against adapter a. On failure the error is a *CallError
// carrying every attempt.
func (e *Executor) Execute(ctx context.Context, a broker.Adapter, q domain.Query) (domain.Record, error) {
	c := &call{
		Executor: e,
		id:       uuid.NewString(),
		adapter:  a,
		query:    q,
		policy:   e.PolicyFor(a.ID()),
	}
	return c.run(ctx)
}

// call is the state of one Execute invocation.
type call struct {
	*Executor
	id      string
	adapter broker.Adapter
	query   domain.Query
	policy  *Policy
	history []Attempt
}

func (c *call) run(ctx context.Context) (domain.Record, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, c.cancel(attempt-1, fault.Wrap(fault.Canceled, err, "call canceled"))
		}

		// Rebuilt on every attempt so refreshed credentials are picked up.
		req, err := c.adapter.BuildRequest(c.query)
		if err != nil {
			return nil, c.fail(attempt, Classify(err), 0)
		}

		start := c.now()
		rec, fe := c.attempt(ctx, req)
		latency := c.now().Sub(start)

		if fe == nil {
			c.history = append(c.history, Attempt{Number: attempt, Latency: latency})
			c.observer.ObserveAttempt(c.record(attempt, "", 0, latency, true, nil))
			return rec, nil
		}

		if ctx.Err() != nil && fe.Kind != fault.Canceled {
			fe = fault.Wrap(fault.Canceled, fe, "call canceled")
		}

		decision := c.policy.Next(attempt, fe)
		if !decision.Retry {
			return nil, c.fail(attempt, decision.Err, latency)
		}

		c.appendAttempt(attempt, fe, decision.Delay, latency)

		if deadline, ok := ctx.Deadline(); ok && c.now().Add(decision.Delay).After(deadline) {
			c.log.Debug("Deadline falls inside backoff, giving up",
				"call_id", c.id, "broker", c.adapter.ID(), "delay", decision.Delay)
			return nil, c.cancel(attempt,
				fault.Wrap(fault.Canceled, context.DeadlineExceeded, "deadline exceeded before retry"))
		}

		c.observer.ObserveAttempt(c.record(attempt, fe.Kind, decision.Delay, latency, false, fe))

		if err := c.sleep(ctx, decision.Delay); err != nil {
			return nil, c.cancel(attempt, fault.Wrap(fault.Canceled, err, "canceled during backoff"))
		}
	}
}

// attempt performs one send and parse.
func (c *call) attempt(ctx context.Context, req provider.Request) (domain.Record, *fault.Error) {
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, c.classify(err)
	}

	rec, err := c.adapter.ParseResponse(c.query, resp)
	if err != nil {
		return nil, Classify(err)
	}
	if rec == nil {
		return nil, fault.New(fault.ParseError, "adapter returned no record")
	}
	return rec, nil
}

// classify lets the adapter interpret its own error bodies before falling
// back to the generic rules.
func (c *call) classify(err error) *fault.Error {
	var se *provider.StatusError
	if t, ok := c.adapter.(broker.ErrorTranslator); ok && errors.As(err, &se) {
		if fe := t.TranslateError(se); fe != nil {
			if fe.Kind == fault.RateLimited && fe.RetryAfter == 0 {
				if generic := Classify(err); generic.Kind == fault.RateLimited {
					return fe.WithRetryAfter(generic.RetryAfter)
				}
			}
			return fe
		}
	}
	return Classify(err)
}

func (c *call) appendAttempt(n int, fe *fault.Error, delay, latency time.Duration) {
	c.history = append(c.history, Attempt{
		Number:  n,
		Kind:    fe.Kind,
		Cause:   fe.Error(),
		Delay:   delay,
		Latency: latency,
	})
}

// fail records fe as attempt n and closes the call.
func (c *call) fail(n int, fe *fault.Error, latency time.Duration) error {
	if fe == nil {
		fe = fault.New(fault.Unknown, "call failed without a cause")
	}
	c.appendAttempt(n, fe, 0, latency)
	c.observer.ObserveAttempt(c.record(n, fe.Kind, 0, latency, true, fe))
	return c.terminate(fe)
}

// cancel closes the call after attempt n without adding a history entry,
// unless nothing was attempted yet.
func (c *call) cancel(n int, fe *fault.Error) error {
	if len(c.history) == 0 {
		return c.fail(1, fe, 0)
	}
	c.observer.ObserveAttempt(c.record(n, fe.Kind, 0, 0, true, fe))
	return c.terminate(fe)
}

func (c *call) terminate(fe *fault.Error) error {
	return &CallError{
		CallID:   c.id,
		Broker:   c.adapter.ID(),
		Query:    c.query,
		Attempts: c.history,
		Err:      fe,
	}
}

func (c *call) record(n int, kind fault.Kind, delay, latency time.Duration, final bool, err error) AttemptRecord {
	return AttemptRecord{
		CallID:       c.id,
		Broker:       c.adapter.ID(),
		QueryKind:    c.query.Kind,
		InstrumentID: c.query.InstrumentID,
		Attempt:      n,
		Outcome:      kind,
		Delay:        delay,
		Latency:      latency,
		Final:        final,
		Err:          err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
