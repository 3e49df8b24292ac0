package budget

import (
	"context"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

// MaxRetryAfter is the longest wait a refusal suggests as retry-after. Longer
// waits (an exhausted daily quota) carry no hint.
const MaxRetryAfter = time.Minute

// Transport refuses requests that would exceed a broker's budget before they
// reach the network. Refusals are RATE_LIMITED.
type Transport struct {
	next    provider.Transport
	tracker *Tracker
}

// NewTransport wraps next with budget enforcement.
func NewTransport(next provider.Transport, tracker *Tracker) *Transport {
	return &Transport{next: next, tracker: tracker}
}

func (t *Transport) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	ok, wait := t.tracker.Reserve(domain.BrokerID(req.Broker), req.Name)
	if !ok {
		fe := fault.Newf(fault.RateLimited, "%s request budget exhausted, next slot in %s", req.Broker, wait.Round(time.Millisecond))
		if wait <= MaxRetryAfter {
			fe = fe.WithRetryAfter(wait)
		}
		return nil, fe
	}
	return t.next.Send(ctx, req)
}

// Tracker returns the budget tracker.
func (t *Transport) Tracker() *Tracker {
	return t.tracker
}
