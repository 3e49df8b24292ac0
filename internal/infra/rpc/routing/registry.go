// Package routing handles broker selection, retry decisions and request execution.
//
// This package contains:
//   - Registry: immutable broker-to-adapter table with deterministic selection
//   - Policy: pure retry/backoff decision function
//   - Classify: total mapping from failures to the canonical taxonomy
//   - Executor: drives one logical call through the retry loop
//   - Observer: attempt diagnostics sinks
package routing

import (
	"fmt"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/broker"
)

// RegistryBuilder collects adapters during client construction.
type RegistryBuilder struct {
	order    []domain.BrokerID
	adapters map[domain.BrokerID]broker.Adapter
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{adapters: make(map[domain.BrokerID]broker.Adapter)}
}

// Register adds an adapter under id. Registration order decides default routing.
func (b *RegistryBuilder) Register(id domain.BrokerID, a broker.Adapter) error {
	if id == "" {
		return fmt.Errorf("broker id is required")
	}
	if a == nil {
		return fmt.Errorf("adapter for %s is nil", id)
	}
	if _, exists := b.adapters[id]; exists {
		return fmt.Errorf("broker %s already registered", id)
	}
	b.order = append(b.order, id)
	b.adapters[id] = a
	return nil
}

// Build returns an immutable registry. The builder may be discarded afterward.
func (b *RegistryBuilder) Build() *Registry {
	order := make([]domain.BrokerID, len(b.order))
	copy(order, b.order)
	adapters := make(map[domain.BrokerID]broker.Adapter, len(b.adapters))
	for id, a := range b.adapters {
		adapters[id] = a
	}
	return &Registry{order: order, adapters: adapters}
}

// Registry is a read-only broker lookup table, safe for concurrent reads.
type Registry struct {
	order    []domain.BrokerID
	adapters map[domain.BrokerID]broker.Adapter
}

// Lookup returns the adapter registered under id.
func (r *Registry) Lookup(id domain.BrokerID) (broker.Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns broker ids in registration order.
func (r *Registry) IDs() []domain.BrokerID {
	out := make([]domain.BrokerID, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered brokers.
func (r *Registry) Len() int {
	return len(r.order)
}

// Resolve picks the adapter for q. A hint forces the choice; otherwise the
// first adapter in registration order that supports the kind wins.
func (r *Registry) Resolve(q domain.Query) (broker.Adapter, error) {
	if q.BrokerHint != "" {
		a, ok := r.adapters[q.BrokerHint]
		if !ok {
			return nil, fault.Newf(fault.BadRequest, "unknown broker %q", q.BrokerHint)
		}
		if !a.Supports(q.Kind) {
			return nil, fault.Newf(fault.BadRequest, "broker %s does not support %s", q.BrokerHint, q.Kind)
		}
		return a, nil
	}

	for _, id := range r.order {
		if a := r.adapters[id]; a.Supports(q.Kind) {
			return a, nil
		}
	}
	return nil, fault.Newf(fault.BadRequest, "no registered broker supports %s", q.Kind)
}
