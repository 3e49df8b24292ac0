// Package rpc provides a unified, resilient client for stock-market data
// across brokers.
//
// This package offers:
//   - Broker-agnostic queries (quotes, historical bars, instrument metadata)
//   - Deterministic broker routing with optional hints
//   - Classified failures with bounded, configurable retries
//   - Per-attempt diagnostics and a failed-query journal
//
// # Quick Start
//
//	import "github.com/vietddude/brokerdata/internal/infra/rpc"
//
//	// Setup
//	transport := rpc.NewHTTPTransport(rpc.DefaultHTTPConfig)
//	builder := rpc.NewRegistryBuilder()
//	builder.Register(domain.BrokerAngelOne, angelone.NewAdapter(cfg, creds, instruments))
//	executor := rpc.NewExecutor(transport, rpc.NewPolicy(rpc.DefaultRetryConfig))
//
//	// Create client
//	client := rpc.NewClient(builder.Build(), executor)
//
//	// Make calls
//	quote, err := client.Quote(ctx, "NSE:RELIANCE")
//
// # Package Structure
//
//   - provider/ - HTTP transport and per-broker health monitoring
//   - routing/  - Registry, retry policy, error classification, executor
//
// Most types are re-exported at the root level for convenience.
package rpc

import (
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
)

// =============================================================================
// Re-exported types from provider package
// =============================================================================

// Transport sends broker requests.
type Transport = provider.Transport

// Request is a broker-specific request descriptor.
type Request = provider.Request

// Response is a raw broker response.
type Response = provider.Response

// HTTPTransport implements Transport over a pooled http.Client.
type HTTPTransport = provider.HTTPTransport

// HTTPConfig holds transport settings.
type HTTPConfig = provider.HTTPConfig

// MonitorStats holds monitoring statistics for a broker.
type MonitorStats = provider.MonitorStats

// DefaultHTTPConfig provides sensible transport defaults.
var DefaultHTTPConfig = provider.DefaultHTTPConfig

// NewHTTPTransport creates the production transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	return provider.NewHTTPTransport(cfg)
}

// =============================================================================
// Re-exported types from routing package
// =============================================================================

// Registry is the immutable broker lookup table.
type Registry = routing.Registry

// RegistryBuilder collects adapters before the registry is frozen.
type RegistryBuilder = routing.RegistryBuilder

// Executor runs calls through the retry loop.
type Executor = routing.Executor

// Policy is the retry decision function.
type Policy = routing.Policy

// RetryConfig defines retry behavior.
type RetryConfig = routing.RetryConfig

// CallError is the terminal error of a call.
type CallError = routing.CallError

// Attempt is one entry of a call's attempt history.
type Attempt = routing.Attempt

// DefaultRetryConfig provides sensible retry defaults.
var DefaultRetryConfig = routing.DefaultRetryConfig

// NewRegistryBuilder creates an empty registry builder.
func NewRegistryBuilder() *RegistryBuilder {
	return routing.NewRegistryBuilder()
}

// NewPolicy creates a retry policy.
func NewPolicy(cfg RetryConfig) *Policy {
	return routing.NewPolicy(cfg)
}

// NewExecutor creates an executor over transport.
func NewExecutor(transport Transport, policy *Policy, opts ...routing.ExecutorOption) *Executor {
	return routing.NewExecutor(transport, policy, opts...)
}
