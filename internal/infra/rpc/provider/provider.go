// Package provider implements the transport that carries broker requests.
//
// This package contains:
//   - Transport interface: sends a broker request and returns the raw response
//   - HTTPTransport: pooled HTTP implementation shared by every broker
//   - Monitor: per-broker latency and throttle tracking
//   - StatusError: non-2xx responses surfaced as errors for classification
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Request is a broker-specific request descriptor produced by an adapter.
type Request struct {
	// Broker identifies the broker the request is addressed to (for monitoring)
	Broker string

	// Name identifies the operation (e.g., "quote", "candles", "instruments")
	Name string

	// Method is the HTTP method; empty means GET
	Method string

	// URL is the absolute endpoint without query string
	URL string

	// Query parameters appended to URL
	Query url.Values

	// Header carries auth and content negotiation headers
	Header http.Header

	// Body is the encoded request payload, nil for none
	Body []byte

	// Timeout overrides the transport timeout for this request when positive.
	// Bulk downloads such as instrument dumps need longer than quotes.
	Timeout time.Duration
}

// FullURL returns URL with the encoded query string.
func (r Request) FullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	return r.URL + "?" + r.Query.Encode()
}

// Response is the raw broker payload for a single attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Transport performs a single network attempt. Implementations must be safe
// for concurrent use.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Send(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Broker     string
	StatusCode int
	RetryAfter string // raw Retry-After header value
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, body)
}
