package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPConfig holds connection pool settings for HTTPTransport.
type HTTPConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	UserAgent           string        `yaml:"user_agent"`
}

// DefaultHTTPConfig mirrors the pool sizing used for RPC providers.
var DefaultHTTPConfig = HTTPConfig{
	Timeout:             10 * time.Second,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	UserAgent:           "brokerdata/1.0",
}

// HTTPTransport implements Transport over a shared, pooled http.Client.
type HTTPTransport struct {
	httpClient *http.Client
	userAgent  string
	// timeout bounds requests that set no Timeout of their own
	timeout time.Duration

	mu       sync.RWMutex
	monitors map[string]*Monitor
}

// NewHTTPTransport creates a transport with its own connection pool.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig.Timeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = DefaultHTTPConfig.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultHTTPConfig.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = DefaultHTTPConfig.IdleConnTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultHTTPConfig.UserAgent
	}

	// No client-wide timeout: deadlines are set per request in Send so that
	// Request.Timeout can exceed cfg.Timeout.
	t := NewHTTPTransportWithClient(&http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
	}, cfg.UserAgent)
	t.timeout = cfg.Timeout
	return t
}

// NewHTTPTransportWithClient wraps an existing client, e.g. an httptest one.
func NewHTTPTransportWithClient(c *http.Client, userAgent string) *HTTPTransport {
	return &HTTPTransport{
		httpClient: c,
		userAgent:  userAgent,
		monitors:   make(map[string]*Monitor),
	}
}

// Send performs one HTTP round trip. Non-2xx responses are returned as *StatusError.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	mon := t.Monitor(req.Broker)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.FullURL(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		mon.RecordFailure()
		return nil, fmt.Errorf("%s %s: %w", req.Broker, req.Name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		mon.RecordFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusForbidden:
			mon.RecordThrottle(resp.StatusCode)
		default:
			mon.RecordFailure()
		}
		return nil, &StatusError{
			Broker:     req.Broker,
			StatusCode: resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
			Header:     resp.Header,
			Body:       payload,
		}
	}

	mon.RecordRequest(latency)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
		Latency:    latency,
	}, nil
}

// Monitor returns the monitor for a broker, creating it on first use.
func (t *HTTPTransport) Monitor(broker string) *Monitor {
	t.mu.RLock()
	m, ok := t.monitors[broker]
	t.mu.RUnlock()
	if ok {
		return m
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok = t.monitors[broker]; ok {
		return m
	}
	m = NewMonitor()
	t.monitors[broker] = m
	return m
}

// Stats returns a snapshot of every broker monitor.
func (t *HTTPTransport) Stats() map[string]MonitorStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]MonitorStats, len(t.monitors))
	for name, m := range t.monitors {
		out[name] = m.Stats()
	}
	return out
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}
