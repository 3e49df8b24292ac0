// Package broker defines the capability set every broker adapter implements
// and the instrument master shared by adapters that address instruments by token.
package broker

import (
	"sync"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

// Adapter translates canonical queries into broker requests and broker
// payloads into canonical records. Adapters never perform I/O themselves.
type Adapter interface {
	// ID returns the broker identifier
	ID() domain.BrokerID

	// Supports reports whether the adapter can serve queries of kind
	Supports(kind domain.QueryKind) bool

	// BuildRequest translates q into a broker request. Unrepresentable
	// queries fail with BAD_REQUEST, unknown instruments with NOT_FOUND.
	BuildRequest(q domain.Query) (provider.Request, error)

	// ParseResponse normalizes a raw payload for q. Malformed payloads fail
	// with PARSE_ERROR; broker error envelopes map to their matching kind.
	ParseResponse(q domain.Query, raw *provider.Response) (domain.Record, error)
}

// ErrorTranslator is an optional interface for adapters that understand
// their broker's error bodies on non-2xx responses. A nil result defers to
// the generic classifier.
type ErrorTranslator interface {
	TranslateError(se *provider.StatusError) *fault.Error
}

// Credentials are the auth material an adapter stamps on requests.
type Credentials struct {
	APIKey      string
	AccessToken string
	ClientCode  string
}

// CredentialSource supplies current credentials. Adapters read it on every
// BuildRequest so a refreshed token is picked up by the next attempt.
type CredentialSource interface {
	Credentials() Credentials
}

// StaticCredentials is a CredentialSource that can be swapped atomically.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewStaticCredentials creates a credential holder.
func NewStaticCredentials(c Credentials) *StaticCredentials {
	return &StaticCredentials{creds: c}
}

func (s *StaticCredentials) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Update replaces the held credentials, e.g. after a session refresh.
func (s *StaticCredentials) Update(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c
}

// KindSet is an immutable set of query kinds.
type KindSet map[domain.QueryKind]bool

// NewKindSet returns capable narrowed to enabled. An empty enabled list keeps
// every capable kind.
func NewKindSet(capable []domain.QueryKind, enabled []domain.QueryKind) KindSet {
	set := make(KindSet, len(capable))
	for _, k := range capable {
		set[k] = true
	}
	if len(enabled) == 0 {
		return set
	}

	narrowed := make(KindSet, len(enabled))
	for _, k := range enabled {
		if set[k] {
			narrowed[k] = true
		}
	}
	return narrowed
}

// Has reports whether k is in the set.
func (s KindSet) Has(k domain.QueryKind) bool {
	return s[k]
}

// Kinds returns the members in canonical order.
func (s KindSet) Kinds() []domain.QueryKind {
	var out []domain.QueryKind
	for _, k := range domain.QueryKinds {
		if s[k] {
			out = append(out, k)
		}
	}
	return out
}

// SupportedKinds returns the kinds an adapter serves, in canonical order.
func SupportedKinds(a Adapter) []domain.QueryKind {
	var out []domain.QueryKind
	for _, k := range domain.QueryKinds {
		if a.Supports(k) {
			out = append(out, k)
		}
	}
	return out
}
