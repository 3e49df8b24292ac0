package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
)

var (
	// ErrFailedQueryNotFound is returned when a journal entry doesn't exist
	ErrFailedQueryNotFound = errors.New("failed query not found")
)

// DefaultListLimit caps List results when the filter sets no limit.
const DefaultListLimit = 100

// FailedQueryFilter narrows journal listings. Zero fields match everything.
type FailedQueryFilter struct {
	Broker    domain.BrokerID
	ErrorKind string
	Since     time.Time
	Limit     int
}

// EffectiveLimit returns Limit or DefaultListLimit when unset.
func (f FailedQueryFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Matches reports whether fq passes the broker, kind and time filters.
func (f FailedQueryFilter) Matches(fq *domain.FailedQuery) bool {
	if f.Broker != "" && fq.Broker != f.Broker {
		return false
	}
	if f.ErrorKind != "" && fq.ErrorKind != f.ErrorKind {
		return false
	}
	if !f.Since.IsZero() && fq.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// FailedQueryRepository is the journal of queries that ended in a terminal error
type FailedQueryRepository interface {
	// Add records a failed query
	Add(ctx context.Context, fq *domain.FailedQuery) error

	// Get retrieves an entry by id
	Get(ctx context.Context, id string) (*domain.FailedQuery, error)

	// List returns matching entries, newest first
	List(ctx context.Context, filter FailedQueryFilter) ([]*domain.FailedQuery, error)

	// Count returns the number of entries for a broker (all brokers when empty)
	Count(ctx context.Context, broker domain.BrokerID) (int, error)

	// Prune deletes entries created before the cutoff
	Prune(ctx context.Context, before time.Time) (int, error)
}
