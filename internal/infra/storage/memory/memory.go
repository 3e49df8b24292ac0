package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/storage"
)

// FailedQueryRepo is an in-process journal used when no database is configured.
type FailedQueryRepo struct {
	mu      sync.RWMutex
	entries map[string]*domain.FailedQuery
	// capacity bounds the journal; oldest entries are evicted first
	capacity int
}

// NewFailedQueryRepo creates a journal holding at most capacity entries
// (unbounded when capacity <= 0).
func NewFailedQueryRepo(capacity int) *FailedQueryRepo {
	return &FailedQueryRepo{
		entries:  make(map[string]*domain.FailedQuery),
		capacity: capacity,
	}
}

func (r *FailedQueryRepo) Add(ctx context.Context, fq *domain.FailedQuery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *fq
	r.entries[fq.ID] = &cp

	if r.capacity > 0 && len(r.entries) > r.capacity {
		r.evictLocked(len(r.entries) - r.capacity)
	}
	return nil
}

func (r *FailedQueryRepo) Get(ctx context.Context, id string) (*domain.FailedQuery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fq, ok := r.entries[id]
	if !ok {
		return nil, storage.ErrFailedQueryNotFound
	}
	cp := *fq
	return &cp, nil
}

func (r *FailedQueryRepo) List(ctx context.Context, filter storage.FailedQueryFilter) ([]*domain.FailedQuery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.FailedQuery
	for _, fq := range r.sortedLocked() {
		if !filter.Matches(fq) {
			continue
		}
		cp := *fq
		out = append(out, &cp)
		if len(out) == filter.EffectiveLimit() {
			break
		}
	}
	return out, nil
}

func (r *FailedQueryRepo) Count(ctx context.Context, broker domain.BrokerID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if broker == "" {
		return len(r.entries), nil
	}
	n := 0
	for _, fq := range r.entries {
		if fq.Broker == broker {
			n++
		}
	}
	return n, nil
}

func (r *FailedQueryRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, fq := range r.entries {
		if fq.CreatedAt.Before(before) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

// sortedLocked returns entries newest first.
func (r *FailedQueryRepo) sortedLocked() []*domain.FailedQuery {
	list := make([]*domain.FailedQuery, 0, len(r.entries))
	for _, fq := range r.entries {
		list = append(list, fq)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

func (r *FailedQueryRepo) evictLocked(n int) {
	list := r.sortedLocked()
	for _, fq := range list[len(list)-n:] {
		delete(r.entries, fq.ID)
	}
}
