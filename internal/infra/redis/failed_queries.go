package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/storage"
)

// DefaultRetention is how long a journal entry's payload lives.
const DefaultRetention = 7 * 24 * time.Hour

// FailedQueryRepo implements storage.FailedQueryRepository using Redis.
// Entries are indexed in sorted sets scored by creation time.
type FailedQueryRepo struct {
	c         *Client
	retention time.Duration
}

// NewFailedQueryRepo creates a new Redis-backed failure journal.
func NewFailedQueryRepo(client *Client, retention time.Duration) *FailedQueryRepo {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &FailedQueryRepo{c: client, retention: retention}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Add stores the entry and indexes it globally and per broker.
func (r *FailedQueryRepo) Add(ctx context.Context, fq *domain.FailedQuery) error {
	if fq.CreatedAt.IsZero() {
		fq.CreatedAt = time.Now()
	}
	data, err := json.Marshal(fq)
	if err != nil {
		return fmt.Errorf("failed to marshal failed query: %w", err)
	}

	z := redis.Z{Score: score(fq.CreatedAt), Member: fq.ID}
	_, err = r.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.c.failureKey(fq.ID), data, r.retention)
		pipe.ZAdd(ctx, r.c.failuresKey(), z)
		pipe.ZAdd(ctx, r.c.brokerFailuresKey(string(fq.Broker)), z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add failed query: %w", err)
	}
	return nil
}

// Get retrieves an entry by id.
func (r *FailedQueryRepo) Get(ctx context.Context, id string) (*domain.FailedQuery, error) {
	data, err := r.c.rdb.Get(ctx, r.c.failureKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrFailedQueryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed query: %w", err)
	}

	var fq domain.FailedQuery
	if err := json.Unmarshal(data, &fq); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed query: %w", err)
	}
	return &fq, nil
}

// List returns entries newest first. Index members whose payload expired are dropped.
func (r *FailedQueryRepo) List(
	ctx context.Context,
	filter storage.FailedQueryFilter,
) ([]*domain.FailedQuery, error) {
	key := r.c.failuresKey()
	if filter.Broker != "" {
		key = r.c.brokerFailuresKey(string(filter.Broker))
	}
	lo := "-inf"
	if !filter.Since.IsZero() {
		lo = strconv.FormatFloat(score(filter.Since), 'f', 0, 64)
	}

	ids, err := r.c.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrangebyscore failed: %w", err)
	}

	limit := filter.EffectiveLimit()
	out := make([]*domain.FailedQuery, 0, min(len(ids), limit))
	for _, id := range ids {
		fq, err := r.Get(ctx, id)
		if errors.Is(err, storage.ErrFailedQueryNotFound) {
			r.c.rdb.ZRem(ctx, key, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.Matches(fq) {
			continue
		}
		out = append(out, fq)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of indexed entries for a broker, or all when empty.
func (r *FailedQueryRepo) Count(ctx context.Context, broker domain.BrokerID) (int, error) {
	key := r.c.failuresKey()
	if broker != "" {
		key = r.c.brokerFailuresKey(string(broker))
	}
	count, err := r.c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

// Prune removes entries created before the cutoff from every index.
func (r *FailedQueryRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	hi := "(" + strconv.FormatFloat(score(before), 'f', 0, 64)
	ids, err := r.c.rdb.ZRangeByScore(ctx, r.c.failuresKey(), &redis.ZRangeBy{Min: "-inf", Max: hi}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	brokers := make(map[string][]any)
	for _, id := range ids {
		fq, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		b := string(fq.Broker)
		brokers[b] = append(brokers[b], id)
	}

	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = r.c.failureKey(id)
	}

	_, err = r.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.c.failuresKey(), members...)
		for b, ms := range brokers {
			pipe.ZRem(ctx, r.c.brokerFailuresKey(b), ms...)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed queries: %w", err)
	}
	return len(ids), nil
}
