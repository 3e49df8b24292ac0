package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/storage"
)

// newTestRepo connects to DATABASE_URL and applies migrations.
func newTestRepo(t *testing.T) *FailedQueryRepo {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("Skipping postgres test. Set DATABASE_URL to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := NewDB(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE failed_queries"); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	return NewFailedQueryRepo(db)
}

func TestFailedQueryRepo_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := &domain.FailedQuery{
		ID:           uuid.NewString(),
		CallID:       uuid.NewString(),
		Broker:       domain.BrokerAngelOne,
		InstrumentID: "NSE:RELIANCE",
		Kind:         domain.KindQuote,
		ErrorKind:    "SERVER_ERROR",
		Error:        "upstream 503",
		Attempts: []domain.AttemptEntry{
			{Number: 1, Kind: "SERVER_ERROR", Delay: 200 * time.Millisecond, Latency: 40 * time.Millisecond},
			{Number: 2, Kind: "SERVER_ERROR", Latency: 35 * time.Millisecond},
		},
		CreatedAt: base.Add(-time.Hour),
	}
	second := &domain.FailedQuery{
		ID:           uuid.NewString(),
		CallID:       uuid.NewString(),
		Broker:       domain.BrokerZerodha,
		InstrumentID: "NSE:INFY",
		Kind:         domain.KindHistoricalBar,
		ErrorKind:    "AUTH_FAILED",
		CreatedAt:    base,
	}
	for _, fq := range []*domain.FailedQuery{first, second} {
		if err := repo.Add(ctx, fq); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := repo.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Attempts) != 2 || got.Attempts[0].Delay != 200*time.Millisecond {
		t.Errorf("attempts not preserved: %+v", got.Attempts)
	}
	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrFailedQueryNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	list, err := repo.List(ctx, storage.FailedQueryFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("expected newest first, got %d entries", len(list))
	}

	list, _ = repo.List(ctx, storage.FailedQueryFilter{Broker: domain.BrokerAngelOne})
	if len(list) != 1 || list[0].ID != first.ID {
		t.Errorf("broker filter returned %d entries", len(list))
	}

	if n, _ := repo.Count(ctx, ""); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	pruned, err := repo.Prune(ctx, base.Add(-time.Minute))
	if err != nil || pruned != 1 {
		t.Errorf("pruned %d (%v), want 1", pruned, err)
	}
}
