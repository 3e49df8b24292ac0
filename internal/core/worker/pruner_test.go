package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/storage"
	"github.com/vietddude/brokerdata/internal/infra/storage/memory"
)

func TestPruner_Interval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{7 * 24 * time.Hour, time.Hour},
		{2 * time.Hour, 12 * time.Minute},
		{5 * time.Minute, time.Minute},
	}

	for _, tt := range tests {
		p := NewPruner(memory.NewFailedQueryRepo(0), tt.retention, nil)
		if got := p.Interval(); got != tt.want {
			t.Errorf("Interval(%v) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}

func TestPruner_RemovesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	repo := memory.NewFailedQueryRepo(0)

	_ = repo.Add(ctx, &domain.FailedQuery{ID: "old", Broker: domain.BrokerZerodha, CreatedAt: now.Add(-48 * time.Hour)})
	_ = repo.Add(ctx, &domain.FailedQuery{ID: "new", Broker: domain.BrokerZerodha, CreatedAt: now.Add(-time.Hour)})

	p := NewPruner(repo, 24*time.Hour, nil)
	p.now = func() time.Time { return now }

	if n := p.Prune(ctx); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := repo.Get(ctx, "old"); !errors.Is(err, storage.ErrFailedQueryNotFound) {
		t.Errorf("old entry should be gone, got %v", err)
	}
	if _, err := repo.Get(ctx, "new"); err != nil {
		t.Errorf("new entry should survive: %v", err)
	}
}

type failingRepo struct {
	storage.FailedQueryRepository
}

func (failingRepo) Prune(context.Context, time.Time) (int, error) {
	return 0, errors.New("connection reset")
}

func TestPruner_ErrorIsLoggedOnly(t *testing.T) {
	p := NewPruner(failingRepo{}, time.Hour, nil)
	if n := p.Prune(context.Background()); n != 0 {
		t.Errorf("pruned %d, want 0", n)
	}
}

func TestPruner_DisabledRetentionReturns(t *testing.T) {
	p := NewPruner(failingRepo{}, 0, nil)
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when retention is disabled")
	}
}
