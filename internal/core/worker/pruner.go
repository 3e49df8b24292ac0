package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/brokerdata/internal/infra/storage"
)

// Pruner deletes failure journal entries older than the retention period.
type Pruner struct {
	repo      storage.FailedQueryRepository
	retention time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(repo storage.FailedQueryRepository, retention time.Duration, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		repo:      repo,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// Interval is how often Start prunes: a tenth of the retention, between a minute and an hour.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, time.Hour)
	return max(interval, time.Minute)
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes expired entries once and returns how many were deleted.
func (p *Pruner) Prune(ctx context.Context) int {
	cutoff := p.now().Add(-p.retention)
	n, err := p.repo.Prune(ctx, cutoff)
	if err != nil {
		p.log.Warn("Failed to prune failure journal", "error", err)
		return 0
	}
	if n > 0 {
		p.log.Info("Pruned failure journal", "removed", n, "before", cutoff)
	}
	return n
}
