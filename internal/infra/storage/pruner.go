package storage

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes outcomes older than the retention period.
type Pruner struct {
	repo      OutcomeRepository
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewPruner(repo OutcomeRepository, retention time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		repo:      repo,
		retention: retention,
		now:       time.Now,
		logger:    logger.With("component", "pruner"),
	}
}

// Start runs the pruner loop. A zero retention disables it.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	// Check at 10% of the retention period, bounded to [1m, 1h].
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	threshold := p.now().Add(-p.retention)
	deleted, err := p.repo.DeleteOlderThan(ctx, threshold)
	if err != nil {
		p.logger.Error("prune outcomes failed", "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("pruned outcomes", "deleted", deleted, "before", threshold)
	}
}
