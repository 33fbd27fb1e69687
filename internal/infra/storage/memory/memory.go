package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/infra/storage"
)

// OutcomeRepo keeps outcomes in memory. It is used when no database is
// configured.
type OutcomeRepo struct {
	outcomes []*domain.TunnelOutcome
	mu       sync.RWMutex
}

func NewOutcomeRepo() *OutcomeRepo {
	return &OutcomeRepo{}
}

func (r *OutcomeRepo) Save(ctx context.Context, out *domain.TunnelOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
	return nil
}

func (r *OutcomeRepo) SaveBatch(ctx context.Context, outs []*domain.TunnelOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outs...)
	return nil
}

func (r *OutcomeRepo) List(ctx context.Context, filter storage.OutcomeFilter) ([]*domain.TunnelOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.TunnelOutcome
	for _, out := range r.outcomes {
		if filter.Matches(out) {
			result = append(result, out)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *OutcomeRepo) Count(ctx context.Context, slot int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, out := range r.outcomes {
		if out.Slot == slot {
			count++
		}
	}
	return count, nil
}

func (r *OutcomeRepo) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.outcomes[:0]
	var deleted int64
	for _, out := range r.outcomes {
		if out.CreatedAt.Before(t) {
			deleted++
			continue
		}
		kept = append(kept, out)
	}
	r.outcomes = kept
	return deleted, nil
}
