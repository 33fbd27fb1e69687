package storage

import (
	"context"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

// OutcomeFilter narrows an outcome listing. Zero values match everything.
type OutcomeFilter struct {
	Slot  *int
	APN   string
	Kind  domain.OutcomeKind
	Since time.Time
	Limit int
}

// Matches reports whether out passes the filter, ignoring Limit.
func (f OutcomeFilter) Matches(out *domain.TunnelOutcome) bool {
	if f.Slot != nil && out.Slot != *f.Slot {
		return false
	}
	if f.APN != "" && out.APN != f.APN {
		return false
	}
	if f.Kind != "" && out.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && out.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// OutcomeRepository handles tunnel outcome history
type OutcomeRepository interface {
	// Save stores an outcome
	Save(ctx context.Context, out *domain.TunnelOutcome) error

	// SaveBatch stores several outcomes
	SaveBatch(ctx context.Context, outs []*domain.TunnelOutcome) error

	// List returns outcomes matching filter, newest first
	List(ctx context.Context, filter OutcomeFilter) ([]*domain.TunnelOutcome, error)

	// Count returns the number of outcomes stored for a slot
	Count(ctx context.Context, slot int) (int, error)

	// DeleteOlderThan removes outcomes created before t
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}
