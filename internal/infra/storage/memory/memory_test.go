package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/infra/storage"
)

func seed(t *testing.T, repo *OutcomeRepo, base time.Time) {
	t.Helper()
	outs := []*domain.TunnelOutcome{
		{ID: "1", Slot: 0, APN: "ims", Kind: domain.OutcomeSetupFailure, CreatedAt: base},
		{ID: "2", Slot: 0, APN: "ims", Kind: domain.OutcomeSetupSuccess, CreatedAt: base.Add(time.Minute)},
		{ID: "3", Slot: 1, APN: "internet", Kind: domain.OutcomeSetupSuccess, CreatedAt: base.Add(2 * time.Minute)},
	}
	if err := repo.SaveBatch(context.Background(), outs[:2]); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if err := repo.Save(context.Background(), outs[2]); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func ids(outs []*domain.TunnelOutcome) []string {
	res := make([]string, 0, len(outs))
	for _, o := range outs {
		res = append(res, o.ID)
	}
	return res
}

func TestOutcomeRepo_List(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewOutcomeRepo()
	seed(t, repo, base)

	slot0 := 0
	tests := []struct {
		name   string
		filter storage.OutcomeFilter
		want   []string
	}{
		{"all newest first", storage.OutcomeFilter{}, []string{"3", "2", "1"}},
		{"slot", storage.OutcomeFilter{Slot: &slot0}, []string{"2", "1"}},
		{"kind", storage.OutcomeFilter{Kind: domain.OutcomeSetupSuccess}, []string{"3", "2"}},
		{"apn", storage.OutcomeFilter{APN: "internet"}, []string{"3"}},
		{"since", storage.OutcomeFilter{Since: base.Add(time.Minute)}, []string{"3", "2"}},
		{"limit", storage.OutcomeFilter{Limit: 1}, []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outs, err := repo.List(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			got := ids(outs)
			if len(got) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestOutcomeRepo_CountAndDelete(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewOutcomeRepo()
	seed(t, repo, base)

	if n, _ := repo.Count(context.Background(), 0); n != 2 {
		t.Errorf("Count(0) = %d, want 2", n)
	}

	deleted, err := repo.DeleteOlderThan(context.Background(), base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if n, _ := repo.Count(context.Background(), 1); n != 1 {
		t.Errorf("Count(1) = %d, want 1", n)
	}
}
