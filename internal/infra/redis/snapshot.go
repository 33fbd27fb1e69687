package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/wlantunnel/internal/engine/dispatch"
)

// ErrNoSnapshot is returned when no snapshot was stored for a slot.
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotStore keeps the last snapshot of each slot so the CLI can show
// the state of a running engine.
type SnapshotStore struct {
	rdb *redis.Client
}

func NewSnapshotStore(client *Client) *SnapshotStore {
	return &SnapshotStore{rdb: client.rdb}
}

// Save stores snap; it expires after ttl so a stopped engine shows nothing.
func (s *SnapshotStore) Save(ctx context.Context, snap dispatch.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(snap.Slot), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, slot int) (*dispatch.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(slot)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrNoSnapshot)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	var snap dispatch.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
