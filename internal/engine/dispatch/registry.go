package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

// Registry holds the slots of the device and routes events to them.
type Registry struct {
	mu     sync.RWMutex
	slots  map[int]*Slot
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		slots:  make(map[int]*Slot),
		logger: logger.With("component", "registry"),
	}
}

// Add registers a slot. Slot indexes must be unique.
func (r *Registry) Add(s *Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[s.Index()]; ok {
		return fmt.Errorf("slot %d already registered", s.Index())
	}
	r.slots[s.Index()] = s
	return nil
}

func (r *Registry) Get(index int) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[index]
	return s, ok
}

// Slots returns the registered slots ordered by index.
func (r *Registry) Slots() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

// Run runs every slot loop until ctx is cancelled or a loop fails.
func (r *Registry) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range r.Slots() {
		g.Go(func() error {
			return s.Run(gctx)
		})
	}
	r.logger.Info("slots running", "count", len(r.Slots()))
	return g.Wait()
}

// Dispatch posts ev to the slot it names.
func (r *Registry) Dispatch(ctx context.Context, ev domain.Event) error {
	s, ok := r.Get(ev.Slot)
	if !ok {
		return fmt.Errorf("dispatch %s: unknown slot %d", ev.Kind, ev.Slot)
	}
	return s.PostEvent(ctx, ev)
}

// Broadcast posts ev to every slot, e.g. airplane mode.
func (r *Registry) Broadcast(ctx context.Context, ev domain.Event) error {
	for _, s := range r.Slots() {
		ev.Slot = s.Index()
		if err := s.PostEvent(ctx, ev); err != nil {
			return fmt.Errorf("broadcast %s to slot %d: %w", ev.Kind, s.Index(), err)
		}
	}
	return nil
}
