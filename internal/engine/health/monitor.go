package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/tunnel"
	"github.com/vietddude/wlantunnel/internal/engine/dispatch"
)

const (
	defaultCacheTTL   = 5 * time.Second
	snapshotTimeout   = 2 * time.Second
	queueDegraded     = 16
	queueCritical     = 128
	awaitingThreshold = 1
)

// SlotInspector exposes the state of one slot.
type SlotInspector interface {
	Index() int
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
}

// Monitor aggregates health status from the slot loops.
type Monitor struct {
	slots      []SlotInspector
	cacheTTL   time.Duration
	lastCheck  time.Time
	lastReport map[int]SlotHealth
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. A zero cacheTTL uses the default.
func NewMonitor(slots []SlotInspector, cacheTTL time.Duration) *Monitor {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Monitor{
		slots:      slots,
		cacheTTL:   cacheTTL,
		lastReport: make(map[int]SlotHealth),
	}
}

// CheckHealth inspects every slot. Results are cached for the TTL so
// frequent probes do not queue work on the loops.
func (m *Monitor) CheckHealth(ctx context.Context) map[int]SlotHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < m.cacheTTL && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[int]SlotHealth, len(m.slots))
	for _, slot := range m.slots {
		report[slot.Index()] = m.inspect(ctx, slot)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) inspect(ctx context.Context, slot SlotInspector) SlotHealth {
	health := SlotHealth{Slot: slot.Index(), Status: StatusHealthy}

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	snap, err := slot.Snapshot(ctx)
	if err != nil {
		// A loop that cannot answer is not serving requests.
		health.Status = StatusCritical
		health.Error = err.Error()
		return health
	}

	health.Snapshot = &snap
	health.QueueDepth = snap.QueueDepth
	health.Throttled = len(snap.Throttled)
	for _, st := range snap.Throttled {
		if st.NoAutoRetry {
			health.AwaitingTrigger++
		}
	}
	for _, rec := range snap.Tunnels {
		if rec.State == tunnel.StateUp {
			health.TunnelsUp++
		}
	}

	if health.QueueDepth > queueCritical {
		health.Status = StatusCritical
	} else if health.QueueDepth > queueDegraded || health.AwaitingTrigger >= awaitingThreshold {
		health.Status = StatusDegraded
	}
	return health
}
