package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeNegotiator struct {
	mu       sync.Mutex
	bringUps []tunnel.BringUpRequest
	closes   []domain.SessionKey
}

func (n *fakeNegotiator) BringUp(_ context.Context, _ domain.SessionKey, req tunnel.BringUpRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bringUps = append(n.bringUps, req)
	return nil
}

func (n *fakeNegotiator) CloseTunnel(_ context.Context, key domain.SessionKey, _ bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closes = append(n.closes, key)
	return nil
}

func (n *fakeNegotiator) bringUpCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.bringUps)
}

type fakeNotifier struct {
	mu          sync.Mutex
	transitions []tunnel.Transition
	unthrottled []domain.SessionKey
	eligible    []domain.SessionKey
}

func (n *fakeNotifier) OnTransition(t tunnel.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, t)
}

func (n *fakeNotifier) OnUnthrottled(key domain.SessionKey, _ domain.EventKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unthrottled = append(n.unthrottled, key)
}

func (n *fakeNotifier) OnRetryEligible(key domain.SessionKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eligible = append(n.eligible, key)
}

func (n *fakeNotifier) eligibleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.eligible)
}

type fakeSink struct {
	mu       sync.Mutex
	outcomes []domain.TunnelOutcome
}

func (s *fakeSink) Record(out domain.TunnelOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, out)
}

type pendingTimer struct {
	delay time.Duration
	fn    func()
}

// manualTimers records armed timers; tests fire them explicitly.
type manualTimers struct {
	mu     sync.Mutex
	timers []pendingTimer
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, pendingTimer{delay: d, fn: f})
}

func (m *manualTimers) armed() []pendingTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pendingTimer(nil), m.timers...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// Test helpers
// =============================================================================

const slotDoc = `[
  {
    "ApnName": "ims",
    "ErrorTypes": [
      {
        "ErrorType": "IKE_PROTOCOL_ERROR_TYPE",
        "ErrorDetails": ["24"],
        "RetryArray": ["4", "8", "16"],
        "UnthrottlingEvents": ["APM_ENABLE_EVENT"]
      },
      {
        "ErrorType": "GENERIC_ERROR_TYPE",
        "ErrorDetails": ["SERVER_SELECTION_FAILED"],
        "RetryArray": ["1", "-1"]
      }
    ]
  }
]`

type slotHarness struct {
	slot     *Slot
	neg      *fakeNegotiator
	notifier *fakeNotifier
	sink     *fakeSink
	timers   *manualTimers
	clock    *fakeClock
	ctx      context.Context
}

func newSlotHarness(t *testing.T) *slotHarness {
	t.Helper()
	set, err := policy.NewSet(policy.BuiltinDefaults()).WithCarrier(1, []byte(slotDoc))
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}

	h := &slotHarness{
		neg:      &fakeNegotiator{},
		notifier: &fakeNotifier{},
		sink:     &fakeSink{},
		timers:   &manualTimers{},
		clock:    &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		ctx:      context.Background(),
	}
	h.slot, err = NewSlot(Config{
		Slot:       0,
		Policies:   set,
		Negotiator: h.neg,
		Notifier:   h.notifier,
		Sink:       h.sink,
		Now:        h.clock.Now,
		AfterFunc:  h.timers.afterFunc,
	})
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.slot.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.slot.Done()
	})
	return h
}

// flush waits until every message posted so far has been handled.
func (h *slotHarness) flush(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.slot.Snapshot(h.ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

func protocolError(code int) domain.TunnelError {
	return domain.ProtocolError(code)
}

// =============================================================================
// Tests
// =============================================================================

func TestNewSlotValidation(t *testing.T) {
	set := policy.NewSet(policy.BuiltinDefaults())
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative slot", Config{Slot: -1, Policies: set, Negotiator: &fakeNegotiator{}}},
		{"no policies", Config{Negotiator: &fakeNegotiator{}}},
		{"no negotiator", Config{Policies: set}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSlot(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSlotRetryQueries(t *testing.T) {
	h := newSlotHarness(t)

	if ms, err := h.slot.CurrentRetryTimeMs(h.ctx, "ims"); err != nil || ms != -1 {
		t.Fatalf("CurrentRetryTimeMs before failure = %d, %v; want -1", ms, err)
	}

	d, err := h.slot.ReportFailure(h.ctx, "ims", protocolError(24))
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if d.Delay != 4*time.Second {
		t.Errorf("delay = %v, want 4s", d.Delay)
	}

	ms, err := h.slot.CurrentRetryTimeMs(h.ctx, "ims")
	if err != nil || ms != 4000 {
		t.Errorf("CurrentRetryTimeMs = %d, %v; want 4000", ms, err)
	}
	if ok, _ := h.slot.CanBringUpTunnel(h.ctx, "ims"); ok {
		t.Error("CanBringUpTunnel = true while throttled")
	}

	h.clock.Advance(4 * time.Second)
	if ok, _ := h.slot.CanBringUpTunnel(h.ctx, "ims"); !ok {
		t.Error("CanBringUpTunnel = false after delay elapsed")
	}

	cause, _ := h.slot.DataFailCause(h.ctx, "ims")
	recent, _ := h.slot.MostRecentDataFailCause(h.ctx)
	if cause != recent {
		t.Errorf("DataFailCause = %s, MostRecentDataFailCause = %s", cause, recent)
	}

	if _, err := h.slot.ReportFailure(h.ctx, "", protocolError(24)); err == nil {
		t.Error("expected error for empty apn")
	}

	stats, err := h.slot.ErrorStats(h.ctx)
	if err != nil || stats.Total != 1 {
		t.Errorf("ErrorStats total = %d, %v; want 1", stats.Total, err)
	}
}

func TestSlotRetryEligibleTimer(t *testing.T) {
	h := newSlotHarness(t)

	if _, err := h.slot.ReportFailure(h.ctx, "ims", protocolError(24)); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	timers := h.timers.armed()
	if len(timers) != 1 || timers[0].delay != 4*time.Second {
		t.Fatalf("armed timers = %+v, want one 4s timer", timers)
	}

	h.clock.Advance(4 * time.Second)
	timers[0].fn()
	h.flush(t)

	if got := h.notifier.eligibleCount(); got != 1 {
		t.Errorf("retry eligible notifications = %d, want 1", got)
	}
}

func TestSlotSupersededTimerIgnored(t *testing.T) {
	h := newSlotHarness(t)

	if _, err := h.slot.ReportFailure(h.ctx, "ims", protocolError(24)); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	h.clock.Advance(time.Second)
	if _, err := h.slot.ReportFailure(h.ctx, "ims", protocolError(24)); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}

	timers := h.timers.armed()
	if len(timers) != 2 {
		t.Fatalf("armed timers = %d, want 2", len(timers))
	}

	h.clock.Advance(4 * time.Second)
	timers[0].fn()
	h.flush(t)
	if got := h.notifier.eligibleCount(); got != 0 {
		t.Errorf("superseded timer notified %d times", got)
	}

	h.clock.Advance(8 * time.Second)
	timers[1].fn()
	h.flush(t)
	if got := h.notifier.eligibleCount(); got != 1 {
		t.Errorf("retry eligible notifications = %d, want 1", got)
	}
}

func TestSlotNoAutoRetryArmsNoTimer(t *testing.T) {
	h := newSlotHarness(t)
	err := domain.NewTunnelError(domain.ErrorKindServerSelectionFailed)

	first, _ := h.slot.ReportFailure(h.ctx, "ims", err)
	second, _ := h.slot.ReportFailure(h.ctx, "ims", err)

	if first.NoAutoRetry {
		t.Error("first decision should auto retry")
	}
	if !second.NoAutoRetry || second.Delay != time.Second {
		t.Errorf("second decision = %+v, want 1s with NoAutoRetry", second)
	}
	if got := len(h.timers.armed()); got != 1 {
		t.Errorf("armed timers = %d, want 1", got)
	}
}

func TestSlotBringUpLifecycle(t *testing.T) {
	h := newSlotHarness(t)
	results := make(chan tunnel.Result, 4)

	err := h.slot.RequestBringUp(h.ctx, tunnel.BringUpRequest{APN: "internet", NumFqdns: 2},
		func(r tunnel.Result) { results <- r })
	if err != nil {
		t.Fatalf("RequestBringUp: %v", err)
	}
	if got := h.neg.bringUpCount(); got != 1 {
		t.Fatalf("negotiator bring-ups = %d, want 1", got)
	}

	props := tunnel.Properties{InterfaceName: "ipsec0", MTU: 1280}
	if err := h.slot.TunnelOpened(h.ctx, "internet", props); err != nil {
		t.Fatalf("TunnelOpened: %v", err)
	}
	snap := h.flush(t)

	r := <-results
	if r.Err != nil || r.Properties == nil || r.Properties.InterfaceName != "ipsec0" {
		t.Errorf("bring-up result = %+v", r)
	}
	if len(snap.Tunnels) != 1 || snap.Tunnels[0].State != tunnel.StateUp {
		t.Errorf("snapshot tunnels = %+v", snap.Tunnels)
	}

	if err := h.slot.RequestTeardown(h.ctx, "internet", func(r tunnel.Result) { results <- r }); err != nil {
		t.Fatalf("RequestTeardown: %v", err)
	}
	if err := h.slot.TunnelClosed(h.ctx, "internet", domain.NoError()); err != nil {
		t.Fatalf("TunnelClosed: %v", err)
	}
	snap = h.flush(t)

	if r := <-results; r.Err != nil {
		t.Errorf("teardown result err = %v", r.Err)
	}
	if len(snap.Tunnels) != 0 {
		t.Errorf("tunnels after teardown = %+v", snap.Tunnels)
	}

	h.notifier.mu.Lock()
	var states []tunnel.State
	for _, tr := range h.notifier.transitions {
		states = append(states, tr.To)
	}
	h.notifier.mu.Unlock()
	want := []tunnel.State{tunnel.StateBringupPending, tunnel.StateUp, tunnel.StateTeardownPending, tunnel.StateIdle}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, states[i], want[i])
		}
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.outcomes) != 2 || h.sink.outcomes[0].Kind != domain.OutcomeSetupSuccess {
		t.Errorf("outcomes = %+v", h.sink.outcomes)
	}
}

func TestSlotBringUpThrottled(t *testing.T) {
	h := newSlotHarness(t)
	results := make(chan tunnel.Result, 1)

	if err := h.slot.RequestBringUp(h.ctx, tunnel.BringUpRequest{APN: "ims"},
		func(r tunnel.Result) { results <- r }); err != nil {
		t.Fatalf("RequestBringUp: %v", err)
	}
	if err := h.slot.TunnelClosed(h.ctx, "ims", protocolError(24)); err != nil {
		t.Fatalf("TunnelClosed: %v", err)
	}
	h.flush(t)

	r := <-results
	if r.Err == nil || r.RetryDelay != 4*time.Second {
		t.Errorf("failure result = %+v, want error with 4s retry", r)
	}

	err := h.slot.RequestBringUp(h.ctx, tunnel.BringUpRequest{APN: "ims"}, func(tunnel.Result) {})
	var unavailable *tunnel.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("RequestBringUp error = %v, want UnavailableError", err)
	}
	if unavailable.RetryAfter != 4*time.Second {
		t.Errorf("RetryAfter = %v, want 4s", unavailable.RetryAfter)
	}
}

func TestSlotPostEvent(t *testing.T) {
	h := newSlotHarness(t)

	if _, err := h.slot.ReportFailure(h.ctx, "ims", protocolError(24)); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if err := h.slot.PostEvent(h.ctx, domain.Event{Kind: domain.EventAirplaneModeEnabled}); err != nil {
		t.Fatalf("PostEvent: %v", err)
	}
	snap := h.flush(t)
	if len(snap.Throttled) != 0 {
		t.Errorf("throttled after unthrottling event = %+v", snap.Throttled)
	}
	h.notifier.mu.Lock()
	if len(h.notifier.unthrottled) != 1 || h.notifier.unthrottled[0].APN != "ims" {
		t.Errorf("unthrottled = %+v", h.notifier.unthrottled)
	}
	h.notifier.mu.Unlock()

	if err := h.slot.PostEvent(h.ctx, domain.Event{Kind: "BOGUS_EVENT"}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("unknown event error = %v, want ErrUnknownEvent", err)
	}

	if err := h.slot.PostEvent(h.ctx, domain.Event{Kind: domain.EventNetworkDisconnected}); err != nil {
		t.Fatalf("PostEvent: %v", err)
	}
	err := h.slot.RequestBringUp(h.ctx, tunnel.BringUpRequest{APN: "internet"}, func(tunnel.Result) {})
	if !errors.Is(err, tunnel.ErrNetworkUnavailable) {
		t.Errorf("bring-up without network = %v, want ErrNetworkUnavailable", err)
	}
}

func TestSlotOnUnthrottlingEventRejectsOtherKinds(t *testing.T) {
	h := newSlotHarness(t)
	if _, err := h.slot.OnUnthrottlingEvent(h.ctx, domain.EventCallStateChanged); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("error = %v, want ErrUnknownEvent", err)
	}
	cleared, err := h.slot.OnUnthrottlingEvent(h.ctx, domain.EventWifiDisabled)
	if err != nil || len(cleared) != 0 {
		t.Errorf("cleared = %v, %v; want none", cleared, err)
	}
}

func TestSlotConfigReload(t *testing.T) {
	h := newSlotHarness(t)

	changed, err := h.slot.OnConfigReload(h.ctx, 1, []byte(slotDoc))
	if err != nil || changed {
		t.Errorf("reloading active document: changed = %v, err = %v", changed, err)
	}

	changed, _ = h.slot.OnConfigReload(h.ctx, 2, []byte(`{"not": "a list"}`))
	if !changed {
		t.Error("rejected document should still replace the carrier policies")
	}
	snap := h.flush(t)
	if snap.HasCarrier || snap.CarrierID != 2 {
		t.Errorf("snapshot carrier = %d has = %v", snap.CarrierID, snap.HasCarrier)
	}

	if err := h.slot.PostEvent(h.ctx, domain.Event{
		Kind:           domain.EventCarrierConfigChanged,
		CarrierID:      3,
		PolicyDocument: slotDoc,
	}); err != nil {
		t.Fatalf("PostEvent: %v", err)
	}
	snap = h.flush(t)
	if !snap.HasCarrier || snap.CarrierID != 3 {
		t.Errorf("snapshot carrier = %d has = %v", snap.CarrierID, snap.HasCarrier)
	}
}

func TestSlotStopped(t *testing.T) {
	set := policy.NewSet(policy.BuiltinDefaults())
	s, err := NewSlot(Config{Policies: set, Negotiator: &fakeNegotiator{}})
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()
	<-s.Done()

	if _, err := s.CanBringUpTunnel(context.Background(), "ims"); !errors.Is(err, ErrSlotStopped) {
		t.Errorf("call after stop = %v, want ErrSlotStopped", err)
	}
	if err := s.SetCallActive(context.Background(), true); !errors.Is(err, ErrSlotStopped) {
		t.Errorf("post after stop = %v, want ErrSlotStopped", err)
	}
}
