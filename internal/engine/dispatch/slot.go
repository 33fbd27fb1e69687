// Package dispatch runs one serialized event loop per modem slot. Every
// mutation of a slot's retry and tunnel state happens on its loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/classify"
	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
	"github.com/vietddude/wlantunnel/internal/core/retry"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
	"github.com/vietddude/wlantunnel/internal/engine/metrics"
)

var (
	// ErrSlotStopped is returned when posting to a slot whose loop exited.
	ErrSlotStopped = errors.New("slot loop stopped")

	// ErrUnknownEvent is returned for events the slot does not handle.
	ErrUnknownEvent = errors.New("unknown event")
)

const defaultQueueSize = 256

// Config configures a slot.
type Config struct {
	Slot       int
	QueueSize  int
	Policies   *policy.Set
	Negotiator tunnel.Negotiator
	Notifier   Notifier
	Sink       OutcomeSink
	Logger     *slog.Logger

	// Now and AfterFunc replace the clock and timers in tests.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func())
}

type message struct {
	name string
	fn   func(ctx context.Context)
}

// Slot owns the retry scheduler and tunnel manager of one modem slot.
type Slot struct {
	index int
	label string
	inbox chan message
	done  chan struct{}

	scheduler *retry.Scheduler
	manager   *tunnel.Manager
	notifier  Notifier
	sink      OutcomeSink
	afterFunc func(d time.Duration, f func())
	logger    *slog.Logger
}

func NewSlot(cfg Config) (*Slot, error) {
	if cfg.Slot < 0 {
		return nil, fmt.Errorf("invalid slot index %d", cfg.Slot)
	}
	if cfg.Policies == nil {
		return nil, errors.New("policies are required")
	}
	if cfg.Negotiator == nil {
		return nil, errors.New("negotiator is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}

	s := &Slot{
		index:     cfg.Slot,
		label:     strconv.Itoa(cfg.Slot),
		inbox:     make(chan message, cfg.QueueSize),
		done:      make(chan struct{}),
		notifier:  cfg.Notifier,
		sink:      cfg.Sink,
		afterFunc: cfg.AfterFunc,
		logger:    cfg.Logger.With("component", "slot", "slot", cfg.Slot),
	}

	s.scheduler = retry.NewScheduler(cfg.Slot, cfg.Policies, cfg.Logger)
	s.manager = tunnel.NewManager(cfg.Slot, s.scheduler, cfg.Negotiator, cfg.Logger)
	if cfg.Now != nil {
		s.scheduler.SetClock(cfg.Now)
		s.manager.SetClock(cfg.Now)
	}

	s.scheduler.SetFailureCallback(s.onFailure)
	s.scheduler.SetUnthrottleCallback(s.onUnthrottled)
	s.manager.SetStateChangeCallback(s.onTransition)
	s.manager.SetOutcomeCallback(s.onOutcome)
	return s, nil
}

func (s *Slot) Index() int {
	return s.index
}

// Run processes messages until ctx is cancelled. A slot runs at most once.
func (s *Slot) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info("slot loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("slot loop stopped", "pending", len(s.inbox))
			return nil
		case msg := <-s.inbox:
			metrics.LoopQueueDepth.WithLabelValues(s.label).Set(float64(len(s.inbox)))
			msg.fn(ctx)
		}
	}
}

// Done is closed once the loop exited.
func (s *Slot) Done() <-chan struct{} {
	return s.done
}

func (s *Slot) post(ctx context.Context, name string, fn func(context.Context)) error {
	select {
	case <-s.done:
		return ErrSlotStopped
	default:
	}
	select {
	case s.inbox <- message{name: name, fn: fn}:
		metrics.LoopQueueDepth.WithLabelValues(s.label).Set(float64(len(s.inbox)))
		return nil
	case <-s.done:
		return ErrSlotStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, s *Slot, name string, fn func(context.Context) T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := s.post(ctx, name, func(loopCtx context.Context) { reply <- fn(loopCtx) }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return zero, ErrSlotStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

type decisionReply struct {
	d   retry.Decision
	err error
}

// ReportFailure records a failure for apn and returns the retry decision.
func (s *Slot) ReportFailure(ctx context.Context, apn string, err domain.TunnelError) (retry.Decision, error) {
	r, callErr := call(ctx, s, "report-failure", func(context.Context) decisionReply {
		d, e := s.scheduler.ReportFailure(apn, err)
		return decisionReply{d, e}
	})
	if callErr != nil {
		return retry.Decision{}, callErr
	}
	return r.d, r.err
}

// ReportFailureWithBackoff records a failure whose delay is dictated by
// the caller for this attempt.
func (s *Slot) ReportFailureWithBackoff(ctx context.Context, apn string, err domain.TunnelError, backoff time.Duration) (retry.Decision, error) {
	r, callErr := call(ctx, s, "report-failure", func(context.Context) decisionReply {
		d, e := s.scheduler.ReportFailureWithBackoff(apn, err, backoff)
		return decisionReply{d, e}
	})
	if callErr != nil {
		return retry.Decision{}, callErr
	}
	return r.d, r.err
}

func (s *Slot) CanBringUpTunnel(ctx context.Context, apn string) (bool, error) {
	return call(ctx, s, "can-bring-up", func(context.Context) bool {
		return s.scheduler.CanBringUpTunnel(apn)
	})
}

func (s *Slot) ShouldRetryWithInitialAttach(ctx context.Context, apn string) (bool, error) {
	return call(ctx, s, "initial-attach", func(context.Context) bool {
		return s.scheduler.ShouldRetryWithInitialAttach(apn)
	})
}

// CurrentRetryTimeMs returns the milliseconds left before apn may retry,
// or -1 when apn is not throttled.
func (s *Slot) CurrentRetryTimeMs(ctx context.Context, apn string) (int64, error) {
	return call(ctx, s, "retry-time", func(context.Context) int64 {
		left, ok := s.scheduler.CurrentRetryTime(apn)
		if !ok {
			return -1
		}
		return left.Milliseconds()
	})
}

func (s *Slot) CurrentFqdnIndex(ctx context.Context, apn string, numFqdns int) (int, error) {
	return call(ctx, s, "fqdn-index", func(context.Context) int {
		return s.scheduler.CurrentFqdnIndex(apn, numFqdns)
	})
}

func (s *Slot) DataFailCause(ctx context.Context, apn string) (classify.FailCause, error) {
	return call(ctx, s, "fail-cause", func(context.Context) classify.FailCause {
		return s.scheduler.DataFailCause(apn)
	})
}

func (s *Slot) MostRecentDataFailCause(ctx context.Context) (classify.FailCause, error) {
	return call(ctx, s, "recent-fail-cause", func(context.Context) classify.FailCause {
		return s.scheduler.MostRecentDataFailCause()
	})
}

func (s *Slot) ErrorStats(ctx context.Context) (retry.StatsSnapshot, error) {
	return call(ctx, s, "error-stats", func(context.Context) retry.StatsSnapshot {
		return s.scheduler.ErrorStats()
	})
}

// RequestBringUp asks for a tunnel on req.APN. Caller errors are returned
// directly; the negotiation result is passed to cb on the loop, so cb must
// not wait on the slot.
func (s *Slot) RequestBringUp(ctx context.Context, req tunnel.BringUpRequest, cb tunnel.Callback) error {
	err, callErr := call(ctx, s, "bring-up", func(loopCtx context.Context) error {
		return s.manager.RequestBringUp(loopCtx, req, cb)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// RequestTeardown closes the tunnel of apn; the result is passed to cb.
func (s *Slot) RequestTeardown(ctx context.Context, apn string, cb tunnel.Callback) error {
	err, callErr := call(ctx, s, "teardown", func(loopCtx context.Context) error {
		return s.manager.RequestTeardown(loopCtx, apn, cb)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// TunnelOpened posts a negotiator success.
func (s *Slot) TunnelOpened(ctx context.Context, apn string, props tunnel.Properties) error {
	return s.post(ctx, "tunnel-opened", func(context.Context) {
		if err := s.manager.TunnelOpened(apn, props); err != nil {
			s.logger.Warn("ignored tunnel opened", "apn", apn, "error", err)
		}
	})
}

// TunnelClosed posts a negotiator close or failure.
func (s *Slot) TunnelClosed(ctx context.Context, apn string, err domain.TunnelError) error {
	return s.post(ctx, "tunnel-closed", func(context.Context) {
		if e := s.manager.TunnelClosed(apn, err); e != nil {
			s.logger.Warn("ignored tunnel closed", "apn", apn, "error", e)
		}
	})
}

// OnUnthrottlingEvent clears every session whose policy lists event.
func (s *Slot) OnUnthrottlingEvent(ctx context.Context, event domain.EventKind) ([]domain.SessionKey, error) {
	if !event.IsUnthrottling() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	return call(ctx, s, "unthrottle", func(context.Context) []domain.SessionKey {
		return s.scheduler.OnUnthrottlingEvent(event)
	})
}

// OnConfigReload applies a carrier policy document. It reports whether the
// active policies changed. A rejected document leaves the defaults active
// and is not an error for the caller; it is logged and counted.
func (s *Slot) OnConfigReload(ctx context.Context, carrierID int, document []byte) (bool, error) {
	return call(ctx, s, "config-reload", func(context.Context) bool {
		return s.reload(carrierID, document)
	})
}

func (s *Slot) reload(carrierID int, document []byte) bool {
	changed, err := s.scheduler.ReloadPolicies(carrierID, document)
	switch {
	case err != nil:
		metrics.PolicyReloadsTotal.WithLabelValues(s.label, "rejected").Inc()
	case changed:
		metrics.PolicyReloadsTotal.WithLabelValues(s.label, "loaded").Inc()
	default:
		metrics.PolicyReloadsTotal.WithLabelValues(s.label, "unchanged").Inc()
	}
	return changed
}

func (s *Slot) SetNetworkConnected(ctx context.Context, connected bool) error {
	return s.post(ctx, "network", func(context.Context) {
		s.manager.SetNetworkConnected(connected)
	})
}

func (s *Slot) SetCallActive(ctx context.Context, active bool) error {
	return s.post(ctx, "call-state", func(context.Context) {
		s.manager.SetCallActive(active)
	})
}

// PostEvent delivers an external event to the loop without waiting.
func (s *Slot) PostEvent(ctx context.Context, ev domain.Event) error {
	switch {
	case ev.Kind == domain.EventCarrierConfigChanged:
		doc := []byte(ev.PolicyDocument)
		return s.post(ctx, string(ev.Kind), func(context.Context) { s.reload(ev.CarrierID, doc) })
	case ev.Kind == domain.EventUnknownCarrierConfig:
		return s.post(ctx, string(ev.Kind), func(context.Context) { s.reload(ev.CarrierID, nil) })
	case ev.Kind.IsUnthrottling():
		return s.post(ctx, string(ev.Kind), func(context.Context) { s.scheduler.OnUnthrottlingEvent(ev.Kind) })
	case ev.Kind == domain.EventNetworkConnected:
		return s.SetNetworkConnected(ctx, true)
	case ev.Kind == domain.EventNetworkDisconnected:
		return s.SetNetworkConnected(ctx, false)
	case ev.Kind == domain.EventCallStateChanged:
		return s.SetCallActive(ctx, ev.CallActive)
	case ev.Kind == domain.EventWifiCallingEnabled:
		s.logger.Debug("wifi calling enabled")
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
}

// Snapshot is a diagnostic view of a slot.
type Snapshot struct {
	Slot        int                     `json:"slot"`
	CarrierID   int                     `json:"carrier_id"`
	HasCarrier  bool                    `json:"has_carrier_policy"`
	QueueDepth  int                     `json:"queue_depth"`
	Throttled   []retry.StateSnapshot   `json:"throttled"`
	Tunnels     []tunnel.RecordSnapshot `json:"tunnels"`
	ErrorStats  retry.StatsSnapshot     `json:"error_stats"`
	TunnelStats tunnel.StatsSnapshot    `json:"tunnel_stats"`
}

func (s *Slot) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, s, "snapshot", func(context.Context) Snapshot {
		set := s.scheduler.Policies()
		return Snapshot{
			Slot:        s.index,
			CarrierID:   set.CarrierID,
			HasCarrier:  set.HasCarrier(),
			QueueDepth:  len(s.inbox),
			Throttled:   s.scheduler.Snapshot(),
			Tunnels:     s.manager.Snapshot(),
			ErrorStats:  s.scheduler.ErrorStats(),
			TunnelStats: s.manager.Stats(),
		}
	})
}

// onFailure arms a retry-eligible timer for the recorded failure.
func (s *Slot) onFailure(key domain.SessionKey, err domain.TunnelError, d retry.Decision) {
	metrics.FailuresTotal.WithLabelValues(s.label, key.APN, d.Policy.Type.String()).Inc()
	metrics.RetryDelay.WithLabelValues(s.label).Observe(d.Delay.Seconds())

	if d.NoAutoRetry {
		s.logger.Info("retries exhausted, waiting for external trigger", "apn", key.APN, "error", err.Error())
		return
	}
	deadline, ok := s.scheduler.Deadline(key.APN)
	if !ok {
		return
	}
	armedAt := deadline.LastFailure
	s.afterFunc(d.Delay, func() {
		_ = s.post(context.Background(), "retry-due", func(context.Context) {
			s.retryDue(key, armedAt)
		})
	})
}

// retryDue fires the retry-eligible notification unless the failure that
// armed it was superseded.
func (s *Slot) retryDue(key domain.SessionKey, armedAt time.Time) {
	current, ok := s.scheduler.Deadline(key.APN)
	if !ok || !current.LastFailure.Equal(armedAt) {
		return
	}
	if !s.scheduler.CanBringUpTunnel(key.APN) {
		return
	}
	s.logger.Debug("retry eligible", "apn", key.APN)
	s.notifier.OnRetryEligible(key)
}

func (s *Slot) onUnthrottled(key domain.SessionKey, event domain.EventKind) {
	metrics.UnthrottledTotal.WithLabelValues(s.label, string(event)).Inc()
	s.notifier.OnUnthrottled(key, event)
}

func (s *Slot) onTransition(t tunnel.Transition) {
	metrics.TransitionsTotal.WithLabelValues(s.label, string(t.From), string(t.To)).Inc()
	switch {
	case t.To == tunnel.StateUp:
		metrics.TunnelsUp.WithLabelValues(s.label).Inc()
	case t.From == tunnel.StateUp:
		metrics.TunnelsUp.WithLabelValues(s.label).Dec()
	}
	s.notifier.OnTransition(t)
}

func (s *Slot) onOutcome(out domain.TunnelOutcome) {
	if out.Kind == domain.OutcomeSetupSuccess {
		metrics.SetupLatency.WithLabelValues(s.label).Observe(out.Duration.Seconds())
	}
	s.sink.Record(out)
}
