// Package tunnel drives the per-session tunnel state machine of one slot.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/wlantunnel/internal/core/classify"
	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/retry"
)

// noCauseRetry is reported when a bring-up closes without an error.
const noCauseRetry = 5 * time.Second

// HandoverFailureMode tells the caller how to retry a failed handover.
type HandoverFailureMode string

const (
	HandoverFailureUnspecified      HandoverFailureMode = "UNSPECIFIED"
	HandoverFailureRetryHandover    HandoverFailureMode = "RETRY_HANDOVER"
	HandoverFailureRetrySetupNormal HandoverFailureMode = "RETRY_SETUP_NORMAL"
)

// Result is delivered to bring-up and teardown callbacks.
type Result struct {
	TunnelID string
	Key      domain.SessionKey
	// Err is nil on success.
	Err          error
	FailCause    classify.FailCause
	RetryDelay   time.Duration
	NoAutoRetry  bool
	HandoverMode HandoverFailureMode
	Properties   *Properties
}

// Callback receives the result of a bring-up or teardown.
type Callback func(Result)

// Record is the lifecycle record of one session.
type Record struct {
	ID               string
	Key              domain.SessionKey
	State            State
	IsHandover       bool
	IsImsOrEmergency bool
	PDUSessionID     int
	FailCause        classify.FailCause
	RequestedAt      time.Time
	UpAt             time.Time
	Properties       *Properties

	onBringUp  Callback
	onTeardown Callback
}

// RecordSnapshot is a read-only view of a record.
type RecordSnapshot struct {
	ID          string    `json:"id"`
	APN         string    `json:"apn"`
	State       State     `json:"state"`
	IsHandover  bool      `json:"is_handover"`
	RequestedAt time.Time `json:"requested_at"`
	UpAt        time.Time `json:"up_at,omitempty"`
}

// Manager owns the tunnel records of one slot. Like the retry scheduler it
// is driven by the slot loop and must not be called concurrently.
type Manager struct {
	slot       int
	negotiator Negotiator
	scheduler  *retry.Scheduler

	records map[string]*Record
	stats   *Stats

	networkConnected bool
	callActive       bool

	now          func() time.Time
	onTransition func(Transition)
	onOutcome    func(domain.TunnelOutcome)
	logger       *slog.Logger
}

func NewManager(slot int, scheduler *retry.Scheduler, negotiator Negotiator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		slot:             slot,
		negotiator:       negotiator,
		scheduler:        scheduler,
		records:          make(map[string]*Record),
		networkConnected: true,
		now:              time.Now,
		logger:           logger.With("component", "tunnel", "slot", slot),
	}
	m.stats = newStats(m.now())
	return m
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetStateChangeCallback registers callback for state changes.
func (m *Manager) SetStateChangeCallback(fn func(Transition)) {
	m.onTransition = fn
}

// SetOutcomeCallback registers a sink for lifecycle outcomes.
func (m *Manager) SetOutcomeCallback(fn func(domain.TunnelOutcome)) {
	m.onOutcome = fn
}

func (m *Manager) SetNetworkConnected(connected bool) {
	m.networkConnected = connected
}

func (m *Manager) SetCallActive(active bool) {
	m.callActive = active
}

// RequestBringUp starts a bring-up for req.APN. Caller errors are returned
// synchronously; the negotiation result is delivered to cb.
func (m *Manager) RequestBringUp(ctx context.Context, req BringUpRequest, cb Callback) error {
	key := domain.NewSessionKey(m.slot, req.APN)
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	req.APN = key.APN

	if rec, ok := m.records[key.APN]; ok {
		return fmt.Errorf("%w: %s is %s", ErrDuplicateBringUp, key, rec.State)
	}
	if !m.networkConnected {
		return fmt.Errorf("bring up %s: %w", key, ErrNetworkUnavailable)
	}
	if !m.scheduler.CanBringUpTunnel(key.APN) {
		left, _ := m.scheduler.CurrentRetryTime(key.APN)
		return &UnavailableError{
			Key:        key,
			RetryAfter: left,
			FailCause:  m.scheduler.DataFailCause(key.APN),
		}
	}

	now := m.now()
	rec := &Record{
		ID:               uuid.NewString(),
		Key:              key,
		State:            StateIdle,
		IsHandover:       req.IsHandover,
		IsImsOrEmergency: req.IsImsOrEmergency,
		PDUSessionID:     req.PDUSessionID,
		RequestedAt:      now,
		onBringUp:        cb,
	}
	m.records[key.APN] = rec
	m.transition(rec, StateBringupPending, "bring-up requested")

	req.FqdnIndex = m.scheduler.CurrentFqdnIndex(key.APN, req.NumFqdns)
	if req.FqdnIndex < 0 {
		req.FqdnIndex = 0
	}

	if err := m.negotiator.BringUp(ctx, key, req); err != nil {
		m.logger.Warn("negotiator rejected bring-up", "apn", key.APN, "error", err)
		m.failBringUp(rec, domain.TunnelError{Kind: domain.ErrorKindInternal, Message: err.Error()})
	}
	return nil
}

// RequestTeardown closes the tunnel of apn. Tearing down a pending bring-up
// abandons it.
func (m *Manager) RequestTeardown(ctx context.Context, apn string, cb Callback) error {
	rec, ok := m.records[apn]
	if !ok {
		return fmt.Errorf("teardown %q: %w", apn, ErrUnknownSession)
	}
	if !CanTransition(rec.State, StateTeardownPending) {
		return fmt.Errorf("%w: teardown while %s", ErrInvalidTransition, rec.State)
	}

	wasPending := rec.State == StateBringupPending
	rec.onTeardown = cb
	m.transition(rec, StateTeardownPending, "teardown requested")

	if wasPending && rec.onBringUp != nil {
		cb := rec.onBringUp
		rec.onBringUp = nil
		cb(Result{
			TunnelID:  rec.ID,
			Key:       rec.Key,
			Err:       ErrBringUpAbandoned,
			FailCause: classify.CauseUnspecified,
		})
	}

	if err := m.negotiator.CloseTunnel(ctx, rec.Key, false); err != nil {
		m.logger.Warn("negotiator rejected close, forcing cleanup", "apn", apn, "error", err)
		m.finishTeardown(rec, fmt.Errorf("close tunnel: %w", err))
	}
	return nil
}

// TunnelOpened handles the negotiator reporting an established tunnel.
func (m *Manager) TunnelOpened(apn string, props Properties) error {
	rec, ok := m.records[apn]
	if !ok {
		return fmt.Errorf("opened %q: %w", apn, ErrUnknownSession)
	}
	if rec.State != StateBringupPending {
		return fmt.Errorf("%w: opened while %s", ErrInvalidTransition, rec.State)
	}

	now := m.now()
	rec.UpAt = now
	rec.Properties = &props
	rec.FailCause = classify.CauseNone
	m.transition(rec, StateUp, "tunnel opened")

	if _, err := m.scheduler.ReportFailure(apn, domain.NoError()); err != nil {
		m.logger.Error("clear retry state", "apn", apn, "error", err)
	}

	latency := now.Sub(rec.RequestedAt)
	m.stats.setupSuccess(apn, latency, now)
	m.emit(rec, domain.OutcomeSetupSuccess, nil, "", 0, latency)

	if cb := rec.onBringUp; cb != nil {
		rec.onBringUp = nil
		cb(Result{
			TunnelID:     rec.ID,
			Key:          rec.Key,
			FailCause:    classify.CauseNone,
			HandoverMode: HandoverFailureUnspecified,
			Properties:   rec.Properties,
		})
	}
	return nil
}

// TunnelClosed handles the negotiator reporting a closed tunnel, whether
// the bring-up failed, the tunnel dropped, or a teardown completed.
func (m *Manager) TunnelClosed(apn string, tunnelErr domain.TunnelError) error {
	rec, ok := m.records[apn]
	if !ok {
		return fmt.Errorf("closed %q: %w", apn, ErrUnknownSession)
	}

	switch rec.State {
	case StateBringupPending:
		m.failBringUp(rec, tunnelErr)
	case StateUp:
		m.dropped(rec, tunnelErr)
	case StateTeardownPending:
		var err error
		if !tunnelErr.IsNone() {
			err = tunnelErr
			// A bring-up abandoned before it opened still failed.
			if rec.UpAt.IsZero() {
				if _, rerr := m.scheduler.ReportFailure(apn, tunnelErr); rerr != nil {
					m.logger.Error("record failure", "apn", apn, "error", rerr)
				}
			}
		}
		m.finishTeardown(rec, err)
	default:
		return fmt.Errorf("%w: closed while %s", ErrInvalidTransition, rec.State)
	}
	return nil
}

func (m *Manager) failBringUp(rec *Record, tunnelErr domain.TunnelError) {
	apn := rec.Key.APN
	decision, err := m.scheduler.ReportFailure(apn, tunnelErr)
	if err != nil {
		m.logger.Error("record failure", "apn", apn, "error", err)
	}

	cause := m.scheduler.DataFailCause(apn)
	delay := decision.Delay
	if cause == classify.CauseNone {
		cause = classify.CauseNetworkFailure
		delay = noCauseRetry
	}
	rec.FailCause = cause

	mode := m.handoverFailureMode(rec)

	now := m.now()
	m.stats.setupFailure(apn, now)
	m.transition(rec, StateIdle, "bring-up failed: "+tunnelErr.Error())
	delete(m.records, apn)
	m.emit(rec, domain.OutcomeSetupFailure, &tunnelErr, cause, delay, now.Sub(rec.RequestedAt))

	m.logger.Info("bring-up failed",
		"apn", apn,
		"error", tunnelErr.Error(),
		"cause", string(cause),
		"retry_in", delay,
		"handover_mode", string(mode),
	)

	if cb := rec.onBringUp; cb != nil {
		rec.onBringUp = nil
		cb(Result{
			TunnelID:     rec.ID,
			Key:          rec.Key,
			Err:          tunnelErr,
			FailCause:    cause,
			RetryDelay:   delay,
			NoAutoRetry:  decision.NoAutoRetry,
			HandoverMode: mode,
		})
	}
}

// handoverFailureMode derives how a failed handover should be retried.
func (m *Manager) handoverFailureMode(rec *Record) HandoverFailureMode {
	if !rec.IsHandover {
		return HandoverFailureUnspecified
	}
	if rec.IsImsOrEmergency && m.callActive {
		return HandoverFailureRetryHandover
	}
	if m.scheduler.ShouldRetryWithInitialAttach(rec.Key.APN) {
		return HandoverFailureRetrySetupNormal
	}
	return HandoverFailureUnspecified
}

func (m *Manager) dropped(rec *Record, tunnelErr domain.TunnelError) {
	apn := rec.Key.APN
	m.transition(rec, StateTeardownPending, "unsolicited drop: "+tunnelErr.Error())

	// Errors on an opened tunnel do not throttle the next bring-up.
	rec.FailCause = classify.DataFailCause(tunnelErr)

	now := m.now()
	upTime := now.Sub(rec.UpAt)
	m.stats.down(apn, upTime, true, now)
	m.transition(rec, StateIdle, "tunnel closed")
	delete(m.records, apn)
	m.emit(rec, domain.OutcomeUnsolicitedDrop, &tunnelErr, rec.FailCause, 0, upTime)

	m.logger.Warn("tunnel dropped", "apn", apn, "error", tunnelErr.Error(), "up_time", upTime)
}

func (m *Manager) finishTeardown(rec *Record, cause error) {
	apn := rec.Key.APN
	now := m.now()

	var upTime time.Duration
	if !rec.UpAt.IsZero() {
		upTime = now.Sub(rec.UpAt)
		m.stats.down(apn, upTime, false, now)
	}
	m.transition(rec, StateIdle, "teardown complete")
	delete(m.records, apn)
	m.emit(rec, domain.OutcomeTeardown, nil, "", 0, upTime)

	if cb := rec.onTeardown; cb != nil {
		rec.onTeardown = nil
		cb(Result{TunnelID: rec.ID, Key: rec.Key, Err: cause, FailCause: classify.CauseNone})
	}
}

func (m *Manager) transition(rec *Record, to State, reason string) {
	t := NewTransition(rec.ID, rec.Key, rec.State, to, reason, m.now())
	if !t.IsValid() {
		// Callers check transitions before getting here.
		m.logger.Error("invalid transition", "apn", rec.Key.APN, "from", rec.State, "to", to)
	}
	rec.State = to
	m.logger.Debug("state changed", "apn", rec.Key.APN, "from", t.From, "to", t.To, "reason", reason)
	if m.onTransition != nil {
		m.onTransition(t)
	}
}

func (m *Manager) emit(rec *Record, kind domain.OutcomeKind, tunnelErr *domain.TunnelError, cause classify.FailCause, delay, dur time.Duration) {
	if m.onOutcome == nil {
		return
	}
	out := domain.TunnelOutcome{
		ID:         uuid.NewString(),
		TunnelID:   rec.ID,
		Slot:       rec.Key.Slot,
		APN:        rec.Key.APN,
		Kind:       kind,
		Handover:   rec.IsHandover,
		FailCause:  string(cause),
		RetryDelay: delay,
		Duration:   dur,
		CreatedAt:  m.now(),
	}
	if tunnelErr != nil && !tunnelErr.IsNone() {
		out.Error = tunnelErr.Error()
	}
	m.onOutcome(out)
}

// State returns the lifecycle state of apn.
func (m *Manager) State(apn string) State {
	if rec, ok := m.records[apn]; ok {
		return rec.State
	}
	return StateIdle
}

func (m *Manager) Stats() StatsSnapshot {
	return m.stats.snapshot()
}

// Snapshot returns every live record ordered by APN.
func (m *Manager) Snapshot() []RecordSnapshot {
	out := make([]RecordSnapshot, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, RecordSnapshot{
			ID:          rec.ID,
			APN:         rec.Key.APN,
			State:       rec.State,
			IsHandover:  rec.IsHandover,
			RequestedAt: rec.RequestedAt,
			UpAt:        rec.UpAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APN < out[j].APN })
	return out
}
