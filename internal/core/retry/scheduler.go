// Package retry tracks per-APN retry state for one slot and decides how
// long a failed tunnel must wait before the next bring-up.
package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/classify"
	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
)

// ErrEmptyAPN is returned when a failure is reported without an APN.
var ErrEmptyAPN = errors.New("apn is required")

// Decision is the outcome of a reported failure.
type Decision struct {
	Delay time.Duration
	// NoAutoRetry is set once the policy sequence reached a trailing -1.
	NoAutoRetry bool
	// FromBackoff is set when a network or caller backoff replaced the
	// policy delay for this attempt.
	FromBackoff bool
	Failures    int
	Policy      *policy.ErrorPolicy
}

// UnthrottleCallback is invoked for every APN cleared by an event.
type UnthrottleCallback func(key domain.SessionKey, event domain.EventKind)

// FailureCallback is invoked after a failure has been recorded.
type FailureCallback func(key domain.SessionKey, err domain.TunnelError, d Decision)

// Scheduler holds the retry state of one slot. It is owned by the slot
// loop and must not be called concurrently; only the policy set may be
// swapped from elsewhere.
type Scheduler struct {
	slot     int
	policies atomic.Pointer[policy.Set]

	states     map[string]*retryState
	stats      *ErrorStats
	mostRecent *domain.TunnelError

	now          func() time.Time
	onUnthrottle UnthrottleCallback
	onFailure    FailureCallback
	logger       *slog.Logger
}

func NewScheduler(slot int, set *policy.Set, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		slot:   slot,
		states: make(map[string]*retryState),
		now:    time.Now,
		logger: logger.With("component", "retry", "slot", slot),
	}
	s.stats = newErrorStats(s.now())
	s.policies.Store(set)
	return s
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) SetUnthrottleCallback(cb UnthrottleCallback) {
	s.onUnthrottle = cb
}

func (s *Scheduler) SetFailureCallback(cb FailureCallback) {
	s.onFailure = cb
}

func (s *Scheduler) Policies() *policy.Set {
	return s.policies.Load()
}

// SetPolicies swaps the active policy set. Existing retry state keeps the
// policy it was created with.
func (s *Scheduler) SetPolicies(set *policy.Set) {
	s.policies.Store(set)
}

// ReportFailure records err for apn and returns the delay before the next
// attempt. A no-error report clears the APN and returns a zero decision.
func (s *Scheduler) ReportFailure(apn string, err domain.TunnelError) (Decision, error) {
	return s.report(apn, err, 0)
}

// ReportFailureWithBackoff is ReportFailure with an explicit backoff that
// applies to this attempt only.
func (s *Scheduler) ReportFailureWithBackoff(apn string, err domain.TunnelError, backoff time.Duration) (Decision, error) {
	return s.report(apn, err, backoff)
}

func (s *Scheduler) report(apn string, err domain.TunnelError, backoff time.Duration) (Decision, error) {
	if apn == "" {
		return Decision{}, ErrEmptyAPN
	}

	result := classify.Classify(err)
	if result.None {
		s.Clear(apn)
		return Decision{}, nil
	}

	now := s.now()
	st, ok := s.states[apn]
	if !ok || !st.err.Same(err) {
		p := s.policies.Load().Resolve(apn, result.Key)
		if p == nil {
			return Decision{}, fmt.Errorf("no policy for %s on apn %q", result.Key, apn)
		}
		st = newRetryState(err, result.Key, p)
		s.states[apn] = st
	}

	st.err = err
	st.retryIndex++
	st.delay, st.noAutoRetry = st.policy.Retry.At(st.retryIndex)
	st.fromBackoff = false

	if backoff <= 0 && result.HasBackoff() {
		backoff = result.Backoff
	}
	if backoff > 0 {
		st.delay = backoff
		st.noAutoRetry = false
		st.fromBackoff = true
	}
	st.lastFailure = now

	s.stats.update(apn, err, now)
	recent := err
	s.mostRecent = &recent

	s.logger.Debug("failure recorded",
		"apn", apn,
		"error", err.Error(),
		"policy", st.policy.Type.String(),
		"failures", st.failures(),
		"delay", st.delay,
		"no_auto_retry", st.noAutoRetry,
	)

	d := Decision{
		Delay:       st.delay,
		NoAutoRetry: st.noAutoRetry,
		FromBackoff: st.fromBackoff,
		Failures:    st.failures(),
		Policy:      st.policy,
	}
	if s.onFailure != nil {
		s.onFailure(domain.SessionKey{Slot: s.slot, APN: apn}, err, d)
	}
	return d, nil
}

// Clear drops the retry state of apn.
func (s *Scheduler) Clear(apn string) {
	if _, ok := s.states[apn]; ok {
		delete(s.states, apn)
		s.logger.Debug("retry state cleared", "apn", apn)
	}
}

// CanBringUpTunnel reports whether apn is past its retry delay.
func (s *Scheduler) CanBringUpTunnel(apn string) bool {
	st, ok := s.states[apn]
	if !ok {
		return true
	}
	return !s.now().Before(st.eligibleAt())
}

// CurrentRetryTime returns the time left before apn may retry. The second
// value is false when apn has no retry state.
func (s *Scheduler) CurrentRetryTime(apn string) (time.Duration, bool) {
	st, ok := s.states[apn]
	if !ok {
		return 0, false
	}
	return st.remaining(s.now()), true
}

// Deadline returns the pending retry deadline for apn.
func (s *Scheduler) Deadline(apn string) (Deadline, bool) {
	st, ok := s.states[apn]
	if !ok {
		return Deadline{}, false
	}
	return Deadline{LastFailure: st.lastFailure, Delay: st.delay, NoAutoRetry: st.noAutoRetry}, true
}

// CurrentFqdnIndex returns which of numFqdns endpoints to try next, or -1
// when apn has no state or its policy does not rotate endpoints.
func (s *Scheduler) CurrentFqdnIndex(apn string, numFqdns int) int {
	st, ok := s.states[apn]
	if !ok {
		return -1
	}
	return st.policy.FqdnIndex(st.failures(), numFqdns)
}

// ShouldRetryWithInitialAttach reports whether a handover on apn has failed
// often enough to fall back to an initial attach.
func (s *Scheduler) ShouldRetryWithInitialAttach(apn string) bool {
	st, ok := s.states[apn]
	if !ok || st.key.Type != policy.ErrorTypeProtocol {
		return false
	}
	return st.policy.ShouldRetryWithInitialAttach(st.failures())
}

// OnUnthrottlingEvent clears every APN whose policy lists event and returns
// the cleared session keys.
func (s *Scheduler) OnUnthrottlingEvent(event domain.EventKind) []domain.SessionKey {
	var cleared []domain.SessionKey
	for apn, st := range s.states {
		if st.policy.Unthrottles(event) {
			delete(s.states, apn)
			cleared = append(cleared, domain.SessionKey{Slot: s.slot, APN: apn})
		}
	}
	sort.Slice(cleared, func(i, j int) bool { return cleared[i].APN < cleared[j].APN })

	for _, key := range cleared {
		s.logger.Info("unthrottled", "apn", key.APN, "event", string(event))
		if s.onUnthrottle != nil {
			s.onUnthrottle(key, event)
		}
	}
	return cleared
}

// ReloadPolicies applies a carrier document. Loading the document that is
// already active is a no-op. A carrier change first unthrottles policies
// listening to CARRIER_CONFIG_CHANGED_EVENT. A document that fails to parse
// leaves only the defaults active and the error is returned.
func (s *Scheduler) ReloadPolicies(carrierID int, data []byte) (bool, error) {
	current := s.policies.Load()
	if current.SameSource(carrierID, data) {
		return false, nil
	}

	s.OnUnthrottlingEvent(domain.EventCarrierConfigChanged)

	next, err := current.WithCarrier(carrierID, data)
	s.policies.Store(next)
	if err != nil {
		s.logger.Warn("carrier policy rejected, using defaults",
			"carrier_id", carrierID, "error", err)
		return true, err
	}
	s.logger.Info("carrier policy loaded",
		"carrier_id", carrierID, "apns", len(next.Carrier()))
	return true, nil
}

// LastError returns the error that created the current state of apn.
func (s *Scheduler) LastError(apn string) (domain.TunnelError, bool) {
	st, ok := s.states[apn]
	if !ok {
		return domain.TunnelError{}, false
	}
	return st.err, true
}

// DataFailCause returns the fail cause of the last error on apn.
func (s *Scheduler) DataFailCause(apn string) classify.FailCause {
	st, ok := s.states[apn]
	if !ok {
		return classify.CauseNone
	}
	return classify.DataFailCause(st.err)
}

// MostRecentDataFailCause returns the fail cause of the last error reported
// on any APN.
func (s *Scheduler) MostRecentDataFailCause() classify.FailCause {
	if s.mostRecent == nil {
		return classify.CauseNone
	}
	return classify.DataFailCause(*s.mostRecent)
}

func (s *Scheduler) ErrorStats() StatsSnapshot {
	return s.stats.snapshot()
}

// Snapshot returns the state of every throttled APN ordered by APN.
func (s *Scheduler) Snapshot() []StateSnapshot {
	now := s.now()
	out := make([]StateSnapshot, 0, len(s.states))
	for apn, st := range s.states {
		out = append(out, StateSnapshot{
			APN:         apn,
			Error:       st.err.Error(),
			ErrorKey:    st.key.String(),
			PolicyAPN:   st.policy.APN,
			PolicyType:  st.policy.Type.String(),
			Failures:    st.failures(),
			Delay:       st.delay,
			Remaining:   st.remaining(now),
			NoAutoRetry: st.noAutoRetry,
			FromBackoff: st.fromBackoff,
			LastFailure: st.lastFailure,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APN < out[j].APN })
	return out
}
