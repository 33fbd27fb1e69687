package retry

import (
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
)

// retryState is the per-APN retry bookkeeping. It is bound to the error and
// the policy that created it.
type retryState struct {
	err    domain.TunnelError
	key    policy.ErrorKey
	policy *policy.ErrorPolicy

	// retryIndex is the sequence position of the last failure, -1 before
	// the first one.
	retryIndex  int
	lastFailure time.Time
	delay       time.Duration
	noAutoRetry bool
	fromBackoff bool
}

func newRetryState(err domain.TunnelError, key policy.ErrorKey, p *policy.ErrorPolicy) *retryState {
	return &retryState{err: err, key: key, policy: p, retryIndex: -1}
}

func (s *retryState) failures() int {
	return s.retryIndex + 1
}

func (s *retryState) eligibleAt() time.Time {
	return s.lastFailure.Add(s.delay)
}

func (s *retryState) remaining(now time.Time) time.Duration {
	left := s.eligibleAt().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Deadline describes when an APN may retry.
type Deadline struct {
	LastFailure time.Time
	Delay       time.Duration
	NoAutoRetry bool
}

// StateSnapshot is a read-only view of one APN's retry state.
type StateSnapshot struct {
	APN         string        `json:"apn"`
	Error       string        `json:"error"`
	ErrorKey    string        `json:"error_key"`
	PolicyAPN   string        `json:"policy_apn"`
	PolicyType  string        `json:"policy_type"`
	Failures    int           `json:"failures"`
	Delay       time.Duration `json:"delay"`
	Remaining   time.Duration `json:"remaining"`
	NoAutoRetry bool          `json:"no_auto_retry"`
	FromBackoff bool          `json:"from_backoff"`
	LastFailure time.Time     `json:"last_failure"`
}
