// Package classify maps raw negotiator failures onto policy error keys and
// telephony fail causes.
package classify

import (
	"strconv"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
)

// Result is a classified failure.
type Result struct {
	Key policy.ErrorKey
	// Backoff is a network-supplied delay that overrides the policy for
	// the current attempt. Zero means no override.
	Backoff time.Duration
	// None is set for the no-error sentinel.
	None bool
}

func (r Result) HasBackoff() bool {
	return r.Backoff > 0
}

var genericDetails = map[domain.ErrorKind]string{
	domain.ErrorKindIO:                    policy.DetailIOException,
	domain.ErrorKindTimeout:               policy.DetailTimeoutException,
	domain.ErrorKindServerSelectionFailed: policy.DetailServerSelectionFailed,
	domain.ErrorKindTunnelTransformFailed: policy.DetailTunnelTransformFailed,
	domain.ErrorKindNetworkLost:           policy.DetailNetworkLost,
	domain.ErrorKindOnlyIPv4Allowed:       policy.DetailOnlyIPv4Allowed,
	domain.ErrorKindOnlyIPv6Allowed:       policy.DetailOnlyIPv6Allowed,
	domain.ErrorKindInitTimeout:           policy.DetailInitTimeout,
	domain.ErrorKindMobilityTimeout:       policy.DetailMobilityTimeout,
	domain.ErrorKindDPDTimeout:            policy.DetailDPDTimeout,
}

// Classify maps err onto the key used for policy lookup. Kinds without a
// generic detail name classify as a generic error with an empty detail,
// which only the catch-all policy matches.
func Classify(err domain.TunnelError) Result {
	switch err.Kind {
	case domain.ErrorKindNone:
		return Result{None: true}
	case domain.ErrorKindProtocol:
		r := Result{Key: policy.ErrorKey{
			Type:   policy.ErrorTypeProtocol,
			Detail: strconv.Itoa(err.Code),
		}}
		if len(err.BackoffTimer) > 0 {
			if d, ok := DecodeBackoffTimer(err.BackoffTimer[0]); ok {
				r.Backoff = d
			}
		}
		return r
	}

	return Result{Key: policy.ErrorKey{
		Type:   policy.ErrorTypeGeneric,
		Detail: genericDetails[err.Kind],
	}}
}
