package dispatch

import (
	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
)

// Notifier receives slot notifications. Methods run on the slot loop and
// must not block.
type Notifier interface {
	OnTransition(t tunnel.Transition)
	OnUnthrottled(key domain.SessionKey, event domain.EventKind)
	OnRetryEligible(key domain.SessionKey)
}

// OutcomeSink receives lifecycle outcomes. Record must not block.
type OutcomeSink interface {
	Record(out domain.TunnelOutcome)
}

type nopNotifier struct{}

func (nopNotifier) OnTransition(tunnel.Transition) {}
func (nopNotifier) OnUnthrottled(domain.SessionKey, domain.EventKind) {}
func (nopNotifier) OnRetryEligible(domain.SessionKey) {}

type nopSink struct{}

func (nopSink) Record(domain.TunnelOutcome) {}
