package tunnel

import (
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

// State is the lifecycle state of a tunnel record.
type State string

const (
	StateIdle            State = "idle"
	StateBringupPending  State = "bringup_pending"
	StateUp              State = "up"
	StateTeardownPending State = "teardown_pending"
)

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle:            {StateBringupPending},
	StateBringupPending:  {StateUp, StateIdle, StateTeardownPending},
	StateUp:              {StateTeardownPending},
	StateTeardownPending: {StateIdle},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change of one session.
type Transition struct {
	TunnelID  string
	Key       domain.SessionKey
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

func NewTransition(id string, key domain.SessionKey, from, to State, reason string, at time.Time) Transition {
	return Transition{
		TunnelID:  id,
		Key:       key,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - no tunnel for this session"
	case StateBringupPending:
		return "Bring-up pending - waiting for the negotiator"
	case StateUp:
		return "Up - tunnel established"
	case StateTeardownPending:
		return "Teardown pending - waiting for the tunnel to close"
	default:
		return "Unknown state"
	}
}
