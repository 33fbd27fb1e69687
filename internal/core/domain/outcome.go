package domain

import "time"

// TunnelOutcome is a persisted record of one lifecycle result.
type TunnelOutcome struct {
	ID         string        `json:"id"`
	TunnelID   string        `json:"tunnel_id"`
	Slot       int           `json:"slot"`
	APN        string        `json:"apn"`
	Kind       OutcomeKind   `json:"kind"`
	Handover   bool          `json:"handover"`
	Error      string        `json:"error,omitempty"`
	FailCause  string        `json:"fail_cause,omitempty"`
	RetryDelay time.Duration `json:"retry_delay"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

type OutcomeKind string

const (
	OutcomeSetupSuccess    OutcomeKind = "setup_success"
	OutcomeSetupFailure    OutcomeKind = "setup_failure"
	OutcomeTeardown        OutcomeKind = "teardown"
	OutcomeUnsolicitedDrop OutcomeKind = "unsolicited_drop"
)
