package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSessionKey is returned when a session key has no slot or APN.
var ErrInvalidSessionKey = errors.New("invalid session key")

// WildcardAPN matches every APN in a policy document.
const WildcardAPN = "*"

// SessionKey identifies one retryable tunnel-establishment context.
type SessionKey struct {
	Slot int    `json:"slot"`
	APN  string `json:"apn"`
}

func NewSessionKey(slot int, apn string) SessionKey {
	return SessionKey{Slot: slot, APN: strings.TrimSpace(apn)}
}

// Validate rejects negative slots and empty or wildcard APNs.
func (k SessionKey) Validate() error {
	if k.Slot < 0 {
		return fmt.Errorf("%w: negative slot %d", ErrInvalidSessionKey, k.Slot)
	}
	if k.APN == "" || k.APN == WildcardAPN {
		return fmt.Errorf("%w: apn %q", ErrInvalidSessionKey, k.APN)
	}
	return nil
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%d/%s", k.Slot, k.APN)
}
