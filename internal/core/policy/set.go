package policy

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

//go:embed defaults.json
var defaultDocument []byte

// ErrNoCatchAll is returned when a default document has no policy matching
// every error.
var ErrNoCatchAll = errors.New("default policies have no catch-all")

// Set is an immutable snapshot of the active carrier and default policies.
type Set struct {
	carrier  Policies
	defaults Policies

	CarrierID int
	Digest    string
	LoadedAt  time.Time
}

// LoadDefaults parses a default document. It fails when no catch-all
// policy exists for the wildcard APN.
func LoadDefaults(data []byte) (Policies, error) {
	defaults, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse default policies: %w", err)
	}
	for _, p := range defaults[domain.WildcardAPN] {
		if p.Type == ErrorTypeAny {
			return defaults, nil
		}
	}
	return nil, ErrNoCatchAll
}

// BuiltinDefaults parses the embedded default document.
func BuiltinDefaults() Policies {
	defaults, err := LoadDefaults(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("builtin policy document: %v", err))
	}
	return defaults
}

// NewSet builds a set with no carrier policies.
func NewSet(defaults Policies) *Set {
	return &Set{defaults: defaults, LoadedAt: time.Now()}
}

// WithCarrier returns a new set using the given carrier document. On a
// parse failure the returned set carries no carrier policies and the error
// is returned alongside it.
func (s *Set) WithCarrier(carrierID int, data []byte) (*Set, error) {
	next := &Set{
		defaults:  s.defaults,
		CarrierID: carrierID,
		LoadedAt:  time.Now(),
	}
	if len(data) == 0 {
		return next, nil
	}
	next.Digest = Digest(data)
	carrier, err := Parse(data)
	if err != nil {
		next.Digest = ""
		return next, err
	}
	next.carrier = carrier
	return next, nil
}

// SameSource reports whether loading data for carrierID would produce this
// set again.
func (s *Set) SameSource(carrierID int, data []byte) bool {
	if s.CarrierID != carrierID {
		return false
	}
	if len(data) == 0 {
		return s.Digest == "" && s.carrier == nil
	}
	return s.Digest != "" && s.Digest == Digest(data)
}

// HasCarrier reports whether carrier policies are active.
func (s *Set) HasCarrier() bool {
	return len(s.carrier) > 0
}

// Resolve returns the policy for key on apn, trying carrier policies for
// the APN, carrier wildcard policies, then the same on the defaults.
func (s *Set) Resolve(apn string, key ErrorKey) *ErrorPolicy {
	chain := [][]ErrorPolicy{
		s.carrier[apn],
		s.carrier[domain.WildcardAPN],
		s.defaults[apn],
		s.defaults[domain.WildcardAPN],
	}
	for _, list := range chain {
		if p := Select(list, key); p != nil {
			return p
		}
	}
	// Unreachable with defaults built by LoadDefaults.
	return nil
}

// UnthrottlingEvents returns every event any active policy listens to.
func (s *Set) UnthrottlingEvents() []domain.EventKind {
	seen := make(map[domain.EventKind]bool)
	for _, doc := range []Policies{s.carrier, s.defaults} {
		for _, list := range doc {
			for _, p := range list {
				for _, ev := range p.UnthrottlingEvents {
					seen[ev] = true
				}
			}
		}
	}
	out := make([]domain.EventKind, 0, len(seen))
	for ev := range seen {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Carrier returns the carrier policies, keyed by APN.
func (s *Set) Carrier() Policies {
	return s.carrier
}

// Defaults returns the default policies, keyed by APN.
func (s *Set) Defaults() Policies {
	return s.defaults
}

func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
