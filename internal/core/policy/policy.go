// Package policy models carrier error policies and resolves which policy
// applies to a classified failure.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

// TerminalBackoff is returned once a sequence without a trailing -1 is
// exhausted.
const TerminalBackoff = 24 * time.Hour

// Wildcard matches any error type or detail.
const Wildcard = "*"

// ErrorType is the class of error a policy applies to.
type ErrorType int

const (
	ErrorTypeAny ErrorType = iota
	ErrorTypeProtocol
	ErrorTypeGeneric
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeAny:      Wildcard,
	ErrorTypeProtocol: "IKE_PROTOCOL_ERROR_TYPE",
	ErrorTypeGeneric:  "GENERIC_ERROR_TYPE",
}

func (t ErrorType) String() string {
	if name, ok := errorTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ErrorType(%d)", int(t))
}

func ParseErrorType(s string) (ErrorType, error) {
	for t, name := range errorTypeNames {
		if name == s {
			return t, nil
		}
	}
	return ErrorTypeAny, fmt.Errorf("%w: unknown error type %q", ErrInvalidPolicy, s)
}

// Generic detail names accepted in GENERIC_ERROR_TYPE blocks.
const (
	DetailIOException           = "IO_EXCEPTION"
	DetailTimeoutException      = "TIMEOUT_EXCEPTION"
	DetailServerSelectionFailed = "SERVER_SELECTION_FAILED"
	DetailTunnelTransformFailed = "TUNNEL_TRANSFORM_FAILED"
	DetailNetworkLost           = "IKE_NETWORK_LOST_EXCEPTION"
	DetailOnlyIPv4Allowed       = "EPDG_ADDRESS_ONLY_IPV4_ALLOWED"
	DetailOnlyIPv6Allowed       = "EPDG_ADDRESS_ONLY_IPV6_ALLOWED"
	DetailInitTimeout           = "IKE_INIT_TIMEOUT"
	DetailMobilityTimeout       = "IKE_MOBILITY_TIMEOUT"
	DetailDPDTimeout            = "IKE_DPD_TIMEOUT"
)

var genericDetails = map[string]bool{
	DetailIOException:           true,
	DetailTimeoutException:      true,
	DetailServerSelectionFailed: true,
	DetailTunnelTransformFailed: true,
	DetailNetworkLost:           true,
	DetailOnlyIPv4Allowed:       true,
	DetailOnlyIPv6Allowed:       true,
	DetailInitTimeout:           true,
	DetailMobilityTimeout:       true,
	DetailDPDTimeout:            true,
}

// ErrorKey is a classified failure. Detail is empty for failures that only
// a catch-all policy can match.
type ErrorKey struct {
	Type   ErrorType
	Detail string
}

func (k ErrorKey) String() string {
	if k.Detail == "" {
		return k.Type.String()
	}
	return k.Type.String() + ":" + k.Detail
}

// MatchKind orders detail matchers by specificity.
type MatchKind int

const (
	MatchWildcard MatchKind = iota
	MatchRange
	MatchExact
)

// DetailMatcher matches one ErrorDetails entry.
type DetailMatcher struct {
	Kind  MatchKind
	Value string
	Low   int
	High  int
}

// ParseDetail parses an ErrorDetails entry for the given error type.
func ParseDetail(t ErrorType, raw string) (DetailMatcher, error) {
	s := strings.TrimSpace(raw)
	if s == Wildcard {
		return DetailMatcher{Kind: MatchWildcard, Value: Wildcard}, nil
	}

	switch t {
	case ErrorTypeProtocol:
		if low, high, ok := strings.Cut(s, "-"); ok {
			lo, errLo := parseDigits(low)
			hi, errHi := parseDigits(high)
			if errLo != nil || errHi != nil || lo > hi {
				return DetailMatcher{}, fmt.Errorf("%w: invalid range %q", ErrInvalidPolicy, raw)
			}
			return DetailMatcher{Kind: MatchRange, Value: s, Low: lo, High: hi}, nil
		}
		code, err := parseDigits(s)
		if err != nil {
			return DetailMatcher{}, fmt.Errorf("%w: invalid protocol detail %q", ErrInvalidPolicy, raw)
		}
		return DetailMatcher{Kind: MatchExact, Value: strconv.Itoa(code)}, nil
	case ErrorTypeGeneric:
		if !genericDetails[s] {
			return DetailMatcher{}, fmt.Errorf("%w: unknown generic detail %q", ErrInvalidPolicy, raw)
		}
		return DetailMatcher{Kind: MatchExact, Value: s}, nil
	default:
		return DetailMatcher{}, fmt.Errorf("%w: error type %s only accepts %q", ErrInvalidPolicy, t, Wildcard)
	}
}

func (m DetailMatcher) Match(detail string) bool {
	switch m.Kind {
	case MatchWildcard:
		return true
	case MatchRange:
		code, err := strconv.Atoi(detail)
		return err == nil && code >= m.Low && code <= m.High
	default:
		return m.Value == detail
	}
}

func (m DetailMatcher) String() string {
	return m.Value
}

// RetrySequence is the ordered list of delays of a policy.
type RetrySequence struct {
	Delays []time.Duration
	// NoAutoRetry is set when the configured array ends in -1. Once the
	// cursor reaches it the last delay keeps applying but no automatic
	// retry should be scheduled.
	NoAutoRetry bool
}

// At returns the delay for a zero-based failure index and whether the
// index has reached the trailing -1.
func (s RetrySequence) At(index int) (time.Duration, bool) {
	if index < 0 {
		index = 0
	}
	if index < len(s.Delays) {
		return s.Delays[index], false
	}
	if s.NoAutoRetry && len(s.Delays) > 0 {
		return s.Delays[len(s.Delays)-1], true
	}
	return TerminalBackoff, false
}

func (s RetrySequence) String() string {
	parts := make([]string, 0, len(s.Delays)+1)
	for _, d := range s.Delays {
		parts = append(parts, strconv.Itoa(int(d/time.Second)))
	}
	if s.NoAutoRetry {
		parts = append(parts, "-1")
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ErrorPolicy maps a class of errors to a retry sequence.
type ErrorPolicy struct {
	APN                string
	Type               ErrorType
	Details            []DetailMatcher
	Retry              RetrySequence
	UnthrottlingEvents []domain.EventKind
	// NumAttemptsPerFqdn is zero when not configured.
	NumAttemptsPerFqdn int
	// HandoverAttemptCount is zero when not configured.
	HandoverAttemptCount int
}

// Validate checks the structural invariants of a single policy.
func (p *ErrorPolicy) Validate() error {
	if len(p.Details) == 0 {
		return fmt.Errorf("%w: %s has no error details", ErrInvalidPolicy, p.Type)
	}
	if len(p.Retry.Delays) == 0 {
		return fmt.Errorf("%w: %s has an empty retry array", ErrInvalidPolicy, p.Type)
	}
	if p.NumAttemptsPerFqdn < 0 {
		return fmt.Errorf("%w: NumAttemptsPerFqdn must be positive", ErrInvalidPolicy)
	}
	if p.HandoverAttemptCount < 0 {
		return fmt.Errorf("%w: HandoverAttemptCount must be positive", ErrInvalidPolicy)
	}
	if p.HandoverAttemptCount > 0 && p.Type != ErrorTypeProtocol {
		return fmt.Errorf("%w: HandoverAttemptCount is only allowed for %s, got %s",
			ErrInvalidPolicy, ErrorTypeProtocol, p.Type)
	}
	for _, ev := range p.UnthrottlingEvents {
		if !ev.IsUnthrottling() {
			return fmt.Errorf("%w: unexpected unthrottling event %q", ErrInvalidPolicy, ev)
		}
	}
	return nil
}

// IsFallback reports whether the policy only matches by wildcard.
func (p *ErrorPolicy) IsFallback() bool {
	if p.Type == ErrorTypeAny {
		return true
	}
	return len(p.Details) == 1 && p.Details[0].Kind == MatchWildcard
}

// Score returns how specifically the policy matches key. The catch-all type
// scores 0, a type wildcard 1, a range 2 and an exact value 3.
func (p *ErrorPolicy) Score(key ErrorKey) (int, bool) {
	if p.Type == ErrorTypeAny {
		return 0, true
	}
	if p.Type != key.Type || key.Detail == "" {
		return 0, false
	}
	best := -1
	for _, m := range p.Details {
		if m.Match(key.Detail) && int(m.Kind) > best {
			best = int(m.Kind)
		}
	}
	if best < 0 {
		return 0, false
	}
	return best + 1, true
}

// Unthrottles reports whether ev clears state created under this policy.
func (p *ErrorPolicy) Unthrottles(ev domain.EventKind) bool {
	for _, e := range p.UnthrottlingEvents {
		if e == ev {
			return true
		}
	}
	return false
}

// FqdnIndex returns the endpoint index to use after the given number of
// failures, or -1 when rotation is not configured.
func (p *ErrorPolicy) FqdnIndex(failures, numFqdns int) int {
	if p.NumAttemptsPerFqdn <= 0 || numFqdns <= 0 {
		return -1
	}
	return failures / p.NumAttemptsPerFqdn % numFqdns
}

// ShouldRetryWithInitialAttach reports whether a handover should give up and
// fall back to an initial attach after the given number of failures.
func (p *ErrorPolicy) ShouldRetryWithInitialAttach(failures int) bool {
	return p.Type == ErrorTypeProtocol &&
		p.HandoverAttemptCount > 0 &&
		failures >= p.HandoverAttemptCount
}

func (p *ErrorPolicy) DetailStrings() []string {
	out := make([]string, len(p.Details))
	for i, m := range p.Details {
		out[i] = m.String()
	}
	return out
}

// Select returns the policy in list that matches key most specifically.
// Document order breaks ties.
func Select(list []ErrorPolicy, key ErrorKey) *ErrorPolicy {
	var (
		selected  *ErrorPolicy
		bestScore = -1
	)
	for i := range list {
		score, ok := list[i].Score(key)
		if ok && score > bestScore {
			selected = &list[i]
			bestScore = score
		}
	}
	return selected
}

func parseDigits(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
	}
	return strconv.Atoi(s)
}
