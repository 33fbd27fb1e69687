package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

var (
	ErrInvalidDocument = errors.New("invalid policy document")
	ErrInvalidPolicy   = errors.New("invalid error policy")
)

// Policies holds the parsed policies of one document, keyed by APN.
type Policies map[string][]ErrorPolicy

type rawEntry struct {
	ApnName    string         `json:"ApnName"`
	ErrorTypes []rawErrorType `json:"ErrorTypes"`
}

type rawErrorType struct {
	ErrorType            string   `json:"ErrorType"`
	ErrorDetails         []string `json:"ErrorDetails"`
	RetryArray           []string `json:"RetryArray"`
	UnthrottlingEvents   []string `json:"UnthrottlingEvents"`
	NumAttemptsPerFqdn   *string  `json:"NumAttemptsPerFqdn"`
	HandoverAttemptCount *string  `json:"HandoverAttemptCount"`
}

// Parser turns a policy document into Policies.
type Parser struct {
	// RandIntN draws the random part of "base+rN" retry entries.
	RandIntN func(n int) int
}

// Parse parses data with the default random source.
func Parse(data []byte) (Policies, error) {
	return (&Parser{}).Parse(data)
}

// Parse validates data against the document schema, then parses every
// entry. Any invalid entry fails the whole document.
func (p *Parser) Parse(data []byte) (Policies, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var entries []rawEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	out := make(Policies, len(entries))
	for _, entry := range entries {
		apn := strings.TrimSpace(entry.ApnName)
		for i, raw := range entry.ErrorTypes {
			pol, err := p.parseErrorType(apn, raw)
			if err != nil {
				return nil, fmt.Errorf("apn %q error type #%d: %w", apn, i, err)
			}
			out[apn] = append(out[apn], pol)
		}
	}
	for apn := range out {
		sortBySpecificity(out[apn])
	}
	return out, nil
}

func (p *Parser) parseErrorType(apn string, raw rawErrorType) (ErrorPolicy, error) {
	errType, err := ParseErrorType(strings.TrimSpace(raw.ErrorType))
	if err != nil {
		return ErrorPolicy{}, err
	}

	pol := ErrorPolicy{APN: apn, Type: errType}

	for _, d := range raw.ErrorDetails {
		m, err := ParseDetail(errType, d)
		if err != nil {
			return ErrorPolicy{}, err
		}
		pol.Details = append(pol.Details, m)
	}

	if pol.Retry, err = p.parseRetryArray(raw.RetryArray); err != nil {
		return ErrorPolicy{}, err
	}

	for _, ev := range raw.UnthrottlingEvents {
		kind := domain.EventKind(strings.TrimSpace(ev))
		if !kind.IsUnthrottling() {
			return ErrorPolicy{}, fmt.Errorf("%w: unexpected unthrottling event %q", ErrInvalidPolicy, ev)
		}
		pol.UnthrottlingEvents = append(pol.UnthrottlingEvents, kind)
	}

	if raw.NumAttemptsPerFqdn != nil {
		n, err := parseDigits(*raw.NumAttemptsPerFqdn)
		if err != nil || n == 0 {
			return ErrorPolicy{}, fmt.Errorf("%w: NumAttemptsPerFqdn %q", ErrInvalidPolicy, *raw.NumAttemptsPerFqdn)
		}
		pol.NumAttemptsPerFqdn = n
	}
	if raw.HandoverAttemptCount != nil {
		n, err := parseDigits(*raw.HandoverAttemptCount)
		if err != nil || n == 0 {
			return ErrorPolicy{}, fmt.Errorf("%w: HandoverAttemptCount %q", ErrInvalidPolicy, *raw.HandoverAttemptCount)
		}
		pol.HandoverAttemptCount = n
	}

	if err := pol.Validate(); err != nil {
		return ErrorPolicy{}, err
	}
	return pol, nil
}

// parseRetryArray accepts non-negative seconds, "base+rN" randomized
// entries, and a single trailing "-1" that may not be the only element.
func (p *Parser) parseRetryArray(entries []string) (RetrySequence, error) {
	var seq RetrySequence
	for i, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "-1" {
			if i != len(entries)-1 || i == 0 {
				return RetrySequence{}, fmt.Errorf("%w: misplaced -1 in retry array", ErrInvalidPolicy)
			}
			seq.NoAutoRetry = true
			continue
		}

		if base, spread, ok := strings.Cut(s, "+r"); ok {
			b, errB := parseDigits(base)
			n, errN := parseDigits(spread)
			if errB != nil || errN != nil {
				return RetrySequence{}, fmt.Errorf("%w: randomized retry time %q", ErrInvalidPolicy, raw)
			}
			seq.Delays = append(seq.Delays, time.Duration(b+p.randIntN(n))*time.Second)
			continue
		}

		secs, err := parseDigits(s)
		if err != nil {
			return RetrySequence{}, fmt.Errorf("%w: retry time %q", ErrInvalidPolicy, raw)
		}
		seq.Delays = append(seq.Delays, time.Duration(secs)*time.Second)
	}
	return seq, nil
}

func (p *Parser) randIntN(n int) int {
	if n <= 0 {
		return 0
	}
	if p.RandIntN != nil {
		return p.RandIntN(n)
	}
	return rand.IntN(n)
}

// sortBySpecificity orders a list most-specific-first. The catch-all type
// goes last, type wildcards before it, document order is otherwise kept.
func sortBySpecificity(list []ErrorPolicy) {
	rank := func(p *ErrorPolicy) int {
		switch {
		case p.Type == ErrorTypeAny:
			return 0
		case p.IsFallback():
			return 1
		}
		best := 0
		for _, m := range p.Details {
			if int(m.Kind) > best {
				best = int(m.Kind)
			}
		}
		return best + 1
	}
	sort.SliceStable(list, func(i, j int) bool {
		return rank(&list[i]) > rank(&list[j])
	})
}
