package policy

import (
	"testing"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

func seconds(vals ...int) []time.Duration {
	out := make([]time.Duration, len(vals))
	for i, v := range vals {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

func TestRetrySequenceAt(t *testing.T) {
	tests := []struct {
		name      string
		seq       RetrySequence
		index     int
		want      time.Duration
		noAutoRtx bool
	}{
		{"first", RetrySequence{Delays: seconds(4, 8, 16)}, 0, 4 * time.Second, false},
		{"last", RetrySequence{Delays: seconds(4, 8, 16)}, 2, 16 * time.Second, false},
		{"exhausted", RetrySequence{Delays: seconds(4, 8, 16)}, 3, TerminalBackoff, false},
		{"far past end", RetrySequence{Delays: seconds(4, 8, 16)}, 40, TerminalBackoff, false},
		{"trailing -1 before end", RetrySequence{Delays: seconds(4, 8), NoAutoRetry: true}, 1, 8 * time.Second, false},
		{"trailing -1 reached", RetrySequence{Delays: seconds(4, 8), NoAutoRetry: true}, 2, 8 * time.Second, true},
		{"trailing -1 repeats", RetrySequence{Delays: seconds(4, 8), NoAutoRetry: true}, 9, 8 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, noAuto := tt.seq.At(tt.index)
			if got != tt.want || noAuto != tt.noAutoRtx {
				t.Errorf("At(%d) = (%v, %v), want (%v, %v)", tt.index, got, noAuto, tt.want, tt.noAutoRtx)
			}
		})
	}
}

func TestDetailMatching(t *testing.T) {
	rangeMatcher, err := ParseDetail(ErrorTypeProtocol, "9000-9050")
	if err != nil {
		t.Fatalf("ParseDetail range: %v", err)
	}
	if !rangeMatcher.Match("9030") {
		t.Error("range 9000-9050 should match 9030")
	}
	if rangeMatcher.Match("9051") || rangeMatcher.Match("abc") {
		t.Error("range 9000-9050 should not match 9051 or abc")
	}

	exact, err := ParseDetail(ErrorTypeProtocol, " 024 ")
	if err != nil {
		t.Fatalf("ParseDetail exact: %v", err)
	}
	if !exact.Match("24") {
		t.Error("exact 024 should normalize and match 24")
	}

	if _, err := ParseDetail(ErrorTypeAny, "24"); err == nil {
		t.Error("catch-all type should only accept *")
	}
}

func TestSelectPrefersMostSpecific(t *testing.T) {
	list := []ErrorPolicy{
		{Type: ErrorTypeAny, Details: []DetailMatcher{{Kind: MatchWildcard}}, Retry: RetrySequence{Delays: seconds(1)}},
		{Type: ErrorTypeProtocol, Details: []DetailMatcher{{Kind: MatchWildcard}}, Retry: RetrySequence{Delays: seconds(2)}},
		{Type: ErrorTypeProtocol, Details: []DetailMatcher{{Kind: MatchRange, Low: 20, High: 30}}, Retry: RetrySequence{Delays: seconds(3)}},
		{Type: ErrorTypeProtocol, Details: []DetailMatcher{{Kind: MatchExact, Value: "24"}}, Retry: RetrySequence{Delays: seconds(4)}},
	}

	tests := []struct {
		key  ErrorKey
		want time.Duration
	}{
		{ErrorKey{Type: ErrorTypeProtocol, Detail: "24"}, 4 * time.Second},
		{ErrorKey{Type: ErrorTypeProtocol, Detail: "25"}, 3 * time.Second},
		{ErrorKey{Type: ErrorTypeProtocol, Detail: "44"}, 2 * time.Second},
		{ErrorKey{Type: ErrorTypeGeneric, Detail: DetailIOException}, 1 * time.Second},
		{ErrorKey{Type: ErrorTypeGeneric}, 1 * time.Second},
	}

	for _, tt := range tests {
		got := Select(list, tt.key)
		if got == nil {
			t.Fatalf("Select(%s) returned nil", tt.key)
		}
		if got.Retry.Delays[0] != tt.want {
			t.Errorf("Select(%s) picked delay %v, want %v", tt.key, got.Retry.Delays[0], tt.want)
		}
	}
}

func TestErrorPolicyCounters(t *testing.T) {
	p := ErrorPolicy{
		Type:                 ErrorTypeProtocol,
		Details:              []DetailMatcher{{Kind: MatchWildcard}},
		Retry:                RetrySequence{Delays: seconds(1)},
		NumAttemptsPerFqdn:   6,
		HandoverAttemptCount: 2,
		UnthrottlingEvents:   []domain.EventKind{domain.EventWifiDisabled},
	}

	fqdn := []struct{ failures, want int }{
		{0, 0}, {5, 0}, {6, 1}, {11, 1}, {12, 0}, {17, 0}, {18, 1},
	}
	for _, tt := range fqdn {
		if got := p.FqdnIndex(tt.failures, 2); got != tt.want {
			t.Errorf("FqdnIndex(%d, 2) = %d, want %d", tt.failures, got, tt.want)
		}
	}

	if p.ShouldRetryWithInitialAttach(1) {
		t.Error("one failure should not trigger initial attach")
	}
	if !p.ShouldRetryWithInitialAttach(2) {
		t.Error("two failures should trigger initial attach")
	}
	if !p.Unthrottles(domain.EventWifiDisabled) || p.Unthrottles(domain.EventAirplaneModeEnabled) {
		t.Error("unthrottling events not honored")
	}

	p.NumAttemptsPerFqdn = 0
	if got := p.FqdnIndex(6, 2); got != -1 {
		t.Errorf("FqdnIndex without rotation = %d, want -1", got)
	}
}
