package classify

import (
	"testing"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     domain.TunnelError
		want    policy.ErrorKey
		none    bool
		backoff time.Duration
	}{
		{
			name: "no error",
			err:  domain.NoError(),
			none: true,
		},
		{
			name: "protocol code",
			err:  domain.ProtocolError(24),
			want: policy.ErrorKey{Type: policy.ErrorTypeProtocol, Detail: "24"},
		},
		{
			name:    "protocol code with backoff timer",
			err:     domain.ProtocolError(15500, 0x65), // unit 3 (2s) * 5
			want:    policy.ErrorKey{Type: policy.ErrorTypeProtocol, Detail: "15500"},
			backoff: 10 * time.Second,
		},
		{
			name: "protocol code with deactivated timer",
			err:  domain.ProtocolError(15500, 0xE5),
			want: policy.ErrorKey{Type: policy.ErrorTypeProtocol, Detail: "15500"},
		},
		{
			name: "server selection",
			err:  domain.NewTunnelError(domain.ErrorKindServerSelectionFailed),
			want: policy.ErrorKey{Type: policy.ErrorTypeGeneric, Detail: policy.DetailServerSelectionFailed},
		},
		{
			name: "io exception",
			err:  domain.NewTunnelError(domain.ErrorKindIO),
			want: policy.ErrorKey{Type: policy.ErrorTypeGeneric, Detail: policy.DetailIOException},
		},
		{
			name: "timeout exception",
			err:  domain.NewTunnelError(domain.ErrorKindTimeout),
			want: policy.ErrorKey{Type: policy.ErrorTypeGeneric, Detail: policy.DetailTimeoutException},
		},
		{
			name: "unnamed internal fault",
			err:  domain.NewTunnelError(domain.ErrorKindSimNotReady),
			want: policy.ErrorKey{Type: policy.ErrorTypeGeneric},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.None != tt.none {
				t.Fatalf("None = %v, want %v", got.None, tt.none)
			}
			if got.Key != tt.want {
				t.Errorf("Key = %s, want %s", got.Key, tt.want)
			}
			if got.Backoff != tt.backoff {
				t.Errorf("Backoff = %v, want %v", got.Backoff, tt.backoff)
			}
		})
	}
}

func TestDecodeBackoffTimer(t *testing.T) {
	tests := []struct {
		b    byte
		want time.Duration
		ok   bool
	}{
		{0x01, 10 * time.Minute, true},
		{0x22, 2 * time.Hour, true},
		{0x41, 10 * time.Hour, true},
		{0x9F, 31 * 30 * time.Second, true},
		{0xA3, 3 * time.Minute, true},
		{0xC1, time.Hour, true},
		{0xE1, 0, false},
		{0x60, 0, false},
	}

	for _, tt := range tests {
		got, ok := DecodeBackoffTimer(tt.b)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DecodeBackoffTimer(%#x) = (%v, %v), want (%v, %v)", tt.b, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDataFailCause(t *testing.T) {
	tests := []struct {
		err  domain.TunnelError
		want FailCause
	}{
		{domain.NoError(), CauseNone},
		{domain.ProtocolError(24), CauseIKEv2AuthFailure},
		{domain.ProtocolError(9002), CauseNoAPNSubscription},
		{domain.ProtocolError(15500), CauseCongestion},
		{domain.ProtocolError(44), CausePrivateProtocolError},
		{domain.NewTunnelError(domain.ErrorKindServerSelectionFailed), CauseDNSResolutionFailure},
		{domain.NewTunnelError(domain.ErrorKindIO), CauseIKEv2MsgTimeout},
		{domain.NewTunnelError(domain.ErrorKindTimeout), CauseIKEv2MsgTimeout},
		{domain.NewTunnelError(domain.ErrorKindInternal), CauseUnspecified},
	}

	for _, tt := range tests {
		if got := DataFailCause(tt.err); got != tt.want {
			t.Errorf("DataFailCause(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
