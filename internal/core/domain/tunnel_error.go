package domain

import "fmt"

// ErrorKind classifies a failure reported by the tunnel negotiator.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindProtocol
	ErrorKindIO
	ErrorKindServerSelectionFailed
	ErrorKindTunnelTransformFailed
	ErrorKindNetworkLost
	ErrorKindOnlyIPv4Allowed
	ErrorKindOnlyIPv6Allowed
	ErrorKindInitTimeout
	ErrorKindMobilityTimeout
	ErrorKindDPDTimeout
	ErrorKindSimNotReady
	ErrorKindTunnelNotFound
	ErrorKindClosedBeforeChildSession
	ErrorKindInternal
	ErrorKindTimeout
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindNone:                     "NO_ERROR",
	ErrorKindProtocol:                 "IKE_PROTOCOL_EXCEPTION",
	ErrorKindIO:                       "IKE_INTERNAL_IO_EXCEPTION",
	ErrorKindServerSelectionFailed:    "EPDG_SELECTOR_SERVER_SELECTION_FAILED",
	ErrorKindTunnelTransformFailed:    "TUNNEL_TRANSFORM_FAILED",
	ErrorKindNetworkLost:              "IKE_NETWORK_LOST_EXCEPTION",
	ErrorKindOnlyIPv4Allowed:          "EPDG_ADDRESS_ONLY_IPV4_ALLOWED",
	ErrorKindOnlyIPv6Allowed:          "EPDG_ADDRESS_ONLY_IPV6_ALLOWED",
	ErrorKindInitTimeout:              "IKE_INIT_TIMEOUT",
	ErrorKindMobilityTimeout:          "IKE_MOBILITY_TIMEOUT",
	ErrorKindDPDTimeout:               "IKE_DPD_TIMEOUT",
	ErrorKindSimNotReady:              "SIM_NOT_READY_EXCEPTION",
	ErrorKindTunnelNotFound:           "TUNNEL_NOT_FOUND",
	ErrorKindClosedBeforeChildSession: "IKE_SESSION_CLOSED_BEFORE_CHILD_SESSION_OPENED",
	ErrorKindInternal:                 "UNKNOWN_EXCEPTION",
	ErrorKindTimeout:                  "IKE_TIMEOUT_EXCEPTION",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, bool) {
	for k, name := range errorKindNames {
		if name == s {
			return k, true
		}
	}
	return ErrorKindInternal, false
}

// TunnelError is a raw failure as reported by the negotiator.
type TunnelError struct {
	Kind ErrorKind `json:"kind"`
	// Code is the notify error type for ErrorKindProtocol.
	Code int `json:"code,omitempty"`
	// BackoffTimer is the raw 3GPP backoff timer payload that may accompany
	// a protocol error.
	BackoffTimer []byte `json:"backoff_timer,omitempty"`
	Message      string `json:"message,omitempty"`
}

// NoError is the sentinel that clears retry state.
func NoError() TunnelError {
	return TunnelError{Kind: ErrorKindNone}
}

func ProtocolError(code int, backoffTimer ...byte) TunnelError {
	return TunnelError{Kind: ErrorKindProtocol, Code: code, BackoffTimer: backoffTimer}
}

func NewTunnelError(kind ErrorKind) TunnelError {
	return TunnelError{Kind: kind}
}

func (e TunnelError) IsNone() bool {
	return e.Kind == ErrorKindNone
}

// Same reports whether two errors denote the same failure. The backoff
// payload and message are not part of the identity.
func (e TunnelError) Same(other TunnelError) bool {
	return e.Kind == other.Kind && e.Code == other.Code
}

func (e TunnelError) Error() string {
	if e.Kind == ErrorKindProtocol {
		return fmt.Sprintf("%s(%d)", e.Kind, e.Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}
