package classify

import "github.com/vietddude/wlantunnel/internal/core/domain"

// FailCause is the telephony data fail cause surfaced to callers.
type FailCause string

const (
	CauseNone                             FailCause = "NONE"
	CauseUnspecified                      FailCause = "ERROR_UNSPECIFIED"
	CauseNetworkFailure                   FailCause = "NETWORK_FAILURE"
	CauseDNSResolutionFailure             FailCause = "IWLAN_DNS_RESOLUTION_NAME_FAILURE"
	CauseOnlyIPv4Allowed                  FailCause = "ONLY_IPV4_ALLOWED"
	CauseOnlyIPv6Allowed                  FailCause = "ONLY_IPV6_ALLOWED"
	CauseIKEv2MsgTimeout                  FailCause = "IWLAN_IKEV2_MSG_TIMEOUT"
	CauseSimCardChanged                   FailCause = "SIM_CARD_CHANGED"
	CauseClosedBeforeChildSession         FailCause = "IWLAN_IKE_SESSION_CLOSED_BEFORE_CHILD_SESSION_OPENED"
	CauseTunnelNotFound                   FailCause = "IWLAN_TUNNEL_NOT_FOUND"
	CauseIKEInitTimeout                   FailCause = "IWLAN_IKE_INIT_TIMEOUT"
	CauseIKEMobilityTimeout               FailCause = "IWLAN_IKE_MOBILITY_TIMEOUT"
	CauseIKEDPDTimeout                    FailCause = "IWLAN_IKE_DPD_TIMEOUT"
	CauseTunnelTransformFailed            FailCause = "IWLAN_TUNNEL_TRANSFORM_FAILED"
	CauseIKENetworkLost                   FailCause = "IWLAN_IKE_NETWORK_LOST_EXCEPTION"
	CauseIKEv2AuthFailure                 FailCause = "IWLAN_IKEV2_AUTH_FAILURE"
	CauseInternalAddressFailure           FailCause = "IWLAN_EPDG_INTERNAL_ADDRESS_FAILURE"
	CausePDNConnectionRejection           FailCause = "IWLAN_PDN_CONNECTION_REJECTION"
	CauseMaxConnectionReached             FailCause = "IWLAN_MAX_CONNECTION_REACHED"
	CauseSemanticErrorInTFTOperation      FailCause = "IWLAN_SEMANTIC_ERROR_IN_THE_TFT_OPERATION"
	CauseSyntacticalErrorInTFTOperation   FailCause = "IWLAN_SYNTACTICAL_ERROR_IN_THE_TFT_OPERATION"
	CauseSemanticErrorsInPacketFilters    FailCause = "IWLAN_SEMANTIC_ERRORS_IN_PACKET_FILTERS"
	CauseSyntacticalErrorsInPacketFilters FailCause = "IWLAN_SYNTACTICAL_ERRORS_IN_PACKET_FILTERS"
	CauseNon3GPPAccessNotAllowed          FailCause = "IWLAN_NON_3GPP_ACCESS_TO_EPC_NOT_ALLOWED"
	CauseUserUnknown                      FailCause = "IWLAN_USER_UNKNOWN"
	CauseNoAPNSubscription                FailCause = "IWLAN_NO_APN_SUBSCRIPTION"
	CauseAuthorizationRejected            FailCause = "IWLAN_AUTHORIZATION_REJECTED"
	CauseIllegalME                        FailCause = "IWLAN_ILLEGAL_ME"
	CauseIWLANNetworkFailure              FailCause = "IWLAN_NETWORK_FAILURE"
	CauseRATTypeNotAllowed                FailCause = "IWLAN_RAT_TYPE_NOT_ALLOWED"
	CauseIMEINotAccepted                  FailCause = "IWLAN_IMEI_NOT_ACCEPTED"
	CausePLMNNotAllowed                   FailCause = "IWLAN_PLMN_NOT_ALLOWED"
	CauseUnauthenticatedEmergency         FailCause = "IWLAN_UNAUTHENTICATED_EMERGENCY_NOT_SUPPORTED"
	CauseCongestion                       FailCause = "IWLAN_CONGESTION"
	CausePrivateProtocolError             FailCause = "IWLAN_IKE_PRIVATE_PROTOCOL_ERROR"
	CauseTemporarilyUnavailable           FailCause = "TEMPORARILY_UNAVAILABLE"
)

// Notify error types from RFC 7296 and TS 24.302.
const (
	codeAuthenticationFailed      = 24
	codeInternalAddressFailure    = 36
	codePDNConnectionRejection    = 8192
	codeMaxConnectionReached      = 8193
	codeSemanticErrorInTFT        = 8241
	codeSyntacticalErrorInTFT     = 8242
	codeSemanticErrorsInFilters   = 8244
	codeSyntacticalErrorsInFilter = 8245
	codeNon3GPPAccessNotAllowed   = 9000
	codeUserUnknown               = 9001
	codeNoAPNSubscription         = 9002
	codeAuthorizationRejected     = 9003
	codeIllegalME                 = 9006
	codeNetworkFailure            = 10500
	codeRATTypeNotAllowed         = 11001
	codeIMEINotAccepted           = 11005
	codePLMNNotAllowed            = 11011
	codeUnauthenticatedEmergency  = 11055
	codeCongestion                = 15500
)

var protocolCauses = map[int]FailCause{
	codeAuthenticationFailed:      CauseIKEv2AuthFailure,
	codeInternalAddressFailure:    CauseInternalAddressFailure,
	codePDNConnectionRejection:    CausePDNConnectionRejection,
	codeMaxConnectionReached:      CauseMaxConnectionReached,
	codeSemanticErrorInTFT:        CauseSemanticErrorInTFTOperation,
	codeSyntacticalErrorInTFT:     CauseSyntacticalErrorInTFTOperation,
	codeSemanticErrorsInFilters:   CauseSemanticErrorsInPacketFilters,
	codeSyntacticalErrorsInFilter: CauseSyntacticalErrorsInPacketFilters,
	codeNon3GPPAccessNotAllowed:   CauseNon3GPPAccessNotAllowed,
	codeUserUnknown:               CauseUserUnknown,
	codeNoAPNSubscription:         CauseNoAPNSubscription,
	codeAuthorizationRejected:     CauseAuthorizationRejected,
	codeIllegalME:                 CauseIllegalME,
	codeNetworkFailure:            CauseIWLANNetworkFailure,
	codeRATTypeNotAllowed:         CauseRATTypeNotAllowed,
	codeIMEINotAccepted:           CauseIMEINotAccepted,
	codePLMNNotAllowed:            CausePLMNNotAllowed,
	codeUnauthenticatedEmergency:  CauseUnauthenticatedEmergency,
	codeCongestion:                CauseCongestion,
}

var kindCauses = map[domain.ErrorKind]FailCause{
	domain.ErrorKindNone:                     CauseNone,
	domain.ErrorKindServerSelectionFailed:    CauseDNSResolutionFailure,
	domain.ErrorKindOnlyIPv4Allowed:          CauseOnlyIPv4Allowed,
	domain.ErrorKindOnlyIPv6Allowed:          CauseOnlyIPv6Allowed,
	domain.ErrorKindIO:                       CauseIKEv2MsgTimeout,
	domain.ErrorKindTimeout:                  CauseIKEv2MsgTimeout,
	domain.ErrorKindSimNotReady:              CauseSimCardChanged,
	domain.ErrorKindClosedBeforeChildSession: CauseClosedBeforeChildSession,
	domain.ErrorKindTunnelNotFound:           CauseTunnelNotFound,
	domain.ErrorKindInitTimeout:              CauseIKEInitTimeout,
	domain.ErrorKindMobilityTimeout:          CauseIKEMobilityTimeout,
	domain.ErrorKindDPDTimeout:               CauseIKEDPDTimeout,
	domain.ErrorKindTunnelTransformFailed:    CauseTunnelTransformFailed,
	domain.ErrorKindNetworkLost:              CauseIKENetworkLost,
}

// DataFailCause maps err onto the fail cause reported to callers.
func DataFailCause(err domain.TunnelError) FailCause {
	if err.Kind == domain.ErrorKindProtocol {
		if cause, ok := protocolCauses[err.Code]; ok {
			return cause
		}
		return CausePrivateProtocolError
	}
	if cause, ok := kindCauses[err.Kind]; ok {
		return cause
	}
	return CauseUnspecified
}
