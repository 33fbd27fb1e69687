package tunnel

import (
	"context"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

// Negotiator brings tunnels up and down. Calls must not block on the
// negotiation itself; results come back through the slot as opened and
// closed notifications.
type Negotiator interface {
	BringUp(ctx context.Context, key domain.SessionKey, req BringUpRequest) error
	CloseTunnel(ctx context.Context, key domain.SessionKey, force bool) error
}

// BringUpRequest describes a tunnel to establish.
type BringUpRequest struct {
	APN              string `json:"apn"`
	IsHandover       bool   `json:"is_handover"`
	IsImsOrEmergency bool   `json:"is_ims_or_emergency"`
	PDUSessionID     int    `json:"pdu_session_id"`
	// NumFqdns is the number of candidate servers from network selection.
	NumFqdns int `json:"num_fqdns"`
	// FqdnIndex is filled by the manager from the retry state.
	FqdnIndex int `json:"fqdn_index"`
}

// Properties describe an opened tunnel.
type Properties struct {
	InterfaceName string   `json:"interface_name"`
	Addresses     []string `json:"addresses,omitempty"`
	DNSServers    []string `json:"dns_servers,omitempty"`
	PCSCFServers  []string `json:"pcscf_servers,omitempty"`
	MTU           int      `json:"mtu,omitempty"`
}
