package domain

import "time"

// EventKind is an external occurrence delivered to a slot.
type EventKind string

// Events that policies may list as unthrottling events.
const (
	EventAirplaneModeEnabled   EventKind = "APM_ENABLE_EVENT"
	EventAirplaneModeDisabled  EventKind = "APM_DISABLE_EVENT"
	EventWifiDisabled          EventKind = "WIFI_DISABLE_EVENT"
	EventWifiCallingDisabled   EventKind = "WIFI_CALLING_DISABLE_EVENT"
	EventWifiAccessPointChange EventKind = "WIFI_AP_CHANGED_EVENT"
	EventCarrierConfigChanged  EventKind = "CARRIER_CONFIG_CHANGED_EVENT"
)

// Events consumed by the slot but never listed in policies.
const (
	EventWifiCallingEnabled   EventKind = "WIFI_CALLING_ENABLE_EVENT"
	EventCallStateChanged     EventKind = "CALL_STATE_CHANGED_EVENT"
	EventNetworkConnected     EventKind = "NETWORK_CONNECTED_EVENT"
	EventNetworkDisconnected  EventKind = "NETWORK_DISCONNECTED_EVENT"
	EventUnknownCarrierConfig EventKind = "CARRIER_CONFIG_UNKNOWN_CARRIER_EVENT"
)

var unthrottlingEvents = map[EventKind]bool{
	EventAirplaneModeEnabled:   true,
	EventAirplaneModeDisabled:  true,
	EventWifiDisabled:          true,
	EventWifiCallingDisabled:   true,
	EventWifiAccessPointChange: true,
	EventCarrierConfigChanged:  true,
}

// IsUnthrottling reports whether k belongs to the closed set of events a
// policy may declare.
func (k EventKind) IsUnthrottling() bool {
	return unthrottlingEvents[k]
}

// Event is an external occurrence posted to one slot.
type Event struct {
	Kind EventKind `json:"kind"`
	Slot int       `json:"slot"`

	// CallActive is set for EventCallStateChanged.
	CallActive bool `json:"call_active,omitempty"`
	// CarrierID and PolicyDocument are set for EventCarrierConfigChanged.
	CarrierID      int    `json:"carrier_id,omitempty"`
	PolicyDocument string `json:"policy_document,omitempty"`

	ReceivedAt time.Time `json:"-"`
}
