// Package health reports slot health over HTTP and the gRPC health protocol.
package health

import (
	"github.com/vietddude/wlantunnel/internal/engine/dispatch"
)

// SystemStatus represents the overall health state of the system or a slot.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// SlotHealth contains health details for one modem slot.
type SlotHealth struct {
	Slot            int                `json:"slot"`
	Status          SystemStatus       `json:"status"`
	Error           string             `json:"error,omitempty"`
	QueueDepth      int                `json:"queue_depth"`
	Throttled       int                `json:"throttled"`
	AwaitingTrigger int                `json:"awaiting_trigger"`
	TunnelsUp       int                `json:"tunnels_up"`
	Snapshot        *dispatch.Snapshot `json:"snapshot,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus       `json:"system_status"`
	Slots        map[int]SlotHealth `json:"slots"`
}

// Aggregate returns the worst status in report.
func Aggregate(report map[int]SlotHealth) SystemStatus {
	status := StatusHealthy
	for _, slot := range report {
		if slot.Status == StatusCritical {
			return StatusCritical
		}
		if slot.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
