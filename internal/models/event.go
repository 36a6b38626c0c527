package models

import "time"

// Event is the unit of delivery on the internal event bus.
type Event struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Payload   any       `json:"payload"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// Well-known bus channels.
const (
	ChannelAlerts          = "alerts"
	ChannelDiagnoses       = "diagnoses"
	ChannelRepairRequests  = "repair.requests"
	ChannelRepairCompleted = "repair.completed"
	ChannelSecurity        = "security.incidents"
	ChannelPredictions     = "predictions"
	ChannelMetrics         = "metrics"
	ChannelHealth          = "health"
)
