package xrpc

import (
	"time"
)

// Metrics defines observable telemetry for a node.
type Metrics struct {
	Published           uint64
	PublishErrors       uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Handled             uint64
	Failed              uint64
	Rejected            uint64
	Undecodable         uint64
	Invalid             uint64
	ErrorNotifications  uint64
	RepliesSent         uint64
	Errors              uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates node health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
