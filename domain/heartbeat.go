package domain

import "time"

// HealthStatus is the categorical status derived from a heartbeat's score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
)

// AgentKey groups heartbeats belonging to the same logical agent instance.
type AgentKey struct {
	AgentID          string
	Environment      string
	AvailabilityZone string
	AgentVersion     string
}

// Heartbeat is one append-only time-series sample reported by an agent.
type Heartbeat struct {
	Agent     AgentKey
	Timestamp time.Time

	ReportedStatus string
	CPUPercent     float64
	MemoryPercent  float64
	DiskPercent    float64
	NetLatencyMS   float64
	PacketLossPct  float64
	RequestCount   int64
	ErrorCount     int64
	ResponseTimeMS float64

	ExpectedIntervalMS int64
	Sequence           int64
}

// AlertSeverity orders alert severity: info < warning < error < critical
// < emergency.
type AlertSeverity string

const (
	SeverityInfo      AlertSeverity = "info"
	SeverityWarning   AlertSeverity = "warning"
	SeverityError     AlertSeverity = "error"
	SeverityCritical  AlertSeverity = "critical"
	SeverityEmergency AlertSeverity = "emergency"
)

var severityRank = map[AlertSeverity]int{
	SeverityInfo:      0,
	SeverityWarning:   1,
	SeverityError:     2,
	SeverityCritical:  3,
	SeverityEmergency: 4,
}

// Rank returns the ordinal position of s for comparisons.
func (s AlertSeverity) Rank() int { return severityRank[s] }

// Alert is a structured health event surfaced to the caller; onward
// delivery is an external collaborator.
type Alert struct {
	Severity AlertSeverity
	Subscore string
	Message  string
	At       time.Time
}

// IngestResult is the response shape of Ingest.
type IngestResult struct {
	HeartbeatID       string
	DerivedHealth     HealthStatus
	Score             float64
	AdaptiveTimeoutMS int64
	Alerts            []Alert
	QualityScore      float64
}
