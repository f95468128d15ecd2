package models

import "time"

// ClientStatus is the closed status enum for a session-scoped client view.
type ClientStatus string

const (
	ClientStatusOnline   ClientStatus = "online"
	ClientStatusOffline  ClientStatus = "offline"
	ClientStatusScanning ClientStatus = "scanning"
	ClientStatusSyncing  ClientStatus = "syncing"
	ClientStatusIdle     ClientStatus = "idle"
	ClientStatusError    ClientStatus = "error"
)

// ClientProfile is the session-scoped view of a registered monitoring
// endpoint: identity, host info, watch list and live counters (spec §3).
type ClientProfile struct {
	ClientID        string       `json:"client_id"`
	Hostname        string       `json:"hostname"`
	WatchPaths      []string     `json:"watch_paths,omitempty"`
	Status          ClientStatus `json:"status"`
	IOCsReported    int          `json:"iocs_reported"`
	IOCsVerified    int          `json:"iocs_verified"`
	DetectionsLocal int          `json:"detections_local"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	RegisteredAt    time.Time    `json:"registered_at"`
}

// SystemStats is the read-only aggregate view produced by the Statistics
// Projector and served at GET /api/status (spec §4.5).
type SystemStats struct {
	TotalClients     int     `json:"total_clients"`
	OnlineClients    int     `json:"online_clients"`
	OfflineClients   int     `json:"offline_clients"`
	TotalIOCs        int     `json:"total_iocs"`
	VerifiedIOCs     int     `json:"verified_iocs"`
	PendingIOCs      int     `json:"pending_iocs"`
	CriticalIOCs     int     `json:"critical_iocs"`
	TotalDetections  int     `json:"total_detections"`
	DetectionsToday  int     `json:"detections_today"`
	AverageTrust     float64 `json:"average_trust"`
	HighTrustClients int     `json:"high_trust_clients"`
	LowTrustClients  int     `json:"low_trust_clients"`
}

// IntelStatistics is the Intelligence Aggregator's own statistics()
// projection (spec §4.2), distinct from the broader SystemStats.
type IntelStatistics struct {
	TotalIOCs           int             `json:"total_iocs"`
	VerifiedIOCs        int             `json:"verified_iocs"`
	PendingIOCs         int             `json:"pending_iocs"`
	RejectedIOCs        int             `json:"rejected_iocs"`
	ExpiredIOCs         int             `json:"expired_iocs"`
	ThreatDistribution  map[string]int  `json:"threat_distribution"`
	TypeDistribution    map[string]int  `json:"type_distribution"`
	ConsensusThreshold  int             `json:"consensus_threshold"`
	ConsensusTrustAvg   float64         `json:"consensus_trust_avg"`
}

// TrustStatistics is the Trust Manager's own statistics() projection.
type TrustStatistics struct {
	TotalClients int     `json:"total_clients"`
	AverageTrust float64 `json:"average_trust"`
	MinTrust     float64 `json:"min_trust"`
	MaxTrust     float64 `json:"max_trust"`
	HighCount    int     `json:"high_trust_count"`
	MediumCount  int     `json:"medium_trust_count"`
	LowCount     int     `json:"low_trust_count"`
	TotalReports int     `json:"total_reports"`
	TotalVerified int    `json:"total_verified"`
	TotalRejected int    `json:"total_rejected"`
}
