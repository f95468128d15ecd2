package models

import "time"

// IntelStatus is the closed status enum for a ThreatIntel record's
// lifecycle. The core never produces Rejected in the present design; the
// member exists for extension (spec §4.2, §9).
type IntelStatus string

const (
	IntelStatusPending  IntelStatus = "pending"
	IntelStatusVerified IntelStatus = "verified"
	IntelStatusRejected IntelStatus = "rejected"
	IntelStatusExpired  IntelStatus = "expired"
)

// ThreatIntel wraps an IOC with its coordinator-side consensus state.
type ThreatIntel struct {
	IOC             IOC         `json:"ioc"`
	VerifiedBy      []string    `json:"verified_by"`
	TrustWeight     float64     `json:"trust_weight"`
	Status          IntelStatus `json:"status"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	DetectionCount  int         `json:"detection_count"`
}

// Vote is a single client's corroboration of a pending IOC, carrying the
// trust value observed at the moment the vote was cast — promotion never
// recomputes this retroactively (spec §4.2).
type Vote struct {
	ClientID string
	Trust    float64
}

// TrustHistoryEventType is the closed enum for trust-history log rows.
type TrustHistoryEventType string

const (
	TrustEventInitialized TrustHistoryEventType = "initialized"
	TrustEventIncreased   TrustHistoryEventType = "increased"
	TrustEventDecreased   TrustHistoryEventType = "decreased"
	TrustEventDecayed     TrustHistoryEventType = "decayed"
	TrustEventReset       TrustHistoryEventType = "reset"
)

// TrustHistoryEntry is an append-only row in the trust-history log. Rows
// are never mutated after insert.
type TrustHistoryEntry struct {
	ClientID  string                `json:"client_id"`
	Trust     float64               `json:"trust_score"`
	EventType TrustHistoryEventType `json:"event_type"`
	Reason    string                `json:"reason"`
	Timestamp time.Time             `json:"timestamp"`
}

// DetectionAction is the closed enum for detection-log rows.
type DetectionAction string

const (
	DetectionActionReported DetectionAction = "reported"
	DetectionActionVerified DetectionAction = "verified"
)

// DetectionLogEntry is an append-only row recording a client's encounter
// with an IOC, independent of whether that encounter advanced consensus.
type DetectionLogEntry struct {
	IOCID     string          `json:"ioc_id"`
	ClientID  string          `json:"client_id"`
	Timestamp time.Time       `json:"timestamp"`
	Action    DetectionAction `json:"action"`
}

// DetectionEvent is the client-reported local-detection payload forwarded
// to the detection feed (spec §4.3 detection_event).
type DetectionEvent struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"client_id"`
	FilePath       string      `json:"file_path,omitempty"`
	ThreatDetected bool        `json:"threat_detected"`
	ThreatLevel    ThreatLevel `json:"threat_level,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}
