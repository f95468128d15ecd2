package models

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of tagged envelope names that travel over a
// session's bidirectional message stream (spec §6).
type EventType string

// Client → coordinator events.
const (
	EventClientRegister  EventType = "client_register"
	EventClientHeartbeat EventType = "client_heartbeat"
	EventIOCReport       EventType = "ioc_report"
	EventDetection       EventType = "detection_event"
	EventSyncRequest     EventType = "sync_request"
)

// Coordinator → client events.
const (
	EventRegistered   EventType = "registered"
	EventSyncResponse EventType = "sync_response"
	EventIOCBroadcast EventType = "ioc_broadcast"
	EventTrustUpdate  EventType = "trust_update"
	EventError        EventType = "error"
)

// Envelope is the `{event, data}` wire wrapper every message is framed in.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into a tagged Envelope.
func NewEnvelope(event EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// RegisteredPayload is the `registered` reply to client_register.
type RegisteredPayload struct {
	ClientID string  `json:"client_id"`
	Trust    float64 `json:"trust"`
}

// HeartbeatPayload is the inbound client_heartbeat payload.
type HeartbeatPayload struct {
	ClientID        string       `json:"client_id"`
	Status          ClientStatus `json:"status"`
	IOCsReported    int          `json:"iocs_reported"`
	IOCsVerified    int          `json:"iocs_verified"`
	DetectionsLocal int          `json:"detections_local"`
	Timestamp       time.Time    `json:"ts"`
}

// SyncRequestPayload is the inbound sync_request payload.
type SyncRequestPayload struct {
	ClientID string `json:"client_id"`
}

// SyncResponsePayload is the outbound reply to sync_request.
type SyncResponsePayload struct {
	IOCs      []ThreatIntel `json:"iocs"`
	Count     int           `json:"count"`
	Timestamp time.Time     `json:"timestamp"`
}

// TrustUpdatePayload is sent to a single client after a trust mutation.
type TrustUpdatePayload struct {
	ClientID string  `json:"client_id"`
	Trust    float64 `json:"trust"`
	Reason   string  `json:"reason"`
}

// ErrorPayload is the outbound `error` envelope (spec §7): the session
// stays open, the caller just learns the inbound message was rejected.
type ErrorPayload struct {
	Message string `json:"message"`
}
