// Package models holds the wire-and-storage record types shared across the
// coordinator: IOCs, threat intel, trust scores, client profiles and the
// envelope types used on the session wire protocol.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// IOCType is a closed enumeration of indicator kinds a client may report.
type IOCType string

const (
	IOCTypeFileHash        IOCType = "file_hash"
	IOCTypeIPAddress       IOCType = "ip_address"
	IOCTypeDomain          IOCType = "domain"
	IOCTypeURL             IOCType = "url"
	IOCTypeFileSignature   IOCType = "file_signature"
	IOCTypeBehaviorPattern IOCType = "behavior_pattern"
	IOCTypeRegistryKey     IOCType = "registry_key"
	IOCTypeProcessName     IOCType = "process_name"
)

// Valid reports whether t is one of the closed IOCType values.
func (t IOCType) Valid() bool {
	switch t {
	case IOCTypeFileHash, IOCTypeIPAddress, IOCTypeDomain, IOCTypeURL,
		IOCTypeFileSignature, IOCTypeBehaviorPattern, IOCTypeRegistryKey, IOCTypeProcessName:
		return true
	}
	return false
}

// ThreatLevel is the closed, ordered severity enumeration.
type ThreatLevel string

const (
	ThreatLevelInfo     ThreatLevel = "info"
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

var threatLevelRank = map[ThreatLevel]int{
	ThreatLevelInfo:     0,
	ThreatLevelLow:      1,
	ThreatLevelMedium:   2,
	ThreatLevelHigh:     3,
	ThreatLevelCritical: 4,
}

// Valid reports whether l is one of the closed ThreatLevel values.
func (l ThreatLevel) Valid() bool {
	_, ok := threatLevelRank[l]
	return ok
}

// AtLeast reports whether l is at least as severe as min.
func (l ThreatLevel) AtLeast(min ThreatLevel) bool {
	return threatLevelRank[l] >= threatLevelRank[min]
}

// IOC is an indicator of compromise. ID is a pure function of (Type, Value)
// so that two clients reporting the same indicator collide by construction.
type IOC struct {
	ID           string            `json:"ioc_id"`
	Type         IOCType           `json:"ioc_type"`
	Value        string            `json:"value"`
	ThreatLevel  ThreatLevel       `json:"threat_level"`
	SourceClient string            `json:"source_client"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// GenerateIOCID derives the content-addressed ioc_id for (iocType, value).
// Equal (type, value) pairs always hash to the same id, regardless of
// reporter, satisfying the injective/deterministic invariant in spec §8.
func GenerateIOCID(iocType IOCType, value string) string {
	sum := sha256.Sum256([]byte(string(iocType) + "\x00" + value))
	return hex.EncodeToString(sum[:])
}

// NewIOC builds an IOC with its ID derived from type+value. Timestamp
// defaults to now if zero.
func NewIOC(iocType IOCType, value string, level ThreatLevel, sourceClient string, metadata map[string]string, ts time.Time) IOC {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return IOC{
		ID:           GenerateIOCID(iocType, value),
		Type:         iocType,
		Value:        value,
		ThreatLevel:  level,
		SourceClient: sourceClient,
		Metadata:     metadata,
		Timestamp:    ts,
	}
}
