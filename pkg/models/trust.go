package models

import "time"

// TrustScore is the per-client reputation record.
type TrustScore struct {
	ClientID           string    `json:"client_id"`
	Trust              float64   `json:"trust_score"`
	AccuracyRate       float64   `json:"accuracy_rate"`
	TotalReports       int       `json:"total_reports"`
	VerifiedReports    int       `json:"verified_reports"`
	RejectedReports    int       `json:"rejected_reports"`
	FalsePositiveCount int       `json:"false_positive_count"`
	ContributionCount  int       `json:"contribution_count"`
	ResponseTimeAvg    float64   `json:"response_time_avg"`
	LastUpdated        time.Time `json:"last_updated"`
}

// RecalculateAccuracy recomputes AccuracyRate from the report counters,
// defined as 0 when there are no reports yet (spec §3).
func (t *TrustScore) RecalculateAccuracy() {
	if t.TotalReports == 0 {
		t.AccuracyRate = 0
		return
	}
	t.AccuracyRate = float64(t.VerifiedReports) / float64(t.TotalReports)
}

// TrustBand buckets a trust score into the coarse reporting bands used by
// statistics() and the Statistics Projector (spec §4.1, §4.5).
type TrustBand string

const (
	TrustBandHigh   TrustBand = "high"
	TrustBandMedium TrustBand = "medium"
	TrustBandLow    TrustBand = "low"
)

// Band classifies a trust value into {high, medium, low}.
func Band(trust float64) TrustBand {
	switch {
	case trust >= 0.7:
		return TrustBandHigh
	case trust >= 0.4:
		return TrustBandMedium
	default:
		return TrustBandLow
	}
}
