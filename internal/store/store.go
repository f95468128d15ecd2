// Package store defines the Persistent Store contract (spec §4.4): durable
// upsert of IOC and trust records plus two append-only logs, with
// secondary-index-backed scans. Postgres (via pgx, the teacher's own
// driver) backs the concrete implementation in postgres.go.
package store

import (
	"context"
	"time"

	"github.com/rawblock/fedsig-coordinator/pkg/models"
)

// TrustStore persists TrustScore rows and the trust-history log.
type TrustStore interface {
	UpsertTrustScore(ctx context.Context, score models.TrustScore) error
	LoadTrustScores(ctx context.Context) ([]models.TrustScore, error)
	AppendTrustHistory(ctx context.Context, entry models.TrustHistoryEntry) error
	TrustHistory(ctx context.Context, clientID string, limit int) ([]models.TrustHistoryEntry, error)
}

// IntelStore persists ThreatIntel rows and the detection log. Status scans
// back the Aggregator's list() operation and the expiry sweep.
type IntelStore interface {
	UpsertIntel(ctx context.Context, intel models.ThreatIntel) error
	LoadByStatus(ctx context.Context, status models.IntelStatus) ([]models.ThreatIntel, error)
	LoadAll(ctx context.Context) ([]models.ThreatIntel, error)
	GetByID(ctx context.Context, iocID string) (*models.ThreatIntel, error)
	AppendDetection(ctx context.Context, entry models.DetectionLogEntry) error
	RecentDetections(ctx context.Context, limit int) ([]models.DetectionLogEntry, error)
	MarkExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is the full Persistent Store surface the coordinator depends on.
type Store interface {
	TrustStore
	IntelStore
	Close()
}
