// Package stats implements the Statistics Projector (spec §4.5): a
// read-only aggregate view over the Trust Manager, Aggregator and Hub,
// computed on demand rather than maintained incrementally.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rawblock/fedsig-coordinator/internal/intel"
	"github.com/rawblock/fedsig-coordinator/internal/session"
	"github.com/rawblock/fedsig-coordinator/internal/trust"
	"github.com/rawblock/fedsig-coordinator/pkg/models"
)

// Projector computes SystemStats from its three upstream components.
type Projector struct {
	trust      *trust.Manager
	aggregator *intel.Aggregator
	hub        *session.Hub
}

// New constructs a Projector wired to the live components it summarizes.
func New(tm *trust.Manager, agg *intel.Aggregator, hub *session.Hub) *Projector {
	return &Projector{trust: tm, aggregator: agg, hub: hub}
}

// SystemStats computes the full cross-component snapshot served at
// GET /api/status (spec §4.5). detections_today counts the detection feed
// entries whose timestamp falls on the server's current calendar date.
func (p *Projector) SystemStats(ctx context.Context) (models.SystemStats, error) {
	profiles := p.hub.Profiles()

	var stats models.SystemStats
	stats.TotalClients = len(profiles)
	for _, prof := range profiles {
		if prof.Status == models.ClientStatusOffline {
			stats.OfflineClients++
		} else {
			stats.OnlineClients++
		}
	}

	intelStats, err := p.aggregator.Statistics(ctx)
	if err != nil {
		return models.SystemStats{}, fmt.Errorf("project intel statistics: %w", err)
	}
	stats.TotalIOCs = intelStats.TotalIOCs
	stats.VerifiedIOCs = intelStats.VerifiedIOCs
	stats.PendingIOCs = intelStats.PendingIOCs
	stats.CriticalIOCs = intelStats.ThreatDistribution[string(models.ThreatLevelCritical)]

	trustStats, err := p.trust.Statistics(ctx)
	if err != nil {
		return models.SystemStats{}, fmt.Errorf("project trust statistics: %w", err)
	}
	stats.AverageTrust = trustStats.AverageTrust
	stats.HighTrustClients = trustStats.HighCount
	stats.LowTrustClients = trustStats.LowCount

	feed := p.hub.RecentDetections(0)
	stats.TotalDetections = len(feed)
	today := time.Now().UTC()
	for _, ev := range feed {
		if sameDate(ev.Timestamp, today) {
			stats.DetectionsToday++
		}
	}

	return stats, nil
}

func sameDate(t, ref time.Time) bool {
	y1, m1, d1 := t.UTC().Date()
	y2, m2, d2 := ref.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
