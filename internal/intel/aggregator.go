// Package intel implements the Intelligence Aggregator (spec §4.2): IOC
// deduplication by ioc_id, consensus-gated promotion from pending to
// verified, and read access to the verified cache. A per-ioc_id mutex
// (kept in keyLocks, handed out by lockFor) is the linearisation point for
// promotion; the pending and verified maps each sit behind their own
// RWMutex and their entries carry no lock of their own.
package intel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rawblock/fedsig-coordinator/internal/store"
	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/rs/zerolog"
)

// pending is the in-flight voter record for an ioc_id awaiting consensus.
// Access is serialized by Aggregator.lockFor(ioc_id), not by a field of its
// own — see Report.
type pending struct {
	ioc   models.IOC
	votes []models.Vote
	seen  map[string]bool // client_id -> voted, for the one-vote-per-client rule
}

// Config carries the Aggregator's tunables (spec §6).
type Config struct {
	ConsensusThreshold int
	ConsensusTrustAvg  float64
	ExpiryDays         int
}

// Aggregator is the Intelligence Aggregator.
type Aggregator struct {
	cfg   Config
	store store.IntelStore
	log   zerolog.Logger

	pendingMu sync.RWMutex
	pendingByID map[string]*pending

	verifiedMu sync.RWMutex
	verified   map[string]models.ThreatIntel

	// keyLocks serializes every report() call for a given ioc_id — across
	// both the cache-hit (already-verified) and pending-vote paths — so
	// concurrent reports for the same indicator are totally ordered at the
	// Aggregator (spec §5) instead of racing on a read-modify-write of
	// detection_count.
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// New constructs an Aggregator and warms its verified cache and pending
// set from the store.
func New(ctx context.Context, cfg Config, st store.IntelStore, log zerolog.Logger) (*Aggregator, error) {
	a := &Aggregator{
		cfg:         cfg,
		store:       st,
		log:         log.With().Str("component", "aggregator").Logger(),
		pendingByID: make(map[string]*pending),
		verified:    make(map[string]models.ThreatIntel),
		keyLocks:    make(map[string]*sync.Mutex),
	}

	verified, err := st.LoadByStatus(ctx, models.IntelStatusVerified)
	if err != nil {
		return nil, fmt.Errorf("aggregator warm load verified: %w", err)
	}
	for _, intel := range verified {
		a.verified[intel.IOC.ID] = intel
	}

	pendingRows, err := st.LoadByStatus(ctx, models.IntelStatusPending)
	if err != nil {
		return nil, fmt.Errorf("aggregator warm load pending: %w", err)
	}
	for _, intel := range pendingRows {
		votes := make([]models.Vote, 0, len(intel.VerifiedBy))
		seen := make(map[string]bool, len(intel.VerifiedBy))
		for _, clientID := range intel.VerifiedBy {
			votes = append(votes, models.Vote{ClientID: clientID, Trust: intel.TrustWeight})
			seen[clientID] = true
		}
		a.pendingByID[intel.IOC.ID] = &pending{ioc: intel.IOC, votes: votes, seen: seen}
	}

	a.log.Info().Int("verified", len(verified)).Int("pending", len(pendingRows)).Msg("aggregator initialized")
	return a, nil
}

// lockFor returns the mutex serializing every Report call for iocID,
// creating it on first use (double-checked locking over keyLocksMu).
func (a *Aggregator) lockFor(iocID string) *sync.Mutex {
	a.keyLocksMu.Lock()
	defer a.keyLocksMu.Unlock()
	l, ok := a.keyLocks[iocID]
	if !ok {
		l = &sync.Mutex{}
		a.keyLocks[iocID] = l
	}
	return l
}

// Report applies one client's vote for ioc, returning the freshly-promoted
// ThreatIntel if this report tipped consensus, or nil otherwise (spec §4.2
// report()). trust is the reporting client's trust at the moment of the call.
// The whole call runs under the per-ioc_id lock returned by lockFor, so
// concurrent reports for the same indicator — whether both hit the verified
// cache, both land in the pending vote count, or one of each — are totally
// ordered (spec §5), never racing on a read-modify-write of detection_count.
func (a *Aggregator) Report(ctx context.Context, ioc models.IOC, trust float64) (*models.ThreatIntel, error) {
	lock := a.lockFor(ioc.ID)
	lock.Lock()
	defer lock.Unlock()

	// Step 1: cache-hit fast path against an already-verified record.
	a.verifiedMu.RLock()
	existing, ok := a.verified[ioc.ID]
	a.verifiedMu.RUnlock()
	if ok {
		now := time.Now().UTC()
		existing.DetectionCount++
		existing.LastSeen = now

		if err := a.store.UpsertIntel(ctx, existing); err != nil {
			return nil, fmt.Errorf("persist detection bump for %s: %w", ioc.ID, err)
		}
		if err := a.store.AppendDetection(ctx, models.DetectionLogEntry{
			IOCID: ioc.ID, ClientID: ioc.SourceClient, Timestamp: now, Action: models.DetectionActionReported,
		}); err != nil {
			return nil, fmt.Errorf("log detection for %s: %w", ioc.ID, err)
		}

		a.verifiedMu.Lock()
		a.verified[ioc.ID] = existing
		a.verifiedMu.Unlock()
		return nil, nil
	}

	// Steps 2-4: pending vote accumulation and consensus check. The
	// per-ioc_id lock acquired above is the critical section; the pending
	// record itself carries no lock of its own.
	entry := a.getOrCreatePending(ioc)

	if entry.seen[ioc.SourceClient] {
		// Duplicate vote: ignored, does not advance consensus.
		return nil, nil
	}
	entry.seen[ioc.SourceClient] = true
	entry.votes = append(entry.votes, models.Vote{ClientID: ioc.SourceClient, Trust: trust})

	n := len(entry.votes)
	var sum float64
	for _, v := range entry.votes {
		sum += v.Trust
	}
	mean := sum / float64(n)

	if n >= a.cfg.ConsensusThreshold && mean >= a.cfg.ConsensusTrustAvg {
		verifiedBy := make([]string, 0, n)
		for _, v := range entry.votes {
			verifiedBy = append(verifiedBy, v.ClientID)
		}
		now := time.Now().UTC()
		promoted := models.ThreatIntel{
			IOC:            entry.ioc, // first report's threat_level/metadata, never overwritten
			VerifiedBy:     verifiedBy,
			TrustWeight:    mean,
			Status:         models.IntelStatusVerified,
			FirstSeen:      entry.ioc.Timestamp,
			LastSeen:       now,
			DetectionCount: n,
		}

		if err := a.store.UpsertIntel(ctx, promoted); err != nil {
			// Persist failure: leave state pending and on disk, visible to
			// no reader (spec §4.2 failure semantics).
			return nil, fmt.Errorf("persist promotion for %s: %w", ioc.ID, err)
		}
		if err := a.store.AppendDetection(ctx, models.DetectionLogEntry{
			IOCID: ioc.ID, ClientID: ioc.SourceClient, Timestamp: now, Action: models.DetectionActionVerified,
		}); err != nil {
			return nil, fmt.Errorf("log promotion detection for %s: %w", ioc.ID, err)
		}

		a.verifiedMu.Lock()
		a.verified[ioc.ID] = promoted
		a.verifiedMu.Unlock()

		a.pendingMu.Lock()
		delete(a.pendingByID, ioc.ID)
		a.pendingMu.Unlock()

		a.log.Info().Str("ioc_id", ioc.ID).Str("ioc_type", string(ioc.Type)).Int("votes", n).
			Float64("trust_weight", mean).Msg("🚨 ioc promoted to verified")

		return &promoted, nil
	}

	// Not yet consensus: persist the pending record so a restart doesn't
	// lose votes, and leave it pending.
	pendingIntel := models.ThreatIntel{
		IOC:         entry.ioc,
		VerifiedBy:  verifiedByFromVotes(entry.votes),
		TrustWeight: mean,
		Status:      models.IntelStatusPending,
		FirstSeen:   entry.ioc.Timestamp,
		LastSeen:    time.Now().UTC(),
		DetectionCount: n,
	}
	if err := a.store.UpsertIntel(ctx, pendingIntel); err != nil {
		return nil, fmt.Errorf("persist pending vote for %s: %w", ioc.ID, err)
	}
	if err := a.store.AppendDetection(ctx, models.DetectionLogEntry{
		IOCID: ioc.ID, ClientID: ioc.SourceClient, Timestamp: time.Now().UTC(), Action: models.DetectionActionReported,
	}); err != nil {
		return nil, fmt.Errorf("log pending detection for %s: %w", ioc.ID, err)
	}

	return nil, nil
}

func verifiedByFromVotes(votes []models.Vote) []string {
	out := make([]string, 0, len(votes))
	for _, v := range votes {
		out = append(out, v.ClientID)
	}
	return out
}

func (a *Aggregator) getOrCreatePending(ioc models.IOC) *pending {
	a.pendingMu.RLock()
	entry, ok := a.pendingByID[ioc.ID]
	a.pendingMu.RUnlock()
	if ok {
		return entry
	}

	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if entry, ok := a.pendingByID[ioc.ID]; ok {
		return entry
	}
	entry = &pending{ioc: ioc, seen: make(map[string]bool)}
	a.pendingByID[ioc.ID] = entry
	return entry
}

// GetByID returns the record for ioc_id: from the verified cache if it is
// there, otherwise from the store (so pending and expired rows are returned
// too), or nil if the store has no such row.
func (a *Aggregator) GetByID(ctx context.Context, iocID string) (*models.ThreatIntel, error) {
	a.verifiedMu.RLock()
	if intel, ok := a.verified[iocID]; ok {
		a.verifiedMu.RUnlock()
		return &intel, nil
	}
	a.verifiedMu.RUnlock()

	// Fall through to the store for pending/expired/historical rows.
	return a.store.GetByID(ctx, iocID)
}

// List returns ThreatIntel rows filtered by status, or every row if status
// is empty.
func (a *Aggregator) List(ctx context.Context, status models.IntelStatus) ([]models.ThreatIntel, error) {
	if status == "" {
		return a.store.LoadAll(ctx)
	}
	if status == models.IntelStatusVerified {
		a.verifiedMu.RLock()
		defer a.verifiedMu.RUnlock()
		out := make([]models.ThreatIntel, 0, len(a.verified))
		for _, intel := range a.verified {
			out = append(out, intel)
		}
		return out, nil
	}
	return a.store.LoadByStatus(ctx, status)
}

// VerifiedSnapshot returns every currently-verified ThreatIntel, used by
// sync_request (spec §4.3).
func (a *Aggregator) VerifiedSnapshot() []models.ThreatIntel {
	a.verifiedMu.RLock()
	defer a.verifiedMu.RUnlock()
	out := make([]models.ThreatIntel, 0, len(a.verified))
	for _, intel := range a.verified {
		out = append(out, intel)
	}
	return out
}

// Statistics computes totals by status, threat-level and type distribution
// over verified records, and the consensus parameters (spec §4.2).
func (a *Aggregator) Statistics(ctx context.Context) (models.IntelStatistics, error) {
	all, err := a.store.LoadAll(ctx)
	if err != nil {
		return models.IntelStatistics{}, fmt.Errorf("aggregator statistics: %w", err)
	}

	stats := models.IntelStatistics{
		ThreatDistribution: make(map[string]int),
		TypeDistribution:   make(map[string]int),
		ConsensusThreshold: a.cfg.ConsensusThreshold,
		ConsensusTrustAvg:  a.cfg.ConsensusTrustAvg,
	}
	for _, intel := range all {
		stats.TotalIOCs++
		switch intel.Status {
		case models.IntelStatusVerified:
			stats.VerifiedIOCs++
			stats.ThreatDistribution[string(intel.IOC.ThreatLevel)]++
			stats.TypeDistribution[string(intel.IOC.Type)]++
		case models.IntelStatusPending:
			stats.PendingIOCs++
		case models.IntelStatusRejected:
			stats.RejectedIOCs++
		case models.IntelStatusExpired:
			stats.ExpiredIOCs++
		}
	}
	return stats, nil
}

// SweepExpired marks verified records whose last_seen predates
// now - expiry_days as expired, then reloads the verified cache to drop
// them (spec §4.2 sweep_expired).
func (a *Aggregator) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.ExpiryDays)
	n, err := a.store.MarkExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	verified, err := a.store.LoadByStatus(ctx, models.IntelStatusVerified)
	if err != nil {
		return 0, fmt.Errorf("reload verified cache after sweep: %w", err)
	}
	fresh := make(map[string]models.ThreatIntel, len(verified))
	for _, intel := range verified {
		fresh[intel.IOC.ID] = intel
	}

	a.verifiedMu.Lock()
	a.verified = fresh
	a.verifiedMu.Unlock()

	a.log.Info().Int("expired", n).Msg("🗑️ expired iocs swept")
	return n, nil
}
