// Package trust implements the Trust Manager (spec §4.1): one TrustScore
// per client, mutated under a per-client locking discipline and backed by
// an append-only history log. The concurrency shape — an RWMutex guarding
// the map of records, a per-record mutex guarding each mutation — follows
// the teacher's internal/heuristics/address_watchlist.go pattern.
package trust

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rawblock/fedsig-coordinator/internal/store"
	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/rs/zerolog"
)

// Weights for the base-trust formula (spec §4.1 step 4).
const (
	weightAccuracy      = 0.4
	weightContribution  = 0.3
	weightResponsiveness = 0.2
	weightConsistency   = 0.1

	boostVerified = 0.05
	penaltyRejected = -0.10

	responsivenessBaselineSeconds = 60.0
)

// record is one client's trust state plus the mutex serializing its
// mutations, so concurrent reports on different clients never contend.
type record struct {
	mu    sync.Mutex
	score models.TrustScore
}

// Manager is the Trust Manager. Reads lazily apply decay, turning the
// scheduling concern into a pure function of (trust, last_updated, now)
// per spec §9.
type Manager struct {
	initialTrust float64
	maxTrust     float64
	minTrust     float64
	decayRate    float64
	decayInterval time.Duration

	store store.TrustStore
	log   zerolog.Logger

	mu      sync.RWMutex
	records map[string]*record
}

// Config carries the Trust Manager's tunables (spec §6).
type Config struct {
	InitialTrust  float64
	MaxTrust      float64
	MinTrust      float64
	DecayRate     float64
	DecayInterval time.Duration
}

// New constructs a Trust Manager and warms its cache from the store.
func New(ctx context.Context, cfg Config, st store.TrustStore, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		initialTrust:  cfg.InitialTrust,
		maxTrust:      cfg.MaxTrust,
		minTrust:      cfg.MinTrust,
		decayRate:     cfg.DecayRate,
		decayInterval: cfg.DecayInterval,
		store:         st,
		log:           log.With().Str("component", "trust_manager").Logger(),
		records:       make(map[string]*record),
	}

	scores, err := st.LoadTrustScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("trust manager warm load: %w", err)
	}
	for _, s := range scores {
		m.records[s.ClientID] = &record{score: s}
	}
	m.log.Info().Int("loaded", len(scores)).Msg("trust manager initialized")
	return m, nil
}

func (m *Manager) clamp(v float64) float64 {
	if v < m.minTrust {
		return m.minTrust
	}
	if v > m.maxTrust {
		return m.maxTrust
	}
	return v
}

// getOrCreate returns the record for clientID, creating and persisting an
// initialized one if it doesn't exist yet. Returns whether it was created.
func (m *Manager) getOrCreate(ctx context.Context) func(clientID string) (*record, bool, error) {
	return func(clientID string) (*record, bool, error) {
		m.mu.RLock()
		rec, ok := m.records[clientID]
		m.mu.RUnlock()
		if ok {
			return rec, false, nil
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if rec, ok := m.records[clientID]; ok {
			return rec, false, nil
		}

		now := time.Now().UTC()
		score := models.TrustScore{
			ClientID:    clientID,
			Trust:       m.initialTrust,
			LastUpdated: now,
		}
		if err := m.store.UpsertTrustScore(ctx, score); err != nil {
			return nil, false, fmt.Errorf("initialize %s: %w", clientID, err)
		}
		if err := m.store.AppendTrustHistory(ctx, models.TrustHistoryEntry{
			ClientID: clientID, Trust: score.Trust, EventType: models.TrustEventInitialized,
			Reason: "new client registration", Timestamp: now,
		}); err != nil {
			return nil, false, fmt.Errorf("log initialize %s: %w", clientID, err)
		}

		rec = &record{score: score}
		m.records[clientID] = rec
		return rec, true, nil
	}
}

// Initialize is idempotent: if clientID is unknown it creates a record at
// initial_trust and logs `initialized`; otherwise returns the current
// score unchanged (spec §4.1).
func (m *Manager) Initialize(ctx context.Context, clientID string) (float64, error) {
	rec, created, err := m.getOrCreate(ctx)(clientID)
	if err != nil {
		return 0, err
	}
	if created {
		m.log.Info().Str("client_id", clientID).Float64("trust", m.initialTrust).Msg("🆕 client initialized")
		return m.initialTrust, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.score.Trust, nil
}

// Get returns the client's current trust, lazily applying decay first.
func (m *Manager) Get(ctx context.Context, clientID string) (float64, error) {
	rec, _, err := m.getOrCreate(ctx)(clientID)
	if err != nil {
		return 0, err
	}
	if err := m.decayRecord(ctx, rec); err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.score.Trust, nil
}

// GetScore returns the full TrustScore object, decayed.
func (m *Manager) GetScore(ctx context.Context, clientID string) (models.TrustScore, error) {
	rec, _, err := m.getOrCreate(ctx)(clientID)
	if err != nil {
		return models.TrustScore{}, err
	}
	if err := m.decayRecord(ctx, rec); err != nil {
		return models.TrustScore{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.score, nil
}

// Update applies a report outcome to a client's trust (spec §4.1 step
// 1-6). The whole read-modify-write is one critical section on rec.mu; a
// failed persist rolls back the in-memory copy so readers never observe a
// half-applied change (spec §7).
func (m *Manager) Update(ctx context.Context, clientID string, verified bool, responseTime *float64) (float64, error) {
	rec, _, err := m.getOrCreate(ctx)(clientID)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	before := rec.score // copy for rollback
	s := &rec.score

	oldTrust := s.Trust
	s.TotalReports++
	if verified {
		s.VerifiedReports++
	} else {
		s.RejectedReports++
		s.FalsePositiveCount++
	}
	s.RecalculateAccuracy()

	if responseTime != nil {
		if s.ResponseTimeAvg == 0 {
			s.ResponseTimeAvg = *responseTime
		} else {
			s.ResponseTimeAvg = 0.7*s.ResponseTimeAvg + 0.3*(*responseTime)
		}
	}

	s.Trust = m.clamp(m.calculateTrust(*s, verified))
	s.LastUpdated = time.Now().UTC()

	if err := m.store.UpsertTrustScore(ctx, *s); err != nil {
		rec.score = before
		return 0, fmt.Errorf("update trust for %s: %w", clientID, err)
	}

	eventType := models.TrustEventIncreased
	if s.Trust < oldTrust {
		eventType = models.TrustEventDecreased
	}
	reason := "report rejected"
	if verified {
		reason = "report verified"
	}
	if err := m.store.AppendTrustHistory(ctx, models.TrustHistoryEntry{
		ClientID: clientID, Trust: s.Trust, EventType: eventType, Reason: reason, Timestamp: s.LastUpdated,
	}); err != nil {
		rec.score = before
		return 0, fmt.Errorf("log trust update for %s: %w", clientID, err)
	}

	icon := "❌"
	if verified {
		icon = "✅"
	}
	m.log.Info().Str("client_id", clientID).Float64("old_trust", oldTrust).Float64("new_trust", s.Trust).
		Float64("accuracy", s.AccuracyRate).Msgf("%s trust updated", icon)

	return s.Trust, nil
}

// calculateTrust computes base + immediate adjustment (spec §4.1 step 4-5).
// It does not clamp — callers clamp after.
func (m *Manager) calculateTrust(s models.TrustScore, verified bool) float64 {
	contribution := math.Min(1.0, math.Log1p(float64(s.ContributionCount))/5)

	var responsiveness float64
	if s.ResponseTimeAvg > 0 {
		responsiveness = math.Max(0, 1.0-(s.ResponseTimeAvg/responsivenessBaselineSeconds))
	} else {
		responsiveness = 0.5
	}

	var consistency float64
	if s.TotalReports > 0 {
		consistency = 1.0 - float64(s.FalsePositiveCount)/float64(s.TotalReports)
	} else {
		consistency = 0.5
	}

	base := s.AccuracyRate*weightAccuracy +
		contribution*weightContribution +
		responsiveness*weightResponsiveness +
		consistency*weightConsistency

	if verified {
		return base + boostVerified
	}
	return base + penaltyRejected
}

// decayRecord applies time-based decay if at least one full interval has
// elapsed since last_updated (spec §4.1 decay).
func (m *Manager) decayRecord(ctx context.Context, rec *record) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	s := &rec.score
	elapsed := time.Since(s.LastUpdated)
	if elapsed < m.decayInterval {
		return nil
	}

	periods := int(elapsed / m.decayInterval)
	decayFactor := math.Pow(m.decayRate, float64(periods))
	oldTrust := s.Trust
	newTrust := s.Trust*decayFactor + m.initialTrust*(1-decayFactor)
	newTrust = m.clamp(newTrust)

	before := *s
	s.Trust = newTrust
	s.LastUpdated = time.Now().UTC()

	if math.Abs(oldTrust-newTrust) <= 0.01 {
		// Below the persistence threshold: advance the decay anchor in
		// memory only would desynchronize from the store, so we still
		// persist last_updated to keep the anchor honest, but skip the
		// history row (spec §4.1: "if the move exceeds 0.01, persist and log").
		if err := m.store.UpsertTrustScore(ctx, *s); err != nil {
			*s = before
			return fmt.Errorf("persist decay anchor for %s: %w", s.ClientID, err)
		}
		return nil
	}

	if err := m.store.UpsertTrustScore(ctx, *s); err != nil {
		*s = before
		return fmt.Errorf("persist decay for %s: %w", s.ClientID, err)
	}
	if err := m.store.AppendTrustHistory(ctx, models.TrustHistoryEntry{
		ClientID: s.ClientID, Trust: s.Trust, EventType: models.TrustEventDecayed,
		Reason: fmt.Sprintf("time-based decay after %d period(s)", periods), Timestamp: s.LastUpdated,
	}); err != nil {
		*s = before
		return fmt.Errorf("log decay for %s: %w", s.ClientID, err)
	}

	m.log.Debug().Str("client_id", s.ClientID).Float64("old_trust", oldTrust).Float64("new_trust", newTrust).
		Msg("⏱️ trust decayed")
	return nil
}

// WeightedConsensus returns Σ confidence·trust / Σ trust for the given
// client→confidence map, or 0 when empty or total trust is zero (spec §4.1).
func (m *Manager) WeightedConsensus(ctx context.Context, confidences map[string]float64) (float64, error) {
	if len(confidences) == 0 {
		return 0, nil
	}

	var weightedSum, trustSum float64
	for clientID, confidence := range confidences {
		trust, err := m.Get(ctx, clientID)
		if err != nil {
			return 0, err
		}
		weightedSum += confidence * trust
		trustSum += trust
	}
	if trustSum == 0 {
		return 0, nil
	}
	return weightedSum / trustSum, nil
}

// Reset sets trust_score back to initial_trust, keeping counters, and logs
// a `reset` history row (spec §4.1).
func (m *Manager) Reset(ctx context.Context, clientID string) error {
	rec, _, err := m.getOrCreate(ctx)(clientID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	before := rec.score
	rec.score.Trust = m.initialTrust
	rec.score.LastUpdated = time.Now().UTC()

	if err := m.store.UpsertTrustScore(ctx, rec.score); err != nil {
		rec.score = before
		return fmt.Errorf("reset trust for %s: %w", clientID, err)
	}
	if err := m.store.AppendTrustHistory(ctx, models.TrustHistoryEntry{
		ClientID: clientID, Trust: m.initialTrust, EventType: models.TrustEventReset,
		Reason: "manual reset", Timestamp: rec.score.LastUpdated,
	}); err != nil {
		rec.score = before
		return fmt.Errorf("log reset for %s: %w", clientID, err)
	}

	m.log.Info().Str("client_id", clientID).Float64("trust", m.initialTrust).Msg("🔄 trust reset")
	return nil
}

// History returns the client's trust-history log, most recent first.
func (m *Manager) History(ctx context.Context, clientID string, limit int) ([]models.TrustHistoryEntry, error) {
	return m.store.TrustHistory(ctx, clientID, limit)
}

// Statistics computes totals, mean, min, max and banded counts across
// every known client, decaying each one first (spec §4.1).
func (m *Manager) Statistics(ctx context.Context) (models.TrustStatistics, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	if len(ids) == 0 {
		return models.TrustStatistics{AverageTrust: m.initialTrust, MinTrust: m.initialTrust, MaxTrust: m.initialTrust}, nil
	}

	stats := models.TrustStatistics{MinTrust: m.maxTrust, MaxTrust: m.minTrust}
	var sum float64
	for _, id := range ids {
		score, err := m.GetScore(ctx, id)
		if err != nil {
			return models.TrustStatistics{}, err
		}
		sum += score.Trust
		if score.Trust < stats.MinTrust {
			stats.MinTrust = score.Trust
		}
		if score.Trust > stats.MaxTrust {
			stats.MaxTrust = score.Trust
		}
		switch models.Band(score.Trust) {
		case models.TrustBandHigh:
			stats.HighCount++
		case models.TrustBandMedium:
			stats.MediumCount++
		default:
			stats.LowCount++
		}
		stats.TotalReports += score.TotalReports
		stats.TotalVerified += score.VerifiedReports
		stats.TotalRejected += score.RejectedReports
	}
	stats.TotalClients = len(ids)
	stats.AverageTrust = sum / float64(len(ids))
	return stats, nil
}

// AllScores returns every client's current (decayed) TrustScore.
func (m *Manager) AllScores(ctx context.Context) ([]models.TrustScore, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]models.TrustScore, 0, len(ids))
	for _, id := range ids {
		score, err := m.GetScore(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, score)
	}
	return out, nil
}
