package trust

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/rs/zerolog"
)

// fakeStore is an in-memory TrustStore for exercising the Trust Manager
// without a live Postgres instance.
type fakeStore struct {
	mu      sync.Mutex
	scores  map[string]models.TrustScore
	history []models.TrustHistoryEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{scores: make(map[string]models.TrustScore)}
}

func (s *fakeStore) UpsertTrustScore(ctx context.Context, score models.TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[score.ClientID] = score
	return nil
}

func (s *fakeStore) LoadTrustScores(ctx context.Context) ([]models.TrustScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TrustScore, 0, len(s.scores))
	for _, v := range s.scores {
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) AppendTrustHistory(ctx context.Context, entry models.TrustHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func (s *fakeStore) TrustHistory(ctx context.Context, clientID string, limit int) ([]models.TrustHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TrustHistoryEntry
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].ClientID == clientID {
			out = append(out, s.history[i])
		}
	}
	return out, nil
}

func testManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	m, err := New(context.Background(), Config{
		InitialTrust:  0.5,
		MaxTrust:      1.0,
		MinTrust:      0.1,
		DecayRate:     0.95,
		DecayInterval: 24 * time.Hour,
	}, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, st
}

func TestInitialize_NewClientGetsInitialTrust(t *testing.T) {
	m, _ := testManager(t)
	trust, err := m.Initialize(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if trust != 0.5 {
		t.Errorf("Initialize() = %v, want 0.5", trust)
	}
}

func TestInitialize_IdempotentForExistingClient(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "client-a"); err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	if _, err := m.Update(ctx, "client-a", true, nil); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	after, err := m.Initialize(ctx, "client-a")
	if err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	current, err := m.Get(ctx, "client-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after != current {
		t.Errorf("Initialize() on existing client returned %v, want current trust %v", after, current)
	}
}

func TestUpdate_VerifiedIncreasesTrust(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "client-a"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	before, _ := m.Get(ctx, "client-a")

	after, err := m.Update(ctx, "client-a", true, nil)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if after <= before {
		t.Errorf("Update(verified=true) trust = %v, want > %v", after, before)
	}
}

func TestUpdate_RejectedDecreasesTrust(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "client-a"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	before, _ := m.Get(ctx, "client-a")

	after, err := m.Update(ctx, "client-a", false, nil)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if after >= before {
		t.Errorf("Update(verified=false) trust = %v, want < %v", after, before)
	}
}

func TestUpdate_ClampsToTrustBounds(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "client-a"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	for i := 0; i < 200; i++ {
		if _, err := m.Update(ctx, "client-a", true, nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	trust, _ := m.Get(ctx, "client-a")
	if trust > m.maxTrust || trust < m.minTrust {
		t.Errorf("trust %v out of bounds [%v, %v]", trust, m.minTrust, m.maxTrust)
	}

	for i := 0; i < 200; i++ {
		if _, err := m.Update(ctx, "client-a", false, nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	trust, _ = m.Get(ctx, "client-a")
	if trust > m.maxTrust || trust < m.minTrust {
		t.Errorf("trust %v out of bounds [%v, %v]", trust, m.minTrust, m.maxTrust)
	}
}

func TestUpdate_AccuracyRateMatchesCounters(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "client-a"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if _, err := m.Update(ctx, "client-a", true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Update(ctx, "client-a", true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Update(ctx, "client-a", false, nil); err != nil {
		t.Fatal(err)
	}

	score, err := m.GetScore(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetScore() error = %v", err)
	}
	want := 2.0 / 3.0
	if math.Abs(score.AccuracyRate-want) > 1e-9 {
		t.Errorf("AccuracyRate = %v, want %v", score.AccuracyRate, want)
	}
}

func TestDecay_PullsTowardInitialTrust(t *testing.T) {
	st := newFakeStore()
	m, err := New(context.Background(), Config{
		InitialTrust:  0.5,
		MaxTrust:      1.0,
		MinTrust:      0.1,
		DecayRate:     0.95,
		DecayInterval: time.Hour,
	}, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if _, err := m.Initialize(ctx, "client-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Update(ctx, "client-a", true, nil); err != nil {
		t.Fatal(err)
	}
	elevated, err := m.Get(ctx, "client-a")
	if err != nil {
		t.Fatal(err)
	}

	// Force the decay anchor far enough into the past to trigger several
	// decay periods on the next read. Decay reads the Manager's in-memory
	// record, so the anchor is moved there rather than in the store.
	rec := m.records["client-a"]
	rec.mu.Lock()
	rec.score.LastUpdated = time.Now().Add(-10 * time.Hour)
	rec.mu.Unlock()

	decayed, err := m.Get(ctx, "client-a")
	if err != nil {
		t.Fatalf("Get() after forced decay error = %v", err)
	}
	if decayed >= elevated {
		t.Errorf("decayed trust %v should be less than elevated trust %v", decayed, elevated)
	}
	if decayed < 0.5 {
		t.Errorf("decay should not overshoot initial_trust 0.5, got %v", decayed)
	}
}

func TestWeightedConsensus_EmptyReturnsZero(t *testing.T) {
	m, _ := testManager(t)
	result, err := m.WeightedConsensus(context.Background(), map[string]float64{})
	if err != nil {
		t.Fatalf("WeightedConsensus() error = %v", err)
	}
	if result != 0 {
		t.Errorf("WeightedConsensus(empty) = %v, want 0", result)
	}
}

func TestWeightedConsensus_WeightsByTrust(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Initialize(ctx, "low-trust"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Initialize(ctx, "high-trust"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := m.Update(ctx, "high-trust", true, nil); err != nil {
			t.Fatal(err)
		}
	}

	result, err := m.WeightedConsensus(ctx, map[string]float64{
		"low-trust":  0.0,
		"high-trust": 1.0,
	})
	if err != nil {
		t.Fatalf("WeightedConsensus() error = %v", err)
	}
	if result <= 0.5 {
		t.Errorf("WeightedConsensus() = %v, want > 0.5 (pulled toward the higher-trust voter)", result)
	}
}

func TestReset_RestoresInitialTrustKeepsCounters(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "client-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Update(ctx, "client-a", true, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.Reset(ctx, "client-a"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	score, err := m.GetScore(ctx, "client-a")
	if err != nil {
		t.Fatal(err)
	}
	if score.Trust != 0.5 {
		t.Errorf("Reset() trust = %v, want 0.5", score.Trust)
	}
	if score.TotalReports != 1 {
		t.Errorf("Reset() should keep counters, TotalReports = %v, want 1", score.TotalReports)
	}
}

func TestStatistics_BandsClientsCorrectly(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Initialize(ctx, "high"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := m.Update(ctx, "high", true, nil); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.Initialize(ctx, "low"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := m.Update(ctx, "low", false, nil); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.TotalClients != 2 {
		t.Errorf("TotalClients = %v, want 2", stats.TotalClients)
	}
	if stats.HighCount < 1 {
		t.Errorf("expected at least one high-trust client, got HighCount=%v", stats.HighCount)
	}
	if stats.LowCount < 1 {
		t.Errorf("expected at least one low-trust client, got LowCount=%v", stats.LowCount)
	}
}
