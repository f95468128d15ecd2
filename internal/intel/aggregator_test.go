package intel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/rs/zerolog"
)

// fakeStore is an in-memory IntelStore for exercising the Aggregator
// without a live Postgres instance.
type fakeStore struct {
	mu         sync.Mutex
	iocs       map[string]models.ThreatIntel
	detections []models.DetectionLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{iocs: make(map[string]models.ThreatIntel)}
}

func (s *fakeStore) UpsertIntel(ctx context.Context, intel models.ThreatIntel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iocs[intel.IOC.ID] = intel
	return nil
}

func (s *fakeStore) LoadByStatus(ctx context.Context, status models.IntelStatus) ([]models.ThreatIntel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ThreatIntel
	for _, v := range s.iocs {
		if v.Status == status {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadAll(ctx context.Context) ([]models.ThreatIntel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ThreatIntel, 0, len(s.iocs))
	for _, v := range s.iocs {
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) GetByID(ctx context.Context, iocID string) (*models.ThreatIntel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.iocs[iocID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *fakeStore) AppendDetection(ctx context.Context, entry models.DetectionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, entry)
	return nil
}

func (s *fakeStore) RecentDetections(ctx context.Context, limit int) ([]models.DetectionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detections, nil
}

func (s *fakeStore) MarkExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, v := range s.iocs {
		if v.Status == models.IntelStatusVerified && v.LastSeen.Before(cutoff) {
			v.Status = models.IntelStatusExpired
			s.iocs[id] = v
			n++
		}
	}
	return n, nil
}

func testAggregator(t *testing.T) (*Aggregator, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	a, err := New(context.Background(), Config{
		ConsensusThreshold: 2,
		ConsensusTrustAvg:  0.6,
		ExpiryDays:         30,
	}, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, st
}

func sampleIOC(clientID string) models.IOC {
	return models.NewIOC(models.IOCTypeDomain, "evil.example.com", models.ThreatLevelHigh, clientID, nil, time.Time{})
}

func TestReport_SingleVoteStaysPending(t *testing.T) {
	a, _ := testAggregator(t)
	ctx := context.Background()

	promoted, err := a.Report(ctx, sampleIOC("client-a"), 0.9)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if promoted != nil {
		t.Errorf("Report() with a single vote should not promote, got %+v", promoted)
	}
}

func TestReport_PromotesOnConsensus(t *testing.T) {
	a, _ := testAggregator(t)
	ctx := context.Background()
	ioc := sampleIOC("client-a")

	if _, err := a.Report(ctx, ioc, 0.9); err != nil {
		t.Fatalf("first Report() error = %v", err)
	}
	promoted, err := a.Report(ctx, models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, "client-b", nil, time.Time{}), 0.7)
	if err != nil {
		t.Fatalf("second Report() error = %v", err)
	}
	if promoted == nil {
		t.Fatal("Report() should promote once consensus holds")
	}
	if promoted.Status != models.IntelStatusVerified {
		t.Errorf("promoted.Status = %v, want verified", promoted.Status)
	}
	if len(promoted.VerifiedBy) != 2 {
		t.Errorf("len(VerifiedBy) = %v, want 2", len(promoted.VerifiedBy))
	}
	wantWeight := (0.9 + 0.7) / 2
	if promoted.TrustWeight != wantWeight {
		t.Errorf("TrustWeight = %v, want %v", promoted.TrustWeight, wantWeight)
	}
}

func TestReport_BelowTrustThresholdStaysPending(t *testing.T) {
	a, _ := testAggregator(t)
	ctx := context.Background()
	ioc := sampleIOC("client-a")

	if _, err := a.Report(ctx, ioc, 0.3); err != nil {
		t.Fatal(err)
	}
	promoted, err := a.Report(ctx, models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, "client-b", nil, time.Time{}), 0.3)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != nil {
		t.Errorf("Report() should not promote when mean trust (0.3) < consensus_trust_avg (0.6), got %+v", promoted)
	}
}

func TestReport_DuplicateVoteFromSameClientIgnored(t *testing.T) {
	a, _ := testAggregator(t)
	ctx := context.Background()
	ioc := sampleIOC("client-a")

	if _, err := a.Report(ctx, ioc, 0.9); err != nil {
		t.Fatal(err)
	}
	// Same client votes again — must not advance consensus even though
	// trust would otherwise be sufficient.
	promoted, err := a.Report(ctx, ioc, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != nil {
		t.Error("a duplicate vote from the same client must not advance consensus")
	}
}

func TestReport_CacheHitOnVerifiedIncrementsDetectionCount(t *testing.T) {
	a, _ := testAggregator(t)
	ctx := context.Background()
	ioc := sampleIOC("client-a")

	if _, err := a.Report(ctx, ioc, 0.9); err != nil {
		t.Fatal(err)
	}
	promoted, err := a.Report(ctx, models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, "client-b", nil, time.Time{}), 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if promoted == nil {
		t.Fatal("expected promotion on second vote")
	}

	// A third, unrelated client reports the same indicator after promotion.
	third, err := a.Report(ctx, models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, "client-c", nil, time.Time{}), 0.95)
	if err != nil {
		t.Fatalf("Report() post-promotion error = %v", err)
	}
	if third != nil {
		t.Error("reports against an already-verified ioc_id must not return a fresh promotion")
	}

	got, err := a.GetByID(ctx, ioc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DetectionCount != 3 {
		t.Errorf("DetectionCount = %v, want 3", got.DetectionCount)
	}
	if len(got.VerifiedBy) != 2 {
		t.Errorf("len(VerifiedBy) = %v, want 2 (frozen at promotion, client-c must not be added)", len(got.VerifiedBy))
	}
}

func TestGenerateIOCID_DeterministicAndInjective(t *testing.T) {
	a := models.GenerateIOCID(models.IOCTypeDomain, "evil.example.com")
	b := models.GenerateIOCID(models.IOCTypeDomain, "evil.example.com")
	if a != b {
		t.Errorf("GenerateIOCID is not deterministic: %v != %v", a, b)
	}

	c := models.GenerateIOCID(models.IOCTypeURL, "evil.example.com")
	if a == c {
		t.Error("GenerateIOCID should differ across (type, value) pairs sharing a value")
	}
}

func TestReport_ConcurrentCacheHitsDoNotLoseDetectionCount(t *testing.T) {
	a, _ := testAggregator(t)
	ctx := context.Background()
	ioc := sampleIOC("client-a")

	if _, err := a.Report(ctx, ioc, 0.9); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Report(ctx, models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, "client-b", nil, time.Time{}), 0.7); err != nil {
		t.Fatal(err)
	}

	const replays = 20
	var wg sync.WaitGroup
	wg.Add(replays)
	for i := 0; i < replays; i++ {
		clientID := fmt.Sprintf("client-replay-%d", i)
		go func(clientID string) {
			defer wg.Done()
			replay := models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, clientID, nil, time.Time{})
			if _, err := a.Report(ctx, replay, 0.9); err != nil {
				t.Errorf("concurrent Report() error = %v", err)
			}
		}(clientID)
	}
	wg.Wait()

	got, err := a.GetByID(ctx, ioc.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 2 votes to reach consensus + one cache-hit bump per concurrent replay.
	want := 2 + replays
	if got.DetectionCount != want {
		t.Errorf("DetectionCount = %v, want %v (no lost updates across concurrent cache-hit replays)", got.DetectionCount, want)
	}
}

func TestSweepExpired_MarksOldVerifiedRecords(t *testing.T) {
	a, st := testAggregator(t)
	ctx := context.Background()
	ioc := sampleIOC("client-a")

	if _, err := a.Report(ctx, ioc, 0.9); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Report(ctx, models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, "client-b", nil, time.Time{}), 0.7); err != nil {
		t.Fatal(err)
	}

	st.mu.Lock()
	rec := st.iocs[ioc.ID]
	rec.LastSeen = time.Now().AddDate(0, 0, -40)
	st.iocs[ioc.ID] = rec
	st.mu.Unlock()

	n, err := a.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExpired() swept %v, want 1", n)
	}

	if _, ok := a.verified[ioc.ID]; ok {
		t.Error("expired ioc should be dropped from the verified cache")
	}
}
