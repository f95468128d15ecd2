package alert

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/rs/zerolog"
)

func sampleIntel(threatLevel models.ThreatLevel) models.ThreatIntel {
	ioc := models.NewIOC(models.IOCTypeIPAddress, "203.0.113.9", threatLevel, "client-a", nil, time.Time{})
	return models.ThreatIntel{
		IOC:         ioc,
		Status:      models.IntelStatusVerified,
		VerifiedBy:  []string{"client-a", "client-b"},
		TrustWeight: 0.8,
	}
}

func TestEmitPromotion_RecordsHistory(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.EmitPromotion(sampleIntel(models.ThreatLevelHigh))

	recent := m.Recent(10)
	if len(recent) != 1 {
		t.Fatalf("Recent() returned %d alerts, want 1", len(recent))
	}
	if recent[0].Severity != models.ThreatLevelHigh {
		t.Errorf("Severity = %v, want high", recent[0].Severity)
	}
}

func TestRecent_BoundedToMaxHistory(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.maxHistory = 5
	for i := 0; i < 10; i++ {
		m.EmitPromotion(sampleIntel(models.ThreatLevelLow))
	}

	all := m.Recent(0)
	if len(all) != 5 {
		t.Fatalf("Recent(0) returned %d alerts, want bounded to maxHistory=5", len(all))
	}
}

func TestEmitPromotion_SkipsWebhookBelowMinSeverity(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(zerolog.Nop())
	m.RegisterWebhook("sink", srv.URL, models.ThreatLevelCritical, nil)

	m.EmitPromotion(sampleIntel(models.ThreatLevelLow))

	// Delivery is async; give the fire-and-forget goroutine a moment, then
	// assert it never fired since low < critical.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("webhook should not fire for severity below MinSeverity, got %d calls", calls)
	}
}

func TestEmitPromotion_DeliversToEligibleWebhook(t *testing.T) {
	var mu sync.Mutex
	var gotHeader string
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHeader = r.Header.Get("X-Custom")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	m := NewManager(zerolog.Nop())
	m.RegisterWebhook("sink", srv.URL, models.ThreatLevelLow, map[string]string{"X-Custom": "fedsig"})

	m.EmitPromotion(sampleIntel(models.ThreatLevelCritical))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotHeader != "fedsig" {
		t.Errorf("custom header = %q, want %q", gotHeader, "fedsig")
	}
}
