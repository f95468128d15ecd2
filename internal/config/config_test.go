package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

var allKeys = []string{
	"INITIAL_TRUST", "MAX_TRUST", "MIN_TRUST", "TRUST_DECAY_RATE",
	"DECAY_INTERVAL_HOURS", "CONSENSUS_THRESHOLD", "CONSENSUS_TRUST_AVG",
	"EXPIRY_DAYS", "CLIENT_TIMEOUT_SEC", "PORT", "API_AUTH_TOKEN",
	"ALLOWED_ORIGINS", "DATABASE_URL",
}

func TestLoad_MissingDatabaseURLReturnsError(t *testing.T) {
	clearEnv(t, allKeys...)
	if _, err := Load(); err == nil {
		t.Fatal("Load() without DATABASE_URL should return an error")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InitialTrust != 0.5 {
		t.Errorf("InitialTrust = %v, want 0.5", cfg.InitialTrust)
	}
	if cfg.MaxTrust != 1.0 {
		t.Errorf("MaxTrust = %v, want 1.0", cfg.MaxTrust)
	}
	if cfg.MinTrust != 0.1 {
		t.Errorf("MinTrust = %v, want 0.1", cfg.MinTrust)
	}
	if cfg.TrustDecayRate != 0.95 {
		t.Errorf("TrustDecayRate = %v, want 0.95", cfg.TrustDecayRate)
	}
	if cfg.DecayInterval != 24*time.Hour {
		t.Errorf("DecayInterval = %v, want 24h", cfg.DecayInterval)
	}
	if cfg.ConsensusThreshold != 2 {
		t.Errorf("ConsensusThreshold = %v, want 2", cfg.ConsensusThreshold)
	}
	if cfg.ConsensusTrustAvg != 0.6 {
		t.Errorf("ConsensusTrustAvg = %v, want 0.6", cfg.ConsensusTrustAvg)
	}
	if cfg.ExpiryDays != 30 {
		t.Errorf("ExpiryDays = %v, want 30", cfg.ExpiryDays)
	}
	if cfg.Port != "5339" {
		t.Errorf("Port = %v, want 5339", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://localhost/test" {
		t.Errorf("DatabaseURL = %v, want postgres://localhost/test", cfg.DatabaseURL)
	}
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("PORT", "9000")
	os.Setenv("CONSENSUS_THRESHOLD", "3")
	os.Setenv("MIN_TRUST", "0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("Port = %v, want 9000", cfg.Port)
	}
	if cfg.ConsensusThreshold != 3 {
		t.Errorf("ConsensusThreshold = %v, want 3", cfg.ConsensusThreshold)
	}
	if cfg.MinTrust != 0.2 {
		t.Errorf("MinTrust = %v, want 0.2", cfg.MinTrust)
	}
}

func TestEnvFloat_FallsBackOnUnparseable(t *testing.T) {
	clearEnv(t, "SOME_FLOAT_KEY")
	os.Setenv("SOME_FLOAT_KEY", "not-a-number")
	t.Cleanup(func() { os.Unsetenv("SOME_FLOAT_KEY") })

	if got := envFloat("SOME_FLOAT_KEY", 1.5); got != 1.5 {
		t.Errorf("envFloat() = %v, want fallback 1.5", got)
	}
}

func TestEnvInt_FallsBackOnUnparseable(t *testing.T) {
	clearEnv(t, "SOME_INT_KEY")
	os.Setenv("SOME_INT_KEY", "not-a-number")
	t.Cleanup(func() { os.Unsetenv("SOME_INT_KEY") })

	if got := envInt("SOME_INT_KEY", 7); got != 7 {
		t.Errorf("envInt() = %v, want fallback 7", got)
	}
}
