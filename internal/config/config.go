// Package config loads the coordinator's configuration surface from the
// environment, following the teacher's requireEnv/getEnvOrDefault helpers
// in cmd/engine/main.go, generalized to every knob in spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// Trust Manager
	InitialTrust       float64
	MaxTrust           float64
	MinTrust           float64
	TrustDecayRate     float64
	DecayInterval      time.Duration

	// Intelligence Aggregator
	ConsensusThreshold int
	ConsensusTrustAvg  float64
	ExpiryDays         int

	// Session Layer
	ClientTimeout time.Duration

	// Process
	Port         string
	DatabaseURL  string
	APIAuthToken string
	AllowedOrigins string
}

// Load reads .env (if present) then the process environment, applying the
// defaults named in spec.md §6. DatabaseURL is the only required variable;
// everything else degrades to a documented default.
func Load() (Config, error) {
	// Ignore a missing .env file — it's a convenience for local dev, not a
	// requirement (mirrors the teacher's comment-only mention of .env).
	_ = godotenv.Load()

	cfg := Config{
		InitialTrust:       envFloat("INITIAL_TRUST", 0.5),
		MaxTrust:           envFloat("MAX_TRUST", 1.0),
		MinTrust:           envFloat("MIN_TRUST", 0.1),
		TrustDecayRate:     envFloat("TRUST_DECAY_RATE", 0.95),
		DecayInterval:      time.Duration(envFloat("DECAY_INTERVAL_HOURS", 24)) * time.Hour,
		ConsensusThreshold: envInt("CONSENSUS_THRESHOLD", 2),
		ConsensusTrustAvg:  envFloat("CONSENSUS_TRUST_AVG", 0.6),
		ExpiryDays:         envInt("EXPIRY_DAYS", 30),
		ClientTimeout:      time.Duration(envFloat("CLIENT_TIMEOUT_SEC", 30)) * time.Second,
		Port:               getEnvOrDefault("PORT", "5339"),
		APIAuthToken:       os.Getenv("API_AUTH_TOKEN"),
		AllowedOrigins:     os.Getenv("ALLOWED_ORIGINS"),
	}

	dbURL, err := requireEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseURL = dbURL

	return cfg, nil
}

// requireEnv reads a required environment variable and returns an error
// (rather than teacher's log.Fatalf) so callers decide how to fail.
func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("required environment variable %s is not set (copy .env.example to .env and fill in your values)", key)
	}
	return val, nil
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
