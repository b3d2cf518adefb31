package stabilizer

import (
	"os"
	"strconv"
)

// Config controls the stabilizer: revision-window size, stability
// thresholds, throttling, and latency-reporting cadence.
type Config struct {
	RevisionTokens      int
	StableUpdates       int
	MaxAgeMs            int64
	MinUpdateIntervalMs int64
	ReportEvery         int
	ReportIntervalMs    int64
	MaxSamples          int
}

// DefaultConfig holds the documented defaults for the PARAKEET_REVISION_*,
// PARAKEET_UI_MIN_UPDATE_MS, and PARAKEET_LATENCY_* environment variables.
func DefaultConfig() Config {
	return Config{
		RevisionTokens:      8,
		StableUpdates:       3,
		MaxAgeMs:            1500,
		MinUpdateIntervalMs: 40,
		ReportEvery:         20,
		ReportIntervalMs:    5000,
		MaxSamples:          200,
	}
}

// ConfigFromEnv starts from DefaultConfig and overrides each field present
// in the environment.
func ConfigFromEnv() Config {
	c := DefaultConfig()
	c.RevisionTokens = envInt("PARAKEET_REVISION_TOKENS", c.RevisionTokens)
	c.StableUpdates = envInt("PARAKEET_REVISION_STABLE_UPDATES", c.StableUpdates)
	c.MaxAgeMs = envInt64("PARAKEET_REVISION_MAX_AGE_MS", c.MaxAgeMs)
	c.MinUpdateIntervalMs = envInt64("PARAKEET_UI_MIN_UPDATE_MS", c.MinUpdateIntervalMs)
	c.ReportEvery = envInt("PARAKEET_LATENCY_REPORT_EVERY", c.ReportEvery)
	c.ReportIntervalMs = envInt64("PARAKEET_LATENCY_REPORT_INTERVAL_MS", c.ReportIntervalMs)
	c.MaxSamples = envInt("PARAKEET_LATENCY_MAX_SAMPLES", c.MaxSamples)
	return c
}

func envInt(name string, fallback int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(name string, fallback int64) int64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
