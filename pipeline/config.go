package pipeline

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// DefaultPolicyVersion is stamped on every batch. Bump it whenever keyword
// lists, rule weights, or default thresholds change.
const DefaultPolicyVersion = "cct-policy/v1"

// Config is the immutable knob set handed to the orchestrator. Inner
// components never read the environment; ConfigFromEnv is the only place the
// process environment is consulted, and only the daemon calls it.
type Config struct {
	// MinAcceptRatio rejects batches whose accepted/total ratio falls below
	// it. Zero disables the guardrail.
	MinAcceptRatio float64

	// MinCCTConfidence is the global threshold below which a verdict is
	// demoted to UNKNOWN. Zero disables the gate.
	MinCCTConfidence float64

	// AmbiguityDelta demotes to UNKNOWN when the top two candidates sit in
	// different buckets within this distance.
	AmbiguityDelta float64

	// CCTThresholds overrides MinCCTConfidence per bucket.
	CCTThresholds map[CCT]float64

	// AllowMissingWatermark honors a feed's per-request watermark override.
	// Dev-only; off unless explicitly enabled.
	AllowMissingWatermark bool

	// PolicyVersion is persisted on each batch.
	PolicyVersion string
}

func DefaultConfig() Config {
	return Config{
		MinAcceptRatio:   0.10,
		MinCCTConfidence: 0.70,
		AmbiguityDelta:   0.05,
		PolicyVersion:    DefaultPolicyVersion,
	}
}

func (c *Config) thresholdFor(bucket CCT) float64 {
	if v, ok := c.CCTThresholds[bucket]; ok {
		return v
	}
	return c.MinCCTConfidence
}

// ConfigFromEnv builds a Config from the enumerated environment surface.
// Misconfigured values fall back to defaults rather than failing startup.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if raw, ok := os.LookupEnv("MIN_ACCEPT_RATIO"); ok {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "", "0", "0.0", "none", "null":
			cfg.MinAcceptRatio = 0
		default:
			if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
				cfg.MinAcceptRatio = v
			}
		}
	}

	cfg.MinCCTConfidence = envFloat("MIN_CCT_CONFIDENCE", cfg.MinCCTConfidence)
	cfg.AmbiguityDelta = envFloat("AMBIGUITY_DELTA", cfg.AmbiguityDelta)

	if raw := strings.TrimSpace(os.Getenv("CCT_THRESHOLDS_JSON")); raw != "" {
		var parsed map[string]float64
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			overrides := make(map[CCT]float64, len(parsed))
			for k, v := range parsed {
				overrides[CCT(strings.ToUpper(strings.TrimSpace(k)))] = v
			}
			cfg.CCTThresholds = overrides
		}
	}

	cfg.AllowMissingWatermark = ParseBoolish(os.Getenv("ALLOW_MISSING_WATERMARK"))

	if v := strings.TrimSpace(os.Getenv("POLICY_VERSION")); v != "" {
		cfg.PolicyVersion = v
	}
	return cfg
}

func envFloat(name string, def float64) float64 {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" || raw == "none" || raw == "null" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}
