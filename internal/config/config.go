// Package config loads and validates the node's runtime configuration from a
// YAML file plus environment overrides. Invalid configuration is a startup
// error, never a silent fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full runtime configuration.
type Config struct {
	// SecurityLevel is the post-quantum signature strength: 128, 192 or 256.
	SecurityLevel int `yaml:"security_level"`

	BiometricDim  int `yaml:"biometric_dim"`
	BehavioralDim int `yaml:"behavioral_dim"`

	FreshnessWindow time.Duration `yaml:"freshness_window"`
	ClockSkew       time.Duration `yaml:"clock_skew"`
	ChallengeTTL    time.Duration `yaml:"challenge_ttl"`

	// ChallengeRPS and ChallengeBurst bound challenge issuance per service.
	ChallengeRPS   float64 `yaml:"challenge_rps"`
	ChallengeBurst int     `yaml:"challenge_burst"`

	// BehaviorThreshold is the minimum cosine similarity a behavior sample
	// must reach against its pattern-class centroid.
	BehaviorThreshold float64 `yaml:"behavior_threshold"`

	// PatternClasses maps pattern-class names to reference centroids.
	PatternClasses map[string][]float64 `yaml:"pattern_classes"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		SecurityLevel:     128,
		BiometricDim:      16,
		BehavioralDim:     8,
		FreshnessWindow:   5 * time.Minute,
		ClockSkew:         30 * time.Second,
		ChallengeTTL:      2 * time.Minute,
		ChallengeRPS:      5,
		ChallengeBurst:    10,
		BehaviorThreshold: 0.80,
		MetricsAddr:       "127.0.0.1:9464",
		LogLevel:          "info",
	}
}

// Load reads configuration from explicitPath when given, otherwise from the
// first candidate path that exists, then applies environment overrides. A
// missing file is fine; a malformed one is not.
func Load(explicitPath string) (Config, error) {
	cfg := Default()

	path := explicitPath
	if path == "" {
		for _, candidate := range candidatePaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run safely with.
func (c Config) Validate() error {
	switch c.SecurityLevel {
	case 128, 192, 256:
	default:
		return fmt.Errorf("%w: security_level %d (want 128, 192 or 256)", ErrInvalidConfig, c.SecurityLevel)
	}
	if c.BiometricDim <= 0 || c.BehavioralDim <= 0 {
		return fmt.Errorf("%w: feature dimensions must be positive", ErrInvalidConfig)
	}
	if c.FreshnessWindow <= 0 || c.ChallengeTTL <= 0 {
		return fmt.Errorf("%w: freshness_window and challenge_ttl must be positive", ErrInvalidConfig)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("%w: clock_skew must not be negative", ErrInvalidConfig)
	}
	if c.ChallengeRPS <= 0 || c.ChallengeBurst <= 0 {
		return fmt.Errorf("%w: challenge limiter must allow some traffic", ErrInvalidConfig)
	}
	if c.BehaviorThreshold <= 0 || c.BehaviorThreshold > 1 {
		return fmt.Errorf("%w: behavior_threshold %v outside (0, 1]", ErrInvalidConfig, c.BehaviorThreshold)
	}
	for class, centroid := range c.PatternClasses {
		if len(centroid) != c.BehavioralDim {
			return fmt.Errorf("%w: pattern class %q has %d dimensions, want %d",
				ErrInvalidConfig, class, len(centroid), c.BehavioralDim)
		}
	}
	return nil
}

func candidatePaths() []string {
	paths := []string{"unicityd.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".unicity", "unicityd.yaml"))
	}
	paths = append(paths, "/etc/unicity/unicityd.yaml")
	return paths
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("UNICITY_SECURITY_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SecurityLevel = n
		}
	}
	if v := os.Getenv("UNICITY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("UNICITY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("UNICITY_FRESHNESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FreshnessWindow = d
		}
	}
	if v := os.Getenv("UNICITY_CHALLENGE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ChallengeTTL = d
		}
	}
}
