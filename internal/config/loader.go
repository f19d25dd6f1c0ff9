package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if RANK_CONFIG is set
//  3. env (prefix RANK_), e.g. RANK_ADDR, RANK_MAX_SWING
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("RANK_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	// Map env keys like RANK_MAX_SWING -> max_swing (flat keys, matching
	// the koanf tags on the struct).
	envProvider := env.Provider("RANK_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "rank_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.Policy != "hybrid" && c.Policy != "capped" {
		return fmt.Errorf("policy must be hybrid or capped, got %q", c.Policy)
	}
	if c.MMRMax <= c.MMRMin {
		return errors.New("mmr_max must be greater than mmr_min")
	}
	if c.RatingMax <= c.RatingMin {
		return errors.New("rating_max must be greater than rating_min")
	}
	if c.InitialRD <= 0 || c.InitialRD > c.MaxRD {
		return fmt.Errorf("initial_rd must be in (0, %g]", c.MaxRD)
	}
	if c.CalibrationRDThreshold <= 0 || c.CalibrationRDThreshold >= c.MaxRD {
		return fmt.Errorf("calibration_rd_threshold must be in (0, %g)", c.MaxRD)
	}
	if c.Tau <= 0 {
		return errors.New("tau must be positive")
	}
	if c.StreakThreshold < 2 {
		return errors.New("streak_threshold must be at least 2")
	}
	if c.MaxSwing <= 0 {
		return errors.New("max_swing must be positive")
	}
	if c.RecalibrationMinGames < 0 || c.RecalibrationCooldownSeconds < 0 {
		return errors.New("recalibration gates must not be negative")
	}
	return nil
}
