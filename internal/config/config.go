// Package config defines service configuration and its layered loader.
// Defaults are compiled in, an optional YAML file (RANK_CONFIG) overrides
// them, and RANK_-prefixed environment variables override the file.
package config

// Config contains process configuration.
type Config struct {
	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DatabaseURL is the PostgreSQL connection string. Empty selects the
	// in-memory store (development only).
	DatabaseURL string `koanf:"database_url"`

	// RedisURL enables the read-through rating cache when set.
	RedisURL string `koanf:"redis_url"`

	// CacheTTLSeconds bounds staleness of cached rating reads.
	CacheTTLSeconds int `koanf:"cache_ttl_seconds"`

	// Policy selects the settlement policy variant: "hybrid" or "capped".
	Policy string `koanf:"policy"`

	// MMRMin/MMRMax bound the external matchmaking rating used to seed
	// new players; RatingMin/RatingMax is the engine's own scale.
	MMRMin    float64 `koanf:"mmr_min"`
	MMRMax    float64 `koanf:"mmr_max"`
	RatingMin float64 `koanf:"rating_min"`
	RatingMax float64 `koanf:"rating_max"`

	// DefaultMMR seeds players with no external estimate.
	DefaultMMR float64 `koanf:"default_mmr"`

	// InitialRD and InitialVolatility seed new and recalibrated players.
	InitialRD         float64 `koanf:"initial_rd"`
	InitialVolatility float64 `koanf:"initial_volatility"`

	// Tau constrains volatility change per Glicko-2 cycle.
	Tau float64 `koanf:"tau"`

	// CalibrationRDThreshold: players with RD at or below it are
	// calibrated.
	CalibrationRDThreshold float64 `koanf:"calibration_rd_threshold"`

	// RD inactivity decay parameters.
	RDDecayConstant    float64 `koanf:"rd_decay_constant"`
	RDDecayGraceDays   float64 `koanf:"rd_decay_grace_days"`
	MaxRD              float64 `koanf:"max_rd"`

	// Streak multiplier parameters.
	StreakThreshold    int     `koanf:"streak_threshold"`
	StreakBonusPerGame float64 `koanf:"streak_bonus_per_game"`

	// MaxSwing bounds single-match deltas in the capped policy variant.
	MaxSwing float64 `koanf:"max_swing"`

	// Recalibration gating.
	RecalibrationMinGames        int `koanf:"recalibration_min_games"`
	RecalibrationCooldownSeconds int `koanf:"recalibration_cooldown_seconds"`
}

// New returns a Config with compiled-in defaults.
func New() *Config {
	return &Config{
		Addr:            ":8080",
		CacheTTLSeconds: 30,
		Policy:          "hybrid",

		MMRMin:     0,
		MMRMax:     12000,
		RatingMin:  0,
		RatingMax:  3000,
		DefaultMMR: 4000,

		InitialRD:         350.0,
		InitialVolatility: 0.06,
		Tau:               0.5,

		CalibrationRDThreshold: 100.0,

		RDDecayConstant:  50.0,
		RDDecayGraceDays: 14,
		MaxRD:            350.0,

		StreakThreshold:    3,
		StreakBonusPerGame: 0.20,

		MaxSwing: 400.0,

		RecalibrationMinGames:        5,
		RecalibrationCooldownSeconds: 90 * 24 * 3600,
	}
}
