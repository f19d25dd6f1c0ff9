// Package model defines the core domain types shared across the rating
// engine. Rating math uses float64 throughout — Glicko-2 is transcendental
// floating-point math by construction.
package model

import (
	"errors"
	"time"
)

// Side identifies one of the two teams in a match.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Valid reports whether s is one of the two recognized sides.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

var (
	// ErrEmptyTeam is returned when a match roster has an empty side.
	ErrEmptyTeam = errors.New("model: team must not be empty")

	// ErrDuplicatePlayer is returned when a player appears twice in a
	// match roster (on either side or across sides).
	ErrDuplicatePlayer = errors.New("model: duplicate player in match roster")
)

// RecentOutcomeWindow bounds the recent_outcomes history kept per player.
// Ten entries cover every streak length the multiplier can inspect.
const RecentOutcomeWindow = 10

// PlayerRatingState is the persisted skill estimate for one
// (player, scope) pair. Mutated only by settlement and recalibration.
type PlayerRatingState struct {
	PlayerID   string  `json:"player_id" db:"player_id"`
	Scope      string  `json:"scope" db:"scope"`
	Rating     float64 `json:"rating" db:"rating"`
	RD         float64 `json:"rd" db:"rd"`
	Volatility float64 `json:"volatility" db:"volatility"`
	Wins       int     `json:"wins" db:"wins"`
	Losses     int     `json:"losses" db:"losses"`

	// RecentOutcomes is most-recent-first, truncated to RecentOutcomeWindow.
	RecentOutcomes []bool `json:"recent_outcomes" db:"recent_outcomes"`

	LastActivityAt *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`

	// FirstCalibratedAt is set once, the first time RD crosses below the
	// calibration threshold, and never overwritten.
	FirstCalibratedAt *time.Time `json:"first_calibrated_at,omitempty" db:"first_calibrated_at"`

	TotalRecalibrations int        `json:"total_recalibrations" db:"total_recalibrations"`
	LastRecalibrationAt *time.Time `json:"last_recalibration_at,omitempty" db:"last_recalibration_at"`
}

// GamesPlayed returns the number of settled matches for this player.
func (p *PlayerRatingState) GamesPlayed() int {
	return p.Wins + p.Losses
}

// PendingMatch is the single claimable record per scope representing a
// shuffled-but-unplayed match. Created by the shuffler, destroyed exactly
// once when settlement succeeds or the match is explicitly aborted.
type PendingMatch struct {
	ID        string    `json:"id" db:"id"`
	Scope     string    `json:"scope" db:"scope"`
	TeamA     []string  `json:"team_a" db:"team_a"`
	TeamB     []string  `json:"team_b" db:"team_b"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the roster shape: both sides non-empty, no player listed
// twice anywhere in the match.
func (m *PendingMatch) Validate() error {
	if len(m.TeamA) == 0 || len(m.TeamB) == 0 {
		return ErrEmptyTeam
	}
	seen := make(map[string]struct{}, len(m.TeamA)+len(m.TeamB))
	for _, id := range m.TeamA {
		if _, dup := seen[id]; dup {
			return ErrDuplicatePlayer
		}
		seen[id] = struct{}{}
	}
	for _, id := range m.TeamB {
		if _, dup := seen[id]; dup {
			return ErrDuplicatePlayer
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Roster returns the participant ids for the given side.
func (m *PendingMatch) Roster(side Side) []string {
	if side == SideA {
		return m.TeamA
	}
	return m.TeamB
}

// RatingHistoryEntry is an immutable audit record of one player's rating
// change from one settled match. Once created, these are never modified
// or deleted.
type RatingHistoryEntry struct {
	ID               string    `json:"id" db:"id"`
	MatchID          string    `json:"match_id" db:"match_id"`
	Scope            string    `json:"scope" db:"scope"`
	PlayerID         string    `json:"player_id" db:"player_id"`
	RatingBefore     float64   `json:"rating_before" db:"rating_before"`
	RatingAfter      float64   `json:"rating_after" db:"rating_after"`
	RDAfter          float64   `json:"rd_after" db:"rd_after"`
	Won              bool      `json:"won" db:"won"`
	StreakLength     int       `json:"streak_length" db:"streak_length"`
	StreakMultiplier float64   `json:"streak_multiplier" db:"streak_multiplier"`
	SettledAt        time.Time `json:"settled_at" db:"settled_at"`
}

// PlayerUpdate is the fully computed post-match state for one participant,
// ready to be persisted inside the settlement transaction.
type PlayerUpdate struct {
	PlayerID         string
	Side             Side
	Won              bool
	RatingBefore     float64
	Rating           float64
	RD               float64
	Volatility       float64
	StreakLength     int
	StreakMultiplier float64

	// RecentOutcomes is the new most-recent-first window including this
	// match's result.
	RecentOutcomes []bool
}

// Delta returns the signed rating change for this update.
func (u *PlayerUpdate) Delta() float64 {
	return u.Rating - u.RatingBefore
}

// SettlementWrite carries everything the store must persist atomically
// when a match settles: per-player state, history entries, and counters.
type SettlementWrite struct {
	MatchID     string
	Scope       string
	WinningSide Side
	SettledAt   time.Time
	Updates     []PlayerUpdate
}

// PlayerResult is the per-player before/after view returned to callers.
type PlayerResult struct {
	PlayerID         string  `json:"player_id"`
	Side             Side    `json:"side"`
	Won              bool    `json:"won"`
	RatingBefore     float64 `json:"rating_before"`
	RatingAfter      float64 `json:"rating_after"`
	RDAfter          float64 `json:"rd_after"`
	StreakLength     int     `json:"streak_length"`
	StreakMultiplier float64 `json:"streak_multiplier"`
}

// SettlementSummary is returned from a successful settlement for the
// caller to present.
type SettlementSummary struct {
	MatchID     string         `json:"match_id"`
	Scope       string         `json:"scope"`
	WinningSide Side           `json:"winning_side"`
	SettledAt   time.Time      `json:"settled_at"`
	Players     []PlayerResult `json:"players"`
}
