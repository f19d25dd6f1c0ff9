// Package store defines the persistence interfaces for the rating engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for rating-state reads), and in-memory (for testing).
//
// Cross-request coordination happens entirely through these interfaces'
// atomicity contracts — the engine never relies on an in-process mutex,
// because multiple handler instances may run in parallel.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/skillrank/rating-engine/internal/model"
)

var (
	// ErrPlayerNotFound is returned when no rating state exists for a
	// (player, scope) pair.
	ErrPlayerNotFound = errors.New("store: player rating state not found")

	// ErrPlayerExists is returned when creating a rating state that is
	// already present.
	ErrPlayerExists = errors.New("store: player rating state already exists")

	// ErrNoPendingMatch is returned by Claim and Peek when no unclaimed
	// pending match exists for the scope. Under a settlement race this is
	// the expected loser outcome.
	ErrNoPendingMatch = errors.New("store: no pending match for scope")

	// ErrPendingMatchExists is returned when a shuffle tries to create a
	// pending match while an unclaimed one is live for the scope.
	ErrPendingMatchExists = errors.New("store: pending match already exists for scope")
)

// PlayerRatingStore persists per-player rating state and its audit trail.
type PlayerRatingStore interface {
	// CreatePlayer inserts a freshly seeded rating state.
	// Returns ErrPlayerExists if the (player, scope) pair is known.
	CreatePlayer(ctx context.Context, st *model.PlayerRatingState) error

	// GetPlayer returns the stored rating state.
	// Returns ErrPlayerNotFound if absent.
	GetPlayer(ctx context.Context, scope, playerID string) (*model.PlayerRatingState, error)

	// ApplySettlement persists a settled match in one transaction: every
	// participant's new rating/RD/volatility/outcome window, win/loss
	// counters, last_activity_at, write-once first_calibrated_at when the
	// new RD crosses the calibration threshold, and one history entry per
	// player. Either everything commits or nothing does.
	ApplySettlement(ctx context.Context, w *model.SettlementWrite, calibrationThreshold float64) error

	// RecordRecalibration resets RD/volatility in place, preserves the
	// rating, stamps last_recalibration_at, and increments the permanent
	// recalibration counter.
	RecordRecalibration(ctx context.Context, scope, playerID string, rd, volatility float64, at time.Time) error

	// GetHistory returns the append-only rating history for a player,
	// most recent first.
	GetHistory(ctx context.Context, scope, playerID string) ([]model.RatingHistoryEntry, error)
}

// PendingMatchLedger provides exactly-once consumption of the shuffled
// match awaiting a result, at most one per scope.
type PendingMatchLedger interface {
	// CreatePendingMatch records a completed shuffle. Returns
	// ErrPendingMatchExists if an unclaimed match is live for the scope.
	CreatePendingMatch(ctx context.Context, m *model.PendingMatch) error

	// ClaimPendingMatch atomically reads and removes the pending match in
	// a single storage operation. Two concurrent callers racing on the
	// same scope get exactly one success and one ErrNoPendingMatch.
	ClaimPendingMatch(ctx context.Context, scope string) (*model.PendingMatch, error)

	// PeekPendingMatch reads the pending match without consuming it.
	// Returns ErrNoPendingMatch if absent. Display only.
	PeekPendingMatch(ctx context.Context, scope string) (*model.PendingMatch, error)
}

// Store is the combined persistence surface the coordinator is wired with.
type Store interface {
	PlayerRatingStore
	PendingMatchLedger
}
