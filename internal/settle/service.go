// Package settle orchestrates match settlement: claim the pending match,
// load and lazily decay both rosters, run the settlement policy, and
// persist every consequence in one transaction. The claim is the sole
// concurrency guard — a second caller racing to settle the same match
// always loses the claim and nothing else happens for it.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skillrank/rating-engine/internal/config"
	"github.com/skillrank/rating-engine/internal/glicko"
	"github.com/skillrank/rating-engine/internal/metrics"
	"github.com/skillrank/rating-engine/internal/model"
	"github.com/skillrank/rating-engine/internal/policy"
	"github.com/skillrank/rating-engine/internal/store"
)

// ErrSettlementFatal marks a failure after the pending match was already
// claimed: the claim is consumed but no rating changes were committed.
// Never retried automatically — blind retry after a partial failure risks
// double counting. Requires manual reconciliation.
var ErrSettlementFatal = errors.New("settle: settlement failed after claim was consumed")

// Service coordinates settlement against the injected store and policy.
// All cross-request coordination is delegated to the store's atomicity
// contracts; the service itself holds no mutable state and is safe for
// concurrent use.
type Service struct {
	store  store.Store
	policy policy.Policy
	cfg    *config.Config
	wsHub  *WSHub // optional, nil disables broadcasting

	now func() time.Time
}

// NewService creates a settlement service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, pol policy.Policy, cfg *config.Config, hub *WSHub) *Service {
	return &Service{
		store:  st,
		policy: pol,
		cfg:    cfg,
		wsHub:  hub,
		now:    time.Now,
	}
}

// CreatePlayer seeds a rating state for a player joining the rated pool.
// A nil mmr falls back to the configured default seed.
func (s *Service) CreatePlayer(ctx context.Context, scope, playerID string, mmr *float64) (*model.PlayerRatingState, error) {
	seed := s.cfg.DefaultMMR
	if mmr != nil {
		seed = *mmr
	}
	st := &model.PlayerRatingState{
		PlayerID:   playerID,
		Scope:      scope,
		Rating:     glicko.MMRToRating(seed, s.cfg.MMRMin, s.cfg.MMRMax, s.cfg.RatingMin, s.cfg.RatingMax),
		RD:         s.cfg.InitialRD,
		Volatility: s.cfg.InitialVolatility,
	}
	if err := s.store.CreatePlayer(ctx, st); err != nil {
		return nil, err
	}

	slog.Info("player created",
		"scope", scope,
		"player", playerID,
		"rating", st.Rating,
		"seeded_from_mmr", mmr != nil,
	)
	return st, nil
}

// CreateMatch records a completed shuffle as the scope's pending match.
// Every participant must already have a rating state: failing here is a
// cheap validation error, failing after a claim is fatal.
func (s *Service) CreateMatch(ctx context.Context, scope string, teamA, teamB []string) (*model.PendingMatch, error) {
	m := &model.PendingMatch{
		ID:        uuid.New().String(),
		Scope:     scope,
		TeamA:     teamA,
		TeamB:     teamB,
		CreatedAt: s.now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	for _, id := range append(append([]string{}, teamA...), teamB...) {
		if _, err := s.store.GetPlayer(ctx, scope, id); err != nil {
			return nil, fmt.Errorf("participant %s: %w", id, err)
		}
	}

	if err := s.store.CreatePendingMatch(ctx, m); err != nil {
		return nil, err
	}
	metrics.PendingMatches.Inc()

	slog.Info("pending match created",
		"scope", scope,
		"match_id", m.ID,
		"team_a", len(teamA),
		"team_b", len(teamB),
	)
	return m, nil
}

// PeekMatch returns the pending match without consuming it.
func (s *Service) PeekMatch(ctx context.Context, scope string) (*model.PendingMatch, error) {
	return s.store.PeekPendingMatch(ctx, scope)
}

// AbortMatch consumes the pending match without applying any rating
// changes. Same at-most-once claim semantics as Settle.
func (s *Service) AbortMatch(ctx context.Context, scope string) (*model.PendingMatch, error) {
	m, err := s.store.ClaimPendingMatch(ctx, scope)
	if err != nil {
		return nil, err
	}
	metrics.PendingMatches.Dec()

	slog.Info("pending match aborted", "scope", scope, "match_id", m.ID)
	return m, nil
}

// Settle consumes the scope's pending match and applies all rating
// consequences exactly once.
func (s *Service) Settle(ctx context.Context, scope string, winning model.Side) (*model.SettlementSummary, error) {
	start := time.Now()

	// Validation errors reject before any mutation; a typo'd side must
	// not consume the claim.
	if !winning.Valid() {
		return nil, policy.ErrInvalidWinningSide
	}

	claim, err := s.store.ClaimPendingMatch(ctx, scope)
	if err != nil {
		if errors.Is(err, store.ErrNoPendingMatch) {
			metrics.ClaimConflicts.Inc()
		}
		return nil, err
	}
	metrics.PendingMatches.Dec()

	now := s.now().UTC()

	// From here on the claim is consumed: any failure is fatal and must
	// be surfaced loudly for manual replay, never silently retried.
	teamA, err := s.loadTeam(ctx, scope, claim.TeamA, now)
	if err != nil {
		return nil, s.fatal(scope, claim.ID, "load side A", err)
	}
	teamB, err := s.loadTeam(ctx, scope, claim.TeamB, now)
	if err != nil {
		return nil, s.fatal(scope, claim.ID, "load side B", err)
	}

	updates, err := s.policy.Apply(teamA, teamB, winning)
	if err != nil {
		return nil, s.fatal(scope, claim.ID, "apply policy", err)
	}

	w := &model.SettlementWrite{
		MatchID:     claim.ID,
		Scope:       scope,
		WinningSide: winning,
		SettledAt:   now,
		Updates:     updates,
	}
	if err := s.store.ApplySettlement(ctx, w, s.cfg.CalibrationRDThreshold); err != nil {
		return nil, s.fatal(scope, claim.ID, "persist settlement", err)
	}

	summary := &model.SettlementSummary{
		MatchID:     claim.ID,
		Scope:       scope,
		WinningSide: winning,
		SettledAt:   now,
		Players:     make([]model.PlayerResult, 0, len(updates)),
	}
	for _, u := range updates {
		summary.Players = append(summary.Players, model.PlayerResult{
			PlayerID:         u.PlayerID,
			Side:             u.Side,
			Won:              u.Won,
			RatingBefore:     u.RatingBefore,
			RatingAfter:      u.Rating,
			RDAfter:          u.RD,
			StreakLength:     u.StreakLength,
			StreakMultiplier: u.StreakMultiplier,
		})
	}

	metrics.SettlementsTotal.WithLabelValues(string(winning)).Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	slog.Info("match settled",
		"scope", scope,
		"match_id", claim.ID,
		"winning_side", winning,
		"players", len(updates),
		"policy", s.policy.Name(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "match_settled",
			Scope:       scope,
			MatchID:     claim.ID,
			WinningSide: string(winning),
		})
	}
	return summary, nil
}

// fatal logs a post-claim failure with enough context for manual
// reconciliation and wraps it as ErrSettlementFatal.
func (s *Service) fatal(scope, matchID, stage string, err error) error {
	metrics.SettlementFailures.Inc()
	slog.Error("settlement failed after claim; pending match is consumed, no ratings were committed",
		"scope", scope,
		"match_id", matchID,
		"stage", stage,
		"err", err,
	)
	return fmt.Errorf("%w (scope %s, match %s, %s): %v", ErrSettlementFatal, scope, matchID, stage, err)
}

// loadTeam loads each participant and realizes inactivity RD decay
// lazily, on use. The decayed value is persisted only by the settlement
// write that follows.
func (s *Service) loadTeam(ctx context.Context, scope string, ids []string, now time.Time) ([]policy.Member, error) {
	team := make([]policy.Member, 0, len(ids))
	for _, id := range ids {
		st, err := s.store.GetPlayer(ctx, scope, id)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", id, err)
		}
		team = append(team, policy.Member{
			PlayerID: id,
			Rating: glicko.Rating{
				Rating:     st.Rating,
				RD:         s.decayedRD(st, now),
				Volatility: st.Volatility,
			},
			RecentOutcomes: st.RecentOutcomes,
		})
	}
	return team, nil
}

func (s *Service) decayedRD(st *model.PlayerRatingState, now time.Time) float64 {
	if st.LastActivityAt == nil {
		return st.RD
	}
	days := now.Sub(*st.LastActivityAt).Hours() / 24
	return glicko.ApplyRDDecay(st.RD, days, s.cfg.RDDecayGraceDays, s.cfg.RDDecayConstant, s.cfg.MaxRD)
}

// RatingState returns a player's state with inactivity decay applied for
// display. The decayed RD is not persisted here — only settlement or
// recalibration writes it.
func (s *Service) RatingState(ctx context.Context, scope, playerID string) (*model.PlayerRatingState, error) {
	st, err := s.store.GetPlayer(ctx, scope, playerID)
	if err != nil {
		return nil, err
	}
	st.RD = s.decayedRD(st, s.now().UTC())
	return st, nil
}

// History returns the player's append-only rating audit trail.
func (s *Service) History(ctx context.Context, scope, playerID string) ([]model.RatingHistoryEntry, error) {
	return s.store.GetHistory(ctx, scope, playerID)
}

// Recalibration gate reasons.
const (
	ReasonNotRegistered     = "not_registered"
	ReasonInsufficientGames = "insufficient_games"
	ReasonOnCooldown        = "on_cooldown"
)

// RecalibrationResult reports whether recalibration ran and why not.
type RecalibrationResult struct {
	Allowed             bool       `json:"allowed"`
	Reason              string     `json:"reason,omitempty"`
	Rating              float64    `json:"rating,omitempty"`
	OldRD               float64    `json:"old_rd,omitempty"`
	NewRD               float64    `json:"new_rd,omitempty"`
	GamesPlayed         int        `json:"games_played,omitempty"`
	TotalRecalibrations int        `json:"total_recalibrations,omitempty"`
	CooldownEndsAt      *time.Time `json:"cooldown_ends_at,omitempty"`
}

// Recalibrate resets a player's RD and volatility to initial values,
// preserving the rating, gated by minimum games and a cooldown. Gate
// failures are reported in the result, not as errors.
func (s *Service) Recalibrate(ctx context.Context, scope, playerID string) (*RecalibrationResult, error) {
	st, err := s.store.GetPlayer(ctx, scope, playerID)
	if errors.Is(err, store.ErrPlayerNotFound) {
		return &RecalibrationResult{Allowed: false, Reason: ReasonNotRegistered}, nil
	}
	if err != nil {
		return nil, err
	}

	if st.GamesPlayed() < s.cfg.RecalibrationMinGames {
		return &RecalibrationResult{
			Allowed:     false,
			Reason:      ReasonInsufficientGames,
			GamesPlayed: st.GamesPlayed(),
		}, nil
	}

	now := s.now().UTC()
	cooldown := time.Duration(s.cfg.RecalibrationCooldownSeconds) * time.Second
	if st.LastRecalibrationAt != nil {
		ends := st.LastRecalibrationAt.Add(cooldown)
		if now.Before(ends) {
			return &RecalibrationResult{
				Allowed:        false,
				Reason:         ReasonOnCooldown,
				CooldownEndsAt: &ends,
			}, nil
		}
	}

	oldRD := st.RD
	if err := s.store.RecordRecalibration(ctx, scope, playerID, s.cfg.InitialRD, s.cfg.InitialVolatility, now); err != nil {
		return nil, err
	}
	metrics.RecalibrationsTotal.Inc()

	ends := now.Add(cooldown)
	slog.Info("player recalibrated",
		"scope", scope,
		"player", playerID,
		"rating", st.Rating,
		"old_rd", oldRD,
		"new_rd", s.cfg.InitialRD,
		"total_recalibrations", st.TotalRecalibrations+1,
	)
	return &RecalibrationResult{
		Allowed:             true,
		Rating:              st.Rating,
		OldRD:               oldRD,
		NewRD:               s.cfg.InitialRD,
		GamesPlayed:         st.GamesPlayed(),
		TotalRecalibrations: st.TotalRecalibrations + 1,
		CooldownEndsAt:      &ends,
	}, nil
}
