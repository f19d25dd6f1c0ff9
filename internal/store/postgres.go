package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillrank/rating-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
//
// Schema (logical):
//
//	player_ratings  PRIMARY KEY (scope, player_id)
//	rating_history  append-only, one row per (player, match)
//	pending_matches PRIMARY KEY (scope) — the key itself enforces at most
//	                one unclaimed match per scope
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- PlayerRatingStore ---

func (s *PostgresStore) CreatePlayer(ctx context.Context, st *model.PlayerRatingState) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO player_ratings
		   (scope, player_id, rating, rd, volatility, wins, losses,
		    recent_outcomes, last_activity_at, first_calibrated_at,
		    total_recalibrations, last_recalibration_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (scope, player_id) DO NOTHING`,
		st.Scope, st.PlayerID, st.Rating, st.RD, st.Volatility,
		st.Wins, st.Losses, st.RecentOutcomes,
		st.LastActivityAt, st.FirstCalibratedAt,
		st.TotalRecalibrations, st.LastRecalibrationAt,
	)
	if err != nil {
		return fmt.Errorf("create player %s/%s: %w", st.Scope, st.PlayerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlayerExists
	}
	return nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, scope, playerID string) (*model.PlayerRatingState, error) {
	st := model.PlayerRatingState{Scope: scope, PlayerID: playerID}

	err := s.pool.QueryRow(ctx,
		`SELECT rating, rd, volatility, wins, losses, recent_outcomes,
		        last_activity_at, first_calibrated_at,
		        total_recalibrations, last_recalibration_at
		 FROM player_ratings WHERE scope = $1 AND player_id = $2`,
		scope, playerID).
		Scan(&st.Rating, &st.RD, &st.Volatility, &st.Wins, &st.Losses,
			&st.RecentOutcomes, &st.LastActivityAt, &st.FirstCalibratedAt,
			&st.TotalRecalibrations, &st.LastRecalibrationAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s/%s: %w", scope, playerID, err)
	}
	return &st, nil
}

// ApplySettlement runs the whole settlement write in one transaction so
// ratings, counters, and history commit or roll back together.
func (s *PostgresStore) ApplySettlement(ctx context.Context, w *model.SettlementWrite, calibrationThreshold float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range w.Updates {
		winInc, lossInc := 0, 1
		if u.Won {
			winInc, lossInc = 1, 0
		}

		// first_calibrated_at is write-once: COALESCE keeps an existing
		// value, and the CASE only supplies one when the new RD crosses
		// the threshold.
		tag, err := tx.Exec(ctx,
			`UPDATE player_ratings
			 SET rating = $3, rd = $4, volatility = $5,
			     recent_outcomes = $6,
			     wins = wins + $7, losses = losses + $8,
			     last_activity_at = $9,
			     first_calibrated_at = COALESCE(first_calibrated_at,
			         CASE WHEN $4 <= $10 THEN $9::TIMESTAMPTZ END)
			 WHERE scope = $1 AND player_id = $2`,
			w.Scope, u.PlayerID, u.Rating, u.RD, u.Volatility,
			u.RecentOutcomes, winInc, lossInc, w.SettledAt,
			calibrationThreshold,
		)
		if err != nil {
			return fmt.Errorf("update rating %s/%s: %w", w.Scope, u.PlayerID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrPlayerNotFound
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO rating_history
			   (id, match_id, scope, player_id, rating_before, rating_after,
			    rd_after, won, streak_length, streak_multiplier, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			w.MatchID+":"+u.PlayerID, w.MatchID, w.Scope, u.PlayerID,
			u.RatingBefore, u.Rating, u.RD, u.Won,
			u.StreakLength, u.StreakMultiplier, w.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("insert history %s/%s: %w", w.Scope, u.PlayerID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement %s: %w", w.MatchID, err)
	}
	return nil
}

func (s *PostgresStore) RecordRecalibration(ctx context.Context, scope, playerID string, rd, volatility float64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE player_ratings
		 SET rd = $3, volatility = $4,
		     total_recalibrations = total_recalibrations + 1,
		     last_recalibration_at = $5
		 WHERE scope = $1 AND player_id = $2`,
		scope, playerID, rd, volatility, at,
	)
	if err != nil {
		return fmt.Errorf("recalibrate %s/%s: %w", scope, playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, scope, playerID string) ([]model.RatingHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, match_id, scope, player_id, rating_before, rating_after,
		        rd_after, won, streak_length, streak_multiplier, settled_at
		 FROM rating_history
		 WHERE scope = $1 AND player_id = $2
		 ORDER BY settled_at DESC`,
		scope, playerID)
	if err != nil {
		return nil, fmt.Errorf("get history %s/%s: %w", scope, playerID, err)
	}
	defer rows.Close()

	var entries []model.RatingHistoryEntry
	for rows.Next() {
		var e model.RatingHistoryEntry
		if err := rows.Scan(&e.ID, &e.MatchID, &e.Scope, &e.PlayerID,
			&e.RatingBefore, &e.RatingAfter, &e.RDAfter, &e.Won,
			&e.StreakLength, &e.StreakMultiplier, &e.SettledAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- PendingMatchLedger ---

func (s *PostgresStore) CreatePendingMatch(ctx context.Context, m *model.PendingMatch) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pending_matches (scope, id, team_a, team_b, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scope) DO NOTHING`,
		m.Scope, m.ID, m.TeamA, m.TeamB, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pending match %s: %w", m.Scope, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPendingMatchExists
	}
	return nil
}

// ClaimPendingMatch consumes the pending match in a single DELETE ...
// RETURNING round-trip. The database serializes racing callers on the row:
// exactly one gets it back, everyone else sees no rows.
func (s *PostgresStore) ClaimPendingMatch(ctx context.Context, scope string) (*model.PendingMatch, error) {
	m := model.PendingMatch{Scope: scope}

	err := s.pool.QueryRow(ctx,
		`DELETE FROM pending_matches WHERE scope = $1
		 RETURNING id, team_a, team_b, created_at`,
		scope).
		Scan(&m.ID, &m.TeamA, &m.TeamB, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPendingMatch
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending match %s: %w", scope, err)
	}
	return &m, nil
}

func (s *PostgresStore) PeekPendingMatch(ctx context.Context, scope string) (*model.PendingMatch, error) {
	m := model.PendingMatch{Scope: scope}

	err := s.pool.QueryRow(ctx,
		`SELECT id, team_a, team_b, created_at
		 FROM pending_matches WHERE scope = $1`,
		scope).
		Scan(&m.ID, &m.TeamA, &m.TeamB, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPendingMatch
	}
	if err != nil {
		return nil, fmt.Errorf("peek pending match %s: %w", scope, err)
	}
	return &m, nil
}
