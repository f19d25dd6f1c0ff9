package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skillrank/rating-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for player rating reads. Settlement and recalibration writes go to
// the primary store and invalidate the cached rows; the pending-match
// ledger is never cached — the claim's at-most-once guarantee lives in the
// primary store alone.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through ---

func (s *CachedStore) GetPlayer(ctx context.Context, scope, playerID string) (*model.PlayerRatingState, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, ratingKey(scope, playerID)).Bytes()
	if err == nil {
		var st model.PlayerRatingState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.GetPlayer(ctx, scope, playerID)
	if err != nil {
		return nil, err
	}

	s.cachePlayer(ctx, st)
	return st, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePlayer(ctx context.Context, st *model.PlayerRatingState) error {
	if err := s.primary.CreatePlayer(ctx, st); err != nil {
		return err
	}
	s.cachePlayer(ctx, st)
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, w *model.SettlementWrite, calibrationThreshold float64) error {
	if err := s.primary.ApplySettlement(ctx, w, calibrationThreshold); err != nil {
		return err
	}
	// Invalidate every participant; next read re-populates.
	for _, u := range w.Updates {
		s.rdb.Del(ctx, ratingKey(w.Scope, u.PlayerID))
	}
	return nil
}

func (s *CachedStore) RecordRecalibration(ctx context.Context, scope, playerID string, rd, volatility float64, at time.Time) error {
	if err := s.primary.RecordRecalibration(ctx, scope, playerID, rd, volatility, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, ratingKey(scope, playerID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetHistory(ctx context.Context, scope, playerID string) ([]model.RatingHistoryEntry, error) {
	return s.primary.GetHistory(ctx, scope, playerID)
}

func (s *CachedStore) CreatePendingMatch(ctx context.Context, m *model.PendingMatch) error {
	return s.primary.CreatePendingMatch(ctx, m)
}

func (s *CachedStore) ClaimPendingMatch(ctx context.Context, scope string) (*model.PendingMatch, error) {
	return s.primary.ClaimPendingMatch(ctx, scope)
}

func (s *CachedStore) PeekPendingMatch(ctx context.Context, scope string) (*model.PendingMatch, error) {
	return s.primary.PeekPendingMatch(ctx, scope)
}

// --- Cache helpers ---

func (s *CachedStore) cachePlayer(ctx context.Context, st *model.PlayerRatingState) {
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, ratingKey(st.Scope, st.PlayerID), data, s.ttl)
	}
}

func ratingKey(scope, playerID string) string {
	return fmt.Sprintf("rating:%s:%s", scope, playerID)
}
