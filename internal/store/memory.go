package store

import (
	"context"
	"sync"
	"time"

	"github.com/skillrank/rating-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence), but it honors
// the same atomicity contracts: claims are delete-under-lock and
// ApplySettlement mutates everything under one lock acquisition.
type MemoryStore struct {
	mu      sync.RWMutex
	players map[string]*model.PlayerRatingState // key: scope + "\x00" + playerID
	pending map[string]*model.PendingMatch      // key: scope
	history []model.RatingHistoryEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players: make(map[string]*model.PlayerRatingState),
		pending: make(map[string]*model.PendingMatch),
	}
}

func playerKey(scope, playerID string) string {
	return scope + "\x00" + playerID
}

// copyState returns a deep copy so callers cannot mutate stored state.
func copyState(st *model.PlayerRatingState) *model.PlayerRatingState {
	cp := *st
	cp.RecentOutcomes = append([]bool(nil), st.RecentOutcomes...)
	if st.LastActivityAt != nil {
		t := *st.LastActivityAt
		cp.LastActivityAt = &t
	}
	if st.FirstCalibratedAt != nil {
		t := *st.FirstCalibratedAt
		cp.FirstCalibratedAt = &t
	}
	if st.LastRecalibrationAt != nil {
		t := *st.LastRecalibrationAt
		cp.LastRecalibrationAt = &t
	}
	return &cp
}

func copyMatch(m *model.PendingMatch) *model.PendingMatch {
	cp := *m
	cp.TeamA = append([]string(nil), m.TeamA...)
	cp.TeamB = append([]string(nil), m.TeamB...)
	return &cp
}

// --- PlayerRatingStore ---

func (s *MemoryStore) CreatePlayer(_ context.Context, st *model.PlayerRatingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := playerKey(st.Scope, st.PlayerID)
	if _, ok := s.players[key]; ok {
		return ErrPlayerExists
	}
	s.players[key] = copyState(st)
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, scope, playerID string) (*model.PlayerRatingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.players[playerKey(scope, playerID)]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return copyState(st), nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, w *model.SettlementWrite, calibrationThreshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check all participants before mutating anything, so the write is
	// all-or-nothing.
	for _, u := range w.Updates {
		if _, ok := s.players[playerKey(w.Scope, u.PlayerID)]; !ok {
			return ErrPlayerNotFound
		}
	}

	for _, u := range w.Updates {
		st := s.players[playerKey(w.Scope, u.PlayerID)]
		st.Rating = u.Rating
		st.RD = u.RD
		st.Volatility = u.Volatility
		st.RecentOutcomes = append([]bool(nil), u.RecentOutcomes...)
		at := w.SettledAt
		st.LastActivityAt = &at
		if u.Won {
			st.Wins++
		} else {
			st.Losses++
		}
		if st.FirstCalibratedAt == nil && u.RD <= calibrationThreshold {
			cal := w.SettledAt
			st.FirstCalibratedAt = &cal
		}

		s.history = append(s.history, model.RatingHistoryEntry{
			ID:               w.MatchID + ":" + u.PlayerID,
			MatchID:          w.MatchID,
			Scope:            w.Scope,
			PlayerID:         u.PlayerID,
			RatingBefore:     u.RatingBefore,
			RatingAfter:      u.Rating,
			RDAfter:          u.RD,
			Won:              u.Won,
			StreakLength:     u.StreakLength,
			StreakMultiplier: u.StreakMultiplier,
			SettledAt:        w.SettledAt,
		})
	}
	return nil
}

func (s *MemoryStore) RecordRecalibration(_ context.Context, scope, playerID string, rd, volatility float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.players[playerKey(scope, playerID)]
	if !ok {
		return ErrPlayerNotFound
	}
	st.RD = rd
	st.Volatility = volatility
	st.TotalRecalibrations++
	t := at
	st.LastRecalibrationAt = &t
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, scope, playerID string) ([]model.RatingHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.RatingHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if e.Scope == scope && e.PlayerID == playerID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- PendingMatchLedger ---

func (s *MemoryStore) CreatePendingMatch(_ context.Context, m *model.PendingMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[m.Scope]; ok {
		return ErrPendingMatchExists
	}
	s.pending[m.Scope] = copyMatch(m)
	return nil
}

func (s *MemoryStore) ClaimPendingMatch(_ context.Context, scope string) (*model.PendingMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.pending[scope]
	if !ok {
		return nil, ErrNoPendingMatch
	}
	delete(s.pending, scope)
	return m, nil
}

func (s *MemoryStore) PeekPendingMatch(_ context.Context, scope string) (*model.PendingMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.pending[scope]
	if !ok {
		return nil, ErrNoPendingMatch
	}
	return copyMatch(m), nil
}
