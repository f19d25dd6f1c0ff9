package settle

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skillrank/rating-engine/internal/glicko"
	"github.com/skillrank/rating-engine/internal/model"
	"github.com/skillrank/rating-engine/internal/policy"
	"github.com/skillrank/rating-engine/internal/store"
)

// --- Request/Response types ---

// CreatePlayerRequest is the JSON body for POST /players.
type CreatePlayerRequest struct {
	Scope    string   `json:"scope"`
	PlayerID string   `json:"player_id"`
	MMR      *float64 `json:"mmr"` // external seed; null falls back to the default
}

// CreateMatchRequest is the JSON body the shuffler sends to POST /matches.
type CreateMatchRequest struct {
	Scope string   `json:"scope"`
	TeamA []string `json:"team_a"`
	TeamB []string `json:"team_b"`
}

// SettleRequest is the JSON body for POST /settle.
type SettleRequest struct {
	Scope       string     `json:"scope"`
	WinningSide model.Side `json:"winning_side"` // "A" or "B"
}

// RatingStateResponse is the rating state plus display helpers.
type RatingStateResponse struct {
	model.PlayerRatingState
	UncertaintyPercent float64 `json:"uncertainty_percent"`
	Calibrated         bool    `json:"calibrated"`
}

// --- HTTP Handlers ---

// HandleCreatePlayer handles POST /api/v1/players
func (s *Service) HandleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Scope == "" || req.PlayerID == "" {
		writeError(w, "scope and player_id are required", http.StatusBadRequest)
		return
	}

	st, err := s.CreatePlayer(r.Context(), req.Scope, req.PlayerID, req.MMR)
	if errors.Is(err, store.ErrPlayerExists) {
		writeError(w, "player already registered", http.StatusConflict)
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, st)
}

// HandleGetPlayer handles GET /api/v1/players/{scope}/{playerID}
func (s *Service) HandleGetPlayer(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	playerID := chi.URLParam(r, "playerID")

	st, err := s.RatingState(r.Context(), scope, playerID)
	if errors.Is(err, store.ErrPlayerNotFound) {
		writeError(w, "player not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RatingStateResponse{
		PlayerRatingState:  *st,
		UncertaintyPercent: glicko.UncertaintyPercent(st.RD, s.cfg.MaxRD),
		Calibrated:         glicko.IsCalibrated(st.RD, s.cfg.CalibrationRDThreshold),
	})
}

// HandleGetHistory handles GET /api/v1/players/{scope}/{playerID}/history
func (s *Service) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	playerID := chi.URLParam(r, "playerID")

	entries, err := s.History(r.Context(), scope, playerID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if entries == nil {
		entries = []model.RatingHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleRecalibrate handles POST /api/v1/players/{scope}/{playerID}/recalibrate
func (s *Service) HandleRecalibrate(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	playerID := chi.URLParam(r, "playerID")

	res, err := s.Recalibrate(r.Context(), scope, playerID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCreateMatch handles POST /api/v1/matches (shuffler callback).
func (s *Service) HandleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Scope == "" {
		writeError(w, "scope is required", http.StatusBadRequest)
		return
	}

	m, err := s.CreateMatch(r.Context(), req.Scope, req.TeamA, req.TeamB)
	switch {
	case errors.Is(err, model.ErrEmptyTeam):
		writeError(w, "both teams must have at least one player", http.StatusBadRequest)
	case errors.Is(err, model.ErrDuplicatePlayer):
		writeError(w, "a player appears more than once in the roster", http.StatusBadRequest)
	case errors.Is(err, store.ErrPlayerNotFound):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrPendingMatchExists):
		writeError(w, "a match is already awaiting a result for this scope", http.StatusConflict)
	case err != nil:
		writeInternalError(w, err)
	default:
		writeJSON(w, http.StatusCreated, m)
	}
}

// HandlePeekMatch handles GET /api/v1/matches/{scope}
func (s *Service) HandlePeekMatch(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	m, err := s.PeekMatch(r.Context(), scope)
	if errors.Is(err, store.ErrNoPendingMatch) {
		writeError(w, "no match awaiting a result", http.StatusNotFound)
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleAbortMatch handles DELETE /api/v1/matches/{scope}
func (s *Service) HandleAbortMatch(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	m, err := s.AbortMatch(r.Context(), scope)
	if errors.Is(err, store.ErrNoPendingMatch) {
		writeError(w, "no match awaiting a result", http.StatusNotFound)
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleSettle handles POST /api/v1/settle
func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Scope == "" {
		writeError(w, "scope is required", http.StatusBadRequest)
		return
	}

	summary, err := s.Settle(r.Context(), req.Scope, req.WinningSide)
	switch {
	case errors.Is(err, policy.ErrInvalidWinningSide):
		writeError(w, "winning_side must be A or B", http.StatusBadRequest)
	case errors.Is(err, store.ErrNoPendingMatch):
		// Expected under races: someone else already recorded it.
		writeError(w, "no match awaiting a result", http.StatusConflict)
	case err != nil:
		// Fatal path: full detail is already logged, callers get a
		// generic message.
		writeInternalError(w, err)
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeInternalError(w http.ResponseWriter, _ error) {
	writeError(w, "internal error, please contact an operator", http.StatusInternalServerError)
}
