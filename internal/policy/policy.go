// Package policy converts a team match outcome into per-player rating
// updates. Two variants exist behind one interface:
//
//   - hybrid: calibrated players on a side share one uniform team delta
//     computed from a synthetic team player; calibrating players take
//     their own individual delta guarded against the team delta. This
//     stops rating compression for favorites while letting uncalibrated
//     players swing quickly toward their true rating.
//   - capped: every player takes their own individual delta, clamped to
//     ±MaxSwing. This bounds worst-case single-match swings regardless
//     of RD.
//
// The variant is selected by configuration; see New.
package policy

import (
	"errors"
	"fmt"

	"github.com/skillrank/rating-engine/internal/glicko"
	"github.com/skillrank/rating-engine/internal/model"
)

var (
	// ErrInvalidWinningSide is returned when the winning-side indicator
	// is not one of the two valid sides.
	ErrInvalidWinningSide = errors.New("policy: winning side must be A or B")

	// ErrEmptyTeam mirrors glicko.ErrEmptyTeam for callers that only
	// import this package.
	ErrEmptyTeam = glicko.ErrEmptyTeam
)

// Config carries the tunables shared by both variants.
type Config struct {
	// Tau constrains volatility change in the Glicko-2 cycle.
	Tau float64

	// CalibrationRDThreshold splits calibrated from calibrating players.
	CalibrationRDThreshold float64

	// StreakThreshold and StreakBonusPerGame parameterize the streak
	// multiplier.
	StreakThreshold    int
	StreakBonusPerGame float64

	// MaxSwing bounds the final delta magnitude in the capped variant.
	MaxSwing float64

	// InitialVolatility seeds the synthetic team player in the hybrid
	// variant.
	InitialVolatility float64
}

// Member is one roster entry handed to a policy: identity, current
// (already decayed) rating state, and the recent-outcome window.
type Member struct {
	PlayerID       string
	Rating         glicko.Rating
	RecentOutcomes []bool
}

// Policy produces the per-player updates for one settled match.
// Implementations are pure and safe for concurrent use.
type Policy interface {
	// Name returns the configuration key of the variant.
	Name() string

	// Apply computes updates for every participant on both sides.
	// Returns ErrEmptyTeam or ErrInvalidWinningSide on invalid input.
	Apply(teamA, teamB []Member, winning model.Side) ([]model.PlayerUpdate, error)
}

// Variant names accepted by New.
const (
	VariantHybrid = "hybrid"
	VariantCapped = "capped"
)

// New returns the policy for the named variant.
func New(variant string, cfg Config) (Policy, error) {
	switch variant {
	case VariantHybrid:
		return &hybrid{cfg: cfg}, nil
	case VariantCapped:
		return &capped{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("policy: unknown variant %q", variant)
	}
}

// aggregate collapses a roster into a virtual opponent.
func aggregate(team []Member) (glicko.TeamAggregate, error) {
	ratings := make([]glicko.Rating, len(team))
	for i, m := range team {
		ratings[i] = m.Rating
	}
	return glicko.AggregateTeam(ratings)
}

// finalize applies the streak multiplier, the optional swing cap, and the
// rating floor, and assembles the persisted update. RD and volatility come
// from the member's individual Glicko-2 step; the policy only ever shapes
// the rating delta.
func finalize(m Member, side model.Side, won bool, rawDelta float64, ind glicko.Rating, cfg Config, capSwing bool) model.PlayerUpdate {
	length, mult := glicko.StreakMultiplier(m.RecentOutcomes, won, cfg.StreakThreshold, cfg.StreakBonusPerGame)

	delta := rawDelta * mult
	if capSwing {
		if delta > cfg.MaxSwing {
			delta = cfg.MaxSwing
		}
		if delta < -cfg.MaxSwing {
			delta = -cfg.MaxSwing
		}
	}

	rating := m.Rating.Rating + delta
	if rating < 0 {
		rating = 0
	}

	outcomes := make([]bool, 0, model.RecentOutcomeWindow)
	outcomes = append(outcomes, won)
	outcomes = append(outcomes, m.RecentOutcomes...)
	if len(outcomes) > model.RecentOutcomeWindow {
		outcomes = outcomes[:model.RecentOutcomeWindow]
	}

	return model.PlayerUpdate{
		PlayerID:         m.PlayerID,
		Side:             side,
		Won:              won,
		RatingBefore:     m.Rating.Rating,
		Rating:           rating,
		RD:               ind.RD,
		Volatility:       ind.Volatility,
		StreakLength:     length,
		StreakMultiplier: mult,
		RecentOutcomes:   outcomes,
	}
}

// --- hybrid variant ---

type hybrid struct {
	cfg Config
}

func (p *hybrid) Name() string { return VariantHybrid }

func (p *hybrid) Apply(teamA, teamB []Member, winning model.Side) ([]model.PlayerUpdate, error) {
	if !winning.Valid() {
		return nil, ErrInvalidWinningSide
	}
	aggA, err := aggregate(teamA)
	if err != nil {
		return nil, err
	}
	aggB, err := aggregate(teamB)
	if err != nil {
		return nil, err
	}

	updates := make([]model.PlayerUpdate, 0, len(teamA)+len(teamB))
	updates = append(updates, p.applySide(teamA, aggA, aggB, model.SideA, winning == model.SideA)...)
	updates = append(updates, p.applySide(teamB, aggB, aggA, model.SideB, winning == model.SideB)...)
	return updates, nil
}

func (p *hybrid) applySide(team []Member, own, opp glicko.TeamAggregate, side model.Side, won bool) []model.PlayerUpdate {
	score := 0.0
	if won {
		score = 1.0
	}

	teamDelta := p.teamDelta(team, own, opp, score)

	out := make([]model.PlayerUpdate, 0, len(team))
	for _, m := range team {
		ind := glicko.Update(m.Rating, opp.Rating, opp.RD, score, p.cfg.Tau)
		indDelta := ind.Rating - m.Rating.Rating

		var raw float64
		switch {
		case glicko.IsCalibrated(m.Rating.RD, p.cfg.CalibrationRDThreshold):
			// Calibrated teammates share the identical team delta.
			raw = teamDelta
		case won:
			// Calibrating winners must gain at least the team delta.
			raw = max(indDelta, teamDelta)
		default:
			// Calibrating losers must lose at least the team delta.
			raw = min(indDelta, teamDelta)
		}

		out = append(out, finalize(m, side, won, raw, ind, p.cfg, false))
	}
	return out
}

// teamDelta runs one Glicko-2 cycle for a synthetic team player. The
// synthetic RD is the mean RD of the side's calibrated members so the
// shared delta reflects settled uncertainty; when no one is calibrated
// yet the calibration threshold itself stands in.
func (p *hybrid) teamDelta(team []Member, own, opp glicko.TeamAggregate, score float64) float64 {
	var sumRD float64
	var calibrated int
	for _, m := range team {
		if glicko.IsCalibrated(m.Rating.RD, p.cfg.CalibrationRDThreshold) {
			sumRD += m.Rating.RD
			calibrated++
		}
	}
	synRD := p.cfg.CalibrationRDThreshold
	if calibrated > 0 {
		synRD = sumRD / float64(calibrated)
	}

	syn := glicko.Rating{Rating: own.Rating, RD: synRD, Volatility: p.cfg.InitialVolatility}
	after := glicko.Update(syn, opp.Rating, opp.RD, score, p.cfg.Tau)
	return after.Rating - own.Rating
}

// --- capped variant ---

type capped struct {
	cfg Config
}

func (p *capped) Name() string { return VariantCapped }

func (p *capped) Apply(teamA, teamB []Member, winning model.Side) ([]model.PlayerUpdate, error) {
	if !winning.Valid() {
		return nil, ErrInvalidWinningSide
	}
	aggA, err := aggregate(teamA)
	if err != nil {
		return nil, err
	}
	aggB, err := aggregate(teamB)
	if err != nil {
		return nil, err
	}

	updates := make([]model.PlayerUpdate, 0, len(teamA)+len(teamB))
	updates = append(updates, p.applySide(teamA, aggB, model.SideA, winning == model.SideA)...)
	updates = append(updates, p.applySide(teamB, aggA, model.SideB, winning == model.SideB)...)
	return updates, nil
}

func (p *capped) applySide(team []Member, opp glicko.TeamAggregate, side model.Side, won bool) []model.PlayerUpdate {
	score := 0.0
	if won {
		score = 1.0
	}

	out := make([]model.PlayerUpdate, 0, len(team))
	for _, m := range team {
		ind := glicko.Update(m.Rating, opp.Rating, opp.RD, score, p.cfg.Tau)
		raw := ind.Rating - m.Rating.Rating
		out = append(out, finalize(m, side, won, raw, ind, p.cfg, true))
	}
	return out
}
