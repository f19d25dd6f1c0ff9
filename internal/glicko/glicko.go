// Package glicko implements the Glicko-2 rating math used by match
// settlement: scale conversion from external MMR, team aggregation, the
// single-virtual-opponent rating cycle, calibration classification,
// inactivity-driven RD decay, and streak multipliers.
//
// Variable naming follows Professor Mark E. Glickman's paper: mu/phi are
// the rating and deviation on the internal Glicko-2 scale, sigma is the
// volatility, tau constrains volatility change, g weights an opponent by
// their deviation, and E is the expected score.
//
// All functions are pure and safe for concurrent use.
//
// Reference: https://www.glicko.net/glicko/glicko2.pdf
package glicko

import (
	"errors"
	"math"
)

const (
	// Scale converts between the public rating scale and mu/phi.
	Scale = 173.7178

	// centerRating is the public rating that maps to mu = 0.
	centerRating = 1500.0

	// epsilon is the convergence tolerance for the volatility solver.
	epsilon = 1e-6
)

// Defaults for newly created or recalibrated players.
const (
	DefaultRD         = 350.0
	DefaultVolatility = 0.06
	DefaultTau        = 0.5
)

// ErrEmptyTeam is returned when a team aggregate is requested for an
// empty roster.
var ErrEmptyTeam = errors.New("glicko: team must not be empty")

// Rating is one player's strength estimate.
type Rating struct {
	Rating     float64
	RD         float64
	Volatility float64
}

// TeamAggregate is a single virtual opponent standing in for a full team.
type TeamAggregate struct {
	Rating     float64
	RD         float64
	Volatility float64
}

// --- scale conversion ---

func toMuPhi(rating, rd float64) (mu, phi float64) {
	return (rating - centerRating) / Scale, rd / Scale
}

func fromMuPhi(mu, phi float64) (rating, rd float64) {
	return mu*Scale + centerRating, phi * Scale
}

// g reduces the influence of opponents with high deviation.
func g(phi float64) float64 {
	return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi))
}

// e is the expected score of mu against muJ weighted by gJ.
func e(mu, muJ, gJ float64) float64 {
	return 1 / (1 + math.Exp(-gJ*(mu-muJ)))
}

// MMRToRating linearly remaps an external matchmaking rating onto the
// engine's rating scale. The input is clamped to [mmrMin, mmrMax] before
// mapping, so the result is always within [ratingMin, ratingMax].
func MMRToRating(mmr, mmrMin, mmrMax, ratingMin, ratingMax float64) float64 {
	if mmrMax <= mmrMin {
		return ratingMin
	}
	if mmr < mmrMin {
		mmr = mmrMin
	}
	if mmr > mmrMax {
		mmr = mmrMax
	}
	return (mmr-mmrMin)/(mmrMax-mmrMin)*(ratingMax-ratingMin) + ratingMin
}

// AggregateTeam collapses a roster into one virtual opponent: arithmetic
// mean of ratings, root-mean-square of RDs, arithmetic mean of volatility.
// RMS rather than mean RD concentrates the influence of high-uncertainty
// members — one very uncertain teammate makes the whole team's effective
// strength less certain.
func AggregateTeam(players []Rating) (TeamAggregate, error) {
	if len(players) == 0 {
		return TeamAggregate{}, ErrEmptyTeam
	}
	var sumRating, sumRD2, sumVol float64
	for _, p := range players {
		sumRating += p.Rating
		sumRD2 += p.RD * p.RD
		sumVol += p.Volatility
	}
	n := float64(len(players))
	return TeamAggregate{
		Rating:     sumRating / n,
		RD:         math.Sqrt(sumRD2 / n),
		Volatility: sumVol / n,
	}, nil
}

// ExpectedOutcome returns the probability in [0,1] that a player with the
// given rating beats the opponent. Monotonically increasing in
// rating - oppRating; exactly 0.5 at parity.
func ExpectedOutcome(rating, rd, oppRating, oppRD float64) float64 {
	mu, _ := toMuPhi(rating, rd)
	muJ, phiJ := toMuPhi(oppRating, oppRD)
	return e(mu, muJ, g(phiJ))
}

// Update runs one Glicko-2 rating cycle for p against a single virtual
// opponent. score is 1 for a win, 0 for a loss. The returned RD never
// exceeds p.RD: a played match cannot increase uncertainty (upward RD
// movement is the separate inactivity-decay path).
func Update(p Rating, oppRating, oppRD, score, tau float64) Rating {
	mu, phi := toMuPhi(p.Rating, p.RD)
	muJ, phiJ := toMuPhi(oppRating, oppRD)

	gJ := g(phiJ)
	eVal := e(mu, muJ, gJ)

	// Steps 3-4: estimated variance and improvement.
	v := 1 / (gJ * gJ * eVal * (1 - eVal))
	delta := v * gJ * (score - eVal)

	// Step 5: new volatility via the iterative solver.
	sigmaPrime := solveVolatility(p.Volatility, delta, phi, v, tau)

	// Steps 6-7: new deviation and rating.
	phiStar := math.Sqrt(phi*phi + sigmaPrime*sigmaPrime)
	phiPrime := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	muPrime := mu + phiPrime*phiPrime*gJ*(score-eVal)

	rating, rd := fromMuPhi(muPrime, phiPrime)
	if rd > p.RD {
		rd = p.RD
	}
	return Rating{Rating: rating, RD: rd, Volatility: sigmaPrime}
}

// solveVolatility finds sigma' with the Illinois-variant secant iteration
// from the paper (step 5).
func solveVolatility(sigma, delta, phi, v, tau float64) float64 {
	a := math.Log(sigma * sigma)

	f := func(x float64) float64 {
		ex := math.Exp(x)
		num := ex * (delta*delta - phi*phi - v - ex)
		den := 2 * (phi*phi + v + ex) * (phi*phi + v + ex)
		return num/den - (x-a)/(tau*tau)
	}

	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for f(a-k*tau) < 0 && k < 1e6 {
			k++
		}
		B = a - k*tau
	}

	fA := f(A)
	fB := f(B)
	for math.Abs(B-A) > epsilon {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)
		if fC*fB <= 0 {
			A, fA = B, fB
		} else {
			fA /= 2
		}
		B, fB = C, fC
	}
	return math.Exp(A / 2)
}

// IsCalibrated reports whether rd is at or below the calibration
// threshold, i.e. the rating point estimate can be trusted.
func IsCalibrated(rd, threshold float64) bool {
	return rd <= threshold
}

// ApplyRDDecay grows rd to reflect inactivity. No change inside the grace
// period or once rd has reached maxRD; otherwise
//
//	rd' = min(maxRD, sqrt(rd² + c²·weeks))
//
// where weeks = floor(daysInactive/7). Non-decreasing in daysInactive and
// bounded by maxRD.
func ApplyRDDecay(rd, daysInactive, gracePeriodDays, decayConstant, maxRD float64) float64 {
	if daysInactive < gracePeriodDays || rd >= maxRD {
		return rd
	}
	weeks := math.Floor(daysInactive / 7)
	if weeks <= 0 {
		return rd
	}
	return math.Min(maxRD, math.Sqrt(rd*rd+decayConstant*decayConstant*weeks))
}

// StreakMultiplier scans recentOutcomes (most-recent-first) for a run
// matching the current result and returns the streak length including
// this match plus the delta multiplier. Runs shorter than threshold get
// 1.0; from threshold on, each game adds perGameBonus, uncapped. A result
// that breaks the previous run yields length 1.
func StreakMultiplier(recentOutcomes []bool, won bool, threshold int, perGameBonus float64) (int, float64) {
	run := 0
	for _, outcome := range recentOutcomes {
		if outcome != won {
			break
		}
		run++
	}
	length := run + 1
	if length < threshold {
		return length, 1.0
	}
	return length, 1.0 + perGameBonus*float64(length-(threshold-1))
}

// UncertaintyPercent converts rd into a display percentage: 0 is fully
// certain, 100 is maximally uncertain.
func UncertaintyPercent(rd, maxRD float64) float64 {
	if maxRD <= 0 {
		return 0
	}
	pct := math.Min(100, rd/maxRD*100)
	return math.Round(pct*10) / 10
}
