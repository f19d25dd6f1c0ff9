package settle

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/skillrank/rating-engine/internal/config"
	"github.com/skillrank/rating-engine/internal/model"
	"github.com/skillrank/rating-engine/internal/policy"
	"github.com/skillrank/rating-engine/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	cfg := config.New()
	pol, err := policy.New(cfg.Policy, policy.Config{
		Tau:                    cfg.Tau,
		CalibrationRDThreshold: cfg.CalibrationRDThreshold,
		StreakThreshold:        cfg.StreakThreshold,
		StreakBonusPerGame:     cfg.StreakBonusPerGame,
		MaxSwing:               cfg.MaxSwing,
		InitialVolatility:      cfg.InitialVolatility,
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	st := store.NewMemoryStore()
	return NewService(st, pol, cfg, nil), st
}

func seedPlayers(t *testing.T, svc *Service, scope string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := svc.CreatePlayer(context.Background(), scope, id, nil); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

// --- Player creation tests ---

func TestCreatePlayer_DefaultSeed(t *testing.T) {
	svc, _ := newTestService(t)

	st, err := svc.CreatePlayer(context.Background(), "g", "p1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Default MMR 4000 on 0-12000 maps to 1000 on 0-3000.
	if math.Abs(st.Rating-1000) > 1e-9 {
		t.Errorf("expected default seed rating 1000, got %f", st.Rating)
	}
	if st.RD != 350 || st.Volatility != 0.06 {
		t.Errorf("fresh player must start uncalibrated: rd=%f vol=%f", st.RD, st.Volatility)
	}
}

func TestCreatePlayer_MMRSeed(t *testing.T) {
	svc, _ := newTestService(t)

	mmr := 9000.0
	st, err := svc.CreatePlayer(context.Background(), "g", "p1", &mmr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(st.Rating-2250) > 1e-9 {
		t.Errorf("MMR 9000 should seed rating 2250, got %f", st.Rating)
	}
}

func TestCreatePlayer_Duplicate(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1")

	_, err := svc.CreatePlayer(context.Background(), "g", "p1", nil)
	if !errors.Is(err, store.ErrPlayerExists) {
		t.Errorf("expected ErrPlayerExists, got %v", err)
	}
}

// --- Match creation tests ---

func TestCreateMatch_HappyPath(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2", "p3", "p4")

	m, err := svc.CreateMatch(context.Background(), "g", []string{"p1", "p2"}, []string{"p3", "p4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID == "" || m.Scope != "g" {
		t.Errorf("malformed match: %+v", m)
	}

	peeked, err := svc.PeekMatch(context.Background(), "g")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if peeked.ID != m.ID {
		t.Errorf("peek should return the created match, got %s", peeked.ID)
	}
}

func TestCreateMatch_RosterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2")
	ctx := context.Background()

	if _, err := svc.CreateMatch(ctx, "g", nil, []string{"p2"}); !errors.Is(err, model.ErrEmptyTeam) {
		t.Errorf("expected ErrEmptyTeam, got %v", err)
	}
	if _, err := svc.CreateMatch(ctx, "g", []string{"p1"}, []string{"p1"}); !errors.Is(err, model.ErrDuplicatePlayer) {
		t.Errorf("expected ErrDuplicatePlayer, got %v", err)
	}
	if _, err := svc.CreateMatch(ctx, "g", []string{"p1"}, []string{"ghost"}); !errors.Is(err, store.ErrPlayerNotFound) {
		t.Errorf("expected ErrPlayerNotFound for unknown participant, got %v", err)
	}
	// None of the failures may have left a pending match behind.
	if _, err := svc.PeekMatch(ctx, "g"); !errors.Is(err, store.ErrNoPendingMatch) {
		t.Errorf("failed creates must not leave a pending match, got %v", err)
	}
}

func TestCreateMatch_OnePendingPerScope(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2")
	ctx := context.Background()

	if _, err := svc.CreateMatch(ctx, "g", []string{"p1"}, []string{"p2"}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.CreateMatch(ctx, "g", []string{"p2"}, []string{"p1"})
	if !errors.Is(err, store.ErrPendingMatchExists) {
		t.Errorf("expected ErrPendingMatchExists, got %v", err)
	}
}

// --- Settlement tests ---

func TestSettle_HappyPath(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2", "p3", "p4")
	ctx := context.Background()

	m, err := svc.CreateMatch(ctx, "g", []string{"p1", "p2"}, []string{"p3", "p4"})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := svc.Settle(ctx, "g", model.SideA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.MatchID != m.ID || summary.WinningSide != model.SideA {
		t.Errorf("summary wrong: %+v", summary)
	}
	if len(summary.Players) != 4 {
		t.Fatalf("expected 4 player results, got %d", len(summary.Players))
	}
	for _, p := range summary.Players {
		if p.Side == model.SideA && p.RatingAfter <= p.RatingBefore {
			t.Errorf("winner %s did not gain: %f -> %f", p.PlayerID, p.RatingBefore, p.RatingAfter)
		}
		if p.Side == model.SideB && p.RatingAfter >= p.RatingBefore {
			t.Errorf("loser %s did not lose: %f -> %f", p.PlayerID, p.RatingBefore, p.RatingAfter)
		}
	}

	// Counters, activity stamp, and history all landed.
	p1, err := svc.RatingState(ctx, "g", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p1.Wins != 1 || p1.Losses != 0 || p1.LastActivityAt == nil {
		t.Errorf("winner state wrong: %+v", p1)
	}
	hist, err := svc.History(ctx, "g", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].MatchID != m.ID {
		t.Errorf("expected one history entry for %s, got %+v", m.ID, hist)
	}

	// The claim is consumed: settling again has nothing to settle.
	if _, err := svc.Settle(ctx, "g", model.SideA); !errors.Is(err, store.ErrNoPendingMatch) {
		t.Errorf("second settle must find no pending match, got %v", err)
	}
}

func TestSettle_InvalidSideLeavesClaimIntact(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2")
	ctx := context.Background()

	if _, err := svc.CreateMatch(ctx, "g", []string{"p1"}, []string{"p2"}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Settle(ctx, "g", model.Side("X"))
	if !errors.Is(err, policy.ErrInvalidWinningSide) {
		t.Fatalf("expected ErrInvalidWinningSide, got %v", err)
	}

	// The pending match must survive the rejected call.
	if _, err := svc.PeekMatch(ctx, "g"); err != nil {
		t.Errorf("pending match should remain after validation error, got %v", err)
	}
	if _, err := svc.Settle(ctx, "g", model.SideB); err != nil {
		t.Errorf("corrected settle should succeed, got %v", err)
	}
}

func TestSettle_NoPendingMatch(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Settle(context.Background(), "g", model.SideA)
	if !errors.Is(err, store.ErrNoPendingMatch) {
		t.Errorf("expected ErrNoPendingMatch, got %v", err)
	}
}

func TestSettle_ConcurrentExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2")
	ctx := context.Background()

	if _, err := svc.CreateMatch(ctx, "g", []string{"p1"}, []string{"p2"}); err != nil {
		t.Fatal(err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, misses := 0, 0

	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Settle(ctx, "g", model.SideA)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrNoPendingMatch):
				misses++
			default:
				t.Errorf("unexpected settle error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 || misses != racers-1 {
		t.Fatalf("expected exactly one settlement: wins=%d misses=%d", wins, misses)
	}

	// Ratings moved exactly once.
	p1, _ := svc.RatingState(ctx, "g", "p1")
	if p1.Wins != 1 {
		t.Errorf("winner must have exactly one win, got %d", p1.Wins)
	}
	hist, _ := svc.History(ctx, "g", "p1")
	if len(hist) != 1 {
		t.Errorf("exactly one history entry expected, got %d", len(hist))
	}
}

// --- Abort tests ---

func TestAbortMatch_ConsumesWithoutRatingChanges(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2")
	ctx := context.Background()

	m, err := svc.CreateMatch(ctx, "g", []string{"p1"}, []string{"p2"})
	if err != nil {
		t.Fatal(err)
	}

	aborted, err := svc.AbortMatch(ctx, "g")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aborted.ID != m.ID {
		t.Errorf("aborted wrong match: %s", aborted.ID)
	}

	p1, _ := svc.RatingState(ctx, "g", "p1")
	if p1.Rating != 1000 || p1.GamesPlayed() != 0 {
		t.Errorf("abort must not touch ratings: %+v", p1)
	}
	if _, err := svc.Settle(ctx, "g", model.SideA); !errors.Is(err, store.ErrNoPendingMatch) {
		t.Errorf("aborted match must not be settleable, got %v", err)
	}
}

// --- Inactivity decay tests ---

func TestRatingState_LazyDecayNotPersisted(t *testing.T) {
	svc, st := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2", "p3", "p4")
	ctx := context.Background()

	// Settle once so p1 gets an activity stamp and a sub-max RD.
	if _, err := svc.CreateMatch(ctx, "g", []string{"p1", "p2"}, []string{"p3", "p4"}); err != nil {
		t.Fatal(err)
	}
	settledAt := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return settledAt }
	if _, err := svc.Settle(ctx, "g", model.SideA); err != nil {
		t.Fatal(err)
	}

	stored, err := st.GetPlayer(ctx, "g", "p1")
	if err != nil {
		t.Fatal(err)
	}

	// Inside the 14-day grace period nothing decays.
	svc.now = func() time.Time { return settledAt.Add(10 * 24 * time.Hour) }
	view, err := svc.RatingState(ctx, "g", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if view.RD != stored.RD {
		t.Errorf("no decay expected inside grace period: stored=%f view=%f", stored.RD, view.RD)
	}

	// 28 days out, the displayed RD grows but the stored RD does not.
	svc.now = func() time.Time { return settledAt.Add(28 * 24 * time.Hour) }
	view, err = svc.RatingState(ctx, "g", "p1")
	if err != nil {
		t.Fatal(err)
	}
	wantRD := math.Sqrt(stored.RD*stored.RD + 50*50*4)
	if wantRD > 350 {
		wantRD = 350
	}
	if math.Abs(view.RD-wantRD) > 1e-9 {
		t.Errorf("expected decayed display RD %f, got %f", wantRD, view.RD)
	}
	raw, _ := st.GetPlayer(ctx, "g", "p1")
	if raw.RD != stored.RD {
		t.Errorf("display read must not persist decay: stored RD moved %f -> %f", stored.RD, raw.RD)
	}
}

// --- Recalibration tests ---

func settleNMatches(t *testing.T, svc *Service, scope string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := svc.CreateMatch(ctx, scope, []string{"p1"}, []string{"p2"}); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Settle(ctx, scope, model.SideA); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecalibrate_NotRegistered(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.Recalibrate(context.Background(), "g", "ghost")
	if err != nil {
		t.Fatalf("gate failures are results, not errors: %v", err)
	}
	if res.Allowed || res.Reason != ReasonNotRegistered {
		t.Errorf("expected not_registered, got %+v", res)
	}
}

func TestRecalibrate_InsufficientGames(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2")
	settleNMatches(t, svc, "g", 4) // one short of the minimum 5

	res, err := svc.Recalibrate(context.Background(), "g", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != ReasonInsufficientGames || res.GamesPlayed != 4 {
		t.Errorf("expected insufficient_games at 4, got %+v", res)
	}
}

func TestRecalibrate_HappyPathThenCooldown(t *testing.T) {
	svc, _ := newTestService(t)
	seedPlayers(t, svc, "g", "p1", "p2")
	settleNMatches(t, svc, "g", 5)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	before, _ := svc.RatingState(ctx, "g", "p1")

	res, err := svc.Recalibrate(ctx, "g", "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected recalibration to run, got %+v", res)
	}
	if res.NewRD != 350 || res.TotalRecalibrations != 1 {
		t.Errorf("result wrong: %+v", res)
	}
	if res.Rating != before.Rating {
		t.Errorf("recalibration must preserve rating: %f vs %f", res.Rating, before.Rating)
	}

	after, _ := svc.RatingState(ctx, "g", "p1")
	if after.RD != 350 || after.Volatility != 0.06 {
		t.Errorf("state not reset: rd=%f vol=%f", after.RD, after.Volatility)
	}
	if after.GamesPlayed() != 5 {
		t.Errorf("win/loss record must survive recalibration, got %d games", after.GamesPlayed())
	}

	// Still on the 90-day cooldown a month later.
	svc.now = func() time.Time { return base.Add(30 * 24 * time.Hour) }
	res, err = svc.Recalibrate(ctx, "g", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != ReasonOnCooldown {
		t.Fatalf("expected on_cooldown, got %+v", res)
	}
	wantEnds := base.Add(90 * 24 * time.Hour)
	if res.CooldownEndsAt == nil || !res.CooldownEndsAt.Equal(wantEnds) {
		t.Errorf("expected cooldown end %v, got %v", wantEnds, res.CooldownEndsAt)
	}

	// Past the cooldown it runs again.
	svc.now = func() time.Time { return base.Add(91 * 24 * time.Hour) }
	res, err = svc.Recalibrate(ctx, "g", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.TotalRecalibrations != 2 {
		t.Errorf("expected second recalibration, got %+v", res)
	}
}
