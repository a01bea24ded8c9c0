package tiebreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memory.Store
	budgets *budget.Memory
	clock   *clockwork.FakeClock
	bids    *ledger.App
	engine  *finalize.Engine
	broker  *events.Broker
	locks   *locker.KeyedMutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		budgets: budget.NewMemory(),
		clock:   clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)),
		broker:  events.NewBroker(128),
		locks:   locker.NewKeyedMutex(),
	}
	f.bids = ledger.NewApp(f.store, f.budgets, f.locks, f.clock, f.broker, nil)
	f.engine = finalize.NewEngine(f.store, f.budgets, f.locks, f.clock, f.broker, nil)
	return f
}

func (f *fixture) app(autoResolve bool) *App {
	return NewApp(f.store, f.budgets, f.bids, f.locks, f.clock, f.broker, nil, autoResolve)
}

func (f *fixture) team(balance int64) uuid.UUID {
	id := uuid.New()
	f.budgets.SetBudget(id, balance)
	return id
}

// tiedRound runs a round where each amount is one team's bid for player and
// finalizes it, returning the teams in bid order and the opened tiebreaker.
func (f *fixture) tiedRound(t *testing.T, player uuid.UUID, amounts ...int64) ([]uuid.UUID, *models.Tiebreaker) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	r := &models.Round{
		ID:             uuid.New(),
		SeasonID:       uuid.New(),
		Position:       "TE",
		Kind:           models.RoundKindNormal,
		MaxBidsPerTeam: 1,
		Status:         models.RoundStatusActive,
		StartTime:      now,
		EndTime:        now.Add(time.Hour),
		PlayerPool:     []uuid.UUID{player},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateRound(ctx, r))

	teams := make([]uuid.UUID, 0, len(amounts))
	for _, amount := range amounts {
		team := f.team(500)
		f.clock.Advance(time.Second)
		_, err := f.bids.PlaceBid(ctx, ledger.PlaceBidRequest{TeamID: team, RoundID: r.ID, PlayerID: player, Amount: amount})
		require.NoError(t, err)
		teams = append(teams, team)
	}

	f.clock.Advance(time.Hour)
	res, err := f.engine.Finalize(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, res.Tiebreakers, 1)
	return teams, res.Tiebreakers[0]
}

func (f *fixture) roundStatus(t *testing.T, roundID uuid.UUID) models.RoundStatus {
	t.Helper()
	r, err := f.store.GetRound(context.Background(), roundID)
	require.NoError(t, err)
	return r.Status
}

func TestResolve_ManualDefaultsMissingSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(false)
	player := uuid.New()
	teams, tb := f.tiedRound(t, player, 100, 100, 90)
	a, b, c := teams[0], teams[1], teams[2]

	require.Len(t, tb.Participants, 2)
	assert.Equal(t, int64(100), tb.OriginalAmount)

	_, err := app.SubmitBid(ctx, tb.ID, a, 120)
	require.NoError(t, err)

	res, err := app.Resolve(ctx, tb.ID, models.ResolveModeManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWon, res.Outcome)
	require.NotNil(t, res.Allocation)
	assert.Equal(t, a, res.Allocation.TeamID)
	assert.Equal(t, int64(120), res.Allocation.FinalAmount)
	assert.Equal(t, models.RoundStatusCompleted, res.RoundStatus)
	assert.Equal(t, models.RoundStatusCompleted, f.roundStatus(t, tb.RoundID))

	balanceA, err := f.budgets.GetAvailableBudget(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(380), balanceA)
	for _, team := range []uuid.UUID{b, c} {
		available, err := f.bids.AvailableBudget(ctx, team, uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, int64(500), available, "losers keep their whole budget")
	}
}

func TestResolve_AutoNeedsEverySubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(false)
	teams, tb := f.tiedRound(t, uuid.New(), 80, 80)

	_, err := app.SubmitBid(ctx, tb.ID, teams[0], 90)
	require.NoError(t, err)

	_, err = app.Resolve(ctx, tb.ID, models.ResolveModeAuto)
	assert.ErrorIs(t, err, apperr.ErrTiebreakerIncomplete)

	_, err = app.SubmitBid(ctx, tb.ID, teams[1], 85)
	require.NoError(t, err)
	res, err := app.Resolve(ctx, tb.ID, models.ResolveModeAuto)
	require.NoError(t, err)
	assert.Equal(t, teams[0], res.Allocation.TeamID)
	assert.Equal(t, int64(90), res.Allocation.FinalAmount)
}

func TestResolve_TieEscalatesIntoChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(false)
	teams, tb := f.tiedRound(t, uuid.New(), 100, 100, 100)

	_, err := app.SubmitBid(ctx, tb.ID, teams[0], 130)
	require.NoError(t, err)
	_, err = app.SubmitBid(ctx, tb.ID, teams[1], 130)
	require.NoError(t, err)
	_, err = app.SubmitBid(ctx, tb.ID, teams[2], 110)
	require.NoError(t, err)

	res, err := app.Resolve(ctx, tb.ID, models.ResolveModeAuto)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	require.NotNil(t, res.Next)
	assert.Equal(t, int64(130), res.Next.OriginalAmount)
	require.Len(t, res.Next.Participants, 2)
	assert.Equal(t, models.RoundStatusTiebreakerPending, res.RoundStatus)

	// The team that fell out of the tie gets its reservation back.
	available, err := f.bids.AvailableBudget(ctx, teams[2], uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(500), available)

	_, err = app.SubmitBid(ctx, res.Next.ID, teams[1], 129)
	assert.ErrorIs(t, err, apperr.ErrBidBelowFloor)
	_, err = app.SubmitBid(ctx, res.Next.ID, teams[1], 140)
	require.NoError(t, err)

	final, err := app.Resolve(ctx, res.Next.ID, models.ResolveModeManual)
	require.NoError(t, err)
	assert.Equal(t, teams[1], final.Allocation.TeamID)
	assert.Equal(t, int64(140), final.Allocation.FinalAmount)
	assert.Equal(t, models.RoundStatusCompleted, final.RoundStatus)

	chain, err := app.Chain(ctx, res.Next.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, tb.ID, chain[0].ID)
	require.NotNil(t, chain[0].NextID)
	assert.Equal(t, res.Next.ID, *chain[0].NextID)
	require.NotNil(t, chain[1].PreviousID)
	assert.Equal(t, tb.ID, *chain[1].PreviousID)
}

func TestResolve_Exclude(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(false)
	player := uuid.New()
	teams, tb := f.tiedRound(t, player, 60, 60)

	res, err := app.Resolve(ctx, tb.ID, models.ResolveModeExclude)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExcluded, res.Outcome)
	assert.Nil(t, res.Allocation)
	assert.Equal(t, models.RoundStatusCompleted, res.RoundStatus)

	for _, team := range teams {
		available, err := f.bids.AvailableBudget(ctx, team, uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, int64(500), available)
	}

	_, err = app.Resolve(ctx, tb.ID, models.ResolveModeManual)
	assert.ErrorIs(t, err, apperr.ErrTiebreakerResolved)
}

func TestResolve_InvalidMode(t *testing.T) {
	_, err := newFixture(t).app(false).Resolve(context.Background(), uuid.New(), "coinflip")
	assert.ErrorIs(t, err, apperr.ErrInvalidResolveMode)
}

func TestSubmitBid_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(false)
	teams, tb := f.tiedRound(t, uuid.New(), 100, 100)

	_, err := app.SubmitBid(ctx, tb.ID, uuid.New(), 150)
	assert.ErrorIs(t, err, apperr.ErrNotAParticipant)

	_, err = app.SubmitBid(ctx, tb.ID, teams[0], 99)
	assert.ErrorIs(t, err, apperr.ErrBidBelowFloor)

	_, err = app.SubmitBid(ctx, tb.ID, teams[0], 501)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBudget)

	_, err = app.SubmitBid(ctx, tb.ID, teams[0], 500)
	require.NoError(t, err)
	_, err = app.SubmitBid(ctx, tb.ID, teams[0], 500)
	assert.ErrorIs(t, err, apperr.ErrAlreadySubmitted)

	available, err := f.bids.AvailableBudget(ctx, teams[0], uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)
}

func TestSubmitBid_AutoResolveOnLastSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(true)
	teams, tb := f.tiedRound(t, uuid.New(), 40, 40)

	_, err := app.SubmitBid(ctx, tb.ID, teams[0], 41)
	require.NoError(t, err)
	updated, err := app.SubmitBid(ctx, tb.ID, teams[1], 45)
	require.NoError(t, err)

	assert.Equal(t, models.TiebreakerStatusResolved, updated.Status)
	require.NotNil(t, updated.WinnerTeamID)
	assert.Equal(t, teams[1], *updated.WinnerTeamID)
	assert.Equal(t, models.RoundStatusCompleted, f.roundStatus(t, tb.RoundID))
}

func TestResolve_ConcurrentResolversCommitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(false)
	teams, tb := f.tiedRound(t, uuid.New(), 70, 70)
	_, err := app.SubmitBid(ctx, tb.ID, teams[0], 75)
	require.NoError(t, err)

	const resolvers = 6
	var wg sync.WaitGroup
	errs := make([]error, resolvers)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = app.Resolve(ctx, tb.ID, models.ResolveModeManual)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrTiebreakerResolved), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, won)

	balance, err := f.budgets.GetAvailableBudget(ctx, teams[0])
	require.NoError(t, err)
	assert.Equal(t, int64(425), balance)
}

func TestListForTeam(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.app(false)
	teams, tb := f.tiedRound(t, uuid.New(), 10, 10)

	mine, err := app.ListForTeam(ctx, teams[0])
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, tb.ID, mine[0].ID)

	none, err := app.ListForTeam(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}
