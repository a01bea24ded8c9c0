package bulk

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/store/memory"
	"github.com/mcdev12/auctionhouse/go/internal/tiebreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 2 * time.Second

type fixture struct {
	store   *memory.Store
	budgets *budget.Memory
	clock   *clockwork.FakeClock
	locks   *locker.KeyedMutex
	broker  *events.Broker
	view    *ledger.App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		budgets: budget.NewMemory(),
		clock:   clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)),
		locks:   locker.NewKeyedMutex(),
		broker:  events.NewBroker(128),
	}
	f.view = ledger.NewApp(f.store, f.budgets, f.locks, f.clock, f.broker, nil)
	return f
}

func (f *fixture) app(w time.Duration) *App {
	return NewApp(f.store, f.budgets, f.view, f.locks, f.clock, f.broker, nil, w)
}

func (f *fixture) round(t *testing.T, kind models.RoundKind, players ...uuid.UUID) *models.Round {
	t.Helper()
	now := f.clock.Now()
	r := &models.Round{
		ID:             uuid.New(),
		SeasonID:       uuid.New(),
		Position:       "K",
		Kind:           kind,
		MaxBidsPerTeam: 1,
		BasePrice:      50,
		Status:         models.RoundStatusActive,
		StartTime:      now,
		EndTime:        now.Add(time.Hour),
		PlayerPool:     players,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateRound(context.Background(), r))
	return r
}

func (f *fixture) team(balance int64) uuid.UUID {
	id := uuid.New()
	f.budgets.SetBudget(id, balance)
	return id
}

type claimOutcome struct {
	res *ClaimResult
	err error
}

func TestClaim_SoleClaimWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindBulk, player)
	team := f.team(200)

	res, err := f.app(0).Claim(ctx, team, r.ID, player)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWon, res.Outcome)
	require.NotNil(t, res.Allocation)
	assert.Equal(t, int64(50), res.Allocation.FinalAmount)

	balance, err := f.budgets.GetAvailableBudget(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
	available, err := f.view.AvailableBudget(ctx, team, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(150), available, "won claim is no longer reserved")
}

func TestClaim_SoldPlayerRejectsLaterClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindBulk, player)
	app := f.app(0)

	_, err := app.Claim(ctx, f.team(100), r.ID, player)
	require.NoError(t, err)

	late := f.team(100)
	_, err = app.Claim(ctx, late, r.ID, player)
	assert.ErrorIs(t, err, apperr.ErrPlayerAlreadySold)

	available, err := f.view.AvailableBudget(ctx, late, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), available)
}

func TestClaim_SimultaneousClaimsShareOneTiebreaker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindBulk, player)
	app := f.app(window)
	teamA, teamB := f.team(100), f.team(100)

	results := make(chan claimOutcome, 2)
	for _, team := range []uuid.UUID{teamA, teamB} {
		go func(team uuid.UUID) {
			res, err := app.Claim(ctx, team, r.ID, player)
			results <- claimOutcome{res, err}
		}(team)
	}

	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(window)

	var tiebreakerIDs []uuid.UUID
	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.Equal(t, OutcomeTiebreaker, out.res.Outcome)
		require.NotNil(t, out.res.Tiebreaker)
		tiebreakerIDs = append(tiebreakerIDs, out.res.Tiebreaker.ID)
	}
	assert.Equal(t, tiebreakerIDs[0], tiebreakerIDs[1])

	tbs, err := f.store.ListTiebreakers(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, tbs, 1)
	assert.Equal(t, models.TiebreakerKindBulk, tbs[0].Kind)
	assert.Equal(t, int64(50), tbs[0].OriginalAmount)
	for _, p := range tbs[0].Participants {
		assert.Equal(t, int64(50), p.OriginalBid)
	}

	allocs, err := f.store.ListAllocations(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestClaim_BulkTiebreakerResolves(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindBulk, player)
	app := f.app(window)
	teamA, teamB := f.team(100), f.team(100)

	done := make(chan claimOutcome, 2)
	for _, team := range []uuid.UUID{teamA, teamB} {
		go func(team uuid.UUID) {
			res, err := app.Claim(ctx, team, r.ID, player)
			done <- claimOutcome{res, err}
		}(team)
	}
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(window)
	out := <-done
	require.NoError(t, out.err)
	<-done

	resolver := tiebreaker.NewApp(f.store, f.budgets, f.view, f.locks, f.clock, f.broker, nil, false)
	_, err := resolver.SubmitBid(ctx, out.res.Tiebreaker.ID, teamB, 70)
	require.NoError(t, err)
	res, err := resolver.Resolve(ctx, out.res.Tiebreaker.ID, models.ResolveModeManual)
	require.NoError(t, err)
	assert.Equal(t, teamB, res.Allocation.TeamID)
	assert.Equal(t, int64(70), res.Allocation.FinalAmount)

	_, err = app.Claim(ctx, f.team(100), r.ID, player)
	assert.ErrorIs(t, err, apperr.ErrPlayerAlreadySold)
}

func TestClaim_DuplicateWhilePending(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindBulk, player)
	app := f.app(window)
	team := f.team(100)

	first := make(chan claimOutcome, 1)
	go func() {
		res, err := app.Claim(ctx, team, r.ID, player)
		first <- claimOutcome{res, err}
	}()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	_, err := app.Claim(ctx, team, r.ID, player)
	assert.ErrorIs(t, err, apperr.ErrDuplicateClaim)

	f.clock.Advance(window)
	out := <-first
	require.NoError(t, out.err)
	assert.Equal(t, OutcomeWon, out.res.Outcome)
}

func TestClaim_CancelledWhileWaitingReleasesReservation(t *testing.T) {
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindBulk, player)
	app := f.app(window)
	team := f.team(100)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := app.Claim(ctx, team, r.ID, player)
		errc <- err
	}()
	require.NoError(t, f.clock.BlockUntilContext(context.Background(), 1))
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	available, err := f.view.AvailableBudget(context.Background(), team, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), available)
}

func TestClaim_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	bulkRound := f.round(t, models.RoundKindBulk, player)
	normalRound := f.round(t, models.RoundKindNormal, player)
	app := f.app(0)

	_, err := app.Claim(ctx, f.team(49), bulkRound.ID, player)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBudget)

	_, err = app.Claim(ctx, f.team(100), normalRound.ID, player)
	assert.ErrorIs(t, err, apperr.ErrWrongRoundKind)

	_, err = app.Claim(ctx, f.team(100), bulkRound.ID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrPlayerNotInRound)

	f.clock.Advance(time.Hour)
	_, err = app.Claim(ctx, f.team(100), bulkRound.ID, player)
	assert.ErrorIs(t, err, apperr.ErrRoundNotActive)
}
