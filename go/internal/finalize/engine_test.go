package finalize

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
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookedBudget fails debits for teams listed in failDebit.
type hookedBudget struct {
	*budget.Memory
	mu        sync.Mutex
	failDebit map[uuid.UUID]error
}

func (b *hookedBudget) Debit(ctx context.Context, teamID uuid.UUID, amount int64) error {
	b.mu.Lock()
	err := b.failDebit[teamID]
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Memory.Debit(ctx, teamID, amount)
}

func (b *hookedBudget) setFailure(teamID uuid.UUID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failDebit, teamID)
		return
	}
	b.failDebit[teamID] = err
}

type fixture struct {
	engine  *Engine
	store   *memory.Store
	budgets *hookedBudget
	clock   *clockwork.FakeClock
	broker  *events.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		budgets: &hookedBudget{Memory: budget.NewMemory(), failDebit: make(map[uuid.UUID]error)},
		clock:   clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)),
		broker:  events.NewBroker(128),
	}
	f.engine = NewEngine(f.store, f.budgets, locker.NewKeyedMutex(), f.clock, f.broker, nil)
	return f
}

func (f *fixture) round(t *testing.T, kind models.RoundKind, players ...uuid.UUID) *models.Round {
	t.Helper()
	now := f.clock.Now()
	r := &models.Round{
		ID:             uuid.New(),
		SeasonID:       uuid.New(),
		Position:       "WR",
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

func (f *fixture) bid(t *testing.T, r *models.Round, player uuid.UUID, amount int64) *models.Bid {
	t.Helper()
	team := uuid.New()
	f.budgets.SetBudget(team, 500)
	f.clock.Advance(time.Second)
	b := &models.Bid{
		ID:        uuid.New(),
		RoundID:   r.ID,
		TeamID:    team,
		PlayerID:  player,
		Amount:    amount,
		Reserved:  amount,
		Status:    models.BidStatusLive,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.InsertBid(context.Background(), b))
	return b
}

func (f *fixture) expire(t *testing.T, r *models.Round) {
	t.Helper()
	_, err := f.store.TransitionRoundStatus(context.Background(), r.ID,
		[]models.RoundStatus{models.RoundStatusActive}, models.RoundStatusExpired, f.clock.Now())
	require.NoError(t, err)
}

func drain(sub *events.Subscription) []*events.Event {
	var out []*events.Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []*events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestFinalize_UniqueWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindNormal, player)
	winner := f.bid(t, r, player, 100)
	loser := f.bid(t, r, player, 90)
	f.expire(t, r)
	sub := f.broker.Subscribe(r.ID)
	defer sub.Close()

	res, err := f.engine.Finalize(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, res.Status)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, winner.TeamID, res.Allocations[0].TeamID)
	assert.Equal(t, int64(100), res.Allocations[0].FinalAmount)
	assert.Empty(t, res.Tiebreakers)

	balance, err := f.budgets.GetAvailableBudget(ctx, winner.TeamID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
	balance, err = f.budgets.GetAvailableBudget(ctx, loser.TeamID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	got, err := f.store.GetBid(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusDiscarded, got.Status)

	assert.Equal(t, []events.Type{
		events.TypeRoundStatusChanged,
		events.TypePlayerAllocated,
		events.TypeRoundStatusChanged,
		events.TypeRoundFinalized,
	}, eventTypes(drain(sub)))
}

func TestFinalize_TieOpensTiebreaker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindNormal, player)
	a := f.bid(t, r, player, 100)
	b := f.bid(t, r, player, 100)
	c := f.bid(t, r, player, 90)
	f.expire(t, r)

	res, err := f.engine.Finalize(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusTiebreakerPending, res.Status)
	assert.Empty(t, res.Allocations)
	require.Len(t, res.Tiebreakers, 1)

	tb := res.Tiebreakers[0]
	assert.Equal(t, int64(100), tb.OriginalAmount)
	assert.Equal(t, models.TiebreakerKindNormal, tb.Kind)
	require.Len(t, tb.Participants, 2)
	assert.Equal(t, a.TeamID, tb.Participants[0].TeamID)
	assert.Equal(t, b.TeamID, tb.Participants[1].TeamID)

	live, err := f.store.ListLiveBids(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, live, 2)
	got, err := f.store.GetBid(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusDiscarded, got.Status)

	round, err := f.store.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusTiebreakerPending, round.Status)
	assert.NotNil(t, round.FinalizedAt)
}

func TestFinalize_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindNormal, player)
	winner := f.bid(t, r, player, 120)
	f.expire(t, r)

	first, err := f.engine.Finalize(ctx, r.ID)
	require.NoError(t, err)

	second, err := f.engine.Finalize(ctx, r.ID)
	require.ErrorIs(t, err, apperr.ErrRoundAlreadyFinalized)
	require.NotNil(t, second)
	assert.True(t, second.AlreadyFinalized)
	require.Len(t, second.Allocations, 1)
	assert.Equal(t, first.Allocations[0].ID, second.Allocations[0].ID)

	balance, err := f.budgets.GetAvailableBudget(ctx, winner.TeamID)
	require.NoError(t, err)
	assert.Equal(t, int64(380), balance)
}

func TestFinalize_ConcurrentCallersAllocateOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindNormal, player)
	winner := f.bid(t, r, player, 75)
	f.expire(t, r)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Finalize(ctx, r.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrFinalizeInProgress), errors.Is(err, apperr.ErrRoundAlreadyFinalized):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)

	allocs, err := f.store.ListAllocations(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
	balance, err := f.budgets.GetAvailableBudget(ctx, winner.TeamID)
	require.NoError(t, err)
	assert.Equal(t, int64(425), balance)
}

func TestFinalize_DebitFailureLeavesPlayerForRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1, p2 := uuid.New(), uuid.New()
	r := f.round(t, models.RoundKindNormal, p1, p2)
	failing := f.bid(t, r, p1, 60)
	ok := f.bid(t, r, p2, 40)
	f.expire(t, r)
	f.budgets.setFailure(failing.TeamID, errors.New("ledger offline"))

	res, err := f.engine.Finalize(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusExpired, res.Status)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, p1, res.Failures[0].PlayerID)
	assert.ErrorIs(t, res.Failures[0].Err, apperr.ErrBudgetDebitFailed)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, ok.TeamID, res.Allocations[0].TeamID)

	stillLive, err := f.store.GetBid(ctx, failing.ID)
	require.NoError(t, err)
	assert.True(t, stillLive.IsLive())

	f.budgets.setFailure(failing.TeamID, nil)
	retry, err := f.engine.Finalize(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, retry.Status)
	require.Len(t, retry.Allocations, 1)
	assert.Equal(t, failing.TeamID, retry.Allocations[0].TeamID)

	allocs, err := f.store.ListAllocations(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 2)
}

func TestFinalize_InProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.round(t, models.RoundKindNormal, uuid.New())
	_, err := f.store.TransitionRoundStatus(ctx, r.ID,
		[]models.RoundStatus{models.RoundStatusActive}, models.RoundStatusClosing, f.clock.Now())
	require.NoError(t, err)

	_, err = f.engine.Finalize(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrFinalizeInProgress)
	assert.True(t, apperr.IsRetryable(err))
}

func TestFinalize_SkipsPlayerAllocatedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	first := f.round(t, models.RoundKindNormal, player)
	second := &models.Round{}
	*second = *first
	second.ID = uuid.New()
	require.NoError(t, f.store.CreateRound(ctx, second))

	f.bid(t, first, player, 30)
	late := f.bid(t, second, player, 45)
	f.expire(t, first)
	_, err := f.engine.Finalize(ctx, first.ID)
	require.NoError(t, err)

	f.expire(t, second)
	res, err := f.engine.Finalize(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, res.Status)
	assert.Empty(t, res.Allocations)

	got, err := f.store.GetBid(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusDiscarded, got.Status)
}

func TestFinalize_BulkRoundDiscardsUnsettledClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := uuid.New()
	r := f.round(t, models.RoundKindBulk, player)
	claim := f.bid(t, r, player, 50)
	f.expire(t, r)

	res, err := f.engine.Finalize(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, res.Status)
	assert.Empty(t, res.Allocations)

	got, err := f.store.GetBid(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusDiscarded, got.Status)
}

func TestPreview_DoesNotChangeState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1, p2 := uuid.New(), uuid.New()
	r := f.round(t, models.RoundKindNormal, p1, p2)
	solo := f.bid(t, r, p1, 70)
	f.bid(t, r, p2, 20)
	f.bid(t, r, p2, 20)

	plan, err := f.engine.Preview(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, plan.Winners, 1)
	assert.Equal(t, solo.TeamID, plan.Winners[0].TeamID)
	require.Len(t, plan.Ties, 1)
	assert.Equal(t, p2, plan.Ties[0].PlayerID)
	assert.Len(t, plan.Ties[0].TeamIDs, 2)

	round, err := f.store.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusActive, round.Status)
	live, err := f.store.ListLiveBids(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, live, 3)
}
