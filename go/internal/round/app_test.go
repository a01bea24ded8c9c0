package round

import (
	"context"
	"errors"
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
	"github.com/mcdev12/auctionhouse/go/internal/players"
	"github.com/mcdev12/auctionhouse/go/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// creditFailingBudget refuses credits once armed.
type creditFailingBudget struct {
	*budget.Memory
	failCredit bool
}

func (b *creditFailingBudget) Credit(ctx context.Context, teamID uuid.UUID, amount int64) error {
	if b.failCredit {
		return errors.New("budget service unavailable")
	}
	return b.Memory.Credit(ctx, teamID, amount)
}

type fixture struct {
	app       *App
	store     *memory.Store
	budgets   *creditFailingBudget
	directory *players.Memory
	clock     *clockwork.FakeClock
	locks     *locker.KeyedMutex
	bids      *ledger.App
	engine    *finalize.Engine
	season    uuid.UUID
	pool      []uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.New(),
		budgets:   &creditFailingBudget{Memory: budget.NewMemory()},
		directory: players.NewMemory(),
		clock:     clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)),
		locks:     locker.NewKeyedMutex(),
		season:    uuid.New(),
		pool:      []uuid.UUID{uuid.New(), uuid.New()},
	}
	f.directory.Add(f.season, "QB", f.pool...)
	broker := events.NewBroker(128)
	f.engine = finalize.NewEngine(f.store, f.budgets, f.locks, f.clock, broker, nil)
	f.bids = ledger.NewApp(f.store, f.budgets, f.locks, f.clock, broker, nil)
	f.app = NewApp(f.store, f.directory, f.budgets, f.engine, f.locks, f.clock, broker, f.config())
	return f
}

func (f *fixture) config() Config {
	cfg := DefaultConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	return cfg
}

// reverseFailingStore fails ReverseRound after running onReverse.
type reverseFailingStore struct {
	*memory.Store
	onReverse func()
}

func (s *reverseFailingStore) ReverseRound(context.Context, uuid.UUID, *models.AuditEntry) (*models.RoundReversal, error) {
	s.onReverse()
	return nil, errors.New("store unavailable")
}

func (f *fixture) createRound(t *testing.T) *models.Round {
	t.Helper()
	r, err := f.app.CreateRound(context.Background(), CreateRoundRequest{
		SeasonID:       f.season,
		Position:       "QB",
		Kind:           models.RoundKindNormal,
		MaxBidsPerTeam: 2,
		Duration:       time.Hour,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) team(balance int64) uuid.UUID {
	id := uuid.New()
	f.budgets.SetBudget(id, balance)
	return id
}

func TestCreateRound_SnapshotsPlayerPool(t *testing.T) {
	f := newFixture(t)
	r := f.createRound(t)

	assert.Equal(t, models.RoundStatusActive, r.Status)
	assert.ElementsMatch(t, f.pool, r.PlayerPool)
	assert.Equal(t, f.clock.Now().Add(time.Hour), r.EndTime)

	// Players added later are not part of an existing round.
	f.directory.Add(f.season, "QB", uuid.New())
	got, err := f.app.GetRound(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, got.PlayerPool, 2)
}

func TestCreateRound_Validation(t *testing.T) {
	f := newFixture(t)
	base := CreateRoundRequest{
		SeasonID:       f.season,
		Position:       "QB",
		Kind:           models.RoundKindNormal,
		MaxBidsPerTeam: 1,
		Duration:       time.Hour,
	}

	tests := []struct {
		name   string
		mutate func(*CreateRoundRequest)
	}{
		{"missing season", func(r *CreateRoundRequest) { r.SeasonID = uuid.Nil }},
		{"missing position", func(r *CreateRoundRequest) { r.Position = "" }},
		{"zero duration", func(r *CreateRoundRequest) { r.Duration = 0 }},
		{"no bid slots", func(r *CreateRoundRequest) { r.MaxBidsPerTeam = 0 }},
		{"bulk without price", func(r *CreateRoundRequest) { r.Kind = models.RoundKindBulk }},
		{"unknown kind", func(r *CreateRoundRequest) { r.Kind = "dutch" }},
		{"empty pool", func(r *CreateRoundRequest) { r.Position = "K" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.app.CreateRound(context.Background(), req)
			assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
		})
	}
}

func TestExtendTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.createRound(t)

	_, err := f.app.ExtendTime(ctx, r.ID, 4)
	assert.ErrorIs(t, err, apperr.ErrExtendTooShort)

	extended, err := f.app.ExtendTime(ctx, r.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, r.EndTime.Add(10*time.Minute), extended.EndTime)

	// Past the end the extension counts from now.
	f.clock.Advance(2 * time.Hour)
	extended, err = f.app.ExtendTime(ctx, r.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), extended.EndTime)
}

func TestMarkExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.createRound(t)

	_, err := f.app.MarkExpired(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrRoundNotActive)

	f.clock.Advance(time.Hour)
	expired, err := f.app.MarkExpired(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusExpired, expired.Status)

	_, err = f.app.ExtendTime(ctx, r.ID, 10)
	assert.ErrorIs(t, err, apperr.ErrRoundNotActive)

	_, err = f.app.MarkExpired(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrStatusConflict)
}

func TestFetchRoundsDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.createRound(t)

	due, err := f.app.FetchRoundsDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	next, err := f.app.FetchNextDeadline(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, r.ID, next.RoundID)

	f.clock.Advance(time.Hour)
	due, err = f.app.FetchRoundsDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{r.ID}, due)

	_, err = f.app.FetchRoundsDue(ctx, 0)
	assert.Error(t, err)
}

func TestRecoverStaleClosing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale := f.createRound(t)
	busy := f.createRound(t)
	for _, r := range []*models.Round{stale, busy} {
		_, err := f.store.TransitionRoundStatus(ctx, r.ID,
			[]models.RoundStatus{models.RoundStatusActive}, models.RoundStatusClosing, f.clock.Now())
		require.NoError(t, err)
	}

	unlock, err := f.locks.Lock(ctx, locker.RoundKey(busy.ID))
	require.NoError(t, err)
	defer unlock()

	f.clock.Advance(10 * time.Minute)
	recovered, err := f.app.RecoverStaleClosing(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := f.app.GetRound(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusExpired, got.Status)
	got, err = f.app.GetRound(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusClosing, got.Status)
}

func TestDeleteRound_ReversesAllocations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.createRound(t)
	winner, bystander := f.team(300), f.team(300)

	_, err := f.bids.PlaceBid(ctx, ledger.PlaceBidRequest{TeamID: winner, RoundID: r.ID, PlayerID: f.pool[0], Amount: 120})
	require.NoError(t, err)
	_, err = f.bids.PlaceBid(ctx, ledger.PlaceBidRequest{TeamID: bystander, RoundID: r.ID, PlayerID: f.pool[0], Amount: 100})
	require.NoError(t, err)
	res, err := f.app.RequestFinalize(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)

	_, err = f.app.DeleteRound(ctx, r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	report, err := f.app.DeleteRound(ctx, r.ID, "commissioner")
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusDeleted, report.Round.Status)
	assert.Equal(t, 1, report.ReversedAllocations)
	assert.Equal(t, int64(120), report.CreditedAmount)

	balance, err := f.budgets.GetAvailableBudget(ctx, winner)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)

	audit := f.store.AuditEntries(r.ID)
	require.Len(t, audit, 1)
	assert.Equal(t, "commissioner", audit[0].Actor)

	_, err = f.app.DeleteRound(ctx, r.ID, "commissioner")
	assert.ErrorIs(t, err, apperr.ErrRoundNotActive)
}

func TestDeleteRound_FailedCreditRestoresRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.createRound(t)
	winner := f.team(300)
	_, err := f.bids.PlaceBid(ctx, ledger.PlaceBidRequest{TeamID: winner, RoundID: r.ID, PlayerID: f.pool[1], Amount: 80})
	require.NoError(t, err)
	_, err = f.app.RequestFinalize(ctx, r.ID)
	require.NoError(t, err)

	f.budgets.failCredit = true
	_, err = f.app.DeleteRound(ctx, r.ID, "commissioner")
	require.Error(t, err)

	got, err := f.app.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, got.Status)

	allocs, err := f.store.ListAllocations(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
	balance, err := f.budgets.GetAvailableBudget(ctx, winner)
	require.NoError(t, err)
	assert.Equal(t, int64(220), balance)
}

func TestDeleteRound_FailedReversalKeepsBudgetConserved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.createRound(t)
	second := f.createRound(t)
	team := f.team(100)

	_, err := f.bids.PlaceBid(ctx, ledger.PlaceBidRequest{TeamID: team, RoundID: first.ID, PlayerID: f.pool[0], Amount: 80})
	require.NoError(t, err)
	res, err := f.app.RequestFinalize(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)

	// A bid from the same team races the deletion while the credit is
	// outstanding.
	bidErr := make(chan error, 1)
	failing := &reverseFailingStore{Store: f.store, onReverse: func() {
		go func() {
			_, err := f.bids.PlaceBid(ctx, ledger.PlaceBidRequest{TeamID: team, RoundID: second.ID, PlayerID: f.pool[1], Amount: 90})
			bidErr <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}}
	app := NewApp(failing, f.directory, f.budgets, f.engine, f.locks, f.clock, events.NewBroker(16), f.config())

	_, err = app.DeleteRound(ctx, first.ID, "commissioner")
	require.Error(t, err)

	select {
	case err = <-bidErr:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent bid never finished")
	}
	assert.ErrorIs(t, err, apperr.ErrInsufficientBudget)

	balance, err := f.budgets.GetAvailableBudget(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
	live, err := f.bids.ListTeamBids(ctx, second.ID, team)
	require.NoError(t, err)
	assert.Empty(t, live)

	got, err := f.app.GetRound(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, got.Status)
}

func TestValidateStatusTransition(t *testing.T) {
	a := &App{}
	tests := []struct {
		from, to models.RoundStatus
		ok       bool
	}{
		{models.RoundStatusActive, models.RoundStatusClosing, true},
		{models.RoundStatusExpired, models.RoundStatusClosing, true},
		{models.RoundStatusClosing, models.RoundStatusTiebreakerPending, true},
		{models.RoundStatusTiebreakerPending, models.RoundStatusCompleted, true},
		{models.RoundStatusCompleted, models.RoundStatusActive, false},
		{models.RoundStatusDeleted, models.RoundStatusActive, false},
		{models.RoundStatusTiebreakerPending, models.RoundStatusActive, false},
	}
	for _, tt := range tests {
		err := a.validateStatusTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.Error(t, err, "%s -> %s", tt.from, tt.to)
		}
	}
}
