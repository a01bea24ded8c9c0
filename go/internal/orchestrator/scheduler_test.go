package orchestrator

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
	"github.com/mcdev12/auctionhouse/go/internal/round"
	"github.com/mcdev12/auctionhouse/go/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	rounds  *round.App
	bids    *ledger.App
	budgets *budget.Memory
	clock   *clockwork.FakeClock
	broker  *events.Broker
	season  uuid.UUID
	player  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		budgets: budget.NewMemory(),
		clock:   clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)),
		broker:  events.NewBroker(128),
		season:  uuid.New(),
		player:  uuid.New(),
	}
	store := memory.New()
	locks := locker.NewKeyedMutex()
	directory := players.NewMemory()
	directory.Add(f.season, "WR", f.player)

	engine := finalize.NewEngine(store, f.budgets, locks, f.clock, f.broker, nil)
	f.bids = ledger.NewApp(store, f.budgets, locks, f.clock, f.broker, nil)
	f.rounds = round.NewApp(store, directory, f.budgets, engine, locks, f.clock, f.broker, round.DefaultConfig())
	return f
}

func (f *fixture) openRoundWithBid(t *testing.T) *models.Round {
	t.Helper()
	ctx := context.Background()
	r, err := f.rounds.CreateRound(ctx, round.CreateRoundRequest{
		SeasonID:       f.season,
		Position:       "WR",
		Kind:           models.RoundKindNormal,
		MaxBidsPerTeam: 1,
		Duration:       time.Hour,
	})
	require.NoError(t, err)

	team := uuid.New()
	f.budgets.SetBudget(team, 100)
	_, err = f.bids.PlaceBid(ctx, ledger.PlaceBidRequest{
		TeamID: team, RoundID: r.ID, PlayerID: f.player, Amount: 40,
	})
	require.NoError(t, err)
	return r
}

func testConfig() Config {
	return Config{
		Workers:           2,
		PollInterval:      2 * time.Hour,
		BatchSize:         10,
		StaleClosingAfter: 5 * time.Minute,
		RecoveryInterval:  10 * time.Hour,
	}
}

func TestHandleDeadline_ExpiresAndFinalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.openRoundWithBid(t)
	s := NewScheduler(f.rounds, f.clock, testConfig(), nil, nil)

	f.clock.Advance(time.Hour)
	require.NoError(t, s.handleDeadline(ctx, r.ID))

	got, err := f.rounds.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, got.Status)

	// A second delivery of the same deadline is a no-op.
	assert.NoError(t, s.handleDeadline(ctx, r.ID))
}

func TestHandleDeadline_SkipsExtendedRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.openRoundWithBid(t)
	s := NewScheduler(f.rounds, f.clock, testConfig(), nil, nil)

	require.NoError(t, s.handleDeadline(ctx, r.ID))

	got, err := f.rounds.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusActive, got.Status)
}

type stubRounds struct {
	RoundService
	expireErr   error
	finalizeErr error
	finalized   int
}

func (s *stubRounds) MarkExpired(context.Context, uuid.UUID) (*models.Round, error) {
	return nil, s.expireErr
}

func (s *stubRounds) RequestFinalize(context.Context, uuid.UUID) (*finalize.Result, error) {
	s.finalized++
	return &finalize.Result{Status: models.RoundStatusCompleted}, s.finalizeErr
}

func TestHandleDeadline_ErrorHandling(t *testing.T) {
	boom := errors.New("store unavailable")
	tests := []struct {
		name         string
		expireErr    error
		finalizeErr  error
		wantErr      error
		wantFinalize bool
	}{
		{"expired then finalized", nil, nil, nil, true},
		{"already expired", apperr.ErrStatusConflict, nil, nil, true},
		{"deadline moved", apperr.ErrRoundNotActive, nil, nil, false},
		{"finalize in progress", nil, apperr.ErrFinalizeInProgress, nil, true},
		{"already finalized", apperr.ErrStatusConflict, apperr.ErrRoundAlreadyFinalized, nil, true},
		{"expire fails", boom, nil, boom, false},
		{"finalize fails", nil, boom, boom, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubRounds{expireErr: tt.expireErr, finalizeErr: tt.finalizeErr}
			s := NewScheduler(stub, clockwork.NewFakeClock(), testConfig(), nil, nil)

			err := s.handleDeadline(context.Background(), uuid.New())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantFinalize, stub.finalized == 1)
		})
	}
}

func TestScheduler_Run_FinalizesAtDeadline(t *testing.T) {
	f := newFixture(t)
	r := f.openRoundWithBid(t)
	s := NewScheduler(f.rounds, f.clock, testConfig(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	// recovery ticker and the deadline timer
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(time.Hour)

	assert.Eventually(t, func() bool {
		got, err := f.rounds.GetRound(context.Background(), r.ID)
		return err == nil && got.Status == models.RoundStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestScheduler_WatchWakesOnDeadlineEvents(t *testing.T) {
	broker := events.NewBroker(8)
	s := NewScheduler(&stubRounds{}, clockwork.NewFakeClock(), testConfig(), broker, nil)
	sub := broker.Subscribe(uuid.Nil)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.watch(ctx, sub)

	bid, err := events.New(events.TypeBidPlaced, uuid.New(), time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, bid))
	extended, err := events.New(events.TypeRoundTimeExtended, uuid.New(), time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, extended))

	select {
	case <-s.wake:
	case <-time.After(time.Second):
		t.Fatal("scheduler was not woken")
	}
}

func TestScheduler_ClaimDedupesInFlightRounds(t *testing.T) {
	s := NewScheduler(&stubRounds{}, clockwork.NewFakeClock(), testConfig(), nil, nil)
	id := uuid.New()

	assert.True(t, s.claim(id))
	assert.False(t, s.claim(id))
	s.release(id)
	assert.True(t, s.claim(id))
}
