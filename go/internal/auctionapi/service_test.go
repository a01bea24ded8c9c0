package auctionapi_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/auctionapi"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/bulk"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/players"
	"github.com/mcdev12/auctionhouse/go/internal/round"
	"github.com/mcdev12/auctionhouse/go/internal/store/memory"
	"github.com/mcdev12/auctionhouse/go/internal/tiebreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	client    *auctionapi.Client
	budgets   *budget.Memory
	directory *players.Memory
	season    uuid.UUID
	pool      []uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{
		budgets:   budget.NewMemory(),
		directory: players.NewMemory(),
		season:    uuid.New(),
		pool:      []uuid.UUID{uuid.New(), uuid.New()},
	}
	f.directory.Add(f.season, "QB", f.pool...)

	clock := clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC))
	locks := locker.NewKeyedMutex()
	broker := events.NewBroker(256)

	bids := ledger.NewApp(store, f.budgets, locks, clock, broker, nil)
	engine := finalize.NewEngine(store, f.budgets, locks, clock, broker, nil)
	rounds := round.NewApp(store, f.directory, f.budgets, engine, locks, clock, broker, round.DefaultConfig())
	tbs := tiebreaker.NewApp(store, f.budgets, bids, locks, clock, broker, nil, false)
	claims := bulk.NewApp(store, f.budgets, bids, locks, clock, broker, nil, 0)

	path, handler := auctionapi.NewHandler(auctionapi.NewService(rounds, bids, tbs, claims))
	require.Equal(t, "/auction.v1.AuctionService/", path)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f.client = auctionapi.NewClient(srv.Client(), srv.URL)
	return f
}

func (f *fixture) team(balance int64) uuid.UUID {
	id := uuid.New()
	f.budgets.SetBudget(id, balance)
	return id
}

func TestService_RoundToTiebreakerFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	teamA, teamB := f.team(100), f.team(100)
	contested, uncontested := f.pool[0], f.pool[1]

	r, err := f.client.CreateRound(ctx, &auctionapi.CreateRoundRequest{
		SeasonID:        f.season,
		Position:        "QB",
		Kind:            models.RoundKindNormal,
		MaxBidsPerTeam:  2,
		DurationMinutes: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusActive, r.Status)
	assert.ElementsMatch(t, f.pool, r.PlayerPool)

	for _, bid := range []auctionapi.PlaceBidRequest{
		{TeamID: teamA, RoundID: r.ID, PlayerID: contested, Amount: 10},
		{TeamID: teamB, RoundID: r.ID, PlayerID: contested, Amount: 10},
		{TeamID: teamA, RoundID: r.ID, PlayerID: uncontested, Amount: 5},
	} {
		_, err := f.client.PlaceBid(ctx, &bid)
		require.NoError(t, err)
	}

	mine, err := f.client.ListTeamBids(ctx, &auctionapi.ListTeamBidsRequest{RoundID: r.ID, TeamID: teamA})
	require.NoError(t, err)
	assert.Len(t, mine.Bids, 2)

	plan, err := f.client.PreviewFinalize(ctx, &auctionapi.RoundRequest{RoundID: r.ID})
	require.NoError(t, err)
	assert.Len(t, plan.Winners, 1)
	assert.Len(t, plan.Ties, 1)

	result, err := f.client.RequestFinalize(ctx, &auctionapi.RoundRequest{RoundID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusTiebreakerPending, result.Status)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, uncontested, result.Allocations[0].PlayerID)
	require.Len(t, result.Tiebreakers, 1)

	again, err := f.client.RequestFinalize(ctx, &auctionapi.RoundRequest{RoundID: r.ID})
	require.NoError(t, err)
	assert.True(t, again.AlreadyFinalized)
	assert.Equal(t, models.RoundStatusTiebreakerPending, again.Status)
	assert.Len(t, again.Allocations, 1)
	assert.Len(t, again.Tiebreakers, 1)

	list, err := f.client.ListTiebreakers(ctx, &auctionapi.ListTiebreakersRequest{RoundID: r.ID})
	require.NoError(t, err)
	require.Len(t, list.Tiebreakers, 1)
	tbID := list.Tiebreakers[0].ID

	_, err = f.client.ResolveTiebreaker(ctx, &auctionapi.ResolveTiebreakerRequest{TiebreakerID: tbID, Mode: models.ResolveModeAuto})
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = f.client.SubmitTiebreakerBid(ctx, &auctionapi.SubmitTiebreakerBidRequest{TiebreakerID: tbID, TeamID: teamA, Amount: 12})
	require.NoError(t, err)
	_, err = f.client.SubmitTiebreakerBid(ctx, &auctionapi.SubmitTiebreakerBidRequest{TiebreakerID: tbID, TeamID: teamB, Amount: 15})
	require.NoError(t, err)

	res, err := f.client.ResolveTiebreaker(ctx, &auctionapi.ResolveTiebreakerRequest{TiebreakerID: tbID})
	require.NoError(t, err)
	assert.Equal(t, tiebreaker.OutcomeWon, res.Outcome)
	require.NotNil(t, res.Allocation)
	assert.Equal(t, teamB, res.Allocation.TeamID)
	assert.Equal(t, int64(15), res.Allocation.FinalAmount)
	assert.Equal(t, models.RoundStatusCompleted, res.RoundStatus)

	got, err := f.client.GetTiebreaker(ctx, &auctionapi.GetTiebreakerRequest{TiebreakerID: tbID, WithChain: true})
	require.NoError(t, err)
	assert.Equal(t, models.TiebreakerStatusResolved, got.Tiebreaker.Status)
	assert.Len(t, got.Chain, 1)

	byTeam, err := f.client.ListTiebreakers(ctx, &auctionapi.ListTiebreakersRequest{TeamID: teamA})
	require.NoError(t, err)
	assert.Len(t, byTeam.Tiebreakers, 1)
}

func TestService_RequestFinalizeTwiceReturnsPriorResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	team := f.team(100)

	r, err := f.client.CreateRound(ctx, &auctionapi.CreateRoundRequest{
		SeasonID:        f.season,
		Position:        "QB",
		Kind:            models.RoundKindNormal,
		MaxBidsPerTeam:  1,
		DurationMinutes: 60,
	})
	require.NoError(t, err)
	_, err = f.client.PlaceBid(ctx, &auctionapi.PlaceBidRequest{TeamID: team, RoundID: r.ID, PlayerID: f.pool[0], Amount: 40})
	require.NoError(t, err)

	first, err := f.client.RequestFinalize(ctx, &auctionapi.RoundRequest{RoundID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, first.Status)
	assert.False(t, first.AlreadyFinalized)
	require.Len(t, first.Allocations, 1)

	second, err := f.client.RequestFinalize(ctx, &auctionapi.RoundRequest{RoundID: r.ID})
	require.NoError(t, err)
	assert.True(t, second.AlreadyFinalized)
	assert.Equal(t, models.RoundStatusCompleted, second.Status)
	require.Len(t, second.Allocations, 1)
	assert.Equal(t, first.Allocations[0].ID, second.Allocations[0].ID)
	assert.Equal(t, team, second.Allocations[0].TeamID)

	balance, err := f.budgets.GetAvailableBudget(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)
}

func TestService_BulkClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	team := f.team(100)

	r, err := f.client.CreateRound(ctx, &auctionapi.CreateRoundRequest{
		SeasonID:        f.season,
		Position:        "QB",
		Kind:            models.RoundKindBulk,
		BasePrice:       30,
		DurationMinutes: 30,
	})
	require.NoError(t, err)

	res, err := f.client.Claim(ctx, &auctionapi.ClaimRequest{TeamID: team, RoundID: r.ID, PlayerID: f.pool[0]})
	require.NoError(t, err)
	assert.Equal(t, bulk.OutcomeWon, res.Outcome)
	require.NotNil(t, res.Allocation)
	assert.Equal(t, int64(30), res.Allocation.FinalAmount)

	_, err = f.client.Claim(ctx, &auctionapi.ClaimRequest{TeamID: f.team(100), RoundID: r.ID, PlayerID: f.pool[0]})
	require.Error(t, err)
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
}

func TestService_ExtendAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.client.CreateRound(ctx, &auctionapi.CreateRoundRequest{
		SeasonID:        f.season,
		Position:        "QB",
		Kind:            models.RoundKindNormal,
		MaxBidsPerTeam:  1,
		DurationMinutes: 60,
	})
	require.NoError(t, err)

	extended, err := f.client.ExtendTime(ctx, &auctionapi.ExtendTimeRequest{RoundID: r.ID, Minutes: 10})
	require.NoError(t, err)
	assert.True(t, extended.EndTime.Equal(r.EndTime.Add(10*time.Minute)))

	_, err = f.client.ExtendTime(ctx, &auctionapi.ExtendTimeRequest{RoundID: r.ID, Minutes: 1})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = f.client.DeleteRound(ctx, &auctionapi.DeleteRoundRequest{RoundID: r.ID})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	report, err := f.client.DeleteRound(ctx, &auctionapi.DeleteRoundRequest{RoundID: r.ID, Actor: "commissioner"})
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusDeleted, report.Round.Status)

	rounds, err := f.client.ListRounds(ctx, &auctionapi.ListRoundsRequest{SeasonID: f.season})
	require.NoError(t, err)
	assert.Len(t, rounds.Rounds, 1)
}

func TestService_ErrorCodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		call func() error
		code connect.Code
		kind string
	}{
		{
			name: "unknown round",
			call: func() error {
				_, err := f.client.GetRound(ctx, &auctionapi.RoundRequest{RoundID: uuid.New()})
				return err
			},
			code: connect.CodeNotFound,
			kind: "not_found",
		},
		{
			name: "non-positive bid",
			call: func() error {
				_, err := f.client.PlaceBid(ctx, &auctionapi.PlaceBidRequest{
					TeamID: uuid.New(), RoundID: uuid.New(), PlayerID: uuid.New(),
				})
				return err
			},
			code: connect.CodeInvalidArgument,
			kind: "validation",
		},
		{
			name: "tiebreaker filter missing",
			call: func() error {
				_, err := f.client.ListTiebreakers(ctx, &auctionapi.ListTiebreakersRequest{})
				return err
			},
			code: connect.CodeInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.code, connect.CodeOf(err))
			if tt.kind != "" {
				var connectErr *connect.Error
				require.ErrorAs(t, err, &connectErr)
				assert.Equal(t, tt.kind, connectErr.Meta().Get(auctionapi.KindHeader))
			}
		})
	}
}
