package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/bulk"
	"github.com/mcdev12/auctionhouse/go/internal/config"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/outbox"
	"github.com/mcdev12/auctionhouse/go/internal/players"
	"github.com/mcdev12/auctionhouse/go/internal/round"
	"github.com/mcdev12/auctionhouse/go/internal/store/memory"
	"github.com/mcdev12/auctionhouse/go/internal/store/postgres"
	"github.com/mcdev12/auctionhouse/go/internal/tiebreaker"
	"github.com/rs/zerolog/log"
)

// repository is everything the apps need from one store.
type repository interface {
	round.RoundRepository
	ledger.BidRepository
	finalize.Repository
	tiebreaker.TiebreakerRepository
	bulk.ClaimRepository
	outbox.OutboxRepository
}

// backend is the selected store with its collaborators.
type backend struct {
	repo     repository
	budgets  budget.Service
	players  players.Directory
	locks    locker.Locker
	durable  bool
	ping     outbox.Pinger
	dsn      string
	shutdown func()
}

func setupBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		if err := seedFixtures(ctx, cfg.Fixtures, store.Budgets(), store); err != nil {
			store.Close()
			return nil, err
		}
		return &backend{
			repo:     store,
			budgets:  store.Budgets(),
			players:  store,
			locks:    store.Locker(),
			durable:  true,
			ping:     store.Ping,
			dsn:      cfg.Database.DSN(),
			shutdown: store.Close,
		}, nil
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store, state is lost on restart")
		budgets, directory := budget.NewMemory(), players.NewMemory()
		if len(cfg.Fixtures.Teams) == 0 || len(cfg.Fixtures.Players) == 0 {
			log.Warn().Msg("in-memory store has no team or player fixtures, rounds and bids will be rejected")
		}
		if err := seedFixtures(ctx, cfg.Fixtures, budgets, directory); err != nil {
			return nil, err
		}
		return &backend{
			repo:     memory.New(),
			budgets:  budgets,
			players:  directory,
			locks:    locker.NewKeyedMutex(),
			shutdown: func() {},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

type budgetSeeder interface {
	SeedBudget(ctx context.Context, teamID uuid.UUID, amount int64) error
}

type playerSeeder interface {
	AddEligiblePlayers(ctx context.Context, seasonID uuid.UUID, position string, playerIDs ...uuid.UUID) error
}

// seedFixtures loads the configured opening budgets and player pools.
func seedFixtures(ctx context.Context, fx config.Fixtures, budgets budgetSeeder, directory playerSeeder) error {
	for _, team := range fx.Teams {
		if err := budgets.SeedBudget(ctx, team.ID, team.Balance); err != nil {
			return fmt.Errorf("failed to seed budget for team %s: %w", team.ID, err)
		}
	}
	for _, pool := range fx.Players {
		if err := directory.AddEligiblePlayers(ctx, pool.SeasonID, pool.Position, pool.IDs...); err != nil {
			return fmt.Errorf("failed to seed %s players for season %s: %w", pool.Position, pool.SeasonID, err)
		}
	}
	if len(fx.Teams) > 0 || len(fx.Players) > 0 {
		log.Info().
			Int("teams", len(fx.Teams)).
			Int("player_pools", len(fx.Players)).
			Msg("fixtures seeded")
	}
	return nil
}
