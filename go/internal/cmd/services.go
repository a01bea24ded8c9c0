package main

import (
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/auctionapi"
	"github.com/mcdev12/auctionhouse/go/internal/bulk"
	"github.com/mcdev12/auctionhouse/go/internal/config"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/metrics"
	"github.com/mcdev12/auctionhouse/go/internal/orchestrator"
	"github.com/mcdev12/auctionhouse/go/internal/round"
	"github.com/mcdev12/auctionhouse/go/internal/tiebreaker"
)

type Services struct {
	Rounds      *round.App
	Bids        *ledger.App
	Tiebreakers *tiebreaker.App
	Claims      *bulk.App
	Scheduler   *orchestrator.Scheduler
	API         *auctionapi.Service
}

func setupServices(be *backend, pub events.Publisher, broker *events.Broker, clock clockwork.Clock, m *metrics.Collector, cfg config.Config) *Services {
	// Wire up dependency injection chain
	// Store → App layer → Service layer

	bids := ledger.NewApp(be.repo, be.budgets, be.locks, clock, pub, m)
	engine := finalize.NewEngine(be.repo, be.budgets, be.locks, clock, pub, m)

	roundCfg := round.DefaultConfig()
	roundCfg.MinExtendMinutes = cfg.Auction.MinExtendMinutes
	roundCfg.LockTimeout = cfg.Auction.LockTimeout
	rounds := round.NewApp(be.repo, be.players, be.budgets, engine, be.locks, clock, pub, roundCfg)

	tiebreakers := tiebreaker.NewApp(be.repo, be.budgets, bids, be.locks, clock, pub, m, cfg.Auction.AutoResolveTiebreakers)
	claims := bulk.NewApp(be.repo, be.budgets, bids, be.locks, clock, pub, m, cfg.Auction.ClaimWindow)

	schedCfg := orchestrator.Config{
		Workers:           cfg.Scheduler.Workers,
		PollInterval:      cfg.Scheduler.PollInterval,
		BatchSize:         cfg.Scheduler.BatchSize,
		StaleClosingAfter: cfg.Auction.StaleClosingAfter,
		RecoveryInterval:  cfg.Scheduler.RecoveryInterval,
	}
	scheduler := orchestrator.NewScheduler(rounds, clock, schedCfg, broker, m)

	return &Services{
		Rounds:      rounds,
		Bids:        bids,
		Tiebreakers: tiebreakers,
		Claims:      claims,
		Scheduler:   scheduler,
		API:         auctionapi.NewService(rounds, bids, tiebreakers, claims),
	}
}
