package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ClaimRepository defines what the bulk allocator needs from the store
type ClaimRepository interface {
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	FindLiveBid(ctx context.Context, roundID, teamID, playerID uuid.UUID) (*models.Bid, error)
	InsertBid(ctx context.Context, bid *models.Bid) error
	DiscardBids(ctx context.Context, ids []uuid.UUID) error
	ListPlayerLiveBids(ctx context.Context, roundID, playerID uuid.UUID) ([]*models.Bid, error)
	FindActiveAllocation(ctx context.Context, seasonID, playerID uuid.UUID) (*models.Allocation, error)
	FindPendingTiebreaker(ctx context.Context, roundID, playerID uuid.UUID) (*models.Tiebreaker, error)
	CommitAllocation(ctx context.Context, alloc *models.Allocation, discardBidIDs []uuid.UUID) error
	CreateTiebreaker(ctx context.Context, tb *models.Tiebreaker, discardBidIDs []uuid.UUID) error
}

// BudgetView reports a team's spendable budget net of reservations
type BudgetView interface {
	AvailableBudget(ctx context.Context, teamID, excludeBidID uuid.UUID) (int64, error)
}

// Metrics receives allocator outcomes
type Metrics interface {
	RecordAllocation(source string)
	RecordTiebreaker(kind string)
}

// Outcome names how a claim ended.
type Outcome string

const (
	OutcomeWon        Outcome = "won"
	OutcomeTiebreaker Outcome = "tiebreaker"
)

// ClaimResult is the result of a successful claim
type ClaimResult struct {
	Outcome    Outcome            `json:"outcome"`
	Bid        *models.Bid        `json:"bid"`
	Allocation *models.Allocation `json:"allocation,omitempty"`
	Tiebreaker *models.Tiebreaker `json:"tiebreaker,omitempty"`
}

// App sells players at a round's base price, first settled claim wins
type App struct {
	repo    ClaimRepository
	budget  budget.Service
	view    BudgetView
	locks   locker.Locker
	clock   clockwork.Clock
	emit    *events.Emitter
	metrics Metrics
	// window is how long a claim stays open for colliding claims before it settles.
	window time.Duration
}

// NewApp creates a new bulk App
func NewApp(repo ClaimRepository, budgetSvc budget.Service, view BudgetView, locks locker.Locker,
	clock clockwork.Clock, pub events.Publisher, metrics Metrics, window time.Duration) *App {
	return &App{
		repo:    repo,
		budget:  budgetSvc,
		view:    view,
		locks:   locks,
		clock:   clock,
		emit:    events.NewEmitter(pub),
		metrics: metrics,
		window:  window,
	}
}

// Claim tries to buy playerID at the round's base price. The claim is first
// reserved against the team budget, then settled under the player section:
// the only live claim wins outright, several live claims become one bulk
// tiebreaker among all of them.
func (a *App) Claim(ctx context.Context, teamID, roundID, playerID uuid.UUID) (*ClaimResult, error) {
	round, err := a.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if round.Kind != models.RoundKindBulk {
		return nil, apperr.Wrapf(apperr.ErrWrongRoundKind, "claims need a bulk round, round %s is %s", roundID, round.Kind)
	}
	if !round.AcceptsBids(a.clock.Now()) {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", roundID, round.Status)
	}
	if !round.HasPlayer(playerID) {
		return nil, apperr.Wrapf(apperr.ErrPlayerNotInRound, "player %s", playerID)
	}

	bid, err := a.reserve(ctx, round, teamID, playerID)
	if err != nil {
		return nil, err
	}

	if a.window > 0 {
		select {
		case <-a.clock.After(a.window):
		case <-ctx.Done():
			a.release(bid)
			return nil, ctx.Err()
		}
	}

	return a.settle(ctx, round, bid)
}

// reserve holds basePrice of the team's budget for the claim.
func (a *App) reserve(ctx context.Context, round *models.Round, teamID, playerID uuid.UUID) (*models.Bid, error) {
	unlock, err := a.locks.Lock(ctx, locker.TeamKey(teamID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock team budget: %w", err)
	}
	defer unlock()

	if _, err := a.repo.FindLiveBid(ctx, round.ID, teamID, playerID); err == nil {
		return nil, apperr.Wrapf(apperr.ErrDuplicateClaim, "team %s player %s", teamID, playerID)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up claim: %w", err)
	}

	available, err := a.view.AvailableBudget(ctx, teamID, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if round.BasePrice > available {
		return nil, apperr.Wrapf(apperr.ErrInsufficientBudget, "base price %d exceeds available %d", round.BasePrice, available)
	}

	bid := &models.Bid{
		ID:        uuid.New(),
		RoundID:   round.ID,
		TeamID:    teamID,
		PlayerID:  playerID,
		Amount:    round.BasePrice,
		Reserved:  round.BasePrice,
		Status:    models.BidStatusLive,
		CreatedAt: a.clock.Now(),
	}
	if err := a.repo.InsertBid(ctx, bid); err != nil {
		return nil, fmt.Errorf("failed to reserve claim: %w", err)
	}
	return bid, nil
}

func (a *App) settle(ctx context.Context, round *models.Round, bid *models.Bid) (*ClaimResult, error) {
	unlock, err := a.locks.Lock(ctx, locker.PlayerKey(round.SeasonID, bid.PlayerID))
	if err != nil {
		a.release(bid)
		return nil, fmt.Errorf("failed to lock player: %w", err)
	}
	defer unlock()

	if _, err := a.repo.FindActiveAllocation(ctx, round.SeasonID, bid.PlayerID); err == nil {
		a.release(bid)
		return nil, apperr.Wrapf(apperr.ErrPlayerAlreadySold, "player %s", bid.PlayerID)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		a.release(bid)
		return nil, fmt.Errorf("failed to check allocation: %w", err)
	}

	if tb, err := a.repo.FindPendingTiebreaker(ctx, round.ID, bid.PlayerID); err == nil {
		if _, ok := tb.Participant(bid.TeamID); ok {
			return &ClaimResult{Outcome: OutcomeTiebreaker, Bid: bid, Tiebreaker: tb}, nil
		}
		a.release(bid)
		return nil, apperr.Wrapf(apperr.ErrPlayerAlreadySold, "player %s is contested", bid.PlayerID)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		a.release(bid)
		return nil, fmt.Errorf("failed to check tiebreaker: %w", err)
	}

	// The round may have closed while the claim waited; the close pass
	// discards claims that did not settle in time.
	current, err := a.repo.GetBid(ctx, bid.ID)
	if err != nil || !current.IsLive() {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "claim %s expired with round %s", bid.ID, round.ID)
	}

	claims, err := a.repo.ListPlayerLiveBids(ctx, round.ID, bid.PlayerID)
	if err != nil {
		a.release(bid)
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	if len(claims) > 1 {
		return a.collide(ctx, round, bid, claims)
	}
	return a.win(ctx, round, bid)
}

func (a *App) win(ctx context.Context, round *models.Round, bid *models.Bid) (*ClaimResult, error) {
	alloc := &models.Allocation{
		ID:          uuid.New(),
		RoundID:     round.ID,
		SeasonID:    round.SeasonID,
		PlayerID:    bid.PlayerID,
		TeamID:      bid.TeamID,
		FinalAmount: bid.Amount,
		BidID:       bid.ID,
		CreatedAt:   a.clock.Now(),
	}

	err := finalize.DebitAndCommit(ctx, a.locks, a.budget, bid.TeamID, bid.Amount, func(ctx context.Context) error {
		return a.repo.CommitAllocation(ctx, alloc, nil)
	})
	if err != nil {
		a.release(bid)
		return nil, err
	}

	log.Info().
		Str("round_id", round.ID.String()).
		Str("player_id", bid.PlayerID.String()).
		Str("team_id", bid.TeamID.String()).
		Int64("amount", bid.Amount).
		Msg("bulk claim won")

	if a.metrics != nil {
		a.metrics.RecordAllocation("bulk")
	}
	a.emit.Emit(ctx, events.TypePlayerAllocated, round.ID, alloc.CreatedAt, events.PlayerAllocatedPayload{
		AllocationID: alloc.ID.String(),
		PlayerID:     alloc.PlayerID.String(),
		TeamID:       alloc.TeamID.String(),
		Amount:       alloc.FinalAmount,
	}, events.WithPlayer(alloc.PlayerID), events.WithTeam(alloc.TeamID))

	bid.Status = models.BidStatusWon
	return &ClaimResult{Outcome: OutcomeWon, Bid: bid, Allocation: alloc}, nil
}

func (a *App) collide(ctx context.Context, round *models.Round, bid *models.Bid, claims []*models.Bid) (*ClaimResult, error) {
	tb := &models.Tiebreaker{
		ID:             uuid.New(),
		RoundID:        round.ID,
		PlayerID:       bid.PlayerID,
		Kind:           models.TiebreakerKindBulk,
		OriginalAmount: round.BasePrice,
		Status:         models.TiebreakerStatusPending,
		CreatedAt:      a.clock.Now(),
	}
	for _, c := range claims {
		tb.Participants = append(tb.Participants, models.TiebreakerParticipant{
			TeamID:      c.TeamID,
			BidID:       c.ID,
			OriginalBid: round.BasePrice,
		})
	}

	if err := a.repo.CreateTiebreaker(ctx, tb, nil); err != nil {
		a.release(bid)
		return nil, fmt.Errorf("failed to create bulk tiebreaker: %w", err)
	}

	log.Info().
		Str("round_id", round.ID.String()).
		Str("player_id", bid.PlayerID.String()).
		Int("claims", len(claims)).
		Msg("bulk claims collided, tiebreaker opened")

	if a.metrics != nil {
		a.metrics.RecordTiebreaker(string(tb.Kind))
	}
	finalize.EmitTiebreakerCreated(ctx, a.emit, tb)
	return &ClaimResult{Outcome: OutcomeTiebreaker, Bid: bid, Tiebreaker: tb}, nil
}

// release drops a claim that did not settle, returning its reservation.
func (a *App) release(bid *models.Bid) {
	if err := a.repo.DiscardBids(context.Background(), []uuid.UUID{bid.ID}); err != nil {
		log.Error().Err(err).Str("bid_id", bid.ID.String()).Msg("failed to release claim")
	}
}
