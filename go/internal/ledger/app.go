package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/rs/zerolog/log"
)

// BidRepository defines what the ledger needs from the bid store
type BidRepository interface {
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	FindLiveBid(ctx context.Context, roundID, teamID, playerID uuid.UUID) (*models.Bid, error)
	CountLiveBids(ctx context.Context, roundID, teamID uuid.UUID) (int, error)
	SumLiveReservations(ctx context.Context, teamID, excludeBidID uuid.UUID) (int64, error)
	// InsertBid, ReplaceBid and DeleteBid fail with apperr.ErrRoundNotActive
	// unless the round is active when the write lands.
	InsertBid(ctx context.Context, bid *models.Bid) error
	ReplaceBid(ctx context.Context, oldID uuid.UUID, bid *models.Bid) error
	DeleteBid(ctx context.Context, id uuid.UUID) error
	ListLiveBids(ctx context.Context, roundID uuid.UUID) ([]*models.Bid, error)
	ListTeamBids(ctx context.Context, roundID, teamID uuid.UUID) ([]*models.Bid, error)
}

// Metrics receives ledger outcomes
type Metrics interface {
	RecordBid(outcome string)
}

// App handles bid placement and budget reservations
type App struct {
	repo    BidRepository
	budget  budget.Service
	locks   locker.Locker
	clock   clockwork.Clock
	emit    *events.Emitter
	metrics Metrics
}

// NewApp creates a new ledger App
func NewApp(repo BidRepository, budgetSvc budget.Service, locks locker.Locker, clock clockwork.Clock, pub events.Publisher, metrics Metrics) *App {
	return &App{
		repo:    repo,
		budget:  budgetSvc,
		locks:   locks,
		clock:   clock,
		emit:    events.NewEmitter(pub),
		metrics: metrics,
	}
}

// PlaceBid validates and reserves a bid. A second bid by the same team for
// the same player replaces the first and does not count against the limit.
func (a *App) PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, error) {
	bid, err := a.placeBid(ctx, req)
	a.record(err)
	return bid, err
}

func (a *App) placeBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, error) {
	if req.Amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}

	round, err := a.repo.GetRound(ctx, req.RoundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if round.Kind != models.RoundKindNormal {
		return nil, apperr.Wrapf(apperr.ErrWrongRoundKind, "bids are placed in normal rounds, round %s is %s", round.ID, round.Kind)
	}
	if !round.AcceptsBids(a.clock.Now()) {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", round.ID, round.Status)
	}
	if !round.HasPlayer(req.PlayerID) {
		return nil, apperr.Wrapf(apperr.ErrPlayerNotInRound, "player %s", req.PlayerID)
	}

	unlock, err := a.locks.Lock(ctx, locker.TeamKey(req.TeamID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock team budget: %w", err)
	}
	defer unlock()

	existing, err := a.repo.FindLiveBid(ctx, req.RoundID, req.TeamID, req.PlayerID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up existing bid: %w", err)
	}

	excludeID := uuid.Nil
	if existing != nil {
		excludeID = existing.ID
	} else {
		count, err := a.repo.CountLiveBids(ctx, req.RoundID, req.TeamID)
		if err != nil {
			return nil, fmt.Errorf("failed to count bids: %w", err)
		}
		if count >= round.MaxBidsPerTeam {
			return nil, apperr.Wrapf(apperr.ErrBidLimitExceeded, "team %s already holds %d of %d bids", req.TeamID, count, round.MaxBidsPerTeam)
		}
	}

	available, err := a.AvailableBudget(ctx, req.TeamID, excludeID)
	if err != nil {
		return nil, err
	}
	if req.Amount > available {
		return nil, apperr.Wrapf(apperr.ErrInsufficientBudget, "bid %d exceeds available %d", req.Amount, available)
	}

	bid := &models.Bid{
		ID:        uuid.New(),
		RoundID:   req.RoundID,
		TeamID:    req.TeamID,
		PlayerID:  req.PlayerID,
		Amount:    req.Amount,
		Reserved:  req.Amount,
		Status:    models.BidStatusLive,
		CreatedAt: a.clock.Now(),
	}

	payload := events.BidPayload{
		BidID:    bid.ID.String(),
		TeamID:   bid.TeamID.String(),
		PlayerID: bid.PlayerID.String(),
	}
	if existing != nil {
		if err := a.repo.ReplaceBid(ctx, existing.ID, bid); err != nil {
			return nil, fmt.Errorf("failed to replace bid: %w", err)
		}
		payload.Replaced = existing.ID.String()
	} else if err := a.repo.InsertBid(ctx, bid); err != nil {
		return nil, fmt.Errorf("failed to insert bid: %w", err)
	}

	log.Info().
		Str("round_id", bid.RoundID.String()).
		Str("team_id", bid.TeamID.String()).
		Str("player_id", bid.PlayerID.String()).
		Bool("replaced", existing != nil).
		Msg("bid placed")

	a.emit.Emit(ctx, events.TypeBidPlaced, bid.RoundID, bid.CreatedAt, payload,
		events.WithTeam(bid.TeamID), events.WithPlayer(bid.PlayerID))
	return bid, nil
}

// CancelBid deletes a live bid owned by teamID and releases its reservation.
func (a *App) CancelBid(ctx context.Context, bidID, teamID uuid.UUID) (*models.Bid, error) {
	bid, err := a.repo.GetBid(ctx, bidID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	if bid.TeamID != teamID || !bid.IsLive() {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "bid %s", bidID)
	}

	round, err := a.repo.GetRound(ctx, bid.RoundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if !round.AcceptsBids(a.clock.Now()) {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", round.ID, round.Status)
	}

	unlock, err := a.locks.Lock(ctx, locker.TeamKey(teamID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock team budget: %w", err)
	}
	defer unlock()

	if err := a.repo.DeleteBid(ctx, bidID); err != nil {
		return nil, fmt.Errorf("failed to delete bid: %w", err)
	}

	log.Info().
		Str("round_id", bid.RoundID.String()).
		Str("team_id", teamID.String()).
		Str("bid_id", bidID.String()).
		Msg("bid cancelled")

	a.emit.Emit(ctx, events.TypeBidCancelled, bid.RoundID, a.clock.Now(), events.BidPayload{
		BidID:    bid.ID.String(),
		TeamID:   bid.TeamID.String(),
		PlayerID: bid.PlayerID.String(),
	}, events.WithTeam(teamID), events.WithPlayer(bid.PlayerID))
	return bid, nil
}

// ListBidsForRound returns every live bid in a round.
func (a *App) ListBidsForRound(ctx context.Context, roundID uuid.UUID) ([]*models.Bid, error) {
	bids, err := a.repo.ListLiveBids(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return bids, nil
}

// ListTeamBids returns a team's own bids in a round, including settled ones.
func (a *App) ListTeamBids(ctx context.Context, roundID, teamID uuid.UUID) ([]*models.Bid, error) {
	bids, err := a.repo.ListTeamBids(ctx, roundID, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team bids: %w", err)
	}
	return bids, nil
}

// AvailableBudget is the team balance minus every live reservation except
// excludeBidID. Callers must hold the team lock for the result to stay true.
func (a *App) AvailableBudget(ctx context.Context, teamID, excludeBidID uuid.UUID) (int64, error) {
	balance, err := a.budget.GetAvailableBudget(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("failed to get team budget: %w", err)
	}
	reserved, err := a.repo.SumLiveReservations(ctx, teamID, excludeBidID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum reservations: %w", err)
	}
	return balance - reserved, nil
}

func (a *App) record(err error) {
	if a.metrics == nil {
		return
	}
	if err == nil {
		a.metrics.RecordBid("accepted")
		return
	}
	a.metrics.RecordBid(apperr.KindOf(err).String())
}
