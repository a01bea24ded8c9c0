package finalize

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
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Repository defines what the finalization engine needs from the store
type Repository interface {
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	// TransitionRoundStatus moves a round to `to` only if its status is one of
	// `from`. On mismatch it returns the current round and apperr.ErrStatusConflict.
	TransitionRoundStatus(ctx context.Context, id uuid.UUID, from []models.RoundStatus, to models.RoundStatus, at time.Time) (*models.Round, error)
	ListLiveBids(ctx context.Context, roundID uuid.UUID) ([]*models.Bid, error)
	ListAllocations(ctx context.Context, roundID uuid.UUID) ([]*models.Allocation, error)
	ListTiebreakers(ctx context.Context, roundID uuid.UUID) ([]*models.Tiebreaker, error)
	FindActiveAllocation(ctx context.Context, seasonID, playerID uuid.UUID) (*models.Allocation, error)
	FindPendingTiebreaker(ctx context.Context, roundID, playerID uuid.UUID) (*models.Tiebreaker, error)
	CountPendingTiebreakers(ctx context.Context, roundID uuid.UUID) (int, error)
	// CommitAllocation inserts the allocation, marks its bid won and discards
	// the rest atomically; apperr.ErrAlreadyAllocated if the player is taken.
	CommitAllocation(ctx context.Context, alloc *models.Allocation, discardBidIDs []uuid.UUID) error
	CreateTiebreaker(ctx context.Context, tb *models.Tiebreaker, discardBidIDs []uuid.UUID) error
	DiscardBids(ctx context.Context, ids []uuid.UUID) error
}

// Metrics receives finalize outcomes
type Metrics interface {
	ObserveFinalize(status string, elapsed time.Duration)
	RecordAllocation(source string)
	RecordTiebreaker(kind string)
}

// Engine turns a closed round's live bids into allocations and tiebreakers
type Engine struct {
	repo    Repository
	budget  budget.Service
	locks   locker.Locker
	clock   clockwork.Clock
	emit    *events.Emitter
	metrics Metrics
}

// NewEngine creates a new finalization Engine
func NewEngine(repo Repository, budgetSvc budget.Service, locks locker.Locker, clock clockwork.Clock, pub events.Publisher, metrics Metrics) *Engine {
	return &Engine{
		repo:    repo,
		budget:  budgetSvc,
		locks:   locks,
		clock:   clock,
		emit:    events.NewEmitter(pub),
		metrics: metrics,
	}
}

// Finalize runs one pass over a round. Only one caller can move the round to
// closing; the others get apperr.ErrFinalizeInProgress. A round that already
// reached completed or tiebreaker_pending returns its earlier result together
// with apperr.ErrRoundAlreadyFinalized.
func (e *Engine) Finalize(ctx context.Context, roundID uuid.UUID) (*Result, error) {
	start := e.clock.Now()

	round, err := e.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if err := e.checkFinalizable(ctx, round); err != nil {
		return e.priorResultFor(ctx, round, err)
	}

	previous := round.Status
	round, err = e.repo.TransitionRoundStatus(ctx, roundID,
		[]models.RoundStatus{models.RoundStatusActive, models.RoundStatusExpired},
		models.RoundStatusClosing, start)
	if err != nil {
		if errors.Is(err, apperr.ErrStatusConflict) && round != nil {
			if cerr := e.checkFinalizable(ctx, round); cerr != nil {
				return e.priorResultFor(ctx, round, cerr)
			}
		}
		return nil, fmt.Errorf("failed to close round: %w", err)
	}
	e.emitStatus(ctx, round.ID, previous, models.RoundStatusClosing, start)

	unlock, err := e.locks.Lock(ctx, locker.RoundKey(roundID))
	if err != nil {
		e.reopen(context.WithoutCancel(ctx), roundID, previous)
		return nil, fmt.Errorf("failed to lock round: %w", err)
	}
	defer unlock()

	// A deletion may have won the round lock while we waited.
	round, err = e.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload round: %w", err)
	}
	if round.Status != models.RoundStatusClosing {
		return nil, apperr.Wrapf(apperr.ErrStatusConflict, "round %s became %s during finalize", roundID, round.Status)
	}

	result, passErr := e.runPass(ctx, round)
	status, err := e.closeOut(ctx, round, result, passErr)
	if err != nil {
		return nil, err
	}
	result.Status = status

	if e.metrics != nil {
		e.metrics.ObserveFinalize(string(status), e.clock.Since(start))
	}
	log.Info().
		Str("round_id", roundID.String()).
		Str("status", string(status)).
		Int("allocations", len(result.Allocations)).
		Int("tiebreakers", len(result.Tiebreakers)).
		Int("failures", len(result.Failures)).
		Msg("finalize pass completed")

	if passErr != nil {
		return result, passErr
	}
	return result, nil
}

// checkFinalizable maps a round status that cannot enter closing to the error the caller sees.
func (e *Engine) checkFinalizable(_ context.Context, round *models.Round) error {
	switch {
	case round.IsFinalized():
		return apperr.ErrRoundAlreadyFinalized
	case round.Status == models.RoundStatusClosing:
		return apperr.Wrapf(apperr.ErrFinalizeInProgress, "round %s", round.ID)
	case round.Status == models.RoundStatusDeleted:
		return apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is deleted", round.ID)
	default:
		return nil
	}
}

func (e *Engine) priorResultFor(ctx context.Context, round *models.Round, cause error) (*Result, error) {
	if !errors.Is(cause, apperr.ErrRoundAlreadyFinalized) {
		return nil, cause
	}
	result, err := e.PriorResult(ctx, round)
	if err != nil {
		return nil, err
	}
	return result, cause
}

// PriorResult rebuilds the outcome of earlier passes from the store.
func (e *Engine) PriorResult(ctx context.Context, round *models.Round) (*Result, error) {
	allocs, err := e.repo.ListAllocations(ctx, round.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	tbs, err := e.repo.ListTiebreakers(ctx, round.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiebreakers: %w", err)
	}
	return &Result{
		RoundID:          round.ID,
		Status:           round.Status,
		Allocations:      allocs,
		Tiebreakers:      tbs,
		AlreadyFinalized: true,
	}, nil
}

// runPass settles every player with live bids. Per-player failures are
// collected; only an integrity violation stops the pass.
func (e *Engine) runPass(ctx context.Context, round *models.Round) (*Result, error) {
	result := &Result{RoundID: round.ID}

	bids, err := e.repo.ListLiveBids(ctx, round.ID)
	if err != nil {
		return result, fmt.Errorf("failed to list live bids: %w", err)
	}

	for _, group := range groupByPlayer(bids) {
		if err := e.settlePlayer(ctx, round, group, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Engine) settlePlayer(ctx context.Context, round *models.Round, group playerBids, result *Result) error {
	unlock, err := e.locks.Lock(ctx, locker.PlayerKey(round.SeasonID, group.PlayerID))
	if err != nil {
		return fmt.Errorf("failed to lock player: %w", err)
	}
	defer unlock()

	skip, err := e.alreadySettled(ctx, round, group)
	if err != nil || skip {
		if err != nil {
			result.Failures = append(result.Failures, failure(group.PlayerID, uuid.Nil, err))
		}
		return nil
	}

	if round.Kind == models.RoundKindBulk {
		// Bulk claims settle as they arrive; anything still live lost its claim window.
		if err := e.repo.DiscardBids(ctx, group.ids(group.all())); err != nil {
			result.Failures = append(result.Failures, failure(group.PlayerID, uuid.Nil, err))
		}
		return nil
	}

	if len(group.Top) == 1 {
		return e.commitWinner(ctx, round, group, result)
	}
	e.openTiebreaker(ctx, round, group, result)
	return nil
}

// alreadySettled reports players a previous pass or another round already handled.
func (e *Engine) alreadySettled(ctx context.Context, round *models.Round, group playerBids) (bool, error) {
	alloc, err := e.repo.FindActiveAllocation(ctx, round.SeasonID, group.PlayerID)
	switch {
	case err == nil:
		if alloc.RoundID != round.ID {
			log.Warn().
				Str("round_id", round.ID.String()).
				Str("player_id", group.PlayerID.String()).
				Str("allocated_in", alloc.RoundID.String()).
				Msg("player already allocated in another round, discarding bids")
		}
		if err := e.repo.DiscardBids(ctx, group.ids(group.all())); err != nil {
			return true, fmt.Errorf("failed to discard bids: %w", err)
		}
		return true, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return true, fmt.Errorf("failed to check allocation: %w", err)
	}

	if _, err := e.repo.FindPendingTiebreaker(ctx, round.ID, group.PlayerID); err == nil {
		return true, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return true, fmt.Errorf("failed to check tiebreaker: %w", err)
	}
	return false, nil
}

func (e *Engine) commitWinner(ctx context.Context, round *models.Round, group playerBids, result *Result) error {
	winner := group.Top[0]
	alloc := &models.Allocation{
		ID:          uuid.New(),
		RoundID:     round.ID,
		SeasonID:    round.SeasonID,
		PlayerID:    group.PlayerID,
		TeamID:      winner.TeamID,
		FinalAmount: winner.Amount,
		BidID:       winner.ID,
		CreatedAt:   e.clock.Now(),
	}

	err := DebitAndCommit(ctx, e.locks, e.budget, winner.TeamID, winner.Amount, func(ctx context.Context) error {
		return e.repo.CommitAllocation(ctx, alloc, group.ids(group.Rest))
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyAllocated) {
			return err
		}
		result.Failures = append(result.Failures, failure(group.PlayerID, winner.TeamID, err))
		log.Error().Err(err).
			Str("round_id", round.ID.String()).
			Str("player_id", group.PlayerID.String()).
			Str("team_id", winner.TeamID.String()).
			Msg("player allocation left pending")
		return nil
	}

	result.Allocations = append(result.Allocations, alloc)
	if e.metrics != nil {
		e.metrics.RecordAllocation("finalize")
	}
	e.emit.Emit(ctx, events.TypePlayerAllocated, round.ID, alloc.CreatedAt, events.PlayerAllocatedPayload{
		AllocationID: alloc.ID.String(),
		PlayerID:     alloc.PlayerID.String(),
		TeamID:       alloc.TeamID.String(),
		Amount:       alloc.FinalAmount,
	}, events.WithPlayer(alloc.PlayerID), events.WithTeam(alloc.TeamID))
	return nil
}

func (e *Engine) openTiebreaker(ctx context.Context, round *models.Round, group playerBids, result *Result) {
	tb := &models.Tiebreaker{
		ID:             uuid.New(),
		RoundID:        round.ID,
		PlayerID:       group.PlayerID,
		Kind:           models.TiebreakerKindNormal,
		OriginalAmount: group.Max,
		Status:         models.TiebreakerStatusPending,
		CreatedAt:      e.clock.Now(),
	}
	for _, b := range group.Top {
		tb.Participants = append(tb.Participants, models.TiebreakerParticipant{
			TeamID:      b.TeamID,
			BidID:       b.ID,
			OriginalBid: b.Amount,
		})
	}

	if err := e.repo.CreateTiebreaker(ctx, tb, group.ids(group.Rest)); err != nil {
		result.Failures = append(result.Failures, failure(group.PlayerID, uuid.Nil, err))
		log.Error().Err(err).
			Str("round_id", round.ID.String()).
			Str("player_id", group.PlayerID.String()).
			Msg("failed to create tiebreaker")
		return
	}

	result.Tiebreakers = append(result.Tiebreakers, tb)
	if e.metrics != nil {
		e.metrics.RecordTiebreaker(string(tb.Kind))
	}
	EmitTiebreakerCreated(ctx, e.emit, tb)
}

// closeOut moves the round out of closing. Failed players send it back to
// expired so a later finalize retries only what is left.
func (e *Engine) closeOut(ctx context.Context, round *models.Round, result *Result, passErr error) (models.RoundStatus, error) {
	now := e.clock.Now()

	next := models.RoundStatusExpired
	if passErr == nil && len(result.Failures) == 0 {
		pending, err := e.repo.CountPendingTiebreakers(ctx, round.ID)
		if err != nil {
			return "", fmt.Errorf("failed to count pending tiebreakers: %w", err)
		}
		next = models.RoundStatusCompleted
		if pending > 0 {
			next = models.RoundStatusTiebreakerPending
		}
	}

	if _, err := e.repo.TransitionRoundStatus(ctx, round.ID,
		[]models.RoundStatus{models.RoundStatusClosing}, next, now); err != nil {
		return "", fmt.Errorf("failed to move round to %s: %w", next, err)
	}
	e.emitStatus(ctx, round.ID, models.RoundStatusClosing, next, now)

	if next == models.RoundStatusCompleted {
		EmitRoundFinalized(ctx, e.emit, round.ID, now, len(result.Allocations), len(result.Tiebreakers))
	}
	return next, nil
}

// reopen puts a round back when the pass could not start.
func (e *Engine) reopen(ctx context.Context, roundID uuid.UUID, previous models.RoundStatus) {
	if _, err := e.repo.TransitionRoundStatus(ctx, roundID,
		[]models.RoundStatus{models.RoundStatusClosing}, previous, e.clock.Now()); err != nil {
		log.Error().Err(err).Str("round_id", roundID.String()).Msg("failed to reopen round")
	}
}

func (e *Engine) emitStatus(ctx context.Context, roundID uuid.UUID, from, to models.RoundStatus, at time.Time) {
	EmitStatusChanged(ctx, e.emit, roundID, from, to, at, "")
}

// Preview computes what the next pass would do without changing anything.
func (e *Engine) Preview(ctx context.Context, roundID uuid.UUID) (*Plan, error) {
	round, err := e.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if round.Status == models.RoundStatusDeleted {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is deleted", roundID)
	}

	bids, err := e.repo.ListLiveBids(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list live bids: %w", err)
	}

	plan := &Plan{RoundID: roundID}
	for _, group := range groupByPlayer(bids) {
		settled, err := e.previewSettled(ctx, round, group.PlayerID)
		if err != nil {
			return nil, err
		}
		if settled || round.Kind == models.RoundKindBulk {
			plan.Skipped = append(plan.Skipped, group.PlayerID)
			continue
		}
		if len(group.Top) == 1 {
			plan.Winners = append(plan.Winners, PlannedWin{
				PlayerID: group.PlayerID,
				TeamID:   group.Top[0].TeamID,
				Amount:   group.Max,
				BidCount: len(group.Top) + len(group.Rest),
			})
			continue
		}
		tie := PlannedTie{PlayerID: group.PlayerID, Amount: group.Max}
		for _, b := range group.Top {
			tie.TeamIDs = append(tie.TeamIDs, b.TeamID)
		}
		plan.Ties = append(plan.Ties, tie)
	}
	return plan, nil
}

func (e *Engine) previewSettled(ctx context.Context, round *models.Round, playerID uuid.UUID) (bool, error) {
	if _, err := e.repo.FindActiveAllocation(ctx, round.SeasonID, playerID); err == nil {
		return true, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return false, fmt.Errorf("failed to check allocation: %w", err)
	}
	if _, err := e.repo.FindPendingTiebreaker(ctx, round.ID, playerID); err == nil {
		return true, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return false, fmt.Errorf("failed to check tiebreaker: %w", err)
	}
	return false, nil
}

func failure(playerID, teamID uuid.UUID, err error) PlayerFailure {
	return PlayerFailure{PlayerID: playerID, TeamID: teamID, Reason: err.Error(), Err: err}
}
